package service

import (
	"context"
	"fmt"

	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/cache"
	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/playfab"
)

// Page is one cached search result.
type Page struct {
	Count int            `json:"count"`
	Items []playfab.Item `json:"items"`
}

// Search runs q against the title behind alias. Results are cached for the
// configured TTL. When the upstream fails and an expired page is still held,
// that page is returned with stale set.
func (s *Service) Search(ctx context.Context, alias string, q playfab.SearchQuery) (page Page, stale bool, err error) {
	titleID, err := s.titles.Resolve(alias)
	if err != nil {
		return Page{}, false, err
	}
	if q.Top <= 0 || q.Top > playfab.MaxPageSize {
		q.Top = 50
	}
	q.Count = true
	key := fmt.Sprintf("search:%s:%q:%q:%q:%d:%d", titleID, q.Search, q.Filter, q.OrderBy, q.Top, q.Skip)

	v, stale, err := s.cache.GetOrComputeFallback(ctx, key, s.cfg.Cache.DefaultTTL.D(), func(ctx context.Context) (any, error) {
		res, err := s.catalog.SearchItems(ctx, titleID, q)
		if err != nil {
			return nil, err
		}
		p := Page{Count: res.Count, Items: make([]playfab.Item, 0, len(res.Items))}
		for _, ci := range res.Items {
			p.Items = append(p.Items, ci.Normalize(s.creators))
		}
		return p, nil
	})
	if err != nil {
		return Page{}, false, err
	}
	return v.(Page), stale, nil
}

// Item returns one normalized catalog item.
func (s *Service) Item(ctx context.Context, alias, id string) (playfab.Item, error) {
	titleID, err := s.titles.Resolve(alias)
	if err != nil {
		return playfab.Item{}, err
	}
	return cache.Compute(ctx, s.cache, "item:"+titleID+":"+id, s.cfg.Cache.DefaultTTL.D(), func(ctx context.Context) (playfab.Item, error) {
		ci, err := s.catalog.GetItem(ctx, titleID, id)
		if err != nil {
			return playfab.Item{}, err
		}
		return ci.Normalize(s.creators), nil
	})
}
