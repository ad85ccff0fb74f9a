package watcher

import (
	"context"

	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/events"
	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/playfab"
)

const defaultFeaturedFilter = "type eq 'store' and tags/any(t: t eq 'featured')"

type featuredStrategy struct {
	source
}

func NewFeatured(search Searcher, titles playfab.TitleResolver, cfg Config, opts Options) *Poller[playfab.Store] {
	if opts.Name == "" {
		opts.Name = "featured"
	}
	if cfg.Filter == "" {
		cfg.Filter = defaultFeaturedFilter
	}
	return New[playfab.Store](&featuredStrategy{source{search, titles, cfg}}, opts)
}

func (s *featuredStrategy) Fetch(ctx context.Context) ([]playfab.Store, error) {
	return fetchStores(ctx, s.source)
}

func (s *featuredStrategy) ID(st playfab.Store) string        { return st.ID }
func (s *featuredStrategy) Signature(st playfab.Store) string { return storeSignature(st) }

// Events reports new and changed collections. A collection that disappears
// is not announced.
func (s *featuredStrategy) Events(d Diff[playfab.Store]) []events.Payload {
	if len(d.Created) == 0 && len(d.Updated) == 0 {
		return nil
	}
	cols := append([]playfab.Store(nil), d.Created...)
	for _, c := range d.Updated {
		cols = append(cols, c.After)
	}
	return []events.Payload{events.FeaturedChanged{Collections: cols}}
}

func (s *featuredStrategy) Snapshot(int) events.Payload { return nil }
