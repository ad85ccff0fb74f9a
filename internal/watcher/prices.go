package watcher

import (
	"context"

	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/events"
	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/playfab"
)

// pricesStrategy fingerprints only price amounts, so any other edit to an
// item is invisible to it.
type pricesStrategy struct {
	source
	creators playfab.Creators
}

func NewPrices(search Searcher, titles playfab.TitleResolver, creators playfab.Creators, cfg Config, opts Options) *Poller[playfab.Item] {
	if opts.Name == "" {
		opts.Name = "prices"
	}
	return New[playfab.Item](&pricesStrategy{source: source{search, titles, cfg}, creators: creators}, opts)
}

func (s *pricesStrategy) Fetch(ctx context.Context) ([]playfab.Item, error) {
	cis, err := s.fetch(ctx, s.cfg.Filter, "creationDate desc")
	if err != nil {
		return nil, err
	}
	out := make([]playfab.Item, 0, len(cis))
	for _, ci := range cis {
		it := ci.Normalize(s.creators)
		if len(it.Prices) == 0 {
			continue
		}
		out = append(out, it)
	}
	return out, nil
}

func (s *pricesStrategy) ID(it playfab.Item) string        { return it.ID }
func (s *pricesStrategy) Signature(it playfab.Item) string { return priceSignature(it.Prices) }

func (s *pricesStrategy) Events(d Diff[playfab.Item]) []events.Payload {
	if len(d.Updated) == 0 {
		return nil
	}
	changes := make([]events.PriceChange, 0, len(d.Updated))
	for _, c := range d.Updated {
		changes = append(changes, events.PriceChange{
			ItemID:  c.After.ID,
			Title:   c.After.Title,
			Creator: c.After.Creator,
			Before:  c.Before.Prices,
			After:   c.After.Prices,
		})
	}
	return []events.Payload{events.PricesChanged{Changes: changes}}
}

func (s *pricesStrategy) Snapshot(int) events.Payload { return nil }
