package watcher

import (
	"context"

	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/events"
	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/playfab"
)

// itemsStrategy follows the most recently modified items. Items that drop out
// of the window are not reported as deleted.
type itemsStrategy struct {
	source
	creators playfab.Creators
}

func NewItems(search Searcher, titles playfab.TitleResolver, creators playfab.Creators, cfg Config, opts Options) *Poller[playfab.Item] {
	if opts.Name == "" {
		opts.Name = "items"
	}
	return New[playfab.Item](&itemsStrategy{source: source{search, titles, cfg}, creators: creators}, opts)
}

func (s *itemsStrategy) Fetch(ctx context.Context) ([]playfab.Item, error) {
	cis, err := s.fetch(ctx, s.cfg.Filter, "lastModifiedDate desc")
	if err != nil {
		return nil, err
	}
	out := make([]playfab.Item, 0, len(cis))
	for _, ci := range cis {
		out = append(out, ci.Normalize(s.creators))
	}
	return out, nil
}

func (s *itemsStrategy) ID(it playfab.Item) string        { return it.ID }
func (s *itemsStrategy) Signature(it playfab.Item) string { return itemSignature(it) }

func (s *itemsStrategy) Events(d Diff[playfab.Item]) []events.Payload {
	var out []events.Payload
	if len(d.Created) > 0 {
		out = append(out, events.ItemsCreated{Items: d.Created})
	}
	if len(d.Updated) > 0 {
		changes := make([]events.ItemChange, 0, len(d.Updated))
		for _, c := range d.Updated {
			changes = append(changes, events.ItemChange{Before: c.Before, After: c.After})
		}
		out = append(out, events.ItemsUpdated{Changes: changes})
	}
	return out
}

func (s *itemsStrategy) Snapshot(n int) events.Payload {
	return events.ItemsSnapshot{Count: n}
}
