package watcher

import (
	"context"

	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/events"
	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/playfab"
)

const defaultSalesFilter = "type eq 'store' and tags/any(t: t eq 'sale')"

// salesStrategy diffs whole sale stores: a price or membership change inside
// a store marks the store updated.
type salesStrategy struct {
	source
}

func NewSales(search Searcher, titles playfab.TitleResolver, cfg Config, opts Options) *Poller[playfab.Store] {
	if opts.Name == "" {
		opts.Name = "sales"
	}
	if cfg.Filter == "" {
		cfg.Filter = defaultSalesFilter
	}
	return New[playfab.Store](&salesStrategy{source{search, titles, cfg}}, opts)
}

func (s *salesStrategy) Fetch(ctx context.Context) ([]playfab.Store, error) {
	return fetchStores(ctx, s.source)
}

func (s *salesStrategy) ID(st playfab.Store) string        { return st.ID }
func (s *salesStrategy) Signature(st playfab.Store) string { return storeSignature(st) }

func (s *salesStrategy) Events(d Diff[playfab.Store]) []events.Payload {
	p := events.SaleUpdated{
		Created: d.Created,
		Deleted: d.Deleted,
	}
	for _, c := range d.Updated {
		p.Updated = append(p.Updated, c.After)
	}
	return []events.Payload{p}
}

func (s *salesStrategy) Snapshot(n int) events.Payload {
	return events.SalesSnapshot{Count: n}
}

func fetchStores(ctx context.Context, src source) ([]playfab.Store, error) {
	cis, err := src.fetch(ctx, src.cfg.Filter, "startDate desc")
	if err != nil {
		return nil, err
	}
	out := make([]playfab.Store, 0, len(cis))
	for _, ci := range cis {
		out = append(out, ci.Store())
	}
	return out, nil
}
