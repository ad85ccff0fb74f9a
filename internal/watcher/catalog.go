package watcher

import (
	"context"
	"time"

	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/playfab"
)

// Searcher is the catalog capability watchers poll through.
type Searcher interface {
	SearchPages(ctx context.Context, titleID string, q playfab.SearchQuery, pages int) ([]playfab.CatalogItem, error)
}

// Config selects what one watcher polls.
type Config struct {
	Alias    string
	Filter   string
	PageSize int
	Pages    int

	// trending only
	Window time.Duration
	Top    int
}

// source is embedded by every strategy: it resolves the alias on each poll so
// a title mapping change is picked up without a restart.
type source struct {
	search Searcher
	titles playfab.TitleResolver
	cfg    Config
}

func (s source) fetch(ctx context.Context, filter, orderBy string) ([]playfab.CatalogItem, error) {
	titleID, err := s.titles.Resolve(s.cfg.Alias)
	if err != nil {
		return nil, err
	}
	return s.search.SearchPages(ctx, titleID, playfab.SearchQuery{
		Filter:  filter,
		OrderBy: orderBy,
		Top:     s.cfg.PageSize,
	}, s.cfg.Pages)
}
