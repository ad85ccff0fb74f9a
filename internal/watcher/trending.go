package watcher

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/events"
	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/playfab"
)

const maxTrendingTitles = 3

// trendingStrategy ranks creators by how many items they released within
// the window. Each leaderboard row is one tracked entity.
type trendingStrategy struct {
	source
	creators playfab.Creators
	now      func() time.Time
}

func NewTrending(search Searcher, titles playfab.TitleResolver, creators playfab.Creators, cfg Config, opts Options) *Poller[events.TrendingEntry] {
	if opts.Name == "" {
		opts.Name = "trending"
	}
	if cfg.Window <= 0 {
		cfg.Window = 72 * time.Hour
	}
	if cfg.Top <= 0 {
		cfg.Top = 10
	}
	return New[events.TrendingEntry](&trendingStrategy{
		source:   source{search, titles, cfg},
		creators: creators,
		now:      time.Now,
	}, opts)
}

func (s *trendingStrategy) Fetch(ctx context.Context) ([]events.TrendingEntry, error) {
	since := s.now().Add(-s.cfg.Window).UTC().Format(time.RFC3339)
	filter := "creationDate ge " + since
	if s.cfg.Filter != "" {
		filter = fmt.Sprintf("(%s) and %s", s.cfg.Filter, filter)
	}
	cis, err := s.fetch(ctx, filter, "creationDate desc")
	if err != nil {
		return nil, err
	}
	return s.rank(cis), nil
}

func (s *trendingStrategy) rank(cis []playfab.CatalogItem) []events.TrendingEntry {
	byKey := map[string]*events.TrendingEntry{}
	for _, ci := range cis {
		it := ci.Normalize(s.creators)
		if it.Creator == "" {
			continue
		}
		key := strings.ToLower(it.Creator)
		e, ok := byKey[key]
		if !ok {
			e = &events.TrendingEntry{Creator: it.Creator}
			byKey[key] = e
		}
		e.ItemCount++
		if len(e.Titles) < maxTrendingTitles && it.Title != "" {
			e.Titles = append(e.Titles, it.Title)
		}
	}

	board := make([]events.TrendingEntry, 0, len(byKey))
	for _, e := range byKey {
		board = append(board, *e)
	}
	sort.Slice(board, func(i, j int) bool {
		if board[i].ItemCount != board[j].ItemCount {
			return board[i].ItemCount > board[j].ItemCount
		}
		return strings.ToLower(board[i].Creator) < strings.ToLower(board[j].Creator)
	})
	if len(board) > s.cfg.Top {
		board = board[:s.cfg.Top]
	}
	for i := range board {
		board[i].Rank = i + 1
	}
	return board
}

func (s *trendingStrategy) ID(e events.TrendingEntry) string { return strings.ToLower(e.Creator) }

func (s *trendingStrategy) Signature(e events.TrendingEntry) string {
	return Signature([2]int{e.Rank, e.ItemCount})
}

// Events publishes when a creator entered the board or moved. Falling off
// the board alone changes the top list only through the others' ranks.
func (s *trendingStrategy) Events(d Diff[events.TrendingEntry]) []events.Payload {
	if len(d.Created) == 0 && len(d.Updated) == 0 {
		return nil
	}
	changed := append([]events.TrendingEntry(nil), d.Created...)
	for _, c := range d.Updated {
		e := c.After
		if c.Before.Rank != e.Rank {
			e.PreviousRank = c.Before.Rank
		}
		changed = append(changed, e)
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i].Rank < changed[j].Rank })
	return []events.Payload{events.CreatorsTrending{
		WindowHours: int(s.cfg.Window / time.Hour),
		Changed:     changed,
		Top:         d.Current,
	}}
}

func (s *trendingStrategy) Snapshot(int) events.Payload { return nil }
