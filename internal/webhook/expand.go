package webhook

import (
	"strings"
	"time"

	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/events"
	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/playfab"
)

// Unit is one independently delivered piece of an event.
type Unit struct {
	Event     events.Name
	Timestamp time.Time
	// Key identifies the entity the unit is about. Empty for whole-event
	// units such as snapshots.
	Key      string
	Creators []string
	Data     any
}

// StoreChange is the unit body for one sale bucket.
type StoreChange struct {
	Change string        `json:"change"` // created, updated or deleted
	Store  playfab.Store `json:"store"`
}

// TrendingChange is the unit body for one leaderboard entry.
type TrendingChange struct {
	WindowHours int                  `json:"windowHours"`
	Entry       events.TrendingEntry `json:"entry"`
}

// Expand splits ev into delivery units: one per item, price change, sale
// bucket, leaderboard entry or collection. Other events become one unit.
func Expand(ev events.Event) []Unit {
	base := Unit{Event: ev.Name, Timestamp: ev.Timestamp}
	unit := func(key string, creators []string, data any) Unit {
		u := base
		u.Key, u.Creators, u.Data = key, creators, data
		return u
	}
	one := func(creator string) []string {
		if creator == "" {
			return nil
		}
		return []string{creator}
	}

	var out []Unit
	switch p := ev.Payload.(type) {
	case events.ItemsCreated:
		for _, it := range p.Items {
			out = append(out, unit(it.ID, one(it.Creator), it))
		}
	case events.ItemsUpdated:
		for _, c := range p.Changes {
			creators := one(c.After.Creator)
			if c.Before.Creator != "" && !strings.EqualFold(c.Before.Creator, c.After.Creator) {
				creators = append(creators, c.Before.Creator)
			}
			out = append(out, unit(c.After.ID, creators, c))
		}
	case events.PricesChanged:
		for _, c := range p.Changes {
			out = append(out, unit(c.ItemID, one(c.Creator), c))
		}
	case events.SaleUpdated:
		for _, group := range []struct {
			change string
			stores []playfab.Store
		}{{"created", p.Created}, {"updated", p.Updated}, {"deleted", p.Deleted}} {
			for _, s := range group.stores {
				out = append(out, unit(s.ID, nil, StoreChange{Change: group.change, Store: s}))
			}
		}
	case events.CreatorsTrending:
		for _, e := range p.Changed {
			out = append(out, unit(strings.ToLower(e.Creator), one(e.Creator), TrendingChange{WindowHours: p.WindowHours, Entry: e}))
		}
	case events.FeaturedChanged:
		for _, s := range p.Collections {
			out = append(out, unit(s.ID, nil, s))
		}
	case nil:
	default:
		out = append(out, unit("", p.Creators(), p))
	}
	return out
}
