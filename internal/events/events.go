// Package events defines the closed set of change events and the in-process
// bus that carries them from watchers to the push hub and webhooks.
package events

import (
	"strings"
	"time"

	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/playfab"
)

type Name string

const (
	ItemCreated     Name = "item.created"
	ItemUpdated     Name = "item.updated"
	ItemSnapshot    Name = "item.snapshot"
	PriceChanged    Name = "price.changed"
	SaleUpdate      Name = "sale.update"
	SaleSnapshot    Name = "sale.snapshot"
	CreatorTrending Name = "creator.trending"
	FeaturedUpdated Name = "featured.updated"
)

var allNames = []Name{
	ItemCreated, ItemUpdated, ItemSnapshot,
	PriceChanged,
	SaleUpdate, SaleSnapshot,
	CreatorTrending,
	FeaturedUpdated,
}

// All returns every event name in a stable order.
func All() []Name {
	out := make([]Name, len(allNames))
	copy(out, allNames)
	return out
}

// Parse accepts an event name case-insensitively.
func Parse(s string) (Name, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, n := range allNames {
		if string(n) == s {
			return n, true
		}
	}
	return "", false
}

// Payload is implemented only by the payload types in this package.
type Payload interface {
	EventName() Name
	// Creators lists the creator names the payload mentions, as they appear
	// upstream. Filters compare them case-insensitively.
	Creators() []string
	sealed()
}

// Event is immutable once emitted.
type Event struct {
	Name      Name      `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Payload   Payload   `json:"data"`
}

func New(p Payload, at time.Time) Event {
	return Event{Name: p.EventName(), Timestamp: at, Payload: p}
}

type ItemChange struct {
	Before playfab.Item `json:"before"`
	After  playfab.Item `json:"after"`
}

type PriceChange struct {
	ItemID  string          `json:"itemId"`
	Title   string          `json:"title"`
	Creator string          `json:"creator,omitempty"`
	Before  []playfab.Price `json:"before"`
	After   []playfab.Price `json:"after"`
}

type TrendingEntry struct {
	Creator      string   `json:"creator"`
	Rank         int      `json:"rank"`
	PreviousRank int      `json:"previousRank,omitempty"`
	ItemCount    int      `json:"itemCount"`
	Titles       []string `json:"titles,omitempty"`
}

type ItemsCreated struct {
	Items []playfab.Item `json:"items"`
}

type ItemsUpdated struct {
	Changes []ItemChange `json:"changes"`
}

type ItemsSnapshot struct {
	Count int `json:"count"`
}

type PricesChanged struct {
	Changes []PriceChange `json:"changes"`
}

// SaleUpdated reports sale stores that appeared, changed or ended.
type SaleUpdated struct {
	Created []playfab.Store `json:"created"`
	Updated []playfab.Store `json:"updated"`
	Deleted []playfab.Store `json:"deleted"`
}

type SalesSnapshot struct {
	Count int `json:"count"`
}

// CreatorsTrending carries the leaderboard entries that moved plus the full
// current top list.
type CreatorsTrending struct {
	WindowHours int             `json:"windowHours"`
	Changed     []TrendingEntry `json:"changed"`
	Top         []TrendingEntry `json:"top"`
}

type FeaturedChanged struct {
	Collections []playfab.Store `json:"collections"`
}

func (ItemsCreated) EventName() Name     { return ItemCreated }
func (ItemsUpdated) EventName() Name     { return ItemUpdated }
func (ItemsSnapshot) EventName() Name    { return ItemSnapshot }
func (PricesChanged) EventName() Name    { return PriceChanged }
func (SaleUpdated) EventName() Name      { return SaleUpdate }
func (SalesSnapshot) EventName() Name    { return SaleSnapshot }
func (CreatorsTrending) EventName() Name { return CreatorTrending }
func (FeaturedChanged) EventName() Name  { return FeaturedUpdated }

func (p ItemsCreated) Creators() []string {
	out := make([]string, 0, len(p.Items))
	for _, it := range p.Items {
		out = appendCreator(out, it.Creator)
	}
	return out
}

func (p ItemsUpdated) Creators() []string {
	out := make([]string, 0, len(p.Changes))
	for _, c := range p.Changes {
		out = appendCreator(out, c.After.Creator)
		out = appendCreator(out, c.Before.Creator)
	}
	return out
}

func (p PricesChanged) Creators() []string {
	out := make([]string, 0, len(p.Changes))
	for _, c := range p.Changes {
		out = appendCreator(out, c.Creator)
	}
	return out
}

func (p CreatorsTrending) Creators() []string {
	out := make([]string, 0, len(p.Top))
	for _, e := range p.Changed {
		out = appendCreator(out, e.Creator)
	}
	for _, e := range p.Top {
		out = appendCreator(out, e.Creator)
	}
	return out
}

func (ItemsSnapshot) Creators() []string   { return nil }
func (SaleUpdated) Creators() []string     { return nil }
func (SalesSnapshot) Creators() []string   { return nil }
func (FeaturedChanged) Creators() []string { return nil }

func (ItemsCreated) sealed()     {}
func (ItemsUpdated) sealed()     {}
func (ItemsSnapshot) sealed()    {}
func (PricesChanged) sealed()    {}
func (SaleUpdated) sealed()      {}
func (SalesSnapshot) sealed()    {}
func (CreatorsTrending) sealed() {}
func (FeaturedChanged) sealed()  {}

func appendCreator(out []string, name string) []string {
	if name == "" {
		return out
	}
	for _, existing := range out {
		if strings.EqualFold(existing, name) {
			return out
		}
	}
	return append(out, name)
}

// MatchesCreators reports whether any creator in the payload is in set.
// set holds lower-cased names; an empty set matches everything.
func MatchesCreators(p Payload, set map[string]struct{}) bool {
	if len(set) == 0 {
		return true
	}
	for _, c := range p.Creators() {
		if _, ok := set[strings.ToLower(c)]; ok {
			return true
		}
	}
	return false
}
