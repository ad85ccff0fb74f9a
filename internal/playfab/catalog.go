package playfab

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	searchItemsEndpoint = "Catalog/SearchItems"
	getItemEndpoint     = "Catalog/GetItem"

	// MaxPageSize is the largest Top value SearchItems accepts.
	MaxPageSize = 300
)

// CatalogItem is a Catalog v2 item as PlayFab returns it. Only the members
// the service reads are declared.
type CatalogItem struct {
	ID                string            `json:"Id"`
	Type              string            `json:"Type"`
	Title             map[string]string `json:"Title"`
	Description       map[string]string `json:"Description"`
	ContentType       string            `json:"ContentType"`
	Tags              []string          `json:"Tags"`
	Images            []Image           `json:"Images"`
	DisplayProperties map[string]any    `json:"DisplayProperties"`
	CreatorEntity     *EntityKey        `json:"CreatorEntity"`
	CreationDate      time.Time         `json:"CreationDate"`
	LastModifiedDate  time.Time         `json:"LastModifiedDate"`
	StartDate         time.Time         `json:"StartDate"`
	Rating            *Rating           `json:"Rating"`
	PriceOptions      *PriceOptions     `json:"PriceOptions"`
	ItemReferences    []ItemReference   `json:"ItemReferences"`
	ETag              string            `json:"ETag"`
}

type EntityKey struct {
	ID   string `json:"Id"`
	Type string `json:"Type"`
}

type Image struct {
	ID   string `json:"Id"`
	Tag  string `json:"Tag"`
	Type string `json:"Type"`
	URL  string `json:"Url"`
}

type Rating struct {
	Average    float64 `json:"Average"`
	TotalCount int     `json:"TotalCount"`
}

type PriceOptions struct {
	Prices []PriceOption `json:"Prices"`
}

type PriceOption struct {
	Amounts []PriceAmount `json:"Amounts"`
}

type PriceAmount struct {
	ItemID string `json:"ItemId"`
	Amount int    `json:"Amount"`
}

type ItemReference struct {
	ID           string        `json:"Id"`
	Amount       int           `json:"Amount"`
	PriceOptions *PriceOptions `json:"PriceOptions"`
}

// Price is one amount in one currency.
type Price struct {
	Currency string `json:"currency"`
	Amount   int    `json:"amount"`
}

// Item is the flattened form used in events, webhooks and read responses.
type Item struct {
	ID          string         `json:"id"`
	Type        string         `json:"type,omitempty"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Creator     string         `json:"creator,omitempty"`
	CreatorID   string         `json:"creatorId,omitempty"`
	ContentType string         `json:"contentType,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Images      []string       `json:"images,omitempty"`
	Thumbnail   string         `json:"thumbnail,omitempty"`
	Prices      []Price        `json:"prices,omitempty"`
	Properties  map[string]any `json:"properties,omitempty"`
	Rating      float64        `json:"rating,omitempty"`
	RatingCount int            `json:"ratingCount,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	ModifiedAt  time.Time      `json:"modifiedAt"`
	StartAt     time.Time      `json:"startAt,omitzero"`
}

// StoreEntry is an item offered by a store with the store's own price.
type StoreEntry struct {
	ItemID string  `json:"itemId"`
	Prices []Price `json:"prices,omitempty"`
}

// Store is a catalog item of type "store", such as a sale or a featured
// collection.
type Store struct {
	ID      string       `json:"id"`
	Title   string       `json:"title"`
	Tags    []string     `json:"tags,omitempty"`
	StartAt time.Time    `json:"startAt,omitzero"`
	EndAt   time.Time    `json:"endAt,omitzero"`
	Entries []StoreEntry `json:"entries"`
}

// Creators maps creator entity ids to display names. It is consulted only
// when an item carries no creatorName display property.
type Creators map[string]string

// Localized picks the neutral string, then en-US, then any value in key order.
func Localized(m map[string]string) string {
	if v := m["NEUTRAL"]; v != "" {
		return v
	}
	if v := m["en-US"]; v != "" {
		return v
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if m[k] != "" {
			return m[k]
		}
	}
	return ""
}

func (ci CatalogItem) prop(name string) string {
	if v, ok := ci.DisplayProperties[name].(string); ok {
		return v
	}
	return ""
}

// Normalize flattens a catalog item. creators may be nil.
func (ci CatalogItem) Normalize(creators Creators) Item {
	it := Item{
		ID:          ci.ID,
		Type:        ci.Type,
		Title:       Localized(ci.Title),
		Description: Localized(ci.Description),
		Creator:     ci.prop("creatorName"),
		ContentType: ci.ContentType,
		Tags:        ci.Tags,
		Prices:      pricesOf(ci.PriceOptions),
		Properties:  ci.DisplayProperties,
		CreatedAt:   ci.CreationDate,
		ModifiedAt:  ci.LastModifiedDate,
		StartAt:     ci.StartDate,
	}
	if ci.CreatorEntity != nil {
		it.CreatorID = ci.CreatorEntity.ID
		if it.Creator == "" {
			it.Creator = creators[ci.CreatorEntity.ID]
		}
	}
	for _, img := range ci.Images {
		if img.URL == "" {
			continue
		}
		it.Images = append(it.Images, img.URL)
		if it.Thumbnail == "" && strings.EqualFold(img.Type, "Thumbnail") {
			it.Thumbnail = img.URL
		}
	}
	if ci.Rating != nil {
		it.Rating = ci.Rating.Average
		it.RatingCount = ci.Rating.TotalCount
	}
	return it
}

// Store interprets the item as a store. EndAt comes from the endDate display
// property when present.
func (ci CatalogItem) Store() Store {
	s := Store{
		ID:      ci.ID,
		Title:   Localized(ci.Title),
		Tags:    ci.Tags,
		StartAt: ci.StartDate,
		Entries: make([]StoreEntry, 0, len(ci.ItemReferences)),
	}
	if end := ci.prop("endDate"); end != "" {
		if t, err := time.Parse(time.RFC3339, end); err == nil {
			s.EndAt = t
		}
	}
	for _, ref := range ci.ItemReferences {
		s.Entries = append(s.Entries, StoreEntry{ItemID: ref.ID, Prices: pricesOf(ref.PriceOptions)})
	}
	return s
}

// pricesOf reads the first price option, which is the one the marketplace shows.
func pricesOf(po *PriceOptions) []Price {
	if po == nil || len(po.Prices) == 0 {
		return nil
	}
	out := make([]Price, 0, len(po.Prices[0].Amounts))
	for _, a := range po.Prices[0].Amounts {
		out = append(out, Price{Currency: a.ItemID, Amount: a.Amount})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out
}

// SearchQuery mirrors the SearchItems request body.
type SearchQuery struct {
	Search  string `json:"Search,omitempty"`
	Filter  string `json:"Filter,omitempty"`
	OrderBy string `json:"OrderBy,omitempty"`
	Select  string `json:"Select,omitempty"`
	Top     int    `json:"Top,omitempty"`
	Skip    int    `json:"Skip,omitempty"`
	Count   bool   `json:"Count,omitempty"`
}

type SearchResult struct {
	Count int           `json:"Count"`
	Items []CatalogItem `json:"Items"`
}

// Requester is the subset of Executor the catalog needs.
type Requester interface {
	Request(ctx context.Context, titleID, endpoint string, payload any, auth AuthKind, retries int) (json.RawMessage, error)
}

// Catalog wraps the Catalog v2 endpoints used by watchers and read handlers.
type Catalog struct {
	exec Requester
}

func NewCatalog(exec Requester) *Catalog {
	return &Catalog{exec: exec}
}

func (c *Catalog) SearchItems(ctx context.Context, titleID string, q SearchQuery) (SearchResult, error) {
	if q.Top <= 0 || q.Top > MaxPageSize {
		q.Top = MaxPageSize
	}
	data, err := c.exec.Request(ctx, titleID, searchItemsEndpoint, q, AuthEntity, -1)
	if err != nil {
		return SearchResult{}, err
	}
	var out SearchResult
	if err := json.Unmarshal(data, &out); err != nil {
		return SearchResult{}, fmt.Errorf("decode %s: %w", searchItemsEndpoint, err)
	}
	return out, nil
}

// SearchPages walks up to pages pages of q.Top items each, stopping early on
// a short page.
func (c *Catalog) SearchPages(ctx context.Context, titleID string, q SearchQuery, pages int) ([]CatalogItem, error) {
	if pages <= 0 {
		pages = 1
	}
	if q.Top <= 0 || q.Top > MaxPageSize {
		q.Top = MaxPageSize
	}
	var all []CatalogItem
	for p := 0; p < pages; p++ {
		page := q
		page.Skip = q.Skip + p*q.Top
		res, err := c.SearchItems(ctx, titleID, page)
		if err != nil {
			return nil, err
		}
		all = append(all, res.Items...)
		if len(res.Items) < q.Top {
			break
		}
	}
	return all, nil
}

func (c *Catalog) GetItem(ctx context.Context, titleID, id string) (CatalogItem, error) {
	data, err := c.exec.Request(ctx, titleID, getItemEndpoint, map[string]string{"Id": id}, AuthEntity, -1)
	if err != nil {
		return CatalogItem{}, err
	}
	var out struct {
		Item *CatalogItem `json:"Item"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return CatalogItem{}, fmt.Errorf("decode %s: %w", getItemEndpoint, err)
	}
	if out.Item == nil {
		return CatalogItem{}, &UpstreamError{Endpoint: getItemEndpoint, Status: 404, Code: "ItemNotFound", Message: "item " + id + " not found"}
	}
	return *out.Item, nil
}
