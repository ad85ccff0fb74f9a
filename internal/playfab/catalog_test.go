package playfab

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleItem = `{
  "Id": "a1",
  "Type": "bundle",
  "Title": {"NEUTRAL": "Castle Pack", "de-DE": "Burgpaket"},
  "Description": {"en-US": "Stone walls"},
  "ContentType": "MarketplaceDurableCatalog_V1.2",
  "Tags": ["castle", "medieval"],
  "Images": [
    {"Id": "i1", "Type": "Screenshot", "Url": "https://img/1.png"},
    {"Id": "i2", "Type": "Thumbnail", "Url": "https://img/thumb.png"}
  ],
  "DisplayProperties": {"creatorName": "Blockworks", "packIdentity": [{"type": "skinpack"}]},
  "CreatorEntity": {"Id": "C1", "Type": "title_player_account"},
  "CreationDate": "2024-01-02T03:04:05.000Z",
  "LastModifiedDate": "2024-02-02T03:04:05.000Z",
  "Rating": {"Average": 4.5, "TotalCount": 120},
  "PriceOptions": {"Prices": [{"Amounts": [{"ItemId": "minecoin", "Amount": 990}]}]},
  "ETag": "W/1"
}`

func TestNormalizeItem(t *testing.T) {
	var ci CatalogItem
	require.NoError(t, json.Unmarshal([]byte(sampleItem), &ci))

	it := ci.Normalize(nil)
	assert.Equal(t, "a1", it.ID)
	assert.Equal(t, "Castle Pack", it.Title)
	assert.Equal(t, "Stone walls", it.Description)
	assert.Equal(t, "Blockworks", it.Creator)
	assert.Equal(t, "C1", it.CreatorID)
	assert.Equal(t, []string{"https://img/1.png", "https://img/thumb.png"}, it.Images)
	assert.Equal(t, "https://img/thumb.png", it.Thumbnail)
	assert.Equal(t, []Price{{Currency: "minecoin", Amount: 990}}, it.Prices)
	assert.Equal(t, 4.5, it.Rating)
	assert.Equal(t, time.Date(2024, 2, 2, 3, 4, 5, 0, time.UTC), it.ModifiedAt)
}

func TestNormalizeFallsBackToCreatorDirectory(t *testing.T) {
	ci := CatalogItem{ID: "x", CreatorEntity: &EntityKey{ID: "C9"}}
	assert.Equal(t, "Studio Nine", ci.Normalize(Creators{"C9": "Studio Nine"}).Creator)
}

func TestStoreFromItem(t *testing.T) {
	ci := CatalogItem{
		ID:                "s1",
		Type:              "store",
		Title:             map[string]string{"NEUTRAL": "Spring Sale"},
		DisplayProperties: map[string]any{"endDate": "2024-04-01T00:00:00Z"},
		ItemReferences: []ItemReference{
			{ID: "a1", PriceOptions: &PriceOptions{Prices: []PriceOption{{Amounts: []PriceAmount{{ItemID: "minecoin", Amount: 490}}}}}},
			{ID: "a2"},
		},
	}
	s := ci.Store()
	assert.Equal(t, "Spring Sale", s.Title)
	assert.Equal(t, time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC), s.EndAt)
	require.Len(t, s.Entries, 2)
	assert.Equal(t, []Price{{Currency: "minecoin", Amount: 490}}, s.Entries[0].Prices)
	assert.Nil(t, s.Entries[1].Prices)
}

type scriptedRequester struct {
	pages [][]CatalogItem
	skips []int
}

func (s *scriptedRequester) Request(_ context.Context, _, endpoint string, payload any, _ AuthKind, _ int) (json.RawMessage, error) {
	q := payload.(SearchQuery)
	s.skips = append(s.skips, q.Skip)
	idx := len(s.skips) - 1
	var items []CatalogItem
	if idx < len(s.pages) {
		items = s.pages[idx]
	}
	return json.Marshal(SearchResult{Items: items})
}

func TestSearchPagesStopsOnShortPage(t *testing.T) {
	req := &scriptedRequester{pages: [][]CatalogItem{
		{{ID: "1"}, {ID: "2"}},
		{{ID: "3"}},
		{{ID: "never"}},
	}}
	items, err := NewCatalog(req).SearchPages(context.Background(), "T", SearchQuery{Top: 2}, 5)
	require.NoError(t, err)
	assert.Len(t, items, 3)
	assert.Equal(t, []int{0, 2}, req.skips)
}

func TestStaticTitlesResolve(t *testing.T) {
	titles := StaticTitles{"default": "20CA2", "preview": "ABCD1"}

	id, err := titles.Resolve("default")
	require.NoError(t, err)
	assert.Equal(t, "20CA2", id)

	id, err = titles.Resolve("abcd1")
	require.NoError(t, err)
	assert.Equal(t, "ABCD1", id)

	_, err = titles.Resolve("missing")
	assert.Error(t, err)
	assert.Equal(t, []string{"default", "preview"}, titles.Aliases())
}
