package watcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/events"
	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/playfab"
)

type fakeSearch struct {
	results [][]playfab.CatalogItem
	queries []playfab.SearchQuery
	titles  []string
}

func (f *fakeSearch) SearchPages(_ context.Context, titleID string, q playfab.SearchQuery, _ int) ([]playfab.CatalogItem, error) {
	f.queries = append(f.queries, q)
	f.titles = append(f.titles, titleID)
	if len(f.results) == 0 {
		return nil, nil
	}
	out := f.results[0]
	f.results = f.results[1:]
	return out, nil
}

var titles = playfab.StaticTitles{"default": "20CA2"}

func catalogItem(id, title string, price int) playfab.CatalogItem {
	return playfab.CatalogItem{
		ID:                id,
		Title:             map[string]string{"NEUTRAL": title},
		DisplayProperties: map[string]any{"creatorName": "Blockworks"},
		PriceOptions:      &playfab.PriceOptions{Prices: []playfab.PriceOption{{Amounts: []playfab.PriceAmount{{ItemID: "minecoin", Amount: price}}}}},
	}
}

func TestItemsIgnoresVolatileFields(t *testing.T) {
	a := catalogItem("a", "Castle", 990)
	a2 := a
	a2.Rating = &playfab.Rating{Average: 4.9, TotalCount: 1000}
	a2.ETag = "W/2"
	a2.LastModifiedDate = time.Now()

	search := &fakeSearch{results: [][]playfab.CatalogItem{{a}, {a2}}}
	p := NewItems(search, titles, nil, Config{Alias: "default", PageSize: 50, Pages: 2}, Options{})
	rec := &recorder{}

	require.NoError(t, p.tick(context.Background(), rec))
	require.NoError(t, p.tick(context.Background(), rec))
	assert.Len(t, rec.all(), 1, "rating and etag churn is not an update")

	assert.Equal(t, "20CA2", search.titles[0])
	assert.Equal(t, "lastModifiedDate desc", search.queries[0].OrderBy)
	assert.Equal(t, 50, search.queries[0].Top)
}

func TestPricesEmitsBeforeAndAfter(t *testing.T) {
	search := &fakeSearch{results: [][]playfab.CatalogItem{
		{catalogItem("a", "Castle", 990), catalogItem("b", "Farm", 490)},
		{catalogItem("a", "Castle renamed", 990), catalogItem("b", "Farm", 290), catalogItem("c", "New", 100)},
	}}
	p := NewPrices(search, titles, nil, Config{Alias: "default"}, Options{})
	rec := &recorder{}

	require.NoError(t, p.tick(context.Background(), rec))
	assert.Empty(t, rec.all(), "prices watcher has no snapshot event")

	require.NoError(t, p.tick(context.Background(), rec))
	got := rec.all()
	require.Len(t, got, 1)
	assert.Equal(t, events.PricesChanged{Changes: []events.PriceChange{{
		ItemID:  "b",
		Title:   "Farm",
		Creator: "Blockworks",
		Before:  []playfab.Price{{Currency: "minecoin", Amount: 490}},
		After:   []playfab.Price{{Currency: "minecoin", Amount: 290}},
	}}}, got[0])
}

func store(id string, refs ...string) playfab.CatalogItem {
	ci := playfab.CatalogItem{ID: id, Type: "store", Title: map[string]string{"NEUTRAL": "Sale " + id}}
	for _, r := range refs {
		ci.ItemReferences = append(ci.ItemReferences, playfab.ItemReference{ID: r})
	}
	return ci
}

func TestSalesDiffsAtBucketLevel(t *testing.T) {
	search := &fakeSearch{results: [][]playfab.CatalogItem{
		{store("s1", "a", "b"), store("s2", "c")},
		{store("s1", "a", "b", "d"), store("s3", "e")},
	}}
	p := NewSales(search, titles, Config{Alias: "default"}, Options{})
	rec := &recorder{}

	require.NoError(t, p.tick(context.Background(), rec))
	require.NoError(t, p.tick(context.Background(), rec))

	got := rec.all()
	require.Len(t, got, 2)
	assert.Equal(t, events.SalesSnapshot{Count: 2}, got[0])

	upd, ok := got[1].(events.SaleUpdated)
	require.True(t, ok)
	require.Len(t, upd.Created, 1)
	assert.Equal(t, "s3", upd.Created[0].ID)
	require.Len(t, upd.Updated, 1)
	assert.Equal(t, "s1", upd.Updated[0].ID)
	assert.Len(t, upd.Updated[0].Entries, 3)
	require.Len(t, upd.Deleted, 1)
	assert.Equal(t, "s2", upd.Deleted[0].ID)
	assert.Equal(t, defaultSalesFilter, search.queries[0].Filter)
}

func TestStoreSignatureIgnoresEntryOrder(t *testing.T) {
	a := store("s", "x", "y").Store()
	b := store("s", "y", "x").Store()
	assert.Equal(t, storeSignature(a), storeSignature(b))
}

func creatorItem(id, creator string) playfab.CatalogItem {
	return playfab.CatalogItem{
		ID:                id,
		Title:             map[string]string{"NEUTRAL": "Pack " + id},
		DisplayProperties: map[string]any{"creatorName": creator},
	}
}

func TestTrendingRanksCreators(t *testing.T) {
	search := &fakeSearch{results: [][]playfab.CatalogItem{
		{creatorItem("1", "Noxcrew"), creatorItem("2", "Noxcrew"), creatorItem("3", "Blockworks")},
		{creatorItem("1", "Noxcrew"), creatorItem("2", "Noxcrew"), creatorItem("3", "Blockworks"),
			creatorItem("4", "blockworks"), creatorItem("5", "Blockworks"), creatorItem("6", "Everbloom")},
	}}
	p := NewTrending(search, titles, nil, Config{Alias: "default", Window: 48 * time.Hour, Top: 2}, Options{})
	strategy := p.strategy.(*trendingStrategy)
	strategy.now = func() time.Time { return time.Date(2024, 5, 3, 0, 0, 0, 0, time.UTC) }
	rec := &recorder{}

	require.NoError(t, p.tick(context.Background(), rec))
	assert.Empty(t, rec.all())
	assert.Equal(t, "creationDate ge 2024-05-01T00:00:00Z", search.queries[0].Filter)

	require.NoError(t, p.tick(context.Background(), rec))
	got := rec.all()
	require.Len(t, got, 1)
	tr := got[0].(events.CreatorsTrending)
	assert.Equal(t, 48, tr.WindowHours)
	require.Len(t, tr.Top, 2)
	assert.Equal(t, "Blockworks", tr.Top[0].Creator)
	assert.Equal(t, 3, tr.Top[0].ItemCount)
	assert.Equal(t, 1, tr.Top[0].Rank)
	assert.Equal(t, "Noxcrew", tr.Top[1].Creator)

	require.Len(t, tr.Changed, 2)
	assert.Equal(t, 2, tr.Changed[0].PreviousRank)
	assert.Equal(t, 1, tr.Changed[1].PreviousRank)
}

func TestFeaturedReportsNewAndChangedCollections(t *testing.T) {
	search := &fakeSearch{results: [][]playfab.CatalogItem{
		{store("f1", "a")},
		{store("f1", "a", "b"), store("f2", "c")},
	}}
	p := NewFeatured(search, titles, Config{Alias: "default"}, Options{})
	rec := &recorder{}

	require.NoError(t, p.tick(context.Background(), rec))
	require.NoError(t, p.tick(context.Background(), rec))
	got := rec.all()
	require.Len(t, got, 1)
	fc := got[0].(events.FeaturedChanged)
	require.Len(t, fc.Collections, 2)
	assert.Equal(t, "f2", fc.Collections[0].ID)
	assert.Equal(t, "f1", fc.Collections[1].ID)
}

func TestUnknownAliasFailsPoll(t *testing.T) {
	p := NewItems(&fakeSearch{}, titles, nil, Config{Alias: "missing"}, Options{})
	assert.Error(t, p.tick(context.Background(), &recorder{}))
}
