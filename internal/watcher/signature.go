package watcher

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/playfab"
)

// Signature hashes the JSON form of v. encoding/json writes struct fields in
// declaration order and map keys sorted, so equal values hash equally.
func Signature(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha1.Sum(b)
	return hex.EncodeToString(sum[:])
}

// itemFingerprint lists the item fields whose change counts as an update.
// Ratings, timestamps and ETags move without a content change.
type itemFingerprint struct {
	Title        string   `json:"t"`
	Description  string   `json:"d"`
	Creator      string   `json:"c"`
	ContentType  string   `json:"ct"`
	Tags         []string `json:"tg"`
	Images       []string `json:"i"`
	PackIdentity any      `json:"pi"`
	OfferType    any      `json:"ot"`
}

func itemSignature(it playfab.Item) string {
	tags := append([]string(nil), it.Tags...)
	sort.Strings(tags)
	return Signature(itemFingerprint{
		Title:        it.Title,
		Description:  it.Description,
		Creator:      it.Creator,
		ContentType:  it.ContentType,
		Tags:         tags,
		Images:       it.Images,
		PackIdentity: it.Properties["packIdentity"],
		OfferType:    it.Properties["offerType"],
	})
}

func priceSignature(prices []playfab.Price) string {
	return Signature(prices)
}

type storeFingerprint struct {
	Title   string               `json:"t"`
	Start   int64                `json:"s"`
	End     int64                `json:"e"`
	Entries []playfab.StoreEntry `json:"x"`
}

func storeSignature(s playfab.Store) string {
	entries := append([]playfab.StoreEntry(nil), s.Entries...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].ItemID < entries[j].ItemID })
	fp := storeFingerprint{Title: s.Title, Entries: entries}
	if !s.StartAt.IsZero() {
		fp.Start = s.StartAt.Unix()
	}
	if !s.EndAt.IsZero() {
		fp.End = s.EndAt.Unix()
	}
	return Signature(fp)
}
