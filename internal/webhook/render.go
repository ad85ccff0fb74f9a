package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/events"
	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/playfab"
)

const (
	ProviderGeneric = "generic"
	ProviderDiscord = "discord"
	ProviderSlack   = "slack"

	SignatureHeader = "X-Webhook-Signature"
	signaturePrefix = "sha256="
)

// Delivery is what a renderer turns into a request body.
type Delivery struct {
	ID   string
	Unit Unit
}

// Renderer produces the body for one provider. Signed reports whether the
// body should carry the HMAC header when a secret is set.
type Renderer interface {
	Render(d Delivery) ([]byte, error)
	Signed() bool
}

var renderers = map[string]Renderer{
	ProviderGeneric: genericRenderer{},
	ProviderDiscord: discordRenderer{},
	ProviderSlack:   slackRenderer{},
}

// ProviderFor returns the explicit provider tag, or the one implied by the
// URL host, or generic.
func ProviderFor(r Registration) string {
	if r.Provider != "" {
		if _, ok := renderers[r.Provider]; ok {
			return r.Provider
		}
	}
	u, err := url.Parse(r.URL)
	if err != nil {
		return ProviderGeneric
	}
	host := strings.ToLower(u.Hostname())
	switch {
	case host == "discord.com" || host == "discordapp.com" ||
		strings.HasSuffix(host, ".discord.com") || strings.HasSuffix(host, ".discordapp.com"):
		return ProviderDiscord
	case host == "hooks.slack.com":
		return ProviderSlack
	default:
		return ProviderGeneric
	}
}

func rendererFor(provider string) Renderer {
	if r, ok := renderers[provider]; ok {
		return r
	}
	return genericRenderer{}
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header value against body in constant time.
func Verify(secret string, body []byte, header string) bool {
	if !strings.HasPrefix(header, signaturePrefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

type genericRenderer struct{}

type envelope struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Event     string    `json:"event"`
	Data      any       `json:"data"`
}

func (genericRenderer) Signed() bool { return true }

func (genericRenderer) Render(d Delivery) ([]byte, error) {
	return json.Marshal(envelope{
		ID:        d.ID,
		Timestamp: d.Unit.Timestamp.UTC(),
		Event:     string(d.Unit.Event),
		Data:      d.Unit.Data,
	})
}

// summary is the provider neutral, human readable form of a unit.
type summary struct {
	Title     string
	Text      string
	Fields    [][2]string
	Thumbnail string
	Color     int
}

const (
	colorCreated = 0x57F287
	colorUpdated = 0xFEE75C
	colorPrice   = 0x5865F2
	colorSale    = 0xED4245
	colorInfo    = 0x99AAB5
)

func summarize(u Unit) summary {
	switch v := u.Data.(type) {
	case playfab.Item:
		return summary{
			Title:     "New item: " + v.Title,
			Text:      v.Description,
			Fields:    compactFields([2]string{"Creator", v.Creator}, [2]string{"Price", formatPrices(v.Prices)}),
			Thumbnail: v.Thumbnail,
			Color:     colorCreated,
		}
	case events.ItemChange:
		s := summary{
			Title:     "Item updated: " + v.After.Title,
			Fields:    compactFields([2]string{"Creator", v.After.Creator}),
			Thumbnail: v.After.Thumbnail,
			Color:     colorUpdated,
		}
		if v.Before.Title != v.After.Title {
			s.Fields = append(s.Fields, [2]string{"Renamed from", v.Before.Title})
		}
		return s
	case events.PriceChange:
		return summary{
			Title:  "Price changed: " + v.Title,
			Fields: compactFields([2]string{"Creator", v.Creator}, [2]string{"Before", formatPrices(v.Before)}, [2]string{"After", formatPrices(v.After)}),
			Color:  colorPrice,
		}
	case StoreChange:
		s := summary{
			Title:  fmt.Sprintf("Sale %s: %s", v.Change, v.Store.Title),
			Fields: [][2]string{{"Items", strconv.Itoa(len(v.Store.Entries))}},
			Color:  colorSale,
		}
		if !v.Store.EndAt.IsZero() {
			s.Fields = append(s.Fields, [2]string{"Ends", v.Store.EndAt.UTC().Format(time.RFC1123)})
		}
		return s
	case TrendingChange:
		s := summary{
			Title: fmt.Sprintf("Trending #%d: %s", v.Entry.Rank, v.Entry.Creator),
			Text:  strings.Join(v.Entry.Titles, ", "),
			Fields: [][2]string{
				{"Items", strconv.Itoa(v.Entry.ItemCount)},
				{"Window", fmt.Sprintf("%dh", v.WindowHours)},
			},
			Color: colorInfo,
		}
		if v.Entry.PreviousRank > 0 {
			s.Fields = append(s.Fields, [2]string{"Previous rank", strconv.Itoa(v.Entry.PreviousRank)})
		}
		return s
	case playfab.Store:
		return summary{
			Title:  "Featured: " + v.Title,
			Fields: [][2]string{{"Items", strconv.Itoa(len(v.Entries))}},
			Color:  colorInfo,
		}
	case events.ItemsSnapshot:
		return summary{Title: "Item watcher online", Text: fmt.Sprintf("Tracking %d items", v.Count), Color: colorInfo}
	case events.SalesSnapshot:
		return summary{Title: "Sales watcher online", Text: fmt.Sprintf("Tracking %d sales", v.Count), Color: colorInfo}
	default:
		return summary{Title: string(u.Event), Color: colorInfo}
	}
}

func compactFields(fields ...[2]string) [][2]string {
	out := make([][2]string, 0, len(fields))
	for _, f := range fields {
		if f[1] != "" {
			out = append(out, f)
		}
	}
	return out
}

func formatPrices(prices []playfab.Price) string {
	parts := make([]string, 0, len(prices))
	for _, p := range prices {
		parts = append(parts, fmt.Sprintf("%d %s", p.Amount, p.Currency))
	}
	return strings.Join(parts, ", ")
}

type discordRenderer struct{}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Color       int            `json:"color"`
	Fields      []discordField `json:"fields,omitempty"`
	Timestamp   string         `json:"timestamp"`
	Footer      struct {
		Text string `json:"text"`
	} `json:"footer"`
	Thumbnail *struct {
		URL string `json:"url"`
	} `json:"thumbnail,omitempty"`
}

func (discordRenderer) Signed() bool { return false }

func (discordRenderer) Render(d Delivery) ([]byte, error) {
	s := summarize(d.Unit)
	e := discordEmbed{
		Title:       truncate(s.Title, 256),
		Description: truncate(s.Text, 4096),
		Color:       s.Color,
		Timestamp:   d.Unit.Timestamp.UTC().Format(time.RFC3339),
	}
	e.Footer.Text = string(d.Unit.Event)
	for _, f := range s.Fields {
		e.Fields = append(e.Fields, discordField{Name: f[0], Value: truncate(f[1], 1024), Inline: true})
	}
	if s.Thumbnail != "" {
		e.Thumbnail = &struct {
			URL string `json:"url"`
		}{s.Thumbnail}
	}
	return json.Marshal(map[string]any{
		"username": "Marketplace",
		"embeds":   []discordEmbed{e},
	})
}

type slackRenderer struct{}

func (slackRenderer) Signed() bool { return false }

func (slackRenderer) Render(d Delivery) ([]byte, error) {
	s := summarize(d.Unit)
	var b strings.Builder
	b.WriteString("*" + s.Title + "*")
	if s.Text != "" {
		b.WriteString("\n" + s.Text)
	}
	for _, f := range s.Fields {
		b.WriteString("\n• " + f[0] + ": " + f[1])
	}
	block := map[string]any{
		"type": "section",
		"text": map[string]string{"type": "mrkdwn", "text": truncate(b.String(), 3000)},
	}
	if s.Thumbnail != "" {
		block["accessory"] = map[string]string{"type": "image", "image_url": s.Thumbnail, "alt_text": s.Title}
	}
	return json.Marshal(map[string]any{
		"text":   s.Title,
		"blocks": []any{block},
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
