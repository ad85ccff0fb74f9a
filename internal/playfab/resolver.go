package playfab

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// TitleResolver maps a human alias to a PlayFab title id.
type TitleResolver interface {
	Resolve(alias string) (string, error)
}

var ErrUnknownTitle = errors.New("unknown title alias")

// StaticTitles resolves aliases from a fixed, read-only table. An alias that
// already looks like a title id of a configured tenant resolves to itself.
type StaticTitles map[string]string

func (s StaticTitles) Resolve(alias string) (string, error) {
	key := strings.TrimSpace(alias)
	if id, ok := s[key]; ok && id != "" {
		return id, nil
	}
	if id, ok := s[strings.ToLower(key)]; ok && id != "" {
		return id, nil
	}
	for _, id := range s {
		if strings.EqualFold(id, key) {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w %q", ErrUnknownTitle, alias)
}

// Aliases lists the configured aliases in sorted order.
func (s StaticTitles) Aliases() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
