package hub

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/events"
)

// Filter narrows what a client receives. Nil sets match everything.
type Filter struct {
	Events   map[events.Name]struct{}
	Creators map[string]struct{} // lower-cased
	// Heartbeat overrides the hub default; it is raised to the hub minimum.
	Heartbeat time.Duration
}

// ParseFilter reads the comma separated query forms used by the push
// endpoints. Unknown event names are rejected.
func ParseFilter(eventList, creatorList, heartbeatMs string) (Filter, error) {
	var f Filter
	for _, raw := range splitList(eventList) {
		n, ok := events.Parse(raw)
		if !ok {
			return Filter{}, fmt.Errorf("unknown event %q", raw)
		}
		if f.Events == nil {
			f.Events = map[events.Name]struct{}{}
		}
		f.Events[n] = struct{}{}
	}
	for _, c := range splitList(creatorList) {
		if f.Creators == nil {
			f.Creators = map[string]struct{}{}
		}
		f.Creators[strings.ToLower(c)] = struct{}{}
	}
	if s := strings.TrimSpace(heartbeatMs); s != "" {
		ms, err := strconv.Atoi(s)
		if err != nil || ms < 0 {
			return Filter{}, fmt.Errorf("invalid heartbeatMs %q", heartbeatMs)
		}
		f.Heartbeat = time.Duration(ms) * time.Millisecond
	}
	return f, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Matches reports whether ev passes both the name and creator restrictions.
func (f Filter) Matches(ev events.Event) bool {
	if f.Events != nil {
		if _, ok := f.Events[ev.Name]; !ok {
			return false
		}
	}
	if ev.Payload == nil {
		return len(f.Creators) == 0
	}
	return events.MatchesCreators(ev.Payload, f.Creators)
}

func (f Filter) eventNames() []string {
	if f.Events == nil {
		return nil
	}
	out := make([]string, 0, len(f.Events))
	for _, n := range events.All() {
		if _, ok := f.Events[n]; ok {
			out = append(out, string(n))
		}
	}
	return out
}
