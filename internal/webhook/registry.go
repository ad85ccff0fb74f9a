package webhook

import (
	"sort"
	"sync"
	"time"
)

// Registry is the in-memory registration list the dispatcher reads. When
// backed by a Store, changes are persisted.
type Registry struct {
	mu    sync.RWMutex
	regs  map[string]*Registration
	store *Store
	now   func() time.Time
}

// NewRegistry loads existing registrations from store, which may be nil.
func NewRegistry(store *Store) (*Registry, error) {
	r := &Registry{regs: map[string]*Registration{}, store: store, now: time.Now}
	if store == nil {
		return r, nil
	}
	loaded, err := store.Load()
	if err != nil {
		return nil, err
	}
	for i := range loaded {
		reg := loaded[i]
		r.regs[reg.ID] = &reg
	}
	return r, nil
}

// Add stores reg and reports whether it was new. Re-adding an existing
// registration returns the stored copy unchanged.
func (r *Registry) Add(reg Registration) (Registration, bool, error) {
	if err := reg.Normalize(); err != nil {
		return Registration{}, false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.regs[reg.ID]; ok {
		return *existing, false, nil
	}
	reg.CreatedAt = r.now().UTC()
	reg.Stats = Stats{}
	if r.store != nil {
		if err := r.store.Put(reg); err != nil {
			return Registration{}, false, err
		}
	}
	r.regs[reg.ID] = &reg
	return reg, true, nil
}

func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.regs[id]; !ok {
		return ErrNotFound
	}
	if r.store != nil {
		if err := r.store.Delete(id); err != nil {
			return err
		}
	}
	delete(r.regs, id)
	return nil
}

func (r *Registry) Get(id string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.regs[id]
	if !ok {
		return Registration{}, false
	}
	return *reg, true
}

// List returns copies sorted by creation time.
func (r *Registry) List() []Registration {
	r.mu.RLock()
	out := make([]Registration, 0, len(r.regs))
	for _, reg := range r.regs {
		out = append(out, *reg)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *Registry) ListMatching(u Unit) []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Registration
	for _, reg := range r.regs {
		if reg.Matches(u) {
			out = append(out, *reg)
		}
	}
	return out
}

type outcome int

const (
	outcomeDelivered outcome = iota
	outcomeRetry
	outcomeFailed
)

// record updates the stats of id after one attempt. Unknown ids are
// ignored: the registration may have been removed mid-delivery.
func (r *Registry) record(id string, status int, err error, o outcome) {
	r.mu.Lock()
	reg, ok := r.regs[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	st := &reg.Stats
	now := r.now().UTC()
	st.LastStatus = status
	st.LastAttemptAt = now
	st.LastError = ""
	if err != nil {
		st.LastError = err.Error()
	}
	switch o {
	case outcomeDelivered:
		st.ConsecutiveFailures = 0
		st.TotalDelivered++
		st.LastSuccessAt = now
	case outcomeRetry:
		st.ConsecutiveFailures++
	case outcomeFailed:
		st.ConsecutiveFailures++
		st.TotalFailed++
	}
	snapshot := *st
	r.mu.Unlock()

	if r.store != nil {
		r.store.PutStatsAsync(id, snapshot)
	}
}
