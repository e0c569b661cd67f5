package session

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/rotisserie/eris"
)

// MemoryStore is an in-process Store for tests and single-shot CLI
// runs where persistence across restarts is not needed.
type MemoryStore struct {
	mu       sync.RWMutex
	byID     map[string]*Session
	byDomain map[string]string // owner + "\x00" + domain -> id
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:     make(map[string]*Session),
		byDomain: make(map[string]string),
	}
}

func domainKey(owner, domain string) string { return owner + "\x00" + domain }

func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byID[id]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "memory: %s", id)
	}
	return cloneSession(s)
}

func (m *MemoryStore) GetOrCreate(_ context.Context, owner, domain string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byDomain[domainKey(owner, domain)]; ok {
		return cloneSession(m.byID[id])
	}

	s := New(owner, domain)
	m.byID[s.ID] = s
	m.byDomain[domainKey(owner, domain)] = s.ID
	return cloneSession(s)
}

func (m *MemoryStore) Save(_ context.Context, s *Session) error {
	stored, err := cloneSession(s)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[s.ID] = stored
	m.byDomain[domainKey(s.Owner, s.Domain)] = s.ID
	return nil
}

func (m *MemoryStore) List(_ context.Context, filter Filter) ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Session
	for _, s := range m.byID {
		if filter.Owner != "" && s.Owner != filter.Owner {
			continue
		}
		if filter.Status != "" && s.Status != filter.Status {
			continue
		}
		c, err := cloneSession(s)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok {
		return eris.Wrapf(ErrNotFound, "memory: %s", id)
	}
	delete(m.byID, id)
	delete(m.byDomain, domainKey(s.Owner, s.Domain))
	return nil
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Close() error                  { return nil }

// cloneSession deep-copies through JSON so callers cannot mutate
// stored state behind the lock.
func cloneSession(s *Session) (*Session, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, eris.Wrap(err, "memory: clone session")
	}
	var c Session
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, eris.Wrap(err, "memory: clone session")
	}
	return &c, nil
}
