package transcript

import (
	"context"
	"slices"
	"strings"
	"sync"
)

var _ Store = (*MemStore)(nil)

// MemStore is an in-process [Store]. Entries are lost on exit.
type MemStore struct {
	mu      sync.RWMutex
	entries []Entry
	seen    map[string]struct{}
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{seen: make(map[string]struct{})}
}

// Write implements [Store].
func (m *MemStore) Write(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[e.MessageID]; ok && e.MessageID != "" {
		return nil
	}
	m.seen[e.MessageID] = struct{}{}
	m.entries = append(m.entries, e)
	return nil
}

// Session implements [Store].
func (m *MemStore) Session(ctx context.Context, sessionID string) ([]Entry, error) {
	return m.Search(ctx, "", SearchOpts{SessionID: sessionID})
}

// Search implements [Store]. An empty query matches every entry.
func (m *MemStore) Search(_ context.Context, query string, opts SearchOpts) ([]Entry, error) {
	q := strings.ToLower(strings.TrimSpace(query))

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []Entry{}
	for _, e := range m.entries {
		if opts.SessionID != "" && e.SessionID != opts.SessionID {
			continue
		}
		if opts.Role != "" && e.Role != opts.Role {
			continue
		}
		if !opts.After.IsZero() && !e.CreatedAt.After(opts.After) {
			continue
		}
		if !opts.Before.IsZero() && !e.CreatedAt.Before(opts.Before) {
			continue
		}
		if q != "" && !strings.Contains(strings.ToLower(e.Text), q) {
			continue
		}
		out = append(out, e)
	}
	slices.SortStableFunc(out, func(a, b Entry) int { return a.CreatedAt.Compare(b.CreatedAt) })
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// Close implements [Store].
func (m *MemStore) Close() error { return nil }
