package transcript

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/billvoice/internal/chat"
)

func TestMemStore_WriteDeduplicates(t *testing.T) {
	t.Parallel()
	m := NewMemStore()
	ctx := context.Background()
	e := Entry{SessionID: "s1", MessageID: "m1", Role: chat.RoleUser, Text: "hi", CreatedAt: time.Now()}

	for range 2 {
		if err := m.Write(ctx, e); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	got, _ := m.Session(ctx, "s1")
	if len(got) != 1 {
		t.Errorf("entries = %d; want 1", len(got))
	}
}

func TestMemStore_Search(t *testing.T) {
	t.Parallel()
	m := NewMemStore()
	ctx := context.Background()
	base := time.Date(2025, 3, 2, 9, 0, 0, 0, time.UTC)

	entries := []Entry{
		{SessionID: "s1", MessageID: "2", Role: chat.RoleAssistant, Text: "Assessment code A001", CreatedAt: base.Add(time.Minute)},
		{SessionID: "s1", MessageID: "1", Role: chat.RoleUser, Text: "Bill a minor assessment", CreatedAt: base},
		{SessionID: "s2", MessageID: "3", Role: chat.RoleUser, Text: "Follow-up visit", CreatedAt: base.Add(2 * time.Minute)},
	}
	for _, e := range entries {
		_ = m.Write(ctx, e)
	}

	tests := []struct {
		name  string
		query string
		opts  SearchOpts
		want  []string
	}{
		{"case-insensitive text", "ASSESSMENT", SearchOpts{}, []string{"1", "2"}},
		{"empty query matches all", "", SearchOpts{}, []string{"1", "2", "3"}},
		{"session", "", SearchOpts{SessionID: "s2"}, []string{"3"}},
		{"role", "", SearchOpts{Role: chat.RoleAssistant}, []string{"2"}},
		{"after", "", SearchOpts{After: base}, []string{"2", "3"}},
		{"before", "", SearchOpts{Before: base.Add(time.Minute)}, []string{"1"}},
		{"limit", "", SearchOpts{Limit: 2}, []string{"1", "2"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := m.Search(ctx, tc.query, tc.opts)
			if err != nil {
				t.Fatalf("Search: %v", err)
			}
			ids := make([]string, len(got))
			for i, e := range got {
				ids[i] = e.MessageID
			}
			if fmt.Sprint(ids) != fmt.Sprint(tc.want) {
				t.Errorf("ids = %v; want %v", ids, tc.want)
			}
		})
	}
}

func TestRecorder_WritesMessages(t *testing.T) {
	t.Parallel()
	st := chat.New()
	store := NewMemStore()
	rec := NewRecorder(st, store, "console-1")

	st.Append(chat.RoleUser, "Bill Jane Doe")
	st.SetStatus(chat.Status{Kind: chat.StatusListening})
	st.SetMode(chat.ModeRealtime)
	st.Append(chat.RoleAssistant, "Which date?")
	rec.Close()
	rec.Close()

	got, err := store.Session(context.Background(), "console-1")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("entries = %d; want 2", len(got))
	}
	if got[0].Role != chat.RoleUser || got[0].Mode != chat.ModeText {
		t.Errorf("first entry = %+v", got[0])
	}
	if got[1].Mode != chat.ModeRealtime || got[1].Text != "Which date?" {
		t.Errorf("second entry = %+v", got[1])
	}

	// Messages after Close are not recorded.
	st.Append(chat.RoleUser, "late")
	if got, _ := store.Session(context.Background(), "console-1"); len(got) != 2 {
		t.Errorf("entries after close = %d; want 2", len(got))
	}
}

// blockingStore blocks every Write until release is closed.
type blockingStore struct {
	*MemStore
	release chan struct{}
	once    sync.Once
	started chan struct{}
}

func (b *blockingStore) Write(ctx context.Context, e Entry) error {
	b.once.Do(func() { close(b.started) })
	<-b.release
	return b.MemStore.Write(ctx, e)
}

func TestRecorder_DropsWhenFull(t *testing.T) {
	t.Parallel()
	st := chat.New()
	bs := &blockingStore{MemStore: NewMemStore(), release: make(chan struct{}), started: make(chan struct{})}
	rec := NewRecorder(st, bs, "s", WithBuffer(1))

	st.Append(chat.RoleUser, "one")
	<-bs.started
	st.Append(chat.RoleUser, "two")
	st.Append(chat.RoleUser, "three")

	if got := rec.Dropped(); got != 1 {
		t.Errorf("dropped = %d; want 1", got)
	}
	close(bs.release)
	rec.Close()

	got, _ := bs.Session(context.Background(), "s")
	if len(got) != 2 {
		t.Errorf("entries = %d; want 2", len(got))
	}
}

type failingStore struct{ *MemStore }

func (failingStore) Write(context.Context, Entry) error { return errors.New("disk full") }

func TestRecorder_WriteErrorIsLogged(t *testing.T) {
	t.Parallel()
	st := chat.New()
	rec := NewRecorder(st, failingStore{NewMemStore()}, "s")
	st.Append(chat.RoleUser, "hello")
	rec.Close()
}
