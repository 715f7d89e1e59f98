package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/billvoice/internal/chat"
	"github.com/MrWong99/billvoice/internal/transcript"
)

var _ transcript.Store = (*Store)(nil)

// Store keeps transcript entries in the transcript_entries table. All
// methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("transcript store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("transcript store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcript store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcript store: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Write implements [transcript.Store].
func (s *Store) Write(ctx context.Context, e transcript.Entry) error {
	const q = `
		INSERT INTO transcript_entries (session_id, message_id, role, mode, text, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (message_id) DO NOTHING`

	_, err := s.pool.Exec(ctx, q,
		e.SessionID,
		e.MessageID,
		string(e.Role),
		string(e.Mode),
		e.Text,
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("transcript store: write: %w", err)
	}
	return nil
}

// Session implements [transcript.Store].
func (s *Store) Session(ctx context.Context, sessionID string) ([]transcript.Entry, error) {
	const q = `
		SELECT session_id, message_id, role, mode, text, created_at
		FROM   transcript_entries
		WHERE  session_id = $1
		ORDER  BY created_at, id`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("transcript store: session: %w", err)
	}
	return collectEntries(rows)
}

// Search implements [transcript.Store] with PostgreSQL full-text search.
// An empty query matches every entry.
func (s *Store) Search(ctx context.Context, query string, opts transcript.SearchOpts) ([]transcript.Entry, error) {
	var (
		args       []any
		conditions []string
	)
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if strings.TrimSpace(query) != "" {
		conditions = append(conditions,
			"to_tsvector('english', text) @@ plainto_tsquery('english', "+next(query)+")")
	}
	if opts.SessionID != "" {
		conditions = append(conditions, "session_id = "+next(opts.SessionID))
	}
	if opts.Role != "" {
		conditions = append(conditions, "role = "+next(string(opts.Role)))
	}
	if !opts.After.IsZero() {
		conditions = append(conditions, "created_at > "+next(opts.After))
	}
	if !opts.Before.IsZero() {
		conditions = append(conditions, "created_at < "+next(opts.Before))
	}

	q := "SELECT session_id, message_id, role, mode, text, created_at\n" +
		"FROM   transcript_entries\n"
	if len(conditions) > 0 {
		q += "WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n"
	}
	q += "ORDER  BY created_at, id"
	if opts.Limit > 0 {
		q += "\nLIMIT " + next(opts.Limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("transcript store: search: %w", err)
	}
	return collectEntries(rows)
}

// Close implements [transcript.Store].
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func collectEntries(rows pgx.Rows) ([]transcript.Entry, error) {
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (transcript.Entry, error) {
		var (
			e          transcript.Entry
			role, mode string
		)
		if err := row.Scan(&e.SessionID, &e.MessageID, &role, &mode, &e.Text, &e.CreatedAt); err != nil {
			return transcript.Entry{}, err
		}
		e.Role = chat.Role(role)
		e.Mode = chat.Mode(mode)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("transcript store: scan rows: %w", err)
	}
	if entries == nil {
		entries = []transcript.Entry{}
	}
	return entries, nil
}
