package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrExhausted is returned by [Call] when no member of a [Group] answered.
var ErrExhausted = errors.New("resilience: every upstream failed")

type member[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// Group is an ordered list of interchangeable upstreams, each behind its own
// [Breaker]. The first member is the primary.
type Group[T any] struct {
	cfg     BreakerConfig
	members []member[T]
}

// NewGroup returns a Group whose members get breakers built from cfg.
func NewGroup[T any](cfg BreakerConfig) *Group[T] {
	return &Group[T]{cfg: cfg}
}

// Add appends an upstream. Members are tried in the order they were added.
func (g *Group[T]) Add(name string, value T) *Group[T] {
	cfg := g.cfg
	cfg.Name = name
	g.members = append(g.members, member[T]{name: name, value: value, breaker: NewBreaker(cfg)})
	return g
}

// Len returns the number of members.
func (g *Group[T]) Len() int { return len(g.members) }

// States reports each member's breaker state by name.
func (g *Group[T]) States() map[string]string {
	out := make(map[string]string, len(g.members))
	for _, m := range g.members {
		out[m.name] = m.breaker.State().String()
	}
	return out
}

// Call runs fn against each member of g in order until one succeeds.
// Members with an open breaker are skipped. A cancelled ctx stops the walk
// and is not held against the member that saw it.
func Call[T, R any](ctx context.Context, g *Group[T], fn func(context.Context, T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	cancelled := func(error) bool { return ctx.Err() != nil }

	for _, m := range g.members {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		var out R
		err := m.breaker.Do(func() error {
			var err error
			out, err = fn(ctx, m.value)
			return err
		}, cancelled)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return zero, err
		}
		lastErr = err
		if errors.Is(err, ErrOpen) {
			slog.Debug("resilience: skipping upstream", "name", m.name)
			continue
		}
		slog.Warn("resilience: upstream failed", "name", m.name, "err", err)
	}
	if lastErr == nil {
		return zero, ErrExhausted
	}
	return zero, fmt.Errorf("%w: %w", ErrExhausted, lastErr)
}
