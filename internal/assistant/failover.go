package assistant

import (
	"context"

	"github.com/MrWong99/billvoice/internal/resilience"
)

var _ Backend = (*Failover)(nil)

// Failover sends each request to the first healthy backend of an ordered
// list. A backend that keeps failing is skipped until its breaker cools
// down.
type Failover struct {
	group *resilience.Group[Backend]
}

// NewFailover returns a Failover over group's members.
func NewFailover(group *resilience.Group[Backend]) *Failover {
	return &Failover{group: group}
}

// Reply implements [Backend].
func (f *Failover) Reply(ctx context.Context, req Request) (Reply, error) {
	return resilience.Call(ctx, f.group, func(ctx context.Context, b Backend) (Reply, error) {
		return b.Reply(ctx, req)
	})
}

// Breakers reports each backend's breaker state by name.
func (f *Failover) Breakers() map[string]string {
	return f.group.States()
}
