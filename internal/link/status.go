package link

import (
	"context"

	"github.com/dyluth/groundlink/pkg/bus"
)

// StatusPublisher stores the status record of an instance.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, st *bus.Status) error
	ClearStatus(ctx context.Context, name string) error
}

// busStatus writes status records into one of the scope status hashes.
type busStatus struct {
	client *bus.Client
	key    string
}

// NewInterfaceStatus publishes into the scope's interface status hash.
func NewInterfaceStatus(c *bus.Client) StatusPublisher {
	return &busStatus{client: c, key: bus.InterfaceStatusKey(c.Scope())}
}

// NewRouterStatus publishes into the scope's router status hash.
func NewRouterStatus(c *bus.Client) StatusPublisher {
	return &busStatus{client: c, key: bus.RouterStatusKey(c.Scope())}
}

func (s *busStatus) PublishStatus(ctx context.Context, st *bus.Status) error {
	return s.client.SetStatus(ctx, s.key, st)
}

func (s *busStatus) ClearStatus(ctx context.Context, name string) error {
	return s.client.DeleteStatus(ctx, s.key, name)
}

type nopStatus struct{}

func (nopStatus) PublishStatus(context.Context, *bus.Status) error { return nil }
func (nopStatus) ClearStatus(context.Context, string) error        { return nil }
