package link

import (
	"context"
	"fmt"

	"github.com/dyluth/groundlink/pkg/bus"
	"github.com/dyluth/groundlink/pkg/packet"
)

// BusForwarder queues commands read by a router on the owning target's
// command topic, where the interface commanding that target picks them up.
// Acks are not awaited.
type BusForwarder struct {
	client *bus.Client
	router string
}

// NewForwarder returns a forwarder writing to client's scope. Forwarded
// commands carry the router name as their user.
func NewForwarder(client *bus.Client, router string) *BusForwarder {
	return &BusForwarder{client: client, router: router}
}

func (f *BusForwarder) ForwardCommand(ctx context.Context, cmd *packet.Packet) error {
	fields, err := EncodeDirective(Command{
		Target:     cmd.TargetName,
		Name:       cmd.PacketName,
		Buffer:     cmd.Buffer,
		RangeCheck: true,
		Validate:   true,
		Username:   f.router,
	})
	if err != nil {
		return err
	}
	if _, err := f.client.WriteTopic(ctx, bus.TargetCommandTopic(f.client.Scope(), cmd.TargetName), fields); err != nil {
		return fmt.Errorf("failed to forward %s: %w", cmd, err)
	}
	return nil
}
