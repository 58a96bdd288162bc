package routing

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dyluth/groundlink/internal/definitions"
	"github.com/dyluth/groundlink/pkg/packet"
)

// Forwarder queues an identified command for the interface owning its target.
type Forwarder interface {
	ForwardCommand(ctx context.Context, cmd *packet.Packet) error
}

// CommandRouter handles bytes a router reads from its external system:
// commands are identified and forwarded to the owning target's command
// queue, where the critical gate and validators still apply. The external
// system is trusted to have confirmed hazardous commands.
// Unidentified data is logged to the UNKNOWN command topic.
type CommandRouter struct {
	defs      definitions.Definitions
	forwarder Forwarder
	sink      Sink
	counter   Counter
	log       *logrus.Entry
}

// NewCommandRouter returns a command router.
func NewCommandRouter(defs definitions.Definitions, forwarder Forwarder, sink Sink, counter Counter, log *logrus.Entry) *CommandRouter {
	return &CommandRouter{defs: defs, forwarder: forwarder, sink: sink, counter: counter, log: log}
}

// Identify resolves p as a command among candidate targets, falling back to
// UNKNOWN/UNKNOWN.
func (c *CommandRouter) Identify(p *packet.Packet, candidates []string) *packet.Packet {
	if p.Identified() {
		if _, err := c.defs.LookupCommand(p.TargetName, p.PacketName); err == nil {
			return p
		}
		p.ClearIdentity()
	}
	if target, name, ok := c.defs.IdentifyCommand(p.Buffer, candidates); ok {
		p.TargetName, p.PacketName = target, name
		return p
	}
	p.TargetName, p.PacketName = packet.Unknown, packet.Unknown
	return p
}

// Route identifies and forwards one command read by a router.
func (c *CommandRouter) Route(ctx context.Context, p *packet.Packet, candidates []string) error {
	c.Identify(p, candidates)
	if p.ReceivedTime.IsZero() {
		p.ReceivedTime = time.Now()
	}

	if p.IsUnknown() {
		c.log.WithFields(logrus.Fields{
			"length": p.Length(),
			"prefix": p.HexPrefix(hexPrefixLen),
		}).Warn("Router received unknown command, logging without forwarding")
		if _, err := c.counter.RecordReceipt(ctx, p); err != nil {
			c.log.WithError(err).Warn("Failed to sync command count")
		}
		if err := c.sink.PublishCommand(ctx, p); err != nil {
			return fmt.Errorf("failed to log unknown command: %w", err)
		}
		return nil
	}

	if err := c.forwarder.ForwardCommand(ctx, p); err != nil {
		return fmt.Errorf("failed to forward %s: %w", p, err)
	}
	return nil
}
