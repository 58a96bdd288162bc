// Package routing turns raw adapter reads into identified packets and hands
// them to the right place: telemetry to the telemetry topics, and, for
// routers, commands to the command queue of the owning target.
package routing

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dyluth/groundlink/internal/definitions"
	"github.com/dyluth/groundlink/pkg/packet"
)

// hexPrefixLen is how many leading bytes of unidentified data are logged.
const hexPrefixLen = 16

// Sink receives identified packets.
type Sink interface {
	PublishTelemetry(ctx context.Context, p *packet.Packet) error
	PublishCommand(ctx context.Context, p *packet.Packet) error
	PublishDecomCommand(ctx context.Context, p *packet.Packet) error
}

// Counter assigns received counts.
type Counter interface {
	RecordReceipt(ctx context.Context, p *packet.Packet) (int64, error)
}

// Router identifies inbound telemetry and publishes it exactly once.
type Router struct {
	defs    definitions.Definitions
	sink    Sink
	counter Counter
	log     *logrus.Entry
}

// New returns a telemetry router.
func New(defs definitions.Definitions, sink Sink, counter Counter, log *logrus.Entry) *Router {
	return &Router{defs: defs, sink: sink, counter: counter, log: log}
}

// Identify resolves the identity of p against candidate targets (all targets
// when empty). A packet that already carries an identity is trusted if the
// definitions still know it; otherwise it is re-identified from its
// buffer. Data nothing matches is tagged UNKNOWN/UNKNOWN. p is modified in
// place and returned.
func (r *Router) Identify(p *packet.Packet, candidates []string) *packet.Packet {
	if p.Identified() {
		if _, err := r.defs.LookupTelemetry(p.TargetName, p.PacketName); err == nil {
			return p
		}
		r.log.WithFields(logrus.Fields{
			"target": p.TargetName,
			"packet": p.PacketName,
		}).Warn("Received packet with stale identity, re-identifying")
		p.ClearIdentity()
	}

	if target, name, ok := r.defs.IdentifyTelemetry(p.Buffer, candidates); ok {
		p.TargetName, p.PacketName = target, name
		return p
	}

	r.log.WithFields(logrus.Fields{
		"length": p.Length(),
		"prefix": p.HexPrefix(hexPrefixLen),
	}).Warn("Unknown packet received")
	p.TargetName, p.PacketName = packet.Unknown, packet.Unknown
	return p
}

// Route identifies p, assigns its received time and count, and publishes
// it. A counter failure is logged and does not stop the publish.
func (r *Router) Route(ctx context.Context, p *packet.Packet, candidates []string) error {
	r.Identify(p, candidates)

	if p.ReceivedTime.IsZero() {
		p.ReceivedTime = time.Now()
	}
	if _, err := r.counter.RecordReceipt(ctx, p); err != nil {
		r.log.WithError(err).Warn("Failed to sync received count")
	}

	if err := r.sink.PublishTelemetry(ctx, p); err != nil {
		return fmt.Errorf("failed to publish %s: %w", p, err)
	}
	return nil
}
