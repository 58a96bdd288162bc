package link

import (
	"context"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/dyluth/groundlink/pkg/bus"
)

// errRouterCommand is returned for command directives sent to a router.
var errRouterCommand = errors.New("routers do not accept commands; send them to the target")

// RouterLoop is the ingestion loop of a router: it handles the router's
// directives and writes the telemetry of its targets out through the
// adapter while connected.
type RouterLoop struct {
	controlPlane
	client *bus.Client
}

// NewRouterLoop returns the ingestion loop for the router driven by sm.
func NewRouterLoop(sm *StateMachine, cfg LoopConfig) *RouterLoop {
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &RouterLoop{
		controlPlane: controlPlane{
			sm:         sm,
			defs:       cfg.Definitions,
			sink:       cfg.Sink,
			telemetry:  cfg.Telemetry,
			cmdCounter: cfg.CmdCounter,
			metrics:    cfg.Metrics,
			log:        log.WithField("component", "router_loop"),
		},
		client: cfg.Client,
	}
}

// Topics returns the router directive topic followed by the telemetry
// topics of every packet of the router's telemetry targets.
func (l *RouterLoop) Topics() []string {
	scope := l.client.Scope()
	topics := []string{bus.RouterDirectiveTopic(scope, l.sm.Name())}
	for _, target := range l.sm.Adapter().Core().TlmTargetNames() {
		for _, name := range l.defs.TelemetryPackets(target) {
			topics = append(topics, bus.TelemetryTopic(scope, target, name))
		}
	}
	return topics
}

func (l *RouterLoop) isTelemetry(topic string) bool {
	return strings.HasPrefix(topic, l.client.Scope()+"__TELEMETRY__")
}

// Run processes directives and telemetry until ctx is cancelled, the
// state machine stops or a shutdown directive arrives. Only directives
// are acknowledged.
func (l *RouterLoop) Run(ctx context.Context) error {
	return l.runLoop(ctx, l.client, l.Topics(), func(ctx context.Context, m *bus.Message) (Result, bool) {
		if l.isTelemetry(m.Topic) {
			l.WriteTelemetry(ctx, m)
			return Result{}, false
		}
		return l.Process(ctx, m), true
	})
}

// Process handles one router directive.
func (l *RouterLoop) Process(ctx context.Context, m *bus.Message) Result {
	if l.metrics != nil {
		l.metrics.observeDirective(l.sm.Name(), m.Timestamp())
	}
	d, err := ParseDirective(m)
	if err != nil {
		l.log.WithError(err).WithField("id", m.ID).Warn("Rejected malformed directive")
		return failure(err)
	}
	if res, ok := l.control(ctx, d); ok {
		return res
	}
	return failure(errRouterCommand)
}

// WriteTelemetry sends one telemetry message out through the router. It
// does nothing while the router is not connected.
func (l *RouterLoop) WriteTelemetry(ctx context.Context, m *bus.Message) {
	a := l.sm.Adapter()
	if !a.Connected() || !a.Core().WriteAllowed() {
		return
	}
	p, err := bus.FieldsToPacket(m)
	if err != nil {
		l.log.WithError(err).WithField("topic", m.Topic).Warn("Dropping undecodable telemetry")
		return
	}
	if err := a.Write(ctx, p); err != nil && ctx.Err() == nil {
		l.log.WithError(err).WithField("packet", p.String()).Warn("Router telemetry write failed")
		return
	}
	l.sm.maybePublishStatus()
}
