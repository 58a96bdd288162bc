package link

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dyluth/groundlink/internal/adapter"
	"github.com/dyluth/groundlink/internal/counters"
	"github.com/dyluth/groundlink/internal/critical"
	"github.com/dyluth/groundlink/internal/definitions"
	"github.com/dyluth/groundlink/internal/routing"
	"github.com/dyluth/groundlink/pkg/bus"
	"github.com/dyluth/groundlink/pkg/packet"
)

// Role distinguishes interfaces from routers.
type Role string

const (
	RoleInterface Role = "interface"
	RoleRouter    Role = "router"
)

// DefaultPruneInterval is how often an interface prunes expired critical
// commands.
const DefaultPruneInterval = time.Hour

// ServiceConfig describes one interface or router instance.
type ServiceConfig struct {
	Role        Role
	Client      *bus.Client
	Adapter     adapter.ConnectionAdapter
	Builder     adapter.Builder
	Definitions definitions.Definitions
	// Ledger and Policy drive critical commanding; interfaces only.
	Ledger  critical.Ledger
	Policy  PolicySource
	Metrics *Metrics
	// PublishInterval batches topic writes when positive.
	PublishInterval time.Duration
	// CounterDelay is the received count flush interval; zero or negative
	// selects strict counting.
	CounterDelay time.Duration
	ClusterMode  bool
	// PruneInterval is how often expired critical commands are removed.
	PruneInterval time.Duration
	Log           *logrus.Entry
}

type loop interface {
	Run(ctx context.Context) error
}

// Service runs one instance: its state machine, ingestion loop, counter
// flushers, optional batched publisher and critical ledger pruner.
type Service struct {
	cfg       ServiceConfig
	sm        *StateMachine
	loop      loop
	tlmCounts *counters.Sync
	cmdCounts *counters.Sync
	writer    *bus.QueuedWriter
	log       *logrus.Entry
}

// NewService wires an instance from cfg.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Client == nil || cfg.Adapter == nil || cfg.Definitions == nil {
		return nil, fmt.Errorf("service requires a bus client, an adapter and definitions")
	}
	if cfg.Role == "" {
		cfg.Role = RoleInterface
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil, string(cfg.Role))
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = DefaultPruneInterval
	}

	scope := cfg.Client.Scope()
	log := cfg.Log.WithField("scope", scope).WithField(string(cfg.Role), cfg.Adapter.Name())
	s := &Service{cfg: cfg, log: log}

	var writer bus.TopicWriter = cfg.Client
	if cfg.PublishInterval > 0 {
		s.writer = bus.NewQueuedWriter(cfg.Client, cfg.PublishInterval, log.WithField("component", "publisher"))
		writer = s.writer
	}
	sink := bus.NewPacketSink(writer, scope)

	s.tlmCounts = counters.New(cfg.Client.Redis(), counters.Options{
		Scope: scope, Kind: counters.KindTelemetry, Delay: cfg.CounterDelay, ForceStrict: cfg.ClusterMode,
	}, log)
	s.cmdCounts = counters.New(cfg.Client.Redis(), counters.Options{
		Scope: scope, Kind: counters.KindCommand, Delay: cfg.CounterDelay, ForceStrict: cfg.ClusterMode,
	}, log)

	tlmRouter := routing.New(cfg.Definitions, sink, s.tlmCounts, log.WithField("component", "router"))

	var handler PacketHandler
	var status StatusPublisher
	switch cfg.Role {
	case RoleInterface:
		status = NewInterfaceStatus(cfg.Client)
		handler = func(ctx context.Context, a adapter.ConnectionAdapter, p *packet.Packet) error {
			return tlmRouter.Route(ctx, p, a.Core().TlmTargetNames())
		}
	case RoleRouter:
		status = NewRouterStatus(cfg.Client)
		cmdRouter := routing.NewCommandRouter(cfg.Definitions, NewForwarder(cfg.Client, cfg.Adapter.Name()), sink, s.cmdCounts, log.WithField("component", "router"))
		handler = func(ctx context.Context, a adapter.ConnectionAdapter, p *packet.Packet) error {
			return cmdRouter.Route(ctx, p, a.Core().CmdTargetNames())
		}
	default:
		return nil, fmt.Errorf("unknown role %q", cfg.Role)
	}

	s.sm = NewStateMachine(cfg.Adapter,
		WithBuilder(cfg.Builder),
		WithPacketHandler(handler),
		WithStatusPublisher(status),
		WithMetrics(cfg.Metrics),
		WithLogger(log.WithField("component", "state_machine")),
	)

	loopCfg := LoopConfig{
		Client:      cfg.Client,
		Definitions: cfg.Definitions,
		Sink:        sink,
		Telemetry:   tlmRouter,
		CmdCounter:  s.cmdCounts,
		Ledger:      cfg.Ledger,
		Policy:      cfg.Policy,
		Metrics:     cfg.Metrics,
		Log:         log,
	}
	if cfg.Role == RoleRouter {
		s.loop = NewRouterLoop(s.sm, loopCfg)
	} else {
		s.loop = NewCommandLoop(s.sm, loopCfg)
	}
	return s, nil
}

// StateMachine returns the instance's state machine.
func (s *Service) StateMachine() *StateMachine { return s.sm }

// Run blocks until ctx is cancelled, a shutdown directive arrives or the
// state machine fails. Counters and queued topic writes are flushed once
// more after the loops stop.
func (s *Service) Run(ctx context.Context) error {
	s.log.Info("Starting")
	s.seedCounts(ctx)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	var bg sync.WaitGroup
	s.goBackground(&bg, func() { s.tlmCounts.Run(bgCtx) })
	s.goBackground(&bg, func() { s.cmdCounts.Run(bgCtx) })
	if s.writer != nil {
		s.goBackground(&bg, func() { s.writer.Run(bgCtx) })
	}
	if s.cfg.Role == RoleInterface && s.cfg.Ledger != nil {
		s.goBackground(&bg, func() {
			critical.RunPruner(bgCtx, s.cfg.Ledger, s.cfg.PruneInterval, s.log.WithField("component", "pruner"))
		})
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errs := make(chan error, 2)
	go func() { errs <- s.sm.Run(runCtx) }()
	go func() { errs <- s.loop.Run(runCtx) }()

	first := <-errs
	cancel()
	s.sm.Stop()
	second := <-errs

	bgCancel()
	bg.Wait()
	s.log.Info("Stopped")
	return errors.Join(first, second)
}

func (s *Service) goBackground(wg *sync.WaitGroup, fn func()) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		fn()
	}()
}

// seedCounts raises telemetry counters to the counts of the newest
// published packets so a restart does not reset them.
func (s *Service) seedCounts(ctx context.Context) {
	if s.cfg.Role != RoleInterface {
		return
	}
	scope := s.cfg.Client.Scope()
	for _, target := range s.sm.Adapter().Core().TlmTargetNames() {
		for _, name := range s.cfg.Definitions.TelemetryPackets(target) {
			m, err := s.cfg.Client.NewestMessage(ctx, bus.TelemetryTopic(scope, target, name))
			if err != nil {
				if !bus.IsNotFound(err) {
					s.log.WithError(err).Warn("Failed to read newest packet for count seeding")
				}
				continue
			}
			p, err := bus.FieldsToPacket(m)
			if err != nil {
				s.log.WithError(err).WithField("topic", m.Topic).Warn("Skipping undecodable packet during count seeding")
				continue
			}
			if err := s.tlmCounts.Seed(ctx, target, name, p.ReceivedCount); err != nil {
				s.log.WithError(err).Warn("Failed to seed received count")
			}
		}
	}
}
