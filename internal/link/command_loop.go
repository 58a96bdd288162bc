package link

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dyluth/groundlink/internal/adapter"
	"github.com/dyluth/groundlink/internal/critical"
	"github.com/dyluth/groundlink/internal/definitions"
	"github.com/dyluth/groundlink/internal/routing"
	"github.com/dyluth/groundlink/pkg/bus"
	"github.com/dyluth/groundlink/pkg/packet"
)

// LoopConfig carries the collaborators of an ingestion loop.
type LoopConfig struct {
	Client      *bus.Client
	Definitions definitions.Definitions
	Sink        routing.Sink
	// Telemetry routes injected telemetry.
	Telemetry *routing.Router
	// CmdCounter assigns received counts to written commands.
	CmdCounter routing.Counter
	// Ledger holds parked critical commands. Nil disables the gate.
	Ledger  critical.Ledger
	Policy  PolicySource
	Metrics *Metrics
	Log     *logrus.Entry
}

// CommandLoop is the ingestion loop of an interface: it reads the
// interface's directive topic and the command topics of the targets it
// commands, and acknowledges every message with a result string.
type CommandLoop struct {
	controlPlane
	client *bus.Client
	ledger critical.Ledger
	policy PolicySource
}

// NewCommandLoop returns the ingestion loop for the interface driven by sm.
func NewCommandLoop(sm *StateMachine, cfg LoopConfig) *CommandLoop {
	policy := cfg.Policy
	if policy == nil {
		policy = StaticPolicy(critical.PolicyOff)
	}
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &CommandLoop{
		controlPlane: controlPlane{
			sm:         sm,
			defs:       cfg.Definitions,
			sink:       cfg.Sink,
			telemetry:  cfg.Telemetry,
			cmdCounter: cfg.CmdCounter,
			metrics:    cfg.Metrics,
			log:        log.WithField("component", "command_loop"),
		},
		client: cfg.Client,
		ledger: cfg.Ledger,
		policy: policy,
	}
}

// Topics returns the topics the loop reads.
func (l *CommandLoop) Topics() []string {
	scope := l.client.Scope()
	topics := []string{bus.InterfaceDirectiveTopic(scope, l.sm.Name())}
	for _, target := range l.sm.Adapter().Core().CmdTargetNames() {
		topics = append(topics, bus.TargetCommandTopic(scope, target))
	}
	return topics
}

// Run processes directives until ctx is cancelled, the state machine stops
// or a shutdown directive arrives.
func (l *CommandLoop) Run(ctx context.Context) error {
	return l.runLoop(ctx, l.client, l.Topics(), func(ctx context.Context, m *bus.Message) (Result, bool) {
		return l.Process(ctx, m), true
	})
}

// Process handles one message and returns its result.
func (l *CommandLoop) Process(ctx context.Context, m *bus.Message) Result {
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

	switch d := d.(type) {
	case ReleaseCritical:
		return l.release(ctx, d.ID)
	case Command:
		return l.execute(ctx, d, m.Fields, false)
	default:
		return failure(fmt.Errorf("unsupported directive %s", d.Kind()))
	}
}

// release executes a parked command. The ledger entry is consumed before
// the write, so a release is never replayed.
func (l *CommandLoop) release(ctx context.Context, id string) Result {
	if l.ledger == nil {
		return failure(&CriticalNotFoundError{ID: id})
	}
	pc, err := l.ledger.Get(ctx, id)
	if errors.Is(err, critical.ErrNotFound) {
		return failure(&CriticalNotFoundError{ID: id})
	}
	if err != nil {
		return failure(err)
	}
	if pc.Interface != l.sm.Name() {
		return failure(fmt.Errorf("critical command %s belongs to interface %s", id, pc.Interface))
	}

	pc, err = l.ledger.Take(ctx, id)
	if errors.Is(err, critical.ErrNotFound) {
		return failure(&CriticalNotFoundError{ID: id})
	}
	if err != nil {
		return failure(err)
	}
	cmd, err := parseCommand(pc.Payload)
	if err != nil {
		return failure(fmt.Errorf("critical command %s: %w", id, err))
	}
	l.log.WithFields(logrus.Fields{"id": id, "requester": pc.Requester}).Info("Releasing critical command")
	return l.execute(ctx, cmd, nil, true)
}

// build turns a command directive into a packet. Raw buffers are
// identified against the named target, or the interface's command targets.
func (l *CommandLoop) build(c Command) (*packet.Packet, error) {
	if !c.HasBuffer() {
		return l.defs.BuildCommand(c.Target, c.Name, c.Params, c.RangeCheck, c.Raw)
	}
	cmd := packet.New("", "", c.Buffer)
	targets := l.sm.Adapter().Core().CmdTargetNames()
	if c.Target != "" {
		targets = []string{c.Target}
	}
	if target, name, ok := l.defs.IdentifyCommand(c.Buffer, targets); ok {
		cmd.TargetName, cmd.PacketName = target, name
	} else {
		cmd.TargetName, cmd.PacketName = packet.Unknown, packet.Unknown
	}
	return cmd, nil
}

// execute builds, checks and writes one command. fields is the message c
// was parsed from; it is what gets parked when the critical gate holds the
// command. released skips the hazardous confirmation and the critical gate.
func (l *CommandLoop) execute(ctx context.Context, c Command, fields map[string]any, released bool) Result {
	cmd, err := l.build(c)
	if err != nil {
		return failure(err)
	}
	cmd.ReceivedTime = time.Now()
	if c.Username != "" {
		cmd.SetExtra("username", c.Username)
	}
	if c.Manual {
		cmd.SetExtra("manual", true)
	}
	if c.CmdString != "" {
		cmd.SetExtra("cmd_string", c.CmdString)
	}
	log := l.log.WithField("command", cmd.String())

	if !released {
		if res, stop := l.interlocks(ctx, c, fields, cmd); stop {
			return res
		}
	}

	validator := l.defs.Validator(cmd)
	if !c.Validate {
		validator = nil
	}
	if validator != nil {
		if r, reason := validator.PreCheck(ctx, cmd); r == definitions.ValidationFailed {
			return failure(&ValidationError{Reason: reason})
		}
	}

	a := l.sm.Adapter()
	if !a.Connected() {
		return failure(&NotConnectedError{Name: l.sm.Name()})
	}
	if !a.Core().WriteAllowed() {
		return failure(fmt.Errorf("%s is read only", l.sm.Name()))
	}

	if _, err := l.cmdCounter.RecordReceipt(ctx, cmd); err != nil {
		log.WithError(err).Warn("Failed to sync command count")
	}
	if err := a.Write(ctx, cmd); err != nil {
		var reject *adapter.WriteRejectError
		switch {
		case errors.As(err, &reject):
			log.WithField("reason", reject.Reason).Warn("Write rejected")
			return failure(reject)
		case errors.Is(err, adapter.ErrNotConnected):
			return failure(&NotConnectedError{Name: l.sm.Name()})
		default:
			log.WithError(err).Error("Command write failed")
			return failure(err)
		}
	}
	l.sm.RecordCommand()

	if err := l.sink.PublishCommand(ctx, cmd); err != nil {
		log.WithError(err).Error("Failed to log command")
	}
	if err := l.sink.PublishDecomCommand(ctx, cmd); err != nil {
		log.WithError(err).Error("Failed to publish decom command")
	}
	l.sm.PublishStatus()

	if validator != nil {
		if r, reason := validator.PostCheck(ctx, cmd); r == definitions.ValidationFailed {
			return failure(&ValidationError{Post: true, Reason: reason})
		}
	}
	return success()
}

// interlocks applies the hazardous confirmation and the critical gate.
// stop is true when the command must not be written now.
func (l *CommandLoop) interlocks(ctx context.Context, c Command, fields map[string]any, cmd *packet.Packet) (Result, bool) {
	hazardous, description := l.defs.IsHazardous(cmd)
	if hazardous && c.HazardousCheck {
		return failure(&HazardousError{Description: description, Command: l.defs.Format(cmd)}), true
	}
	if l.ledger == nil {
		return Result{}, false
	}

	class := critical.ShouldGate(critical.Traits{
		Hazardous:  hazardous,
		Restricted: l.defs.IsRestricted(cmd),
		Manual:     c.Manual,
	}, l.policy.Policy(ctx))
	if class == critical.None {
		return Result{}, false
	}

	payload := maps.Clone(fields)
	if payload == nil {
		var err error
		if payload, err = EncodeDirective(c); err != nil {
			return failure(err), true
		}
	}
	pc := &critical.PendingCommand{
		Type:      class,
		Interface: l.sm.Name(),
		Requester: c.Username,
		Command:   l.defs.Format(cmd),
		Payload:   payload,
	}
	if err := l.ledger.Create(ctx, pc); err != nil {
		return failure(fmt.Errorf("failed to park critical command: %w", err)), true
	}
	if l.metrics != nil {
		l.metrics.gated.WithLabelValues(l.sm.Name()).Inc()
	}
	l.log.WithFields(logrus.Fields{
		"id":   pc.ID,
		"type": class,
	}).Info("Command parked for critical approval")
	return failure(&CriticalCmdError{ID: pc.ID}), true
}
