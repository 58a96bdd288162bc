package link

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dyluth/groundlink/internal/definitions"
	"github.com/dyluth/groundlink/internal/routing"
	"github.com/dyluth/groundlink/pkg/bus"
	"github.com/dyluth/groundlink/pkg/packet"
)

const ackTimeout = 5 * time.Second

// controlPlane handles the directives interfaces and routers share.
type controlPlane struct {
	sm         *StateMachine
	defs       definitions.Definitions
	sink       routing.Sink
	telemetry  *routing.Router
	cmdCounter routing.Counter
	metrics    *Metrics
	log        *logrus.Entry
}

// control handles d when it is a control directive. ok is false for
// directives the caller must handle itself.
func (c *controlPlane) control(ctx context.Context, d Directive) (res Result, ok bool) {
	switch d := d.(type) {
	case Shutdown:
		c.log.Info("Shutdown requested")
		return Result{Status: StatusShutdown, Stop: true}, true

	case Connect:
		c.log.WithField("params", len(d.Params) > 0).Info("Connect requested")
		if err := c.sm.Attempt(d.Params); err != nil {
			return failure(err), true
		}
		return success(), true

	case Disconnect:
		c.log.Info("Disconnect requested")
		c.sm.Disconnect(false)
		return success(), true

	case WriteRaw:
		return c.writeRaw(ctx, d), true

	case ToggleStreamLog:
		base := c.sm.Adapter().Core()
		var err error
		if d.Enabled {
			err = base.StartRawLogging()
		} else {
			err = base.StopRawLogging()
		}
		if err != nil {
			return failure(err), true
		}
		return success(), true

	case AdapterCommand:
		if err := c.sm.Adapter().InterfaceCmd(d.Name, d.Args...); err != nil {
			return failure(err), true
		}
		c.sm.PublishStatus()
		return success(), true

	case ProtocolCommand:
		if err := c.sm.Adapter().ProtocolCmd(d.Name, d.Args, d.Direction, d.Index); err != nil {
			return failure(err), true
		}
		return success(), true

	case InjectTelemetry:
		return c.injectTelemetry(ctx, d), true

	case BuildCommand:
		return c.buildCommand(d), true
	}
	return Result{}, false
}

// writeRaw sends bytes as-is. The bytes are logged as an UNKNOWN command
// before they are written.
func (c *controlPlane) writeRaw(ctx context.Context, d WriteRaw) Result {
	a := c.sm.Adapter()
	if !a.Connected() {
		return failure(&NotConnectedError{Name: c.sm.Name()})
	}
	if !a.Core().WriteRawAllowed() {
		return failure(fmt.Errorf("%s does not allow raw writes", c.sm.Name()))
	}

	p := packet.NewUnknown(d.Data)
	p.ReceivedTime = time.Now()
	if _, err := c.cmdCounter.RecordReceipt(ctx, p); err != nil {
		c.log.WithError(err).Warn("Failed to sync command count")
	}
	if err := c.sink.PublishCommand(ctx, p); err != nil {
		c.log.WithError(err).Warn("Failed to log raw command")
	}
	if err := a.WriteRaw(ctx, d.Data); err != nil {
		return failure(err)
	}
	c.sm.RecordCommand()
	return success()
}

func (c *controlPlane) injectTelemetry(ctx context.Context, d InjectTelemetry) Result {
	p := packet.New(d.Target, d.Packet, d.Buffer)
	p.Stored = d.Stored
	p.ReceivedTime = time.Now()
	if len(d.Items) > 0 {
		p.SetExtra("items", d.Items)
	}
	if err := c.telemetry.Route(ctx, p, []string{d.Target}); err != nil {
		return failure(err)
	}
	return success()
}

type builtCommand struct {
	Target string         `json:"target_name"`
	Name   string         `json:"packet_name"`
	Buffer []byte         `json:"buffer"`
	Params map[string]any `json:"params,omitempty"`
	Text   string         `json:"cmd_string"`
}

// buildCommand returns the JSON encoding of the built command as the
// result status.
func (c *controlPlane) buildCommand(d BuildCommand) Result {
	cmd, err := c.defs.BuildCommand(d.Target, d.Name, d.Params, d.RangeCheck, d.Raw)
	if err != nil {
		return failure(err)
	}
	out, err := json.Marshal(builtCommand{
		Target: cmd.TargetName,
		Name:   cmd.PacketName,
		Buffer: cmd.Buffer,
		Params: definitions.CommandParams(cmd),
		Text:   c.defs.Format(cmd),
	})
	if err != nil {
		return failure(fmt.Errorf("failed to encode built command: %w", err))
	}
	return Result{Status: string(out)}
}

// ack writes res for m. Failures are logged; the sender times out.
func (c *controlPlane) ack(client *bus.Client, m *bus.Message, res Result) {
	ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
	defer cancel()
	if err := client.Ack(ctx, m.Topic, m.ID, res.Status); err != nil {
		c.log.WithError(err).Warn("Failed to acknowledge directive")
	}
}

// runLoop subscribes to topics and hands every message to process until
// ctx or the state machine stops.
func (c *controlPlane) runLoop(ctx context.Context, client *bus.Client, topics []string, process func(context.Context, *bus.Message) (Result, bool)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.sm.Context().Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	sub, err := client.Subscribe(ctx, topics, nil)
	if err != nil {
		return fmt.Errorf("failed to subscribe %s: %w", c.sm.Name(), err)
	}
	defer sub.Close()
	c.log.WithField("topics", topics).Info("Listening for directives")

	return c.serve(ctx, client, sub, process)
}

// messageSource is the read side of a subscription.
type messageSource interface {
	Messages() <-chan *bus.Message
	Errors() <-chan error
}

// serve hands messages from src to process until ctx is done, src closes
// its messages or a directive stops the instance. A closed error channel
// only stops error reporting; buffered messages are still processed.
func (c *controlPlane) serve(ctx context.Context, client *bus.Client, src messageSource, process func(context.Context, *bus.Message) (Result, bool)) error {
	errs := src.Errors()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			c.log.WithError(err).Warn("Directive read failed")
		case m, ok := <-src.Messages():
			if !ok {
				return nil
			}
			res, reply := process(ctx, m)
			if reply {
				c.ack(client, m, res)
			}
			if res.Stop {
				c.sm.Stop()
				return nil
			}
		}
	}
}
