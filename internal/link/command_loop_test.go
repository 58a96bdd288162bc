package link

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/groundlink/internal/adapter"
	"github.com/dyluth/groundlink/internal/critical"
	"github.com/dyluth/groundlink/internal/definitions"
	"github.com/dyluth/groundlink/pkg/bus"
)

func noop() Command {
	return Command{Target: "INST", Name: "NOOP", RangeCheck: true, HazardousCheck: true, Validate: true}
}

func TestCommandLoop_NotConnected(t *testing.T) {
	env := newInterfaceEnv(t)

	res := env.process(t, noop())

	assert.Equal(t, "Interface not connected: INST_INT", res.Status)
	assert.Empty(t, env.fake.Written())
}

func TestCommandLoop_WritesAndPublishes(t *testing.T) {
	env := newInterfaceEnv(t)
	env.connect(t)

	res := env.process(t, Command{
		Target: "INST", Name: "COLLECT", Params: map[string]any{"DURATION": 5},
		RangeCheck: true, HazardousCheck: true, Validate: true, Username: "ops",
	})

	require.Equal(t, StatusSuccess, res.Status)
	written := env.fake.Written()
	require.Len(t, written, 1)
	assert.Equal(t, "\x12DURATION=5;TYPE=NORMAL;", string(written[0]))

	assert.Equal(t, 1, env.topicLen(t, bus.CommandTopic(testScope, "INST", "COLLECT")))
	assert.Equal(t, 1, env.topicLen(t, bus.DecomCommandTopic(testScope, "INST", "COLLECT")))

	m, err := env.client.NewestMessage(context.Background(), bus.CommandTopic(testScope, "INST", "COLLECT"))
	require.NoError(t, err)
	cmd, err := bus.FieldsToPacket(m)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cmd.ReceivedCount)
	assert.Equal(t, "ops", cmd.Extra["username"])

	assert.Equal(t, int64(1), env.sm.Status().CmdCount)
}

func TestCommandLoop_BuildErrors(t *testing.T) {
	env := newInterfaceEnv(t)
	env.connect(t)

	tests := []struct {
		name string
		cmd  Command
		want string
	}{
		{"out of range", Command{Target: "INST", Name: "COLLECT", Params: map[string]any{"DURATION": 99}, RangeCheck: true, HazardousCheck: true},
			"not in valid range of 0 to 10"},
		{"unknown command", Command{Target: "INST", Name: "EXPLODE", HazardousCheck: true}, "unknown packet"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := env.process(t, tt.cmd)
			assert.Contains(t, res.Status, tt.want)
		})
	}
	assert.Empty(t, env.fake.Written())
}

func TestCommandLoop_RangeCheckDisabled(t *testing.T) {
	env := newInterfaceEnv(t)
	env.connect(t)

	res := env.process(t, Command{Target: "INST", Name: "COLLECT", Params: map[string]any{"DURATION": 99}, HazardousCheck: true})

	assert.Equal(t, StatusSuccess, res.Status)
	assert.Len(t, env.fake.Written(), 1)
}

func TestCommandLoop_HazardousNeverWrittenUnconfirmed(t *testing.T) {
	env := newInterfaceEnv(t)
	env.connect(t)

	t.Run("hazardous command", func(t *testing.T) {
		res := env.process(t, Command{Target: "INST", Name: "ABORT", RangeCheck: true, HazardousCheck: true})
		assert.Equal(t, "HazardousError\nAborts the current collection\nINST ABORT", res.Status)
	})

	t.Run("hazardous parameter value", func(t *testing.T) {
		res := env.process(t, Command{Target: "INST", Name: "COLLECT",
			Params: map[string]any{"DURATION": 1, "TYPE": "SPECIAL"}, RangeCheck: true, HazardousCheck: true})
		var haz *HazardousError
		require.ErrorAs(t, ParseResult(res.Status), &haz)
		assert.Equal(t, "TYPE = SPECIAL is hazardous", haz.Description)
		assert.Equal(t, "INST COLLECT with DURATION 1, TYPE 'SPECIAL'", haz.Command)
	})

	assert.Empty(t, env.fake.Written())
	assert.Equal(t, 0, env.topicLen(t, bus.CommandTopic(testScope, "INST", "ABORT")))

	t.Run("confirmed", func(t *testing.T) {
		res := env.process(t, Command{Target: "INST", Name: "ABORT", RangeCheck: true})
		assert.Equal(t, StatusSuccess, res.Status)
		assert.Len(t, env.fake.Written(), 1)
	})
}

func TestCommandLoop_RawBufferCommands(t *testing.T) {
	env := newInterfaceEnv(t)
	env.connect(t)

	t.Run("identified against the command targets", func(t *testing.T) {
		res := env.process(t, Command{Buffer: []byte{0x10}, HazardousCheck: true, Validate: true})
		assert.Equal(t, StatusSuccess, res.Status)
		assert.Equal(t, 1, env.topicLen(t, bus.CommandTopic(testScope, "INST", "NOOP")))
	})

	t.Run("unidentified bytes are still written", func(t *testing.T) {
		res := env.process(t, Command{Target: "INST", Buffer: []byte{0xEE, 0x01}, HazardousCheck: true})
		assert.Equal(t, StatusSuccess, res.Status)
		assert.Equal(t, 1, env.topicLen(t, bus.CommandTopic(testScope, "UNKNOWN", "UNKNOWN")))
	})

	t.Run("hazardous buffers need confirmation", func(t *testing.T) {
		res := env.process(t, Command{Buffer: []byte{0x11}, HazardousCheck: true})
		assert.True(t, strings.HasPrefix(res.Status, "HazardousError\n"))
	})

	assert.Len(t, env.fake.Written(), 2)
}

func TestCommandLoop_WriteRejected(t *testing.T) {
	env := newInterfaceEnv(t)
	env.connect(t)
	env.fake.writeErr = &adapter.WriteRejectError{Reason: "NAK from radio"}

	res := env.process(t, noop())

	assert.Equal(t, "NAK from radio", res.Status)
	assert.Equal(t, 0, env.topicLen(t, bus.CommandTopic(testScope, "INST", "NOOP")))
}

func TestCommandLoop_CriticalGate(t *testing.T) {
	t.Run("policy ALL parks manual commands until released", func(t *testing.T) {
		env := newInterfaceEnv(t, withPolicy(critical.PolicyAll))
		env.connect(t)
		cmd := noop()
		cmd.Manual = true
		cmd.Username = "alice"

		res := env.process(t, cmd)
		var parked *CriticalCmdError
		require.ErrorAs(t, ParseResult(res.Status), &parked)
		assert.Empty(t, env.fake.Written())

		pc, err := env.ledger.Get(context.Background(), parked.ID)
		require.NoError(t, err)
		assert.Equal(t, critical.Normal, pc.Type)
		assert.Equal(t, "INST_INT", pc.Interface)
		assert.Equal(t, "alice", pc.Requester)
		assert.Equal(t, "INST NOOP", pc.Command)

		res = env.process(t, ReleaseCritical{ID: parked.ID})
		require.Equal(t, StatusSuccess, res.Status)
		assert.Len(t, env.fake.Written(), 1)

		res = env.process(t, ReleaseCritical{ID: parked.ID})
		assert.Equal(t, "CriticalCmdError not found: "+parked.ID, res.Status)
		assert.Len(t, env.fake.Written(), 1, "a release must be written exactly once")
	})

	t.Run("parked payload is the message as received", func(t *testing.T) {
		env := newInterfaceEnv(t, withPolicy(critical.PolicyAll))
		env.connect(t)
		fields := map[string]any{
			"target_name": "INST",
			"cmd_name":    "NOOP",
			"cmd_params":  "{}",
			"manual":      "true",
			"username":    "alice",
			"origin":      "procedure collect.rb",
		}

		res := env.loop.Process(context.Background(), &bus.Message{
			Topic:  bus.TargetCommandTopic(testScope, "INST"),
			ID:     "1-0",
			Fields: fields,
		})
		var parked *CriticalCmdError
		require.ErrorAs(t, ParseResult(res.Status), &parked)

		pc, err := env.ledger.Get(context.Background(), parked.ID)
		require.NoError(t, err)
		assert.Equal(t, fields, pc.Payload)
		assert.NotContains(t, pc.Payload, "hazardous_check")

		res = env.process(t, ReleaseCritical{ID: parked.ID})
		require.Equal(t, StatusSuccess, res.Status)
		assert.Len(t, env.fake.Written(), 1)
	})

	t.Run("policy ALL lets scripted commands through", func(t *testing.T) {
		env := newInterfaceEnv(t, withPolicy(critical.PolicyAll))
		env.connect(t)

		res := env.process(t, noop())
		assert.Equal(t, StatusSuccess, res.Status)
	})

	t.Run("policy NORMAL parks restricted commands", func(t *testing.T) {
		env := newInterfaceEnv(t, withPolicy(critical.PolicyNormal))
		env.connect(t)

		res := env.process(t, Command{Target: "INST", Name: "COLLECT", Params: map[string]any{"DURATION": 2},
			RangeCheck: true, HazardousCheck: true, Validate: true})
		var parked *CriticalCmdError
		require.ErrorAs(t, ParseResult(res.Status), &parked)

		pc, err := env.ledger.Get(context.Background(), parked.ID)
		require.NoError(t, err)
		assert.Equal(t, critical.Restricted, pc.Type)

		res = env.process(t, ReleaseCritical{ID: parked.ID})
		require.Equal(t, StatusSuccess, res.Status)
		require.Len(t, env.fake.Written(), 1)
		assert.Equal(t, "\x12DURATION=2;TYPE=NORMAL;", string(env.fake.Written()[0]))
	})

	t.Run("confirmed hazardous commands are parked under NORMAL", func(t *testing.T) {
		env := newInterfaceEnv(t, withPolicy(critical.PolicyNormal))
		env.connect(t)

		res := env.process(t, Command{Target: "INST", Name: "ABORT"})
		var parked *CriticalCmdError
		require.ErrorAs(t, ParseResult(res.Status), &parked)
		assert.Empty(t, env.fake.Written())
	})

	t.Run("unknown release id", func(t *testing.T) {
		env := newInterfaceEnv(t)
		res := env.process(t, ReleaseCritical{ID: "nope"})
		assert.Equal(t, "CriticalCmdError not found: nope", res.Status)
	})

	t.Run("release owned by another interface", func(t *testing.T) {
		env := newInterfaceEnv(t)
		env.connect(t)
		fields, err := EncodeDirective(noop())
		require.NoError(t, err)
		pc := &critical.PendingCommand{Type: critical.Normal, Interface: "OTHER_INT", Payload: fields}
		require.NoError(t, env.ledger.Create(context.Background(), pc))

		res := env.process(t, ReleaseCritical{ID: pc.ID})
		assert.Contains(t, res.Status, "belongs to interface OTHER_INT")
		assert.Empty(t, env.fake.Written())

		_, err = env.ledger.Get(context.Background(), pc.ID)
		assert.NoError(t, err, "a rejected release must leave the command parked")
	})
}

func TestCommandLoop_Validators(t *testing.T) {
	tests := []struct {
		name        string
		validator   scriptedValidator
		want        string
		wantWritten int
	}{
		{"pre-check failure blocks the write",
			scriptedValidator{pre: definitions.ValidationFailed, preMsg: "mode is SAFE"},
			"ValidationError\nPre-check failed: mode is SAFE", 0},
		{"unknown outcomes do not block",
			scriptedValidator{pre: definitions.ValidationUnknown, post: definitions.ValidationUnknown},
			StatusSuccess, 1},
		{"passing checks",
			scriptedValidator{pre: definitions.ValidationPassed, post: definitions.ValidationPassed},
			StatusSuccess, 1},
		{"post-check failure after the write",
			scriptedValidator{pre: definitions.ValidationPassed, post: definitions.ValidationFailed, postMsg: "no echo"},
			"ValidationError\nPost-check failed: no echo", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defs := validatingDefinitions{Catalog: loadCatalog(t), v: tt.validator}
			env := newInterfaceEnv(t, withDefinitions(defs))
			env.connect(t)

			res := env.process(t, noop())

			assert.Equal(t, tt.want, res.Status)
			assert.Len(t, env.fake.Written(), tt.wantWritten)
		})
	}

	t.Run("validate=false skips validators", func(t *testing.T) {
		defs := validatingDefinitions{Catalog: loadCatalog(t), v: scriptedValidator{pre: definitions.ValidationFailed}}
		env := newInterfaceEnv(t, withDefinitions(defs))
		env.connect(t)
		cmd := noop()
		cmd.Validate = false

		assert.Equal(t, StatusSuccess, env.process(t, cmd).Status)
	})
}

func TestCommandLoop_ControlDirectives(t *testing.T) {
	t.Run("raw write", func(t *testing.T) {
		env := newInterfaceEnv(t)
		assert.Equal(t, "Interface not connected: INST_INT", env.process(t, WriteRaw{Data: []byte("abc")}).Status)

		env.connect(t)
		assert.Equal(t, StatusSuccess, env.process(t, WriteRaw{Data: []byte("abc")}).Status)
		assert.Equal(t, [][]byte{[]byte("abc")}, env.fake.Written())
		assert.Equal(t, 1, env.topicLen(t, bus.CommandTopic(testScope, "UNKNOWN", "UNKNOWN")))
	})

	t.Run("adapter command", func(t *testing.T) {
		env := newInterfaceEnv(t)
		env.connect(t)
		env.process(t, noop())
		require.Equal(t, int64(1), env.fake.Stats().WriteCount)

		res := env.process(t, AdapterCommand{Name: "clear_counters"})
		assert.Equal(t, StatusSuccess, res.Status)
		assert.Equal(t, int64(0), env.fake.Stats().WriteCount)

		res = env.process(t, AdapterCommand{Name: "self_destruct"})
		assert.Contains(t, res.Status, "unknown interface command")
	})

	t.Run("protocol command without protocols", func(t *testing.T) {
		env := newInterfaceEnv(t)
		res := env.process(t, ProtocolCommand{Name: "set_terminator", Args: []string{"0A"}, Index: -1})
		assert.NotEqual(t, StatusSuccess, res.Status)
	})

	t.Run("stream log toggle", func(t *testing.T) {
		env := newInterfaceEnv(t)
		assert.Equal(t, StatusSuccess, env.process(t, ToggleStreamLog{Enabled: true}).Status)
		assert.True(t, env.fake.StreamLog().Enabled())
		assert.Equal(t, StatusSuccess, env.process(t, ToggleStreamLog{Enabled: false}).Status)
		assert.False(t, env.fake.StreamLog().Enabled())
	})

	t.Run("inject telemetry", func(t *testing.T) {
		env := newInterfaceEnv(t)
		res := env.process(t, InjectTelemetry{Target: "INST", Packet: "HEALTH_STATUS", Buffer: []byte{0x01}})
		assert.Equal(t, StatusSuccess, res.Status)
		assert.Equal(t, 1, env.topicLen(t, bus.TelemetryTopic(testScope, "INST", "HEALTH_STATUS")))
	})

	t.Run("build command", func(t *testing.T) {
		env := newInterfaceEnv(t)
		res := env.process(t, BuildCommand{Target: "INST", Name: "COLLECT", Params: map[string]any{"DURATION": 3}, RangeCheck: true})

		var built builtCommand
		require.NoError(t, json.Unmarshal([]byte(res.Status), &built))
		assert.Equal(t, "COLLECT", built.Name)
		assert.Equal(t, "\x12DURATION=3;TYPE=NORMAL;", string(built.Buffer))
		assert.Equal(t, "INST COLLECT with DURATION 3, TYPE 'NORMAL'", built.Text)
		assert.Empty(t, env.fake.Written())
	})

	t.Run("connect and disconnect", func(t *testing.T) {
		env := newInterfaceEnv(t)
		assert.Equal(t, StatusSuccess, env.process(t, Connect{}).Status)
		assert.Equal(t, adapter.Attempting, env.sm.State())
		assert.Equal(t, StatusSuccess, env.process(t, Disconnect{}).Status)
		assert.Equal(t, adapter.Disconnected, env.sm.State())

		res := env.process(t, Connect{Params: map[string]any{"host": "x"}})
		assert.Contains(t, res.Status, "does not support connect parameters")
	})

	t.Run("shutdown", func(t *testing.T) {
		env := newInterfaceEnv(t)
		res := env.process(t, Shutdown{})
		assert.Equal(t, Result{Status: StatusShutdown, Stop: true}, res)
	})

	t.Run("malformed directive", func(t *testing.T) {
		env := newInterfaceEnv(t)
		res := env.loop.Process(context.Background(), &bus.Message{ID: "1-0", Fields: map[string]any{"bogus": "1"}})
		assert.Contains(t, res.Status, "invalid command received")
	})
}

func TestCommandLoop_ControlOnTargetTopicIgnored(t *testing.T) {
	env := newInterfaceEnv(t)
	env.connect(t)
	topic := bus.TargetCommandTopic(testScope, "INST")

	for _, d := range []Directive{Shutdown{}, Disconnect{}, WriteRaw{Data: []byte("abc")}, ToggleStreamLog{Enabled: true}} {
		t.Run(d.Kind(), func(t *testing.T) {
			fields, err := EncodeDirective(d)
			require.NoError(t, err)

			res := env.loop.Process(context.Background(), &bus.Message{Topic: topic, ID: "1-0", Fields: stringify(fields)})
			assert.False(t, res.Stop)
			assert.Contains(t, res.Status, "invalid command received")
		})
	}

	assert.True(t, env.fake.Connected())
	assert.False(t, env.sm.Stopped())
	assert.False(t, env.fake.StreamLog().Enabled())
	assert.Empty(t, env.fake.Written())
}

type chanSource struct {
	msgs chan *bus.Message
	errs chan error
}

func (c chanSource) Messages() <-chan *bus.Message { return c.msgs }
func (c chanSource) Errors() <-chan error          { return c.errs }

func TestCommandLoop_ServeAfterErrorsClosed(t *testing.T) {
	env := newInterfaceEnv(t)
	src := chanSource{msgs: make(chan *bus.Message), errs: make(chan error, 1)}
	src.errs <- errors.New("READONLY replica")
	close(src.errs)

	readFailures := func() int {
		n := 0
		for _, e := range env.hook.AllEntries() {
			if e.Message == "Directive read failed" {
				n++
			}
		}
		return n
	}

	processed := make(chan *bus.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- env.loop.serve(context.Background(), env.client, src, func(_ context.Context, m *bus.Message) (Result, bool) {
			processed <- m
			return Result{}, false
		})
	}()

	eventually(t, func() bool { return readFailures() > 0 }, "read failure never logged")
	src.msgs <- &bus.Message{Topic: bus.TargetCommandTopic(testScope, "INST"), ID: "1-0"}
	close(src.msgs)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return after messages closed")
	}
	assert.Len(t, processed, 1)
	assert.Equal(t, 1, readFailures(), "a closed error channel must not be reported as failures")
	for _, e := range env.hook.AllEntries() {
		if e.Message == "Directive read failed" {
			assert.NotNil(t, e.Data[logrus.ErrorKey])
		}
	}
}

func TestCommandLoop_RunAcksAndStops(t *testing.T) {
	env := newInterfaceEnv(t)
	env.connect(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	assert.Equal(t, []string{
		"{DEFAULT__CMD}INTERFACE__INST_INT",
		"{DEFAULT__CMD}TARGET__INST",
	}, env.loop.Topics())

	done := make(chan error, 1)
	go func() { done <- env.loop.Run(ctx) }()

	// Give the subscription time to resolve its offsets.
	time.Sleep(50 * time.Millisecond)

	fields, err := EncodeDirective(noop())
	require.NoError(t, err)
	result, err := env.client.SendAndWait(ctx, bus.TargetCommandTopic(testScope, "INST"), fields, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, result)

	fields, err = EncodeDirective(Shutdown{})
	require.NoError(t, err)
	result, err = env.client.SendAndWait(ctx, bus.InterfaceDirectiveTopic(testScope, "INST_INT"), fields, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusShutdown, result)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop after shutdown")
	}
	assert.True(t, env.sm.Stopped())
	assert.False(t, env.fake.Connected())
}

func TestSettingsPolicy(t *testing.T) {
	client, _ := setupClient(t)
	log, _ := testLogger()
	p := NewSettingsPolicy(client, critical.PolicyNormal, log)
	ctx := context.Background()

	assert.Equal(t, critical.PolicyNormal, p.Policy(ctx))

	require.NoError(t, client.SetSetting(ctx, CriticalCommandingSetting, "all"))
	assert.Equal(t, critical.PolicyAll, p.Policy(ctx))

	require.NoError(t, client.SetSetting(ctx, CriticalCommandingSetting, "sometimes"))
	assert.Equal(t, critical.PolicyNormal, p.Policy(ctx))
}
