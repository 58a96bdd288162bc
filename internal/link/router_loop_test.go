package link

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/groundlink/internal/adapter"
	"github.com/dyluth/groundlink/pkg/bus"
	"github.com/dyluth/groundlink/pkg/packet"
)

type routerEnv struct {
	client *bus.Client
	fake   *fakeAdapter
	sm     *StateMachine
	loop   *RouterLoop
}

func newRouterEnv(t *testing.T) *routerEnv {
	t.Helper()
	client, _ := setupClient(t)
	log, _ := testLogger()
	fake := newFakeAdapter(adapter.Settings{Name: "BRIDGE", Targets: []string{"INST"}})
	sm := NewStateMachine(fake, WithLogger(log), WithStatusPublisher(NewRouterStatus(client)))
	loop := NewRouterLoop(sm, LoopConfig{
		Client:      client,
		Definitions: loadCatalog(t),
		Sink:        bus.NewPacketSink(client, testScope),
		Log:         log,
	})
	return &routerEnv{client: client, fake: fake, sm: sm, loop: loop}
}

func telemetryMessage(t *testing.T, p *packet.Packet) *bus.Message {
	t.Helper()
	fields, err := bus.PacketToFields(p)
	require.NoError(t, err)
	for k, v := range fields {
		switch x := v.(type) {
		case []byte:
			fields[k] = string(x)
		case int64:
			fields[k] = strconv.FormatInt(x, 10)
		}
	}
	return &bus.Message{Topic: bus.TelemetryTopic(testScope, p.TargetName, p.PacketName), ID: "1-0", Fields: fields}
}

func TestRouterLoop_Topics(t *testing.T) {
	env := newRouterEnv(t)
	assert.Equal(t, []string{
		"{DEFAULT__CMD}ROUTER__BRIDGE",
		"DEFAULT__TELEMETRY__{INST}__ADCS",
		"DEFAULT__TELEMETRY__{INST}__HEALTH_STATUS",
	}, env.loop.Topics())
}

func TestRouterLoop_WriteTelemetry(t *testing.T) {
	env := newRouterEnv(t)
	p := packet.New("INST", "HEALTH_STATUS", []byte{0x01, 0x02})
	p.ReceivedTime = time.Unix(100, 0)
	p.ReceivedCount = 7

	t.Run("dropped while disconnected", func(t *testing.T) {
		env.loop.WriteTelemetry(context.Background(), telemetryMessage(t, p))
		assert.Empty(t, env.fake.Written())
	})

	t.Run("written while connected", func(t *testing.T) {
		require.NoError(t, env.fake.Connect(context.Background()))
		env.loop.WriteTelemetry(context.Background(), telemetryMessage(t, p))
		assert.Equal(t, [][]byte{{0x01, 0x02}}, env.fake.Written())
	})
}

func TestRouterLoop_RejectsCommands(t *testing.T) {
	env := newRouterEnv(t)
	fields, err := EncodeDirective(noop())
	require.NoError(t, err)

	topic := bus.RouterDirectiveTopic(testScope, "BRIDGE")
	res := env.loop.Process(context.Background(), &bus.Message{Topic: topic, ID: "1-0", Fields: stringify(fields)})
	assert.Equal(t, errRouterCommand.Error(), res.Status)

	res = env.loop.Process(context.Background(), &bus.Message{Topic: topic, ID: "1-0", Fields: map[string]any{"router_cmd": `{"cmd_name":"clear_counters"}`}})
	assert.Equal(t, StatusSuccess, res.Status)
}

func TestForwarder(t *testing.T) {
	client, _ := setupClient(t)
	f := NewForwarder(client, "BRIDGE")

	require.NoError(t, f.ForwardCommand(context.Background(), packet.New("INST", "NOOP", []byte{0x10})))

	m, err := client.NewestMessage(context.Background(), bus.TargetCommandTopic(testScope, "INST"))
	require.NoError(t, err)
	d, err := ParseDirective(m)
	require.NoError(t, err)
	cmd, ok := d.(Command)
	require.True(t, ok)
	assert.Equal(t, []byte{0x10}, cmd.Buffer)
	assert.Equal(t, "BRIDGE", cmd.Username)
	assert.False(t, cmd.HazardousCheck, "forwarded commands must not be confirmed twice")
	assert.False(t, cmd.Manual)
}
