package link

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/groundlink/internal/adapter"
	"github.com/dyluth/groundlink/internal/counters"
	"github.com/dyluth/groundlink/internal/critical"
	"github.com/dyluth/groundlink/internal/definitions"
	"github.com/dyluth/groundlink/internal/routing"
	"github.com/dyluth/groundlink/pkg/bus"
	"github.com/dyluth/groundlink/pkg/packet"
)

const testScope = "DEFAULT"

// fakeAdapter is a scriptable adapter: connect failures are consumed in
// order, reads come from a channel and writes are recorded.
type fakeAdapter struct {
	*adapter.Base

	mu          sync.Mutex
	connected   bool
	connects    int
	disconnects int
	connectErrs []error
	closed      chan struct{}
	written     [][]byte
	writeErr    error

	reads chan *packet.Packet
}

func newFakeAdapter(s adapter.Settings) *fakeAdapter {
	if s.Name == "" {
		s.Name = "INST_INT"
	}
	if s.Targets == nil {
		s.Targets = []string{"INST"}
	}
	return &fakeAdapter{
		Base:  adapter.NewBase(s),
		reads: make(chan *packet.Packet, 16),
	}
}

func (f *fakeAdapter) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		return err
	}
	f.connected = true
	f.closed = make(chan struct{})
	return nil
}

func (f *fakeAdapter) PostConnect(context.Context) error { return nil }

func (f *fakeAdapter) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connected {
		f.disconnects++
		f.connected = false
		close(f.closed)
	}
	return nil
}

func (f *fakeAdapter) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeAdapter) Read(ctx context.Context) (*packet.Packet, error) {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed == nil {
		return nil, adapter.ErrNotConnected
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-closed:
		return nil, nil
	case p := <-f.reads:
		if p == nil {
			// Remote close.
			f.Disconnect()
			return nil, nil
		}
		f.RecordRead(p.Buffer)
		return p, nil
	}
}

func (f *fakeAdapter) Write(ctx context.Context, p *packet.Packet) error {
	return f.WriteRaw(ctx, p.Buffer)
}

func (f *fakeAdapter) WriteRaw(_ context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return adapter.ErrNotConnected
	}
	if f.writeErr != nil {
		return f.writeErr
	}
	f.written = append(f.written, append([]byte(nil), data...))
	f.RecordWrite(data)
	return nil
}

func (f *fakeAdapter) ConnectionString() string { return "fake://" + f.Name() }

func (f *fakeAdapter) Written() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.written...)
}

func (f *fakeAdapter) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeAdapter) Disconnects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

func loadCatalog(t *testing.T) *definitions.Catalog {
	t.Helper()
	cat, err := definitions.LoadCatalog("../definitions/testdata/catalog.yaml")
	require.NoError(t, err)
	return cat
}

func setupClient(t *testing.T) (*bus.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := bus.NewClient(&redis.Options{Addr: mr.Addr()}, testScope)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func testLogger() (*logrus.Entry, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return logrus.NewEntry(logger), hook
}

// recorder collects state transitions.
type recorder struct {
	mu     sync.Mutex
	states []adapter.State
}

func (r *recorder) observe(_ string, s adapter.State) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []adapter.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]adapter.State(nil), r.states...)
}

// interfaceEnv is a command loop over a fake adapter and miniredis.
type interfaceEnv struct {
	client *bus.Client
	mr     *miniredis.Miniredis
	fake   *fakeAdapter
	sm     *StateMachine
	loop   *CommandLoop
	ledger *critical.RedisLedger
	defs   definitions.Definitions
	hook   *test.Hook
}

type envOption func(*LoopConfig)

func withPolicy(p critical.Policy) envOption {
	return func(c *LoopConfig) { c.Policy = StaticPolicy(p) }
}

func withDefinitions(d definitions.Definitions) envOption {
	return func(c *LoopConfig) { c.Definitions = d }
}

func newInterfaceEnv(t *testing.T, opts ...envOption) *interfaceEnv {
	t.Helper()
	client, mr := setupClient(t)
	log, hook := testLogger()
	fake := newFakeAdapter(adapter.Settings{Name: "INST_INT", StreamLogDir: t.TempDir()})
	sm := NewStateMachine(fake, WithLogger(log), WithStatusPublisher(NewInterfaceStatus(client)), WithIdleInterval(10*time.Millisecond))

	sink := bus.NewPacketSink(client, testScope)
	ledger := critical.NewRedisLedger(client.Redis(), testScope)
	cat := loadCatalog(t)
	cfg := LoopConfig{
		Client:      client,
		Definitions: cat,
		Sink:        sink,
		CmdCounter:  counters.New(client.Redis(), counters.Options{Scope: testScope, Kind: counters.KindCommand}, log),
		Ledger:      ledger,
		Log:         log,
	}
	for _, o := range opts {
		o(&cfg)
	}
	cfg.Telemetry = routing.New(cfg.Definitions, sink,
		counters.New(client.Redis(), counters.Options{Scope: testScope}, log), log)

	return &interfaceEnv{
		client: client,
		mr:     mr,
		fake:   fake,
		sm:     sm,
		loop:   NewCommandLoop(sm, cfg),
		ledger: ledger,
		defs:   cfg.Definitions,
		hook:   hook,
	}
}

func (e *interfaceEnv) connect(t *testing.T) {
	t.Helper()
	require.NoError(t, e.fake.Connect(context.Background()))
}

// process runs one directive through the loop.
func (e *interfaceEnv) process(t *testing.T, d Directive) Result {
	t.Helper()
	fields, err := EncodeDirective(d)
	require.NoError(t, err)
	return e.loop.Process(context.Background(), &bus.Message{
		Topic:  bus.InterfaceDirectiveTopic(testScope, "INST_INT"),
		ID:     "1-0",
		Fields: stringify(fields),
	})
}

// stringify mimics the value types Redis hands back.
func stringify(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		switch t := v.(type) {
		case []byte:
			out[k] = string(t)
		default:
			out[k] = v
		}
	}
	return out
}

func (e *interfaceEnv) topicLen(t *testing.T, topic string) int {
	t.Helper()
	n, err := e.client.Redis().XLen(context.Background(), topic).Result()
	require.NoError(t, err)
	return int(n)
}

// scriptedValidator returns fixed outcomes.
type scriptedValidator struct {
	pre, post       definitions.ValidationResult
	preMsg, postMsg string
}

func (v scriptedValidator) PreCheck(context.Context, *packet.Packet) (definitions.ValidationResult, string) {
	return v.pre, v.preMsg
}

func (v scriptedValidator) PostCheck(context.Context, *packet.Packet) (definitions.ValidationResult, string) {
	return v.post, v.postMsg
}

// validatingDefinitions attaches a scripted validator to every command.
type validatingDefinitions struct {
	*definitions.Catalog
	v definitions.Validator
}

func (d validatingDefinitions) Validator(*packet.Packet) definitions.Validator { return d.v }

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}
