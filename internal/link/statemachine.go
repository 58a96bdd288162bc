package link

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dyluth/groundlink/internal/adapter"
	"github.com/dyluth/groundlink/pkg/bus"
	"github.com/dyluth/groundlink/pkg/packet"
)

const (
	defaultIdleInterval = time.Second
	statusInterval      = time.Second
	stopTimeout         = 5 * time.Second
)

// ErrStopped is returned by operations attempted after Stop.
var ErrStopped = errors.New("instance stopped")

// PacketHandler receives every packet read from the adapter.
type PacketHandler func(ctx context.Context, a adapter.ConnectionAdapter, p *packet.Packet) error

// StateObserver is called on every state transition. It runs with the
// state machine's lock held and must not call back into it.
type StateObserver func(name string, s adapter.State)

// Option configures a StateMachine.
type Option func(*StateMachine)

// WithBuilder enables rebuilding the adapter from Connect parameters.
func WithBuilder(b adapter.Builder) Option {
	return func(sm *StateMachine) { sm.build = b }
}

// WithPacketHandler sets the handler for packets read from the adapter.
func WithPacketHandler(h PacketHandler) Option {
	return func(sm *StateMachine) { sm.handler = h }
}

// WithStatusPublisher sets where status records are written.
func WithStatusPublisher(p StatusPublisher) Option {
	return func(sm *StateMachine) { sm.status = p }
}

// WithStateObserver adds a transition observer.
func WithStateObserver(o StateObserver) Option {
	return func(sm *StateMachine) { sm.observers = append(sm.observers, o) }
}

// WithMetrics records transitions and reads on m.
func WithMetrics(m *Metrics) Option {
	return func(sm *StateMachine) { sm.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *logrus.Entry) Option {
	return func(sm *StateMachine) { sm.log = l }
}

// WithIdleInterval sets how long the machine sleeps while disconnected or
// while polling a write-only adapter.
func WithIdleInterval(d time.Duration) Option {
	return func(sm *StateMachine) { sm.idle = d }
}

type adapterRef struct {
	adapter.ConnectionAdapter
}

// StateMachine owns the connection lifecycle of one adapter. Run drives
// DISCONNECTED, ATTEMPTING and CONNECTED; the ingestion loop requests
// transitions through Attempt, Disconnect and Stop.
//
// mu serializes connect, disconnect and adapter rebuilds. The adapter
// itself is published through an atomic so reads and writes never wait
// on a connect in progress.
type StateMachine struct {
	name string

	mu     sync.Mutex
	ref    atomic.Value
	state  atomic.Int32
	intent bool // guarded by mu; false after an explicit disconnect
	gen    atomic.Uint64

	ctx      context.Context
	cancel   context.CancelFunc
	canceled atomic.Bool
	stopOnce sync.Once

	build     adapter.Builder
	handler   PacketHandler
	status    StatusPublisher
	observers []StateObserver
	metrics   *Metrics
	idle      time.Duration
	log       *logrus.Entry

	dedup      errorDedup
	tlmCount   atomic.Int64
	cmdCount   atomic.Int64
	lastStatus atomic.Int64
}

// NewStateMachine returns a state machine for a. The initial state is
// ATTEMPTING when the adapter connects on startup, DISCONNECTED otherwise.
func NewStateMachine(a adapter.ConnectionAdapter, opts ...Option) *StateMachine {
	ctx, cancel := context.WithCancel(context.Background())
	sm := &StateMachine{
		name:   a.Name(),
		ctx:    ctx,
		cancel: cancel,
		status: nopStatus{},
		idle:   defaultIdleInterval,
		log:    logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, o := range opts {
		o(sm)
	}
	sm.ref.Store(adapterRef{a})
	if a.Core().ConnectOnStartup() {
		sm.intent = true
		sm.state.Store(int32(adapter.Attempting))
	} else {
		sm.state.Store(int32(adapter.Disconnected))
	}
	return sm
}

// Name returns the instance name.
func (sm *StateMachine) Name() string { return sm.name }

// Adapter returns the current adapter.
func (sm *StateMachine) Adapter() adapter.ConnectionAdapter {
	return sm.ref.Load().(adapterRef).ConnectionAdapter
}

// State returns the current state.
func (sm *StateMachine) State() adapter.State {
	return adapter.State(sm.state.Load())
}

// Connected reports whether the current adapter has a live connection.
func (sm *StateMachine) Connected() bool {
	return sm.Adapter().Connected()
}

// Context is cancelled when the machine stops.
func (sm *StateMachine) Context() context.Context { return sm.ctx }

// Stopped reports whether Stop has been called.
func (sm *StateMachine) Stopped() bool { return sm.canceled.Load() }

// RecordCommand counts a command written through the adapter.
func (sm *StateMachine) RecordCommand() {
	sm.cmdCount.Add(1)
	if sm.metrics != nil {
		sm.metrics.commands.WithLabelValues(sm.name).Inc()
	}
}

// Run drives the connection until ctx is cancelled or Stop is called. A
// panic is recovered, logged and returned as an error after a best-effort
// disconnect.
func (sm *StateMachine) Run(ctx context.Context) (err error) {
	go func() {
		select {
		case <-ctx.Done():
			sm.Stop()
		case <-sm.ctx.Done():
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			sm.log.WithFields(logrus.Fields{
				"fatal": true,
				"panic": r,
				"stack": string(debug.Stack()),
			}).Error("Connection loop crashed")
			sm.disconnectAfterPanic()
			err = fmt.Errorf("%s connection loop panic: %v", sm.name, r)
		}
	}()

	sm.notify(sm.State())
	for sm.ctx.Err() == nil {
		switch sm.State() {
		case adapter.Disconnected:
			sm.sleep(sm.idle)
		case adapter.Attempting:
			sm.attemptConnect()
		case adapter.Connected:
			sm.readOnce()
		}
	}
	return nil
}

// disconnectAfterPanic is the best-effort disconnect of a crashed loop. A
// second panic from the adapter is logged and dropped.
func (sm *StateMachine) disconnectAfterPanic() {
	defer func() {
		if r := recover(); r != nil {
			sm.log.WithField("panic", r).Warn("Disconnect after crash failed")
		}
	}()
	sm.Disconnect(false)
}

func (sm *StateMachine) attemptConnect() {
	a, gen, attempted, err := sm.connect()
	if !attempted {
		return
	}
	if err == nil {
		sm.log.WithField("connection", a.ConnectionString()).Info("Connection success")
		sm.publishStatus()
		return
	}

	sm.handleError(err, "Connection failed")
	if sm.gen.Load() == gen {
		sm.Disconnect(true)
	}
}

// connect runs Connect and PostConnect under mu. attempted is false when
// the machine left ATTEMPTING before the lock was taken.
func (sm *StateMachine) connect() (a adapter.ConnectionAdapter, gen uint64, attempted bool, err error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.State() != adapter.Attempting || sm.canceled.Load() {
		return nil, 0, false, nil
	}
	a = sm.Adapter()
	gen = sm.gen.Load()

	err = a.Connect(sm.ctx)
	if err == nil {
		err = a.PostConnect(sm.ctx)
	}
	if err == nil {
		sm.dedup.reset()
		sm.setState(adapter.Connected)
	}
	return a, gen, true, err
}

func (sm *StateMachine) readOnce() {
	a := sm.Adapter()
	gen := sm.gen.Load()

	if !a.Core().ReadAllowed() {
		if !sm.sleep(sm.idle) {
			return
		}
		if !a.Connected() && sm.gen.Load() == gen && sm.State() == adapter.Connected {
			sm.log.Info("Connection lost")
			sm.Disconnect(true)
		}
		sm.maybePublishStatus()
		return
	}

	p, err := a.Read(sm.ctx)
	if sm.ctx.Err() != nil {
		return
	}
	// A directive disconnected or replaced the adapter while the read was
	// blocked; the directive already set the state.
	if sm.gen.Load() != gen || sm.Adapter() != a {
		return
	}
	if err != nil {
		sm.handleError(err, "Read failed")
		sm.Disconnect(true)
		return
	}
	if p == nil {
		sm.log.Info("Connection lost")
		sm.Disconnect(true)
		return
	}

	sm.tlmCount.Add(1)
	if sm.metrics != nil {
		sm.metrics.telemetry.WithLabelValues(sm.name).Inc()
	}
	if sm.handler != nil {
		if err := sm.handler(sm.ctx, a, p); err != nil && sm.ctx.Err() == nil {
			sm.log.WithError(err).Error("Failed to handle packet")
		}
	}
	sm.maybePublishStatus()
}

func (sm *StateMachine) handleError(err error, msg string) {
	switch classify(err) {
	case classCanceled:
		return
	case classTransient:
		sm.log.WithError(err).Info(msg)
	default:
		if sm.dedup.first(err.Error()) {
			sm.log.WithError(err).WithField("error_type", fmt.Sprintf("%T", err)).Error(msg)
		}
	}
}

// Attempt starts connecting. With params the adapter is rebuilt first and
// the old adapter's counters, options and stream log carry over; without
// params a connected adapter is dropped and reconnected.
func (sm *StateMachine) Attempt(params map[string]any) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.canceled.Load() {
		return ErrStopped
	}

	old := sm.Adapter()
	if len(params) > 0 {
		if sm.build == nil {
			return fmt.Errorf("%s does not support connect parameters", sm.name)
		}
		next, err := sm.build(params)
		if err != nil {
			return fmt.Errorf("failed to rebuild %s: %w", sm.name, err)
		}
		if err := old.Disconnect(); err != nil {
			sm.log.WithError(err).Warn("Failed to disconnect replaced adapter")
		}
		old.Core().CopyTo(next.Core())
		sm.ref.Store(adapterRef{next})
		sm.log.WithField("connection", next.ConnectionString()).Info("Adapter rebuilt")
	} else if old.Connected() {
		if err := old.Disconnect(); err != nil {
			sm.log.WithError(err).Warn("Failed to disconnect before reconnecting")
		}
	}

	sm.intent = true
	sm.gen.Add(1)
	sm.setState(adapter.Attempting)
	return nil
}

// Disconnect drops the connection. With allowReconnect false the drop is
// an operator request: automatic reconnects stop until the next Attempt.
// With allowReconnect true and auto-reconnect enabled, Disconnect waits
// the reconnect delay and moves back to ATTEMPTING. Calling it while
// already disconnected does nothing.
func (sm *StateMachine) Disconnect(allowReconnect bool) {
	reconnect, gen, delay, changed := sm.drop(allowReconnect)
	if !changed {
		return
	}

	sm.publishStatus()
	if !reconnect {
		return
	}
	if !sm.sleep(delay) {
		return
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.gen.Load() == gen && sm.intent && !sm.canceled.Load() && sm.State() == adapter.Disconnected {
		sm.setState(adapter.Attempting)
	}
}

// drop disconnects the adapter under mu and reports whether a reconnect
// should follow. changed is false when there was nothing to disconnect.
func (sm *StateMachine) drop(allowReconnect bool) (reconnect bool, gen uint64, delay time.Duration, changed bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if !allowReconnect {
		sm.intent = false
		sm.gen.Add(1)
	}
	a := sm.Adapter()
	if sm.State() == adapter.Disconnected && !a.Connected() {
		return false, 0, 0, false
	}
	if err := a.Disconnect(); err != nil {
		sm.log.WithError(err).Warn("Adapter disconnect failed")
	}
	sm.setState(adapter.Disconnected)

	reconnect = allowReconnect && sm.intent && a.Core().AutoReconnect() && !sm.canceled.Load()
	return reconnect, sm.gen.Load(), a.Core().ReconnectDelay(), true
}

// Stop ends the machine: Run returns, the adapter is disconnected and the
// status record deleted. The context is cancelled before the lock is taken
// so a connect blocked under the lock is interrupted.
func (sm *StateMachine) Stop() {
	sm.stopOnce.Do(func() {
		sm.canceled.Store(true)
		sm.cancel()

		sm.mu.Lock()
		defer sm.mu.Unlock()
		if err := sm.Adapter().Disconnect(); err != nil {
			sm.log.WithError(err).Warn("Adapter disconnect failed during stop")
		}
		sm.setState(adapter.Disconnected)

		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if err := sm.status.ClearStatus(ctx, sm.name); err != nil {
			sm.log.WithError(err).Warn("Failed to clear status")
		}
	})
}

// Status returns the current status record.
func (sm *StateMachine) Status() *bus.Status {
	a := sm.Adapter()
	st := a.Stats()
	return &bus.Status{
		Name:             sm.name,
		State:            sm.State().String(),
		ConnectionString: a.ConnectionString(),
		Clients:          st.Clients,
		TxQueueSize:      st.TxQueueSize,
		RxQueueSize:      st.RxQueueSize,
		BytesWritten:     st.BytesWritten,
		BytesRead:        st.BytesRead,
		WriteCount:       st.WriteCount,
		ReadCount:        st.ReadCount,
		CmdCount:         sm.cmdCount.Load(),
		TlmCount:         sm.tlmCount.Load(),
		UpdatedAt:        time.Now().UnixNano(),
	}
}

// PublishStatus writes the status record now.
func (sm *StateMachine) PublishStatus() { sm.publishStatus() }

func (sm *StateMachine) publishStatus() {
	if sm.canceled.Load() {
		return
	}
	sm.lastStatus.Store(time.Now().UnixNano())
	if err := sm.status.PublishStatus(sm.ctx, sm.Status()); err != nil && sm.ctx.Err() == nil {
		sm.log.WithError(err).Warn("Failed to publish status")
	}
}

func (sm *StateMachine) maybePublishStatus() {
	if time.Since(time.Unix(0, sm.lastStatus.Load())) >= statusInterval {
		sm.publishStatus()
	}
}

// setState must be called with mu held.
func (sm *StateMachine) setState(s adapter.State) {
	if adapter.State(sm.state.Swap(int32(s))) == s {
		return
	}
	sm.notify(s)
}

func (sm *StateMachine) notify(s adapter.State) {
	if sm.metrics != nil {
		sm.metrics.state.WithLabelValues(sm.name).Set(float64(s))
	}
	for _, o := range sm.observers {
		o(sm.name, s)
	}
}

// sleep waits d or until the machine stops. Returns false when stopped.
func (sm *StateMachine) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-sm.ctx.Done():
		return false
	}
}
