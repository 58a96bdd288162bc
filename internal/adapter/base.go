package adapter

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Settings are the adapter properties shared by every adapter kind.
type Settings struct {
	Name             string
	Targets          []string
	CmdTargets       []string
	TlmTargets       []string
	ConnectOnStartup bool
	AutoReconnect    bool
	ReconnectDelay   time.Duration
	ReadOnly         bool
	WriteOnly        bool
	DisableRaw       bool
	Options          map[string]string
	StreamLogDir     string
}

// Base carries the state every adapter shares. Concrete adapters embed it.
type Base struct {
	name             string
	targetNames      []string
	cmdTargetNames   []string
	tlmTargetNames   []string
	connectOnStartup bool
	autoReconnect    bool
	reconnectDelay   time.Duration
	readAllowed      bool
	writeAllowed     bool
	writeRawAllowed  bool

	optMu   sync.RWMutex
	options map[string]string

	readCount    atomic.Int64
	writeCount   atomic.Int64
	bytesRead    atomic.Int64
	bytesWritten atomic.Int64

	writeMu sync.Mutex

	streamLog *StreamLog

	protoMu        sync.RWMutex
	readProtocols  []Protocol
	writeProtocols []Protocol
}

// NewBase builds the shared state from settings. Command and telemetry
// target lists default to Targets when not given.
func NewBase(s Settings) *Base {
	b := &Base{
		name:             s.Name,
		targetNames:      append([]string(nil), s.Targets...),
		cmdTargetNames:   append([]string(nil), s.CmdTargets...),
		tlmTargetNames:   append([]string(nil), s.TlmTargets...),
		connectOnStartup: s.ConnectOnStartup,
		autoReconnect:    s.AutoReconnect,
		reconnectDelay:   s.ReconnectDelay,
		readAllowed:      !s.WriteOnly,
		writeAllowed:     !s.ReadOnly,
		writeRawAllowed:  !s.ReadOnly && !s.DisableRaw,
		options:          make(map[string]string, len(s.Options)),
		streamLog:        NewStreamLog(s.Name, s.StreamLogDir),
	}
	if len(b.cmdTargetNames) == 0 {
		b.cmdTargetNames = append([]string(nil), s.Targets...)
	}
	if len(b.tlmTargetNames) == 0 {
		b.tlmTargetNames = append([]string(nil), s.Targets...)
	}
	if b.reconnectDelay <= 0 {
		b.reconnectDelay = DefaultReconnectDelay
	}
	for k, v := range s.Options {
		b.options[k] = v
	}
	return b
}

// Core returns the shared bookkeeping of an adapter embedding b.
func (b *Base) Core() *Base { return b }

func (b *Base) Name() string                  { return b.name }
func (b *Base) TargetNames() []string         { return b.targetNames }
func (b *Base) CmdTargetNames() []string      { return b.cmdTargetNames }
func (b *Base) TlmTargetNames() []string      { return b.tlmTargetNames }
func (b *Base) ConnectOnStartup() bool        { return b.connectOnStartup }
func (b *Base) AutoReconnect() bool           { return b.autoReconnect }
func (b *Base) ReconnectDelay() time.Duration { return b.reconnectDelay }
func (b *Base) ReadAllowed() bool             { return b.readAllowed }
func (b *Base) WriteAllowed() bool            { return b.writeAllowed }
func (b *Base) WriteRawAllowed() bool         { return b.writeRawAllowed }

// SetAutoReconnect changes whether lost connections are re-attempted.
func (b *Base) SetAutoReconnect(v bool) { b.autoReconnect = v }

// SetReconnectDelay changes the wait between reconnect attempts.
func (b *Base) SetReconnectDelay(d time.Duration) { b.reconnectDelay = d }

// Option returns a named adapter option.
func (b *Base) Option(name string) (string, bool) {
	b.optMu.RLock()
	defer b.optMu.RUnlock()
	v, ok := b.options[name]
	return v, ok
}

// SetOption sets a named adapter option.
func (b *Base) SetOption(name, value string) {
	b.optMu.Lock()
	b.options[name] = value
	b.optMu.Unlock()
}

// OptionNames returns option names in sorted order.
func (b *Base) OptionNames() []string {
	b.optMu.RLock()
	defer b.optMu.RUnlock()
	names := make([]string, 0, len(b.options))
	for k := range b.options {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// RecordRead counts one received unit of data and mirrors it to the raw
// stream log when enabled.
func (b *Base) RecordRead(data []byte) {
	b.readCount.Add(1)
	b.bytesRead.Add(int64(len(data)))
	b.streamLog.WriteRead(data)
}

// RecordWrite counts one written unit of data and mirrors it to the raw
// stream log when enabled.
func (b *Base) RecordWrite(data []byte) {
	b.writeCount.Add(1)
	b.bytesWritten.Add(int64(len(data)))
	b.streamLog.WriteWrite(data)
}

// WithWriteLock runs fn while holding the adapter's write lock. All writes
// to the underlying transport go through here so bytes from two commands
// never interleave.
func (b *Base) WithWriteLock(fn func() error) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return fn()
}

// Stats returns a snapshot of the transfer counters.
func (b *Base) Stats() Stats {
	return Stats{
		ReadCount:    b.readCount.Load(),
		WriteCount:   b.writeCount.Load(),
		BytesRead:    b.bytesRead.Load(),
		BytesWritten: b.bytesWritten.Load(),
	}
}

// ClearCounters zeroes every transfer counter.
func (b *Base) ClearCounters() {
	b.readCount.Store(0)
	b.writeCount.Store(0)
	b.bytesRead.Store(0)
	b.bytesWritten.Store(0)
}

// InterfaceCmd handles adapter commands common to every adapter kind.
// Concrete adapters handle their own commands first and fall back here.
func (b *Base) InterfaceCmd(name string, args ...string) error {
	switch name {
	case "clear_counters":
		b.ClearCounters()
		return nil
	case "set_option":
		if len(args) != 2 {
			return fmt.Errorf("set_option expects 2 arguments, got %d", len(args))
		}
		b.SetOption(args[0], args[1])
		return nil
	default:
		return fmt.Errorf("unknown interface command %q", name)
	}
}

// StreamLog returns the raw stream log of this adapter.
func (b *Base) StreamLog() *StreamLog { return b.streamLog }

// StartRawLogging begins mirroring raw bytes to rotated files.
func (b *Base) StartRawLogging() error { return b.streamLog.Start() }

// StopRawLogging stops mirroring raw bytes.
func (b *Base) StopRawLogging() error { return b.streamLog.Stop() }

// CopyTo carries state that must survive an adapter rebuild into dst:
// transfer counters, options, reconnect settings and the raw stream log.
// Target lists are not copied; dst was built with its own.
func (b *Base) CopyTo(dst *Base) {
	dst.readCount.Store(b.readCount.Load())
	dst.writeCount.Store(b.writeCount.Load())
	dst.bytesRead.Store(b.bytesRead.Load())
	dst.bytesWritten.Store(b.bytesWritten.Load())
	dst.autoReconnect = b.autoReconnect
	dst.reconnectDelay = b.reconnectDelay
	dst.connectOnStartup = b.connectOnStartup

	b.optMu.RLock()
	for k, v := range b.options {
		dst.SetOption(k, v)
	}
	b.optMu.RUnlock()

	dst.streamLog = b.streamLog
}
