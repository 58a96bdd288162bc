package adapter

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/dyluth/groundlink/pkg/packet"
)

// KindSimulated is the registry name of the simulated adapter.
const KindSimulated = "simulated"

// SimulatedParams configure a simulated link that needs no hardware.
type SimulatedParams struct {
	// Rate is the period between generated telemetry packets.
	Rate time.Duration `mapstructure:"rate"`
	// Packets are hex payloads emitted in turn, one per Rate.
	Packets []string `mapstructure:"packets"`
	// Echo loops every written buffer back as received data.
	Echo bool `mapstructure:"echo"`
	// FailConnects makes the first N connection attempts fail with
	// ECONNREFUSED, to exercise reconnect handling.
	FailConnects int `mapstructure:"fail_connects"`
}

// Simulated is an in-process adapter generating telemetry on a timer.
type Simulated struct {
	*Base
	params   SimulatedParams
	payloads [][]byte

	mu           sync.Mutex
	connected    bool
	closed       chan struct{}
	echo         chan []byte
	next         int
	failuresLeft int
	written      [][]byte
}

var _ ConnectionAdapter = (*Simulated)(nil)

// NewSimulated validates params and returns a disconnected simulated adapter.
func NewSimulated(settings Settings, params SimulatedParams) (*Simulated, error) {
	if params.Rate <= 0 {
		params.Rate = time.Second
	}
	payloads := make([][]byte, 0, len(params.Packets))
	for _, h := range params.Packets {
		b, err := hex.DecodeString(h)
		if err != nil {
			return nil, fmt.Errorf("simulated: invalid packet payload %q: %w", h, err)
		}
		payloads = append(payloads, b)
	}
	return &Simulated{
		Base:         NewBase(settings),
		params:       params,
		payloads:     payloads,
		failuresLeft: params.FailConnects,
	}, nil
}

// Connect opens the simulated link unless a configured failure remains.
func (s *Simulated) Connect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failuresLeft > 0 {
		s.failuresLeft--
		return fmt.Errorf("simulated: connect: %w", syscall.ECONNREFUSED)
	}
	s.connected = true
	s.closed = make(chan struct{})
	s.echo = make(chan []byte, 64)
	return nil
}

func (s *Simulated) PostConnect(context.Context) error { return nil }

// Disconnect closes the link and wakes a blocked Read.
func (s *Simulated) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil
	}
	s.connected = false
	close(s.closed)
	return nil
}

func (s *Simulated) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Read returns echoed data first, then the next generated payload once Rate
// elapses. A disconnect while waiting yields (nil, nil).
func (s *Simulated) Read(ctx context.Context) (*packet.Packet, error) {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return nil, ErrNotConnected
	}
	closed, echo := s.closed, s.echo
	s.mu.Unlock()

	var tick <-chan time.Time
	if len(s.payloads) > 0 {
		timer := time.NewTimer(s.params.Rate)
		defer timer.Stop()
		tick = timer.C
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-closed:
		return nil, nil
	case data := <-echo:
		return s.received(data), nil
	case <-tick:
		s.mu.Lock()
		data := s.payloads[s.next%len(s.payloads)]
		s.next++
		s.mu.Unlock()
		return s.received(append([]byte(nil), data...)), nil
	}
}

func (s *Simulated) received(data []byte) *packet.Packet {
	s.RecordRead(data)
	p := packet.New("", "", data)
	p.ReceivedTime = time.Now()
	return p
}

func (s *Simulated) Write(ctx context.Context, p *packet.Packet) error {
	return s.WriteRaw(ctx, p.Buffer)
}

// WriteRaw records the bytes and echoes them when configured.
func (s *Simulated) WriteRaw(_ context.Context, data []byte) error {
	return s.WithWriteLock(func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.connected {
			return ErrNotConnected
		}
		buf := append([]byte(nil), data...)
		s.written = append(s.written, buf)
		if s.params.Echo {
			select {
			case s.echo <- buf:
			default:
				return &WriteRejectError{Reason: "simulated echo queue full"}
			}
		}
		s.RecordWrite(buf)
		return nil
	})
}

// Written returns every buffer written since construction.
func (s *Simulated) Written() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.written))
	copy(out, s.written)
	return out
}

func (s *Simulated) ConnectionString() string {
	return fmt.Sprintf("simulated://%s (rate %s)", s.Name(), s.params.Rate)
}

// Stats adds the echo queue depth to the base counters.
func (s *Simulated) Stats() Stats {
	st := s.Base.Stats()
	s.mu.Lock()
	if s.connected {
		st.Clients = 1
		st.RxQueueSize = len(s.echo)
	}
	s.mu.Unlock()
	return st
}
