// Package adapter defines the contract every physical or logical connection
// implements and the shared bookkeeping (counters, targets, write lock, raw
// stream logs) that concrete adapters embed.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dyluth/groundlink/pkg/packet"
)

// State is the connection lifecycle state of an adapter.
type State int32

const (
	Disconnected State = iota
	Attempting
	Connected
)

// String returns the upper-case state name used in status records.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Attempting:
		return "ATTEMPTING"
	case Connected:
		return "CONNECTED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Direction selects which protocol stack a protocol command addresses.
type Direction int

const (
	DirectionRead Direction = iota
	DirectionWrite
	DirectionReadWrite
)

// ParseDirection accepts READ, WRITE or READ_WRITE (case-insensitive).
func ParseDirection(s string) (Direction, error) {
	switch strings.ToUpper(s) {
	case "READ":
		return DirectionRead, nil
	case "WRITE":
		return DirectionWrite, nil
	case "READ_WRITE", "":
		return DirectionReadWrite, nil
	default:
		return DirectionReadWrite, fmt.Errorf("unknown protocol direction %q", s)
	}
}

func (d Direction) String() string {
	switch d {
	case DirectionRead:
		return "READ"
	case DirectionWrite:
		return "WRITE"
	default:
		return "READ_WRITE"
	}
}

// ErrNotConnected is returned by Write and WriteRaw when the adapter has no
// live connection.
var ErrNotConnected = errors.New("not connected")

// WriteRejectError is returned when the adapter refuses a write for a reason
// the operator should see verbatim (for example a protocol-level NAK).
type WriteRejectError struct {
	Reason string
}

func (e *WriteRejectError) Error() string {
	return e.Reason
}

// Stats is a snapshot of the adapter's transfer counters.
type Stats struct {
	ReadCount    int64
	WriteCount   int64
	BytesRead    int64
	BytesWritten int64
	Clients      int
	TxQueueSize  int
	RxQueueSize  int
}

// ConnectionAdapter is a single physical or logical link to spacecraft,
// ground equipment or an external system.
//
// Read blocks until a packet is available. It returns (nil, nil) when the
// remote side closed the connection in an orderly way and an error for
// transport failures. Connect, Disconnect and adapter rebuilds are
// serialized by the caller; Write and WriteRaw are safe to call concurrently
// with Read.
type ConnectionAdapter interface {
	Name() string

	Connect(ctx context.Context) error
	PostConnect(ctx context.Context) error
	Disconnect() error
	Connected() bool

	Read(ctx context.Context) (*packet.Packet, error)
	Write(ctx context.Context, p *packet.Packet) error
	WriteRaw(ctx context.Context, data []byte) error

	ConnectionString() string
	Stats() Stats

	InterfaceCmd(name string, args ...string) error
	ProtocolCmd(name string, args []string, dir Direction, index int) error

	// Core exposes the shared bookkeeping (targets, counters, options,
	// raw stream logging) embedded by every adapter.
	Core() *Base
}

// Builder constructs a fresh adapter from construction parameters. Used to
// rebuild an adapter when a Connect directive carries new parameters.
type Builder func(params map[string]any) (ConnectionAdapter, error)

// DefaultReconnectDelay applies when settings do not specify one.
const DefaultReconnectDelay = 5 * time.Second
