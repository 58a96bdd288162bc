package adapter

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// Protocol is a stage in an adapter's read or write path. Adapters consult
// their protocols when a ProtocolCmd directive arrives and reset them on
// every new connection.
type Protocol interface {
	Name() string
	// ProtocolCmd applies a named command and reports whether it was handled.
	ProtocolCmd(name string, args []string) (bool, error)
	Reset()
}

// AddProtocol appends p to the read stack, the write stack or both.
func (b *Base) AddProtocol(p Protocol, dir Direction) {
	b.protoMu.Lock()
	defer b.protoMu.Unlock()
	if dir == DirectionRead || dir == DirectionReadWrite {
		b.readProtocols = append(b.readProtocols, p)
	}
	if dir == DirectionWrite || dir == DirectionReadWrite {
		b.writeProtocols = append(b.writeProtocols, p)
	}
}

// ResetProtocols resets every protocol in both stacks.
func (b *Base) ResetProtocols() {
	b.protoMu.RLock()
	defer b.protoMu.RUnlock()
	for _, p := range b.readProtocols {
		p.Reset()
	}
	for _, p := range b.writeProtocols {
		p.Reset()
	}
}

// ProtocolCmd forwards a protocol command. With index >= 0 only the protocol
// at that position of the selected stack receives it; otherwise every
// protocol in the stack is offered the command. A command no protocol
// handles is an error.
func (b *Base) ProtocolCmd(name string, args []string, dir Direction, index int) error {
	b.protoMu.RLock()
	defer b.protoMu.RUnlock()

	var stacks [][]Protocol
	switch dir {
	case DirectionRead:
		stacks = [][]Protocol{b.readProtocols}
	case DirectionWrite:
		stacks = [][]Protocol{b.writeProtocols}
	default:
		stacks = [][]Protocol{b.readProtocols, b.writeProtocols}
	}

	handled := false
	for _, stack := range stacks {
		for i, p := range stack {
			if index >= 0 && i != index {
				continue
			}
			ok, err := p.ProtocolCmd(name, args)
			if err != nil {
				return fmt.Errorf("protocol %s: %w", p.Name(), err)
			}
			handled = handled || ok
		}
	}
	if !handled {
		return fmt.Errorf("no %s protocol handled %q", dir, name)
	}
	return nil
}

// Terminated frames a byte stream on a terminator sequence. Bytes are
// buffered until a terminator is seen; the terminator is stripped from the
// returned frame unless KeepTerminator is set.
type Terminated struct {
	terminator     []byte
	keepTerminator bool
	buf            []byte
}

// NewTerminated returns a framer splitting on terminator.
func NewTerminated(terminator []byte, keepTerminator bool) *Terminated {
	return &Terminated{terminator: terminator, keepTerminator: keepTerminator}
}

func (t *Terminated) Name() string { return "terminated" }

// Reset drops any partially received frame.
func (t *Terminated) Reset() { t.buf = nil }

// ProtocolCmd supports set_terminator HEX and keep_terminator true|false.
func (t *Terminated) ProtocolCmd(name string, args []string) (bool, error) {
	switch name {
	case "set_terminator":
		if len(args) != 1 {
			return true, fmt.Errorf("set_terminator expects 1 argument")
		}
		term, err := hex.DecodeString(args[0])
		if err != nil || len(term) == 0 {
			return true, fmt.Errorf("invalid terminator %q", args[0])
		}
		t.terminator = term
		return true, nil
	case "keep_terminator":
		if len(args) != 1 {
			return true, fmt.Errorf("keep_terminator expects 1 argument")
		}
		t.keepTerminator = args[0] == "true"
		return true, nil
	}
	return false, nil
}

// Feed appends data to the internal buffer.
func (t *Terminated) Feed(data []byte) {
	t.buf = append(t.buf, data...)
}

// Next returns the next complete frame, or nil if none is buffered.
func (t *Terminated) Next() []byte {
	i := bytes.Index(t.buf, t.terminator)
	if i < 0 {
		return nil
	}
	end := i
	if t.keepTerminator {
		end = i + len(t.terminator)
	}
	frame := make([]byte, end)
	copy(frame, t.buf[:end])
	t.buf = t.buf[i+len(t.terminator):]
	return frame
}

// Frame appends the terminator to an outgoing buffer.
func (t *Terminated) Frame(data []byte) []byte {
	out := make([]byte, 0, len(data)+len(t.terminator))
	out = append(out, data...)
	return append(out, t.terminator...)
}
