// Package packet defines the unit of data that flows between a connection
// adapter, the definitions service and the message bus.
package packet

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Unknown is the reserved target and packet name for data that could not be
// identified against any definition.
const Unknown = "UNKNOWN"

// Packet is a buffer of bytes plus the identity and receipt metadata that the
// router attaches to it. A Packet with an empty PacketName is unidentified.
type Packet struct {
	TargetName    string
	PacketName    string
	Buffer        []byte
	ReceivedTime  time.Time
	ReceivedCount int64

	// Stored marks data replayed from an archive rather than received live.
	// Stored packets are identified and published but must not be treated as
	// the current value of the packet.
	Stored bool

	// Extra carries free-form metadata (command parameters, user name, ...).
	Extra map[string]any
}

// New returns a packet with the given identity and buffer.
func New(targetName, packetName string, buffer []byte) *Packet {
	return &Packet{
		TargetName: targetName,
		PacketName: packetName,
		Buffer:     buffer,
	}
}

// NewUnknown wraps raw bytes in a packet carrying the UNKNOWN/UNKNOWN identity.
func NewUnknown(buffer []byte) *Packet {
	return New(Unknown, Unknown, buffer)
}

// Identified reports whether the packet carries a target and packet name.
func (p *Packet) Identified() bool {
	return p.TargetName != "" && p.PacketName != ""
}

// IsUnknown reports whether the packet was tagged with the UNKNOWN identity.
func (p *Packet) IsUnknown() bool {
	return p.TargetName == Unknown && p.PacketName == Unknown
}

// ClearIdentity removes target and packet name so the packet can be
// re-identified from its buffer.
func (p *Packet) ClearIdentity() {
	p.TargetName = ""
	p.PacketName = ""
}

// Length returns the buffer length in bytes.
func (p *Packet) Length() int {
	return len(p.Buffer)
}

// Clone returns a deep copy of the packet. The buffer and the top level of
// Extra are copied so the clone can be mutated independently.
func (p *Packet) Clone() *Packet {
	c := *p
	if p.Buffer != nil {
		c.Buffer = make([]byte, len(p.Buffer))
		copy(c.Buffer, p.Buffer)
	}
	if p.Extra != nil {
		c.Extra = make(map[string]any, len(p.Extra))
		for k, v := range p.Extra {
			c.Extra[k] = v
		}
	}
	return &c
}

// SetExtra stores a metadata value, allocating Extra on first use.
func (p *Packet) SetExtra(key string, value any) {
	if p.Extra == nil {
		p.Extra = make(map[string]any)
	}
	p.Extra[key] = value
}

// HexPrefix returns the first n bytes of the buffer as an upper-case hex string.
func (p *Packet) HexPrefix(n int) string {
	if n > len(p.Buffer) {
		n = len(p.Buffer)
	}
	return strings.ToUpper(hex.EncodeToString(p.Buffer[:n]))
}

// String returns "TARGET PACKET" or "unidentified" for log lines.
func (p *Packet) String() string {
	if !p.Identified() {
		return fmt.Sprintf("unidentified (%d bytes)", len(p.Buffer))
	}
	return p.TargetName + " " + p.PacketName
}
