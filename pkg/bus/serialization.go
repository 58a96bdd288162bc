package bus

import (
	"fmt"
	"strconv"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/dyluth/groundlink/pkg/packet"
)

// PacketToFields converts a packet into the field map written to a
// telemetry or command topic. Times are unix nanoseconds; Extra is msgpack
// encoded so arbitrary parameter types survive the round trip.
func PacketToFields(p *packet.Packet) (map[string]any, error) {
	fields := map[string]any{
		"target_name":    p.TargetName,
		"packet_name":    p.PacketName,
		"received_count": p.ReceivedCount,
		"stored":         strconv.FormatBool(p.Stored),
		"buffer":         p.Buffer,
	}

	if !p.ReceivedTime.IsZero() {
		fields["time"] = p.ReceivedTime.UnixNano()
		fields["received_time"] = p.ReceivedTime.UnixNano()
	}

	if len(p.Extra) > 0 {
		extra, err := msgpack.Marshal(p.Extra)
		if err != nil {
			return nil, fmt.Errorf("failed to encode packet extra: %w", err)
		}
		fields["extra"] = extra
	}

	return fields, nil
}

// FieldsToPacket rebuilds a packet from a topic message written by PacketToFields.
func FieldsToPacket(m *Message) (*packet.Packet, error) {
	p := packet.New(m.String("target_name"), m.String("packet_name"), []byte(m.String("buffer")))
	p.Stored = m.Bool("stored", false)

	if s := m.String("received_count"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid received_count %q: %w", s, err)
		}
		p.ReceivedCount = n
	}

	if s := m.String("received_time"); s != "" {
		ns, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid received_time %q: %w", s, err)
		}
		p.ReceivedTime = time.Unix(0, ns)
	}

	if s := m.String("extra"); s != "" {
		var extra map[string]any
		if err := msgpack.Unmarshal([]byte(s), &extra); err != nil {
			return nil, fmt.Errorf("failed to decode packet extra: %w", err)
		}
		p.Extra = extra
	}

	return p, nil
}
