// Package watch tails telemetry and command topics for operators.
package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dyluth/groundlink/pkg/bus"
)

// OutputFormat selects how events are written.
type OutputFormat string

const (
	OutputFormatDefault OutputFormat = "default"
	OutputFormatJSON    OutputFormat = "json"
)

// Source delivers topic messages; *bus.Subscription satisfies it.
type Source interface {
	Messages() <-chan *bus.Message
}

// Event is one packet seen on a topic.
type Event struct {
	Topic         string         `json:"topic"`
	Target        string         `json:"target_name"`
	Packet        string         `json:"packet_name"`
	ReceivedTime  time.Time      `json:"received_time"`
	ReceivedCount int64          `json:"received_count"`
	Stored        bool           `json:"stored"`
	Length        int            `json:"length"`
	Hex           string         `json:"hex"`
	Extra         map[string]any `json:"extra,omitempty"`
}

// hexLimit caps the bytes shown per packet in the default format.
const hexLimit = 32

// Topics returns the telemetry topics of target's packets, or its command
// log topics when commands is true.
func Topics(scope, target string, packets []string, commands bool) []string {
	topics := make([]string, 0, len(packets))
	for _, p := range packets {
		if commands {
			topics = append(topics, bus.CommandTopic(scope, target, p))
		} else {
			topics = append(topics, bus.TelemetryTopic(scope, target, p))
		}
	}
	sort.Strings(topics)
	return topics
}

// Stream writes every message from src to w until ctx is cancelled or src
// closes. Messages that are not packets are skipped.
func Stream(ctx context.Context, src Source, format OutputFormat, w io.Writer) error {
	enc := json.NewEncoder(w)
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-src.Messages():
			if !ok {
				return nil
			}
			ev, err := toEvent(m)
			if err != nil {
				fmt.Fprintf(w, "skipping %s %s: %v\n", m.Topic, m.ID, err)
				continue
			}
			if format == OutputFormatJSON {
				if err := enc.Encode(ev); err != nil {
					return fmt.Errorf("failed to write event: %w", err)
				}
				continue
			}
			if _, err := fmt.Fprintln(w, formatEvent(ev)); err != nil {
				return fmt.Errorf("failed to write event: %w", err)
			}
		}
	}
}

func toEvent(m *bus.Message) (*Event, error) {
	p, err := bus.FieldsToPacket(m)
	if err != nil {
		return nil, err
	}
	return &Event{
		Topic:         m.Topic,
		Target:        p.TargetName,
		Packet:        p.PacketName,
		ReceivedTime:  p.ReceivedTime,
		ReceivedCount: p.ReceivedCount,
		Stored:        p.Stored,
		Length:        len(p.Buffer),
		Hex:           strings.ToUpper(fmt.Sprintf("%x", p.Buffer)),
		Extra:         p.Extra,
	}, nil
}

// formatEvent renders one line:
// 12:00:01.250 INST HEALTH_STATUS #42 (3 bytes) 01AB02 user=alice
func formatEvent(ev *Event) string {
	var b strings.Builder
	if ev.ReceivedTime.IsZero() {
		b.WriteString("--:--:--.---")
	} else {
		b.WriteString(ev.ReceivedTime.Format("15:04:05.000"))
	}
	fmt.Fprintf(&b, " %s %s #%d (%d bytes) ", ev.Target, ev.Packet, ev.ReceivedCount, ev.Length)

	shown := ev.Hex
	if len(shown) > hexLimit*2 {
		shown = shown[:hexLimit*2] + "..."
	}
	b.WriteString(shown)

	if ev.Stored {
		b.WriteString(" [stored]")
	}
	if user, ok := ev.Extra["username"]; ok {
		fmt.Fprintf(&b, " user=%v", user)
	}
	if cmd, ok := ev.Extra["cmd_string"]; ok {
		fmt.Fprintf(&b, " %v", cmd)
	}
	return b.String()
}
