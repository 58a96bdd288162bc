package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dyluth/groundlink/pkg/packet"
)

// TopicWriter appends entries to stream topics. Implemented by *Client and
// *QueuedWriter.
type TopicWriter interface {
	WriteTopic(ctx context.Context, topic string, fields map[string]any) (string, error)
}

// QueuedWriter buffers topic writes and flushes them in one pipeline per
// interval. It trades per-write latency for throughput; ids are not known
// at write time so WriteTopic always returns "".
type QueuedWriter struct {
	client   *Client
	interval time.Duration
	log      *logrus.Entry

	mu      sync.Mutex
	pending []queuedEntry
}

type queuedEntry struct {
	topic  string
	fields map[string]any
}

// NewQueuedWriter returns a writer that flushes every interval once Run is started.
func NewQueuedWriter(client *Client, interval time.Duration, log *logrus.Entry) *QueuedWriter {
	return &QueuedWriter{
		client:   client,
		interval: interval,
		log:      log,
	}
}

// WriteTopic queues an entry for the next flush.
func (q *QueuedWriter) WriteTopic(_ context.Context, topic string, fields map[string]any) (string, error) {
	q.mu.Lock()
	q.pending = append(q.pending, queuedEntry{topic: topic, fields: fields})
	q.mu.Unlock()
	return "", nil
}

// Pending returns the number of queued entries.
func (q *QueuedWriter) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Run flushes on every tick until ctx is cancelled, then flushes once more
// with a fresh context so nothing queued is lost on shutdown.
func (q *QueuedWriter) Run(ctx context.Context) {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := q.Flush(flushCtx); err != nil {
				q.log.WithError(err).Error("Final flush of queued topic writes failed")
			}
			cancel()
			return
		case <-ticker.C:
			if err := q.Flush(ctx); err != nil {
				q.log.WithError(err).Warn("Flush of queued topic writes failed")
			}
		}
	}
}

// Flush writes every queued entry in a single pipeline.
func (q *QueuedWriter) Flush(ctx context.Context) error {
	q.mu.Lock()
	batch := q.pending
	q.pending = nil
	q.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	pipe := q.client.rdb.Pipeline()
	for _, e := range batch {
		pipe.XAdd(ctx, q.client.xaddArgs(e.topic, e.fields))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to flush %d queued writes: %w", len(batch), err)
	}
	return nil
}

// PacketSink publishes packets onto the scope's telemetry and command topics.
type PacketSink struct {
	w     TopicWriter
	scope string
}

// NewPacketSink returns a sink writing through w.
func NewPacketSink(w TopicWriter, scope string) *PacketSink {
	return &PacketSink{w: w, scope: scope}
}

// PublishTelemetry writes an identified (or UNKNOWN) telemetry packet.
func (s *PacketSink) PublishTelemetry(ctx context.Context, p *packet.Packet) error {
	return s.publish(ctx, TelemetryTopic(s.scope, p.TargetName, p.PacketName), p)
}

// PublishCommand writes a command packet to the command log topic.
func (s *PacketSink) PublishCommand(ctx context.Context, p *packet.Packet) error {
	return s.publish(ctx, CommandTopic(s.scope, p.TargetName, p.PacketName), p)
}

// PublishDecomCommand writes the parameter view of a command packet.
func (s *PacketSink) PublishDecomCommand(ctx context.Context, p *packet.Packet) error {
	return s.publish(ctx, DecomCommandTopic(s.scope, p.TargetName, p.PacketName), p)
}

func (s *PacketSink) publish(ctx context.Context, topic string, p *packet.Packet) error {
	fields, err := PacketToFields(p)
	if err != nil {
		return err
	}
	if _, err := s.w.WriteTopic(ctx, topic, fields); err != nil {
		return err
	}
	return nil
}
