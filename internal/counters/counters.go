// Package counters keeps per-packet received counts consistent across every
// instance that receives the same packets.
//
// Counts live in Redis hashes (one per target, one field per packet). In
// strict mode every receipt is an HINCRBY and the packet carries the value
// Redis returned. In batched mode receipts are counted locally and a
// flusher periodically pushes the accumulated increments and reads every
// tracked counter back in one transaction; between flushes a packet's count
// may lag increments made by other instances but never goes backwards.
package counters

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/dyluth/groundlink/pkg/bus"
	"github.com/dyluth/groundlink/pkg/packet"
)

const (
	KindTelemetry = "TLMCNTS"
	KindCommand   = "CMDCNTS"
)

// DefaultDelay is the batched flush interval used when none is configured.
const DefaultDelay = time.Second

// Options configure a Sync.
type Options struct {
	Scope string
	// Kind selects the counter family, KindTelemetry or KindCommand.
	Kind string
	// Delay is the flush interval. Zero or negative selects strict mode.
	Delay time.Duration
	// ForceStrict selects strict mode regardless of Delay (cluster deployments).
	ForceStrict bool
}

type key struct {
	target string
	packet string
}

// Sync is the shared received-count store for one counter family.
type Sync struct {
	rdb    redis.Cmdable
	scope  string
	kind   string
	delay  time.Duration
	strict bool
	log    *logrus.Entry

	mu      sync.Mutex
	pending map[key]int64
	known   map[key]int64
}

// New returns a Sync. Kind defaults to KindTelemetry.
func New(rdb redis.Cmdable, opts Options, log *logrus.Entry) *Sync {
	if opts.Kind == "" {
		opts.Kind = KindTelemetry
	}
	return &Sync{
		rdb:     rdb,
		scope:   opts.Scope,
		kind:    opts.Kind,
		delay:   opts.Delay,
		strict:  opts.ForceStrict || opts.Delay <= 0,
		log:     log.WithField("counters", opts.Kind),
		pending: make(map[key]int64),
		known:   make(map[key]int64),
	}
}

// Strict reports whether every receipt goes straight to Redis.
func (s *Sync) Strict() bool { return s.strict }

// Delay returns the batched flush interval.
func (s *Sync) Delay() time.Duration { return s.delay }

func (s *Sync) hashKey(target string) string {
	return bus.PacketCountKey(s.scope, s.kind, target)
}

// RecordReceipt counts one receipt of p and stores the resulting count in
// p.ReceivedCount. On a Redis failure in strict mode the packet still gets
// a locally incremented count and the error is returned.
func (s *Sync) RecordReceipt(ctx context.Context, p *packet.Packet) (int64, error) {
	k := key{p.TargetName, p.PacketName}

	if s.strict {
		n, err := s.rdb.HIncrBy(ctx, s.hashKey(k.target), k.packet, 1).Result()
		s.mu.Lock()
		if err != nil {
			s.known[k]++
			n = s.known[k]
		} else if n > s.known[k] {
			s.known[k] = n
		}
		s.mu.Unlock()
		p.ReceivedCount = n
		if err != nil {
			return n, fmt.Errorf("failed to increment %s count: %w", p, err)
		}
		return n, nil
	}

	s.mu.Lock()
	s.pending[k]++
	s.known[k]++
	n := s.known[k]
	s.mu.Unlock()

	p.ReceivedCount = n
	return n, nil
}

// Count returns the local view of a packet's count.
func (s *Sync) Count(target, packetName string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.known[key{target, packetName}]
}

// Seed raises the count of a packet to at least count, locally and in
// Redis. Used at startup with the count of the newest published packet so
// counts survive a Redis flush or a first run against a fresh store.
func (s *Sync) Seed(ctx context.Context, target, packetName string, count int64) error {
	k := key{target, packetName}
	shared, err := s.rdb.HGet(ctx, s.hashKey(target), packetName).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to read %s %s count: %w", target, packetName, err)
	}
	if shared < count {
		if err := s.rdb.HIncrBy(ctx, s.hashKey(target), packetName, count-shared).Err(); err != nil {
			return fmt.Errorf("failed to seed %s %s count: %w", target, packetName, err)
		}
		shared = count
	}

	s.mu.Lock()
	if shared > s.known[k] {
		s.known[k] = shared
	}
	s.mu.Unlock()
	return nil
}

// Flush pushes pending increments and refreshes every tracked count in a
// single transaction. When it fails, the increments known not to have run
// are put back so the next flush retries them. An increment whose reply was
// lost in transit may or may not have been applied; it is dropped and logged
// rather than risk counting it twice.
func (s *Sync) Flush(ctx context.Context) error {
	if s.strict {
		return nil
	}

	s.mu.Lock()
	batch := s.pending
	s.pending = make(map[key]int64)
	tracked := make([]key, 0, len(s.known))
	for k := range s.known {
		tracked = append(tracked, k)
	}
	s.mu.Unlock()

	if len(tracked) == 0 {
		return nil
	}

	incrs := make(map[key]*redis.IntCmd, len(batch))
	gets := make(map[key]*redis.StringCmd, len(tracked))
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for k, n := range batch {
			incrs[k] = pipe.HIncrBy(ctx, s.hashKey(k.target), k.packet, n)
		}
		for _, k := range tracked {
			gets[k] = pipe.HGet(ctx, s.hashKey(k.target), k.packet)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		var lost int64
		s.mu.Lock()
		for k, n := range batch {
			switch incrOutcome(incrs[k]) {
			case outcomeNotApplied:
				s.pending[k] += n
			case outcomeUnknown:
				lost += n
			}
		}
		s.mu.Unlock()
		if lost > 0 {
			s.log.WithError(err).WithField("increments", lost).Error("Counter flush outcome unknown, increments dropped")
		}
		return fmt.Errorf("failed to flush %s counters: %w", s.kind, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, cmd := range gets {
		shared, err := strconv.ParseInt(cmd.Val(), 10, 64)
		if err != nil {
			continue
		}
		// Increments recorded while the transaction was in flight are not in
		// shared yet.
		if v := shared + s.pending[k]; v > s.known[k] {
			s.known[k] = v
		}
	}
	return nil
}

type outcome int

const (
	outcomeApplied outcome = iota
	outcomeNotApplied
	outcomeUnknown
)

// incrOutcome reads whether one queued HINCRBY ran from its reply. Pending
// increments are positive, so an applied one always returns a positive count.
func incrOutcome(cmd *redis.IntCmd) outcome {
	err := cmd.Err()
	var rerr redis.Error
	switch {
	case err == nil && cmd.Val() > 0:
		return outcomeApplied
	case err == nil:
		// No reply at all: the transaction never reached Redis.
		return outcomeNotApplied
	case errors.As(err, &rerr):
		// Redis refused the MULTI, the queued command or the EXEC.
		return outcomeNotApplied
	default:
		return outcomeUnknown
	}
}

// Run flushes every Delay until ctx is cancelled and once more afterwards.
// Returns immediately in strict mode.
func (s *Sync) Run(ctx context.Context) {
	if s.strict {
		return
	}
	ticker := time.NewTicker(s.delay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.Flush(flushCtx); err != nil {
				s.log.WithError(err).Error("Final counter flush failed")
			}
			cancel()
			return
		case <-ticker.C:
			if err := s.Flush(ctx); err != nil {
				s.log.WithError(err).Warn("Counter flush failed")
			}
		}
	}
}
