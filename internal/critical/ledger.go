package critical

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/dyluth/groundlink/pkg/bus"
)

// RetentionPeriod is how long a parked command may wait for approval before
// it is pruned.
const RetentionPeriod = 24 * time.Hour

// ErrNotFound is returned when no pending command has the requested id.
var ErrNotFound = errors.New("critical command not found")

// PendingCommand is a command parked until a second operator approves it.
// Payload is the original command message, kept verbatim so the release
// replays exactly what was requested.
type PendingCommand struct {
	ID        string         `msgpack:"id" json:"id"`
	Type      Classification `msgpack:"type" json:"type"`
	Interface string         `msgpack:"interface" json:"interface"`
	Requester string         `msgpack:"requester" json:"requester"`
	Command   string         `msgpack:"command" json:"command"`
	Payload   map[string]any `msgpack:"payload" json:"payload"`
	CreatedAt time.Time      `msgpack:"created_at" json:"created_at"`
}

// Ledger stores pending critical commands.
type Ledger interface {
	// Create assigns an id when empty, stamps CreatedAt when zero and stores pc.
	Create(ctx context.Context, pc *PendingCommand) error
	Get(ctx context.Context, id string) (*PendingCommand, error)
	// Take removes and returns a pending command. Of several concurrent
	// callers for the same id exactly one succeeds.
	Take(ctx context.Context, id string) (*PendingCommand, error)
	Delete(ctx context.Context, id string) error
	// List returns pending commands, oldest first.
	List(ctx context.Context) ([]*PendingCommand, error)
	// DeleteOlderThan removes commands created before cutoff and returns how many.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
	// IDsWithPrefix returns ids starting with prefix.
	IDsWithPrefix(ctx context.Context, prefix string) ([]string, error)
}

// RedisLedger keeps pending commands in a scope hash (id -> msgpack record)
// with a ZSET index scored by creation time in unix milliseconds.
type RedisLedger struct {
	rdb   redis.Cmdable
	scope string
}

// NewRedisLedger returns a ledger for scope.
func NewRedisLedger(rdb redis.Cmdable, scope string) *RedisLedger {
	return &RedisLedger{rdb: rdb, scope: scope}
}

func (l *RedisLedger) Create(ctx context.Context, pc *PendingCommand) error {
	if pc.ID == "" {
		pc.ID = uuid.New().String()
	}
	if pc.CreatedAt.IsZero() {
		pc.CreatedAt = time.Now()
	}
	data, err := msgpack.Marshal(pc)
	if err != nil {
		return fmt.Errorf("failed to encode critical command: %w", err)
	}

	_, err = l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, bus.CriticalCommandKey(l.scope), pc.ID, data)
		pipe.ZAdd(ctx, bus.CriticalCommandIndexKey(l.scope), redis.Z{
			Score:  float64(pc.CreatedAt.UnixMilli()),
			Member: pc.ID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store critical command %s: %w", pc.ID, err)
	}
	return nil
}

func (l *RedisLedger) Get(ctx context.Context, id string) (*PendingCommand, error) {
	data, err := l.rdb.HGet(ctx, bus.CriticalCommandKey(l.scope), id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read critical command %s: %w", id, err)
	}
	var pc PendingCommand
	if err := msgpack.Unmarshal([]byte(data), &pc); err != nil {
		return nil, fmt.Errorf("failed to decode critical command %s: %w", id, err)
	}
	return &pc, nil
}

func (l *RedisLedger) Take(ctx context.Context, id string) (*PendingCommand, error) {
	pc, err := l.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	var hdel *redis.IntCmd
	_, err = l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		hdel = pipe.HDel(ctx, bus.CriticalCommandKey(l.scope), id)
		pipe.ZRem(ctx, bus.CriticalCommandIndexKey(l.scope), id)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to take critical command %s: %w", id, err)
	}
	if hdel.Val() == 0 {
		// Lost the race to another release of the same id.
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return pc, nil
}

func (l *RedisLedger) Delete(ctx context.Context, id string) error {
	var hdel *redis.IntCmd
	_, err := l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		hdel = pipe.HDel(ctx, bus.CriticalCommandKey(l.scope), id)
		pipe.ZRem(ctx, bus.CriticalCommandIndexKey(l.scope), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete critical command %s: %w", id, err)
	}
	if hdel.Val() == 0 {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return nil
}

func (l *RedisLedger) List(ctx context.Context) ([]*PendingCommand, error) {
	ids, err := l.rdb.ZRange(ctx, bus.CriticalCommandIndexKey(l.scope), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list critical commands: %w", err)
	}
	out := make([]*PendingCommand, 0, len(ids))
	for _, id := range ids {
		pc, err := l.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, pc)
	}
	return out, nil
}

func (l *RedisLedger) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := l.rdb.ZRangeByScore(ctx, bus.CriticalCommandIndexKey(l.scope), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to find expired critical commands: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	_, err = l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, bus.CriticalCommandKey(l.scope), ids...)
		pipe.ZRem(ctx, bus.CriticalCommandIndexKey(l.scope), members...)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired critical commands: %w", err)
	}
	return len(ids), nil
}

func (l *RedisLedger) IDsWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	ids, err := l.rdb.HKeys(ctx, bus.CriticalCommandKey(l.scope)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to scan critical commands: %w", err)
	}
	var matches []string
	for _, id := range ids {
		if strings.HasPrefix(id, prefix) {
			matches = append(matches, id)
		}
	}
	return matches, nil
}
