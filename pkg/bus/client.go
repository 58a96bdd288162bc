package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTopicMaxLen is the approximate number of entries kept per topic.
const DefaultTopicMaxLen = 1000

// Client provides scope-namespaced Redis operations for topics, acks and
// status records. The client is thread-safe and can be used concurrently
// from multiple goroutines.
type Client struct {
	rdb         *redis.Client
	scope       string
	topicMaxLen int64
}

// NewClient creates a new bus client for the specified scope.
//
// Parameters:
//   - redisOpts: Redis connection options (address, password, DB, etc.)
//   - scope: scope identifier (must not be empty)
//
// Returns an error if scope is empty.
func NewClient(redisOpts *redis.Options, scope string) (*Client, error) {
	if scope == "" {
		return nil, fmt.Errorf("scope cannot be empty")
	}

	return &Client{
		rdb:         redis.NewClient(redisOpts),
		scope:       scope,
		topicMaxLen: DefaultTopicMaxLen,
	}, nil
}

// SetTopicMaxLen changes the approximate trim length used by WriteTopic.
// Values <= 0 disable trimming.
func (c *Client) SetTopicMaxLen(n int64) {
	c.topicMaxLen = n
}

// Scope returns the scope every key of this client is namespaced with.
func (c *Client) Scope() string {
	return c.scope
}

// Redis exposes the underlying connection for packages that own their own
// key layout (counters, critical command ledger).
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection. Implements io.Closer.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity. Useful for health checks.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// WriteTopic appends one entry to a stream topic and returns its id.
func (c *Client) WriteTopic(ctx context.Context, topic string, fields map[string]any) (string, error) {
	id, err := c.rdb.XAdd(ctx, c.xaddArgs(topic, fields)).Result()
	if err != nil {
		return "", fmt.Errorf("failed to write to topic %s: %w", topic, err)
	}
	return id, nil
}

func (c *Client) xaddArgs(topic string, fields map[string]any) *redis.XAddArgs {
	args := &redis.XAddArgs{Stream: topic, Values: fields}
	if c.topicMaxLen > 0 {
		args.MaxLen = c.topicMaxLen
		args.Approx = true
	}
	return args
}

// LastID returns the id of the newest entry on a topic, or "0-0" when the
// topic is empty or missing. Reading from the returned id yields only
// entries written afterwards.
func (c *Client) LastID(ctx context.Context, topic string) (string, error) {
	msgs, err := c.rdb.XRevRangeN(ctx, topic, "+", "-", 1).Result()
	if err != nil {
		return "", fmt.Errorf("failed to read last id of %s: %w", topic, err)
	}
	if len(msgs) == 0 {
		return "0-0", nil
	}
	return msgs[0].ID, nil
}

// NewestMessage returns the newest entry on a topic.
// Returns (nil, redis.Nil) if the topic is empty. Use IsNotFound() to check.
func (c *Client) NewestMessage(ctx context.Context, topic string) (*Message, error) {
	msgs, err := c.rdb.XRevRangeN(ctx, topic, "+", "-", 1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read newest message of %s: %w", topic, err)
	}
	if len(msgs) == 0 {
		return nil, redis.Nil
	}
	return &Message{Topic: topic, ID: msgs[0].ID, Fields: msgs[0].Values}, nil
}

// ReadTopics performs one XREAD across the given topics starting after the
// given ids. Returns an empty slice when nothing arrived within block.
func (c *Client) ReadTopics(ctx context.Context, offsets map[string]string, order []string, count int64, block time.Duration) ([]*Message, error) {
	streams := make([]string, 0, len(order)*2)
	streams = append(streams, order...)
	for _, topic := range order {
		streams = append(streams, offsets[topic])
	}

	result, err := c.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: streams,
		Count:   count,
		Block:   block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read topics: %w", err)
	}

	var msgs []*Message
	for _, stream := range result {
		for _, m := range stream.Messages {
			msgs = append(msgs, &Message{Topic: stream.Stream, ID: m.ID, Fields: m.Values})
		}
	}
	return msgs, nil
}

// Ack writes the processing result of a message to the ack topic paired
// with the topic the message was read from.
func (c *Client) Ack(ctx context.Context, topic, msgID, result string) error {
	_, err := c.WriteTopic(ctx, AckTopic(topic), map[string]any{
		"id":     msgID,
		"result": result,
	})
	if err != nil {
		return fmt.Errorf("failed to ack %s: %w", msgID, err)
	}
	return nil
}

// SendAndWait writes fields to topic and blocks until the matching ack
// arrives or timeout expires. Returns the ack result string.
func (c *Client) SendAndWait(ctx context.Context, topic string, fields map[string]any, timeout time.Duration) (string, error) {
	ackTopic := AckTopic(topic)
	ackFrom, err := c.LastID(ctx, ackTopic)
	if err != nil {
		return "", err
	}

	msgID, err := c.WriteTopic(ctx, topic, fields)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	offsets := map[string]string{ackTopic: ackFrom}
	for {
		msgs, err := c.ReadTopics(ctx, offsets, []string{ackTopic}, 100, 100*time.Millisecond)
		if err != nil {
			if ctx.Err() != nil {
				return "", fmt.Errorf("timeout waiting for ack of %s on %s", msgID, ackTopic)
			}
			return "", err
		}
		for _, m := range msgs {
			offsets[ackTopic] = m.ID
			if m.String("id") == msgID {
				return m.String("result"), nil
			}
		}
		if ctx.Err() != nil {
			return "", fmt.Errorf("timeout waiting for ack of %s on %s", msgID, ackTopic)
		}
	}
}

// SetStatus stores a status record under name in the given status hash.
func (c *Client) SetStatus(ctx context.Context, key string, status *Status) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	if err := c.rdb.HSet(ctx, key, status.Name, data).Err(); err != nil {
		return fmt.Errorf("failed to write status for %s: %w", status.Name, err)
	}
	return nil
}

// DeleteStatus removes the status record for name.
func (c *Client) DeleteStatus(ctx context.Context, key, name string) error {
	if err := c.rdb.HDel(ctx, key, name).Err(); err != nil {
		return fmt.Errorf("failed to delete status for %s: %w", name, err)
	}
	return nil
}

// GetStatus retrieves the status record for name.
// Returns (nil, redis.Nil) if no record exists.
func (c *Client) GetStatus(ctx context.Context, key, name string) (*Status, error) {
	data, err := c.rdb.HGet(ctx, key, name).Result()
	if err != nil {
		return nil, err
	}
	var status Status
	if err := json.Unmarshal([]byte(data), &status); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status for %s: %w", name, err)
	}
	return &status, nil
}

// ListStatuses returns every status record in the hash, in no particular order.
func (c *Client) ListStatuses(ctx context.Context, key string) ([]*Status, error) {
	hash, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read statuses: %w", err)
	}
	statuses := make([]*Status, 0, len(hash))
	for name, data := range hash {
		var status Status
		if err := json.Unmarshal([]byte(data), &status); err != nil {
			return nil, fmt.Errorf("failed to unmarshal status for %s: %w", name, err)
		}
		statuses = append(statuses, &status)
	}
	return statuses, nil
}

// Setting reads a scope-wide runtime setting.
// Returns ("", redis.Nil) if the setting is not present.
func (c *Client) Setting(ctx context.Context, name string) (string, error) {
	return c.rdb.HGet(ctx, SettingsKey(c.scope), name).Result()
}

// SetSetting writes a scope-wide runtime setting.
func (c *Client) SetSetting(ctx context.Context, name, value string) error {
	return c.rdb.HSet(ctx, SettingsKey(c.scope), name, value).Err()
}

// IsNotFound returns true if the error is a Redis "key not found" error (redis.Nil).
func IsNotFound(err error) bool {
	return errors.Is(err, redis.Nil)
}
