package bus

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// SubscribeOptions tunes the polling loop behind a Subscription.
type SubscribeOptions struct {
	// Block is how long one XREAD waits for new entries. Must be positive:
	// a zero block would wait forever and ignore cancellation.
	Block time.Duration
	// Count caps the entries returned by one XREAD.
	Count int64
	// Buffer is the capacity of the Messages channel.
	Buffer int
}

// DefaultSubscribeOptions are used when Subscribe is called with nil options.
var DefaultSubscribeOptions = SubscribeOptions{
	Block:  500 * time.Millisecond,
	Count:  100,
	Buffer: 100,
}

// Subscription delivers every entry written to a set of topics after the
// subscription was created, in the order Redis returned them.
// Caller must call Close() when done.
type Subscription struct {
	messages chan *Message
	errors   chan error
	cancel   context.CancelFunc
	once     sync.Once
	done     chan struct{}
}

// Messages returns the channel entries are delivered on. It is closed when
// the subscription stops.
func (s *Subscription) Messages() <-chan *Message {
	return s.messages
}

// Errors returns the channel read failures are reported on. Failures are not
// fatal; the subscription keeps polling.
func (s *Subscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription and waits for its goroutine to exit.
func (s *Subscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}

// Subscribe starts reading the given topics. The starting offset of each
// topic is resolved before Subscribe returns, so anything written after the
// call is delivered and nothing written before it is.
func (c *Client) Subscribe(ctx context.Context, topics []string, opts *SubscribeOptions) (*Subscription, error) {
	if len(topics) == 0 {
		return nil, fmt.Errorf("at least one topic is required")
	}
	if opts == nil {
		o := DefaultSubscribeOptions
		opts = &o
	}
	if opts.Block <= 0 {
		return nil, fmt.Errorf("subscribe block must be positive, got %s", opts.Block)
	}

	offsets := make(map[string]string, len(topics))
	for _, topic := range topics {
		id, err := c.LastID(ctx, topic)
		if err != nil {
			return nil, err
		}
		offsets[topic] = id
	}

	messagesChan := make(chan *Message, opts.Buffer)
	errorsChan := make(chan error, 10)
	subCtx, cancelFunc := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer close(messagesChan)
		defer close(errorsChan)

		for {
			if subCtx.Err() != nil {
				return
			}

			msgs, err := c.ReadTopics(subCtx, offsets, topics, opts.Count, opts.Block)
			if err != nil {
				if subCtx.Err() != nil {
					return
				}
				select {
				case errorsChan <- err:
				default:
				}
				// Back off briefly so a dead Redis does not spin the loop.
				select {
				case <-time.After(100 * time.Millisecond):
				case <-subCtx.Done():
					return
				}
				continue
			}

			for _, m := range msgs {
				offsets[m.Topic] = m.ID
				select {
				case messagesChan <- m:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{
		messages: messagesChan,
		errors:   errorsChan,
		cancel:   cancelFunc,
		done:     done,
	}, nil
}
