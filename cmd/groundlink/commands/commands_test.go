package commands

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/fatih/color"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/groundlink/internal/printer"
	"github.com/dyluth/groundlink/pkg/bus"
)

const testScope = "TEST"

// testEnv points the CLI at a fresh miniredis and captures printer output.
type testEnv struct {
	mr     *miniredis.Miniredis
	client *bus.Client
	stdout *bytes.Buffer
	stderr *bytes.Buffer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	t.Setenv("REDIS_URL", "redis://"+mr.Addr())
	t.Setenv("SCOPE", testScope)

	client, err := bus.NewClient(&redis.Options{Addr: mr.Addr()}, testScope)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	env := &testEnv{mr: mr, client: client, stdout: &bytes.Buffer{}, stderr: &bytes.Buffer{}}
	prevOut, prevErr, prevColor := printer.Stdout, printer.Stderr, color.NoColor
	printer.Stdout, printer.Stderr, color.NoColor = env.stdout, env.stderr, true
	t.Cleanup(func() { printer.Stdout, printer.Stderr, color.NoColor = prevOut, prevErr, prevColor })
	return env
}

// execute runs the root command with args and returns what commands wrote
// to their output, followed by printer output.
func (e *testEnv) execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	e.stdout.Reset()
	e.stderr.Reset()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := Execute()
	return out.String() + e.stdout.String(), err
}

// resetFlags restores every flag to its default so package-level flag
// variables do not leak between executions.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

// respond acks every message written to topic with reply(m) until the test
// ends, and passes each message on to the returned channel.
func (e *testEnv) respond(t *testing.T, topic string, reply func(*bus.Message) string) <-chan *bus.Message {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan *bus.Message, 10)
	done := make(chan struct{})
	t.Cleanup(func() {
		cancel()
		<-done
	})

	go func() {
		defer close(done)
		offsets := map[string]string{topic: "0-0"}
		for ctx.Err() == nil {
			msgs, err := e.client.ReadTopics(ctx, offsets, []string{topic}, 10, 50*time.Millisecond)
			if err != nil {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			for _, m := range msgs {
				offsets[topic] = m.ID
				_ = e.client.Ack(ctx, topic, m.ID, reply(m))
				select {
				case got <- m:
				default:
				}
			}
		}
	}()
	return got
}
