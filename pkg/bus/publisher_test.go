package bus

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/groundlink/pkg/packet"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func TestPacketSink_Direct(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()
	sink := NewPacketSink(client, "DEFAULT")

	p := packet.New("INST", "HEALTH_STATUS", []byte{0xAB, 0xCD})
	p.ReceivedTime = time.Unix(100, 5)
	p.ReceivedCount = 7
	p.SetExtra("source", "test")

	require.NoError(t, sink.PublishTelemetry(ctx, p))

	msg, err := client.NewestMessage(ctx, TelemetryTopic("DEFAULT", "INST", "HEALTH_STATUS"))
	require.NoError(t, err)

	got, err := FieldsToPacket(msg)
	require.NoError(t, err)
	assert.Equal(t, p.Buffer, got.Buffer)
	assert.Equal(t, int64(7), got.ReceivedCount)
	assert.Equal(t, p.ReceivedTime.UnixNano(), got.ReceivedTime.UnixNano())
	assert.Equal(t, "test", got.Extra["source"])
	assert.False(t, got.Stored)
}

func TestPacketSink_CommandTopics(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()
	sink := NewPacketSink(client, "DEFAULT")
	p := packet.New("INST", "ABORT", []byte{1})

	require.NoError(t, sink.PublishCommand(ctx, p))
	require.NoError(t, sink.PublishDecomCommand(ctx, p))

	_, err := client.NewestMessage(ctx, CommandTopic("DEFAULT", "INST", "ABORT"))
	assert.NoError(t, err)
	_, err = client.NewestMessage(ctx, DecomCommandTopic("DEFAULT", "INST", "ABORT"))
	assert.NoError(t, err)
}

func TestQueuedWriter(t *testing.T) {
	client, _ := setupTestClient(t)
	q := NewQueuedWriter(client, 20*time.Millisecond, testLogger())
	sink := NewPacketSink(q, "DEFAULT")
	topic := TelemetryTopic("DEFAULT", "INST", "ADCS")

	t.Run("flush writes queued entries", func(t *testing.T) {
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			require.NoError(t, sink.PublishTelemetry(ctx, packet.New("INST", "ADCS", []byte{byte(i)})))
		}
		assert.Equal(t, 3, q.Pending())

		_, err := client.NewestMessage(ctx, topic)
		assert.True(t, IsNotFound(err), "nothing is written before a flush")

		require.NoError(t, q.Flush(ctx))
		assert.Equal(t, 0, q.Pending())

		n, err := client.Redis().XLen(ctx, topic).Result()
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)
	})

	t.Run("run flushes on shutdown", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			q.Run(ctx)
			close(done)
		}()

		require.NoError(t, sink.PublishTelemetry(ctx, packet.New("INST", "ADCS", []byte{9})))
		cancel()
		<-done

		n, err := client.Redis().XLen(context.Background(), topic).Result()
		require.NoError(t, err)
		assert.Equal(t, int64(4), n)
	})
}
