//go:build integration

package link

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/dyluth/groundlink/internal/adapter"
	"github.com/dyluth/groundlink/internal/counters"
	"github.com/dyluth/groundlink/internal/critical"
	"github.com/dyluth/groundlink/pkg/bus"
	"github.com/dyluth/groundlink/pkg/packet"
)

// setupRedis starts a Redis container and returns a client for testScope.
func setupRedis(t *testing.T) *bus.Client {
	t.Helper()
	ctx := context.Background()

	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err, "failed to start Redis container")
	t.Cleanup(func() {
		if err := redisC.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate Redis container: %v", err)
		}
	})

	host, err := redisC.Host(ctx)
	require.NoError(t, err)
	port, err := redisC.MappedPort(ctx, "6379")
	require.NoError(t, err)

	opts, err := redis.ParseURL(fmt.Sprintf("redis://%s:%s", host, port.Port()))
	require.NoError(t, err)
	client, err := bus.NewClient(opts, testScope)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.Ping(ctx))
	return client
}

// TestIntegration_CriticalCommandRelease drives a manual command through the
// ALL policy on a real Redis: parked once, released once, written once.
func TestIntegration_CriticalCommandRelease(t *testing.T) {
	client := setupRedis(t)
	log, _ := testLogger()
	ctx := context.Background()

	a, err := adapter.NewRegistry().Build(adapter.KindSimulated, adapter.Settings{
		Name:             "INST_INT",
		Targets:          []string{"INST"},
		ConnectOnStartup: true,
		AutoReconnect:    true,
		ReconnectDelay:   10 * time.Millisecond,
	}, map[string]any{"rate": "1h"})
	require.NoError(t, err)
	sim := a.(*adapter.Simulated)

	s, err := NewService(ServiceConfig{
		Role:        RoleInterface,
		Client:      client,
		Adapter:     a,
		Definitions: loadCatalog(t),
		Ledger:      critical.NewRedisLedger(client.Redis(), testScope),
		Policy:      StaticPolicy(critical.PolicyAll),
		Log:         log,
	})
	require.NoError(t, err)
	runService(t, s)
	eventually(t, s.StateMachine().Connected, "interface did not connect")
	time.Sleep(200 * time.Millisecond)

	fields, err := EncodeDirective(Command{
		Target: "INST", Name: "NOOP", RangeCheck: true, HazardousCheck: true, Validate: true,
		Manual: true, Username: "alice",
	})
	require.NoError(t, err)
	result, err := client.SendAndWait(ctx, bus.TargetCommandTopic(testScope, "INST"), fields, 5*time.Second)
	require.NoError(t, err)

	var parked *CriticalCmdError
	require.ErrorAs(t, ParseResult(result), &parked)
	assert.Empty(t, sim.Written())

	release, err := EncodeDirective(ReleaseCritical{ID: parked.ID})
	require.NoError(t, err)
	directives := bus.InterfaceDirectiveTopic(testScope, "INST_INT")

	result, err = client.SendAndWait(ctx, directives, release, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, result)
	assert.Len(t, sim.Written(), 1)

	result, err = client.SendAndWait(ctx, directives, release, 5*time.Second)
	require.NoError(t, err)
	var notFound *CriticalNotFoundError
	assert.ErrorAs(t, ParseResult(result), &notFound)
	assert.Len(t, sim.Written(), 1)

	n, err := client.Redis().XLen(ctx, bus.CommandTopic(testScope, "INST", "NOOP")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

// TestIntegration_BatchedCountersConverge runs two batched counters against
// the same Redis hash, as two instances sharing a target would.
func TestIntegration_BatchedCountersConverge(t *testing.T) {
	client := setupRedis(t)
	log, _ := testLogger()
	ctx := context.Background()

	opts := counters.Options{Scope: testScope, Kind: counters.KindTelemetry, Delay: 20 * time.Millisecond}
	first := counters.New(client.Redis(), opts, log)
	second := counters.New(client.Redis(), opts, log)

	p := packet.New("INST", "HEALTH_STATUS", []byte{0x01})
	for i := 0; i < 750; i++ {
		_, err := first.RecordReceipt(ctx, p)
		require.NoError(t, err)
		_, err = second.RecordReceipt(ctx, p)
		require.NoError(t, err)
	}
	require.NoError(t, first.Flush(ctx))
	require.NoError(t, second.Flush(ctx))

	got, err := client.Redis().HGet(ctx, bus.PacketCountKey(testScope, counters.KindTelemetry, "INST"), "HEALTH_STATUS").Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(1500), got)
}
