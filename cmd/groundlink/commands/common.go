package commands

import (
	"context"
	"fmt"

	"github.com/dyluth/groundlink/internal/config"
	"github.com/dyluth/groundlink/internal/printer"
	"github.com/dyluth/groundlink/pkg/bus"
)

func loadSettings() (*config.Settings, error) {
	s, err := config.LoadSettings(settingsViper)
	if err != nil {
		return nil, printer.Error(
			"invalid settings",
			err.Error(),
			[]string{"Check the environment variables and flags:\n  groundlink --help"},
		)
	}
	return s, nil
}

// connectBus opens the bus client for the configured scope and verifies
// Redis is reachable.
func connectBus(ctx context.Context, s *config.Settings) (*bus.Client, error) {
	opts, err := s.RedisOptions()
	if err != nil {
		return nil, err
	}
	client, err := bus.NewClient(opts, s.Scope)
	if err != nil {
		return nil, fmt.Errorf("failed to create bus client: %w", err)
	}
	client.SetTopicMaxLen(s.TopicMaxLen)

	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, printer.ErrorWithContext(
			"Redis connection failed",
			fmt.Sprintf("Could not connect to Redis: %v", err),
			map[string]string{"Address": opts.Addr, "Scope": s.Scope},
			[]string{"Check REDIS_URL or --redis-url points at a running Redis"},
		)
	}
	return client, nil
}
