package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dyluth/groundlink/internal/adapter"
	"github.com/dyluth/groundlink/internal/config"
	"github.com/dyluth/groundlink/internal/critical"
	"github.com/dyluth/groundlink/internal/definitions"
	"github.com/dyluth/groundlink/internal/health"
	"github.com/dyluth/groundlink/internal/link"
	"github.com/dyluth/groundlink/internal/logging"
	"github.com/dyluth/groundlink/internal/printer"
	"github.com/dyluth/groundlink/pkg/bus"
)

var interfaceCmd = &cobra.Command{
	Use:   "interface NAME...",
	Short: "Run one or more interfaces",
	Long: `Run the named interfaces from groundlink.yml in this process.

Each interface connects its adapter, publishes identified telemetry and
executes commands sent to its targets until it receives a shutdown
directive or the process is interrupted.

Examples:
  groundlink interface INST_INT
  GROUNDLINK_CONFIG=/etc/groundlink.yml groundlink interface INST_INT EXAMPLE_INT`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInstances(cmd.Context(), link.RoleInterface, args)
	},
}

var routerCmd = &cobra.Command{
	Use:   "router NAME...",
	Short: "Run one or more routers",
	Long: `Run the named routers from groundlink.yml in this process.

A router writes the telemetry of its targets to its connection and forwards
the commands it reads to the interfaces owning their targets.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInstances(cmd.Context(), link.RoleRouter, args)
	},
}

func init() {
	rootCmd.AddCommand(interfaceCmd)
	rootCmd.AddCommand(routerCmd)
}

func runInstances(ctx context.Context, role link.Role, names []string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := loadSettings()
	if err != nil {
		return err
	}

	logger, closer, err := logging.New(logging.Options{
		Level:      s.LogLevel,
		Format:     s.LogFormat,
		File:       s.LogFile,
		MaxSizeMB:  s.LogMaxSizeMB,
		MaxBackups: s.LogMaxBackups,
		MaxAgeDays: s.LogMaxAgeDays,
	})
	if err != nil {
		return printer.Error("invalid logging settings", err.Error(), nil)
	}
	defer closer.Close()
	log := logrus.NewEntry(logger)

	cfg, err := config.Load(s.ConfigPath)
	if err != nil {
		return printer.ErrorWithContext(
			"failed to load configuration",
			err.Error(),
			map[string]string{"Path": s.ConfigPath},
			[]string{"Point GROUNDLINK_CONFIG or --config at a valid groundlink.yml"},
		)
	}
	catalog, err := definitions.LoadCatalog(cfg.Definitions)
	if err != nil {
		return printer.ErrorWithContext(
			"failed to load definitions",
			err.Error(),
			map[string]string{"Path": cfg.Definitions},
			nil,
		)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := connectBus(ctx, s)
	if err != nil {
		return err
	}
	defer client.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	env := instanceEnv{
		role:     role,
		cfg:      cfg,
		settings: s,
		client:   client,
		catalog:  catalog,
		registry: adapter.NewRegistry(),
		metrics:  link.NewMetrics(reg, string(role)),
		log:      log,
	}
	if role == link.RoleInterface {
		env.ledger = critical.NewRedisLedger(client.Redis(), s.Scope)
		env.policy = link.NewSettingsPolicy(client, s.Policy(), log.WithField("component", "policy"))
	}

	services := make([]*link.Service, 0, len(names))
	for _, name := range names {
		svc, err := env.build(name)
		if err != nil {
			return printer.Error(fmt.Sprintf("cannot start %s '%s'", role, name), err.Error(), nil)
		}
		services = append(services, svc)
	}

	if s.HealthAddr != "" {
		statuses := func() []*bus.Status {
			out := make([]*bus.Status, 0, len(services))
			for _, svc := range services {
				out = append(out, svc.StateMachine().Status())
			}
			return out
		}
		srv := health.NewServer(s.HealthAddr, client, reg, statuses, log.WithField("component", "health"))
		if err := srv.Start(); err != nil {
			return fmt.Errorf("failed to start health server: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, svc := range services {
		g.Go(func() error { return svc.Run(gctx) })
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Error("Stopped with error")
		return err
	}
	return nil
}

// instanceEnv is what every instance in one process shares.
type instanceEnv struct {
	role     link.Role
	cfg      *config.Config
	settings *config.Settings
	client   *bus.Client
	catalog  *definitions.Catalog
	registry *adapter.Registry
	metrics  *link.Metrics
	ledger   critical.Ledger
	policy   link.PolicySource
	log      *logrus.Entry
}

func (e instanceEnv) build(name string) (*link.Service, error) {
	lookup := e.cfg.Interface
	if e.role == link.RoleRouter {
		lookup = e.cfg.Router
	}
	inst, err := lookup(name)
	if err != nil {
		return nil, err
	}

	settings := inst.Settings(name, e.settings.StreamLogDir)
	a, err := e.registry.Build(inst.Kind, settings, inst.Params)
	if err != nil {
		return nil, err
	}
	return link.NewService(link.ServiceConfig{
		Role:            e.role,
		Client:          e.client,
		Adapter:         a,
		Builder:         e.registry.Builder(inst.Kind, settings, inst.Params),
		Definitions:     e.catalog,
		Ledger:          e.ledger,
		Policy:          e.policy,
		Metrics:         e.metrics,
		PublishInterval: e.settings.PublishInterval(),
		CounterDelay:    e.settings.CounterDelay(),
		ClusterMode:     e.settings.ClusterMode,
		Log:             e.log,
	})
}
