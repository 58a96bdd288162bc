package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dyluth/groundlink/internal/config"
	"github.com/dyluth/groundlink/internal/definitions"
	"github.com/dyluth/groundlink/internal/printer"
	"github.com/dyluth/groundlink/internal/watch"
)

var (
	watchOutputFormat string
	watchCommands     bool
)

var watchCmd = &cobra.Command{
	Use:   "watch TARGET [PACKET...]",
	Short: "Stream telemetry or commands of a target as they are published",
	Long: `Stream packets published for TARGET until interrupted.

Without packet names every telemetry packet of TARGET in the definitions
catalog is watched. --commands watches the command log of the named
commands instead.

Output Formats:
  default - One line per packet with time, count and leading bytes
  json    - Line-delimited JSON for programmatic processing

Examples:
  groundlink watch INST
  groundlink watch INST HEALTH_STATUS -o json | jq .received_count
  groundlink watch INST COLLECT ABORT --commands`,
	Args: cobra.MinimumNArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchOutputFormat, "output", "o", "default", "Output format: default or json")
	watchCmd.Flags().BoolVar(&watchCommands, "commands", false, "Watch command log topics instead of telemetry")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	var format watch.OutputFormat
	switch watchOutputFormat {
	case "default":
		format = watch.OutputFormatDefault
	case "json":
		format = watch.OutputFormatJSON
	default:
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", watchOutputFormat),
			[]string{"Valid formats: default, json"},
		)
	}

	s, err := loadSettings()
	if err != nil {
		return err
	}

	target := strings.ToUpper(args[0])
	packets := make([]string, 0, len(args)-1)
	for _, p := range args[1:] {
		packets = append(packets, strings.ToUpper(p))
	}
	if len(packets) == 0 {
		if watchCommands {
			return printer.Error("no commands named", "--commands needs the command names to watch.", []string{"groundlink watch " + target + " COLLECT --commands"})
		}
		if packets, err = catalogPackets(s, target); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := connectBus(ctx, s)
	if err != nil {
		return err
	}
	defer client.Close()

	sub, err := client.Subscribe(ctx, watch.Topics(s.Scope, target, packets, watchCommands), nil)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	defer sub.Close()

	return watch.Stream(ctx, sub, format, cmd.OutOrStdout())
}

// catalogPackets lists target's telemetry packets from the configured catalog.
func catalogPackets(s *config.Settings, target string) ([]string, error) {
	cfg, err := config.Load(s.ConfigPath)
	if err != nil {
		return nil, printer.ErrorWithContext(
			"failed to load configuration",
			err.Error(),
			map[string]string{"Path": s.ConfigPath},
			[]string{"Name the packets to watch, or point GROUNDLINK_CONFIG at groundlink.yml"},
		)
	}
	catalog, err := definitions.LoadCatalog(cfg.Definitions)
	if err != nil {
		return nil, fmt.Errorf("failed to load definitions: %w", err)
	}
	packets := catalog.TelemetryPackets(target)
	if len(packets) == 0 {
		return nil, printer.Error(fmt.Sprintf("no telemetry defined for %s", target), "The definitions catalog has no telemetry packets for this target.", nil)
	}
	return packets, nil
}
