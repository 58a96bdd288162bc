package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dyluth/groundlink/internal/printer"
	"github.com/dyluth/groundlink/internal/report"
	"github.com/dyluth/groundlink/pkg/bus"
)

var statusOutput string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status records of interfaces and routers",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "default", "Output format: default or jsonl")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	format, err := report.ParseOutputFormat(statusOutput)
	if err != nil {
		return printer.Error("invalid output format", err.Error(), []string{"Valid formats: default, jsonl"})
	}

	s, err := loadSettings()
	if err != nil {
		return err
	}
	client, err := connectBus(ctx, s)
	if err != nil {
		return err
	}
	defer client.Close()

	interfaces, err := client.ListStatuses(ctx, bus.InterfaceStatusKey(s.Scope))
	if err != nil {
		return fmt.Errorf("failed to read interface status: %w", err)
	}
	routers, err := client.ListStatuses(ctx, bus.RouterStatusKey(s.Scope))
	if err != nil {
		return fmt.Errorf("failed to read router status: %w", err)
	}

	out := cmd.OutOrStdout()
	if format == report.OutputFormatJSONL {
		return report.FormatJSONL(out, append(interfaces, routers...))
	}
	report.FormatStatusTable(out, "interface", interfaces)
	if len(routers) > 0 {
		fmt.Fprintln(out)
		report.FormatStatusTable(out, "router", routers)
	}
	return nil
}
