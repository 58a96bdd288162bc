package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/groundlink/internal/critical"
	"github.com/dyluth/groundlink/internal/filter"
	"github.com/dyluth/groundlink/internal/link"
	"github.com/dyluth/groundlink/internal/printer"
	"github.com/dyluth/groundlink/internal/report"
	"github.com/dyluth/groundlink/internal/resolver"
	"github.com/dyluth/groundlink/internal/timespec"
	"github.com/dyluth/groundlink/pkg/bus"
)

var (
	criticalOutput    string
	criticalSince     string
	criticalUntil     string
	criticalInterface string
	criticalRequester string
	criticalType      string
	criticalCommand   string
	criticalUser      string
	criticalTimeout   time.Duration
	criticalOlderThan string
)

var criticalCmd = &cobra.Command{
	Use:   "critical",
	Short: "Inspect and approve commands awaiting critical approval",
	Long: `Commands gated by the critical commanding policy wait in a ledger until a
second operator approves or rejects them. Pending commands expire after 24
hours.

IDs may be shortened to any unique prefix of at least 6 characters.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var criticalListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending critical commands",
	Args:  cobra.NoArgs,
	RunE:  runCriticalList,
}

var criticalShowCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Show one pending critical command as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runCriticalShow,
}

var criticalApproveCmd = &cobra.Command{
	Use:   "approve ID",
	Short: "Approve and release a pending critical command",
	Long: `Approve a pending critical command. The owning interface writes it
exactly once, skipping the hazardous and critical checks it already passed.

The approver must differ from the operator who sent the command.`,
	Args: cobra.ExactArgs(1),
	RunE: runCriticalApprove,
}

var criticalRejectCmd = &cobra.Command{
	Use:   "reject ID",
	Short: "Discard a pending critical command",
	Args:  cobra.ExactArgs(1),
	RunE:  runCriticalReject,
}

var criticalPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove pending critical commands older than a cutoff",
	Args:  cobra.NoArgs,
	RunE:  runCriticalPrune,
}

func init() {
	criticalListCmd.Flags().StringVarP(&criticalOutput, "output", "o", "default", "Output format: default or jsonl")
	criticalListCmd.Flags().StringVar(&criticalSince, "since", "", "Only commands created after this time (duration or RFC3339)")
	criticalListCmd.Flags().StringVar(&criticalUntil, "until", "", "Only commands created before this time (duration or RFC3339)")
	criticalListCmd.Flags().StringVar(&criticalInterface, "interface", "", "Only commands owned by this interface")
	criticalListCmd.Flags().StringVar(&criticalRequester, "requester", "", "Only commands sent by this operator")
	criticalListCmd.Flags().StringVar(&criticalType, "type", "", "Only commands of this type: HAZARDOUS, RESTRICTED or NORMAL")
	criticalListCmd.Flags().StringVar(&criticalCommand, "command", "", "Only commands whose text matches this glob pattern")

	criticalApproveCmd.Flags().StringVar(&criticalUser, "user", os.Getenv("USER"), "Approving operator")
	criticalApproveCmd.Flags().DurationVar(&criticalTimeout, "timeout", 5*time.Second, "How long to wait for the interface to release the command")

	criticalPruneCmd.Flags().StringVar(&criticalOlderThan, "older-than", critical.RetentionPeriod.String(), "Cutoff (duration or RFC3339)")

	criticalCmd.AddCommand(criticalListCmd, criticalShowCmd, criticalApproveCmd, criticalRejectCmd, criticalPruneCmd)
	rootCmd.AddCommand(criticalCmd)
}

// openLedger connects to Redis and returns the ledger of the configured
// scope. The returned client must be closed.
func openLedger(ctx context.Context) (*bus.Client, *critical.RedisLedger, error) {
	s, err := loadSettings()
	if err != nil {
		return nil, nil, err
	}
	client, err := connectBus(ctx, s)
	if err != nil {
		return nil, nil, err
	}
	return client, critical.NewRedisLedger(client.Redis(), s.Scope), nil
}

func runCriticalList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	format, err := report.ParseOutputFormat(criticalOutput)
	if err != nil {
		return printer.Error("invalid output format", err.Error(), []string{"Valid formats: default, jsonl"})
	}
	from, to, err := timespec.ParseRange(criticalSince, criticalUntil, time.Now())
	if err != nil {
		return printer.Error("invalid time range", err.Error(), nil)
	}
	switch critical.Classification(strings.ToUpper(criticalType)) {
	case "", critical.Hazardous, critical.Restricted, critical.Normal:
	default:
		return printer.Error("invalid type", fmt.Sprintf("Unknown critical command type: %s", criticalType), []string{"Valid types: HAZARDOUS, RESTRICTED, NORMAL"})
	}

	client, ledger, err := openLedger(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	all, err := ledger.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list critical commands: %w", err)
	}
	criteria := filter.Criteria{
		Since:       from,
		Until:       to,
		Interface:   criticalInterface,
		Requester:   criticalRequester,
		CommandGlob: criticalCommand,
		Type:        critical.Classification(strings.ToUpper(criticalType)),
	}
	pending := criteria.Apply(all)

	if format == report.OutputFormatJSONL {
		return report.FormatJSONL(cmd.OutOrStdout(), pending)
	}
	report.FormatCriticalTable(cmd.OutOrStdout(), pending, client.Scope())
	return nil
}

// resolvePending resolves a possibly shortened id and fetches the command.
func resolvePending(ctx context.Context, ledger critical.Ledger, id string) (*critical.PendingCommand, error) {
	fullID, err := resolver.ResolveCriticalID(ctx, ledger, id)
	if err != nil {
		var notFound *resolver.NotFoundError
		var ambiguous *resolver.AmbiguousError
		switch {
		case errors.As(err, &notFound):
			return nil, printer.Error(
				fmt.Sprintf("critical command '%s' not found", id),
				"It may have been approved, rejected or expired.",
				[]string{"List pending commands:\n  groundlink critical list"},
			)
		case errors.As(err, &ambiguous):
			return nil, printer.Error("ambiguous ID", resolver.FormatAmbiguousError(ambiguous), []string{"Use more characters of the ID"})
		}
		return nil, printer.Error("invalid ID", err.Error(), nil)
	}

	pc, err := ledger.Get(ctx, fullID)
	if err != nil {
		if errors.Is(err, critical.ErrNotFound) {
			return nil, printer.Error(fmt.Sprintf("critical command '%s' not found", id), "It was released or removed while resolving.", nil)
		}
		return nil, fmt.Errorf("failed to read critical command: %w", err)
	}
	return pc, nil
}

func runCriticalShow(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	client, ledger, err := openLedger(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	pc, err := resolvePending(ctx, ledger, args[0])
	if err != nil {
		return err
	}
	return report.FormatSingleJSON(cmd.OutOrStdout(), pc)
}

func runCriticalApprove(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	client, ledger, err := openLedger(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	pc, err := resolvePending(ctx, ledger, args[0])
	if err != nil {
		return err
	}
	if pc.Requester != "" && pc.Requester == criticalUser {
		return printer.ErrorWithContext(
			"cannot approve your own command",
			"Critical commands need a second operator.",
			map[string]string{"ID": pc.ID, "Requester": pc.Requester},
			[]string{"Ask another operator to run:\n  groundlink critical approve " + shortID(pc.ID)},
		)
	}

	fields, err := link.EncodeDirective(link.ReleaseCritical{ID: pc.ID})
	if err != nil {
		return err
	}
	topic := bus.InterfaceDirectiveTopic(client.Scope(), pc.Interface)
	status, err := client.SendAndWait(ctx, topic, fields, criticalTimeout)
	if err != nil {
		return printer.ErrorWithContext(
			"no acknowledgement",
			err.Error(),
			map[string]string{"Interface": pc.Interface, "Topic": topic},
			[]string{fmt.Sprintf("Check %s is running:\n  groundlink status", pc.Interface)},
		)
	}

	var notFound *link.CriticalNotFoundError
	switch err := link.ParseResult(status); {
	case err == nil:
		printer.Success("Released %s on %s: %s\n", shortID(pc.ID), pc.Interface, pc.Command)
		return nil
	case errors.As(err, &notFound):
		return printer.Error("already released", fmt.Sprintf("Critical command %s was released by someone else or expired.", pc.ID), nil)
	default:
		return printer.ErrorWithContext(
			"release failed",
			err.Error(),
			map[string]string{"ID": pc.ID, "Interface": pc.Interface},
			nil,
		)
	}
}

func runCriticalReject(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	client, ledger, err := openLedger(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	pc, err := resolvePending(ctx, ledger, args[0])
	if err != nil {
		return err
	}
	if err := ledger.Delete(ctx, pc.ID); err != nil {
		return fmt.Errorf("failed to reject critical command: %w", err)
	}
	printer.Success("Rejected %s: %s\n", shortID(pc.ID), pc.Command)
	return nil
}

func runCriticalPrune(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	cutoff, err := timespec.Parse(criticalOlderThan, time.Now())
	if err != nil {
		return printer.Error("invalid --older-than", err.Error(), nil)
	}

	client, ledger, err := openLedger(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	n, err := ledger.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to prune critical commands: %w", err)
	}
	printer.Success("Pruned %d critical commands created before %s\n", n, cutoff.Format(time.RFC3339))
	return nil
}
