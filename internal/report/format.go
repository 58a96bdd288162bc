// Package report renders pending critical commands and instance status
// records for the command line.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dyluth/groundlink/internal/critical"
	"github.com/dyluth/groundlink/internal/printer"
	"github.com/dyluth/groundlink/pkg/bus"
)

// OutputFormat selects how list commands render.
type OutputFormat string

const (
	OutputFormatDefault OutputFormat = "default"
	OutputFormatJSONL   OutputFormat = "jsonl"
)

// ParseOutputFormat validates a --output flag value.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case OutputFormatDefault, OutputFormatJSONL:
		return OutputFormat(s), nil
	}
	return "", fmt.Errorf("unknown output format %q (valid: default, jsonl)", s)
}

// FormatCriticalTable writes pending critical commands as a table and
// returns how many were written.
func FormatCriticalTable(w io.Writer, pending []*critical.PendingCommand, scope string) int {
	if len(pending) == 0 {
		fmt.Fprintf(w, "No critical commands awaiting approval in scope '%s'\n", scope)
		return 0
	}

	fmt.Fprintf(w, "Critical commands awaiting approval in scope '%s':\n\n", scope)
	row := "%-10s %-10s %-14s %-12s %-8s %s\n"
	fmt.Fprintf(w, row, "ID", "TYPE", "INTERFACE", "BY", "AGE", "COMMAND")
	fmt.Fprintf(w, row, "----------", "----------", "--------------", "------------", "--------", "----------------------------------------")
	for _, pc := range pending {
		fmt.Fprintf(w, row,
			formatID(pc.ID),
			pc.Type,
			truncate(pc.Interface, 14),
			dash(truncate(pc.Requester, 12)),
			formatAge(pc.CreatedAt),
			dash(truncate(firstLine(pc.Command), 60)),
		)
	}

	noun := "command"
	if len(pending) != 1 {
		noun = "commands"
	}
	fmt.Fprintf(w, "\n%d %s pending\n", len(pending), noun)
	return len(pending)
}

// FormatStatusTable writes interface or router status records as a table.
func FormatStatusTable(w io.Writer, kind string, statuses []*bus.Status) int {
	if len(statuses) == 0 {
		fmt.Fprintf(w, "No %ss reporting\n", kind)
		return 0
	}

	row := "%-16s %s %-8s %-8s %-10s %-10s %-8s %s\n"
	fmt.Fprintf(w, row, strings.ToUpper(kind), fmt.Sprintf("%-12s", "STATE"), "CMDS", "TLM", "TX BYTES", "RX BYTES", "UPDATED", "CONNECTION")
	fmt.Fprintf(w, row, "----------------", "------------", "--------", "--------", "----------", "----------", "--------", "--------------------")
	for _, s := range statuses {
		fmt.Fprintf(w, row,
			truncate(s.Name, 16),
			printer.State(fmt.Sprintf("%-12s", s.State), s.State),
			fmt.Sprint(s.CmdCount),
			fmt.Sprint(s.TlmCount),
			fmt.Sprint(s.BytesWritten),
			fmt.Sprint(s.BytesRead),
			formatAge(time.UnixMilli(s.UpdatedAt)),
			dash(s.ConnectionString),
		)
	}
	return len(statuses)
}

// FormatJSONL writes each record as a single line of JSON.
func FormatJSONL[T any](w io.Writer, records []T) error {
	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal record to JSON: %w", err)
		}
		if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
			return fmt.Errorf("failed to write JSONL output: %w", err)
		}
	}
	return nil
}

// FormatSingleJSON writes one record as indented JSON.
func FormatSingleJSON(w io.Writer, record any) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal record to JSON: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write JSON output: %w", err)
	}
	fmt.Fprintln(w)
	return nil
}

func formatID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// formatAge renders how long ago t was: "12s ago", "3m ago", "2h ago", "1d ago".
func formatAge(t time.Time) string {
	if t.IsZero() || t.UnixMilli() == 0 {
		return "-"
	}
	diff := time.Since(t)
	switch {
	case diff < time.Minute:
		return fmt.Sprintf("%ds ago", int(diff.Seconds()))
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	}
}
