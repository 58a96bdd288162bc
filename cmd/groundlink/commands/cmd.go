package commands

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/groundlink/internal/link"
	"github.com/dyluth/groundlink/internal/printer"
	"github.com/dyluth/groundlink/pkg/bus"
)

var (
	cmdParams           []string
	cmdHex              string
	cmdNoRangeCheck     bool
	cmdNoHazardousCheck bool
	cmdNoValidate       bool
	cmdRaw              bool
	cmdUser             string
	cmdTimeout          time.Duration
)

var cmdCmd = &cobra.Command{
	Use:   "cmd TARGET [COMMAND]",
	Short: "Send a command to a target and wait for the result",
	Long: `Send a command to the interface commanding TARGET and wait for its
acknowledgement.

Parameters are given as NAME=VALUE; values are parsed as JSON when they
are valid JSON and sent as strings otherwise. --hex sends a prebuilt buffer
instead, identified against TARGET by the interface.

Hazardous commands are refused until re-sent with --no-hazardous-check.
Commands parked for critical approval print the id to approve with
"groundlink critical approve".

Examples:
  groundlink cmd INST COLLECT -p TYPE=NORMAL -p DURATION=1.5
  groundlink cmd INST CLEAR --no-hazardous-check
  groundlink cmd INST --hex 1a2b0001`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runCmd,
}

func init() {
	cmdCmd.Flags().StringArrayVarP(&cmdParams, "param", "p", nil, "Command parameter NAME=VALUE (repeatable)")
	cmdCmd.Flags().StringVar(&cmdHex, "hex", "", "Send this hex-encoded buffer instead of building the command")
	cmdCmd.Flags().BoolVar(&cmdNoRangeCheck, "no-range-check", false, "Skip parameter range checks")
	cmdCmd.Flags().BoolVar(&cmdNoHazardousCheck, "no-hazardous-check", false, "Confirm a hazardous command")
	cmdCmd.Flags().BoolVar(&cmdNoValidate, "no-validate", false, "Skip command validators")
	cmdCmd.Flags().BoolVar(&cmdRaw, "raw", false, "Parameter values are raw, not converted")
	cmdCmd.Flags().StringVar(&cmdUser, "user", os.Getenv("USER"), "Username recorded with the command")
	cmdCmd.Flags().DurationVar(&cmdTimeout, "timeout", 5*time.Second, "How long to wait for the acknowledgement")

	rootCmd.AddCommand(cmdCmd)
}

func runCmd(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	c, err := commandFromArgs(args)
	if err != nil {
		return printer.Error("invalid command", err.Error(), []string{"See usage:\n  groundlink cmd --help"})
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

	fields, err := link.EncodeDirective(c)
	if err != nil {
		return fmt.Errorf("failed to encode command: %w", err)
	}
	topic := bus.TargetCommandTopic(s.Scope, c.Target)
	status, err := client.SendAndWait(ctx, topic, fields, cmdTimeout)
	if err != nil {
		return printer.ErrorWithContext(
			"no acknowledgement",
			err.Error(),
			map[string]string{"Topic": topic},
			[]string{fmt.Sprintf("Check the interface commanding %s is running:\n  groundlink status", c.Target)},
		)
	}
	return reportResult(c.CmdString, status)
}

func commandFromArgs(args []string) (link.Command, error) {
	c := link.Command{
		Target:         strings.ToUpper(args[0]),
		RangeCheck:     !cmdNoRangeCheck,
		Raw:            cmdRaw,
		HazardousCheck: !cmdNoHazardousCheck,
		Validate:       !cmdNoValidate,
		Manual:         true,
		Username:       cmdUser,
	}

	if cmdHex != "" {
		if len(args) > 1 || len(cmdParams) > 0 {
			return c, fmt.Errorf("--hex cannot be combined with a command name or parameters")
		}
		buf, err := hex.DecodeString(strings.TrimPrefix(cmdHex, "0x"))
		if err != nil {
			return c, fmt.Errorf("invalid --hex buffer: %w", err)
		}
		if len(buf) == 0 {
			return c, fmt.Errorf("--hex buffer is empty")
		}
		c.Buffer = buf
		c.CmdString = fmt.Sprintf("cmd_raw(%q, 0x%X)", c.Target, buf)
		return c, nil
	}

	if len(args) < 2 {
		return c, fmt.Errorf("a command name is required unless --hex is given")
	}
	c.Name = strings.ToUpper(args[1])
	params, err := parseParams(cmdParams)
	if err != nil {
		return c, err
	}
	c.Params = params
	c.CmdString = formatCmdString(c.Target, c.Name, params)
	return c, nil
}

// parseParams turns NAME=VALUE pairs into a parameter map. Values that are
// valid JSON keep their JSON type.
func parseParams(pairs []string) (map[string]any, error) {
	params := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		name, raw, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("parameter %q is not NAME=VALUE", pair)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		params[strings.ToUpper(name)] = v
	}
	return params, nil
}

// formatCmdString renders the command the way operators type it:
// cmd("INST COLLECT with DURATION 1.5, TYPE 'NORMAL'").
func formatCmdString(target, name string, params map[string]any) string {
	if len(params) == 0 {
		return fmt.Sprintf("cmd(\"%s %s\")", target, name)
	}
	names := make([]string, 0, len(params))
	for n := range params {
		names = append(names, n)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, n := range names {
		v := params[n]
		if str, ok := v.(string); ok {
			parts = append(parts, fmt.Sprintf("%s '%s'", n, str))
		} else {
			parts = append(parts, fmt.Sprintf("%s %v", n, v))
		}
	}
	return fmt.Sprintf("cmd(\"%s %s with %s\")", target, name, strings.Join(parts, ", "))
}

// reportResult prints the outcome of a command acknowledgement. A command
// parked for critical approval is not a failure of this invocation.
func reportResult(cmdString, status string) error {
	err := link.ParseResult(status)

	var hazardous *link.HazardousError
	var parked *link.CriticalCmdError
	var notConnected *link.NotConnectedError
	var validation *link.ValidationError
	switch {
	case err == nil:
		printer.Success("%s sent\n", cmdString)
		return nil
	case errors.As(err, &hazardous):
		return printer.Error(
			"hazardous command not sent",
			fmt.Sprintf("%s\n\n  %s", hazardous.Description, hazardous.Command),
			[]string{"Re-send with --no-hazardous-check to confirm it"},
		)
	case errors.As(err, &parked):
		printer.Warning("%s is awaiting critical command approval\n", cmdString)
		printer.Info("\n  id: %s\n\nA second operator approves it with:\n  groundlink critical approve %s\n", parked.ID, shortID(parked.ID))
		return nil
	case errors.As(err, &notConnected):
		return printer.Error(
			"interface not connected",
			fmt.Sprintf("%s is not connected; the command was not sent.", notConnected.Name),
			[]string{"Connect it first, or check its status:\n  groundlink status"},
		)
	case errors.As(err, &validation):
		title := "command failed validation"
		if validation.Post {
			title = "command sent but failed post-check"
		}
		return printer.Error(title, validation.Reason, nil)
	default:
		return printer.Error("command rejected", err.Error(), nil)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
