package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dyluth/groundlink/internal/config"
)

// settingsViper holds process settings: defaults, environment variables and
// the persistent flags bound below, in increasing precedence.
var settingsViper = config.NewViper()

var rootCmd = &cobra.Command{
	Use:   "groundlink",
	Short: "groundlink - command and telemetry link middleware",
	Long: `groundlink connects ground-station software to spacecraft and
test equipment links.

Interfaces own a physical connection: they read telemetry, identify it and
publish it to Redis streams, and write commands received from Redis after
hazardous and critical-command checks. Routers expose that telemetry to
external systems and forward the commands they send.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute runs the root command.
func Execute() error {
	// Errors are printed by the printer package
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("redis-url", "", "Redis URL (env REDIS_URL)")
	flags.String("scope", "", "Scope every topic and key is namespaced with (env SCOPE)")
	flags.String("config", "", "Path to groundlink.yml (env GROUNDLINK_CONFIG)")
	flags.String("log-level", "", "Log level: debug, info, warn, error (env LOG_LEVEL)")
	flags.String("log-format", "", "Log format: text or json (env LOG_FORMAT)")
	flags.String("health-addr", "", "Listen address for /healthz and /metrics; empty disables (env HEALTH_ADDR)")

	for key, flag := range map[string]string{
		"redis_url":         "redis-url",
		"scope":             "scope",
		"groundlink_config": "config",
		"log_level":         "log-level",
		"log_format":        "log-format",
		"health_addr":       "health-addr",
	} {
		if err := settingsViper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}
}
