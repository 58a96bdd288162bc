package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dyluth/groundlink/internal/printer"
	"github.com/dyluth/groundlink/internal/scaffold"
)

var (
	initForce bool
	initDir   string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a starter groundlink.yml and definitions catalog",
	Long: `Create groundlink.yml with a simulated interface and a matching
definitions catalog, ready to run with:

  groundlink interface INST_INT`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "Overwrite existing files")
	initCmd.Flags().StringVar(&initDir, "dir", ".", "Directory to initialize")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	if err := os.MkdirAll(initDir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", initDir, err)
	}
	if initForce {
		printer.Warning("Overwriting any existing project files in %s\n", initDir)
	}

	files, err := scaffold.Initialize(initDir, initForce)
	if err != nil {
		return printer.Error("initialization failed", err.Error(), nil)
	}

	printer.Success("Initialized groundlink project\n")
	printer.Info("\nCreated:\n")
	for _, f := range files {
		printer.Info("  %s\n", f.Path)
	}
	printer.Info("\nNext steps:\n")
	printer.Info("  1. Describe your targets in %s\n", scaffold.CatalogFile)
	printer.Info("  2. Replace the simulated interface in %s with your links\n", scaffold.ConfigFile)
	printer.Info("  3. Run 'groundlink interface INST_INT'\n")
	return nil
}
