package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/SteelMorgan/weblog-etl/internal/config"
	"github.com/SteelMorgan/weblog-etl/internal/service"
)

// Version is set at build time
var Version = "0.1.0"

// NewRootCommand builds the etl command tree
func NewRootCommand() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:   "etl",
		Short: "Web access log ETL",
		Long: `etl reads Apache, Nginx and JSON access logs, validates, enriches and
deduplicates the records, and loads them into ClickHouse or MySQL with
resumable per-file checkpoints.

Configuration comes from environment variables and an optional YAML file.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cfgFile != "" {
				return os.Setenv("CONFIG_FILE", cfgFile)
			}
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "YAML config file (overrides CONFIG_FILE)")

	root.AddCommand(
		newRunCommand(),
		newCheckpointsCommand(),
		newDeadLettersCommand(),
	)
	return root
}

// openState opens the state database named by the configuration
func openState() (*service.State, error) {
	cfg, err := config.LoadUnchecked()
	if err != nil {
		return nil, err
	}
	return service.OpenState(cfg.StateDBPath)
}
