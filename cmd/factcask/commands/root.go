package commands

import (
	"fmt"

	"github.com/dyluth/factcask/internal/config"
	"github.com/dyluth/factcask/internal/logging"
	"github.com/dyluth/factcask/internal/printer"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
)

var (
	configPath      string
	backendOverride string

	// set by loadConfig before any subcommand runs
	cfg    *config.Config
	logger hclog.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "factcask",
	Short: "factcask - publish facts under optimistic locks",
	Long: `factcask publishes facts to an append-only fact log, conditional on the
state the publisher based its decision on being unchanged.

Facts are stored in Redis, SQLite or memory. Projection snapshots are
stored next to them under versioned cache keys.`,
	PersistentPreRunE: loadConfig,
	// Prevent silent success when unknown flags are passed to root command
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	// We print formatted colored errors directly in the printer package
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath, "Path to the configuration file (optional unless set explicitly)")
	rootCmd.PersistentFlags().StringVar(&backendOverride, "backend", "", "Store backend override: redis, sqlite or memory")
}

func loadConfig(cmd *cobra.Command, args []string) error {
	printer.SetOutput(cmd.OutOrStdout(), cmd.ErrOrStderr())

	var err error
	if cmd.Flags().Changed("config") {
		cfg, err = config.Load(configPath)
	} else {
		cfg, err = config.LoadOptional(configPath)
	}
	if err != nil {
		return printer.Error(
			"invalid configuration",
			err.Error(),
			[]string{fmt.Sprintf("Check %s against the documented schema", configPath)},
		)
	}

	if backendOverride != "" {
		cfg.Store.Backend = backendOverride
		if err := cfg.Validate(); err != nil {
			return printer.Error("invalid backend", err.Error(), nil)
		}
	}

	logger = logging.New(cfg.Log, cmd.ErrOrStderr())
	return nil
}
