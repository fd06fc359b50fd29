package commands

import (
	"context"

	"github.com/dyluth/factcask/internal/printer"
	"github.com/spf13/cobra"
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check connectivity to the configured fact store",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		printer.Step("Connecting to the %s backend...\n", cfg.Store.Backend)
		store, _, err := openBackendOrFail()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.Ping(ctx); err != nil {
			return printer.ErrorWithContext(
				"fact store unreachable",
				err.Error(),
				map[string]string{"Backend": cfg.Store.Backend},
				[]string{"Check that the store is running and the configuration points at it"},
			)
		}
		printer.Success("%s backend is reachable\n", cfg.Store.Backend)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pingCmd)
}
