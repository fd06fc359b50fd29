package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dyluth/factcask/internal/printer"
	"github.com/spf13/cobra"
)

var (
	factsNS     string
	factsType   string
	factsAgg    string
	factsAfter  int64
	factsOutput string
)

var factsCmd = &cobra.Command{
	Use:   "facts",
	Short: "List facts matching a namespace, type and aggregate",
	Long: `List the facts of a namespace in log order, optionally narrowed by type and
aggregate, and starting after a serial.

Output Formats:
  default - Human-readable table
  jsonl   - Line-delimited JSON, one fact per line

Examples:
  factcask facts --ns users
  factcask facts --ns users --type UserRenamed --after 120 --output jsonl`,
	RunE: runFacts,
}

func init() {
	factsCmd.Flags().StringVar(&factsNS, "ns", "", "Namespace (required)")
	factsCmd.Flags().StringVar(&factsType, "type", "", "Only facts of this type")
	factsCmd.Flags().StringVar(&factsAgg, "agg", "", "Only facts of this aggregate")
	factsCmd.Flags().Int64Var(&factsAfter, "after", 0, "Only facts with a greater serial")
	factsCmd.Flags().StringVarP(&factsOutput, "output", "o", "default", "Output format: default or jsonl")

	rootCmd.AddCommand(factsCmd)
}

func runFacts(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if factsOutput != "default" && factsOutput != "jsonl" {
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", factsOutput),
			[]string{"Valid formats: default, jsonl"},
		)
	}
	criteria, err := criteriaFor(factsNS, factsType, factsAgg)
	if err != nil {
		return printer.Error("invalid criteria", err.Error(), nil)
	}

	store, _, err := openBackendOrFail()
	if err != nil {
		return err
	}
	defer store.Close()

	facts, err := store.Facts(ctx, criteria, factsAfter)
	if err != nil {
		return printer.Error("failed to read facts", err.Error(), nil)
	}

	if factsOutput == "jsonl" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		for _, f := range facts {
			if err := enc.Encode(f); err != nil {
				return fmt.Errorf("failed to encode fact %s: %w", f.ID, err)
			}
		}
		return nil
	}
	return printer.Facts(facts)
}
