package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/dyluth/factcask/internal/printer"
	"github.com/dyluth/factcask/pkg/fact"
	"github.com/dyluth/factcask/pkg/lock"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// SeqMetaKey is the meta entry carrying the number of facts the publisher saw plus one.
const SeqMetaKey = "seq"

var (
	publishNS          string
	publishType        string
	publishAgg         string
	publishPayload     string
	publishExpectCount int
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish a fact under an optimistic lock",
	Long: `Publish one fact, conditional on the facts in the namespace (or, with --agg,
of the aggregate) being unchanged between reading them and publishing.

The fact carries a "seq" meta entry holding the number of matching facts seen
plus one. With --expect-count the publish is aborted unless exactly that many
matching facts exist. Conflicts with concurrent publishers are retried up to
lock.retry times.

Examples:
  # Append to a namespace
  factcask publish --ns users --type UserCreated --payload '{"name":"ann"}'

  # Append to an aggregate only if it has exactly 3 facts
  factcask publish --ns users --type UserRenamed --agg 1f0c... --expect-count 3`,
	RunE: runPublish,
}

func init() {
	publishCmd.Flags().StringVar(&publishNS, "ns", "", "Namespace of the fact and of the lock (required)")
	publishCmd.Flags().StringVar(&publishType, "type", "", "Type of the fact (required)")
	publishCmd.Flags().StringVar(&publishAgg, "agg", "", "Aggregate id; narrows the lock to this aggregate")
	publishCmd.Flags().StringVar(&publishPayload, "payload", "{}", "JSON payload")
	publishCmd.Flags().IntVar(&publishExpectCount, "expect-count", -1, "Abort unless exactly this many matching facts exist")

	rootCmd.AddCommand(publishCmd)
}

func runPublish(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if publishType == "" {
		return printer.Error("missing fact type", "--type is required", nil)
	}
	criteria, err := criteriaFor(publishNS, "", publishAgg)
	if err != nil {
		return printer.Error("invalid lock scope", err.Error(), nil)
	}
	if !json.Valid([]byte(publishPayload)) {
		return printer.Error("invalid payload", "--payload must be a JSON document", []string{`Example: --payload '{"name":"ann"}'`})
	}
	var aggIDs []uuid.UUID
	if criteria[0].AggID != nil {
		aggIDs = []uuid.UUID{*criteria[0].AggID}
	}

	store, _, err := openBackendOrFail()
	if err != nil {
		return err
	}
	defer store.Close()

	l, err := lock.New(store, criteria,
		lock.WithRetry(cfg.Lock.Retry),
		lock.WithInterval(cfg.Lock.Interval),
		lock.WithLogger(logger))
	if err != nil {
		return printer.Error("invalid lock configuration", err.Error(), nil)
	}

	result, err := l.Attempt(ctx, func(ctx context.Context) (*lock.IntermediatePublishResult, error) {
		current, err := store.Facts(ctx, criteria, 0)
		if err != nil {
			return nil, err
		}
		if publishExpectCount >= 0 && len(current) != publishExpectCount {
			return nil, lock.Abort("expected %d facts, found %d", publishExpectCount, len(current))
		}

		f := fact.Fact{
			ID:      uuid.New(),
			NS:      publishNS,
			Type:    publishType,
			AggIDs:  aggIDs,
			Meta:    map[string]string{SeqMetaKey: strconv.Itoa(len(current) + 1)},
			Payload: json.RawMessage(publishPayload),
		}
		return lock.Publish(f).AndThen(func() error {
			logger.Debug("fact published", "id", f.ID, "seq", len(current)+1)
			return nil
		}), nil
	})
	if err != nil {
		return reportLockError(err, criteria)
	}

	for _, f := range result.Facts {
		stored, err := store.FetchByID(ctx, f.ID)
		if err != nil {
			return fmt.Errorf("failed to read back published fact %s: %w", f.ID, err)
		}
		printer.Success("Published fact %s (serial %d, seq %s)\n", stored.ID, stored.Serial, stored.Meta[SeqMetaKey])
	}
	return nil
}

func reportLockError(err error, criteria fact.Criteria) error {
	details := map[string]string{"Criteria": criteria[0].String()}

	kind, _ := lock.KindOf(err)
	switch kind {
	case lock.KindAborted:
		return printer.ErrorWithContext("publish aborted", err.Error(), details, nil)

	case lock.KindRetriesExceeded:
		details["Retries"] = strconv.Itoa(cfg.Lock.Retry)
		return printer.ErrorWithContext(
			"publish gave up",
			"The facts kept changing while the publish was being decided.",
			details,
			[]string{"Retry later", "Raise lock.retry or lock.interval in the configuration"},
		)

	case lock.KindExceptionAfterPublish:
		return printer.ErrorWithContext(
			"fact published, but the follow-up failed",
			err.Error(),
			details,
			[]string{"Do not publish again; the fact is already stored"},
		)
	}

	return printer.ErrorWithContext("publish failed", err.Error(), details, nil)
}
