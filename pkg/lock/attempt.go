package lock

import (
	"context"

	"github.com/dyluth/factcask/pkg/fact"
)

// Attempt is a unit of business logic run against the current state of the store.
// It may be invoked several times within one operation, each time after the state
// changed underneath it, and must decide afresh on every run.
type Attempt func(ctx context.Context) (*IntermediatePublishResult, error)

// IntermediatePublishResult is what an attempt wants published, plus an optional
// action to run once the facts are committed.
type IntermediatePublishResult struct {
	facts   []fact.Fact
	andThen func() error
}

// Publish returns a result publishing the given facts in order.
func Publish(facts ...fact.Fact) *IntermediatePublishResult {
	return &IntermediatePublishResult{facts: facts}
}

// AndThen sets the follow-up action. It runs only after the facts were accepted.
func (r *IntermediatePublishResult) AndThen(fn func() error) *IntermediatePublishResult {
	r.andThen = fn
	return r
}

// Facts returns the facts to publish.
func (r *IntermediatePublishResult) Facts() []fact.Fact {
	return r.facts
}

// PublishingResult holds the facts that were durably published.
type PublishingResult struct {
	Facts []fact.Fact
}
