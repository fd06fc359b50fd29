// Package lock implements optimistic-concurrency publishing against a fact store.
//
// # Overview
//
// Any number of writers may race to compute new facts from a consistent read of the
// store. None of them takes a lock: each acquires a StateToken for the criteria its
// decision depends on, runs its business logic, and asks the store to publish the
// resulting facts only if nothing matching those criteria was appended in between.
// The store serialises that single compare-and-append step; a writer that loses the
// race simply re-reads and decides again, up to a bounded number of times.
//
// # Usage Example
//
//	l, err := lock.New(store, fact.Criteria{fact.NS("users").WithAggID(userID)})
//	if err != nil {
//		return err
//	}
//
//	res, err := l.Attempt(ctx, func(ctx context.Context) (*lock.IntermediatePublishResult, error) {
//		existing, err := store.Facts(ctx, criteria, 0)
//		if err != nil {
//			return nil, err
//		}
//		if len(existing) > 0 {
//			return nil, lock.Abort("user %s already exists", userID)
//		}
//		created, err := fact.New("users", "UserCreated", payload, userID)
//		if err != nil {
//			return nil, err
//		}
//		return lock.Publish(created).AndThen(notifyWelcomeMail), nil
//	})
//
// # Outcomes
//
// Conflicts never escape Attempt. Every other outcome is an *Error whose Kind tells
// the caller what happened:
//
//   - KindAborted: the business logic declined to publish (or failed); nothing was written
//   - KindRetriesExceeded: every attempt conflicted; nothing was written
//   - KindExceptionAfterPublish: facts were written, the follow-up action failed
//   - KindContractViolation: the business logic returned no facts without aborting
//
// Store failures (connectivity and the like) are returned wrapped and unclassified.
package lock
