// Package fact defines the immutable records held by a factcask store and the
// selectors used to match them.
//
// # Overview
//
// A Fact is an append-only event record with a namespace, a type and an optional
// set of aggregate identities. Once a store has accepted a fact it never changes;
// the store assigns it a monotonically increasing Serial that fixes its position
// in the log.
//
// A Spec selects facts by namespace, type, payload version, aggregate identity and
// meta entries. Criteria is an ordered list of specs and matches a fact if any of its
// specs does. Criteria is what a StateToken tracks: a token issued for some criteria
// goes stale as soon as a matching fact is appended.
//
// # Usage Example
//
//	userID := uuid.New()
//	f, err := fact.New("users", "UserCreated", map[string]string{"name": "Ann"}, userID)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	criteria := fact.Criteria{fact.NS("users").WithAggID(userID)}
//	criteria.Matches(f) // true
package fact
