package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dyluth/factcask/pkg/fact"
	"github.com/google/uuid"
)

// Facts returns the facts matching criteria with a serial greater than afterSerial,
// in log order.
func (s *Store) Facts(ctx context.Context, criteria fact.Criteria, afterSerial int64) ([]fact.Fact, error) {
	return readFacts(ctx, s.db, criteria, afterSerial)
}

// FetchByID returns the fact with the given id or fact.ErrNotFound.
func (s *Store) FetchByID(ctx context.Context, id uuid.UUID) (*fact.Fact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT serial, id, ns, type, version, meta, payload
		FROM fact WHERE id = ?
	`, id.String())
	if err != nil {
		return nil, fmt.Errorf("query fact %s: %w", id, err)
	}
	facts, err := scanFacts(rows)
	if err != nil {
		return nil, err
	}
	if len(facts) == 0 {
		return nil, fact.ErrNotFound
	}
	if err := attachAggIDs(ctx, s.db, facts); err != nil {
		return nil, err
	}
	return &facts[0], nil
}

// readFacts narrows by namespace in SQL and applies the rest of criteria in Go.
func readFacts(ctx context.Context, q querier, criteria fact.Criteria, afterSerial int64) ([]fact.Fact, error) {
	result := []fact.Fact{}
	if len(criteria) == 0 {
		return result, nil
	}

	namespaces := map[string]bool{}
	args := []any{afterSerial}
	for _, spec := range criteria {
		if !namespaces[spec.NS] {
			namespaces[spec.NS] = true
			args = append(args, spec.NS)
		}
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(args)-1), ",")

	rows, err := q.QueryContext(ctx, `
		SELECT serial, id, ns, type, version, meta, payload
		FROM fact
		WHERE serial > ? AND ns IN (`+placeholders+`)
		ORDER BY serial
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query facts: %w", err)
	}
	candidates, err := scanFacts(rows)
	if err != nil {
		return nil, err
	}
	if err := attachAggIDs(ctx, q, candidates); err != nil {
		return nil, err
	}

	for _, f := range candidates {
		if criteria.Matches(f) {
			result = append(result, f)
		}
	}
	return result, nil
}

func scanFacts(rows *sql.Rows) ([]fact.Fact, error) {
	defer rows.Close()

	var facts []fact.Fact
	for rows.Next() {
		var (
			f        fact.Fact
			id       string
			metaJSON string
			payload  string
		)
		if err := rows.Scan(&f.Serial, &id, &f.NS, &f.Type, &f.Version, &metaJSON, &payload); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}

		parsed, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("invalid fact id %q at serial %d: %w", id, f.Serial, err)
		}
		f.ID = parsed
		if err := json.Unmarshal([]byte(metaJSON), &f.Meta); err != nil {
			return nil, fmt.Errorf("invalid meta of fact %s: %w", id, err)
		}
		f.Payload = json.RawMessage(payload)
		facts = append(facts, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate facts: %w", err)
	}
	return facts, nil
}

// attachAggIDs loads the aggregate ids of facts, which must be ordered by serial.
func attachAggIDs(ctx context.Context, q querier, facts []fact.Fact) error {
	if len(facts) == 0 {
		return nil
	}

	bySerial := make(map[int64]*fact.Fact, len(facts))
	for i := range facts {
		bySerial[facts[i].Serial] = &facts[i]
	}

	rows, err := q.QueryContext(ctx, `
		SELECT serial, agg_id FROM fact_aggid
		WHERE serial BETWEEN ? AND ?
		ORDER BY serial, position
	`, facts[0].Serial, facts[len(facts)-1].Serial)
	if err != nil {
		return fmt.Errorf("query aggregate ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var serial int64
		var aggID string
		if err := rows.Scan(&serial, &aggID); err != nil {
			return fmt.Errorf("scan aggregate id: %w", err)
		}
		f, ok := bySerial[serial]
		if !ok {
			continue
		}
		parsed, err := uuid.Parse(aggID)
		if err != nil {
			return fmt.Errorf("invalid aggregate id %q at serial %d: %w", aggID, serial, err)
		}
		f.AggIDs = append(f.AggIDs, parsed)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate aggregate ids: %w", err)
	}
	return nil
}
