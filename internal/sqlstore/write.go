package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dyluth/factcask/pkg/fact"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

// Publish appends facts unconditionally.
func (s *Store) Publish(ctx context.Context, facts []fact.Fact) error {
	valid, err := validate(facts)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return insertFacts(ctx, tx, valid)
	})
}

// StateFor issues a token capturing the current head of the log for criteria.
func (s *Store) StateFor(ctx context.Context, criteria fact.Criteria) (fact.StateToken, error) {
	if err := criteria.Validate(); err != nil {
		return fact.StateToken{}, fmt.Errorf("invalid criteria: %w", err)
	}
	criteriaJSON, err := json.Marshal(criteria)
	if err != nil {
		return fact.StateToken{}, fmt.Errorf("failed to marshal criteria: %w", err)
	}

	token := fact.StateToken{UUID: uuid.New()}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO state_token (id, serial, criteria)
		VALUES (?, (SELECT COALESCE(MAX(serial), 0) FROM fact), ?)
	`, token.String(), string(criteriaJSON))
	if err != nil {
		return fact.StateToken{}, fmt.Errorf("write state token: %w", err)
	}
	return token, nil
}

// PublishIfUnchanged appends facts if no fact matching the token's criteria was
// appended since the token was issued. The check and the append share one
// transaction. Unknown tokens never publish.
func (s *Store) PublishIfUnchanged(ctx context.Context, facts []fact.Fact, token fact.StateToken) (bool, error) {
	valid, err := validate(facts)
	if err != nil {
		return false, err
	}

	published := false
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		var since int64
		var criteriaJSON string
		err := tx.QueryRowContext(ctx, `SELECT serial, criteria FROM state_token WHERE id = ?`, token.String()).
			Scan(&since, &criteriaJSON)
		if errors.Is(err, sql.ErrNoRows) {
			s.logger.Debug("unknown state token", "token", token)
			return nil
		}
		if err != nil {
			return fmt.Errorf("read state token: %w", err)
		}

		var criteria fact.Criteria
		if err := json.Unmarshal([]byte(criteriaJSON), &criteria); err != nil {
			return fmt.Errorf("failed to unmarshal criteria of token %s: %w", token, err)
		}

		changed, err := readFacts(ctx, tx, criteria, since)
		if err != nil {
			return err
		}
		if len(changed) > 0 {
			return nil
		}

		if err := insertFacts(ctx, tx, valid); err != nil {
			return err
		}
		published = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return published, nil
}

// Invalidate deletes token. Unknown tokens are ignored.
func (s *Store) Invalidate(ctx context.Context, token fact.StateToken) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM state_token WHERE id = ?`, token.String()); err != nil {
		return fmt.Errorf("delete state token: %w", err)
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// insertFacts appends facts after the current head. A reused fact id fails the
// whole batch with fact.ErrDuplicateFact.
func insertFacts(ctx context.Context, tx *sql.Tx, facts []fact.Fact) error {
	var head int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(serial), 0) FROM fact`).Scan(&head); err != nil {
		return fmt.Errorf("read head serial: %w", err)
	}

	for i, f := range facts {
		serial := head + int64(i) + 1
		metaJSON, err := json.Marshal(f.Meta)
		if err != nil {
			return fmt.Errorf("failed to marshal meta of fact %s: %w", f.ID, err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO fact (serial, id, ns, type, version, meta, payload)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`,
			serial,
			f.ID.String(),
			f.NS,
			f.Type,
			f.Version,
			string(metaJSON),
			string(f.Payload),
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("fact %s: %w", f.ID, fact.ErrDuplicateFact)
		}
		if err != nil {
			return fmt.Errorf("write fact %s: %w", f.ID, err)
		}

		for pos, aggID := range f.AggIDs {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO fact_aggid (serial, position, agg_id) VALUES (?, ?, ?)
			`, serial, pos, aggID.String())
			if err != nil {
				return fmt.Errorf("write aggregate ids of fact %s: %w", f.ID, err)
			}
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

// validate checks facts and returns normalised copies.
func validate(facts []fact.Fact) ([]fact.Fact, error) {
	valid := make([]fact.Fact, len(facts))
	for i := range facts {
		f := facts[i]
		if err := f.Validate(); err != nil {
			return nil, fmt.Errorf("invalid fact at index %d: %w", i, err)
		}
		valid[i] = f
	}
	return valid, nil
}
