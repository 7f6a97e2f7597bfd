package sqldb

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"funnelpower/domain/experiment"
	"funnelpower/internal/errors"
	"funnelpower/internal/wire"

	"github.com/jmoiron/sqlx"
)

// DefaultRunName is the name of the cache entry when none is given.
const DefaultRunName = "default"

// RunStore keeps the cached permutation run in the permutation_runs table, one row
// per cache name.
type RunStore struct {
	db   *sqlx.DB
	name string
}

// NewRunStore creates a SQL run store
func NewRunStore(db *sqlx.DB, name string) *RunStore {
	if name == "" {
		name = DefaultRunName
	}
	return &RunStore{db: db, name: name}
}

type runRow struct {
	Name        string `db:"name"`
	RunID       string `db:"run_id"`
	CacheKey    string `db:"cache_key"`
	Iterations  int    `db:"iterations"`
	RecordCount int    `db:"record_count"`
	Complete    bool   `db:"complete"`
	Document    string `db:"document"`
}

// Load reads the stored run
func (s *RunStore) Load(ctx context.Context) (experiment.PermutationRun, error) {
	var row runRow
	query := s.db.Rebind(`
		SELECT name, run_id, cache_key, iterations, record_count, complete, document
		FROM permutation_runs WHERE name = ?`)
	err := s.db.GetContext(ctx, &row, query, s.name)
	if err == sql.ErrNoRows {
		return experiment.PermutationRun{}, errors.NotFound(fmt.Sprintf("permutation run %q", s.name))
	}
	if err != nil {
		return experiment.PermutationRun{}, errors.WithCode(errors.CodeDatabaseError, fmt.Errorf("failed to load permutation run: %w", err))
	}

	doc, err := wire.DecodeRun(strings.NewReader(row.Document))
	if err != nil {
		return experiment.PermutationRun{}, err
	}
	if len(doc.Records) != row.RecordCount {
		return experiment.PermutationRun{}, errors.SchemaError(fmt.Sprintf(
			"permutation run %q holds %d records, row says %d", s.name, len(doc.Records), row.RecordCount))
	}
	return doc.ToRun(), nil
}

// Save upserts the run
func (s *RunStore) Save(ctx context.Context, run experiment.PermutationRun) error {
	var buf bytes.Buffer
	if err := wire.EncodeRun(&buf, run); err != nil {
		return err
	}
	key, err := json.Marshal(run.Settings.CacheKey())
	if err != nil {
		return fmt.Errorf("failed to marshal cache key: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.WithCode(errors.CodeDatabaseError, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM permutation_runs WHERE name = ?`), s.name); err != nil {
		return errors.WithCode(errors.CodeDatabaseError, fmt.Errorf("failed to replace permutation run: %w", err))
	}
	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO permutation_runs (
			name, run_id, cache_key, iterations, record_count, complete, document, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		s.name,
		run.ID,
		string(key),
		run.Iterations,
		len(run.Records),
		run.Complete,
		buf.String(),
		run.CreatedAt,
	)
	if err != nil {
		return errors.WithCode(errors.CodeDatabaseError, fmt.Errorf("failed to insert permutation run: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return errors.WithCode(errors.CodeDatabaseError, fmt.Errorf("failed to commit permutation run: %w", err))
	}
	return nil
}

// Delete removes the stored run
func (s *RunStore) Delete(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM permutation_runs WHERE name = ?`), s.name)
	if err != nil {
		return errors.WithCode(errors.CodeDatabaseError, fmt.Errorf("failed to delete permutation run: %w", err))
	}
	return nil
}
