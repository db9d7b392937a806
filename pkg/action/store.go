package action

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/wisbric/filepilot/internal/db"
)

// Store persists action batches.
type Store struct {
	dbtx db.DBTX
}

// NewStore creates an action Store backed by the given database connection.
func NewStore(dbtx db.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

const batchColumns = `batch_id, user_key, status, safety_level, continue_on_error, max_concurrency,
	proposals, results, rollback_plan, created_at, executed_at`

func scanBatchRow(row pgx.Row) (*Batch, error) {
	var (
		b             Batch
		proposalsJSON []byte
		resultsJSON   []byte
		rollbackJSON  []byte
	)
	err := row.Scan(&b.BatchID, &b.UserKey, &b.Status, &b.SafetyLevel, &b.ContinueOnError,
		&b.MaxConcurrency, &proposalsJSON, &resultsJSON, &rollbackJSON, &b.CreatedAt, &b.ExecutedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrBatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning batch row: %w", err)
	}
	if err := json.Unmarshal(proposalsJSON, &b.Proposals); err != nil {
		return nil, fmt.Errorf("decoding proposals: %w", err)
	}
	if len(resultsJSON) > 0 {
		if err := json.Unmarshal(resultsJSON, &b.Results); err != nil {
			return nil, fmt.Errorf("decoding results: %w", err)
		}
	}
	if len(rollbackJSON) > 0 {
		if err := json.Unmarshal(rollbackJSON, &b.Rollback); err != nil {
			return nil, fmt.Errorf("decoding rollback plan: %w", err)
		}
	}
	return &b, nil
}

// Create inserts a batch in its initial status.
func (s *Store) Create(ctx context.Context, b *Batch) error {
	proposalsJSON, err := json.Marshal(b.Proposals)
	if err != nil {
		return fmt.Errorf("encoding proposals: %w", err)
	}
	_, err = s.dbtx.Exec(ctx, `INSERT INTO batches
		(batch_id, user_key, status, safety_level, continue_on_error, max_concurrency, proposals)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		b.BatchID, b.UserKey, b.Status, b.SafetyLevel, b.ContinueOnError, b.MaxConcurrency, proposalsJSON)
	if err != nil {
		return fmt.Errorf("creating batch: %w", err)
	}
	return nil
}

// Get returns a batch by id.
func (s *Store) Get(ctx context.Context, batchID string) (*Batch, error) {
	row := s.dbtx.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE batch_id = $1`, batchID)
	return scanBatchRow(row)
}

// ListByUser returns the user's batches newest first with offset
// pagination.
func (s *Store) ListByUser(ctx context.Context, userKey string, limit, offset int) ([]*Batch, error) {
	rows, err := s.dbtx.Query(ctx, `SELECT `+batchColumns+` FROM batches
		WHERE user_key = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		userKey, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing batches: %w", err)
	}
	defer rows.Close()

	var batches []*Batch
	for rows.Next() {
		b, err := scanBatchRow(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// CountByUser returns the user's total batch count.
func (s *Store) CountByUser(ctx context.Context, userKey string) (int, error) {
	var count int
	if err := s.dbtx.QueryRow(ctx, `SELECT count(*) FROM batches WHERE user_key = $1`, userKey).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting batches: %w", err)
	}
	return count, nil
}

// Transition moves the batch from one status to another as a
// compare-and-set; a concurrent mover loses with ErrBatchStateInvalid.
func (s *Store) Transition(ctx context.Context, batchID string, from, to BatchStatus) error {
	if !from.CanTransition(to) {
		return ErrBatchStateInvalid
	}
	tag, err := s.dbtx.Exec(ctx, `UPDATE batches SET status = $3 WHERE batch_id = $1 AND status = $2`,
		batchID, from, to)
	if err != nil {
		return fmt.Errorf("transitioning batch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBatchStateInvalid
	}
	return nil
}

// SaveExecution records the execution outcome: per-proposal results, the
// rollback plan, and the terminal execution status.
func (s *Store) SaveExecution(ctx context.Context, batchID string, results []Result, plan *RollbackPlan, status BatchStatus, executedAt time.Time) error {
	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("encoding results: %w", err)
	}
	planJSON, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("encoding rollback plan: %w", err)
	}
	tag, err := s.dbtx.Exec(ctx, `UPDATE batches
		SET results = $2, rollback_plan = $3, status = $4, executed_at = $5
		WHERE batch_id = $1 AND status = 'executing'`,
		batchID, resultsJSON, planJSON, status, executedAt)
	if err != nil {
		return fmt.Errorf("saving execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBatchStateInvalid
	}
	return nil
}
