package scan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists scan jobs, checkpoints, and snapshots. It owns the pool
// (rather than a DBTX) because checkpoint writes are transactional: the
// appended records and the new checkpoint commit together, which is what
// makes crash replay idempotent.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a scan Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const jobColumns = `scan_id, user_key, created_at, status, config, checkpoint, files_seen, bytes_seen, percent,
	started_at, updated_at, finished_at, error_code, cancel_requested`

func scanJobRow(row pgx.Row) (*Job, error) {
	var (
		j          Job
		configJSON []byte
		cpJSON     []byte
		errCode    *string
	)
	err := row.Scan(&j.ScanID, &j.UserKey, &j.CreatedAt, &j.Status, &configJSON, &cpJSON,
		&j.Progress.FilesSeen, &j.Progress.BytesSeen, &j.Progress.Percent,
		&j.StartedAt, &j.UpdatedAt, &j.FinishedAt, &errCode, &j.CancelRequested)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning job row: %w", err)
	}
	if err := json.Unmarshal(configJSON, &j.Config); err != nil {
		return nil, fmt.Errorf("decoding job config: %w", err)
	}
	if len(cpJSON) > 0 {
		if err := json.Unmarshal(cpJSON, &j.Checkpoint); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCheckpointCorrupt, err)
		}
	}
	if errCode != nil {
		j.ErrorCode = *errCode
	}
	return &j, nil
}

// CreateJob inserts a queued scan job.
func (s *Store) CreateJob(ctx context.Context, j *Job) error {
	configJSON, err := json.Marshal(j.Config)
	if err != nil {
		return fmt.Errorf("encoding job config: %w", err)
	}
	cpJSON, err := json.Marshal(j.Checkpoint)
	if err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO scans
		(scan_id, user_key, status, config, checkpoint)
		VALUES ($1, $2, $3, $4, $5)`,
		j.ScanID, j.UserKey, j.Status, configJSON, cpJSON)
	if err != nil {
		return fmt.Errorf("creating scan job: %w", err)
	}
	return nil
}

// GetJob returns a job by id.
func (s *Store) GetJob(ctx context.Context, scanID string) (*Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM scans WHERE scan_id = $1`, scanID)
	return scanJobRow(row)
}

// MarkRunning transitions a queued or paused job to running.
func (s *Store) MarkRunning(ctx context.Context, scanID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE scans
		SET status = 'running', started_at = COALESCE(started_at, now()), updated_at = now()
		WHERE scan_id = $1 AND status IN ('queued', 'paused', 'running')`, scanID)
	if err != nil {
		return fmt.Errorf("marking scan running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

// JobCursor is a keyset position in a user's scan history.
type JobCursor struct {
	CreatedAt time.Time
	ScanID    string
}

// ListJobs returns the user's scans newest first, starting strictly after
// the given cursor when present. Callers fetch limit+1 rows to detect
// further pages.
func (s *Store) ListJobs(ctx context.Context, userKey string, after *JobCursor, limit int) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM scans WHERE user_key = $1`
	args := []any{userKey}
	if after != nil {
		query += ` AND (created_at, scan_id) < ($2, $3)`
		args = append(args, after.CreatedAt, after.ScanID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, scan_id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing scans: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJobRow(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// MarkPaused parks a running job. Paused jobs keep their registry slot
// and resume from their checkpoint on the next process start.
func (s *Store) MarkPaused(ctx context.Context, scanID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE scans
		SET status = 'paused', updated_at = now()
		WHERE scan_id = $1 AND status = 'running'`, scanID)
	if err != nil {
		return fmt.Errorf("marking scan paused: %w", err)
	}
	return nil
}

// SetTerminal moves a job to a terminal status. Terminal statuses are
// final: a job already terminal is left untouched.
func (s *Store) SetTerminal(ctx context.Context, scanID string, status Status, errCode string) error {
	var code *string
	if errCode != "" {
		code = &errCode
	}
	_, err := s.pool.Exec(ctx, `UPDATE scans
		SET status = $2, error_code = $3, finished_at = now(), updated_at = now()
		WHERE scan_id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`,
		scanID, status, code)
	if err != nil {
		return fmt.Errorf("setting scan terminal status: %w", err)
	}
	return nil
}

// RequestCancel flags a non-terminal job for cancellation. The engine
// observes the flag at its next folder boundary.
func (s *Store) RequestCancel(ctx context.Context, scanID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE scans
		SET cancel_requested = true, updated_at = now()
		WHERE scan_id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`, scanID)
	if err != nil {
		return fmt.Errorf("requesting scan cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

// CancelRequested reads the job's cancellation flag.
func (s *Store) CancelRequested(ctx context.Context, scanID string) (bool, error) {
	var flag bool
	err := s.pool.QueryRow(ctx, `SELECT cancel_requested FROM scans WHERE scan_id = $1`, scanID).Scan(&flag)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrJobNotFound
	}
	if err != nil {
		return false, fmt.Errorf("reading cancel flag: %w", err)
	}
	return flag, nil
}

// ListResumable returns scan ids left queued, running or paused by a
// previous process, oldest first.
func (s *Store) ListResumable(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT scan_id FROM scans
		WHERE status IN ('running', 'paused', 'queued')
		ORDER BY updated_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing resumable scans: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning resumable row: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// EnsureSnapshot returns the snapshot attached to the scan, creating an
// unfinalized one on first call.
func (s *Store) EnsureSnapshot(ctx context.Context, scanID, userKey string) (*Snapshot, error) {
	snap := &Snapshot{}
	err := s.pool.QueryRow(ctx, `INSERT INTO snapshots (snapshot_id, scan_id, user_key)
		VALUES ($1, $2, $3)
		ON CONFLICT (scan_id) DO UPDATE SET scan_id = EXCLUDED.scan_id
		RETURNING snapshot_id, scan_id, user_key, taken_at, total_files, total_bytes, finalized`,
		uuid.NewString(), scanID, userKey,
	).Scan(&snap.SnapshotID, &snap.ScanID, &snap.UserKey, &snap.TakenAt,
		&snap.TotalFiles, &snap.TotalBytes, &snap.Finalized)
	if err != nil {
		return nil, fmt.Errorf("ensuring snapshot: %w", err)
	}
	return snap, nil
}

// SaveCheckpoint atomically appends buffered records and persists the new
// traversal position. Records replayed after a crash hit the primary key
// and are ignored, so the snapshot never holds duplicates.
func (s *Store) SaveCheckpoint(ctx context.Context, scanID, snapshotID string, records []FileRecord, cp Checkpoint, prog Progress) error {
	cpJSON, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning checkpoint tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if len(records) > 0 {
		batch := &pgx.Batch{}
		for i := range records {
			r := &records[i]
			caps, err := json.Marshal(r.Capabilities)
			if err != nil {
				return fmt.Errorf("encoding capabilities: %w", err)
			}
			batch.Queue(`INSERT INTO snapshot_records
				(snapshot_id, file_id, name, mime_type, mime_category, size_bytes,
				 modified_at, created_at, parent_ids, shared, trashed, checksum, capabilities)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
				ON CONFLICT (snapshot_id, file_id) DO NOTHING`,
				snapshotID, r.FileID, r.Name, r.MimeType, r.MimeCategory, r.SizeBytes,
				r.ModifiedAt, r.CreatedAt, r.ParentIDs, r.Shared, r.Trashed,
				nullable(r.Checksum), caps)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("appending snapshot records: %w", err)
		}
	}

	tag, err := tx.Exec(ctx, `UPDATE scans
		SET checkpoint = $2, files_seen = $3, bytes_seen = $4, percent = $5, updated_at = now()
		WHERE scan_id = $1 AND status = 'running'`,
		scanID, cpJSON, prog.FilesSeen, prog.BytesSeen, prog.Percent)
	if err != nil {
		return fmt.Errorf("updating checkpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}

	return tx.Commit(ctx)
}

// FinalizeSnapshot computes totals from the stored records and marks the
// snapshot immutable.
func (s *Store) FinalizeSnapshot(ctx context.Context, snapshotID string) (*Snapshot, error) {
	snap := &Snapshot{}
	err := s.pool.QueryRow(ctx, `UPDATE snapshots SET
		total_files = stats.files,
		total_bytes = stats.bytes,
		taken_at = now(),
		finalized = true
		FROM (
			SELECT count(*) AS files, COALESCE(sum(size_bytes), 0) AS bytes
			FROM snapshot_records
			WHERE snapshot_id = $1 AND mime_category <> 'Folder'
		) AS stats
		WHERE snapshot_id = $1
		RETURNING snapshot_id, scan_id, user_key, taken_at, total_files, total_bytes, finalized`,
		snapshotID,
	).Scan(&snap.SnapshotID, &snap.ScanID, &snap.UserKey, &snap.TakenAt,
		&snap.TotalFiles, &snap.TotalBytes, &snap.Finalized)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finalizing snapshot: %w", err)
	}
	return snap, nil
}

// GetSnapshot returns snapshot metadata by id.
func (s *Store) GetSnapshot(ctx context.Context, snapshotID string) (*Snapshot, error) {
	snap := &Snapshot{}
	err := s.pool.QueryRow(ctx, `SELECT snapshot_id, scan_id, user_key, taken_at, total_files, total_bytes, finalized
		FROM snapshots WHERE snapshot_id = $1`, snapshotID,
	).Scan(&snap.SnapshotID, &snap.ScanID, &snap.UserKey, &snap.TakenAt,
		&snap.TotalFiles, &snap.TotalBytes, &snap.Finalized)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting snapshot: %w", err)
	}
	return snap, nil
}

// StreamRecords reads a snapshot's records in stable file-id order,
// invoking fn for each. Reads stream through a single query cursor, so
// very large snapshots never materialize in memory.
func (s *Store) StreamRecords(ctx context.Context, snapshotID string, fn func(*FileRecord) error) error {
	rows, err := s.pool.Query(ctx, `SELECT
		file_id, name, mime_type, mime_category, size_bytes, modified_at, created_at,
		parent_ids, shared, trashed, checksum, capabilities
		FROM snapshot_records WHERE snapshot_id = $1 ORDER BY file_id`, snapshotID)
	if err != nil {
		return fmt.Errorf("streaming snapshot records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			r        FileRecord
			checksum *string
			capsJSON []byte
		)
		if err := rows.Scan(&r.FileID, &r.Name, &r.MimeType, &r.MimeCategory, &r.SizeBytes,
			&r.ModifiedAt, &r.CreatedAt, &r.ParentIDs, &r.Shared, &r.Trashed,
			&checksum, &capsJSON); err != nil {
			return fmt.Errorf("scanning snapshot record: %w", err)
		}
		if checksum != nil {
			r.Checksum = *checksum
		}
		if len(capsJSON) > 0 {
			if err := json.Unmarshal(capsJSON, &r.Capabilities); err != nil {
				return fmt.Errorf("decoding capabilities: %w", err)
			}
		}
		if err := fn(&r); err != nil {
			return err
		}
	}
	return rows.Err()
}

// LastCompletedTotal returns the file total of the user's most recent
// finalized snapshot, used to seed the progress estimator. Zero when the
// user has no history.
func (s *Store) LastCompletedTotal(ctx context.Context, userKey string) (int64, error) {
	var total int64
	err := s.pool.QueryRow(ctx, `SELECT total_files FROM snapshots
		WHERE user_key = $1 AND finalized
		ORDER BY taken_at DESC LIMIT 1`, userKey).Scan(&total)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading last snapshot total: %w", err)
	}
	return total, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
