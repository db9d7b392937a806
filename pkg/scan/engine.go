package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wisbric/filepilot/internal/telemetry"
	"github.com/wisbric/filepilot/pkg/events"
	"github.com/wisbric/filepilot/pkg/gateway"
	"github.com/wisbric/filepilot/pkg/registry"
	"github.com/wisbric/filepilot/pkg/token"
)

// Remote is the slice of the gateway the engine needs. *gateway.Gateway
// satisfies it.
type Remote interface {
	RootFolderID(ctx context.Context, userKey string) (string, error)
	ListChildren(ctx context.Context, userKey, folderID, pageCursor string) (*gateway.Page, error)
}

// engineStore is the persistence surface the engine needs; *Store is the
// production implementation.
type engineStore interface {
	GetJob(ctx context.Context, scanID string) (*Job, error)
	MarkRunning(ctx context.Context, scanID string) error
	MarkPaused(ctx context.Context, scanID string) error
	SetTerminal(ctx context.Context, scanID string, status Status, errCode string) error
	CancelRequested(ctx context.Context, scanID string) (bool, error)
	EnsureSnapshot(ctx context.Context, scanID, userKey string) (*Snapshot, error)
	SaveCheckpoint(ctx context.Context, scanID, snapshotID string, records []FileRecord, cp Checkpoint, prog Progress) error
	FinalizeSnapshot(ctx context.Context, snapshotID string) (*Snapshot, error)
	LastCompletedTotal(ctx context.Context, userKey string) (int64, error)
}

// EngineConfig tunes traversal pacing.
type EngineConfig struct {
	CheckpointEveryFiles int
	CheckpointEvery      time.Duration
	ProgressEmitEvery    time.Duration
	OverallDeadline      time.Duration
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.CheckpointEveryFiles <= 0 {
		c.CheckpointEveryFiles = 500
	}
	if c.CheckpointEvery <= 0 {
		c.CheckpointEvery = 5 * time.Second
	}
	if c.ProgressEmitEvery <= 0 {
		c.ProgressEmitEvery = 500 * time.Millisecond
	}
	if c.OverallDeadline <= 0 {
		c.OverallDeadline = 60 * time.Minute
	}
	return c
}

// Engine runs scans. It is single-threaded within one traversal, which
// keeps the checkpoint a plain queue-plus-visited-set.
type Engine struct {
	store    engineStore
	remote   Remote
	bus      *events.Bus
	registry *registry.Registry
	cfg      EngineConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewEngine creates a scan Engine.
func NewEngine(store *Store, remote Remote, bus *events.Bus, reg *registry.Registry, cfg EngineConfig, logger *slog.Logger) *Engine {
	return &Engine{
		store:    store,
		remote:   remote,
		bus:      bus,
		registry: reg,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		now:      time.Now,
	}
}

// run state for one traversal.
type traversal struct {
	job      *Job
	snapshot *Snapshot
	topic    string

	queue   []QueueItem
	visited map[string]bool
	buffer  []FileRecord

	prog Progress
	est  estimator

	lastProcessedID string
	lastEmittedSeq  uint64

	filesSinceCheckpoint int
	lastCheckpointAt     time.Time
	lastEmitAt           time.Time
	lastEmitPercent      int
}

// Run executes (or resumes) the scan until a terminal status. It owns the
// job record exclusively and releases the user's registry slot on exit.
func (e *Engine) Run(ctx context.Context, scanID string) error {
	job, err := e.store.GetJob(ctx, scanID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}

	if err := e.store.MarkRunning(ctx, scanID); err != nil {
		return err
	}

	snap, err := e.store.EnsureSnapshot(ctx, scanID, job.UserKey)
	if err != nil {
		return e.fail(ctx, job, ErrCodeInternal, err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.OverallDeadline)
	defer cancel()

	t := &traversal{
		job:              job,
		snapshot:         snap,
		topic:            events.ScanTopic(scanID),
		queue:            job.Checkpoint.Queue,
		visited:          make(map[string]bool, len(job.Checkpoint.Visited)),
		prog:             job.Progress,
		lastProcessedID:  job.Checkpoint.LastProcessedID,
		lastEmittedSeq:   job.Checkpoint.LastEmittedSeq,
		lastCheckpointAt: e.now(),
		lastEmitAt:       e.now(),
	}
	for _, id := range job.Checkpoint.Visited {
		t.visited[id] = true
	}

	t.est.seed = job.Checkpoint.EstimatedTotal
	if t.est.seed == 0 {
		if prev, err := e.store.LastCompletedTotal(ctx, job.UserKey); err == nil {
			t.est.seed = prev
		}
	}

	// Fresh scan: seed the queue with the user's root.
	if len(t.queue) == 0 && len(t.visited) == 0 {
		root, err := e.remote.RootFolderID(ctx, job.UserKey)
		if err != nil {
			return e.failFromRemote(ctx, t, err)
		}
		t.queue = []QueueItem{{FolderID: root, Depth: 0}}
	}

	e.logger.Info("scan traversal started",
		"scan_id", scanID,
		"user_key", job.UserKey,
		"queued_folders", len(t.queue),
		"resumed", len(t.visited) > 0,
	)

	for len(t.queue) > 0 {
		if err := ctx.Err(); err != nil {
			// Shutdown pauses for resume; the overall deadline fails.
			if errors.Is(err, context.Canceled) {
				return e.pause(t)
			}
			return e.deadline(t)
		}

		cancelled, err := e.store.CancelRequested(ctx, scanID)
		if err == nil && cancelled {
			return e.cancelled(ctx, t)
		}

		item := t.queue[0]
		t.queue = t.queue[1:]
		if t.visited[item.FolderID] {
			continue
		}

		if err := e.walkFolder(ctx, t, item); err != nil {
			return e.failFromRemote(ctx, t, err)
		}

		t.visited[item.FolderID] = true
		t.lastProcessedID = item.FolderID

		if t.filesSinceCheckpoint >= e.cfg.CheckpointEveryFiles ||
			e.now().Sub(t.lastCheckpointAt) >= e.cfg.CheckpointEvery {
			if err := e.checkpoint(ctx, t); err != nil {
				return e.fail(ctx, t.job, ErrCodeInternal, err)
			}
		}

		e.maybeEmitProgress(ctx, t, false)
	}

	return e.complete(ctx, t)
}

// walkFolder lists one folder and buffers its records.
func (e *Engine) walkFolder(ctx context.Context, t *traversal, item QueueItem) error {
	cursor := ""
	for {
		page, err := e.remote.ListChildren(ctx, t.job.UserKey, item.FolderID, cursor)
		if err != nil {
			// A folder deleted mid-scan is not a scan failure.
			if gateway.IsKind(err, gateway.KindNotFound) {
				e.logger.Warn("folder vanished during scan",
					"scan_id", t.job.ScanID, "folder_id", item.FolderID)
				return nil
			}
			return err
		}

		for i := range page.Files {
			f := &page.Files[i]
			if f.Trashed && !t.job.Config.IncludeTrashed {
				continue
			}

			rec := recordFromFile(f)
			t.buffer = append(t.buffer, rec)
			t.filesSinceCheckpoint++

			if f.IsFolder() {
				depth := item.Depth + 1
				if depth <= t.job.Config.MaxDepth && !t.visited[f.ID] {
					t.queue = append(t.queue, QueueItem{FolderID: f.ID, Depth: depth})
				}
				continue
			}

			t.prog.FilesSeen++
			t.prog.BytesSeen += f.SizeBytes
			telemetry.ScanFilesSeenTotal.Inc()
		}
		t.est.observe(len(page.Files))

		if page.NextCursor == "" {
			return nil
		}
		cursor = page.NextCursor
	}
}

// checkpoint flushes buffered records and the traversal position in one
// transaction.
func (e *Engine) checkpoint(ctx context.Context, t *traversal) error {
	start := e.now()

	t.prog.Percent = t.percent()
	cp := Checkpoint{
		Queue:           t.queue,
		Visited:         keys(t.visited),
		LastProcessedID: t.lastProcessedID,
		RecordsWritten:  t.job.Checkpoint.RecordsWritten + int64(len(t.buffer)),
		LastEmittedSeq:  t.lastEmittedSeq,
		EstimatedTotal:  t.est.estimate(t.prog.FilesSeen, len(t.queue)),
	}

	if err := e.store.SaveCheckpoint(ctx, t.job.ScanID, t.snapshot.SnapshotID, t.buffer, cp, t.prog); err != nil {
		return err
	}

	t.job.Checkpoint = cp
	t.buffer = t.buffer[:0]
	t.filesSinceCheckpoint = 0
	t.lastCheckpointAt = e.now()
	telemetry.ScanCheckpointDuration.Observe(e.now().Sub(start).Seconds())
	return nil
}

// maybeEmitProgress publishes a progress event, rate-limited to the emit
// interval or a one-percent change, unless forced.
func (e *Engine) maybeEmitProgress(ctx context.Context, t *traversal, force bool) {
	pct := t.percent()
	if !force {
		if e.now().Sub(t.lastEmitAt) < e.cfg.ProgressEmitEvery && pct-t.lastEmitPercent < 1 {
			return
		}
	}
	t.prog.Percent = pct

	ev, err := e.bus.Publish(ctx, t.topic, events.KindProgress, t.prog)
	if err != nil {
		e.logger.Warn("publishing scan progress", "error", err, "scan_id", t.job.ScanID)
		return
	}
	t.lastEmittedSeq = ev.Sequence
	t.lastEmitAt = e.now()
	t.lastEmitPercent = pct
}

// percent computes the capped progress percentage.
func (t *traversal) percent() int {
	total := t.est.estimate(t.prog.FilesSeen, len(t.queue))
	if total < t.prog.FilesSeen {
		total = t.prog.FilesSeen
	}
	if total == 0 {
		return 0
	}
	pct := int(100 * t.prog.FilesSeen / total)
	if pct > 99 {
		pct = 99
	}
	return pct
}

// complete finalizes the snapshot and closes out the job.
func (e *Engine) complete(ctx context.Context, t *traversal) error {
	if err := e.checkpoint(ctx, t); err != nil {
		return e.fail(ctx, t.job, ErrCodeInternal, err)
	}

	snap, err := e.store.FinalizeSnapshot(ctx, t.snapshot.SnapshotID)
	if err != nil {
		return e.fail(ctx, t.job, ErrCodeInternal, err)
	}

	t.prog.Percent = 100
	ev, err := e.bus.Publish(ctx, t.topic, events.KindProgress, t.prog)
	if err == nil {
		t.lastEmittedSeq = ev.Sequence
	}
	_, _ = e.bus.Publish(ctx, t.topic, events.KindComplete, map[string]any{
		"snapshot_id": snap.SnapshotID,
		"total_files": snap.TotalFiles,
		"total_bytes": snap.TotalBytes,
		"percent":     100,
	})

	if err := e.store.SetTerminal(ctx, t.job.ScanID, StatusCompleted, ""); err != nil {
		return err
	}
	e.release(t.job)
	telemetry.ScansCompletedTotal.WithLabelValues(string(StatusCompleted)).Inc()

	e.logger.Info("scan completed",
		"scan_id", t.job.ScanID,
		"snapshot_id", snap.SnapshotID,
		"total_files", snap.TotalFiles,
		"total_bytes", snap.TotalBytes,
	)
	return nil
}

// cancelled flushes state and closes the job as cancelled.
func (e *Engine) cancelled(ctx context.Context, t *traversal) error {
	if err := e.checkpoint(ctx, t); err != nil {
		e.logger.Error("flushing checkpoint on cancel", "error", err, "scan_id", t.job.ScanID)
	}
	_, _ = e.bus.Publish(ctx, t.topic, events.KindError, map[string]any{
		"code":     ErrCodeCancelled,
		"progress": t.prog,
	})
	if err := e.store.SetTerminal(ctx, t.job.ScanID, StatusCancelled, ErrCodeCancelled); err != nil {
		return err
	}
	e.release(t.job)
	telemetry.ScansCompletedTotal.WithLabelValues(string(StatusCancelled)).Inc()
	e.logger.Info("scan cancelled", "scan_id", t.job.ScanID, "files_seen", t.prog.FilesSeen)
	return nil
}

// pause flushes state and parks the job for resumption by the next
// process. The registry slot stays held: a paused scan is still the
// user's one active scan.
func (e *Engine) pause(t *traversal) error {
	flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := e.checkpoint(flushCtx, t); err != nil {
		e.logger.Error("flushing checkpoint on pause", "error", err, "scan_id", t.job.ScanID)
	}
	if err := e.store.MarkPaused(flushCtx, t.job.ScanID); err != nil {
		return err
	}
	_, _ = e.bus.Publish(flushCtx, t.topic, events.KindPhase, map[string]any{"phase": "paused"})
	e.logger.Info("scan paused for resume", "scan_id", t.job.ScanID, "files_seen", t.prog.FilesSeen)
	return nil
}

// deadline closes the job as failed with the deadline code. The flush uses
// a fresh context since the job's own is spent.
func (e *Engine) deadline(t *traversal) error {
	flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := e.checkpoint(flushCtx, t); err != nil {
		e.logger.Error("flushing checkpoint on deadline", "error", err, "scan_id", t.job.ScanID)
	}
	_, _ = e.bus.Publish(flushCtx, t.topic, events.KindError, map[string]any{"code": ErrCodeDeadline})
	if err := e.store.SetTerminal(flushCtx, t.job.ScanID, StatusFailed, ErrCodeDeadline); err != nil {
		return err
	}
	e.release(t.job)
	telemetry.ScansCompletedTotal.WithLabelValues(string(StatusFailed)).Inc()
	return fmt.Errorf("scan %s exceeded overall deadline", t.job.ScanID)
}

// failFromRemote maps a gateway or credential error onto the job's
// structured failure code, flushing buffered work first.
func (e *Engine) failFromRemote(ctx context.Context, t *traversal, cause error) error {
	if err := e.checkpoint(context.WithoutCancel(ctx), t); err != nil {
		e.logger.Error("flushing checkpoint on failure", "error", err, "scan_id", t.job.ScanID)
	}
	return e.fail(ctx, t.job, failureCode(cause), cause)
}

func (e *Engine) fail(ctx context.Context, job *Job, code string, cause error) error {
	ctx = context.WithoutCancel(ctx)
	_, _ = e.bus.Publish(ctx, events.ScanTopic(job.ScanID), events.KindError, map[string]any{"code": code})
	if err := e.store.SetTerminal(ctx, job.ScanID, StatusFailed, code); err != nil {
		e.logger.Error("setting scan failed", "error", err, "scan_id", job.ScanID)
	}
	e.release(job)
	telemetry.ScansCompletedTotal.WithLabelValues(string(StatusFailed)).Inc()
	e.logger.Error("scan failed", "scan_id", job.ScanID, "code", code, "error", cause)
	return cause
}

func (e *Engine) release(job *Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.registry.ReleaseScan(ctx, job.UserKey, job.ScanID); err != nil {
		e.logger.Error("releasing scan slot", "error", err, "scan_id", job.ScanID)
	}
}

// failureCode maps error taxonomies onto job failure codes.
func failureCode(err error) string {
	switch {
	case errors.Is(err, token.ErrCredentialRevoked):
		return ErrCodeCredentialRevoked
	case errors.Is(err, token.ErrCredentialMissing):
		return ErrCodeCredentialMissing
	case errors.Is(err, context.DeadlineExceeded):
		return ErrCodeDeadline
	}
	switch gateway.KindOf(err) {
	case gateway.KindForbidden:
		return ErrCodeForbidden
	case gateway.KindQuotaExceeded:
		return ErrCodeQuotaExceeded
	}
	return ErrCodeInternal
}

func recordFromFile(f *gateway.File) FileRecord {
	return FileRecord{
		FileID:       f.ID,
		Name:         f.Name,
		MimeType:     f.MimeType,
		MimeCategory: gateway.Category(f.MimeType),
		SizeBytes:    f.SizeBytes,
		ModifiedAt:   f.ModifiedAt,
		CreatedAt:    f.CreatedAt,
		ParentIDs:    f.ParentIDs,
		Shared:       f.Shared,
		Trashed:      f.Trashed,
		Checksum:     f.Checksum,
		Capabilities: Capabilities{
			CanEdit:  f.Capabilities.CanEdit,
			CanTrash: f.Capabilities.CanTrash,
			CanMove:  f.Capabilities.CanMove,
		},
	}
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// estimator predicts the namespace size for percent computation: the
// larger of a previous scan's total (when available) and the seen count
// plus the queue extrapolated through a running average of children per
// folder.
type estimator struct {
	seed    int64
	avg     float64
	folders int64
}

func (e *estimator) observe(childrenInFolder int) {
	e.folders++
	// Exponentially weighted toward recent folders.
	const alpha = 0.2
	if e.folders == 1 {
		e.avg = float64(childrenInFolder)
		return
	}
	e.avg = alpha*float64(childrenInFolder) + (1-alpha)*e.avg
}

func (e *estimator) estimate(filesSeen int64, queueLen int) int64 {
	projected := filesSeen + int64(float64(queueLen)*e.avg)
	if e.seed > projected {
		return e.seed
	}
	return projected
}
