package scan

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/filepilot/internal/telemetry"
	"github.com/wisbric/filepilot/pkg/registry"
)

// ServiceConfig bounds what callers may request.
type ServiceConfig struct {
	DefaultMaxDepth int
	MaxDepthCap     int
	OverallDeadline time.Duration
}

func (c ServiceConfig) withDefaults() ServiceConfig {
	if c.DefaultMaxDepth <= 0 {
		c.DefaultMaxDepth = 20
	}
	if c.MaxDepthCap <= 0 {
		c.MaxDepthCap = 50
	}
	if c.OverallDeadline <= 0 {
		c.OverallDeadline = 60 * time.Minute
	}
	return c
}

// Service is the scan admission and lifecycle surface. Engine runs are
// launched on baseCtx so they outlive the admitting HTTP request.
type Service struct {
	store    *Store
	engine   *Engine
	registry *registry.Registry
	cfg      ServiceConfig
	logger   *slog.Logger
	baseCtx  context.Context
}

// NewService creates the scan Service. baseCtx should be the application
// lifetime context: cancelling it stops in-flight traversals at their next
// observation point.
func NewService(baseCtx context.Context, store *Store, engine *Engine, reg *registry.Registry, cfg ServiceConfig, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		engine:   engine,
		registry: reg,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		baseCtx:  baseCtx,
	}
}

// Start admits and launches a scan for the user. Returns
// registry.ErrScanAlreadyActive when the user already has one in flight.
func (s *Service) Start(ctx context.Context, userKey string, cfg Config) (*Job, error) {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = s.cfg.DefaultMaxDepth
	}
	if cfg.MaxDepth > s.cfg.MaxDepthCap {
		cfg.MaxDepth = s.cfg.MaxDepthCap
	}

	scanID := uuid.NewString()

	// Slot TTL outlives the overall deadline so a wedged process cannot
	// block the user forever, but a healthy long scan is never evicted.
	slotTTL := s.cfg.OverallDeadline + 5*time.Minute
	if err := s.registry.AdmitScan(ctx, userKey, scanID, slotTTL); err != nil {
		return nil, err
	}

	job := &Job{
		ScanID:  scanID,
		UserKey: userKey,
		Status:  StatusQueued,
		Config:  cfg,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		if relErr := s.registry.ReleaseScan(ctx, userKey, scanID); relErr != nil {
			s.logger.Error("releasing slot after create failure", "error", relErr, "scan_id", scanID)
		}
		return nil, err
	}

	telemetry.ScansStartedTotal.Inc()
	s.logger.Info("scan admitted", "scan_id", scanID, "user_key", userKey, "max_depth", cfg.MaxDepth)

	go func() {
		if err := s.engine.Run(s.baseCtx, scanID); err != nil {
			s.logger.Error("scan run ended with error", "error", err, "scan_id", scanID)
		}
	}()

	return job, nil
}

// Get returns a job, scoped to its owner.
func (s *Service) Get(ctx context.Context, userKey, scanID string) (*Job, error) {
	job, err := s.store.GetJob(ctx, scanID)
	if err != nil {
		return nil, err
	}
	if job.UserKey != userKey {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// List returns a page of the user's scan history, newest first, starting
// after the given cursor when present.
func (s *Service) List(ctx context.Context, userKey string, after *JobCursor, limit int) ([]*Job, error) {
	return s.store.ListJobs(ctx, userKey, after, limit)
}

// Cancel requests cancellation of the user's scan. The engine observes the
// flag at its next folder boundary.
func (s *Service) Cancel(ctx context.Context, userKey, scanID string) error {
	job, err := s.store.GetJob(ctx, scanID)
	if err != nil {
		return err
	}
	if job.UserKey != userKey {
		return ErrJobNotFound
	}
	if job.Status.Terminal() {
		return nil
	}
	return s.store.RequestCancel(ctx, scanID)
}

// Snapshot returns finalized snapshot metadata, scoped to its owner.
func (s *Service) Snapshot(ctx context.Context, userKey, snapshotID string) (*Snapshot, error) {
	snap, err := s.store.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	if snap.UserKey != userKey {
		return nil, ErrSnapshotNotFound
	}
	return snap, nil
}

// ResumeInterrupted relaunches scans a previous process left active. Slots
// are re-claimed; a slot already held (by a live replica) skips the job.
func (s *Service) ResumeInterrupted(ctx context.Context) error {
	ids, err := s.store.ListResumable(ctx)
	if err != nil {
		return fmt.Errorf("listing resumable scans: %w", err)
	}

	for _, scanID := range ids {
		job, err := s.store.GetJob(ctx, scanID)
		if err != nil {
			s.logger.Error("loading resumable scan", "error", err, "scan_id", scanID)
			continue
		}

		slotTTL := s.cfg.OverallDeadline + 5*time.Minute
		if err := s.registry.AdmitScan(ctx, job.UserKey, scanID, slotTTL); err != nil {
			if active, aerr := s.registry.ActiveScan(ctx, job.UserKey); aerr == nil && active != scanID {
				s.logger.Warn("skipping resume, another scan holds the slot",
					"scan_id", scanID, "active", active)
				continue
			}
			// The slot still names this scan (crash without release).
		}

		s.logger.Info("resuming interrupted scan", "scan_id", scanID, "user_key", job.UserKey)
		go func(id string) {
			if err := s.engine.Run(s.baseCtx, id); err != nil {
				s.logger.Error("resumed scan ended with error", "error", err, "scan_id", id)
			}
		}(scanID)
	}
	return nil
}
