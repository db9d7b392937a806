package duplicate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/wisbric/filepilot/pkg/scan"
)

// snapshotSource resolves a snapshot scoped to its owner; *scan.Service
// implements it.
type snapshotSource interface {
	Snapshot(ctx context.Context, userKey, snapshotID string) (*scan.Snapshot, error)
}

// ErrSnapshotNotReady is returned when detection is requested against an
// unfinalized snapshot.
var ErrSnapshotNotReady = errors.New("snapshot not finalized")

// Service validates detection requests and runs the engine.
type Service struct {
	engine    *Engine
	snapshots snapshotSource
	logger    *slog.Logger
}

// NewService creates a duplicate Service.
func NewService(engine *Engine, snapshots snapshotSource, logger *slog.Logger) *Service {
	return &Service{engine: engine, snapshots: snapshots, logger: logger}
}

// Detect runs duplicate detection for the user over a finalized snapshot.
func (s *Service) Detect(ctx context.Context, userKey, snapshotID string, opts Options) (*Result, error) {
	snap, err := s.snapshots.Snapshot(ctx, userKey, snapshotID)
	if err != nil {
		return nil, err
	}
	if !snap.Finalized {
		return nil, ErrSnapshotNotReady
	}

	result, err := s.engine.Detect(ctx, userKey, snapshotID, opts)
	if err != nil {
		return nil, fmt.Errorf("running duplicate detection: %w", err)
	}
	return result, nil
}
