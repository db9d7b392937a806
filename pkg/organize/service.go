package organize

import (
	"context"
	"errors"
	"log/slog"

	"github.com/wisbric/filepilot/pkg/scan"
)

// snapshotSource resolves a snapshot scoped to its owner; *scan.Service
// implements it.
type snapshotSource interface {
	Snapshot(ctx context.Context, userKey, snapshotID string) (*scan.Snapshot, error)
}

// ErrSnapshotNotReady is returned when analysis is requested against an
// unfinalized snapshot.
var ErrSnapshotNotReady = errors.New("snapshot not finalized")

// Service validates analysis requests and runs the analyzer.
type Service struct {
	analyzer  *Analyzer
	snapshots snapshotSource
	logger    *slog.Logger
}

// NewService creates an organization Service.
func NewService(analyzer *Analyzer, snapshots snapshotSource, logger *slog.Logger) *Service {
	return &Service{analyzer: analyzer, snapshots: snapshots, logger: logger}
}

// Analyze produces rules and proposals for the user's snapshot.
func (s *Service) Analyze(ctx context.Context, userKey, snapshotID string) (*Result, error) {
	snap, err := s.snapshots.Snapshot(ctx, userKey, snapshotID)
	if err != nil {
		return nil, err
	}
	if !snap.Finalized {
		return nil, ErrSnapshotNotReady
	}
	return s.analyzer.Analyze(ctx, snapshotID)
}
