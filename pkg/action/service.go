package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// freshnessSource reports whether the user authenticated recently;
// *token.Service implements it.
type freshnessSource interface {
	FreshWithin(ctx context.Context, userKey string, window time.Duration) (bool, error)
}

// ErrValidationFailed wraps a submission validation failure.
var ErrValidationFailed = errors.New("validation failed")

// SubmitOptions configures a submitted batch.
type SubmitOptions struct {
	SafetyLevel     SafetyLevel
	ContinueOnError bool
	MaxConcurrency  int
}

// Service is the batch lifecycle surface over the engine.
type Service struct {
	store       batchStore
	engine      *Engine
	freshness   freshnessSource
	freshWindow time.Duration
	logger      *slog.Logger
	baseCtx     context.Context
}

// NewService creates the action Service. baseCtx is the application
// lifetime context for asynchronous executions.
func NewService(baseCtx context.Context, store *Store, engine *Engine, freshness freshnessSource, freshWindow time.Duration, logger *slog.Logger) *Service {
	if freshWindow <= 0 {
		freshWindow = 10 * time.Minute
	}
	return &Service{
		store:       store,
		engine:      engine,
		freshness:   freshness,
		freshWindow: freshWindow,
		logger:      logger,
		baseCtx:     baseCtx,
	}
}

// Submit validates a proposal list and stores the batch, landing at
// approved when validation passes.
func (s *Service) Submit(ctx context.Context, userKey string, proposals []Proposal, opts SubmitOptions) (*Batch, error) {
	if len(proposals) == 0 {
		return nil, fmt.Errorf("%w: empty proposal list", ErrValidationFailed)
	}
	if opts.SafetyLevel == "" {
		opts.SafetyLevel = SafetyNormal
	}

	folderProposals := make(map[string]bool)
	seen := make(map[string]bool)
	for i := range proposals {
		p := &proposals[i]
		if p.ProposalID == "" {
			p.ProposalID = uuid.NewString()
		}
		if seen[p.ProposalID] {
			return nil, fmt.Errorf("%w: duplicate proposal id %s", ErrValidationFailed, p.ProposalID)
		}
		seen[p.ProposalID] = true
		if p.Kind == KindCreateFolder {
			folderProposals[p.ProposalID] = true
		}
	}

	for i := range proposals {
		p := &proposals[i]
		switch p.Kind {
		case KindCreateFolder:
			if p.NewName == "" {
				return nil, fmt.Errorf("%w: create_folder requires a name", ErrValidationFailed)
			}
		case KindRename:
			if p.FileID == "" || p.NewName == "" {
				return nil, fmt.Errorf("%w: rename requires file_id and new_name", ErrValidationFailed)
			}
		case KindMove, KindTrash, KindArchive, KindCopy:
			if p.FileID == "" {
				return nil, fmt.Errorf("%w: %s requires file_id", ErrValidationFailed, p.Kind)
			}
		default:
			return nil, fmt.Errorf("%w: unknown proposal kind %q", ErrValidationFailed, p.Kind)
		}
		if p.TargetRef != "" && !folderProposals[p.TargetRef] {
			return nil, fmt.Errorf("%w: target_ref %s does not name a create_folder proposal", ErrValidationFailed, p.TargetRef)
		}
	}

	b := &Batch{
		BatchID:         uuid.NewString(),
		UserKey:         userKey,
		Status:          StatusDraft,
		SafetyLevel:     opts.SafetyLevel,
		ContinueOnError: opts.ContinueOnError,
		MaxConcurrency:  opts.MaxConcurrency,
		Proposals:       proposals,
	}
	if err := s.store.Create(ctx, b); err != nil {
		return nil, err
	}

	// Validation passed: draft moves straight to approved.
	if err := s.store.Transition(ctx, b.BatchID, StatusDraft, StatusApproved); err != nil {
		return nil, err
	}
	b.Status = StatusApproved

	s.logger.Info("batch submitted", "batch_id", b.BatchID, "user_key", userKey,
		"proposals", len(proposals), "safety_level", opts.SafetyLevel)
	return b, nil
}

// List returns a page of the user's batches plus the total count.
func (s *Service) List(ctx context.Context, userKey string, limit, offset int) ([]*Batch, int, error) {
	batches, err := s.store.ListByUser(ctx, userKey, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.store.CountByUser(ctx, userKey)
	if err != nil {
		return nil, 0, err
	}
	return batches, total, nil
}

// Preview runs the preflight-only projection.
func (s *Service) Preview(ctx context.Context, userKey, batchID string) ([]Result, error) {
	if _, err := s.ownedBatch(ctx, userKey, batchID); err != nil {
		return nil, err
	}
	return s.engine.Preview(ctx, batchID)
}

// Execute launches asynchronous execution of an approved batch.
func (s *Service) Execute(ctx context.Context, userKey, batchID string) error {
	b, err := s.ownedBatch(ctx, userKey, batchID)
	if err != nil {
		return err
	}
	if b.Status != StatusApproved {
		return ErrBatchStateInvalid
	}

	go func() {
		if err := s.engine.Execute(s.baseCtx, batchID); err != nil {
			s.logger.Error("batch execution ended with error", "error", err, "batch_id", batchID)
		}
	}()
	return nil
}

// GetStatus returns the batch with its progress tally.
func (s *Service) GetStatus(ctx context.Context, userKey, batchID string) (*Batch, Progress, error) {
	b, err := s.ownedBatch(ctx, userKey, batchID)
	if err != nil {
		return nil, Progress{}, err
	}
	return b, progressOf(len(b.Proposals), b.Results), nil
}

// Restore undoes a batch's successful operations. The fresh-auth window
// and the rollback retention window are both enforced here, before any
// remote call is issued.
func (s *Service) Restore(ctx context.Context, userKey, batchID string, subsetFileIDs []string) (*RestoreOutcome, error) {
	b, err := s.ownedBatch(ctx, userKey, batchID)
	if err != nil {
		return nil, err
	}
	if !b.Status.Restorable() {
		return nil, ErrBatchStateInvalid
	}
	if b.Rollback == nil {
		return nil, ErrBatchStateInvalid
	}

	if time.Now().After(b.Rollback.ExpiresAt) {
		if terr := s.store.Transition(ctx, batchID, b.Status, StatusExpired); terr != nil {
			s.logger.Warn("marking batch expired", "error", terr, "batch_id", batchID)
		}
		return nil, ErrRestoreExpired
	}

	fresh, err := s.freshness.FreshWithin(ctx, userKey, s.freshWindow)
	if err != nil {
		return nil, err
	}
	if !fresh {
		return nil, ErrFreshAuthRequired
	}

	subset := make(map[string]bool, len(subsetFileIDs))
	for _, id := range subsetFileIDs {
		subset[id] = true
	}

	outcome, err := s.engine.RestoreBatch(ctx, b, subset)
	if err != nil {
		return nil, err
	}

	// A complete full restore finishes the batch's lifecycle.
	if len(subset) == 0 && outcome.Complete() {
		if terr := s.store.Transition(ctx, batchID, b.Status, StatusRolledBack); terr != nil {
			s.logger.Warn("marking batch rolled back", "error", terr, "batch_id", batchID)
		}
	}
	return outcome, nil
}

func (s *Service) ownedBatch(ctx context.Context, userKey, batchID string) (*Batch, error) {
	b, err := s.store.Get(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if b.UserKey != userKey {
		return nil, ErrBatchNotFound
	}
	return b, nil
}
