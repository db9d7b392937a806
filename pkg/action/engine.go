package action

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wisbric/filepilot/internal/telemetry"
	"github.com/wisbric/filepilot/pkg/events"
	"github.com/wisbric/filepilot/pkg/gateway"
	"github.com/wisbric/filepilot/pkg/registry"
)

// remote is the slice of the gateway the engine needs. *gateway.Gateway
// satisfies it.
type remote interface {
	GetFile(ctx context.Context, userKey, fileID string, fields []string) (*gateway.File, error)
	CreateFolder(ctx context.Context, userKey, parentID, name string) (*gateway.File, error)
	Move(ctx context.Context, userKey, fileID string, addParents, removeParents []string) (*gateway.File, error)
	Rename(ctx context.Context, userKey, fileID, newName string) (*gateway.File, error)
	Trash(ctx context.Context, userKey, fileID string) (*gateway.File, error)
	Untrash(ctx context.Context, userKey, fileID string) (*gateway.File, error)
	Copy(ctx context.Context, userKey, fileID, parentID, newName string) (*gateway.File, error)
	RootFolderID(ctx context.Context, userKey string) (string, error)
}

// batchStore is the persistence surface the engine and service need;
// *Store is the production implementation.
type batchStore interface {
	Create(ctx context.Context, b *Batch) error
	Get(ctx context.Context, batchID string) (*Batch, error)
	ListByUser(ctx context.Context, userKey string, limit, offset int) ([]*Batch, error)
	CountByUser(ctx context.Context, userKey string) (int, error)
	Transition(ctx context.Context, batchID string, from, to BatchStatus) error
	SaveExecution(ctx context.Context, batchID string, results []Result, plan *RollbackPlan, status BatchStatus, executedAt time.Time) error
}

// EngineConfig tunes batch execution.
type EngineConfig struct {
	MaxConcurrencyCap  int
	InterBatchCooldown time.Duration
	RollbackRetention  time.Duration
	OverallDeadline    time.Duration
	PreviewLimit       int
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.MaxConcurrencyCap <= 0 {
		c.MaxConcurrencyCap = 10
	}
	if c.InterBatchCooldown <= 0 {
		c.InterBatchCooldown = time.Second
	}
	if c.RollbackRetention <= 0 {
		c.RollbackRetention = 30 * 24 * time.Hour
	}
	if c.OverallDeadline <= 0 {
		c.OverallDeadline = 30 * time.Minute
	}
	if c.PreviewLimit <= 0 {
		c.PreviewLimit = 10
	}
	return c
}

// Engine executes batches and restores them.
type Engine struct {
	store    batchStore
	remote   remote
	bus      *events.Bus
	registry *registry.Registry
	cfg      EngineConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewEngine creates an action Engine.
func NewEngine(store *Store, remote remote, bus *events.Bus, reg *registry.Registry, cfg EngineConfig, logger *slog.Logger) *Engine {
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

// execution is the in-flight state of one batch run.
type execution struct {
	batch *Batch
	topic string

	mu      sync.Mutex
	results map[string]Result
	entries []RollbackEntry
	created map[string]string // create_folder proposalID -> created folder id
	halted  bool

	archiveOnce sync.Once
	archiveID   string
	archiveErr  error
}

func (x *execution) record(res Result, entry *RollbackEntry) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.results[res.ProposalID] = res
	if entry != nil {
		x.entries = append(x.entries, *entry)
	}
	if res.Status == OutcomeFailed && !x.batch.ContinueOnError {
		x.halted = true
	}
}

// Execute runs an approved batch to a terminal execution status. At most
// one batch per user executes at a time (registry slot).
func (e *Engine) Execute(ctx context.Context, batchID string) error {
	b, err := e.store.Get(ctx, batchID)
	if err != nil {
		return err
	}

	slotTTL := e.cfg.OverallDeadline + 5*time.Minute
	if err := e.registry.AdmitBatch(ctx, b.UserKey, batchID, slotTTL); err != nil {
		return err
	}
	defer e.releaseSlot(b.UserKey, batchID)

	if err := e.store.Transition(ctx, batchID, StatusApproved, StatusExecuting); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.OverallDeadline)
	defer cancel()

	start := e.now()
	x := &execution{
		batch:   b,
		topic:   events.ActionTopic(batchID),
		results: make(map[string]Result, len(b.Proposals)),
		created: make(map[string]string),
	}

	// Single topological pass: the create_folder prefix runs in its own
	// waves, and the first dependent wave dispatches only after the last
	// folder wave completed, so resolveTarget always finds the created
	// ids. Order is otherwise preserved.
	ordered := orderProposals(b.Proposals)
	total := len(ordered)

	width := b.MaxConcurrency
	if width <= 0 {
		width = 5
	}
	if width > e.cfg.MaxConcurrencyCap {
		width = e.cfg.MaxConcurrencyCap
	}

	folders, dependents := splitFolderPrefix(ordered)
	waves := chunkProposals(folders, width)
	waves = append(waves, chunkProposals(dependents, width)...)

	for i, wave := range waves {
		// Cancellation / deadline observation point: before each wave.
		if err := ctx.Err(); err != nil || x.halted {
			break
		}
		if i > 0 {
			select {
			case <-time.After(e.cfg.InterBatchCooldown):
			case <-ctx.Done():
			}
			if ctx.Err() != nil {
				break
			}
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, p := range wave {
			p := p
			g.Go(func() error {
				res, entry := e.executeProposal(gctx, x, p)
				x.record(res, entry)
				telemetry.ActionProposalsTotal.WithLabelValues(string(p.Kind), string(res.Status)).Inc()
				return nil
			})
		}
		_ = g.Wait()

		e.publishProgress(ctx, x, total)
	}

	// Anything never dispatched is cancelled.
	hardFailure := false
	results := make([]Result, 0, len(ordered))
	for _, p := range ordered {
		res, ok := x.results[p.ProposalID]
		if !ok {
			res = Result{ProposalID: p.ProposalID, Status: OutcomeCancelled}
		}
		if res.Status == OutcomeFailed {
			hardFailure = true
		}
		results = append(results, res)
	}

	finalStatus := StatusExecuted
	if hardFailure && !b.ContinueOnError {
		finalStatus = StatusFailed
	}
	if ctx.Err() != nil {
		// Overall deadline (or shutdown) cut the run short.
		finalStatus = StatusFailed
	}

	// The save must land even when the deadline is what ended the run.
	saveCtx, saveCancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer saveCancel()

	executedAt := e.now()
	plan := &RollbackPlan{
		Entries:   x.entries,
		ExpiresAt: executedAt.Add(e.cfg.RollbackRetention),
	}
	if err := e.store.SaveExecution(saveCtx, batchID, results, plan, finalStatus, executedAt); err != nil {
		return err
	}

	telemetry.ActionBatchDuration.Observe(e.now().Sub(start).Seconds())
	_, _ = e.bus.Publish(context.WithoutCancel(ctx), x.topic, events.KindComplete, map[string]any{
		"status":   finalStatus,
		"progress": progressOf(len(ordered), results),
	})

	e.logger.Info("batch execution finished",
		"batch_id", batchID,
		"status", finalStatus,
		"proposals", len(ordered),
		"rollback_entries", len(plan.Entries),
	)
	return nil
}

// Preview runs only the safety preflight on up to the preview limit of
// proposals and returns projected outcomes. The remote is never mutated
// and the batch status does not change.
func (e *Engine) Preview(ctx context.Context, batchID string) ([]Result, error) {
	b, err := e.store.Get(ctx, batchID)
	if err != nil {
		return nil, err
	}

	limit := e.cfg.PreviewLimit
	if limit > len(b.Proposals) {
		limit = len(b.Proposals)
	}

	out := make([]Result, 0, limit)
	for _, p := range b.Proposals[:limit] {
		if p.Kind == KindCreateFolder {
			out = append(out, Result{ProposalID: p.ProposalID, Status: OutcomeSuccess})
			continue
		}

		f, err := e.remote.GetFile(ctx, b.UserKey, p.FileID, nil)
		if err != nil {
			out = append(out, Result{ProposalID: p.ProposalID, Status: OutcomeFailed, ErrorCode: errCodeOf(err)})
			continue
		}

		v := checkPreflight(f, p.Kind, b.SafetyLevel)
		if v.decision == decisionSkip {
			out = append(out, Result{ProposalID: p.ProposalID, Status: OutcomeSkipped, Reasons: v.reasons})
			continue
		}
		out = append(out, Result{ProposalID: p.ProposalID, Status: OutcomeSuccess, Warnings: v.warnings})
	}
	return out, nil
}

// executeProposal performs one proposal: preflight, dispatch by kind, and
// pre-state capture for the rollback plan.
func (e *Engine) executeProposal(ctx context.Context, x *execution, p Proposal) (Result, *RollbackEntry) {
	res := Result{ProposalID: p.ProposalID}
	userKey := x.batch.UserKey

	if p.Kind == KindCreateFolder {
		parent, err := e.resolveTarget(ctx, x, p)
		if err != nil {
			res.Status, res.ErrorCode = OutcomeFailed, errCodeOf(err)
			return res, nil
		}
		f, err := e.remote.CreateFolder(ctx, userKey, parent, p.NewName)
		if err != nil {
			res.Status, res.ErrorCode = OutcomeFailed, errCodeOf(err)
			return res, nil
		}
		x.mu.Lock()
		x.created[p.ProposalID] = f.ID
		x.mu.Unlock()
		res.Status, res.CreatedID = OutcomeSuccess, f.ID
		return res, &RollbackEntry{ProposalID: p.ProposalID, Kind: p.Kind, CreatedID: f.ID}
	}

	f, err := e.remote.GetFile(ctx, userKey, p.FileID, nil)
	if err != nil {
		res.Status, res.ErrorCode = OutcomeFailed, errCodeOf(err)
		return res, nil
	}

	v := checkPreflight(f, p.Kind, x.batch.SafetyLevel)
	if v.decision == decisionSkip {
		res.Status, res.Reasons = OutcomeSkipped, v.reasons
		return res, nil
	}
	res.Warnings = v.warnings

	switch p.Kind {
	case KindMove:
		target, terr := e.resolveTarget(ctx, x, p)
		if terr != nil {
			res.Status, res.ErrorCode = OutcomeFailed, errCodeOf(terr)
			return res, nil
		}
		prev := f.ParentIDs
		if _, err := e.remote.Move(ctx, userKey, p.FileID, []string{target}, prev); err != nil {
			res.Status, res.ErrorCode = OutcomeFailed, errCodeOf(err)
			return res, nil
		}
		res.Status = OutcomeSuccess
		return res, &RollbackEntry{ProposalID: p.ProposalID, Kind: p.Kind, FileID: p.FileID, PrevParentIDs: prev}

	case KindRename:
		prev := f.Name
		if _, err := e.remote.Rename(ctx, userKey, p.FileID, p.NewName); err != nil {
			res.Status, res.ErrorCode = OutcomeFailed, errCodeOf(err)
			return res, nil
		}
		res.Status = OutcomeSuccess
		return res, &RollbackEntry{ProposalID: p.ProposalID, Kind: p.Kind, FileID: p.FileID, PrevName: prev}

	case KindTrash:
		prev := f.ParentIDs
		if _, err := e.remote.Trash(ctx, userKey, p.FileID); err != nil {
			res.Status, res.ErrorCode = OutcomeFailed, errCodeOf(err)
			return res, nil
		}
		res.Status = OutcomeSuccess
		return res, &RollbackEntry{ProposalID: p.ProposalID, Kind: p.Kind, FileID: p.FileID, PrevParentIDs: prev}

	case KindArchive:
		archiveID, aerr := e.ensureArchiveFolder(ctx, x)
		if aerr != nil {
			res.Status, res.ErrorCode = OutcomeFailed, errCodeOf(aerr)
			return res, nil
		}
		prev := f.ParentIDs
		if _, err := e.remote.Move(ctx, userKey, p.FileID, []string{archiveID}, prev); err != nil {
			res.Status, res.ErrorCode = OutcomeFailed, errCodeOf(err)
			return res, nil
		}
		res.Status = OutcomeSuccess
		return res, &RollbackEntry{ProposalID: p.ProposalID, Kind: p.Kind, FileID: p.FileID,
			PrevParentIDs: prev, ArchiveFolderID: archiveID}

	case KindCopy:
		target, terr := e.resolveTarget(ctx, x, p)
		if terr != nil {
			res.Status, res.ErrorCode = OutcomeFailed, errCodeOf(terr)
			return res, nil
		}
		copied, err := e.remote.Copy(ctx, userKey, p.FileID, target, p.NewName)
		if err != nil {
			res.Status, res.ErrorCode = OutcomeFailed, errCodeOf(err)
			return res, nil
		}
		res.Status, res.CreatedID = OutcomeSuccess, copied.ID
		return res, &RollbackEntry{ProposalID: p.ProposalID, Kind: p.Kind, FileID: p.FileID, CreatedID: copied.ID}

	default:
		res.Status, res.ErrorCode = OutcomeFailed, ErrCodeInternal
		return res, nil
	}
}

// resolveTarget resolves a proposal's destination: a literal folder id, a
// reference to a folder created earlier in this batch, or the user's root.
func (e *Engine) resolveTarget(ctx context.Context, x *execution, p Proposal) (string, error) {
	if p.TargetRef != "" {
		x.mu.Lock()
		id, ok := x.created[p.TargetRef]
		x.mu.Unlock()
		if !ok {
			return "", ErrDependencyMissing
		}
		return id, nil
	}
	if p.TargetFolderID != "" {
		return p.TargetFolderID, nil
	}
	return e.remote.RootFolderID(ctx, x.batch.UserKey)
}

// ensureArchiveFolder creates the synthetic archive folder once per run.
func (e *Engine) ensureArchiveFolder(ctx context.Context, x *execution) (string, error) {
	x.archiveOnce.Do(func() {
		root, err := e.remote.RootFolderID(ctx, x.batch.UserKey)
		if err != nil {
			x.archiveErr = err
			return
		}
		f, err := e.remote.CreateFolder(ctx, x.batch.UserKey, root, "Archive")
		if err != nil {
			x.archiveErr = err
			return
		}
		x.archiveID = f.ID
	})
	return x.archiveID, x.archiveErr
}

func (e *Engine) publishProgress(ctx context.Context, x *execution, total int) {
	x.mu.Lock()
	results := make([]Result, 0, len(x.results))
	for _, r := range x.results {
		results = append(results, r)
	}
	x.mu.Unlock()

	_, _ = e.bus.Publish(ctx, x.topic, events.KindProgress, progressOf(total, results))
}

func (e *Engine) releaseSlot(userKey, batchID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.registry.ReleaseBatch(ctx, userKey, batchID); err != nil {
		e.logger.Error("releasing batch slot", "error", err, "batch_id", batchID)
	}
}

// orderProposals moves create_folder proposals ahead of everything else in
// one stable pass, so dependents find their targets created.
func orderProposals(proposals []Proposal) []Proposal {
	out := make([]Proposal, len(proposals))
	copy(out, proposals)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Kind == KindCreateFolder && out[j].Kind != KindCreateFolder
	})
	return out
}

// splitFolderPrefix splits an ordered proposal list into its create_folder
// prefix and the remainder.
func splitFolderPrefix(ordered []Proposal) (folders, dependents []Proposal) {
	n := 0
	for n < len(ordered) && ordered[n].Kind == KindCreateFolder {
		n++
	}
	return ordered[:n], ordered[n:]
}

// chunkProposals slices a list into waves of at most width proposals.
func chunkProposals(proposals []Proposal, width int) [][]Proposal {
	var waves [][]Proposal
	for offset := 0; offset < len(proposals); offset += width {
		end := offset + width
		if end > len(proposals) {
			end = len(proposals)
		}
		waves = append(waves, proposals[offset:end])
	}
	return waves
}

// errCodeOf maps an error onto the per-proposal code taxonomy.
func errCodeOf(err error) string {
	if errors.Is(err, ErrDependencyMissing) {
		return ErrCodeDependency
	}
	switch gateway.KindOf(err) {
	case gateway.KindNotFound:
		return ErrCodeNotFound
	case gateway.KindForbidden:
		return ErrCodeForbidden
	case gateway.KindConflict:
		return ErrCodeConflict
	case gateway.KindQuotaExceeded:
		return ErrCodeQuota
	case gateway.KindUnavailable, gateway.KindRateLimited, gateway.KindCircuitOpen:
		return ErrCodeUnavailable
	}
	return ErrCodeInternal
}
