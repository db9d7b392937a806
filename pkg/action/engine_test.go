package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/filepilot/pkg/events"
	"github.com/wisbric/filepilot/pkg/gateway"
	"github.com/wisbric/filepilot/pkg/registry"
)

// memBatchStore is an in-memory batchStore.
type memBatchStore struct {
	mu      sync.Mutex
	batches map[string]*Batch
}

func newMemBatchStore() *memBatchStore {
	return &memBatchStore{batches: make(map[string]*Batch)}
}

func (m *memBatchStore) Create(_ context.Context, b *Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	cp.CreatedAt = time.Now()
	m.batches[b.BatchID] = &cp
	return nil
}

func (m *memBatchStore) Get(_ context.Context, batchID string) (*Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[batchID]
	if !ok {
		return nil, ErrBatchNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *memBatchStore) ListByUser(_ context.Context, userKey string, limit, offset int) ([]*Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Batch
	for _, b := range m.batches {
		if b.UserKey == userKey {
			cp := *b
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (m *memBatchStore) CountByUser(_ context.Context, userKey string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.batches {
		if b.UserKey == userKey {
			n++
		}
	}
	return n, nil
}

func (m *memBatchStore) Transition(_ context.Context, batchID string, from, to BatchStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[batchID]
	if !ok {
		return ErrBatchNotFound
	}
	if b.Status != from || !from.CanTransition(to) {
		return ErrBatchStateInvalid
	}
	b.Status = to
	return nil
}

func (m *memBatchStore) SaveExecution(_ context.Context, batchID string, results []Result, plan *RollbackPlan, status BatchStatus, executedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[batchID]
	if !ok {
		return ErrBatchNotFound
	}
	if b.Status != StatusExecuting {
		return ErrBatchStateInvalid
	}
	b.Results = results
	b.Rollback = plan
	b.Status = status
	b.ExecutedAt = &executedAt
	return nil
}

// fakeFS is an in-memory remote filesystem.
type fakeFS struct {
	mu     sync.Mutex
	files  map[string]*gateway.File
	root   string
	nextID int
	calls  int
}

func newFakeFS() *fakeFS {
	return &fakeFS{files: make(map[string]*gateway.File), root: "root"}
}

func (f *fakeFS) add(file gateway.File) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := file
	f.files[file.ID] = &cp
}

func (f *fakeFS) get(id string) gateway.File {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.files[id]
}

func (f *fakeFS) GetFile(_ context.Context, _, fileID string, _ []string) (*gateway.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	file, ok := f.files[fileID]
	if !ok {
		return nil, &gateway.Error{Kind: gateway.KindNotFound, Op: "get_file"}
	}
	cp := *file
	return &cp, nil
}

func (f *fakeFS) CreateFolder(_ context.Context, _, parentID, name string) (*gateway.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.nextID++
	id := fmt.Sprintf("folder-%d", f.nextID)
	file := &gateway.File{ID: id, Name: name, MimeType: gateway.MimeFolder, ParentIDs: []string{parentID}}
	f.files[id] = file
	cp := *file
	return &cp, nil
}

func (f *fakeFS) Move(_ context.Context, _, fileID string, add, remove []string) (*gateway.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	file, ok := f.files[fileID]
	if !ok {
		return nil, &gateway.Error{Kind: gateway.KindNotFound, Op: "move"}
	}
	removeSet := make(map[string]bool)
	for _, id := range remove {
		removeSet[id] = true
	}
	var parents []string
	for _, id := range file.ParentIDs {
		if !removeSet[id] {
			parents = append(parents, id)
		}
	}
	parents = append(parents, add...)
	file.ParentIDs = parents
	cp := *file
	return &cp, nil
}

func (f *fakeFS) Rename(_ context.Context, _, fileID, newName string) (*gateway.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	file, ok := f.files[fileID]
	if !ok {
		return nil, &gateway.Error{Kind: gateway.KindNotFound, Op: "rename"}
	}
	file.Name = newName
	cp := *file
	return &cp, nil
}

func (f *fakeFS) Trash(_ context.Context, _, fileID string) (*gateway.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	file, ok := f.files[fileID]
	if !ok {
		return nil, &gateway.Error{Kind: gateway.KindNotFound, Op: "trash"}
	}
	file.Trashed = true
	cp := *file
	return &cp, nil
}

func (f *fakeFS) Untrash(_ context.Context, _, fileID string) (*gateway.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	file, ok := f.files[fileID]
	if !ok {
		return nil, &gateway.Error{Kind: gateway.KindNotFound, Op: "untrash"}
	}
	file.Trashed = false
	cp := *file
	return &cp, nil
}

func (f *fakeFS) Copy(_ context.Context, _, fileID, parentID, newName string) (*gateway.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	src, ok := f.files[fileID]
	if !ok {
		return nil, &gateway.Error{Kind: gateway.KindNotFound, Op: "copy"}
	}
	f.nextID++
	id := fmt.Sprintf("copy-%d", f.nextID)
	cp := *src
	cp.ID = id
	cp.ParentIDs = []string{parentID}
	if newName != "" {
		cp.Name = newName
	}
	f.files[id] = &cp
	out := cp
	return &out, nil
}

func (f *fakeFS) RootFolderID(context.Context, string) (string, error) {
	return f.root, nil
}

func (f *fakeFS) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testEngine(t *testing.T, store batchStore, fs *fakeFS) *Engine {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return &Engine{
		store:    store,
		remote:   fs,
		bus:      events.NewBus(nil, slog.Default()),
		registry: registry.New(rdb, slog.Default()),
		cfg: EngineConfig{
			InterBatchCooldown: time.Millisecond,
		}.withDefaults(),
		logger: slog.Default(),
		now:    time.Now,
	}
}

func approvedBatch(t *testing.T, store batchStore, b *Batch) *Batch {
	t.Helper()
	b.Status = StatusDraft
	if err := store.Create(context.Background(), b); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Transition(context.Background(), b.BatchID, StatusDraft, StatusApproved); err != nil {
		t.Fatalf("approve: %v", err)
	}
	b.Status = StatusApproved
	return b
}

func TestBatchStatus_Transitions(t *testing.T) {
	tests := []struct {
		from, to BatchStatus
		want     bool
	}{
		{StatusDraft, StatusApproved, true},
		{StatusApproved, StatusExecuting, true},
		{StatusExecuting, StatusExecuted, true},
		{StatusExecuting, StatusFailed, true},
		{StatusExecuted, StatusRolledBack, true},
		{StatusExecuted, StatusExpired, true},
		{StatusFailed, StatusRolledBack, true},
		{StatusDraft, StatusExecuting, false},
		{StatusExecuted, StatusExecuting, false},
		{StatusRolledBack, StatusExecuted, false},
		{StatusExpired, StatusRolledBack, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestPreflight_PolicyTable(t *testing.T) {
	shared := &gateway.File{ID: "f", Shared: true, MimeType: "application/pdf",
		Capabilities: gateway.Capabilities{CanEdit: true}}
	collaborated := &gateway.File{ID: "f", Shared: true, PermissionCount: 3, MimeType: "application/pdf",
		Capabilities: gateway.Capabilities{CanEdit: true}}

	tests := []struct {
		name  string
		file  *gateway.File
		kind  ProposalKind
		level SafetyLevel
		want  decision
	}{
		{"shared move aggressive allows", shared, KindMove, SafetyAggressive, decisionAllow},
		{"shared move normal warns", shared, KindMove, SafetyNormal, decisionWarn},
		{"shared move conservative skips", shared, KindMove, SafetyConservative, decisionSkip},
		{"shared trash normal warns", shared, KindTrash, SafetyNormal, decisionWarn},
		{"collaborated trash normal skips", collaborated, KindTrash, SafetyNormal, decisionSkip},
		{"collaborated trash aggressive allows", collaborated, KindTrash, SafetyAggressive, decisionAllow},
		{
			"large file warns everywhere",
			&gateway.File{ID: "f", SizeBytes: 200 << 20, MimeType: "video/mp4",
				Capabilities: gateway.Capabilities{CanEdit: true}},
			KindMove, SafetyAggressive, decisionWarn,
		},
		{
			"cloud-native without edit skips conservative",
			&gateway.File{ID: "f", MimeType: "application/vnd.google-apps.document"},
			KindMove, SafetyConservative, decisionSkip,
		},
		{
			"cloud-native without edit warns normal",
			&gateway.File{ID: "f", MimeType: "application/vnd.google-apps.document"},
			KindMove, SafetyNormal, decisionWarn,
		},
		{
			"collaborators warn even conservative",
			&gateway.File{ID: "f", PermissionCount: 3, MimeType: "application/pdf",
				Capabilities: gateway.Capabilities{CanEdit: true}},
			KindMove, SafetyConservative, decisionWarn,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := checkPreflight(tt.file, tt.kind, tt.level)
			if v.decision != tt.want {
				t.Errorf("decision = %v, want %v (warnings %v, reasons %v)",
					v.decision, tt.want, v.warnings, v.reasons)
			}
		})
	}
}

func TestExecute_SharedFileUnderNormalAndConservative(t *testing.T) {
	run := func(level SafetyLevel) *Batch {
		fs := newFakeFS()
		fs.add(gateway.File{ID: "F1", Name: "shared.pdf", MimeType: "application/pdf",
			Shared: true, ParentIDs: []string{"root"}, Capabilities: gateway.Capabilities{CanEdit: true, CanTrash: true}})
		fs.add(gateway.File{ID: "F2", Name: "private.pdf", MimeType: "application/pdf",
			ParentIDs: []string{"root"}, Capabilities: gateway.Capabilities{CanEdit: true, CanTrash: true}})

		store := newMemBatchStore()
		b := approvedBatch(t, store, &Batch{
			BatchID: "b-" + string(level), UserKey: "u1",
			SafetyLevel: level, ContinueOnError: true, MaxConcurrency: 2,
			Proposals: []Proposal{
				{ProposalID: "p1", Kind: KindTrash, FileID: "F1"},
				{ProposalID: "p2", Kind: KindTrash, FileID: "F2"},
			},
		})

		eng := testEngine(t, store, fs)
		if err := eng.Execute(context.Background(), b.BatchID); err != nil {
			t.Fatalf("Execute: %v", err)
		}
		got, _ := store.Get(context.Background(), b.BatchID)
		return got
	}

	normal := run(SafetyNormal)
	if normal.Status != StatusExecuted {
		t.Fatalf("normal status = %v, want executed", normal.Status)
	}
	byID := make(map[string]Result)
	for _, r := range normal.Results {
		byID[r.ProposalID] = r
	}
	if byID["p1"].Status != OutcomeSuccess || len(byID["p1"].Warnings) == 0 {
		t.Errorf("normal p1 = %+v, want success with warning", byID["p1"])
	}
	if byID["p2"].Status != OutcomeSuccess {
		t.Errorf("normal p2 = %+v, want success", byID["p2"])
	}
	if len(normal.Rollback.Entries) != 2 {
		t.Errorf("normal rollback entries = %d, want 2", len(normal.Rollback.Entries))
	}

	conservative := run(SafetyConservative)
	byID = make(map[string]Result)
	for _, r := range conservative.Results {
		byID[r.ProposalID] = r
	}
	if byID["p1"].Status != OutcomeSkipped {
		t.Errorf("conservative p1 = %+v, want skipped", byID["p1"])
	}
	if len(conservative.Rollback.Entries) != 1 {
		t.Errorf("conservative rollback entries = %d, want 1 (skips excluded)", len(conservative.Rollback.Entries))
	}
}

func TestExecute_CreateFolderBeforeDependents(t *testing.T) {
	fs := newFakeFS()
	fs.add(gateway.File{ID: "A", Name: "a.pdf", MimeType: "application/pdf",
		ParentIDs: []string{"root"}, Capabilities: gateway.Capabilities{CanEdit: true}})

	store := newMemBatchStore()
	b := approvedBatch(t, store, &Batch{
		BatchID: "b1", UserKey: "u1", SafetyLevel: SafetyNormal, MaxConcurrency: 5,
		Proposals: []Proposal{
			// The move references the folder created later in the list.
			{ProposalID: "move-a", Kind: KindMove, FileID: "A", TargetRef: "mkdir"},
			{ProposalID: "mkdir", Kind: KindCreateFolder, NewName: "Documents"},
		},
	})

	eng := testEngine(t, store, fs)
	if err := eng.Execute(context.Background(), b.BatchID); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got, _ := store.Get(context.Background(), b.BatchID)
	if got.Status != StatusExecuted {
		t.Fatalf("status = %v, want executed", got.Status)
	}
	for _, r := range got.Results {
		if r.Status != OutcomeSuccess {
			t.Fatalf("result %+v, want success", r)
		}
	}

	moved := fs.get("A")
	if len(moved.ParentIDs) != 1 || moved.ParentIDs[0] != "folder-1" {
		t.Errorf("A parents = %v, want [folder-1]", moved.ParentIDs)
	}
}

func TestExecute_FolderWaveIsBarrier(t *testing.T) {
	// One create_folder plus several dependents that all fit in a single
	// concurrency wave: the folder must still complete before any
	// dependent dispatches.
	fs := newFakeFS()
	var proposals []Proposal
	proposals = append(proposals, Proposal{ProposalID: "mkdir", Kind: KindCreateFolder, NewName: "Sorted"})
	for _, id := range []string{"A", "B", "C", "D"} {
		fs.add(gateway.File{ID: id, Name: id + ".pdf", MimeType: "application/pdf",
			ParentIDs: []string{"root"}, Capabilities: gateway.Capabilities{CanEdit: true}})
		proposals = append(proposals, Proposal{ProposalID: "move-" + id, Kind: KindMove, FileID: id, TargetRef: "mkdir"})
	}

	store := newMemBatchStore()
	b := approvedBatch(t, store, &Batch{
		BatchID: "b1", UserKey: "u1", SafetyLevel: SafetyNormal, MaxConcurrency: 10,
		Proposals: proposals,
	})

	eng := testEngine(t, store, fs)
	if err := eng.Execute(context.Background(), b.BatchID); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got, _ := store.Get(context.Background(), b.BatchID)
	if got.Status != StatusExecuted {
		t.Fatalf("status = %v, want executed", got.Status)
	}
	for _, r := range got.Results {
		if r.Status != OutcomeSuccess {
			t.Fatalf("result %+v, want success (dependents must never race the folder wave)", r)
		}
	}
	for _, id := range []string{"A", "B", "C", "D"} {
		moved := fs.get(id)
		if len(moved.ParentIDs) != 1 || moved.ParentIDs[0] != "folder-1" {
			t.Errorf("%s parents = %v, want [folder-1]", id, moved.ParentIDs)
		}
	}
}

func TestExecute_AllNotFound(t *testing.T) {
	fs := newFakeFS()
	store := newMemBatchStore()
	b := approvedBatch(t, store, &Batch{
		BatchID: "b1", UserKey: "u1", SafetyLevel: SafetyNormal,
		ContinueOnError: true, MaxConcurrency: 2,
		Proposals: []Proposal{
			{ProposalID: "p1", Kind: KindTrash, FileID: "ghost-1"},
			{ProposalID: "p2", Kind: KindTrash, FileID: "ghost-2"},
		},
	})

	eng := testEngine(t, store, fs)
	if err := eng.Execute(context.Background(), b.BatchID); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got, _ := store.Get(context.Background(), b.BatchID)
	for _, r := range got.Results {
		if r.Status != OutcomeFailed || r.ErrorCode != ErrCodeNotFound {
			t.Errorf("result %+v, want failed(not_found)", r)
		}
	}
	if len(got.Rollback.Entries) != 0 {
		t.Errorf("rollback entries = %d, want 0", len(got.Rollback.Entries))
	}
}

func TestExecute_HaltWithoutContinueOnError(t *testing.T) {
	fs := newFakeFS()
	fs.add(gateway.File{ID: "B", Name: "b.pdf", MimeType: "application/pdf",
		ParentIDs: []string{"root"}, Capabilities: gateway.Capabilities{CanEdit: true}})

	store := newMemBatchStore()
	b := approvedBatch(t, store, &Batch{
		BatchID: "b1", UserKey: "u1", SafetyLevel: SafetyNormal,
		ContinueOnError: false, MaxConcurrency: 1,
		Proposals: []Proposal{
			{ProposalID: "p1", Kind: KindTrash, FileID: "ghost"},
			{ProposalID: "p2", Kind: KindTrash, FileID: "B"},
		},
	})

	eng := testEngine(t, store, fs)
	if err := eng.Execute(context.Background(), b.BatchID); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got, _ := store.Get(context.Background(), b.BatchID)
	if got.Status != StatusFailed {
		t.Fatalf("status = %v, want failed", got.Status)
	}
	byID := make(map[string]Result)
	for _, r := range got.Results {
		byID[r.ProposalID] = r
	}
	if byID["p1"].Status != OutcomeFailed {
		t.Errorf("p1 = %+v, want failed", byID["p1"])
	}
	if byID["p2"].Status != OutcomeCancelled {
		t.Errorf("p2 = %+v, want cancelled after halt", byID["p2"])
	}
}

func TestExecute_SingleExecutingBatchPerUser(t *testing.T) {
	fs := newFakeFS()
	store := newMemBatchStore()
	b := approvedBatch(t, store, &Batch{
		BatchID: "b1", UserKey: "u1", SafetyLevel: SafetyNormal, MaxConcurrency: 1,
		Proposals: []Proposal{{ProposalID: "p1", Kind: KindTrash, FileID: "ghost"}},
	})
	eng := testEngine(t, store, fs)

	// Claim the user's slot as if another batch were mid-flight.
	if err := eng.registry.AdmitBatch(context.Background(), "u1", "other", time.Hour); err != nil {
		t.Fatalf("AdmitBatch: %v", err)
	}

	err := eng.Execute(context.Background(), b.BatchID)
	if !errors.Is(err, registry.ErrBatchAlreadyExecuting) {
		t.Fatalf("err = %v, want ErrBatchAlreadyExecuting", err)
	}
}
