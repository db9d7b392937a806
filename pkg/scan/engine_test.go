package scan

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/filepilot/pkg/events"
	"github.com/wisbric/filepilot/pkg/gateway"
	"github.com/wisbric/filepilot/pkg/registry"
)

// memStore is an in-memory engineStore for traversal tests.
type memStore struct {
	mu      sync.Mutex
	jobs    map[string]*Job
	snaps   map[string]*Snapshot
	records map[string]map[string]FileRecord // snapshotID -> fileID -> record

	cancelAfter int // CancelRequested returns true from this call count on (0 = never)
	cancelCalls int
}

func newMemStore() *memStore {
	return &memStore{
		jobs:    make(map[string]*Job),
		snaps:   make(map[string]*Snapshot),
		records: make(map[string]map[string]FileRecord),
	}
}

func (m *memStore) addJob(j *Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *j
	m.jobs[j.ScanID] = &cp
}

func (m *memStore) GetJob(_ context.Context, scanID string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[scanID]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *memStore) MarkRunning(_ context.Context, scanID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[scanID]
	if !ok {
		return ErrJobNotFound
	}
	j.Status = StatusRunning
	if j.StartedAt == nil {
		now := time.Now()
		j.StartedAt = &now
	}
	return nil
}

func (m *memStore) MarkPaused(_ context.Context, scanID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[scanID]
	if !ok {
		return ErrJobNotFound
	}
	if j.Status == StatusRunning {
		j.Status = StatusPaused
	}
	return nil
}

func (m *memStore) SetTerminal(_ context.Context, scanID string, status Status, errCode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[scanID]
	if !ok {
		return ErrJobNotFound
	}
	if j.Status.Terminal() {
		return nil
	}
	j.Status = status
	j.ErrorCode = errCode
	now := time.Now()
	j.FinishedAt = &now
	return nil
}

func (m *memStore) CancelRequested(_ context.Context, scanID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelCalls++
	if m.cancelAfter > 0 && m.cancelCalls >= m.cancelAfter {
		return true, nil
	}
	return m.jobs[scanID] != nil && m.jobs[scanID].CancelRequested, nil
}

func (m *memStore) EnsureSnapshot(_ context.Context, scanID, userKey string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.snaps {
		if s.ScanID == scanID {
			cp := *s
			return &cp, nil
		}
	}
	snap := &Snapshot{SnapshotID: "snap-" + scanID, ScanID: scanID, UserKey: userKey}
	m.snaps[snap.SnapshotID] = snap
	m.records[snap.SnapshotID] = make(map[string]FileRecord)
	cp := *snap
	return &cp, nil
}

func (m *memStore) SaveCheckpoint(_ context.Context, scanID, snapshotID string, records []FileRecord, cp Checkpoint, prog Progress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[scanID]
	if !ok {
		return ErrJobNotFound
	}
	// Primary-key semantics: replayed records are ignored.
	for _, r := range records {
		if _, exists := m.records[snapshotID][r.FileID]; !exists {
			m.records[snapshotID][r.FileID] = r
		}
	}
	j.Checkpoint = cp
	j.Progress = prog
	j.UpdatedAt = time.Now()
	return nil
}

func (m *memStore) FinalizeSnapshot(_ context.Context, snapshotID string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snaps[snapshotID]
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	s.TotalFiles, s.TotalBytes = 0, 0
	for _, r := range m.records[snapshotID] {
		if r.MimeCategory == "Folder" {
			continue
		}
		s.TotalFiles++
		s.TotalBytes += r.SizeBytes
	}
	s.Finalized = true
	s.TakenAt = time.Now()
	cp := *s
	return &cp, nil
}

func (m *memStore) LastCompletedTotal(context.Context, string) (int64, error) { return 0, nil }

func (m *memStore) fileIDs(snapshotID string) map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool)
	for id := range m.records[snapshotID] {
		out[id] = true
	}
	return out
}

// fakeRemote serves a fixed folder tree.
type fakeRemote struct {
	root     string
	children map[string][]gateway.File
	errOn    map[string]error
	calls    int
}

func (f *fakeRemote) RootFolderID(context.Context, string) (string, error) {
	return f.root, nil
}

func (f *fakeRemote) ListChildren(_ context.Context, _, folderID, _ string) (*gateway.Page, error) {
	f.calls++
	if err := f.errOn[folderID]; err != nil {
		return nil, err
	}
	return &gateway.Page{Files: f.children[folderID]}, nil
}

func folder(id, name string) gateway.File {
	return gateway.File{ID: id, Name: name, MimeType: gateway.MimeFolder}
}

func doc(id, name string, size int64) gateway.File {
	return gateway.File{ID: id, Name: name, MimeType: "application/pdf", SizeBytes: size}
}

func testEngine(t *testing.T, store engineStore, remote Remote) (*Engine, *events.Bus, *registry.Registry) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	reg := registry.New(rdb, slog.Default())
	bus := events.NewBus(nil, slog.Default())
	eng := &Engine{
		store:    store,
		remote:   remote,
		bus:      bus,
		registry: reg,
		cfg:      EngineConfig{}.withDefaults(),
		logger:   slog.Default(),
		now:      time.Now,
	}
	return eng, bus, reg
}

func seedJob(store *memStore, scanID, userKey string, cfg Config) {
	store.addJob(&Job{
		ScanID:  scanID,
		UserKey: userKey,
		Status:  StatusQueued,
		Config:  cfg,
	})
}

func TestRun_HappyScan(t *testing.T) {
	remote := &fakeRemote{
		root: "F1",
		children: map[string][]gateway.File{
			"F1": {folder("F2", "sub"), doc("C", "c.pdf", 3000)},
			"F2": {doc("A", "a.pdf", 1000), doc("B", "b.pdf", 2000)},
		},
	}
	store := newMemStore()
	seedJob(store, "s1", "u1", Config{MaxDepth: 5})
	eng, bus, _ := testEngine(t, store, remote)

	ch, cancel := bus.Subscribe(events.ScanTopic("s1"), "t")
	defer cancel()

	if err := eng.Run(context.Background(), "s1"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	job, _ := store.GetJob(context.Background(), "s1")
	if job.Status != StatusCompleted {
		t.Fatalf("status = %v, want completed", job.Status)
	}

	snap, _ := store.FinalizeSnapshot(context.Background(), "snap-s1")
	if snap.TotalFiles != 3 {
		t.Errorf("TotalFiles = %d, want 3", snap.TotalFiles)
	}
	if snap.TotalBytes != 6000 {
		t.Errorf("TotalBytes = %d, want 6000", snap.TotalBytes)
	}

	// Events: strictly increasing sequences, terminal complete.
	var seqs []uint64
	var last events.Event
	drain := true
	for drain {
		select {
		case ev := <-ch:
			seqs = append(seqs, ev.Sequence)
			last = ev
			if ev.Kind == events.KindComplete {
				drain = false
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for complete event")
		}
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Errorf("sequence %d not greater than %d", seqs[i], seqs[i-1])
		}
	}
	if last.Kind != events.KindComplete {
		t.Errorf("last event kind = %v, want complete", last.Kind)
	}
}

func TestRun_EmptyNamespace(t *testing.T) {
	remote := &fakeRemote{root: "root", children: map[string][]gateway.File{}}
	store := newMemStore()
	seedJob(store, "s1", "u1", Config{MaxDepth: 5})
	eng, bus, _ := testEngine(t, store, remote)

	if err := eng.Run(context.Background(), "s1"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	snap, _ := store.FinalizeSnapshot(context.Background(), "snap-s1")
	if snap.TotalFiles != 0 {
		t.Errorf("TotalFiles = %d, want 0", snap.TotalFiles)
	}

	evs := bus.Replay(events.ScanTopic("s1"), 0)
	var progress, complete int
	for _, ev := range evs {
		switch ev.Kind {
		case events.KindProgress:
			progress++
		case events.KindComplete:
			complete++
		}
	}
	if progress != 1 {
		t.Errorf("progress events = %d, want exactly 1", progress)
	}
	if complete != 1 {
		t.Errorf("complete events = %d, want exactly 1", complete)
	}
}

func TestRun_DepthLimit(t *testing.T) {
	remote := &fakeRemote{
		root: "F1",
		children: map[string][]gateway.File{
			"F1": {folder("F2", "sub"), doc("A", "a.pdf", 100)},
			"F2": {folder("F3", "deep")},
			"F3": {doc("B", "b.pdf", 100)}, // beyond maxDepth=1
		},
	}
	store := newMemStore()
	seedJob(store, "s1", "u1", Config{MaxDepth: 1})
	eng, _, _ := testEngine(t, store, remote)

	if err := eng.Run(context.Background(), "s1"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	ids := store.fileIDs("snap-s1")
	if ids["B"] {
		t.Error("record B below the depth limit should not be in the snapshot")
	}
	if !ids["A"] || !ids["F2"] {
		t.Errorf("expected A and F2 in snapshot, got %v", ids)
	}
}

func TestRun_SkipsTrashedUnlessConfigured(t *testing.T) {
	remote := &fakeRemote{
		root: "F1",
		children: map[string][]gateway.File{
			"F1": {
				doc("A", "a.pdf", 100),
				{ID: "T", Name: "t.pdf", MimeType: "application/pdf", SizeBytes: 50, Trashed: true},
			},
		},
	}
	store := newMemStore()
	seedJob(store, "s1", "u1", Config{MaxDepth: 5})
	eng, _, _ := testEngine(t, store, remote)

	if err := eng.Run(context.Background(), "s1"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if store.fileIDs("snap-s1")["T"] {
		t.Error("trashed record included without include_trashed")
	}

	store2 := newMemStore()
	seedJob(store2, "s2", "u2", Config{MaxDepth: 5, IncludeTrashed: true})
	eng2, _, _ := testEngine(t, store2, remote)
	if err := eng2.Run(context.Background(), "s2"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !store2.fileIDs("snap-s2")["T"] {
		t.Error("trashed record missing with include_trashed")
	}
}

func TestRun_ResumeFromCheckpointSameFileSet(t *testing.T) {
	remote := &fakeRemote{
		root: "F1",
		children: map[string][]gateway.File{
			"F1": {folder("F2", "sub"), doc("C", "c.pdf", 3000)},
			"F2": {doc("A", "a.pdf", 1000), doc("B", "b.pdf", 2000)},
		},
	}

	// Full, uninterrupted run for the reference file set.
	ref := newMemStore()
	seedJob(ref, "full", "u1", Config{MaxDepth: 5})
	engRef, _, _ := testEngine(t, ref, remote)
	if err := engRef.Run(context.Background(), "full"); err != nil {
		t.Fatalf("reference run: %v", err)
	}
	want := ref.fileIDs("snap-full")

	// A job resumed mid-traversal: F1 already visited, its records already
	// persisted, F2 still queued.
	store := newMemStore()
	store.addJob(&Job{
		ScanID:  "resumed",
		UserKey: "u1",
		Status:  StatusPaused,
		Config:  Config{MaxDepth: 5},
		Checkpoint: Checkpoint{
			Queue:           []QueueItem{{FolderID: "F2", Depth: 1}},
			Visited:         []string{"F1"},
			LastProcessedID: "F1",
			RecordsWritten:  2,
		},
		Progress: Progress{FilesSeen: 1, BytesSeen: 3000},
	})
	snap, _ := store.EnsureSnapshot(context.Background(), "resumed", "u1")
	_ = store.SaveCheckpoint(context.Background(), "resumed", snap.SnapshotID,
		[]FileRecord{
			{FileID: "F2", Name: "sub", MimeCategory: "Folder"},
			{FileID: "C", Name: "c.pdf", MimeCategory: "PDF", SizeBytes: 3000},
		},
		Checkpoint{Queue: []QueueItem{{FolderID: "F2", Depth: 1}}, Visited: []string{"F1"}},
		Progress{FilesSeen: 1, BytesSeen: 3000})

	eng, _, _ := testEngine(t, store, remote)
	if err := eng.Run(context.Background(), "resumed"); err != nil {
		t.Fatalf("resumed run: %v", err)
	}

	got := store.fileIDs(snap.SnapshotID)
	if len(got) != len(want) {
		t.Fatalf("file set = %v, want %v", got, want)
	}
	for id := range want {
		if !got[id] {
			t.Errorf("missing %s in resumed snapshot", id)
		}
	}

	job, _ := store.GetJob(context.Background(), "resumed")
	if job.Status != StatusCompleted {
		t.Errorf("status = %v, want completed", job.Status)
	}
}

func TestRun_CancelObservedAtFolderBoundary(t *testing.T) {
	remote := &fakeRemote{
		root: "F1",
		children: map[string][]gateway.File{
			"F1": {folder("F2", "a"), folder("F3", "b")},
			"F2": {doc("A", "a.pdf", 1)},
			"F3": {doc("B", "b.pdf", 1)},
		},
	}
	store := newMemStore()
	store.cancelAfter = 2 // first folder processes, then cancel lands
	seedJob(store, "s1", "u1", Config{MaxDepth: 5})
	eng, bus, _ := testEngine(t, store, remote)

	if err := eng.Run(context.Background(), "s1"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	job, _ := store.GetJob(context.Background(), "s1")
	if job.Status != StatusCancelled {
		t.Fatalf("status = %v, want cancelled", job.Status)
	}

	evs := bus.Replay(events.ScanTopic("s1"), 0)
	if len(evs) == 0 {
		t.Fatal("expected a terminal event")
	}
	if last := evs[len(evs)-1]; last.Kind != events.KindError {
		t.Errorf("last event kind = %v, want error (cancelled)", last.Kind)
	}
}

func TestRun_RemoteForbiddenFailsJob(t *testing.T) {
	remote := &fakeRemote{
		root: "F1",
		children: map[string][]gateway.File{
			"F1": {folder("F2", "sub")},
		},
		errOn: map[string]error{
			"F2": &gateway.Error{Kind: gateway.KindForbidden, Op: "list_children"},
		},
	}
	store := newMemStore()
	seedJob(store, "s1", "u1", Config{MaxDepth: 5})
	eng, _, _ := testEngine(t, store, remote)

	err := eng.Run(context.Background(), "s1")
	if err == nil {
		t.Fatal("expected error")
	}

	job, _ := store.GetJob(context.Background(), "s1")
	if job.Status != StatusFailed {
		t.Fatalf("status = %v, want failed", job.Status)
	}
	if job.ErrorCode != ErrCodeForbidden {
		t.Errorf("error code = %q, want %q", job.ErrorCode, ErrCodeForbidden)
	}
}

func TestRun_VanishedFolderIsSkipped(t *testing.T) {
	remote := &fakeRemote{
		root: "F1",
		children: map[string][]gateway.File{
			"F1": {folder("F2", "gone"), doc("A", "a.pdf", 10)},
		},
		errOn: map[string]error{
			"F2": &gateway.Error{Kind: gateway.KindNotFound, Op: "list_children"},
		},
	}
	store := newMemStore()
	seedJob(store, "s1", "u1", Config{MaxDepth: 5})
	eng, _, _ := testEngine(t, store, remote)

	if err := eng.Run(context.Background(), "s1"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	job, _ := store.GetJob(context.Background(), "s1")
	if job.Status != StatusCompleted {
		t.Errorf("status = %v, want completed (vanished folder tolerated)", job.Status)
	}
}

func TestRun_ShutdownPausesForResume(t *testing.T) {
	remote := &fakeRemote{
		root: "F1",
		children: map[string][]gateway.File{
			"F1": {doc("A", "a.pdf", 10)},
		},
	}
	store := newMemStore()
	seedJob(store, "s1", "u1", Config{MaxDepth: 5})
	eng, _, _ := testEngine(t, store, remote)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // shutdown arrives before the first folder

	if err := eng.Run(ctx, "s1"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	job, _ := store.GetJob(context.Background(), "s1")
	if job.Status != StatusPaused {
		t.Fatalf("status = %v, want paused", job.Status)
	}
	if len(job.Checkpoint.Queue) == 0 {
		t.Error("paused job should keep its queued folders for resumption")
	}
}

func TestFailureCode_Mapping(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&gateway.Error{Kind: gateway.KindForbidden}, ErrCodeForbidden},
		{&gateway.Error{Kind: gateway.KindQuotaExceeded}, ErrCodeQuotaExceeded},
		{context.DeadlineExceeded, ErrCodeDeadline},
		{errors.New("anything"), ErrCodeInternal},
	}
	for _, tt := range tests {
		if got := failureCode(tt.err); got != tt.want {
			t.Errorf("failureCode(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
