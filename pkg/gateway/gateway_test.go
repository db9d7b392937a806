package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type staticTokens struct{}

func (staticTokens) WithValid(ctx context.Context, _ string, fn func(ctx context.Context, accessToken string) error) error {
	return fn(ctx, "test-token")
}

// stubTransport returns scripted errors before succeeding, and serves
// scripted pages for listings.
type stubTransport struct {
	errs  []error // consumed first, one per call
	pages []Page
	calls int
}

func (s *stubTransport) nextErr() error {
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return err
	}
	return nil
}

func (s *stubTransport) ListChildren(ctx context.Context, _, _, cursor string) (*Page, error) {
	if err := s.nextErr(); err != nil {
		return nil, err
	}
	if len(s.pages) == 0 {
		return &Page{}, nil
	}
	page := s.pages[0]
	s.pages = s.pages[1:]
	return &page, nil
}

func (s *stubTransport) GetFile(ctx context.Context, _, fileID string, _ []string) (*File, error) {
	if err := s.nextErr(); err != nil {
		return nil, err
	}
	return &File{ID: fileID, Name: "stub"}, nil
}

func (s *stubTransport) CreateFolder(ctx context.Context, _, _, name string) (*File, error) {
	if err := s.nextErr(); err != nil {
		return nil, err
	}
	return &File{ID: "new-folder", Name: name, MimeType: MimeFolder}, nil
}

func (s *stubTransport) Move(ctx context.Context, _, fileID string, add, remove []string) (*File, error) {
	if err := s.nextErr(); err != nil {
		return nil, err
	}
	return &File{ID: fileID, ParentIDs: add}, nil
}

func (s *stubTransport) Rename(ctx context.Context, _, fileID, newName string) (*File, error) {
	if err := s.nextErr(); err != nil {
		return nil, err
	}
	return &File{ID: fileID, Name: newName}, nil
}

func (s *stubTransport) SetTrashed(ctx context.Context, _, fileID string, trashed bool) (*File, error) {
	if err := s.nextErr(); err != nil {
		return nil, err
	}
	return &File{ID: fileID, Trashed: trashed}, nil
}

func (s *stubTransport) Copy(ctx context.Context, _, fileID, parentID, newName string) (*File, error) {
	if err := s.nextErr(); err != nil {
		return nil, err
	}
	return &File{ID: "copy-of-" + fileID, Name: newName, ParentIDs: []string{parentID}}, nil
}

func (s *stubTransport) Download(ctx context.Context, _, _ string, _ int64) (io.ReadCloser, error) {
	if err := s.nextErr(); err != nil {
		return nil, err
	}
	return io.NopCloser(strings.NewReader("")), nil
}

func (s *stubTransport) RootFolderID(ctx context.Context, _ string) (string, error) {
	if err := s.nextErr(); err != nil {
		return "", err
	}
	return "root", nil
}

func testGateway(t *testing.T, transport Transport, cfg Config) *Gateway {
	t.Helper()
	return New(transport, staticTokens{}, cfg, slog.Default())
}

func TestRetry_TransientThenSuccess(t *testing.T) {
	stub := &stubTransport{
		errs: []error{
			newError("get_file", KindUnavailable, errors.New("boom")),
			newError("get_file", KindRateLimited, errors.New("slow down")),
		},
	}
	g := testGateway(t, stub, Config{RPS: 1000, RetryMaxTries: 6})

	f, err := g.GetFile(context.Background(), "u1", "f1", nil)
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if f.ID != "f1" {
		t.Errorf("ID = %q, want f1", f.ID)
	}
	if stub.calls != 3 {
		t.Errorf("calls = %d, want 3 (two retries)", stub.calls)
	}
}

func TestRetry_PermanentNotRetried(t *testing.T) {
	stub := &stubTransport{
		errs: []error{
			newError("get_file", KindNotFound, errors.New("gone")),
		},
	}
	g := testGateway(t, stub, Config{RPS: 1000, RetryMaxTries: 6})

	_, err := g.GetFile(context.Background(), "u1", "f1", nil)
	if KindOf(err) != KindNotFound {
		t.Fatalf("kind = %v, want not_found", KindOf(err))
	}
	if stub.calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on permanent)", stub.calls)
	}
}

func TestRetry_GivesUpAfterMaxTries(t *testing.T) {
	stub := &stubTransport{
		errs: []error{
			newError("get_file", KindUnavailable, errors.New("a")),
			newError("get_file", KindUnavailable, errors.New("b")),
			newError("get_file", KindUnavailable, errors.New("c")),
		},
	}
	g := testGateway(t, stub, Config{RPS: 1000, RetryMaxTries: 2})

	_, err := g.GetFile(context.Background(), "u1", "f1", nil)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if stub.calls != 2 {
		t.Errorf("calls = %d, want 2", stub.calls)
	}
}

func TestCircuitBreaker_OpensAfterConsecutiveTransientFailures(t *testing.T) {
	stub := &stubTransport{}
	for i := 0; i < 10; i++ {
		stub.errs = append(stub.errs, newError("get_file", KindUnavailable, errors.New("down")))
	}
	g := testGateway(t, stub, Config{
		RPS:             1000,
		RetryMaxTries:   1,
		FailuresToOpen:  3,
		CircuitCooldown: time.Minute,
	})

	for i := 0; i < 3; i++ {
		_, err := g.GetFile(context.Background(), "u1", "f1", nil)
		if KindOf(err) != KindUnavailable {
			t.Fatalf("call %d: kind = %v, want unavailable", i, KindOf(err))
		}
	}

	// The circuit is open: the next call must fail fast without touching
	// the transport.
	before := stub.calls
	start := time.Now()
	_, err := g.GetFile(context.Background(), "u1", "f1", nil)
	if KindOf(err) != KindCircuitOpen {
		t.Fatalf("kind = %v, want circuit_open", KindOf(err))
	}
	if stub.calls != before {
		t.Errorf("transport was called while circuit open")
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("open-circuit call took %v, want immediate", elapsed)
	}
}

func TestCircuitBreaker_PermanentFailuresDoNotTrip(t *testing.T) {
	stub := &stubTransport{}
	for i := 0; i < 5; i++ {
		stub.errs = append(stub.errs, newError("get_file", KindNotFound, errors.New("gone")))
	}
	g := testGateway(t, stub, Config{
		RPS:             1000,
		RetryMaxTries:   1,
		FailuresToOpen:  3,
		CircuitCooldown: time.Minute,
	})

	for i := 0; i < 5; i++ {
		_, err := g.GetFile(context.Background(), "u1", "f1", nil)
		if KindOf(err) != KindNotFound {
			t.Fatalf("call %d: kind = %v, want not_found (circuit must stay closed)", i, KindOf(err))
		}
	}
}

func TestChildren_FusesPages(t *testing.T) {
	stub := &stubTransport{
		pages: []Page{
			{Files: []File{{ID: "a"}, {ID: "b"}}, NextCursor: "page2"},
			{Files: []File{{ID: "c"}}},
		},
	}
	g := testGateway(t, stub, Config{RPS: 1000, RetryMaxTries: 1})

	it := g.Children("u1", "folder")
	var ids []string
	for {
		f, err := it.Next(context.Background())
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if f == nil {
			break
		}
		ids = append(ids, f.ID)
	}

	want := []string{"a", "b", "c"}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids[%d] = %q, want %q", i, ids[i], want[i])
		}
	}
}

func TestClassify_StatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		retryAfter string
		wantKind   ErrorKind
	}{
		{"not found", 404, `{}`, "", KindNotFound},
		{"conflict", 409, `{}`, "", KindConflict},
		{"too many requests", 429, `{}`, "2", KindRateLimited},
		{"forbidden", 403, `{"error":{"errors":[{"reason":"insufficientFilePermissions"}]}}`, "", KindForbidden},
		{"403 rate limit", 403, `{"error":{"errors":[{"reason":"userRateLimitExceeded"}]}}`, "", KindRateLimited},
		{"403 quota", 403, `{"error":{"errors":[{"reason":"storageQuotaExceeded"}]}}`, "", KindQuotaExceeded},
		{"server error", 503, `{}`, "", KindUnavailable},
		{"teapot is permanent", 418, `{}`, "", KindPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			tr := NewHTTPTransport(srv.URL)
			_, err := tr.GetFile(context.Background(), "tok", "f1", nil)
			if KindOf(err) != tt.wantKind {
				t.Errorf("kind = %v, want %v", KindOf(err), tt.wantKind)
			}
			if tt.retryAfter != "" {
				var ge *Error
				if !errors.As(err, &ge) || ge.RetryAfter != 2*time.Second {
					t.Errorf("RetryAfter not propagated: %v", err)
				}
			}
		})
	}
}

func TestListChildren_ParsesWireFormat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"nextPageToken": "np",
			"files": [{
				"id": "f1", "name": "report.pdf", "mimeType": "application/pdf",
				"size": "1234", "modifiedTime": "2026-03-01T10:00:00Z",
				"parents": ["root"], "shared": true, "md5Checksum": "abc",
				"permissionIds": ["p1","p2"],
				"capabilities": {"canEdit": true, "canTrash": true, "canMoveItemWithinDrive": false}
			}]
		}`))
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL)
	page, err := tr.ListChildren(context.Background(), "tok", "root", "")
	if err != nil {
		t.Fatalf("ListChildren: %v", err)
	}
	if page.NextCursor != "np" {
		t.Errorf("NextCursor = %q", page.NextCursor)
	}
	if len(page.Files) != 1 {
		t.Fatalf("len(files) = %d", len(page.Files))
	}
	f := page.Files[0]
	if f.SizeBytes != 1234 {
		t.Errorf("SizeBytes = %d", f.SizeBytes)
	}
	if !f.Shared || f.PermissionCount != 2 || f.Checksum != "abc" {
		t.Errorf("metadata not mapped: %+v", f)
	}
	if !f.Capabilities.CanEdit || f.Capabilities.CanMove {
		t.Errorf("capabilities not mapped: %+v", f.Capabilities)
	}
	if Category(f.MimeType) != "PDF" {
		t.Errorf("Category = %q, want PDF", Category(f.MimeType))
	}
}
