package token

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

func testSealer(t *testing.T) *Sealer {
	t.Helper()
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	s, err := NewSealer(key)
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	return s
}

func TestSealer_RoundTrip(t *testing.T) {
	s := testSealer(t)

	sealed, err := s.Seal("u1", []byte("secret material"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	plaintext, err := s.Open("u1", sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(plaintext) != "secret material" {
		t.Errorf("plaintext = %q", plaintext)
	}
}

func TestSealer_BlobBoundToUser(t *testing.T) {
	s := testSealer(t)

	sealed, err := s.Seal("u1", []byte("secret"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	if _, err := s.Open("u2", sealed); err == nil {
		t.Error("blob sealed for u1 must not open for u2")
	}
}

func TestSealer_RejectsBadKey(t *testing.T) {
	if _, err := NewSealer("deadbeef"); err == nil {
		t.Error("short key must be rejected")
	}
	if _, err := NewSealer("not hex"); err == nil {
		t.Error("non-hex key must be rejected")
	}
}

// memStore is an in-memory credentialStore for service tests.
type memStore struct {
	mu   sync.Mutex
	recs map[string]record
}

func newMemStore() *memStore {
	return &memStore{recs: make(map[string]record)}
}

func (m *memStore) Upsert(_ context.Context, r record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.RevokedAt = nil
	m.recs[r.UserKey] = r
	return nil
}

func (m *memStore) UpdateSealed(_ context.Context, userKey string, sealed []byte, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[userKey]
	if !ok || r.RevokedAt != nil {
		return ErrCredentialMissing
	}
	r.Sealed = sealed
	r.ExpiresAt = expiresAt
	m.recs[userKey] = r
	return nil
}

func (m *memStore) Get(_ context.Context, userKey string) (record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[userKey]
	if !ok {
		return record{}, ErrCredentialMissing
	}
	return r, nil
}

func (m *memStore) MarkRevoked(_ context.Context, userKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[userKey]
	if !ok || r.RevokedAt != nil {
		return ErrCredentialMissing
	}
	now := time.Now()
	r.RevokedAt = &now
	r.Sealed = nil
	m.recs[userKey] = r
	return nil
}

// newTestService builds a Service over a memStore and a scripted provider.
func newTestService(t *testing.T, providerURL string) (*Service, *memStore) {
	t.Helper()
	svc := &Service{
		store:  newMemStore(),
		sealer: testSealer(t),
		oauth: &oauth2.Config{
			ClientID:     "client",
			ClientSecret: "secret",
			Endpoint:     oauth2.Endpoint{TokenURL: providerURL + "/token"},
		},
		skew:   time.Minute,
		logger: slog.Default(),
		now:    time.Now,
	}
	return svc, svc.store.(*memStore)
}

func seedCredential(t *testing.T, svc *Service, userKey string, expiry time.Time) {
	t.Helper()
	err := svc.Put(context.Background(), userKey, &oauth2.Token{
		AccessToken:  "old-access",
		RefreshToken: "refresh-1",
		Expiry:       expiry,
	}, []string{"drive"})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
}

func TestWithValid_NoRefreshWhenFresh(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	svc, _ := newTestService(t, srv.URL)
	seedCredential(t, svc, "u1", time.Now().Add(time.Hour))

	var got string
	err := svc.WithValid(context.Background(), "u1", func(_ context.Context, access string) error {
		got = access
		return nil
	})
	if err != nil {
		t.Fatalf("WithValid: %v", err)
	}
	if got != "old-access" {
		t.Errorf("access = %q, want old-access", got)
	}
	if hits.Load() != 0 {
		t.Errorf("provider hits = %d, want 0", hits.Load())
	}
}

func TestWithValid_SingleFlightRefresh(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		// One shared exchange, slow enough for callers to pile up.
		time.Sleep(50 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"new-access","token_type":"Bearer","expires_in":3600,"refresh_token":"refresh-2"}`))
	}))
	defer srv.Close()

	svc, _ := newTestService(t, srv.URL)
	seedCredential(t, svc, "u1", time.Now().Add(-time.Minute)) // expired

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	tokens := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = svc.WithValid(context.Background(), "u1", func(_ context.Context, access string) error {
				tokens[i] = access
				return nil
			})
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if tokens[i] != "new-access" {
			t.Errorf("caller %d access = %q, want new-access", i, tokens[i])
		}
	}
	if hits.Load() != 1 {
		t.Errorf("provider hits = %d, want exactly 1", hits.Load())
	}
}

func TestWithValid_InvalidGrantRevokes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	svc, store := newTestService(t, srv.URL)
	seedCredential(t, svc, "u1", time.Now().Add(-time.Minute))

	err := svc.WithValid(context.Background(), "u1", func(context.Context, string) error { return nil })
	if !errors.Is(err, ErrCredentialRevoked) {
		t.Fatalf("err = %v, want ErrCredentialRevoked", err)
	}

	rec, _ := store.Get(context.Background(), "u1")
	if rec.RevokedAt == nil {
		t.Error("record should be marked revoked after invalid_grant")
	}

	// Subsequent calls fail without touching the provider.
	err = svc.WithValid(context.Background(), "u1", func(context.Context, string) error { return nil })
	if !errors.Is(err, ErrCredentialRevoked) {
		t.Fatalf("second call err = %v, want ErrCredentialRevoked", err)
	}
}

func TestWithValid_ProviderOutageIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	svc, store := newTestService(t, srv.URL)
	seedCredential(t, svc, "u1", time.Now().Add(-time.Minute))

	err := svc.WithValid(context.Background(), "u1", func(context.Context, string) error { return nil })
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("err = %v, want ErrProviderUnavailable", err)
	}

	rec, _ := store.Get(context.Background(), "u1")
	if rec.RevokedAt != nil {
		t.Error("provider outage must not revoke the credential")
	}
}

func TestWithValid_MissingCredential(t *testing.T) {
	svc, _ := newTestService(t, "http://localhost:0")

	err := svc.WithValid(context.Background(), "nobody", func(context.Context, string) error { return nil })
	if !errors.Is(err, ErrCredentialMissing) {
		t.Fatalf("err = %v, want ErrCredentialMissing", err)
	}
}

func TestFreshWithin(t *testing.T) {
	svc, _ := newTestService(t, "http://localhost:0")
	seedCredential(t, svc, "u1", time.Now().Add(time.Hour))

	fresh, err := svc.FreshWithin(context.Background(), "u1", 10*time.Minute)
	if err != nil {
		t.Fatalf("FreshWithin: %v", err)
	}
	if !fresh {
		t.Error("just-seeded credential should be fresh")
	}

	// Age the authentication beyond the window.
	svc.now = func() time.Time { return time.Now().Add(11 * time.Minute) }
	fresh, err = svc.FreshWithin(context.Background(), "u1", 10*time.Minute)
	if err != nil {
		t.Fatalf("FreshWithin: %v", err)
	}
	if fresh {
		t.Error("credential older than the window should not be fresh")
	}
}
