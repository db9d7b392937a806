// Package registry tracks job admission: at most one active scan per user
// and at most one executing action batch per user, enforced with a Redis
// compare-and-set so the guarantee holds across process replicas.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Admission errors.
var (
	ErrScanAlreadyActive     = errors.New("scan already active for user")
	ErrBatchAlreadyExecuting = errors.New("action batch already executing for user")
)

// Registry is the Redis-backed job admission table.
type Registry struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// New creates a Registry.
func New(rdb *redis.Client, logger *slog.Logger) *Registry {
	return &Registry{rdb: rdb, logger: logger}
}

func scanKey(userKey string) string  { return "filepilot:jobs:scan:" + userKey }
func batchKey(userKey string) string { return "filepilot:jobs:batch:" + userKey }

// releaseScript deletes the slot only if it still belongs to the caller,
// so a late release from a crashed run cannot evict a successor.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// AdmitScan claims the user's scan slot for scanID. The ttl bounds slot
// leakage if the owning process dies without releasing; it should exceed
// the scan's overall deadline.
func (r *Registry) AdmitScan(ctx context.Context, userKey, scanID string, ttl time.Duration) error {
	ok, err := r.rdb.SetNX(ctx, scanKey(userKey), scanID, ttl).Result()
	if err != nil {
		return fmt.Errorf("admitting scan: %w", err)
	}
	if !ok {
		return ErrScanAlreadyActive
	}
	return nil
}

// ReleaseScan frees the user's scan slot if scanID still owns it.
func (r *Registry) ReleaseScan(ctx context.Context, userKey, scanID string) error {
	n, err := releaseScript.Run(ctx, r.rdb, []string{scanKey(userKey)}, scanID).Int()
	if err != nil {
		return fmt.Errorf("releasing scan slot: %w", err)
	}
	if n == 0 {
		r.logger.Warn("scan slot was not owned at release", "user_key", userKey, "scan_id", scanID)
	}
	return nil
}

// ActiveScan returns the scanID currently holding the user's slot, or ""
// if the slot is free.
func (r *Registry) ActiveScan(ctx context.Context, userKey string) (string, error) {
	v, err := r.rdb.Get(ctx, scanKey(userKey)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading scan slot: %w", err)
	}
	return v, nil
}

// AdmitBatch claims the user's executing-batch slot for batchID.
func (r *Registry) AdmitBatch(ctx context.Context, userKey, batchID string, ttl time.Duration) error {
	ok, err := r.rdb.SetNX(ctx, batchKey(userKey), batchID, ttl).Result()
	if err != nil {
		return fmt.Errorf("admitting batch: %w", err)
	}
	if !ok {
		return ErrBatchAlreadyExecuting
	}
	return nil
}

// ReleaseBatch frees the user's batch slot if batchID still owns it.
func (r *Registry) ReleaseBatch(ctx context.Context, userKey, batchID string) error {
	n, err := releaseScript.Run(ctx, r.rdb, []string{batchKey(userKey)}, batchID).Int()
	if err != nil {
		return fmt.Errorf("releasing batch slot: %w", err)
	}
	if n == 0 {
		r.logger.Warn("batch slot was not owned at release", "user_key", userKey, "batch_id", batchID)
	}
	return nil
}
