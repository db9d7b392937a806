package messaging

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/wisbric/filepilot/pkg/events"
)

// Dispatcher consumes terminal progress events mirrored to Redis and fans
// them out to every registered notification provider. It runs as a
// background worker so notification latency never sits on an engine's
// critical path.
type Dispatcher struct {
	rdb      *redis.Client
	registry *Registry
	logger   *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(rdb *redis.Client, registry *Registry, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{rdb: rdb, registry: registry, logger: logger}
}

// Run blocks consuming mirrored events until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	pubsub := d.rdb.Subscribe(ctx, "filepilot:events")
	defer pubsub.Close()

	d.logger.Info("notification dispatcher started")
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("notification dispatcher stopped")
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev events.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				d.logger.Warn("undecodable mirrored event", "error", err)
				continue
			}
			d.dispatch(ctx, ev)
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, ev events.Event) {
	switch {
	case strings.HasPrefix(ev.Topic, "scan:"):
		d.dispatchScan(ctx, ev)
	case strings.HasPrefix(ev.Topic, "action:"):
		d.dispatchAction(ctx, ev)
	}
}

func (d *Dispatcher) dispatchScan(ctx context.Context, ev events.Event) {
	scanID := strings.TrimPrefix(ev.Topic, "scan:")

	if ev.Kind == events.KindError {
		var payload struct {
			Code string `json:"code"`
		}
		_ = json.Unmarshal(ev.Payload, &payload)
		for _, p := range d.registry.All() {
			if err := p.PostScanFailed(ctx, ScanFailedMessage{ScanID: scanID, ErrorCode: payload.Code}); err != nil {
				d.logger.Warn("posting scan failure", "error", err, "provider", p.Name())
			}
		}
		return
	}

	var payload struct {
		SnapshotID string `json:"snapshot_id"`
		TotalFiles int64  `json:"total_files"`
		TotalBytes int64  `json:"total_bytes"`
	}
	_ = json.Unmarshal(ev.Payload, &payload)
	for _, p := range d.registry.All() {
		if err := p.PostScanComplete(ctx, ScanCompleteMessage{
			ScanID:     scanID,
			SnapshotID: payload.SnapshotID,
			TotalFiles: payload.TotalFiles,
			TotalBytes: payload.TotalBytes,
		}); err != nil {
			d.logger.Warn("posting scan completion", "error", err, "provider", p.Name())
		}
	}
}

func (d *Dispatcher) dispatchAction(ctx context.Context, ev events.Event) {
	batchID := strings.TrimPrefix(ev.Topic, "action:")

	var payload struct {
		Status   string `json:"status"`
		Progress struct {
			Succeeded int `json:"succeeded"`
			Failed    int `json:"failed"`
			Skipped   int `json:"skipped"`
			Cancelled int `json:"cancelled"`
		} `json:"progress"`
	}
	_ = json.Unmarshal(ev.Payload, &payload)

	for _, p := range d.registry.All() {
		if err := p.PostBatchExecuted(ctx, BatchExecutedMessage{
			BatchID:   batchID,
			Status:    payload.Status,
			Succeeded: payload.Progress.Succeeded,
			Failed:    payload.Progress.Failed,
			Skipped:   payload.Progress.Skipped,
			Cancelled: payload.Progress.Cancelled,
		}); err != nil {
			d.logger.Warn("posting batch outcome", "error", err, "provider", p.Name())
		}
	}
}
