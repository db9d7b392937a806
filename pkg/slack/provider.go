package slack

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/wisbric/filepilot/pkg/messaging"
)

// Provider implements messaging.Provider for Slack.
type Provider struct {
	notifier *Notifier
	logger   *slog.Logger
}

// NewProvider creates a Slack messaging provider wrapping the notifier.
func NewProvider(notifier *Notifier, logger *slog.Logger) *Provider {
	return &Provider{notifier: notifier, logger: logger}
}

func (p *Provider) Name() string { return "slack" }

// PostScanComplete posts a scan-finished notification.
func (p *Provider) PostScanComplete(ctx context.Context, msg messaging.ScanCompleteMessage) error {
	info := ScanInfo{
		ScanID:     msg.ScanID,
		SnapshotID: msg.SnapshotID,
		TotalFiles: msg.TotalFiles,
		TotalBytes: msg.TotalBytes,
	}
	_, _, err := p.notifier.PostBlocks(ctx, ScanCompleteBlocks(info), messaging.ScanSummary(msg))
	return err
}

// PostScanFailed posts a scan-failure notification.
func (p *Provider) PostScanFailed(ctx context.Context, msg messaging.ScanFailedMessage) error {
	info := ScanInfo{ScanID: msg.ScanID, ErrorCode: msg.ErrorCode}
	_, _, err := p.notifier.PostBlocks(ctx, ScanFailedBlocks(info), "🔴 Drive scan failed: "+msg.ErrorCode)
	return err
}

// PostBatchExecuted posts a batch-outcome notification.
func (p *Provider) PostBatchExecuted(ctx context.Context, msg messaging.BatchExecutedMessage) error {
	info := BatchInfo{
		BatchID:   msg.BatchID,
		Status:    msg.Status,
		Succeeded: msg.Succeeded,
		Failed:    msg.Failed,
		Skipped:   msg.Skipped,
		Cancelled: msg.Cancelled,
	}
	_, _, err := p.notifier.PostBlocks(ctx, BatchExecutedBlocks(info), messaging.BatchSummary(msg))
	return err
}

// PostManualReview posts a nudge about unresolved duplicate groups.
func (p *Provider) PostManualReview(ctx context.Context, msg messaging.ManualReviewMessage) error {
	info := ReviewInfo{
		SnapshotID:       msg.SnapshotID,
		GroupCount:       msg.GroupCount,
		ReclaimableBytes: msg.ReclaimableBytes,
	}
	_, _, err := p.notifier.PostBlocks(ctx, ManualReviewBlocks(info), "🟡 Duplicate groups need manual review")
	return err
}

// PostRestoreCompleted posts a rollback-outcome notification.
func (p *Provider) PostRestoreCompleted(ctx context.Context, msg messaging.RestoreCompletedMessage) error {
	text := fmt.Sprintf("%s Restore finished: %d restored, %d failed",
		messaging.StatusEmoji("rolled_back"), msg.Restored, msg.Failed)
	return p.notifier.PostText(ctx, text)
}
