// Package messaging defines the provider-agnostic interface for posting
// operational notifications (scan and batch outcomes) to chat platforms.
package messaging

import "context"

// Provider is the interface a notification platform implements.
type Provider interface {
	// Name returns the provider identifier ("slack").
	Name() string

	// PostScanComplete announces a finished scan.
	PostScanComplete(ctx context.Context, msg ScanCompleteMessage) error

	// PostScanFailed announces a failed scan.
	PostScanFailed(ctx context.Context, msg ScanFailedMessage) error

	// PostBatchExecuted announces a finished batch execution.
	PostBatchExecuted(ctx context.Context, msg BatchExecutedMessage) error

	// PostManualReview flags duplicate groups awaiting a human decision.
	PostManualReview(ctx context.Context, msg ManualReviewMessage) error

	// PostRestoreCompleted announces a finished rollback.
	PostRestoreCompleted(ctx context.Context, msg RestoreCompletedMessage) error
}
