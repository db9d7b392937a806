// Package slack posts filepilot notifications (scan and batch outcomes)
// to a Slack channel. It is the concrete implementation of the
// messaging.Provider port; with no bot token configured every call is a
// logged no-op.
package slack

// ScanInfo holds the data needed to build a scan-outcome notification.
type ScanInfo struct {
	ScanID     string
	SnapshotID string
	TotalFiles int64
	TotalBytes int64
	ErrorCode  string // set only for failures
}

// BatchInfo holds the data needed to build a batch-outcome notification.
type BatchInfo struct {
	BatchID   string
	Status    string
	Succeeded int
	Failed    int
	Skipped   int
	Cancelled int
}

// ReviewInfo holds the data for a manual-review nudge.
type ReviewInfo struct {
	SnapshotID       string
	GroupCount       int
	ReclaimableBytes int64
}
