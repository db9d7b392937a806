package messaging

import "time"

// ScanCompleteMessage announces a finished scan.
type ScanCompleteMessage struct {
	ScanID     string
	SnapshotID string
	TotalFiles int64
	TotalBytes int64
	FinishedAt time.Time
}

// ScanFailedMessage announces a scan that ended in failure.
type ScanFailedMessage struct {
	ScanID    string
	ErrorCode string
}

// BatchExecutedMessage announces a finished batch execution.
type BatchExecutedMessage struct {
	BatchID   string
	Status    string // executed or failed
	Succeeded int
	Failed    int
	Skipped   int
	Cancelled int
}

// ManualReviewMessage flags duplicate groups that need a human decision.
type ManualReviewMessage struct {
	SnapshotID       string
	GroupCount       int
	ReclaimableBytes int64
}

// RestoreCompletedMessage announces a finished rollback.
type RestoreCompletedMessage struct {
	BatchID  string
	Restored int
	Failed   int
}
