// Package scan drives the resumable traversal of a user's remote
// namespace, producing an immutable snapshot plus live progress events.
package scan

import (
	"errors"
	"time"
)

// Status is a scan job's lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Active reports whether the status occupies the user's scan slot.
func (s Status) Active() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusPaused:
		return true
	}
	return false
}

// Config is the per-scan traversal configuration.
type Config struct {
	MaxDepth            int  `json:"max_depth"`
	IncludeTrashed      bool `json:"include_trashed"`
	IncludeSharedDrives bool `json:"include_shared_drives"`
}

// Progress is the client-visible scan progress.
type Progress struct {
	FilesSeen int64 `json:"files_seen"`
	BytesSeen int64 `json:"bytes_seen"`
	Percent   int   `json:"percent"`
}

// QueueItem is one pending folder in the breadth-first queue.
type QueueItem struct {
	FolderID string `json:"folder_id"`
	Depth    int    `json:"depth"`
}

// Checkpoint is the persisted traversal position. Together with the
// records already written it makes a crashed scan resumable: the visited
// set and the stored records de-duplicate any replayed work.
type Checkpoint struct {
	Queue           []QueueItem `json:"queue"`
	Visited         []string    `json:"visited"`
	LastProcessedID string      `json:"last_processed_id,omitempty"`
	RecordsWritten  int64       `json:"records_written"`
	LastEmittedSeq  uint64      `json:"last_emitted_seq"`
	EstimatedTotal  int64       `json:"estimated_total"`
}

// Job is a scan job record.
type Job struct {
	ScanID     string     `json:"scan_id"`
	UserKey    string     `json:"user_key"`
	Status     Status     `json:"status"`
	Config     Config     `json:"config"`
	Checkpoint Checkpoint `json:"-"`
	Progress   Progress   `json:"progress"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	ErrorCode  string     `json:"error,omitempty"`

	CancelRequested bool `json:"-"`
}

// Capabilities mirrors the subset of remote permissions recorded per file.
type Capabilities struct {
	CanEdit  bool `json:"can_edit"`
	CanTrash bool `json:"can_trash"`
	CanMove  bool `json:"can_move"`
}

// FileRecord is one element of a snapshot.
type FileRecord struct {
	FileID       string       `json:"file_id"`
	Name         string       `json:"name"`
	MimeType     string       `json:"mime_type"`
	MimeCategory string       `json:"mime_category"`
	SizeBytes    int64        `json:"size_bytes"`
	ModifiedAt   time.Time    `json:"modified_at"`
	CreatedAt    time.Time    `json:"created_at"`
	ParentIDs    []string     `json:"parent_ids"`
	Shared       bool         `json:"shared"`
	Trashed      bool         `json:"trashed"`
	Checksum     string       `json:"checksum,omitempty"`
	Capabilities Capabilities `json:"capabilities"`
}

// Snapshot is the immutable result of a completed scan.
type Snapshot struct {
	SnapshotID string    `json:"snapshot_id"`
	ScanID     string    `json:"scan_id"`
	UserKey    string    `json:"user_key"`
	TakenAt    time.Time `json:"taken_at"`
	TotalFiles int64     `json:"total_files"`
	TotalBytes int64     `json:"total_bytes"`
	Finalized  bool      `json:"finalized"`
}

// Structured scan failure codes surfaced on the job record.
const (
	ErrCodeCredentialRevoked = "credential_revoked"
	ErrCodeCredentialMissing = "credential_missing"
	ErrCodeForbidden         = "forbidden"
	ErrCodeQuotaExceeded     = "quota_exceeded"
	ErrCodeDeadline          = "deadline"
	ErrCodeCancelled         = "cancelled"
	ErrCodeCheckpointCorrupt = "checkpoint_corrupt"
	ErrCodeInternal          = "internal"
)

// Errors returned by the scan surface.
var (
	ErrJobNotFound       = errors.New("scan job not found")
	ErrSnapshotNotFound  = errors.New("snapshot not found")
	ErrCheckpointCorrupt = errors.New("checkpoint corrupt")
)
