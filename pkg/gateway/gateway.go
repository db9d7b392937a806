// Package gateway wraps the remote file service behind a rate-limited,
// retrying, circuit-broken capability surface. Every outbound file
// operation in the system passes through it.
package gateway

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"
)

// Capabilities is the subset of remote permissions the engines consult.
type Capabilities struct {
	CanEdit  bool `json:"can_edit"`
	CanTrash bool `json:"can_trash"`
	CanMove  bool `json:"can_move"`
}

// File is the gateway's uniform view of a remote file or folder.
type File struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	MimeType        string       `json:"mime_type"`
	SizeBytes       int64        `json:"size_bytes"`
	ModifiedAt      time.Time    `json:"modified_at"`
	CreatedAt       time.Time    `json:"created_at"`
	ParentIDs       []string     `json:"parent_ids"`
	Shared          bool         `json:"shared"`
	PermissionCount int          `json:"permission_count"`
	Checksum        string       `json:"checksum,omitempty"`
	Trashed         bool         `json:"trashed"`
	Capabilities    Capabilities `json:"capabilities"`
}

// IsFolder reports whether the record is a folder.
func (f *File) IsFolder() bool {
	return f.MimeType == MimeFolder
}

// Page is one page of a folder listing.
type Page struct {
	Files      []File
	NextCursor string
}

// MimeFolder is the folder mime type used by the remote service.
const MimeFolder = "application/vnd.google-apps.folder"

// Category buckets a mime type into the coarse classes the analyzers use.
func Category(mimeType string) string {
	switch {
	case mimeType == MimeFolder:
		return "Folder"
	case strings.Contains(mimeType, "spreadsheet"), strings.Contains(mimeType, "ms-excel"):
		return "Spreadsheet"
	case strings.Contains(mimeType, "presentation"), strings.Contains(mimeType, "ms-powerpoint"):
		return "Presentation"
	case mimeType == "application/pdf":
		return "PDF"
	case strings.HasPrefix(mimeType, "image/"):
		return "Image"
	case strings.HasPrefix(mimeType, "video/"):
		return "Video"
	case strings.Contains(mimeType, "document"), strings.Contains(mimeType, "msword"),
		strings.HasPrefix(mimeType, "text/"):
		return "Document"
	default:
		return "Other"
	}
}

// CloudNative reports whether the mime type belongs to a cloud-native
// document that has no standalone byte representation.
func CloudNative(mimeType string) bool {
	return strings.HasPrefix(mimeType, "application/vnd.google-apps.")
}

// Transport is the raw remote-service client. Implementations receive a
// valid access token and perform exactly one HTTP exchange (no retries).
type Transport interface {
	ListChildren(ctx context.Context, accessToken, folderID, pageCursor string) (*Page, error)
	GetFile(ctx context.Context, accessToken, fileID string, fields []string) (*File, error)
	CreateFolder(ctx context.Context, accessToken, parentID, name string) (*File, error)
	Move(ctx context.Context, accessToken, fileID string, addParents, removeParents []string) (*File, error)
	Rename(ctx context.Context, accessToken, fileID, newName string) (*File, error)
	SetTrashed(ctx context.Context, accessToken, fileID string, trashed bool) (*File, error)
	Copy(ctx context.Context, accessToken, fileID, parentID, newName string) (*File, error)
	Download(ctx context.Context, accessToken, fileID string, byteLimit int64) (io.ReadCloser, error)
	RootFolderID(ctx context.Context, accessToken string) (string, error)
}

// TokenSource supplies a valid access token for a user. Implemented by the
// token store's WithValid.
type TokenSource interface {
	WithValid(ctx context.Context, userKey string, fn func(ctx context.Context, accessToken string) error) error
}

// Config tunes the gateway's shaping behavior.
type Config struct {
	RPS             float64       // per-user outbound requests per second
	RetryMaxTries   int           // total attempts including the first
	FailuresToOpen  int           // consecutive transient failures before the circuit opens
	CircuitCooldown time.Duration // open-state duration before a half-open probe
	CallTimeout     time.Duration // per-call deadline applied when the caller has none
}

// withDefaults fills zero fields with the documented defaults.
func (c Config) withDefaults() Config {
	if c.RPS <= 0 {
		c.RPS = 10
	}
	if c.RetryMaxTries <= 0 {
		c.RetryMaxTries = 6
	}
	if c.FailuresToOpen <= 0 {
		c.FailuresToOpen = 5
	}
	if c.CircuitCooldown <= 0 {
		c.CircuitCooldown = 60 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	return c
}

// Gateway is the rate-limited, retrying remote file service client.
type Gateway struct {
	transport Transport
	tokens    TokenSource
	cfg       Config
	logger    *slog.Logger
	limiters  *userLimiters
	breakers  *userBreakers
}

// New creates a Gateway around the given transport and token source.
func New(transport Transport, tokens TokenSource, cfg Config, logger *slog.Logger) *Gateway {
	cfg = cfg.withDefaults()
	g := &Gateway{
		transport: transport,
		tokens:    tokens,
		cfg:       cfg,
		logger:    logger,
		limiters:  newUserLimiters(cfg.RPS),
	}
	g.breakers = newUserBreakers(cfg.FailuresToOpen, cfg.CircuitCooldown, logger)
	return g
}

// ListChildren lists one page of a folder's children.
func (g *Gateway) ListChildren(ctx context.Context, userKey, folderID, pageCursor string) (*Page, error) {
	var page *Page
	err := g.do(ctx, userKey, "list_children", func(ctx context.Context, token string) error {
		p, err := g.transport.ListChildren(ctx, token, folderID, pageCursor)
		if err != nil {
			return err
		}
		page = p
		return nil
	})
	return page, err
}

// GetFile fetches a single file's metadata.
func (g *Gateway) GetFile(ctx context.Context, userKey, fileID string, fields []string) (*File, error) {
	return g.doFile(ctx, userKey, "get_file", func(ctx context.Context, token string) (*File, error) {
		return g.transport.GetFile(ctx, token, fileID, fields)
	})
}

// CreateFolder creates a folder under parentID.
func (g *Gateway) CreateFolder(ctx context.Context, userKey, parentID, name string) (*File, error) {
	return g.doFile(ctx, userKey, "create_folder", func(ctx context.Context, token string) (*File, error) {
		return g.transport.CreateFolder(ctx, token, parentID, name)
	})
}

// Move re-parents a file.
func (g *Gateway) Move(ctx context.Context, userKey, fileID string, addParents, removeParents []string) (*File, error) {
	return g.doFile(ctx, userKey, "move", func(ctx context.Context, token string) (*File, error) {
		return g.transport.Move(ctx, token, fileID, addParents, removeParents)
	})
}

// Rename changes a file's name.
func (g *Gateway) Rename(ctx context.Context, userKey, fileID, newName string) (*File, error) {
	return g.doFile(ctx, userKey, "rename", func(ctx context.Context, token string) (*File, error) {
		return g.transport.Rename(ctx, token, fileID, newName)
	})
}

// Trash moves a file to the remote trash.
func (g *Gateway) Trash(ctx context.Context, userKey, fileID string) (*File, error) {
	return g.doFile(ctx, userKey, "trash", func(ctx context.Context, token string) (*File, error) {
		return g.transport.SetTrashed(ctx, token, fileID, true)
	})
}

// Untrash restores a file from the remote trash.
func (g *Gateway) Untrash(ctx context.Context, userKey, fileID string) (*File, error) {
	return g.doFile(ctx, userKey, "untrash", func(ctx context.Context, token string) (*File, error) {
		return g.transport.SetTrashed(ctx, token, fileID, false)
	})
}

// Copy duplicates a file into parentID under newName.
func (g *Gateway) Copy(ctx context.Context, userKey, fileID, parentID, newName string) (*File, error) {
	return g.doFile(ctx, userKey, "copy", func(ctx context.Context, token string) (*File, error) {
		return g.transport.Copy(ctx, token, fileID, parentID, newName)
	})
}

// Download returns up to byteLimit bytes of a file's content. Used only for
// bounded content hashing.
func (g *Gateway) Download(ctx context.Context, userKey, fileID string, byteLimit int64) (io.ReadCloser, error) {
	var rc io.ReadCloser
	err := g.do(ctx, userKey, "download", func(ctx context.Context, token string) error {
		r, err := g.transport.Download(ctx, token, fileID, byteLimit)
		if err != nil {
			return err
		}
		rc = r
		return nil
	})
	return rc, err
}

// RootFolderID resolves the user's root folder id.
func (g *Gateway) RootFolderID(ctx context.Context, userKey string) (string, error) {
	var root string
	err := g.do(ctx, userKey, "root", func(ctx context.Context, token string) error {
		id, err := g.transport.RootFolderID(ctx, token)
		if err != nil {
			return err
		}
		root = id
		return nil
	})
	return root, err
}

func (g *Gateway) doFile(ctx context.Context, userKey, op string, fn func(ctx context.Context, token string) (*File, error)) (*File, error) {
	var out *File
	err := g.do(ctx, userKey, op, func(ctx context.Context, token string) error {
		f, err := fn(ctx, token)
		if err != nil {
			return err
		}
		out = f
		return nil
	})
	return out, err
}
