package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// fileFields is the metadata projection requested on every call.
const fileFields = "id,name,mimeType,size,modifiedTime,createdTime,parents,shared,md5Checksum,trashed,capabilities,permissionIds"

// HTTPTransport talks to the remote file service's REST API. One method is
// one HTTP exchange; retries, shaping, and token refresh live in Gateway.
type HTTPTransport struct {
	baseURL string
	client  *http.Client
}

// NewHTTPTransport creates a transport against the given API base URL.
func NewHTTPTransport(baseURL string) *HTTPTransport {
	return &HTTPTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

// wireFile is the remote service's file resource shape.
type wireFile struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	MimeType      string   `json:"mimeType"`
	Size          string   `json:"size,omitempty"`
	ModifiedTime  string   `json:"modifiedTime,omitempty"`
	CreatedTime   string   `json:"createdTime,omitempty"`
	Parents       []string `json:"parents,omitempty"`
	Shared        bool     `json:"shared,omitempty"`
	MD5Checksum   string   `json:"md5Checksum,omitempty"`
	Trashed       bool     `json:"trashed,omitempty"`
	PermissionIDs []string `json:"permissionIds,omitempty"`
	Capabilities  struct {
		CanEdit                bool `json:"canEdit"`
		CanTrash               bool `json:"canTrash"`
		CanMoveItemWithinDrive bool `json:"canMoveItemWithinDrive"`
	} `json:"capabilities,omitempty"`
}

func (wf *wireFile) toFile() File {
	size, _ := strconv.ParseInt(wf.Size, 10, 64)
	modified, _ := time.Parse(time.RFC3339, wf.ModifiedTime)
	created, _ := time.Parse(time.RFC3339, wf.CreatedTime)
	return File{
		ID:              wf.ID,
		Name:            wf.Name,
		MimeType:        wf.MimeType,
		SizeBytes:       size,
		ModifiedAt:      modified,
		CreatedAt:       created,
		ParentIDs:       wf.Parents,
		Shared:          wf.Shared,
		PermissionCount: len(wf.PermissionIDs),
		Checksum:        wf.MD5Checksum,
		Trashed:         wf.Trashed,
		Capabilities: Capabilities{
			CanEdit:  wf.Capabilities.CanEdit,
			CanTrash: wf.Capabilities.CanTrash,
			CanMove:  wf.Capabilities.CanMoveItemWithinDrive,
		},
	}
}

// ListChildren lists one page of folderID's children.
func (t *HTTPTransport) ListChildren(ctx context.Context, accessToken, folderID, pageCursor string) (*Page, error) {
	q := url.Values{}
	q.Set("q", fmt.Sprintf("'%s' in parents", folderID))
	q.Set("fields", "nextPageToken,files("+fileFields+")")
	q.Set("pageSize", "1000")
	if pageCursor != "" {
		q.Set("pageToken", pageCursor)
	}

	var out struct {
		NextPageToken string     `json:"nextPageToken"`
		Files         []wireFile `json:"files"`
	}
	if err := t.doJSON(ctx, accessToken, "list_children", http.MethodGet, "/files?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}

	page := &Page{NextCursor: out.NextPageToken}
	page.Files = make([]File, 0, len(out.Files))
	for i := range out.Files {
		page.Files = append(page.Files, out.Files[i].toFile())
	}
	return page, nil
}

// GetFile fetches one file's metadata. An empty fields slice requests the
// default projection.
func (t *HTTPTransport) GetFile(ctx context.Context, accessToken, fileID string, fields []string) (*File, error) {
	proj := fileFields
	if len(fields) > 0 {
		proj = strings.Join(fields, ",")
	}
	var wf wireFile
	path := "/files/" + url.PathEscape(fileID) + "?fields=" + url.QueryEscape(proj)
	if err := t.doJSON(ctx, accessToken, "get_file", http.MethodGet, path, nil, &wf); err != nil {
		return nil, err
	}
	f := wf.toFile()
	return &f, nil
}

// CreateFolder creates a folder under parentID.
func (t *HTTPTransport) CreateFolder(ctx context.Context, accessToken, parentID, name string) (*File, error) {
	body := map[string]any{
		"name":     name,
		"mimeType": MimeFolder,
		"parents":  []string{parentID},
	}
	var wf wireFile
	path := "/files?fields=" + url.QueryEscape(fileFields)
	if err := t.doJSON(ctx, accessToken, "create_folder", http.MethodPost, path, body, &wf); err != nil {
		return nil, err
	}
	f := wf.toFile()
	return &f, nil
}

// Move re-parents a file.
func (t *HTTPTransport) Move(ctx context.Context, accessToken, fileID string, addParents, removeParents []string) (*File, error) {
	q := url.Values{}
	q.Set("fields", fileFields)
	if len(addParents) > 0 {
		q.Set("addParents", strings.Join(addParents, ","))
	}
	if len(removeParents) > 0 {
		q.Set("removeParents", strings.Join(removeParents, ","))
	}
	var wf wireFile
	path := "/files/" + url.PathEscape(fileID) + "?" + q.Encode()
	if err := t.doJSON(ctx, accessToken, "move", http.MethodPatch, path, map[string]any{}, &wf); err != nil {
		return nil, err
	}
	f := wf.toFile()
	return &f, nil
}

// Rename changes a file's name.
func (t *HTTPTransport) Rename(ctx context.Context, accessToken, fileID, newName string) (*File, error) {
	var wf wireFile
	path := "/files/" + url.PathEscape(fileID) + "?fields=" + url.QueryEscape(fileFields)
	if err := t.doJSON(ctx, accessToken, "rename", http.MethodPatch, path, map[string]any{"name": newName}, &wf); err != nil {
		return nil, err
	}
	f := wf.toFile()
	return &f, nil
}

// SetTrashed moves a file into or out of the remote trash.
func (t *HTTPTransport) SetTrashed(ctx context.Context, accessToken, fileID string, trashed bool) (*File, error) {
	op := "trash"
	if !trashed {
		op = "untrash"
	}
	var wf wireFile
	path := "/files/" + url.PathEscape(fileID) + "?fields=" + url.QueryEscape(fileFields)
	if err := t.doJSON(ctx, accessToken, op, http.MethodPatch, path, map[string]any{"trashed": trashed}, &wf); err != nil {
		return nil, err
	}
	f := wf.toFile()
	return &f, nil
}

// Copy duplicates a file into parentID under newName.
func (t *HTTPTransport) Copy(ctx context.Context, accessToken, fileID, parentID, newName string) (*File, error) {
	body := map[string]any{"parents": []string{parentID}}
	if newName != "" {
		body["name"] = newName
	}
	var wf wireFile
	path := "/files/" + url.PathEscape(fileID) + "/copy?fields=" + url.QueryEscape(fileFields)
	if err := t.doJSON(ctx, accessToken, "copy", http.MethodPost, path, body, &wf); err != nil {
		return nil, err
	}
	f := wf.toFile()
	return &f, nil
}

// Download streams up to byteLimit bytes of a file's content.
func (t *HTTPTransport) Download(ctx context.Context, accessToken, fileID string, byteLimit int64) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		t.baseURL+"/files/"+url.PathEscape(fileID)+"?alt=media", nil)
	if err != nil {
		return nil, newError("download", KindPermanent, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if byteLimit > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", byteLimit-1))
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, newError("download", KindUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		defer resp.Body.Close()
		return nil, t.classify("download", resp)
	}

	if byteLimit > 0 {
		return &limitedReadCloser{r: io.LimitReader(resp.Body, byteLimit), c: resp.Body}, nil
	}
	return resp.Body, nil
}

// RootFolderID resolves the id of the user's root folder.
func (t *HTTPTransport) RootFolderID(ctx context.Context, accessToken string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := t.doJSON(ctx, accessToken, "root", http.MethodGet, "/files/root?fields=id", nil, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

type limitedReadCloser struct {
	r io.Reader
	c io.Closer
}

func (l *limitedReadCloser) Read(p []byte) (int, error) { return l.r.Read(p) }
func (l *limitedReadCloser) Close() error               { return l.c.Close() }

// doJSON performs one authenticated JSON exchange.
func (t *HTTPTransport) doJSON(ctx context.Context, accessToken, op, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return newError(op, KindPermanent, err)
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, reqBody)
	if err != nil {
		return newError(op, KindPermanent, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return newError(op, KindUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return t.classify(op, resp)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return newError(op, KindPermanent, fmt.Errorf("decoding response: %w", err))
	}
	return nil
}

// apiError is the remote service's error envelope.
type apiError struct {
	Error struct {
		Message string `json:"message"`
		Errors  []struct {
			Reason string `json:"reason"`
		} `json:"errors"`
	} `json:"error"`
}

// classify maps a non-2xx response to the gateway error taxonomy.
func (t *HTTPTransport) classify(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
	var ae apiError
	_ = json.Unmarshal(raw, &ae)

	reason := ""
	if len(ae.Error.Errors) > 0 {
		reason = ae.Error.Errors[0].Reason
	}
	base := fmt.Errorf("remote status %d (%s): %s", resp.StatusCode, reason, ae.Error.Message)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		ge := newError(op, KindRateLimited, base)
		ge.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		return ge
	case resp.StatusCode == http.StatusNotFound:
		return newError(op, KindNotFound, base)
	case resp.StatusCode == http.StatusConflict:
		return newError(op, KindConflict, base)
	case resp.StatusCode == http.StatusForbidden:
		switch reason {
		case "rateLimitExceeded", "userRateLimitExceeded":
			ge := newError(op, KindRateLimited, base)
			ge.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
			return ge
		case "quotaExceeded", "storageQuotaExceeded":
			return newError(op, KindQuotaExceeded, base)
		default:
			return newError(op, KindForbidden, base)
		}
	case resp.StatusCode >= 500:
		return newError(op, KindUnavailable, base)
	default:
		return newError(op, KindPermanent, base)
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
