package gateway

import "context"

// ChildIter is a lazy, finite, non-restartable sequence over a folder's
// children. Page cursors are chained transparently; callers that need to
// resume a traversal after a crash must persist their own position (the
// scan engine checkpoints at folder granularity for this reason).
type ChildIter struct {
	g        *Gateway
	userKey  string
	folderID string
	buf      []File
	idx      int
	cursor   string
	started  bool
	done     bool
}

// Children returns a lazy iterator over every child of folderID.
func (g *Gateway) Children(userKey, folderID string) *ChildIter {
	return &ChildIter{g: g, userKey: userKey, folderID: folderID}
}

// Next returns the next child record, or (nil, nil) once the sequence is
// exhausted. Errors from the underlying listing end the sequence.
func (it *ChildIter) Next(ctx context.Context) (*File, error) {
	for it.idx >= len(it.buf) {
		if it.done {
			return nil, nil
		}
		if it.started && it.cursor == "" {
			it.done = true
			return nil, nil
		}

		page, err := it.g.ListChildren(ctx, it.userKey, it.folderID, it.cursor)
		if err != nil {
			it.done = true
			return nil, err
		}
		it.started = true
		it.buf = page.Files
		it.idx = 0
		it.cursor = page.NextCursor
		if len(it.buf) == 0 && it.cursor == "" {
			it.done = true
			return nil, nil
		}
	}

	f := &it.buf[it.idx]
	it.idx++
	return f, nil
}
