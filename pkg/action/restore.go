package action

import (
	"context"
	"strings"

	"github.com/wisbric/filepilot/internal/telemetry"
	"github.com/wisbric/filepilot/pkg/gateway"
)

// RestoreOutcome is the result of reversing a batch (or a subset of it).
type RestoreOutcome struct {
	Restored []RestoreLogEntry `json:"restored"`
	Failed   []RestoreLogEntry `json:"failed"`
}

// Complete reports whether every attempted reversal succeeded.
func (o *RestoreOutcome) Complete() bool {
	return len(o.Failed) == 0
}

// RestoreBatch reverses the batch's successful operations, filtered to
// subset file ids when given. Reversal is idempotent: an entry whose
// remote state already matches its pre-state records a success without
// mutating anything. Expiry and fresh-auth are enforced by the caller
// before any remote call is issued.
func (e *Engine) RestoreBatch(ctx context.Context, b *Batch, subset map[string]bool) (*RestoreOutcome, error) {
	outcome := &RestoreOutcome{}

	for _, entry := range b.Rollback.Entries {
		if len(subset) > 0 && !subsetMatches(subset, entry) {
			continue
		}

		log := e.restoreEntry(ctx, b.UserKey, entry)
		telemetry.RestoreOperationsTotal.WithLabelValues(string(log.Status)).Inc()
		if log.Status == OutcomeSuccess {
			outcome.Restored = append(outcome.Restored, log)
		} else {
			outcome.Failed = append(outcome.Failed, log)
		}
	}

	e.logger.Info("restore finished",
		"batch_id", b.BatchID,
		"restored", len(outcome.Restored),
		"failed", len(outcome.Failed),
	)
	return outcome, nil
}

func subsetMatches(subset map[string]bool, entry RollbackEntry) bool {
	if entry.FileID != "" && subset[entry.FileID] {
		return true
	}
	return entry.CreatedID != "" && subset[entry.CreatedID]
}

// restoreEntry reverses one rollback entry.
func (e *Engine) restoreEntry(ctx context.Context, userKey string, entry RollbackEntry) RestoreLogEntry {
	log := RestoreLogEntry{
		ProposalID: entry.ProposalID,
		FileID:     entry.FileID,
		Op:         "undo_" + string(entry.Kind),
	}

	switch entry.Kind {
	case KindTrash:
		if _, err := e.remote.Untrash(ctx, userKey, entry.FileID); err != nil {
			// Already out of the trash is fine; anything else is not.
			if !gateway.IsKind(err, gateway.KindConflict) {
				log.Status, log.ErrorCode = OutcomeFailed, errCodeOf(err)
				return log
			}
		}
		return e.reparent(ctx, userKey, entry, log)

	case KindMove, KindArchive:
		return e.reparent(ctx, userKey, entry, log)

	case KindRename:
		log.To = entry.PrevName
		f, err := e.remote.GetFile(ctx, userKey, entry.FileID, nil)
		if err != nil {
			log.Status, log.ErrorCode = OutcomeFailed, errCodeOf(err)
			return log
		}
		log.From = f.Name
		if f.Name == entry.PrevName {
			log.Status = OutcomeSuccess // already restored
			return log
		}
		if _, err := e.remote.Rename(ctx, userKey, entry.FileID, entry.PrevName); err != nil {
			log.Status, log.ErrorCode = OutcomeFailed, errCodeOf(err)
			return log
		}
		log.Status = OutcomeSuccess
		return log

	case KindCopy, KindCreateFolder:
		log.FileID = entry.CreatedID
		if _, err := e.remote.Trash(ctx, userKey, entry.CreatedID); err != nil {
			// Already gone means already rolled back.
			if gateway.IsKind(err, gateway.KindNotFound) {
				log.Status = OutcomeSuccess
				return log
			}
			log.Status, log.ErrorCode = OutcomeFailed, errCodeOf(err)
			return log
		}
		log.Status = OutcomeSuccess
		return log

	default:
		log.Status, log.ErrorCode = OutcomeFailed, ErrCodeInternal
		return log
	}
}

// reparent returns a file to its recorded previous parents: previous
// parents that no longer exist are filtered out, and if none remain the
// entry fails with dependency_missing rather than re-homing the file
// somewhere it never was.
func (e *Engine) reparent(ctx context.Context, userKey string, entry RollbackEntry, log RestoreLogEntry) RestoreLogEntry {
	f, err := e.remote.GetFile(ctx, userKey, entry.FileID, nil)
	if err != nil {
		log.Status, log.ErrorCode = OutcomeFailed, errCodeOf(err)
		return log
	}
	log.From = strings.Join(f.ParentIDs, ",")
	log.To = strings.Join(entry.PrevParentIDs, ",")

	if sameParents(f.ParentIDs, entry.PrevParentIDs) {
		log.Status = OutcomeSuccess // already where it was
		return log
	}

	var surviving []string
	for _, parentID := range entry.PrevParentIDs {
		if _, err := e.remote.GetFile(ctx, userKey, parentID, []string{"id"}); err != nil {
			if gateway.IsKind(err, gateway.KindNotFound) {
				continue
			}
			log.Status, log.ErrorCode = OutcomeFailed, errCodeOf(err)
			return log
		}
		surviving = append(surviving, parentID)
	}
	if len(surviving) == 0 {
		log.Status, log.ErrorCode = OutcomeFailed, ErrCodeDependency
		return log
	}
	log.To = strings.Join(surviving, ",")

	if _, err := e.remote.Move(ctx, userKey, entry.FileID, surviving, f.ParentIDs); err != nil {
		log.Status, log.ErrorCode = OutcomeFailed, errCodeOf(err)
		return log
	}
	log.Status = OutcomeSuccess
	return log
}

func sameParents(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, id := range a {
		set[id] = true
	}
	for _, id := range b {
		if !set[id] {
			return false
		}
	}
	return true
}
