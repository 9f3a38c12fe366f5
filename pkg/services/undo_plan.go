package services

import (
	"github.com/wrangle-io/wrangle-engine/pkg/config"
	"github.com/wrangle-io/wrangle-engine/pkg/models"
)

// UndoPlan is the decision for undoing the last transformation of a table.
// IsUndoEnabled and the undo itself both read it, so the two never disagree.
type UndoPlan struct {
	Feasible bool   `json:"feasible"`
	Reason   string `json:"reason,omitempty"`
	// Restore is the backup to start from. Nil restores the original upload.
	Restore *models.HistoryEntry `json:"restore,omitempty"`
	// Discard holds backups newer than every remaining transformation.
	Discard []*models.HistoryEntry `json:"discard,omitempty"`
	// Replay is redone on top of the restore point, oldest first.
	Replay []*models.HistoryEntry `json:"replay,omitempty"`
	// Undo is the entry that will be removed.
	Undo *models.HistoryEntry `json:"undo,omitempty"`
}

// RestorePoint names the restore point for logs and metrics.
func (p *UndoPlan) RestorePoint() string {
	if p.Restore == nil {
		return "original"
	}
	return "backup"
}

func infeasible(reason string) *UndoPlan {
	return &UndoPlan{Reason: reason}
}

// planUndo decides how to undo the newest transformation in entries.
//
// backups are the kept generations of the table, newest first. entries are its
// in-place ledger entries, oldest first; creation entries are never undone.
// The restore point is the newest backup, or the original upload when there is
// none. When the newest backup already covers every transformation it is
// discarded and the next older restore point is used instead. Falling back from
// a lone backup to the original is only allowed while the transformations the
// backup covered stay within the recover range.
func planUndo(backups, entries []*models.HistoryEntry, originalExists bool, policy config.HistoryConfig) *UndoPlan {
	var undoable []*models.HistoryEntry
	for _, e := range entries {
		if e.TransformationType.Replayable() {
			undoable = append(undoable, e)
		}
	}
	if len(undoable) == 0 {
		return infeasible("no transformation to undo")
	}

	plan := &UndoPlan{}
	if len(backups) > 0 {
		plan.Restore = backups[0]
	}
	steps := after(undoable, plan.Restore)

	if len(steps) == 0 {
		newest := backups[0]
		plan.Discard = []*models.HistoryEntry{newest}
		if len(backups) > 1 {
			plan.Restore = backups[1]
		} else {
			plan.Restore = nil
			if !originalExists {
				return infeasible("the only backup is newer than the last transformation and there is no original upload")
			}
			covered := before(undoable, newest.ID)
			if models.EditDistance(models.EntryTypes(covered)) > policy.RecoverRange {
				return infeasible("the last transformation is too far from the original upload")
			}
		}
		steps = after(undoable, plan.Restore)
		if len(steps) == 0 {
			return infeasible("every backup is newer than the last transformation")
		}
	} else if plan.Restore == nil && !originalExists {
		return infeasible("no backup and no original upload to restore from")
	}

	plan.Feasible = true
	plan.Undo = steps[len(steps)-1]
	plan.Replay = steps[:len(steps)-1]
	return plan
}

// after returns the entries newer than restore. A nil restore is the original upload.
func after(entries []*models.HistoryEntry, restore *models.HistoryEntry) []*models.HistoryEntry {
	floor := models.NoSequence
	if restore != nil {
		floor = restore.ID
	}
	var out []*models.HistoryEntry
	for _, e := range entries {
		if floor.Before(e.ID) {
			out = append(out, e)
		}
	}
	return out
}

func before(entries []*models.HistoryEntry, id models.SequenceNumber) []*models.HistoryEntry {
	var out []*models.HistoryEntry
	for _, e := range entries {
		if e.ID.Before(id) {
			out = append(out, e)
		}
	}
	return out
}
