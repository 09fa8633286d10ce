// Package audit provides the append-only task history ledger.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brazilsinghrittik/hot-tasking-manager/internal/models"
)

// Sentinel errors for ledger operations.
var (
	ErrInconsistentHistory = errors.New("inconsistent task history")
	ErrNothingToUndo       = errors.New("nothing to undo")
)

// Store is the persistence the ledger needs. Implementations may be bound to
// a transaction.
type Store interface {
	AppendHistory(ctx context.Context, entry *models.TaskHistory) (int64, error)
	// ListHistory returns entries for a task ordered oldest first.
	ListHistory(ctx context.Context, projectID, taskID int64) ([]models.TaskHistory, error)
	// SetActionText sets the text of an entry whose text is still NULL and
	// reports whether a row was changed.
	SetActionText(ctx context.Context, historyID int64, text string) (bool, error)
}

// Action is one of LockAction, SettleAction or CommentAction.
type Action interface {
	kind() models.ActionKind
}

// LockAction opens a work session. Its text is amended with the session
// duration when the lock is released.
type LockAction struct {
	Kind models.LockKind
}

func (a LockAction) kind() models.ActionKind { return a.Kind.Action() }

// SettleAction records a task moving to a settled status.
type SettleAction struct {
	Outcome models.TaskStatus
	Origin  models.SettleOrigin
	// CountedUser is the user whose lifetime counter this settle incremented.
	CountedUser *int64
	// PriorMappedBy is the task's mapped_by before the settle, restored on undo.
	PriorMappedBy *int64
}

func (a SettleAction) kind() models.ActionKind { return models.ActionStateChange }

// CommentAction is free text attached to a task.
type CommentAction struct {
	Text string
}

func (a CommentAction) kind() models.ActionKind { return models.ActionComment }

// Entry is a ledger entry before it is persisted.
type Entry struct {
	ProjectID int64
	TaskID    int64
	UserID    int64
	Action    Action
	At        time.Time
}

// Ledger reads and appends task history entries.
type Ledger struct {
	store Store
}

// NewLedger creates a ledger over the given store.
func NewLedger(s Store) *Ledger {
	return &Ledger{store: s}
}

// Append persists an entry and returns its id.
func (l *Ledger) Append(ctx context.Context, e Entry) (int64, error) {
	if e.Action == nil {
		return 0, fmt.Errorf("append history: missing action")
	}
	row := &models.TaskHistory{
		ProjectID:  e.ProjectID,
		TaskID:     e.TaskID,
		UserID:     e.UserID,
		Action:     e.Action.kind(),
		ActionDate: e.At.UTC(),
	}
	switch a := e.Action.(type) {
	case LockAction:
		// open until amended
	case SettleAction:
		text := string(a.Outcome)
		row.ActionText = &text
		row.Origin = a.Origin
		if row.Origin == "" {
			row.Origin = models.OriginUser
		}
		row.CountedUserID = a.CountedUser
		row.PriorMappedBy = a.PriorMappedBy
	case CommentAction:
		text := a.Text
		row.ActionText = &text
	}
	id, err := l.store.AppendHistory(ctx, row)
	if err != nil {
		return 0, fmt.Errorf("append %s entry: %w", row.Action, err)
	}
	return id, nil
}

// RecordLock appends an open lock entry.
func (l *Ledger) RecordLock(ctx context.Context, projectID, taskID, userID int64, kind models.LockKind, at time.Time) (int64, error) {
	return l.Append(ctx, Entry{ProjectID: projectID, TaskID: taskID, UserID: userID, Action: LockAction{Kind: kind}, At: at})
}

// RecordComment appends a comment entry.
func (l *Ledger) RecordComment(ctx context.Context, projectID, taskID, userID int64, text string, at time.Time) (int64, error) {
	return l.Append(ctx, Entry{ProjectID: projectID, TaskID: taskID, UserID: userID, Action: CommentAction{Text: text}, At: at})
}

// RecordSettle appends a STATE_CHANGE entry.
func (l *Ledger) RecordSettle(ctx context.Context, projectID, taskID, userID int64, settle SettleAction, at time.Time) (int64, error) {
	return l.Append(ctx, Entry{ProjectID: projectID, TaskID: taskID, UserID: userID, Action: settle, At: at})
}

// AmendDuration closes the most recent lock entry of the given kind by
// writing the elapsed time since it was opened.
func (l *Ledger) AmendDuration(ctx context.Context, projectID, taskID int64, kind models.LockKind, now time.Time) error {
	entries, err := l.store.ListHistory(ctx, projectID, taskID)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	want := kind.Action()
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.Action != want {
			continue
		}
		if e.ActionText != nil {
			return fmt.Errorf("%w: task %d/%d %s lock entry %d already amended",
				ErrInconsistentHistory, projectID, taskID, kind, e.ID)
		}
		ok, err := l.store.SetActionText(ctx, e.ID, FormatDuration(now.Sub(e.ActionDate)))
		if err != nil {
			return fmt.Errorf("amend lock entry %d: %w", e.ID, err)
		}
		if !ok {
			return fmt.Errorf("%w: lock entry %d amended concurrently", ErrInconsistentHistory, e.ID)
		}
		return nil
	}
	return fmt.Errorf("%w: task %d/%d has no %s lock entry", ErrInconsistentHistory, projectID, taskID, kind)
}

// FormatDuration renders d as HH:MM:SS.ffffff. Hours are not wrapped at 24.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	hours := d / time.Hour
	d -= hours * time.Hour
	minutes := d / time.Minute
	d -= minutes * time.Minute
	seconds := d / time.Second
	d -= seconds * time.Second
	micros := d / time.Microsecond
	return fmt.Sprintf("%02d:%02d:%02d.%06d", hours, minutes, seconds, micros)
}

// SettledStatus returns the outcome of the most recent STATE_CHANGE entry,
// or READY when the task has never settled. For a locked task this is the
// status it held before the lock.
func (l *Ledger) SettledStatus(ctx context.Context, projectID, taskID int64) (models.TaskStatus, error) {
	changes, err := l.stateChanges(ctx, projectID, taskID)
	if err != nil {
		return "", err
	}
	if len(changes) == 0 {
		return models.TaskStatusReady, nil
	}
	return settledText(changes[0])
}

// LastStatusBefore returns the status the task held before its most recent
// STATE_CHANGE, or READY when there is none before it.
func (l *Ledger) LastStatusBefore(ctx context.Context, projectID, taskID int64) (models.TaskStatus, error) {
	changes, err := l.stateChanges(ctx, projectID, taskID)
	if err != nil {
		return "", err
	}
	if len(changes) < 2 {
		return models.TaskStatusReady, nil
	}
	return settledText(changes[1])
}

// UndoTarget identifies the settle an undo would reverse.
type UndoTarget struct {
	Entry   models.TaskHistory
	Outcome models.TaskStatus
	// Prior is the status the task held before Entry.
	Prior models.TaskStatus
}

// UndoTarget finds the settle an undo of the task would reverse.
func (l *Ledger) UndoTarget(ctx context.Context, projectID, taskID int64) (*UndoTarget, error) {
	entries, err := l.store.ListHistory(ctx, projectID, taskID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return FindUndoTarget(entries)
}

// FindUndoTarget walks the STATE_CHANGE entries of an oldest-first history
// newest first. Auto-unlock reverts are skipped, an import ends the walk,
// and every UNDO entry cancels the next user settle it meets.
func FindUndoTarget(entries []models.TaskHistory) (*UndoTarget, error) {
	changes := stateChangesOf(entries)
	pending := 0
	for i, e := range changes {
		if e.Origin == models.OriginUndo {
			pending++
			continue
		}
		if e.Origin == models.OriginImport {
			// nothing before an import is reachable
			break
		}
		if !e.Origin.Undoable() {
			continue
		}
		if pending > 0 {
			pending--
			continue
		}

		outcome, err := settledText(e)
		if err != nil {
			return nil, err
		}
		prior := models.TaskStatusReady
		if i+1 < len(changes) {
			if prior, err = settledText(changes[i+1]); err != nil {
				return nil, err
			}
		}
		return &UndoTarget{Entry: e, Outcome: outcome, Prior: prior}, nil
	}
	return nil, ErrNothingToUndo
}

// History returns every entry for a task, newest first.
func (l *Ledger) History(ctx context.Context, projectID, taskID int64) ([]models.TaskHistory, error) {
	entries, err := l.store.ListHistory(ctx, projectID, taskID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	out := make([]models.TaskHistory, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		out = append(out, entries[i])
	}
	return out, nil
}

// stateChanges returns STATE_CHANGE entries newest first.
func (l *Ledger) stateChanges(ctx context.Context, projectID, taskID int64) ([]models.TaskHistory, error) {
	entries, err := l.store.ListHistory(ctx, projectID, taskID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return stateChangesOf(entries), nil
}

func stateChangesOf(entries []models.TaskHistory) []models.TaskHistory {
	var changes []models.TaskHistory
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Action == models.ActionStateChange {
			changes = append(changes, entries[i])
		}
	}
	return changes
}

func settledText(e models.TaskHistory) (models.TaskStatus, error) {
	if e.ActionText == nil {
		return "", fmt.Errorf("%w: state change %d has no status", ErrInconsistentHistory, e.ID)
	}
	status, ok := models.ParseTaskStatus(*e.ActionText)
	if !ok || status.IsLocked() {
		return "", fmt.Errorf("%w: state change %d records %q", ErrInconsistentHistory, e.ID, *e.ActionText)
	}
	return status, nil
}
