// Package taskstate implements the task lifecycle: locking, settling,
// undo and auto-unlock, each as a conditional write plus ledger entries.
package taskstate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brazilsinghrittik/hot-tasking-manager/internal/audit"
	"github.com/brazilsinghrittik/hot-tasking-manager/internal/models"
	"github.com/brazilsinghrittik/hot-tasking-manager/internal/stats"
)

// Sentinel errors for state conflicts.
var (
	ErrNotMappable    = errors.New("task is not mappable")
	ErrNotValidatable = errors.New("task is not validatable")
	ErrNotLockHolder  = errors.New("task is not locked by this user")
	ErrInvalidOutcome = errors.New("invalid outcome for this unlock")
	ErrTaskLocked     = errors.New("task is locked")
	ErrStaleLock      = errors.New("lock changed before it could be released")
)

// Store is the task persistence the machine writes through.
type Store interface {
	audit.Store
	UpdateTask(ctx context.Context, u models.TaskUpdate) (bool, error)
}

// Policy holds configurable transition rules.
type Policy struct {
	// ValidateBadImagery lets validators pick up tasks marked BADIMAGERY.
	ValidateBadImagery bool
}

var (
	mappableFrom = []models.TaskStatus{
		models.TaskStatusReady,
		models.TaskStatusInvalidated,
		models.TaskStatusBadImagery,
	}
	mappingOutcomes = []models.TaskStatus{
		models.TaskStatusMapped,
		models.TaskStatusBadImagery,
		models.TaskStatusReady,
	}
	validationOutcomes = []models.TaskStatus{
		models.TaskStatusValidated,
		models.TaskStatusInvalidated,
		models.TaskStatusMapped,
	}
)

// MappableFrom returns the statuses a task may be locked for mapping from.
func (p Policy) MappableFrom() []models.TaskStatus {
	return mappableFrom
}

// ValidatableFrom returns the statuses a task may be locked for validation from.
func (p Policy) ValidatableFrom() []models.TaskStatus {
	if p.ValidateBadImagery {
		return []models.TaskStatus{models.TaskStatusMapped, models.TaskStatusBadImagery}
	}
	return []models.TaskStatus{models.TaskStatusMapped}
}

// CanLock reports whether a task in status s may take a lock of kind.
func (p Policy) CanLock(kind models.LockKind, s models.TaskStatus) bool {
	from := p.MappableFrom()
	if kind == models.LockValidation {
		from = p.ValidatableFrom()
	}
	return contains(from, s)
}

// Outcomes returns the statuses an unlock of kind may settle to.
func Outcomes(kind models.LockKind) []models.TaskStatus {
	if kind == models.LockValidation {
		return validationOutcomes
	}
	return mappingOutcomes
}

func contains(set []models.TaskStatus, s models.TaskStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func lockConflict(kind models.LockKind) error {
	if kind == models.LockValidation {
		return ErrNotValidatable
	}
	return ErrNotMappable
}

// Settlement describes a committed move to a settled status. The caller
// feeds it to the progress counters.
type Settlement struct {
	Task     *models.Task
	Kind     models.LockKind
	Previous models.TaskStatus
	Outcome  models.TaskStatus
	Credited *int64
	EntryID  int64
}

// Reversal describes a committed undo.
type Reversal struct {
	Task     *models.Task
	Undone   models.TaskStatus
	Restored models.TaskStatus
	Counted  *int64
	EntryID  int64
}

// Machine applies transitions to tasks inside one transaction.
type Machine struct {
	store  Store
	ledger *audit.Ledger
	policy Policy
	now    func() time.Time
}

// New creates a machine writing through s. now defaults to time.Now.
func New(s Store, policy Policy, now func() time.Time) *Machine {
	if now == nil {
		now = time.Now
	}
	return &Machine{store: s, ledger: audit.NewLedger(s), policy: policy, now: now}
}

// Ledger returns the ledger bound to the machine's store.
func (m *Machine) Ledger() *audit.Ledger {
	return m.ledger
}

// LockForMapping locks task for userID.
func (m *Machine) LockForMapping(ctx context.Context, task *models.Task, userID int64) (*models.Task, error) {
	return m.lock(ctx, task, userID, models.LockMapping)
}

// LockForValidation locks task for userID.
func (m *Machine) LockForValidation(ctx context.Context, task *models.Task, userID int64) (*models.Task, error) {
	return m.lock(ctx, task, userID, models.LockValidation)
}

func (m *Machine) lock(ctx context.Context, task *models.Task, userID int64, kind models.LockKind) (*models.Task, error) {
	if !m.policy.CanLock(kind, task.Status) {
		return nil, fmt.Errorf("task %d/%d is %s: %w", task.ProjectID, task.ID, task.Status, lockConflict(kind))
	}

	now := m.now().UTC()
	next := *task
	next.Status = kind.LockedStatus()
	next.LockedBy = &userID
	next.UpdatedAt = now

	if err := m.write(ctx, task, &next, nil, lockConflict(kind)); err != nil {
		return nil, err
	}
	if _, err := m.ledger.RecordLock(ctx, task.ProjectID, task.ID, userID, kind, now); err != nil {
		return nil, err
	}
	return &next, nil
}

// UnlockAfterMapping settles a mapping session.
func (m *Machine) UnlockAfterMapping(ctx context.Context, task *models.Task, userID int64, outcome models.TaskStatus, comment string) (*Settlement, error) {
	return m.unlock(ctx, task, userID, models.LockMapping, outcome, comment)
}

// UnlockAfterValidation settles a validation session.
func (m *Machine) UnlockAfterValidation(ctx context.Context, task *models.Task, userID int64, outcome models.TaskStatus, comment string) (*Settlement, error) {
	return m.unlock(ctx, task, userID, models.LockValidation, outcome, comment)
}

func (m *Machine) unlock(ctx context.Context, task *models.Task, userID int64, kind models.LockKind, outcome models.TaskStatus, comment string) (*Settlement, error) {
	if task.Status != kind.LockedStatus() || task.LockedBy == nil || *task.LockedBy != userID {
		return nil, fmt.Errorf("task %d/%d %s session: %w", task.ProjectID, task.ID, kind, ErrNotLockHolder)
	}
	if !contains(Outcomes(kind), outcome) {
		return nil, fmt.Errorf("%s session cannot end as %q: %w", kind, outcome, ErrInvalidOutcome)
	}

	previous, err := m.ledger.SettledStatus(ctx, task.ProjectID, task.ID)
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	next := *task
	next.Status = outcome
	next.LockedBy = nil
	next.UpdatedAt = now
	switch outcome {
	case models.TaskStatusMapped:
		if kind == models.LockMapping {
			next.MappedBy = &userID
		}
	case models.TaskStatusValidated:
		next.ValidatedBy = &userID
	}

	if err := m.write(ctx, task, &next, &userID, ErrNotLockHolder); err != nil {
		return nil, err
	}
	if comment != "" {
		if _, err := m.ledger.RecordComment(ctx, task.ProjectID, task.ID, userID, comment, now); err != nil {
			return nil, err
		}
	}

	credited := stats.CreditedUser(kind, outcome, userID, task.MappedBy)
	id, err := m.ledger.RecordSettle(ctx, task.ProjectID, task.ID, userID, audit.SettleAction{
		Outcome:       outcome,
		Origin:        models.OriginUser,
		CountedUser:   credited,
		PriorMappedBy: task.MappedBy,
	}, now)
	if err != nil {
		return nil, err
	}
	if err := m.ledger.AmendDuration(ctx, task.ProjectID, task.ID, kind, now); err != nil {
		return nil, err
	}

	return &Settlement{
		Task:     &next,
		Kind:     kind,
		Previous: previous,
		Outcome:  outcome,
		Credited: credited,
		EntryID:  id,
	}, nil
}

// Undo reverses target on task, which must not be locked and must still
// hold the target's outcome.
func (m *Machine) Undo(ctx context.Context, task *models.Task, target *audit.UndoTarget, userID int64) (*Reversal, error) {
	if task.Status.IsLocked() {
		return nil, fmt.Errorf("task %d/%d: %w", task.ProjectID, task.ID, ErrTaskLocked)
	}
	if task.Status != target.Outcome {
		return nil, fmt.Errorf("%w: task %d/%d is %s but last settle recorded %s",
			audit.ErrInconsistentHistory, task.ProjectID, task.ID, task.Status, target.Outcome)
	}

	now := m.now().UTC()
	next := *task
	next.Status = target.Prior
	next.UpdatedAt = now
	switch target.Outcome {
	case models.TaskStatusMapped:
		next.MappedBy = target.Entry.PriorMappedBy
	case models.TaskStatusValidated:
		next.ValidatedBy = nil
	}

	if err := m.write(ctx, task, &next, nil, ErrTaskLocked); err != nil {
		return nil, err
	}

	text := fmt.Sprintf("Undo state from %s to %s", target.Outcome, target.Prior)
	if _, err := m.ledger.RecordComment(ctx, task.ProjectID, task.ID, userID, text, now); err != nil {
		return nil, err
	}
	id, err := m.ledger.RecordSettle(ctx, task.ProjectID, task.ID, userID, audit.SettleAction{
		Outcome: target.Prior,
		Origin:  models.OriginUndo,
	}, now)
	if err != nil {
		return nil, err
	}

	return &Reversal{
		Task:     &next,
		Undone:   target.Outcome,
		Restored: target.Prior,
		Counted:  target.Entry.CountedUserID,
		EntryID:  id,
	}, nil
}

// AutoUnlock reverts a stale lock to the status the task held before it
// was locked. No counters change.
func (m *Machine) AutoUnlock(ctx context.Context, task *models.Task) (*models.Task, error) {
	kind, ok := models.LockKindOf(task.Status)
	if !ok || task.LockedBy == nil {
		return nil, fmt.Errorf("task %d/%d is %s: %w", task.ProjectID, task.ID, task.Status, ErrStaleLock)
	}
	holder := *task.LockedBy

	previous, err := m.ledger.SettledStatus(ctx, task.ProjectID, task.ID)
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	next := *task
	next.Status = previous
	next.LockedBy = nil
	next.UpdatedAt = now

	if err := m.write(ctx, task, &next, &holder, ErrStaleLock); err != nil {
		return nil, err
	}
	if _, err := m.ledger.RecordSettle(ctx, task.ProjectID, task.ID, holder, audit.SettleAction{
		Outcome: previous,
		Origin:  models.OriginAutoUnlock,
	}, now); err != nil {
		return nil, err
	}
	if err := m.ledger.AmendDuration(ctx, task.ProjectID, task.ID, kind, now); err != nil {
		return nil, err
	}
	return &next, nil
}

// write persists next only if the row still looks like cur. A lost race
// surfaces as conflict.
func (m *Machine) write(ctx context.Context, cur, next *models.Task, expectHolder *int64, conflict error) error {
	ok, err := m.store.UpdateTask(ctx, models.TaskUpdate{
		ProjectID:      cur.ProjectID,
		TaskID:         cur.ID,
		FromStatuses:   []models.TaskStatus{cur.Status},
		ExpectLockedBy: expectHolder,
		Status:         next.Status,
		LockedBy:       next.LockedBy,
		MappedBy:       next.MappedBy,
		ValidatedBy:    next.ValidatedBy,
		UpdatedAt:      next.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("update task %d/%d: %w", cur.ProjectID, cur.ID, err)
	}
	if !ok {
		return fmt.Errorf("task %d/%d changed concurrently: %w", cur.ProjectID, cur.ID, conflict)
	}
	return nil
}
