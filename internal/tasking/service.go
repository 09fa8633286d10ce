// Package tasking is the task ownership engine. Each operation checks
// permissions, applies the task transition, writes the history ledger and
// moves the progress counters inside one store transaction.
package tasking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/brazilsinghrittik/hot-tasking-manager/internal/audit"
	"github.com/brazilsinghrittik/hot-tasking-manager/internal/models"
	"github.com/brazilsinghrittik/hot-tasking-manager/internal/permission"
	"github.com/brazilsinghrittik/hot-tasking-manager/internal/stats"
	"github.com/brazilsinghrittik/hot-tasking-manager/internal/store"
	"github.com/brazilsinghrittik/hot-tasking-manager/internal/taskstate"
)

// Options configures a Service. Zero values are usable; a nil Cache
// disables summary caching.
type Options struct {
	Policy taskstate.Policy
	Cache  stats.SummaryCache
	Logger *zerolog.Logger
	Now    func() time.Time
}

// Service provides the tasking business logic.
type Service struct {
	backend   store.Backend
	evaluator *permission.Evaluator
	policy    taskstate.Policy
	cache     stats.SummaryCache
	log       zerolog.Logger
	now       func() time.Time
}

// NewService creates a service over b, which also answers the directory
// questions the permission evaluator asks.
func NewService(b store.Backend, opts Options) *Service {
	s := &Service{
		backend:   b,
		evaluator: permission.NewEvaluator(b, b, b),
		policy:    opts.Policy,
		cache:     opts.Cache,
		log:       zerolog.Nop(),
		now:       opts.Now,
	}
	if s.cache == nil {
		s.cache = stats.NopSummaryCache{}
	}
	if opts.Logger != nil {
		s.log = *opts.Logger
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *Service) machine(tx store.Tx) *taskstate.Machine {
	return taskstate.New(tx, s.policy, s.now)
}

// --- Lock Operations ---

// LockForMapping locks a task for mapping by userID.
func (s *Service) LockForMapping(ctx context.Context, projectID, taskID, userID int64) (*models.Task, error) {
	return s.lock(ctx, models.LockMapping, projectID, taskID, userID)
}

// LockForValidation locks a task for validation by userID.
func (s *Service) LockForValidation(ctx context.Context, projectID, taskID, userID int64) (*models.Task, error) {
	return s.lock(ctx, models.LockValidation, projectID, taskID, userID)
}

func (s *Service) lock(ctx context.Context, kind models.LockKind, projectID, taskID, userID int64) (*models.Task, error) {
	project, task, err := s.load(ctx, projectID, taskID)
	if err != nil {
		return nil, err
	}
	if !s.policy.CanLock(kind, task.Status) {
		return nil, fmt.Errorf("task %d/%d is %s: %w", projectID, taskID, task.Status, stateConflict(kind))
	}

	// Directory reads happen before the transaction opens; the conditional
	// write and the one-lock index settle any race that slips through.
	d, err := s.evaluator.Can(ctx, kind, project, userID)
	if err != nil {
		return nil, fmt.Errorf("check permission: %w", err)
	}
	if !d.Allowed {
		s.log.Debug().Int64("project_id", projectID).Int64("task_id", taskID).Int64("user_id", userID).
			Str("reason", string(d.Reason)).Msgf("%s lock denied", kind)
		return nil, denied(d.Reason)
	}

	var locked *models.Task
	err = s.backend.WithTx(ctx, func(tx store.Tx) error {
		cur, err := reload(ctx, tx, projectID, taskID)
		if err != nil {
			return err
		}
		m := s.machine(tx)
		if kind == models.LockValidation {
			locked, err = m.LockForValidation(ctx, cur, userID)
		} else {
			locked, err = m.LockForMapping(ctx, cur, userID)
		}
		return err
	})
	if errors.Is(err, store.ErrUserHasLock) {
		err = denied(permission.UserAlreadyHasTaskLocked)
	}
	if err != nil {
		return nil, s.fail(err, "lock", projectID, taskID, userID)
	}

	s.cache.Invalidate(projectID)
	s.log.Info().Int64("project_id", projectID).Int64("task_id", taskID).Int64("user_id", userID).
		Msgf("task locked for %s", kind)
	return locked, nil
}

// --- Unlock Operations ---

// UnlockAfterMapping ends userID's mapping session with outcome. A
// non-empty comment is recorded before the status change.
func (s *Service) UnlockAfterMapping(ctx context.Context, projectID, taskID, userID int64, outcome models.TaskStatus, comment string) (*models.Task, error) {
	return s.unlock(ctx, models.LockMapping, projectID, taskID, userID, outcome, comment)
}

// UnlockAfterValidation ends userID's validation session with outcome.
func (s *Service) UnlockAfterValidation(ctx context.Context, projectID, taskID, userID int64, outcome models.TaskStatus, comment string) (*models.Task, error) {
	return s.unlock(ctx, models.LockValidation, projectID, taskID, userID, outcome, comment)
}

func (s *Service) unlock(ctx context.Context, kind models.LockKind, projectID, taskID, userID int64, outcome models.TaskStatus, comment string) (*models.Task, error) {
	var settled *taskstate.Settlement
	err := s.backend.WithTx(ctx, func(tx store.Tx) error {
		cur, err := reload(ctx, tx, projectID, taskID)
		if err != nil {
			return err
		}
		m := s.machine(tx)
		if kind == models.LockValidation {
			settled, err = m.UnlockAfterValidation(ctx, cur, userID, outcome, comment)
		} else {
			settled, err = m.UnlockAfterMapping(ctx, cur, userID, outcome, comment)
		}
		if err != nil {
			return err
		}
		return stats.NewCounters(tx).ApplySettle(ctx, projectID, settled.Previous, settled.Outcome, settled.Credited)
	})
	if err != nil {
		return nil, s.fail(err, "unlock", projectID, taskID, userID)
	}

	s.cache.Invalidate(projectID)
	s.log.Info().Int64("project_id", projectID).Int64("task_id", taskID).Int64("user_id", userID).
		Str("from", string(settled.Previous)).Str("to", string(settled.Outcome)).
		Msgf("%s session settled", kind)
	return settled.Task, nil
}

// --- Undo ---

// UndoLastTransition reverses the most recent user settle of a task that
// has not been undone yet. Only the user who made it or a project manager
// may undo it.
func (s *Service) UndoLastTransition(ctx context.Context, projectID, taskID, userID int64) (*models.Task, error) {
	_, task, err := s.load(ctx, projectID, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.IsLocked() {
		return nil, fmt.Errorf("task %d/%d: %w", projectID, taskID, ErrTaskLocked)
	}

	entries, err := s.backend.ListHistory(ctx, projectID, taskID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	target, err := audit.FindUndoTarget(entries)
	if err != nil {
		return nil, s.fail(err, "undo", projectID, taskID, userID)
	}
	d, err := s.evaluator.CanUndo(ctx, projectID, userID, target.Entry.UserID)
	if err != nil {
		return nil, fmt.Errorf("check permission: %w", err)
	}
	if !d.Allowed {
		return nil, denied(d.Reason)
	}

	var reversal *taskstate.Reversal
	err = s.backend.WithTx(ctx, func(tx store.Tx) error {
		cur, err := reload(ctx, tx, projectID, taskID)
		if err != nil {
			return err
		}
		m := s.machine(tx)
		current, err := m.Ledger().UndoTarget(ctx, projectID, taskID)
		if err != nil {
			return err
		}
		if current.Entry.ID != target.Entry.ID {
			return fmt.Errorf("undo target moved from entry %d to %d: %w", target.Entry.ID, current.Entry.ID, ErrConcurrentUpdate)
		}
		if reversal, err = m.Undo(ctx, cur, current, userID); err != nil {
			return err
		}
		return stats.NewCounters(tx).ApplyUndo(ctx, projectID, reversal.Undone, reversal.Restored, reversal.Counted)
	})
	if err != nil {
		return nil, s.fail(err, "undo", projectID, taskID, userID)
	}

	s.cache.Invalidate(projectID)
	s.log.Info().Int64("project_id", projectID).Int64("task_id", taskID).Int64("user_id", userID).
		Str("from", string(reversal.Undone)).Str("to", string(reversal.Restored)).
		Msg("task transition undone")
	return reversal.Task, nil
}

// --- Auto-unlock ---

// SweepFailure is a task the sweep could not release.
type SweepFailure struct {
	ProjectID int64  `json:"project_id"`
	TaskID    int64  `json:"task_id"`
	Error     string `json:"error"`
}

// SweepResult summarizes one auto-unlock sweep.
type SweepResult struct {
	RunID    string         `json:"run_id"`
	Checked  int            `json:"checked"`
	Unlocked int            `json:"unlocked"`
	Skipped  int            `json:"skipped"`
	Failed   int            `json:"failed"`
	Failures []SweepFailure `json:"failures,omitempty"`
}

// AutoUnlockStale releases every lock whose open lock entry is older than
// timeout. Tasks are handled one transaction each; a failure on one task is
// recorded and the sweep moves on. Locks that changed since they were
// listed are skipped.
func (s *Service) AutoUnlockStale(ctx context.Context, timeout time.Duration) (*SweepResult, error) {
	locks, err := s.backend.LockedTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("list locked tasks: %w", err)
	}
	cutoff := s.now().UTC().Add(-timeout)
	res := &SweepResult{RunID: uuid.NewString(), Checked: len(locks)}
	log := s.log.With().Str("sweep_id", res.RunID).Logger()

	touched := make(map[int64]bool)
	for _, l := range store.StaleLocks(locks, cutoff) {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		unlocked, err := s.autoUnlock(ctx, l, cutoff)
		switch {
		case err != nil:
			res.Failed++
			res.Failures = append(res.Failures, SweepFailure{ProjectID: l.ProjectID, TaskID: l.TaskID, Error: err.Error()})
			ev := log.Error()
			if IsConsistencyError(err) {
				ev = log.WithLevel(zerolog.FatalLevel)
			}
			ev.Err(err).Int64("project_id", l.ProjectID).Int64("task_id", l.TaskID).Msg("auto-unlock failed")
		case !unlocked:
			res.Skipped++
		default:
			res.Unlocked++
			touched[l.ProjectID] = true
			log.Info().Int64("project_id", l.ProjectID).Int64("task_id", l.TaskID).Int64("user_id", l.LockedBy).
				Time("locked_at", l.LockedAt).Msg("stale lock released")
		}
	}
	for pid := range touched {
		s.cache.Invalidate(pid)
	}
	return res, nil
}

func (s *Service) autoUnlock(ctx context.Context, l models.StaleLock, cutoff time.Time) (bool, error) {
	var unlocked bool
	err := s.backend.WithTx(ctx, func(tx store.Tx) error {
		cur, err := tx.GetTask(ctx, l.ProjectID, l.TaskID)
		if err != nil {
			return err
		}
		if cur == nil || cur.Status != l.Status || cur.LockedBy == nil || *cur.LockedBy != l.LockedBy {
			return nil
		}
		fresh, err := lockedSince(ctx, tx, cur, cutoff)
		if err != nil || fresh {
			return err
		}
		if _, err := s.machine(tx).AutoUnlock(ctx, cur); err != nil {
			if errors.Is(err, taskstate.ErrStaleLock) {
				return nil
			}
			return err
		}
		unlocked = true
		return nil
	})
	return unlocked, err
}

// lockedSince reports whether the task's open lock entry is not older than
// cutoff, which means it was re-locked after the sweep listed it.
func lockedSince(ctx context.Context, tx store.Tx, task *models.Task, cutoff time.Time) (bool, error) {
	kind, _ := models.LockKindOf(task.Status)
	entries, err := tx.ListHistory(ctx, task.ProjectID, task.ID)
	if err != nil {
		return false, err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.Action == kind.Action() && e.ActionText == nil {
			return !e.ActionDate.Before(cutoff), nil
		}
	}
	return false, nil
}

// --- Reads ---

// GetTask returns a task.
func (s *Service) GetTask(ctx context.Context, projectID, taskID int64) (*models.Task, error) {
	task, err := s.backend.GetTask(ctx, projectID, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("task %d/%d: %w", projectID, taskID, ErrTaskNotFound)
	}
	return task, nil
}

// ListTasks returns a project's tasks ordered by id.
func (s *Service) ListTasks(ctx context.Context, projectID int64) ([]models.Task, error) {
	project, err := s.backend.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, fmt.Errorf("project %d: %w", projectID, ErrProjectNotFound)
	}
	return s.backend.ListTasks(ctx, projectID)
}

// HistoryEntry is a ledger entry as reported to clients. Open marks a lock
// entry whose session has not ended.
type HistoryEntry struct {
	models.TaskHistory
	Open bool `json:"open,omitempty"`
}

// TaskHistory returns a task's ledger, newest first.
func (s *Service) TaskHistory(ctx context.Context, projectID, taskID int64) ([]HistoryEntry, error) {
	if _, err := s.GetTask(ctx, projectID, taskID); err != nil {
		return nil, err
	}
	entries, err := s.backend.ListHistory(ctx, projectID, taskID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	out := make([]HistoryEntry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		isLock := e.Action == models.ActionLockedForMapping || e.Action == models.ActionLockedForValidation
		out = append(out, HistoryEntry{TaskHistory: e, Open: isLock && e.ActionText == nil})
	}
	return out, nil
}

// ProjectSummary returns a project's progress, served from the cache when
// it holds a summary newer than the last write.
func (s *Service) ProjectSummary(ctx context.Context, projectID int64) (*stats.Summary, error) {
	if sum, ok := s.cache.Get(projectID); ok {
		return sum, nil
	}
	counters, err := s.backend.ProjectCounters(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if counters == nil {
		return nil, fmt.Errorf("project %d: %w", projectID, ErrProjectNotFound)
	}
	locks, err := s.backend.ProjectLockCount(ctx, projectID)
	if err != nil {
		return nil, err
	}
	sum := stats.NewSummary(*counters, locks, s.now().UTC())
	s.cache.Put(projectID, sum)
	return sum, nil
}

// UserStats returns a user's lifetime counters.
func (s *Service) UserStats(ctx context.Context, userID int64) (*models.UserCounters, error) {
	return s.backend.UserCounters(ctx, userID)
}

// Ping checks the backend.
func (s *Service) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

// --- Helpers ---

func (s *Service) load(ctx context.Context, projectID, taskID int64) (*models.ProjectConfig, *models.Task, error) {
	project, err := s.backend.GetProject(ctx, projectID)
	if err != nil {
		return nil, nil, err
	}
	if project == nil {
		return nil, nil, fmt.Errorf("project %d: %w", projectID, ErrProjectNotFound)
	}
	task, err := s.GetTask(ctx, projectID, taskID)
	if err != nil {
		return nil, nil, err
	}
	return project, task, nil
}

func reload(ctx context.Context, tx store.Tx, projectID, taskID int64) (*models.Task, error) {
	task, err := tx.GetTask(ctx, projectID, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("task %d/%d: %w", projectID, taskID, ErrTaskNotFound)
	}
	return task, nil
}

func stateConflict(kind models.LockKind) error {
	if kind == models.LockValidation {
		return ErrNotValidatable
	}
	return ErrNotMappable
}

// fail logs err and returns it. Consistency errors are logged at the
// highest level; the transaction has already rolled back.
func (s *Service) fail(err error, op string, projectID, taskID, userID int64) error {
	ev := s.log.Debug()
	if IsConsistencyError(err) {
		ev = s.log.WithLevel(zerolog.FatalLevel)
	}
	ev.Err(err).Str("op", op).Int64("project_id", projectID).Int64("task_id", taskID).Int64("user_id", userID).
		Msg("tasking operation failed")
	return err
}
