package tasking

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brazilsinghrittik/hot-tasking-manager/internal/models"
	"github.com/brazilsinghrittik/hot-tasking-manager/internal/permission"
	"github.com/brazilsinghrittik/hot-tasking-manager/internal/stats"
	"github.com/brazilsinghrittik/hot-tasking-manager/internal/store"
	"github.com/brazilsinghrittik/hot-tasking-manager/internal/testutil"
)

const (
	project   = int64(1)
	beginner  = int64(1)
	mapper    = int64(2)
	validator = int64(3)
	mapper2   = int64(4)
	admin     = int64(9)
)

type harness struct {
	svc   *Service
	store *store.Store
	clock *testutil.MockClock
	cache *stats.LRUSummaryCache
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "tasking.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	fixture := &store.Fixture{
		Users: []store.FixtureUser{
			{ID: beginner, Username: "bea", MappingLevel: models.MappingLevelBeginner},
			{ID: mapper, Username: "max", MappingLevel: models.MappingLevelIntermediate},
			{ID: validator, Username: "val", MappingLevel: models.MappingLevelAdvanced},
			{ID: mapper2, Username: "mo", MappingLevel: models.MappingLevelIntermediate},
			{ID: admin, Username: "root", Admin: true},
		},
		Projects: []store.FixtureProject{{
			ProjectConfig: models.ProjectConfig{
				ID:                project,
				Name:              "Flood response",
				MappingPermission: models.PermissionLevel,
				RequiredLevel:     models.MappingLevelIntermediate,
			},
			TaskCount: 4,
		}},
	}
	require.NoError(t, st.Seed(context.Background(), fixture))

	clock := testutil.NewMockClock(time.Now().UTC().Truncate(time.Second))
	cache := stats.NewSummaryCache(16, time.Hour)
	svc := NewService(st, Options{Cache: cache, Now: clock.Now})
	return &harness{svc: svc, store: st, clock: clock, cache: cache}
}

func (h *harness) task(t *testing.T, id int64) *models.Task {
	t.Helper()
	task, err := h.svc.GetTask(context.Background(), project, id)
	require.NoError(t, err)
	return task
}

func (h *harness) counters(t *testing.T) *models.ProjectCounters {
	t.Helper()
	c, err := h.store.ProjectCounters(context.Background(), project)
	require.NoError(t, err)
	return c
}

func (h *harness) user(t *testing.T, id int64) *models.UserCounters {
	t.Helper()
	c, err := h.store.UserCounters(context.Background(), id)
	require.NoError(t, err)
	return c
}

func assertReason(t *testing.T, err error, want permission.Reason) {
	t.Helper()
	require.ErrorIs(t, err, ErrPermissionDenied)
	var perr *PermissionError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, want, perr.Reason)
}

func TestScenarioA_BeginnerCannotMapLevelProject(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.LockForMapping(context.Background(), project, 1, beginner)
	assertReason(t, err, permission.UserNotCorrectMappingLevel)

	task := h.task(t, 1)
	assert.Equal(t, models.TaskStatusReady, task.Status)
	assert.Nil(t, task.LockedBy)
}

func TestScenarioB_LockForMapping(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	task, err := h.svc.LockForMapping(ctx, project, 1, mapper)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusLockedForMapping, task.Status)
	require.NotNil(t, task.LockedBy)
	assert.Equal(t, mapper, *task.LockedBy)

	history, err := h.svc.TaskHistory(ctx, project, 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.ActionLockedForMapping, history[0].Action)
	assert.Nil(t, history[0].ActionText)
	assert.True(t, history[0].Open)
}

func TestScenarioC_UnlockAfterMapping(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.LockForMapping(ctx, project, 1, mapper)
	require.NoError(t, err)
	h.clock.Advance(90 * time.Second)

	task, err := h.svc.UnlockAfterMapping(ctx, project, 1, mapper, models.TaskStatusMapped, "done")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusMapped, task.Status)
	assert.Nil(t, task.LockedBy)
	require.NotNil(t, task.MappedBy)
	assert.Equal(t, mapper, *task.MappedBy)

	assert.Equal(t, int64(1), h.counters(t).TasksMapped)
	assert.Equal(t, int64(1), h.user(t, mapper).TasksMapped)

	history, err := h.svc.TaskHistory(ctx, project, 1)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, models.ActionStateChange, history[0].Action)
	assert.Equal(t, "MAPPED", *history[0].ActionText)
	assert.Equal(t, models.ActionComment, history[1].Action)
	assert.Equal(t, "done", *history[1].ActionText)
	assert.Equal(t, models.ActionLockedForMapping, history[2].Action)
	require.NotNil(t, history[2].ActionText)
	assert.Equal(t, "00:01:30.000000", *history[2].ActionText)
	assert.False(t, history[2].Open)
}

func TestScenarioD_InvalidationCreditsMapper(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.LockForMapping(ctx, project, 1, mapper)
	require.NoError(t, err)
	_, err = h.svc.UnlockAfterMapping(ctx, project, 1, mapper, models.TaskStatusMapped, "")
	require.NoError(t, err)

	_, err = h.svc.LockForValidation(ctx, project, 1, validator)
	require.NoError(t, err)
	task, err := h.svc.UnlockAfterValidation(ctx, project, 1, validator, models.TaskStatusInvalidated, "missing buildings")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusInvalidated, task.Status)

	c := h.counters(t)
	assert.Equal(t, int64(0), c.TasksMapped)
	assert.Equal(t, int64(0), c.TasksValidated)

	u := h.user(t, mapper)
	assert.Equal(t, int64(1), u.TasksMapped, "lifetime counters do not drop on forward transitions")
	assert.Equal(t, int64(1), u.TasksInvalidated)

	v := h.user(t, validator)
	assert.Equal(t, int64(0), v.TasksMapped)
	assert.Equal(t, int64(0), v.TasksValidated)
	assert.Equal(t, int64(0), v.TasksInvalidated)
}

func TestScenarioE_ConcurrentLocks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, uid := range []int64{mapper, mapper2} {
		wg.Add(1)
		go func(i int, uid int64) {
			defer wg.Done()
			_, errs[i] = h.svc.LockForMapping(ctx, project, 1, uid)
		}(i, uid)
	}
	wg.Wait()

	var ok, notMappable int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrNotMappable):
			notMappable++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, notMappable)
	assert.Equal(t, models.TaskStatusLockedForMapping, h.task(t, 1).Status)
}

func TestLockRejectsSecondLock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.LockForMapping(ctx, project, 1, mapper)
	require.NoError(t, err)

	_, err = h.svc.LockForMapping(ctx, project, 2, mapper)
	assertReason(t, err, permission.UserAlreadyHasTaskLocked)
	assert.Equal(t, models.TaskStatusReady, h.task(t, 2).Status)
}

func TestLockStateCheckedBeforePermission(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.LockForValidation(ctx, project, 1, validator)
	assert.ErrorIs(t, err, ErrNotValidatable)

	_, err = h.svc.LockForMapping(ctx, project, 1, mapper)
	require.NoError(t, err)
	_, err = h.svc.LockForMapping(ctx, project, 1, beginner)
	assert.ErrorIs(t, err, ErrNotMappable)
}

func TestNotFound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.LockForMapping(ctx, 99, 1, mapper)
	assert.ErrorIs(t, err, ErrProjectNotFound)

	_, err = h.svc.LockForMapping(ctx, project, 99, mapper)
	assert.ErrorIs(t, err, ErrTaskNotFound)

	_, err = h.svc.UnlockAfterMapping(ctx, project, 99, mapper, models.TaskStatusMapped, "")
	assert.ErrorIs(t, err, ErrTaskNotFound)

	_, err = h.svc.ProjectSummary(ctx, 99)
	assert.ErrorIs(t, err, ErrProjectNotFound)
}

func TestUnlockErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.LockForMapping(ctx, project, 1, mapper)
	require.NoError(t, err)

	_, err = h.svc.UnlockAfterMapping(ctx, project, 1, mapper2, models.TaskStatusMapped, "")
	assert.ErrorIs(t, err, ErrNotLockHolder)

	_, err = h.svc.UnlockAfterMapping(ctx, project, 1, mapper, models.TaskStatusValidated, "")
	assert.ErrorIs(t, err, ErrInvalidOutcome)

	_, err = h.svc.UnlockAfterValidation(ctx, project, 1, mapper, models.TaskStatusValidated, "")
	assert.ErrorIs(t, err, ErrNotLockHolder)

	// Nothing was written by the failed calls.
	history, err := h.svc.TaskHistory(ctx, project, 1)
	require.NoError(t, err)
	assert.Len(t, history, 1)
	assert.Equal(t, int64(0), h.counters(t).TasksMapped)
}

func TestUndoIsInverse(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.LockForMapping(ctx, project, 1, mapper)
	require.NoError(t, err)
	_, err = h.svc.UnlockAfterMapping(ctx, project, 1, mapper, models.TaskStatusMapped, "")
	require.NoError(t, err)

	task, err := h.svc.UndoLastTransition(ctx, project, 1, mapper)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusReady, task.Status)
	assert.Nil(t, task.MappedBy)

	assert.Equal(t, int64(0), h.counters(t).TasksMapped)
	assert.Equal(t, int64(0), h.user(t, mapper).TasksMapped)

	history, err := h.svc.TaskHistory(ctx, project, 1)
	require.NoError(t, err)
	assert.Equal(t, models.OriginUndo, history[0].Origin)
	assert.Equal(t, "Undo state from MAPPED to READY", *history[1].ActionText)

	_, err = h.svc.UndoLastTransition(ctx, project, 1, mapper)
	assert.ErrorIs(t, err, ErrNothingToUndo)
}

func TestUndoValidationRestoresMapped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.LockForMapping(ctx, project, 1, mapper)
	require.NoError(t, err)
	_, err = h.svc.UnlockAfterMapping(ctx, project, 1, mapper, models.TaskStatusMapped, "")
	require.NoError(t, err)
	_, err = h.svc.LockForValidation(ctx, project, 1, validator)
	require.NoError(t, err)
	_, err = h.svc.UnlockAfterValidation(ctx, project, 1, validator, models.TaskStatusValidated, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), h.user(t, validator).TasksValidated)

	task, err := h.svc.UndoLastTransition(ctx, project, 1, validator)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusMapped, task.Status)
	assert.Nil(t, task.ValidatedBy)
	require.NotNil(t, task.MappedBy)
	assert.Equal(t, mapper, *task.MappedBy)

	c := h.counters(t)
	assert.Equal(t, int64(1), c.TasksMapped)
	assert.Equal(t, int64(0), c.TasksValidated)
	assert.Equal(t, int64(0), h.user(t, validator).TasksValidated)
	assert.Equal(t, int64(1), h.user(t, mapper).TasksMapped)
}

func TestUndoPermissions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.UndoLastTransition(ctx, project, 1, mapper)
	assert.ErrorIs(t, err, ErrNothingToUndo)

	_, err = h.svc.LockForMapping(ctx, project, 1, mapper)
	require.NoError(t, err)
	_, err = h.svc.UndoLastTransition(ctx, project, 1, mapper)
	assert.ErrorIs(t, err, ErrTaskLocked)

	_, err = h.svc.UnlockAfterMapping(ctx, project, 1, mapper, models.TaskStatusMapped, "")
	require.NoError(t, err)

	_, err = h.svc.UndoLastTransition(ctx, project, 1, mapper2)
	assertReason(t, err, permission.UserNotPermittedToUndo)

	_, err = h.svc.UndoLastTransition(ctx, project, 1, admin)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusReady, h.task(t, 1).Status)
}

func TestAutoUnlockStale(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.LockForMapping(ctx, project, 1, mapper)
	require.NoError(t, err)
	h.clock.Advance(3 * time.Hour)
	_, err = h.svc.LockForMapping(ctx, project, 2, mapper2)
	require.NoError(t, err)

	res, err := h.svc.AutoUnlockStale(ctx, 2*time.Hour)
	require.NoError(t, err)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, 2, res.Checked)
	assert.Equal(t, 1, res.Unlocked)
	assert.Equal(t, 0, res.Failed)

	task := h.task(t, 1)
	assert.Equal(t, models.TaskStatusReady, task.Status)
	assert.Nil(t, task.LockedBy)
	assert.Equal(t, models.TaskStatusLockedForMapping, h.task(t, 2).Status)

	assert.Equal(t, int64(0), h.counters(t).TasksMapped)
	assert.Equal(t, int64(0), h.user(t, mapper).TasksMapped)

	history, err := h.svc.TaskHistory(ctx, project, 1)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.OriginAutoUnlock, history[0].Origin)
	assert.Equal(t, mapper, history[0].UserID)
	assert.Equal(t, "03:00:00.000000", *history[1].ActionText)

	_, err = h.svc.UndoLastTransition(ctx, project, 1, mapper)
	assert.ErrorIs(t, err, ErrNothingToUndo)

	// The released user may lock again.
	_, err = h.svc.LockForMapping(ctx, project, 3, mapper)
	require.NoError(t, err)
}

func TestAutoUnlockRestoresSettledStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.LockForMapping(ctx, project, 1, mapper)
	require.NoError(t, err)
	_, err = h.svc.UnlockAfterMapping(ctx, project, 1, mapper, models.TaskStatusMapped, "")
	require.NoError(t, err)
	_, err = h.svc.LockForValidation(ctx, project, 1, validator)
	require.NoError(t, err)

	h.clock.Advance(time.Hour)
	res, err := h.svc.AutoUnlockStale(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Unlocked)

	task := h.task(t, 1)
	assert.Equal(t, models.TaskStatusMapped, task.Status)
	assert.Equal(t, int64(1), h.counters(t).TasksMapped)

	// The mapping settle is still the undo target.
	task, err = h.svc.UndoLastTransition(ctx, project, 1, mapper)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusReady, task.Status)
}

func TestAutoUnlockContinuesPastFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.LockForMapping(ctx, project, 1, mapper)
	require.NoError(t, err)
	// Task 2 is locked without a lock entry in its history.
	holder := mapper2
	ok, err := h.store.UpdateTask(ctx, models.TaskUpdate{
		ProjectID: project, TaskID: 2, FromStatuses: []models.TaskStatus{models.TaskStatusReady},
		Status: models.TaskStatusLockedForMapping, LockedBy: &holder, UpdatedAt: h.clock.Now(),
	})
	require.NoError(t, err)
	require.True(t, ok)

	h.clock.Advance(3 * time.Hour)
	res, err := h.svc.AutoUnlockStale(ctx, 2*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Checked)
	assert.Equal(t, 1, res.Unlocked)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, int64(2), res.Failures[0].TaskID)
	assert.Contains(t, res.Failures[0].Error, "no mapping lock entry")

	assert.Equal(t, models.TaskStatusReady, h.task(t, 1).Status)
	task := h.task(t, 2)
	assert.Equal(t, models.TaskStatusLockedForMapping, task.Status)
	require.NotNil(t, task.LockedBy)
	assert.Equal(t, mapper2, *task.LockedBy)

	history, err := h.svc.TaskHistory(ctx, project, 2)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestUnlockRollsBackOnBrokenHistory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.LockForMapping(ctx, project, 1, mapper)
	require.NoError(t, err)
	entries, err := h.store.ListHistory(ctx, project, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	ok, err := h.store.SetActionText(ctx, entries[0].ID, "00:01:00.000000")
	require.NoError(t, err)
	require.True(t, ok)
	before := h.counters(t)

	_, err = h.svc.UnlockAfterMapping(ctx, project, 1, mapper, models.TaskStatusMapped, "done")
	require.ErrorIs(t, err, ErrInconsistentHistory)

	task := h.task(t, 1)
	assert.Equal(t, models.TaskStatusLockedForMapping, task.Status)
	require.NotNil(t, task.LockedBy)
	assert.Equal(t, mapper, *task.LockedBy)
	assert.Nil(t, task.MappedBy)

	assert.Equal(t, before, h.counters(t))
	assert.Equal(t, int64(0), h.user(t, mapper).TasksMapped)

	after, err := h.store.ListHistory(ctx, project, 1)
	require.NoError(t, err)
	require.Len(t, after, 1, "comment and settle entries roll back")
	assert.Equal(t, "00:01:00.000000", *after[0].ActionText)
}

func TestUndoRemapRestoresOriginalMapper(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.LockForMapping(ctx, project, 1, mapper)
	require.NoError(t, err)
	_, err = h.svc.UnlockAfterMapping(ctx, project, 1, mapper, models.TaskStatusMapped, "")
	require.NoError(t, err)
	_, err = h.svc.LockForValidation(ctx, project, 1, validator)
	require.NoError(t, err)
	_, err = h.svc.UnlockAfterValidation(ctx, project, 1, validator, models.TaskStatusInvalidated, "")
	require.NoError(t, err)

	_, err = h.svc.LockForMapping(ctx, project, 1, mapper2)
	require.NoError(t, err)
	task, err := h.svc.UnlockAfterMapping(ctx, project, 1, mapper2, models.TaskStatusMapped, "")
	require.NoError(t, err)
	require.NotNil(t, task.MappedBy)
	assert.Equal(t, mapper2, *task.MappedBy)

	task, err = h.svc.UndoLastTransition(ctx, project, 1, mapper2)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusInvalidated, task.Status)
	require.NotNil(t, task.MappedBy)
	assert.Equal(t, mapper, *task.MappedBy)
	assert.Equal(t, mapper, *h.task(t, 1).MappedBy)
	assert.Equal(t, int64(0), h.user(t, mapper2).TasksMapped)
}

func TestReseedResetsProgressBaseline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.LockForMapping(ctx, project, 1, mapper)
	require.NoError(t, err)
	_, err = h.svc.UnlockAfterMapping(ctx, project, 1, mapper, models.TaskStatusMapped, "")
	require.NoError(t, err)
	require.Equal(t, int64(1), h.counters(t).TasksMapped)

	require.NoError(t, h.store.Seed(ctx, &store.Fixture{
		Projects: []store.FixtureProject{{
			ProjectConfig: models.ProjectConfig{
				ID:                project,
				Name:              "Flood response",
				MappingPermission: models.PermissionLevel,
				RequiredLevel:     models.MappingLevelIntermediate,
			},
			TaskCount: 4,
		}},
	}))
	h.cache.Invalidate(project)
	assert.Equal(t, models.TaskStatusReady, h.task(t, 1).Status)
	assert.Equal(t, int64(0), h.counters(t).TasksMapped)

	_, err = h.svc.UndoLastTransition(ctx, project, 1, mapper)
	assert.ErrorIs(t, err, ErrNothingToUndo)

	_, err = h.svc.LockForMapping(ctx, project, 1, mapper)
	require.NoError(t, err)
	_, err = h.svc.UnlockAfterMapping(ctx, project, 1, mapper, models.TaskStatusMapped, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), h.counters(t).TasksMapped)

	task, err := h.svc.UndoLastTransition(ctx, project, 1, mapper)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusReady, task.Status)
	assert.Equal(t, int64(0), h.counters(t).TasksMapped)
}

func TestProjectSummaryCache(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sum, err := h.svc.ProjectSummary(ctx, project)
	require.NoError(t, err)
	assert.Equal(t, int64(4), sum.TotalTasks)
	assert.Equal(t, 0, sum.PercentMapped)
	assert.Equal(t, 1, h.cache.Len())

	_, err = h.svc.LockForMapping(ctx, project, 1, mapper)
	require.NoError(t, err)
	assert.Equal(t, 0, h.cache.Len(), "writes invalidate the summary")

	_, err = h.svc.UnlockAfterMapping(ctx, project, 1, mapper, models.TaskStatusMapped, "")
	require.NoError(t, err)

	sum, err = h.svc.ProjectSummary(ctx, project)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sum.TasksMapped)
	assert.Equal(t, 25, sum.PercentMapped)
	assert.Equal(t, 0, sum.ActiveLocks)
}

func TestValidateBadImageryPolicy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.LockForMapping(ctx, project, 1, mapper)
	require.NoError(t, err)
	_, err = h.svc.UnlockAfterMapping(ctx, project, 1, mapper, models.TaskStatusBadImagery, "clouds")
	require.NoError(t, err)
	assert.Equal(t, int64(1), h.counters(t).TasksBadImagery)

	_, err = h.svc.LockForValidation(ctx, project, 1, validator)
	assert.ErrorIs(t, err, ErrNotValidatable)

	h.svc.policy.ValidateBadImagery = true
	_, err = h.svc.LockForValidation(ctx, project, 1, validator)
	require.NoError(t, err)
}
