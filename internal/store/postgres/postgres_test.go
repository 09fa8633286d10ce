package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brazilsinghrittik/hot-tasking-manager/internal/models"
	"github.com/brazilsinghrittik/hot-tasking-manager/internal/store"
)

// These tests need a disposable database, e.g.
// TASKING_TEST_POSTGRES_DSN="host=localhost user=postgres dbname=tasking_test sslmode=disable".
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TASKING_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TASKING_TEST_POSTGRES_DSN not set")
	}
	s, err := New(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	fixture := &store.Fixture{
		Users: []store.FixtureUser{
			{ID: 9010, Username: "pg-mapper", MappingLevel: models.MappingLevelAdvanced},
			{ID: 9020, Username: "pg-admin", Admin: true},
		},
		Projects: []store.FixtureProject{{
			ProjectConfig: models.ProjectConfig{ID: 9001, Name: "pg"},
			Tasks:         []store.FixtureTask{{ID: 1, Status: models.TaskStatusMapped, MappedBy: int64p(9010)}},
			TaskCount:     2,
		}},
	}
	require.NoError(t, s.Seed(context.Background(), fixture))
	return s
}

func int64p(v int64) *int64 { return &v }

func TestSeedAndDirectory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.GetProject(ctx, 9001)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, models.ProjectStatusPublished, p.Status)
	assert.Equal(t, models.MappingLevelIntermediate, p.RequiredLevel)

	level, err := s.MappingLevel(ctx, 9010)
	require.NoError(t, err)
	assert.Equal(t, models.MappingLevelAdvanced, level)

	pm, err := s.IsProjectManager(ctx, 9020, 9001)
	require.NoError(t, err)
	assert.True(t, pm)

	c, err := s.ProjectCounters(ctx, 9001)
	require.NoError(t, err)
	assert.Equal(t, int64(3), c.TotalTasks)
	assert.Equal(t, int64(1), c.TasksMapped)

	missing, err := s.GetTask(ctx, 9001, 999)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestConditionalUpdateAndSingleLock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := int64(9010)

	err := s.WithTx(ctx, func(tx store.Tx) error {
		task, err := tx.GetTask(ctx, 9001, 2)
		if err != nil {
			return err
		}
		ok, err := tx.UpdateTask(ctx, models.TaskUpdate{
			ProjectID:    task.ProjectID,
			TaskID:       task.ID,
			FromStatuses: []models.TaskStatus{task.Status},
			Status:       models.TaskStatusLockedForMapping,
			LockedBy:     &user,
			UpdatedAt:    time.Now(),
		})
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("lock did not apply")
		}
		_, err = tx.AppendHistory(ctx, &models.TaskHistory{
			ProjectID: 9001, TaskID: 2, UserID: user,
			Action: models.ActionLockedForMapping, ActionDate: time.Now(),
		})
		return err
	})
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx store.Tx) error {
		_, err := tx.UpdateTask(ctx, models.TaskUpdate{
			ProjectID:    9001,
			TaskID:       3,
			FromStatuses: []models.TaskStatus{models.TaskStatusReady},
			Status:       models.TaskStatusLockedForMapping,
			LockedBy:     &user,
			UpdatedAt:    time.Now(),
		})
		return err
	})
	assert.ErrorIs(t, err, store.ErrUserHasLock)

	locks, err := s.LockedTasks(ctx)
	require.NoError(t, err)
	var found bool
	for _, l := range locks {
		if l.ProjectID == 9001 && l.TaskID == 2 {
			found = true
			assert.Equal(t, user, l.LockedBy)
			assert.False(t, l.LockedAt.IsZero())
		}
	}
	assert.True(t, found)
}

func TestCounterUnderflow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx store.Tx) error {
		return tx.AdjustProjectCounters(ctx, 9001, 0, -1, 0)
	})
	assert.ErrorIs(t, err, store.ErrCounterUnderflow)

	err = s.WithTx(ctx, func(tx store.Tx) error {
		return tx.AdjustProjectCounters(ctx, 424242, 1, 0, 0)
	})
	assert.ErrorIs(t, err, store.ErrUnknownProject)
}
