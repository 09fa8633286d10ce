package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brazilsinghrittik/hot-tasking-manager/internal/models"
	"github.com/brazilsinghrittik/hot-tasking-manager/internal/store"
	"github.com/brazilsinghrittik/hot-tasking-manager/internal/tasking"
)

const (
	projectID = int64(7)
	novice    = int64(1)
	mapper    = int64(2)
	validator = int64(3)
)

func newTestClient(t *testing.T) (*Client, *store.Store) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "tasking.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.Seed(context.Background(), &store.Fixture{
		Users: []store.FixtureUser{
			{ID: novice, Username: "nov", MappingLevel: models.MappingLevelBeginner},
			{ID: mapper, Username: "map", MappingLevel: models.MappingLevelIntermediate},
			{ID: validator, Username: "val", MappingLevel: models.MappingLevelAdvanced},
		},
		Projects: []store.FixtureProject{{
			ProjectConfig: models.ProjectConfig{
				ID:                projectID,
				Name:              "Client test",
				MappingPermission: models.PermissionLevel,
				RequiredLevel:     models.MappingLevelIntermediate,
			},
			TaskCount: 2,
		}},
	}))

	svc := tasking.NewService(st, tasking.Options{})
	srv := tasking.NewServer(svc, tasking.ServerConfig{Version: "test", LockTimeout: time.Hour})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return New(ts.URL), st
}

func TestHealth(t *testing.T) {
	c, st := newTestClient(t)
	ctx := context.Background()

	h, err := c.Health(ctx)
	require.NoError(t, err)
	assert.True(t, h.OK)
	assert.Equal(t, "test", h.Version)

	require.NoError(t, st.Close())
	h, err = c.Health(ctx)
	require.Error(t, err)
	require.NotNil(t, h)
	assert.False(t, h.OK)
}

func TestMapValidateRoundTrip(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	task, err := c.Lock(ctx, models.LockMapping, projectID, 1, mapper)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusLockedForMapping, task.Status)

	task, err = c.Unlock(ctx, models.LockMapping, projectID, 1, mapper, models.TaskStatusMapped, "roads done")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusMapped, task.Status)

	_, err = c.Lock(ctx, models.LockValidation, projectID, 1, validator)
	require.NoError(t, err)
	task, err = c.Unlock(ctx, models.LockValidation, projectID, 1, validator, models.TaskStatusValidated, "")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusValidated, task.Status)

	sum, err := c.Summary(ctx, projectID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sum.TasksValidated)
	assert.Equal(t, int64(0), sum.TasksMapped, "project counters follow current state")

	us, err := c.UserStats(ctx, validator)
	require.NoError(t, err)
	assert.Equal(t, int64(1), us.TasksValidated)

	history, err := c.History(ctx, projectID, 1)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Equal(t, validator, history[0].UserID)

	validated, err := c.ListTasks(ctx, projectID, models.TaskStatusValidated)
	require.NoError(t, err)
	require.Len(t, validated, 1)
	assert.Equal(t, int64(1), validated[0].ID)
}

func TestAPIErrors(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	_, err := c.Lock(ctx, models.LockMapping, projectID, 1, novice)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.Equal(t, "UserNotCorrectMappingLevel", apiErr.Reason)

	_, err = c.GetTask(ctx, projectID, 404)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)

	_, err = c.Undo(ctx, projectID, 2, mapper)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.Status)
}

func TestAutoUnlock(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	_, err := c.Lock(ctx, models.LockMapping, projectID, 2, mapper)
	require.NoError(t, err)

	res, err := c.AutoUnlock(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Checked)
	assert.Equal(t, 0, res.Unlocked)
	assert.NotEmpty(t, res.RunID)
}
