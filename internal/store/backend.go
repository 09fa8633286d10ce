package store

import (
	"context"
	"errors"
	"time"

	"github.com/brazilsinghrittik/hot-tasking-manager/internal/models"
)

// Sentinel errors shared by every backend.
var (
	// ErrUserHasLock is returned when a write would give a user a second lock.
	ErrUserHasLock = errors.New("user already holds a task lock")
	// ErrCounterUnderflow is returned when a counter adjustment would go negative.
	ErrCounterUnderflow = errors.New("counter would become negative")
	// ErrUnknownProject is returned when counters are adjusted for a missing project.
	ErrUnknownProject = errors.New("unknown project")
)

// Tx is the transactional view used by one engine operation. Reads through
// a Tx see the transaction's own writes; the Postgres backend also locks
// the task row it reads.
type Tx interface {
	GetTask(ctx context.Context, projectID, taskID int64) (*models.Task, error)
	UpdateTask(ctx context.Context, u models.TaskUpdate) (bool, error)

	AppendHistory(ctx context.Context, entry *models.TaskHistory) (int64, error)
	ListHistory(ctx context.Context, projectID, taskID int64) ([]models.TaskHistory, error)
	SetActionText(ctx context.Context, historyID int64, text string) (bool, error)

	AdjustProjectCounters(ctx context.Context, projectID, mapped, validated, badImagery int64) error
	AdjustUserCounters(ctx context.Context, userID, mapped, validated, invalidated int64) error
}

// Directory is the read side of users, teams and projects.
type Directory interface {
	GetProject(ctx context.Context, projectID int64) (*models.ProjectConfig, error)
	IsBlocked(ctx context.Context, userID int64) (bool, error)
	MappingLevel(ctx context.Context, userID int64) (models.MappingLevel, error)
	HasAcceptedLicense(ctx context.Context, userID, licenseID int64) (bool, error)
	IsProjectManager(ctx context.Context, userID, projectID int64) (bool, error)
	ProjectTeams(ctx context.Context, projectID int64) ([]models.ProjectTeam, error)
	IsMember(ctx context.Context, teamID, userID int64) (bool, error)
}

// Backend is a persistence backend for the tasking engine. Getters return
// nil without error when the row does not exist.
type Backend interface {
	Directory

	WithTx(ctx context.Context, fn func(tx Tx) error) error

	GetTask(ctx context.Context, projectID, taskID int64) (*models.Task, error)
	ListTasks(ctx context.Context, projectID int64) ([]models.Task, error)
	ListHistory(ctx context.Context, projectID, taskID int64) ([]models.TaskHistory, error)
	ProjectCounters(ctx context.Context, projectID int64) (*models.ProjectCounters, error)
	UserCounters(ctx context.Context, userID int64) (*models.UserCounters, error)
	ActiveLockCount(ctx context.Context, userID int64) (int, error)
	ProjectLockCount(ctx context.Context, projectID int64) (int, error)
	// LockedTasks returns every locked task with the time its open lock
	// entry was written.
	LockedTasks(ctx context.Context) ([]models.StaleLock, error)

	Seed(ctx context.Context, f *Fixture) error
	Ping(ctx context.Context) error
	Close() error
}

// StaleLocks filters locks older than cutoff.
func StaleLocks(locks []models.StaleLock, cutoff time.Time) []models.StaleLock {
	var out []models.StaleLock
	for _, l := range locks {
		if l.LockedAt.Before(cutoff) {
			out = append(out, l)
		}
	}
	return out
}
