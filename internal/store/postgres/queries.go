package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/brazilsinghrittik/hot-tasking-manager/internal/models"
	"github.com/brazilsinghrittik/hot-tasking-manager/internal/store"
)

// queries is shared by the store and its transactions. Inside a
// transaction lockRows makes GetTask take FOR UPDATE.
type queries struct {
	db       *gorm.DB
	lockRows bool
}

var _ store.Tx = (*queries)(nil)

func (q *queries) conn(ctx context.Context) *gorm.DB {
	return q.db.WithContext(ctx)
}

func (r taskRow) toModel() models.Task {
	t := models.Task{
		ProjectID:   r.ProjectID,
		ID:          r.ID,
		Status:      models.TaskStatus(r.Status),
		LockedBy:    r.LockedBy,
		MappedBy:    r.MappedBy,
		ValidatedBy: r.ValidatedBy,
		UpdatedAt:   r.UpdatedAt.UTC(),
	}
	if r.Geometry != nil && *r.Geometry != "" {
		t.Geometry = json.RawMessage(*r.Geometry)
	}
	return t
}

func (r historyRow) toModel() models.TaskHistory {
	h := models.TaskHistory{
		ID:            r.ID,
		ProjectID:     r.ProjectID,
		TaskID:        r.TaskID,
		UserID:        r.UserID,
		Action:        models.ActionKind(r.Action),
		ActionText:    r.ActionText,
		ActionDate:    r.ActionDate.UTC(),
		CountedUserID: r.CountedUserID,
		PriorMappedBy: r.PriorMappedBy,
	}
	if r.Origin != nil {
		h.Origin = models.SettleOrigin(*r.Origin)
	}
	return h
}

// --- Task Operations ---

// GetTask retrieves a task, or nil if it does not exist.
func (q *queries) GetTask(ctx context.Context, projectID, taskID int64) (*models.Task, error) {
	db := q.conn(ctx)
	if q.lockRows {
		db = db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var row taskRow
	err := db.Where("project_id = ? AND id = ?", projectID, taskID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	t := row.toModel()
	return &t, nil
}

// ListTasks returns a project's tasks ordered by id.
func (q *queries) ListTasks(ctx context.Context, projectID int64) ([]models.Task, error) {
	var rows []taskRow
	if err := q.conn(ctx).Where("project_id = ?", projectID).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	tasks := make([]models.Task, 0, len(rows))
	for _, r := range rows {
		tasks = append(tasks, r.toModel())
	}
	return tasks, nil
}

// UpdateTask applies a conditional write and reports whether the row matched.
func (q *queries) UpdateTask(ctx context.Context, u models.TaskUpdate) (bool, error) {
	if len(u.FromStatuses) == 0 {
		return false, fmt.Errorf("update task: no expected statuses")
	}
	from := make([]string, len(u.FromStatuses))
	for i, s := range u.FromStatuses {
		from[i] = string(s)
	}

	db := q.conn(ctx).Model(&taskRow{}).
		Where("project_id = ? AND id = ? AND status IN ?", u.ProjectID, u.TaskID, from)
	if u.ExpectLockedBy != nil {
		db = db.Where("locked_by = ?", *u.ExpectLockedBy)
	}
	result := db.Updates(map[string]interface{}{
		"status":       string(u.Status),
		"locked_by":    u.LockedBy,
		"mapped_by":    u.MappedBy,
		"validated_by": u.ValidatedBy,
		"updated_at":   u.UpdatedAt.UTC(),
	})
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return false, store.ErrUserHasLock
		}
		return false, fmt.Errorf("update task: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// ActiveLockCount returns how many tasks userID holds locked.
func (q *queries) ActiveLockCount(ctx context.Context, userID int64) (int, error) {
	var n int64
	if err := q.conn(ctx).Model(&taskRow{}).Where("locked_by = ?", userID).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count locks: %w", err)
	}
	return int(n), nil
}

// ProjectLockCount returns how many of a project's tasks are locked.
func (q *queries) ProjectLockCount(ctx context.Context, projectID int64) (int, error) {
	var n int64
	err := q.conn(ctx).Model(&taskRow{}).
		Where("project_id = ? AND locked_by IS NOT NULL", projectID).Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count project locks: %w", err)
	}
	return int(n), nil
}

// LockedTasks returns locked tasks together with the time of their open
// lock entry.
func (q *queries) LockedTasks(ctx context.Context) ([]models.StaleLock, error) {
	var rows []struct {
		ProjectID  int64
		TaskID     int64
		Status     string
		LockedBy   int64
		ActionDate *time.Time
	}
	err := q.conn(ctx).Raw(`
		SELECT t.project_id, t.id AS task_id, t.status, t.locked_by, h.action_date
		FROM tasks t
		LEFT JOIN LATERAL (
			SELECT h2.action_date FROM task_history h2
			WHERE h2.project_id = t.project_id AND h2.task_id = t.id
			  AND h2.action IN ? AND h2.action_text IS NULL
			ORDER BY h2.id DESC LIMIT 1) h ON true
		WHERE t.locked_by IS NOT NULL
		ORDER BY t.project_id, t.id`,
		[]string{string(models.ActionLockedForMapping), string(models.ActionLockedForValidation)},
	).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query locked tasks: %w", err)
	}

	locks := make([]models.StaleLock, 0, len(rows))
	for _, r := range rows {
		l := models.StaleLock{
			ProjectID: r.ProjectID,
			TaskID:    r.TaskID,
			Status:    models.TaskStatus(r.Status),
			LockedBy:  r.LockedBy,
		}
		if r.ActionDate != nil {
			l.LockedAt = r.ActionDate.UTC()
		}
		locks = append(locks, l)
	}
	return locks, nil
}

// --- History Operations ---

// AppendHistory inserts a ledger entry and returns its id.
func (q *queries) AppendHistory(ctx context.Context, e *models.TaskHistory) (int64, error) {
	row := historyRow{
		ProjectID:     e.ProjectID,
		TaskID:        e.TaskID,
		UserID:        e.UserID,
		Action:        string(e.Action),
		ActionText:    e.ActionText,
		ActionDate:    e.ActionDate.UTC(),
		CountedUserID: e.CountedUserID,
		PriorMappedBy: e.PriorMappedBy,
	}
	if e.Origin != "" {
		origin := string(e.Origin)
		row.Origin = &origin
	}
	if err := q.conn(ctx).Create(&row).Error; err != nil {
		return 0, fmt.Errorf("insert history: %w", err)
	}
	e.ID = row.ID
	return row.ID, nil
}

// ListHistory returns a task's ledger entries oldest first.
func (q *queries) ListHistory(ctx context.Context, projectID, taskID int64) ([]models.TaskHistory, error) {
	var rows []historyRow
	err := q.conn(ctx).Where("project_id = ? AND task_id = ?", projectID, taskID).Order("id").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	entries := make([]models.TaskHistory, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, r.toModel())
	}
	return entries, nil
}

// SetActionText fills the text of an entry that has none yet.
func (q *queries) SetActionText(ctx context.Context, historyID int64, text string) (bool, error) {
	result := q.conn(ctx).Model(&historyRow{}).
		Where("id = ? AND action_text IS NULL", historyID).
		Update("action_text", text)
	if result.Error != nil {
		return false, fmt.Errorf("amend history: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// --- Counter Operations ---

// AdjustProjectCounters adds to a project's status buckets.
func (q *queries) AdjustProjectCounters(ctx context.Context, projectID, mapped, validated, badImagery int64) error {
	result := q.conn(ctx).Model(&projectRow{}).Where("id = ?", projectID).Updates(map[string]interface{}{
		"tasks_mapped":      gorm.Expr("tasks_mapped + ?", mapped),
		"tasks_validated":   gorm.Expr("tasks_validated + ?", validated),
		"tasks_bad_imagery": gorm.Expr("tasks_bad_imagery + ?", badImagery),
	})
	if result.Error != nil {
		if isCheckViolation(result.Error) {
			return fmt.Errorf("project %d: %w", projectID, store.ErrCounterUnderflow)
		}
		return fmt.Errorf("adjust project counters: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("project %d: %w", projectID, store.ErrUnknownProject)
	}
	return nil
}

// AdjustUserCounters adds to a user's lifetime counters, creating the user
// row on first credit.
func (q *queries) AdjustUserCounters(ctx context.Context, userID, mapped, validated, invalidated int64) error {
	db := q.conn(ctx)
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&userRow{ID: userID}).Error; err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	err := db.Model(&userRow{}).Where("id = ?", userID).Updates(map[string]interface{}{
		"tasks_mapped":      gorm.Expr("tasks_mapped + ?", mapped),
		"tasks_validated":   gorm.Expr("tasks_validated + ?", validated),
		"tasks_invalidated": gorm.Expr("tasks_invalidated + ?", invalidated),
	}).Error
	if err != nil {
		if isCheckViolation(err) {
			return fmt.Errorf("user %d: %w", userID, store.ErrCounterUnderflow)
		}
		return fmt.Errorf("adjust user counters: %w", err)
	}
	return nil
}

// ProjectCounters returns a project's counters, or nil if it does not exist.
func (q *queries) ProjectCounters(ctx context.Context, projectID int64) (*models.ProjectCounters, error) {
	db := q.conn(ctx)
	var p projectRow
	err := db.Where("id = ?", projectID).Take(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query project counters: %w", err)
	}
	var total int64
	if err := db.Model(&taskRow{}).Where("project_id = ?", projectID).Count(&total).Error; err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	return &models.ProjectCounters{
		ProjectID:       projectID,
		TotalTasks:      total,
		TasksMapped:     p.TasksMapped,
		TasksValidated:  p.TasksValidated,
		TasksBadImagery: p.TasksBadImagery,
	}, nil
}

// UserCounters returns a user's lifetime counters; unknown users have zeros.
func (q *queries) UserCounters(ctx context.Context, userID int64) (*models.UserCounters, error) {
	c := &models.UserCounters{UserID: userID}
	var u userRow
	err := q.conn(ctx).Where("id = ?", userID).Take(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query user counters: %w", err)
	}
	c.TasksMapped = u.TasksMapped
	c.TasksValidated = u.TasksValidated
	c.TasksInvalidated = u.TasksInvalidated
	return c, nil
}
