package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/brazilsinghrittik/hot-tasking-manager/internal/models"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// queries holds the SQL shared by the store and its transactions.
type queries struct {
	q dbtx
}

// --- Task Operations ---

const taskColumns = `project_id, id, status, locked_by, mapped_by, validated_by, geometry, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	var task models.Task
	var lockedBy, mappedBy, validatedBy sql.NullInt64
	var geometry sql.NullString
	if err := row.Scan(&task.ProjectID, &task.ID, &task.Status, &lockedBy, &mappedBy, &validatedBy, &geometry, &task.UpdatedAt); err != nil {
		return nil, err
	}
	task.LockedBy = nullInt(lockedBy)
	task.MappedBy = nullInt(mappedBy)
	task.ValidatedBy = nullInt(validatedBy)
	if geometry.Valid && geometry.String != "" {
		task.Geometry = json.RawMessage(geometry.String)
	}
	return &task, nil
}

func nullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func intArg(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

// GetTask retrieves a task, or nil if it does not exist.
func (q queries) GetTask(ctx context.Context, projectID, taskID int64) (*models.Task, error) {
	task, err := scanTask(q.q.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE project_id = ? AND id = ?`,
		projectID, taskID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	return task, nil
}

// ListTasks returns a project's tasks ordered by id.
func (q queries) ListTasks(ctx context.Context, projectID int64) ([]models.Task, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE project_id = ? ORDER BY id`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

// UpdateTask applies a conditional write and reports whether the row matched.
func (q queries) UpdateTask(ctx context.Context, u models.TaskUpdate) (bool, error) {
	if len(u.FromStatuses) == 0 {
		return false, fmt.Errorf("update task: no expected statuses")
	}

	query := `UPDATE tasks SET status = ?, locked_by = ?, mapped_by = ?, validated_by = ?, updated_at = ?
		WHERE project_id = ? AND id = ? AND status IN (?` + strings.Repeat(", ?", len(u.FromStatuses)-1) + `)`
	args := []interface{}{u.Status, intArg(u.LockedBy), intArg(u.MappedBy), intArg(u.ValidatedBy), u.UpdatedAt.UTC(), u.ProjectID, u.TaskID}
	for _, s := range u.FromStatuses {
		args = append(args, s)
	}
	if u.ExpectLockedBy != nil {
		query += ` AND locked_by = ?`
		args = append(args, *u.ExpectLockedBy)
	}

	result, err := q.q.ExecContext(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return false, ErrUserHasLock
		}
		return false, fmt.Errorf("update task: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

// ActiveLockCount returns how many tasks userID holds locked.
func (q queries) ActiveLockCount(ctx context.Context, userID int64) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE locked_by = ?`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count locks: %w", err)
	}
	return n, nil
}

// ProjectLockCount returns how many of a project's tasks are locked.
func (q queries) ProjectLockCount(ctx context.Context, projectID int64) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE project_id = ? AND locked_by IS NOT NULL`, projectID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count project locks: %w", err)
	}
	return n, nil
}

// LockedTasks returns locked tasks together with the time of their open
// lock entry. Tasks whose lock entry is missing report a zero time.
func (q queries) LockedTasks(ctx context.Context) ([]models.StaleLock, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT t.project_id, t.id, t.status, t.locked_by, h.action_date
		FROM tasks t
		LEFT JOIN task_history h ON h.id = (
			SELECT MAX(h2.id) FROM task_history h2
			WHERE h2.project_id = t.project_id AND h2.task_id = t.id
			  AND h2.action IN (?, ?) AND h2.action_text IS NULL)
		WHERE t.locked_by IS NOT NULL
		ORDER BY t.project_id, t.id`,
		models.ActionLockedForMapping, models.ActionLockedForValidation,
	)
	if err != nil {
		return nil, fmt.Errorf("query locked tasks: %w", err)
	}
	defer rows.Close()

	var locks []models.StaleLock
	for rows.Next() {
		var l models.StaleLock
		var lockedAt sql.NullTime
		if err := rows.Scan(&l.ProjectID, &l.TaskID, &l.Status, &l.LockedBy, &lockedAt); err != nil {
			return nil, fmt.Errorf("scan locked task: %w", err)
		}
		if lockedAt.Valid {
			l.LockedAt = lockedAt.Time
		}
		locks = append(locks, l)
	}
	return locks, rows.Err()
}

// --- History Operations ---

// AppendHistory inserts a ledger entry and returns its id.
func (q queries) AppendHistory(ctx context.Context, e *models.TaskHistory) (int64, error) {
	var origin interface{}
	if e.Origin != "" {
		origin = string(e.Origin)
	}
	var text interface{}
	if e.ActionText != nil {
		text = *e.ActionText
	}
	result, err := q.q.ExecContext(ctx,
		`INSERT INTO task_history (project_id, task_id, user_id, action, action_text, action_date, origin, counted_user_id, prior_mapped_by)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ProjectID, e.TaskID, e.UserID, e.Action, text, e.ActionDate.UTC(), origin, intArg(e.CountedUserID), intArg(e.PriorMappedBy),
	)
	if err != nil {
		return 0, fmt.Errorf("insert history: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("history id: %w", err)
	}
	e.ID = id
	return id, nil
}

// ListHistory returns a task's ledger entries oldest first.
func (q queries) ListHistory(ctx context.Context, projectID, taskID int64) ([]models.TaskHistory, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT id, project_id, task_id, user_id, action, action_text, action_date, origin, counted_user_id, prior_mapped_by
		 FROM task_history WHERE project_id = ? AND task_id = ? ORDER BY id`,
		projectID, taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []models.TaskHistory
	for rows.Next() {
		var e models.TaskHistory
		var text, origin sql.NullString
		var counted, priorMapper sql.NullInt64
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.TaskID, &e.UserID, &e.Action, &text, &e.ActionDate, &origin, &counted, &priorMapper); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		if text.Valid {
			t := text.String
			e.ActionText = &t
		}
		if origin.Valid {
			e.Origin = models.SettleOrigin(origin.String)
		}
		e.CountedUserID = nullInt(counted)
		e.PriorMappedBy = nullInt(priorMapper)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SetActionText fills the text of an entry that has none yet.
func (q queries) SetActionText(ctx context.Context, historyID int64, text string) (bool, error) {
	result, err := q.q.ExecContext(ctx,
		`UPDATE task_history SET action_text = ? WHERE id = ? AND action_text IS NULL`,
		text, historyID,
	)
	if err != nil {
		return false, fmt.Errorf("amend history: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n == 1, nil
}

// --- Counter Operations ---

// AdjustProjectCounters adds to a project's status buckets.
func (q queries) AdjustProjectCounters(ctx context.Context, projectID, mapped, validated, badImagery int64) error {
	result, err := q.q.ExecContext(ctx,
		`UPDATE projects SET tasks_mapped = tasks_mapped + ?, tasks_validated = tasks_validated + ?,
			tasks_bad_imagery = tasks_bad_imagery + ? WHERE id = ?`,
		mapped, validated, badImagery, projectID,
	)
	if err != nil {
		if isCheckViolation(err) {
			return fmt.Errorf("project %d: %w", projectID, ErrCounterUnderflow)
		}
		return fmt.Errorf("adjust project counters: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("project %d: %w", projectID, ErrUnknownProject)
	}
	return nil
}

// AdjustUserCounters adds to a user's lifetime counters, creating the user
// row on first credit.
func (q queries) AdjustUserCounters(ctx context.Context, userID, mapped, validated, invalidated int64) error {
	if _, err := q.q.ExecContext(ctx, `INSERT OR IGNORE INTO users (id) VALUES (?)`, userID); err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	_, err := q.q.ExecContext(ctx,
		`UPDATE users SET tasks_mapped = tasks_mapped + ?, tasks_validated = tasks_validated + ?,
			tasks_invalidated = tasks_invalidated + ? WHERE id = ?`,
		mapped, validated, invalidated, userID,
	)
	if err != nil {
		if isCheckViolation(err) {
			return fmt.Errorf("user %d: %w", userID, ErrCounterUnderflow)
		}
		return fmt.Errorf("adjust user counters: %w", err)
	}
	return nil
}

// ProjectCounters returns a project's counters, or nil if it does not exist.
func (q queries) ProjectCounters(ctx context.Context, projectID int64) (*models.ProjectCounters, error) {
	c := &models.ProjectCounters{ProjectID: projectID}
	err := q.q.QueryRowContext(ctx,
		`SELECT p.tasks_mapped, p.tasks_validated, p.tasks_bad_imagery,
			(SELECT COUNT(*) FROM tasks t WHERE t.project_id = p.id)
		 FROM projects p WHERE p.id = ?`,
		projectID,
	).Scan(&c.TasksMapped, &c.TasksValidated, &c.TasksBadImagery, &c.TotalTasks)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query project counters: %w", err)
	}
	return c, nil
}

// UserCounters returns a user's lifetime counters; unknown users have zeros.
func (q queries) UserCounters(ctx context.Context, userID int64) (*models.UserCounters, error) {
	c := &models.UserCounters{UserID: userID}
	err := q.q.QueryRowContext(ctx,
		`SELECT tasks_mapped, tasks_validated, tasks_invalidated FROM users WHERE id = ?`, userID,
	).Scan(&c.TasksMapped, &c.TasksValidated, &c.TasksInvalidated)
	if err == sql.ErrNoRows {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query user counters: %w", err)
	}
	return c, nil
}
