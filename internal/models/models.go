// Package models defines the core domain types for the tasking engine.
package models

import (
	"encoding/json"
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskStatusReady               TaskStatus = "READY"
	TaskStatusLockedForMapping    TaskStatus = "LOCKED_FOR_MAPPING"
	TaskStatusMapped              TaskStatus = "MAPPED"
	TaskStatusLockedForValidation TaskStatus = "LOCKED_FOR_VALIDATION"
	TaskStatusValidated           TaskStatus = "VALIDATED"
	TaskStatusInvalidated         TaskStatus = "INVALIDATED"
	TaskStatusBadImagery          TaskStatus = "BADIMAGERY"
)

// AllStatuses returns every task status in lifecycle order.
func AllStatuses() []TaskStatus {
	return []TaskStatus{
		TaskStatusReady,
		TaskStatusLockedForMapping,
		TaskStatusMapped,
		TaskStatusLockedForValidation,
		TaskStatusValidated,
		TaskStatusInvalidated,
		TaskStatusBadImagery,
	}
}

// IsValid reports whether s is a known status.
func (s TaskStatus) IsValid() bool {
	for _, known := range AllStatuses() {
		if s == known {
			return true
		}
	}
	return false
}

// IsLocked reports whether s is one of the two lock states.
func (s TaskStatus) IsLocked() bool {
	return s == TaskStatusLockedForMapping || s == TaskStatusLockedForValidation
}

// IsSettled reports whether s is a status a task holds between work sessions.
func (s TaskStatus) IsSettled() bool {
	return s.IsValid() && !s.IsLocked()
}

// ParseTaskStatus converts a string to a TaskStatus.
func ParseTaskStatus(s string) (TaskStatus, bool) {
	status := TaskStatus(s)
	return status, status.IsValid()
}

// Task is a spatial unit of mapping work, unique within its project.
type Task struct {
	ProjectID   int64           `json:"project_id"`
	ID          int64           `json:"task_id"`
	Status      TaskStatus      `json:"status"`
	LockedBy    *int64          `json:"locked_by,omitempty"`
	MappedBy    *int64          `json:"mapped_by,omitempty"`
	ValidatedBy *int64          `json:"validated_by,omitempty"`
	Geometry    json.RawMessage `json:"geometry,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// LockConsistent reports whether the locked_by/status invariant holds.
func (t *Task) LockConsistent() bool {
	return (t.LockedBy != nil) == t.Status.IsLocked()
}

// ActionKind is the persisted action column of a ledger entry.
type ActionKind string

const (
	ActionLockedForMapping    ActionKind = "LOCKED_FOR_MAPPING"
	ActionLockedForValidation ActionKind = "LOCKED_FOR_VALIDATION"
	ActionStateChange         ActionKind = "STATE_CHANGE"
	ActionComment             ActionKind = "COMMENT"
)

// SettleOrigin records what produced a STATE_CHANGE entry.
type SettleOrigin string

const (
	OriginUser       SettleOrigin = "USER"
	OriginUndo       SettleOrigin = "UNDO"
	OriginAutoUnlock SettleOrigin = "AUTO_UNLOCK"
	// OriginImport marks the starting status of a task loaded from a fixture.
	OriginImport SettleOrigin = "IMPORT"
)

// Undoable reports whether an undo may reverse a settle of this origin.
func (o SettleOrigin) Undoable() bool {
	return o == OriginUser || o == ""
}

// TaskHistory is an append-only ledger entry.
type TaskHistory struct {
	ID         int64        `json:"id"`
	TaskID     int64        `json:"task_id"`
	ProjectID  int64        `json:"project_id"`
	UserID     int64        `json:"user_id"`
	Action     ActionKind   `json:"action"`
	ActionText *string      `json:"action_text,omitempty"`
	ActionDate time.Time    `json:"action_date"`
	Origin     SettleOrigin `json:"origin,omitempty"`
	// CountedUserID is the user whose lifetime counter this settle incremented.
	CountedUserID *int64 `json:"counted_user_id,omitempty"`
	// PriorMappedBy is the task's mapped_by before this settle.
	PriorMappedBy *int64 `json:"prior_mapped_by,omitempty"`
}

// ProjectCounters are current-state aggregates: each settled task sits in at most one bucket.
type ProjectCounters struct {
	ProjectID       int64 `json:"project_id"`
	TotalTasks      int64 `json:"total_tasks"`
	TasksMapped     int64 `json:"tasks_mapped"`
	TasksValidated  int64 `json:"tasks_validated"`
	TasksBadImagery int64 `json:"tasks_bad_imagery"`
}

// UserCounters are lifetime-cumulative; they only go down on an explicit undo.
type UserCounters struct {
	UserID           int64 `json:"user_id"`
	TasksMapped      int64 `json:"tasks_mapped"`
	TasksValidated   int64 `json:"tasks_validated"`
	TasksInvalidated int64 `json:"tasks_invalidated"`
}

// StaleLock is a task whose open lock entry is older than a cutoff.
type StaleLock struct {
	ProjectID int64      `json:"project_id"`
	TaskID    int64      `json:"task_id"`
	Status    TaskStatus `json:"status"`
	LockedBy  int64      `json:"locked_by"`
	LockedAt  time.Time  `json:"locked_at"`
}

// LockKind distinguishes the two kinds of work session.
type LockKind int

const (
	LockMapping LockKind = iota + 1
	LockValidation
)

func (k LockKind) String() string {
	switch k {
	case LockMapping:
		return "mapping"
	case LockValidation:
		return "validation"
	}
	return "unknown"
}

// LockedStatus is the task status held while a lock of this kind is open.
func (k LockKind) LockedStatus() TaskStatus {
	if k == LockValidation {
		return TaskStatusLockedForValidation
	}
	return TaskStatusLockedForMapping
}

// Action is the ledger action recorded when a lock of this kind opens.
func (k LockKind) Action() ActionKind {
	if k == LockValidation {
		return ActionLockedForValidation
	}
	return ActionLockedForMapping
}

// LockKindOf maps a locked status back to its kind.
func LockKindOf(s TaskStatus) (LockKind, bool) {
	switch s {
	case TaskStatusLockedForMapping:
		return LockMapping, true
	case TaskStatusLockedForValidation:
		return LockValidation, true
	}
	return 0, false
}

// TaskUpdate is a conditional write of a task row. The write only applies
// when the row's status is one of FromStatuses and, if ExpectLockedBy is
// set, the row is locked by that user.
type TaskUpdate struct {
	ProjectID      int64
	TaskID         int64
	FromStatuses   []TaskStatus
	ExpectLockedBy *int64

	Status      TaskStatus
	LockedBy    *int64
	MappedBy    *int64
	ValidatedBy *int64
	UpdatedAt   time.Time
}
