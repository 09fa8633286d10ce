// Package stats maintains project and user progress counters.
package stats

import (
	"context"
	"fmt"

	"github.com/brazilsinghrittik/hot-tasking-manager/internal/models"
)

// Store applies counter adjustments. Implementations are bound to the
// transaction that performs the settle.
type Store interface {
	AdjustProjectCounters(ctx context.Context, projectID, mapped, validated, badImagery int64) error
	AdjustUserCounters(ctx context.Context, userID, mapped, validated, invalidated int64) error
}

// Delta is the counter change for one settle.
type Delta struct {
	Mapped     int64
	Validated  int64
	BadImagery int64

	// User is the credited user, nil when nobody is credited.
	User            *int64
	UserMapped      int64
	UserValidated   int64
	UserInvalidated int64
}

// IsZero reports whether applying d changes nothing.
func (d Delta) IsZero() bool {
	return d.Mapped == 0 && d.Validated == 0 && d.BadImagery == 0 &&
		d.UserMapped == 0 && d.UserValidated == 0 && d.UserInvalidated == 0
}

// ComputeDelta moves a task out of prev's project bucket into next's and
// credits user with next. A settle that does not change status is a no-op.
func ComputeDelta(prev, next models.TaskStatus, user *int64) Delta {
	var d Delta
	if prev == next {
		return d
	}
	d.bucket(prev, -1)
	d.bucket(next, 1)

	if user == nil {
		return d
	}
	switch next {
	case models.TaskStatusMapped:
		d.UserMapped = 1
	case models.TaskStatusValidated:
		d.UserValidated = 1
	case models.TaskStatusInvalidated:
		d.UserInvalidated = 1
	default:
		return d
	}
	d.User = user
	return d
}

func (d *Delta) bucket(s models.TaskStatus, n int64) {
	switch s {
	case models.TaskStatusMapped:
		d.Mapped += n
	case models.TaskStatusValidated:
		d.Validated += n
	case models.TaskStatusBadImagery:
		d.BadImagery += n
	}
}

// Negate returns the delta that reverses d.
func (d Delta) Negate() Delta {
	return Delta{
		Mapped:          -d.Mapped,
		Validated:       -d.Validated,
		BadImagery:      -d.BadImagery,
		User:            d.User,
		UserMapped:      -d.UserMapped,
		UserValidated:   -d.UserValidated,
		UserInvalidated: -d.UserInvalidated,
	}
}

// CreditedUser returns whose lifetime counter a settle increments.
// Invalidation is charged to the mapper whose work was rejected.
func CreditedUser(kind models.LockKind, outcome models.TaskStatus, actor int64, mappedBy *int64) *int64 {
	switch {
	case kind == models.LockMapping && outcome == models.TaskStatusMapped:
		return &actor
	case kind == models.LockValidation && outcome == models.TaskStatusValidated:
		return &actor
	case kind == models.LockValidation && outcome == models.TaskStatusInvalidated:
		if mappedBy == nil {
			return nil
		}
		mapper := *mappedBy
		return &mapper
	}
	return nil
}

// Counters applies settle and undo deltas.
type Counters struct {
	store Store
}

// NewCounters creates counters over the given store.
func NewCounters(s Store) *Counters {
	return &Counters{store: s}
}

// ApplySettle records a committed settle from prev to next.
func (c *Counters) ApplySettle(ctx context.Context, projectID int64, prev, next models.TaskStatus, credited *int64) error {
	return c.apply(ctx, projectID, ComputeDelta(prev, next, credited))
}

// ApplyUndo reverses the settle that moved a task from restored to undone
// and credited counted.
func (c *Counters) ApplyUndo(ctx context.Context, projectID int64, undone, restored models.TaskStatus, counted *int64) error {
	return c.apply(ctx, projectID, ComputeDelta(restored, undone, counted).Negate())
}

func (c *Counters) apply(ctx context.Context, projectID int64, d Delta) error {
	if d.IsZero() {
		return nil
	}
	if d.Mapped != 0 || d.Validated != 0 || d.BadImagery != 0 {
		if err := c.store.AdjustProjectCounters(ctx, projectID, d.Mapped, d.Validated, d.BadImagery); err != nil {
			return fmt.Errorf("adjust project %d counters: %w", projectID, err)
		}
	}
	if d.User != nil {
		if err := c.store.AdjustUserCounters(ctx, *d.User, d.UserMapped, d.UserValidated, d.UserInvalidated); err != nil {
			return fmt.Errorf("adjust user %d counters: %w", *d.User, err)
		}
	}
	return nil
}
