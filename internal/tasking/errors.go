package tasking

import (
	"errors"
	"fmt"

	"github.com/brazilsinghrittik/hot-tasking-manager/internal/audit"
	"github.com/brazilsinghrittik/hot-tasking-manager/internal/permission"
	"github.com/brazilsinghrittik/hot-tasking-manager/internal/store"
	"github.com/brazilsinghrittik/hot-tasking-manager/internal/taskstate"
)

// Sentinel errors for tasking operations.
var (
	ErrTaskNotFound     = errors.New("task not found")
	ErrProjectNotFound  = errors.New("project not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrConcurrentUpdate = errors.New("task changed concurrently")

	ErrNotMappable         = taskstate.ErrNotMappable
	ErrNotValidatable      = taskstate.ErrNotValidatable
	ErrNotLockHolder       = taskstate.ErrNotLockHolder
	ErrInvalidOutcome      = taskstate.ErrInvalidOutcome
	ErrTaskLocked          = taskstate.ErrTaskLocked
	ErrNothingToUndo       = audit.ErrNothingToUndo
	ErrInconsistentHistory = audit.ErrInconsistentHistory
)

// PermissionError is a permission denial with its reason. It matches
// ErrPermissionDenied.
type PermissionError struct {
	Reason permission.Reason
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission denied: %s", e.Reason)
}

func (e *PermissionError) Is(target error) bool {
	return target == ErrPermissionDenied
}

func denied(r permission.Reason) error {
	return &PermissionError{Reason: r}
}

// IsConflict reports a state-conflict error.
func IsConflict(err error) bool {
	for _, target := range []error{
		ErrNotMappable, ErrNotValidatable, ErrNotLockHolder,
		ErrTaskLocked, ErrNothingToUndo, ErrConcurrentUpdate, taskstate.ErrStaleLock,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsConsistencyError reports a broken ledger or counter invariant.
func IsConsistencyError(err error) bool {
	return errors.Is(err, ErrInconsistentHistory) || errors.Is(err, store.ErrCounterUnderflow)
}
