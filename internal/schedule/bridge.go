// Package schedule manages the recurring invocation of tasks: a
// narrow bridge over the host OS task scheduler, plus an in-process
// cron daemon for hosts without one. The core pipeline never sees the
// shelling-out or locale-dependent text scraping hidden behind the
// Bridge interface.
package schedule

import (
	"context"
	"errors"

	"github.com/blacksamuraiiii/baichuan-assistant/internal/model"
	"github.com/blacksamuraiiii/baichuan-assistant/internal/store"
)

// Status is the parsed state of a scheduler entry
type Status string

const (
	StatusReady    Status = "ready"
	StatusDisabled Status = "disabled"
	StatusRunning  Status = "running"
	StatusUnknown  Status = "unknown"
	StatusNotFound Status = "not_found"
	StatusError    Status = "error"
)

// ErrScheduleNotFound is returned when an entry to enable does not exist
var ErrScheduleNotFound = errors.New("scheduled task not found")

// Bridge registers and controls recurring task invocations with the
// host scheduler
type Bridge interface {
	// Register creates or replaces the recurring entry for the task
	Register(ctx context.Context, taskName string, policy model.SchedulePolicy) error

	// Enable re-enables a disabled entry
	Enable(ctx context.Context, taskName string) error

	// Disable disables the entry without removing it
	Disable(ctx context.Context, taskName string) error

	// Delete removes the entry. Deleting an absent entry is success.
	Delete(ctx context.Context, taskName string) error

	// Query returns the entry's current status
	Query(ctx context.Context, taskName string) Status

	// List returns the task names with managed entries
	List(ctx context.Context) ([]string, error)
}

// Unregister removes the recurring invocation for a task, handling
// each scheduler state: an absent entry only needs the stored flag
// flipped, a disabled entry is deleted directly, an enabled entry is
// disabled first.
func Unregister(ctx context.Context, br Bridge, st *store.Store, taskName string) error {
	switch br.Query(ctx, taskName) {
	case StatusNotFound:
		task, err := st.Get(taskName)
		if err != nil {
			if errors.Is(err, store.ErrTaskNotFound) {
				return nil
			}
			return err
		}
		task.Schedule.Enabled = false
		return st.Upsert(task)
	case StatusDisabled:
		return br.Delete(ctx, taskName)
	default:
		if err := br.Disable(ctx, taskName); err != nil {
			return err
		}
		return br.Delete(ctx, taskName)
	}
}
