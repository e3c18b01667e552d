package executor

import "errors"

var (
	// ErrLocked is returned when another invocation holds the task lock
	ErrLocked = errors.New("task is locked by another run")

	// ErrTaskDisabled is returned when the task is not active
	ErrTaskDisabled = errors.New("task is disabled")

	// ErrNoData is returned when no source produced a usable dataset
	ErrNoData = errors.New("no data fetched")

	// ErrAllEmpty is returned when every source returned zero rows, so
	// there is nothing to attach
	ErrAllEmpty = errors.New("all sources returned empty datasets")
)

// errAny reports whether err matches any of the targets
func errAny(err error, targets ...error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
