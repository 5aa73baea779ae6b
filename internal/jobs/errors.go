package jobs

import "errors"

var (
	// ErrValidation marks caller mistakes (bad weekday, bad offset).
	ErrValidation = errors.New("jobs: validation failed")

	// ErrNotFound means the referenced training or job does not exist.
	ErrNotFound = errors.New("jobs: not found")

	// ErrSchedulerUnavailable means scheduling is degraded: the trigger
	// runtime is disabled or not running, or the durable job store
	// rejected the write. Callers log and continue; the bot stays usable.
	ErrSchedulerUnavailable = errors.New("jobs: scheduler unavailable")

	// ErrConfigRead means day or broadcast configuration could not be
	// read; reminder handlers fall back to a placeholder payload.
	ErrConfigRead = errors.New("jobs: config read failed")
)
