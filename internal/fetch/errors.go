package fetch

import "errors"

// Resolution-phase failures. Either one is fatal to the job that hit it.
var (
	ErrTargetNotFound = errors.New("target not found")
	ErrAccessDenied   = errors.New("access denied")
)

// ErrTransientFetch marks a single-item network or timeout failure. The worker
// counts it as a failed item and moves on.
var ErrTransientFetch = errors.New("transient fetch error")

// ErrRateLimited is returned at the edge when the access governor rejects a
// caller, before any job exists.
var ErrRateLimited = errors.New("rate limit exceeded")

// ErrStorage wraps per-file filesystem failures during cleanup.
var ErrStorage = errors.New("storage error")

// ErrConfiguration marks invalid caps or budgets supplied at construction.
var ErrConfiguration = errors.New("invalid configuration")

// Registry errors.
var (
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job status transition")
	ErrJobCanceled       = errors.New("job canceled")
)
