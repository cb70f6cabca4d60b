package domain

import "errors"

var (
	// ErrNoCredentialAvailable means every credential is inactive, exhausted or unhealthy.
	// It is a normal result state, not a failure of the caller.
	ErrNoCredentialAvailable = errors.New("no credentials available")
	// ErrNoActiveCredentials is a setup-time failure: the pool has nothing configured at all.
	ErrNoActiveCredentials = errors.New("no active credentials configured")
	// ErrRateLimited is the upstream quota signal (HTTP 429).
	ErrRateLimited = errors.New("upstream rate limit exceeded")
	// ErrTransient covers timeouts, transport errors and 5xx responses.
	ErrTransient = errors.New("transient upstream error")
	// ErrUpstreamData is a malformed or unexpected response body.
	ErrUpstreamData = errors.New("unexpected upstream response")
	// ErrNotFound means upstream has no data for the indicator.
	ErrNotFound = errors.New("indicator not found upstream")
	// ErrAlreadyExported is returned as a non-error "already done" result.
	ErrAlreadyExported = errors.New("already exported")
	// ErrRunClosed is returned when a sync run is closed a second time.
	ErrRunClosed = errors.New("sync run already closed")
	// ErrJobRunning is returned when a job of the same type is in progress.
	ErrJobRunning = errors.New("job already running")
	// ErrCredentialNotFound is returned for unknown credential IDs.
	ErrCredentialNotFound = errors.New("credential not found")
	// ErrIndicatorNotFound is returned for unknown indicator record IDs.
	ErrIndicatorNotFound = errors.New("indicator record not found")
	// ErrRunNotFound is returned for unknown sync run IDs.
	ErrRunNotFound = errors.New("sync run not found")
)
