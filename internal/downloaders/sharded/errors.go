package sharded

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidPlan      = errors.New("invalid shard plan")
	ErrRangeUnsupported = errors.New("range requests are not supported")
	ErrTooManyRedirects = errors.New("too many redirects")
	ErrProbeFailed      = errors.New("probe failed")
	ErrNetwork          = errors.New("network error")
	ErrDownloadFailed   = errors.New("shard download failed")
	ErrProgressCorrupt  = errors.New("progress record corrupt")
	ErrMergeIncomplete  = errors.New("merge incomplete")
)

// ShardError reports the shard that ended a task and how far it got, so a later run
// against the same destination knows where it resumes.
type ShardError struct {
	Shard    int
	Start    int64
	End      int64
	Offset   int64 // absolute byte offset reached
	Attempts int
	Err      error
}

func (e *ShardError) Error() string {
	return fmt.Sprintf("shard %d (bytes %d-%d) failed at byte %d after %d attempt(s): %v", e.Shard, e.Start, e.End, e.Offset, e.Attempts, e.Err)
}

func (e *ShardError) Unwrap() []error {
	return []error{ErrDownloadFailed, e.Err}
}

func asNetworkError(err error) error {
	return fmt.Errorf("%w: %w", ErrNetwork, err)
}
