package engine

import "github.com/cockroachdb/errors"

var (
	ErrStopped   = errors.New("task engine stopped")
	ErrStopping  = errors.New("task engine stopping")
	ErrQueueFull = errors.New("task engine queue full")
	ErrStale     = errors.New("task dropped: stale queue delay")
	ErrTimeout   = errors.New("task timed out")
)
