package pcp

import (
	"github.com/juju/errors"

	"pcpsched/internal/job"
)

const (
	// ErrLockUnavailable: the bounded acquire attempt timed out. The window's
	// critical section is skipped for the current period.
	ErrLockUnavailable = errors.ConstError("resource unavailable")

	// ErrInvalidRelease: a task released a resource it does not hold.
	ErrInvalidRelease = errors.ConstError("resource not held by task")

	// ErrNestingLimit: the task already holds as many resources as allowed.
	ErrNestingLimit = errors.ConstError("nesting limit reached")

	// ErrConfiguration is fatal and reported before any task starts.
	ErrConfiguration = job.ErrConfiguration
)
