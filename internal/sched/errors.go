package sched

import "github.com/juju/errors"

const (
	// ErrStopped is returned from every blocking call once the kernel stops.
	ErrStopped = errors.ConstError("kernel stopped")

	// ErrNotCurrent means a task called into the kernel while another task
	// owned the CPU.
	ErrNotCurrent = errors.ConstError("task is not the current task")

	ErrUnknownTask = errors.ConstError("unknown task")
	ErrUnknownLock = errors.ConstError("unknown lock")

	// ErrStarted is returned by Spawn after Start.
	ErrStarted = errors.ConstError("kernel already started")
)
