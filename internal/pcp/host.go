package pcp

import (
	"context"

	"pcpsched/internal/sched"
)

// Host is the scheduler the engine runs on. It owns task creation,
// dispatching, time and the raw locks; the engine only decides which
// priority a task should run at.
type Host interface {
	Spawn(name string, priority int, run func(ctx context.Context) error) (sched.TaskID, error)
	NewLock(name string) sched.LockID

	Now() sched.Tick
	Execute(ctx context.Context, id sched.TaskID, n sched.Tick) error
	DelayUntil(ctx context.Context, id sched.TaskID, ref *sched.Tick, increment sched.Tick) error

	SetPriority(id sched.TaskID, priority int) error
	GetPriority(id sched.TaskID) int

	TryLock(ctx context.Context, id sched.TaskID, l sched.LockID, timeout sched.Tick) (bool, error)
	Unlock(id sched.TaskID, l sched.LockID) bool
	LockHolder(l sched.LockID) (sched.TaskID, bool)
}

var _ Host = (*sched.Kernel)(nil)
