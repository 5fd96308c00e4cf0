// internal/sched/task.go

package sched

import "context"

// TaskID uniquely identifies a task in the kernel.
type TaskID uint64

// NoTask is the zero TaskID; the kernel never hands it out.
const NoTask TaskID = 0

// Tick is the kernel's native unit of time.
type Tick int64

// TaskState is where a task currently sits in the kernel.
type TaskState int

const (
	TaskReady     TaskState = iota // will resume its goroutine when dispatched
	TaskRunning                    // executing goroutine code right now
	TaskComputing                  // consuming CPU ticks via Execute
	TaskDelayed                    // sleeping until an absolute tick
	TaskBlocked                    // waiting for a lock, bounded by a timeout
	TaskDead
)

func (s TaskState) String() string {
	switch s {
	case TaskReady:
		return "Ready"
	case TaskRunning:
		return "Running"
	case TaskComputing:
		return "Computing"
	case TaskDelayed:
		return "Delayed"
	case TaskBlocked:
		return "Blocked"
	case TaskDead:
		return "Dead"
	default:
		return "Unknown"
	}
}

// Task represents one schedulable thread of control.
type Task struct {
	ID       TaskID
	Name     string
	Priority int                             // MinPriority..MaxPriority, higher runs first
	Run      func(ctx context.Context) error // body, runs until it returns or the kernel stops

	state  TaskState
	seq    uint64 // FIFO position among equal priorities, refreshed when leaving a blocked state
	demand Tick   // CPU ticks still owed to the current Execute call
	ran    Tick   // cumulative CPU ticks
	wakeAt Tick

	queued  bool // present in the ready tree under qkey
	qkey    readyKey
	sleeper bool // present in the sleep tree under skey
	skey    sleepKey

	waitLock *mutex   // lock being waited for, nil otherwise
	wkey     readyKey // position among waitLock's waiters
	lockOK   bool     // result handed over by Unlock or the timeout path

	resume chan struct{}
	err    error
}

// newTask creates a task with a clamped priority.
func newTask(id TaskID, name string, priority, maxPriority int, work func(ctx context.Context) error) *Task {
	if priority < MinPriority {
		priority = MinPriority
	} else if priority > maxPriority {
		priority = maxPriority
	}

	return &Task{
		ID:       id,
		Name:     name,
		Priority: priority,
		Run:      work,
		state:    TaskReady,
		resume:   make(chan struct{}, 1),
	}
}

// TaskInfo is a read-only copy of a task's kernel bookkeeping.
type TaskInfo struct {
	ID       TaskID
	Name     string
	Priority int
	State    TaskState
	Ran      Tick
}

func (t *Task) info() TaskInfo {
	return TaskInfo{
		ID:       t.ID,
		Name:     t.Name,
		Priority: t.Priority,
		State:    t.state,
		Ran:      t.ran,
	}
}
