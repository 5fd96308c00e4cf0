package pcp

import (
	"time"

	"pcpsched/internal/sched"
)

// EventKind represents the type of engine event
type EventKind int

const (
	Acquired EventKind = iota
	AcquireFailed
	Released
	ReleaseFailed
	JobReleased
	JobCompleted
	DeadlineMissed
)

func (k EventKind) String() string {
	switch k {
	case Acquired:
		return "Acquired"
	case AcquireFailed:
		return "AcquireFailed"
	case Released:
		return "Released"
	case ReleaseFailed:
		return "ReleaseFailed"
	case JobReleased:
		return "JobReleased"
	case JobCompleted:
		return "JobCompleted"
	case DeadlineMissed:
		return "DeadlineMissed"
	default:
		return "Unknown"
	}
}

// Event is emitted on every acquire/release attempt and at job boundaries.
// Resource is empty for job events. Tick is the host time of emission,
// except for JobReleased, which carries the job's release tick.
type Event struct {
	Time        time.Time
	Tick        sched.Tick
	Kind        EventKind
	Task        string
	TaskIndex   int
	TaskID      sched.TaskID
	Resource    string
	OldPriority int
	NewPriority int
	Err         error
}

// Sink receives engine events synchronously, on the goroutine of the task
// that caused them. Implementations must not block for long.
type Sink interface {
	Observe(ev Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev Event)

// Observe calls f.
func (f SinkFunc) Observe(ev Event) { f(ev) }
