// internal/sched/schedulerEvent.go

package sched

// StatusKind represents the type of kernel event
type StatusKind int

const (
	StatusSpawn StatusKind = iota
	StatusDispatch
	StatusPreempt
	StatusBlock
	StatusWake
	StatusPriorityUpdate
	StatusExit
)

// StatusEvent is emitted on key kernel actions.
type StatusEvent struct {
	Tick     Tick
	Kind     StatusKind
	TaskID   TaskID
	Task     string
	Priority int
	Ran      Tick
}

func (sk StatusKind) String() string {
	switch sk {
	case StatusSpawn:
		return "Spawn"
	case StatusDispatch:
		return "Dispatch"
	case StatusPreempt:
		return "Preempt"
	case StatusBlock:
		return "Block"
	case StatusWake:
		return "Wake"
	case StatusPriorityUpdate:
		return "Priority"
	case StatusExit:
		return "Exit"
	default:
		return "Unknown"
	}
}
