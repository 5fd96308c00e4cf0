package pcp

import (
	"sync"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/sirupsen/logrus"

	"pcpsched/internal/job"
	"pcpsched/internal/sched"
)

// JobState is where a task is in its periodic cycle.
type JobState int

const (
	StateIdle JobState = iota
	StateWaitingRelease
	StateExecuting
	StateAcquiring
	StateHolding
	StateBlocked // until the next period
)

func (s JobState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateWaitingRelease:
		return "WaitingRelease"
	case StateExecuting:
		return "Executing"
	case StateAcquiring:
		return "Acquiring"
	case StateHolding:
		return "Holding"
	case StateBlocked:
		return "BlockedUntilNextPeriod"
	default:
		return "Unknown"
	}
}

// Task is the engine's record of one periodic job.
type Task struct {
	Index int
	Name  string
	ID    sched.TaskID
	Job   job.Job
	Body  Body

	// guarded by Engine.mu
	prio           priorities
	state          JobState
	jobs           int
	deadlineMisses int
	acquireMisses  int
}

// Options configure the engine. Zero values pick the defaults.
type Options struct {
	AcquireTimeout sched.Tick    // bounded wait for a held resource, 1 tick by default
	Restore        RestorePolicy // stack by default
	MaxNesting     int           // 2 by default
	Clock          clock.Clock   // event timestamps, wall clock by default
	Logger         logrus.FieldLogger
	Sinks          []Sink
}

func (o Options) withDefaults() (Options, error) {
	if o.AcquireTimeout < 0 {
		return o, errors.NotValidf("acquire timeout %d", o.AcquireTimeout)
	}
	if o.AcquireTimeout == 0 {
		o.AcquireTimeout = 1
	}
	policy, err := ParseRestorePolicy(string(o.Restore))
	if err != nil {
		return o, err
	}
	o.Restore = policy
	if o.MaxNesting <= 0 {
		o.MaxNesting = 2
	}
	if o.Clock == nil {
		o.Clock = clock.WallClock
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	return o, nil
}

// Engine owns the resource and task arenas and implements the priority
// ceiling protocol on top of a Host.
type Engine struct {
	host     Host
	opts     Options
	log      logrus.FieldLogger
	table    *job.Compiled
	registry *Registry
	tasks    []*Task
	epoch    sched.Tick // release offsets count from here

	mu sync.Mutex // priority bookkeeping and job state of every task

	sinkMu sync.Mutex
	sinks  []Sink
}

// New builds the engine: one host lock per resource and one host task per
// job, each running the periodic body. Nothing runs until the host starts.
func New(host Host, table *job.Compiled, opts Options) (*Engine, error) {
	if host == nil || table == nil {
		return nil, errors.NotValidf("nil host or job table")
	}
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := checkTable(table, opts.MaxNesting); err != nil {
		return nil, err
	}

	e := &Engine{
		host:  host,
		opts:  opts,
		log:   opts.Logger,
		table: table,
		epoch: host.Now(),
		sinks: append([]Sink(nil), opts.Sinks...),
	}
	e.registry = newRegistry(host, table.Resources)

	for i, j := range table.Jobs {
		t := &Task{
			Index: i,
			Name:  j.Name,
			Job:   j,
			prio:  newPriorities(j.Priority),
		}
		t.Body = &periodicBody{e: e, t: t}
		id, err := host.Spawn(j.Name, j.Priority, t.Body.Run)
		if err != nil {
			return nil, errors.Annotatef(err, "spawning %q", j.Name)
		}
		t.ID = id
		e.tasks = append(e.tasks, t)
	}

	e.log.WithFields(logrus.Fields{
		"tasks":           len(e.tasks),
		"resources":       e.registry.Len(),
		"restore":         opts.Restore,
		"acquire_timeout": opts.AcquireTimeout,
	}).Debug("pcp engine ready")
	return e, nil
}

// checkTable re-validates the invariants the controller depends on, so a
// hand-built table cannot bypass job.Compile.
func checkTable(table *job.Compiled, maxNesting int) error {
	for _, j := range table.Jobs {
		depth := 0
		for _, s := range j.Steps {
			if s.Resource < 0 || s.Resource >= len(table.Resources) {
				return errors.Annotatef(ErrConfiguration, "task %q: unknown resource %d", j.Name, s.Resource)
			}
			r := table.Resources[s.Resource]
			if s.Kind == job.StepUnlock {
				depth--
				continue
			}
			if r.Ceiling < j.Priority {
				return errors.Annotatef(ErrConfiguration, "resource %q: ceiling %d below base priority %d of task %q",
					r.Name, r.Ceiling, j.Priority, j.Name)
			}
			depth++
			if depth > maxNesting {
				return errors.Annotatef(ErrConfiguration, "task %q: holds %d resources at once, limit is %d",
					j.Name, depth, maxNesting)
			}
		}
	}
	return nil
}

// Registry exposes the resource registry.
func (e *Engine) Registry() *Registry { return e.registry }

// Options returns the effective options.
func (e *Engine) Options() Options { return e.opts }

// Tasks returns the task arena in table order.
func (e *Engine) Tasks() []*Task { return e.tasks }

// Task finds a task by name.
func (e *Engine) Task(name string) (*Task, bool) {
	for _, t := range e.tasks {
		if t.Name == name {
			return t, true
		}
	}
	return nil, false
}

// AddSink registers another event consumer.
func (e *Engine) AddSink(s Sink) {
	e.sinkMu.Lock()
	defer e.sinkMu.Unlock()
	e.sinks = append(e.sinks, s)
}

// TaskStatus is a point-in-time view of a task.
type TaskStatus struct {
	Name           string
	ID             sched.TaskID
	Base           int
	Effective      int
	State          JobState
	Held           []string
	Jobs           int
	DeadlineMisses int
	AcquireMisses  int
}

// Snapshot reports every task's priorities, state and counters.
func (e *Engine) Snapshot() []TaskStatus {
	out := make([]TaskStatus, 0, len(e.tasks))
	for _, t := range e.tasks {
		var held []string
		for _, r := range e.registry.HeldBy(t.ID) {
			held = append(held, r.Name)
		}
		e.mu.Lock()
		out = append(out, TaskStatus{
			Name:           t.Name,
			ID:             t.ID,
			Base:           t.prio.base,
			Effective:      t.prio.effective,
			State:          t.state,
			Held:           held,
			Jobs:           t.jobs,
			DeadlineMisses: t.deadlineMisses,
			AcquireMisses:  t.acquireMisses,
		})
		e.mu.Unlock()
	}
	return out
}

func (e *Engine) setState(t *Task, s JobState) {
	e.mu.Lock()
	t.state = s
	e.mu.Unlock()
}

func (e *Engine) emit(ev Event) {
	e.emitAt(ev, e.host.Now())
}

func (e *Engine) emitAt(ev Event, tick sched.Tick) {
	ev.Time = e.opts.Clock.Now()
	ev.Tick = tick

	e.sinkMu.Lock()
	defer e.sinkMu.Unlock()
	for _, s := range e.sinks {
		s.Observe(ev)
	}
}

func (e *Engine) event(kind EventKind, t *Task, r *Resource, from, to int, err error) Event {
	ev := Event{
		Kind:        kind,
		Task:        t.Name,
		TaskIndex:   t.Index,
		TaskID:      t.ID,
		OldPriority: from,
		NewPriority: to,
		Err:         err,
	}
	if r != nil {
		ev.Resource = r.Name
	}
	return ev
}
