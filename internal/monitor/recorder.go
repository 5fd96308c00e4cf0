package monitor

import (
	"sync"

	"github.com/juju/errors"

	"pcpsched/internal/job"
	"pcpsched/internal/pcp"
)

// ErrInvariant is returned by Recorder.Check when a trace breaks the
// protocol's guarantees.
const ErrInvariant = errors.ConstError("protocol invariant violated")

// Expectations are the static facts a trace is checked against.
type Expectations struct {
	Ceilings map[string]int // by resource
	Bases    map[string]int // by task
}

// ExpectationsFor derives expectations from a compiled table.
func ExpectationsFor(c *job.Compiled) Expectations {
	exp := Expectations{
		Ceilings: make(map[string]int, len(c.Resources)),
		Bases:    make(map[string]int, len(c.Jobs)),
	}
	for _, r := range c.Resources {
		exp.Ceilings[r.Name] = r.Ceiling
	}
	for _, j := range c.Jobs {
		exp.Bases[j.Name] = j.Priority
	}
	return exp
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []pcp.Event
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder { return &Recorder{} }

// Observe implements pcp.Sink.
func (r *Recorder) Observe(ev pcp.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of the trace.
func (r *Recorder) Events() []pcp.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]pcp.Event(nil), r.events...)
}

// Select returns events of the given kind; empty task or resource match
// anything.
func (r *Recorder) Select(kind pcp.EventKind, task, resource string) []pcp.Event {
	var out []pcp.Event
	for _, ev := range r.Events() {
		if ev.Kind != kind {
			continue
		}
		if task != "" && ev.Task != task {
			continue
		}
		if resource != "" && ev.Resource != resource {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// Count is len(Select(...)).
func (r *Recorder) Count(kind pcp.EventKind, task, resource string) int {
	return len(r.Select(kind, task, resource))
}

// Check replays the trace and verifies mutual exclusion, the ceiling
// invariant and full restoration to base priority.
func (r *Recorder) Check(exp Expectations) error {
	holders := make(map[string]string)
	held := make(map[string]map[string]bool)

	for i, ev := range r.Events() {
		switch ev.Kind {
		case pcp.Acquired:
			if h, ok := holders[ev.Resource]; ok && h != ev.Task {
				return errors.Annotatef(ErrInvariant, "event %d: %s acquired %s held by %s", i, ev.Task, ev.Resource, h)
			}
			if c := exp.Ceilings[ev.Resource]; ev.NewPriority < c {
				return errors.Annotatef(ErrInvariant, "event %d: %s holds %s at priority %d below ceiling %d",
					i, ev.Task, ev.Resource, ev.NewPriority, c)
			}
			holders[ev.Resource] = ev.Task
			if held[ev.Task] == nil {
				held[ev.Task] = make(map[string]bool)
			}
			held[ev.Task][ev.Resource] = true

		case pcp.Released:
			if h := holders[ev.Resource]; h != ev.Task {
				return errors.Annotatef(ErrInvariant, "event %d: %s released %s held by %q", i, ev.Task, ev.Resource, h)
			}
			delete(holders, ev.Resource)
			delete(held[ev.Task], ev.Resource)

			if len(held[ev.Task]) == 0 {
				if base, ok := exp.Bases[ev.Task]; ok && ev.NewPriority != base {
					return errors.Annotatef(ErrInvariant, "event %d: %s holds nothing but runs at %d, base is %d",
						i, ev.Task, ev.NewPriority, base)
				}
				continue
			}
			for res := range held[ev.Task] {
				if c := exp.Ceilings[res]; ev.NewPriority < c {
					return errors.Annotatef(ErrInvariant, "event %d: %s still holds %s but dropped to %d below ceiling %d",
						i, ev.Task, res, ev.NewPriority, c)
				}
			}
		}
	}
	return nil
}
