package pcp

import (
	"context"

	"github.com/juju/errors"
	"github.com/sirupsen/logrus"
)

// Wait acquires res for t under the priority ceiling protocol.
//
// Acquiring a resource t already holds is a no-op that reports true. On
// success t runs at max(current priority, ceiling) until the matching
// Signal. If the resource stays busy for longer than the acquire timeout,
// Wait emits AcquireFailed and returns false; priorities are untouched and
// the caller is expected to skip its critical section for this period. The
// error is reserved for host shutdown.
func (e *Engine) Wait(ctx context.Context, t *Task, res ResourceID) (bool, error) {
	r, ok := e.registry.Resource(res)
	if !ok {
		return false, errors.NotFoundf("resource %d", res)
	}
	if holder, held := e.registry.HolderOf(res); held && holder == t.ID {
		return true, nil
	}

	before := e.host.GetPriority(t.ID)
	if n := len(e.registry.HeldBy(t.ID)); n >= e.opts.MaxNesting {
		e.missed(t, r, before, errors.Annotatef(ErrNestingLimit, "holding %d", n))
		return false, nil
	}

	e.setState(t, StateAcquiring)
	acquired, err := e.registry.TryAcquire(ctx, res, t.ID, e.opts.AcquireTimeout)
	if err != nil {
		return false, err
	}
	if !acquired {
		e.missed(t, r, before, errors.Annotatef(ErrLockUnavailable, "after %d ticks", e.opts.AcquireTimeout))
		return false, nil
	}

	e.mu.Lock()
	now := before
	if r.Ceiling > before {
		if err := e.host.SetPriority(t.ID, r.Ceiling); err != nil {
			e.log.WithError(err).WithField("task", t.Name).Warn("cannot raise priority to ceiling")
		} else {
			now = r.Ceiling
		}
	}
	t.prio.effective = now
	t.prio.acquired(e.opts.Restore, res, before)
	t.state = StateHolding
	e.mu.Unlock()

	e.emit(e.event(Acquired, t, r, before, now, nil))
	return true, nil
}

func (e *Engine) missed(t *Task, r *Resource, prio int, err error) {
	state := StateExecuting
	if len(e.registry.HeldBy(t.ID)) > 0 {
		state = StateHolding
	}
	e.mu.Lock()
	t.acquireMisses++
	t.state = state
	e.mu.Unlock()

	e.log.WithFields(logrus.Fields{
		"task":     t.Name,
		"resource": r.Name,
		"priority": prio,
	}).WithError(err).Warn("resource not acquired, critical section skipped")
	e.emit(e.event(AcquireFailed, t, r, prio, prio, err))
}

// Signal releases res held by t and restores t's priority: to its base
// priority when it holds nothing else, otherwise according to the restore
// policy. Releasing a resource t does not hold emits ReleaseFailed and
// returns false.
func (e *Engine) Signal(t *Task, res ResourceID) bool {
	r, ok := e.registry.Resource(res)
	if !ok {
		return false
	}

	e.mu.Lock()
	old := e.host.GetPriority(t.ID)
	if !e.registry.Release(res, t.ID) {
		e.mu.Unlock()
		e.emit(e.event(ReleaseFailed, t, r, old, old,
			errors.Annotatef(ErrInvalidRelease, "%s by %s", r.Name, t.Name)))
		return false
	}

	held := e.registry.HeldBy(t.ID)
	next := t.prio.released(e.opts.Restore, res, held)
	if next != old {
		if err := e.host.SetPriority(t.ID, next); err != nil {
			e.log.WithError(err).WithField("task", t.Name).Warn("cannot restore priority")
			next = old
		}
	}
	t.prio.effective = next
	if len(held) == 0 {
		t.state = StateExecuting
	}
	e.mu.Unlock()

	e.emit(e.event(Released, t, r, old, next, nil))
	return true
}
