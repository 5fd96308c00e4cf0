package pcp

import (
	"context"

	"github.com/sirupsen/logrus"

	"pcpsched/internal/job"
	"pcpsched/internal/sched"
)

// Body is what a task runs. Run only returns when the host stops or the
// body fails.
type Body interface {
	Run(ctx context.Context) error
}

// periodicBody drives one job of the table: wait for the release offset,
// then every period walk the lock/unlock timeline, burning CPU up to each
// offset, and block until the next period.
type periodicBody struct {
	e *Engine
	t *Task
}

func (b *periodicBody) Run(ctx context.Context) error {
	e, t := b.e, b.t

	ref := e.epoch
	e.setState(t, StateWaitingRelease)
	if err := e.host.DelayUntil(ctx, t.ID, &ref, t.Job.Release); err != nil {
		return err
	}

	for {
		if err := b.runJob(ctx, ref); err != nil {
			return err
		}

		if now, deadline := e.host.Now(), ref+t.Job.Period; now > deadline {
			e.mu.Lock()
			t.deadlineMisses++
			prio := t.prio.effective
			e.mu.Unlock()

			e.log.WithFields(logrus.Fields{
				"task":    t.Name,
				"overrun": now - deadline,
			}).Warn("job overran its period")
			e.emit(e.event(DeadlineMissed, t, nil, prio, prio, nil))
		}

		e.setState(t, StateBlocked)
		if err := e.host.DelayUntil(ctx, t.ID, &ref, t.Job.Period); err != nil {
			return err
		}
	}
}

// runJob executes one job instance released at tick released. The task may
// only get the CPU later; JobReleased still carries the release tick.
func (b *periodicBody) runJob(ctx context.Context, released sched.Tick) error {
	e, t := b.e, b.t
	base := t.Job.Priority
	e.emitAt(e.event(JobReleased, t, nil, base, base, nil), released)

	var elapsed sched.Tick
	skipped := make([]bool, len(t.Job.Windows))
	for _, step := range t.Job.Steps {
		if err := b.execute(ctx, step.At-elapsed); err != nil {
			return err
		}
		elapsed = step.At

		res := ResourceID(step.Resource)
		switch step.Kind {
		case job.StepLock:
			ok, err := e.Wait(ctx, t, res)
			if err != nil {
				return err
			}
			skipped[step.Window] = !ok
		case job.StepUnlock:
			if skipped[step.Window] {
				continue
			}
			e.Signal(t, res)
		}
	}
	if err := b.execute(ctx, t.Job.Budget-elapsed); err != nil {
		return err
	}

	e.mu.Lock()
	t.jobs++
	prio := t.prio.effective
	e.mu.Unlock()
	e.emit(e.event(JobCompleted, t, nil, prio, prio, nil))
	return nil
}

func (b *periodicBody) execute(ctx context.Context, n sched.Tick) error {
	if n <= 0 {
		return nil
	}
	e, t := b.e, b.t
	state := StateExecuting
	if len(e.registry.HeldBy(t.ID)) > 0 {
		state = StateHolding
	}
	e.setState(t, state)
	return e.host.Execute(ctx, t.ID, n)
}
