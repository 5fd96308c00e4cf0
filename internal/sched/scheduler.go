// internal/sched/scheduler.go

package sched

import (
	"context"
	"sync"

	"github.com/emirpasic/gods/trees/redblacktree"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"golang.org/x/sync/errgroup"
)

// Kernel is a tick-driven, preemptive, fixed-priority kernel.
//
// Every task is a goroutine, but only one of them executes task code at any
// moment: the kernel resumes the highest-priority ready task and waits for it
// to park in a kernel call (Execute, DelayUntil or a contended TryLock) before
// dispatching again. Code between kernel calls takes no virtual time; CPU time
// is consumed explicitly with Execute and credited one tick at a time to the
// running task. Equal priorities are served first come, first served, with no
// time slicing.
type Kernel struct {
	mu   sync.Mutex
	cond *sync.Cond // signalled whenever the kernel becomes quiescent

	cfg   Config
	clock clock.Clock
	now   Tick
	seq   uint64

	nextID   TaskID
	tasks    map[TaskID]*Task
	order    []*Task            // spawn order
	ready    *redblacktree.Tree // readyKey -> *Task, highest priority leftmost
	sleeping *redblacktree.Tree // sleepKey -> *Task, earliest wake leftmost
	locks    []*mutex

	current *Task // executing goroutine code
	running *Task // owns the CPU for the next tick

	started  bool
	stopped  bool
	done     chan struct{}
	group    *errgroup.Group
	observer func(StatusEvent)
}

// New creates a kernel. A nil clock means the wall clock.
func New(cfg Config, clk clock.Clock) *Kernel {
	if clk == nil {
		clk = clock.WallClock
	}
	k := &Kernel{
		cfg:      cfg.Sanitize(),
		clock:    clk,
		tasks:    make(map[TaskID]*Task),
		ready:    redblacktree.NewWith(readyCmp),
		sleeping: redblacktree.NewWith(sleepCmp),
		done:     make(chan struct{}),
	}
	k.cond = sync.NewCond(&k.mu)
	return k
}

// SetObserver installs a callback for kernel status events. It runs with the
// kernel lock held and must not call back into the kernel.
func (k *Kernel) SetObserver(fn func(StatusEvent)) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.observer = fn
}

// Config returns the sanitized configuration in use.
func (k *Kernel) Config() Config { return k.cfg }

// Spawn registers a task. Tasks only start running after Start.
func (k *Kernel) Spawn(name string, priority int, run func(ctx context.Context) error) (TaskID, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.started {
		return NoTask, errors.Annotatef(ErrStarted, "spawning %q", name)
	}
	if run == nil {
		return NoTask, errors.NotValidf("nil body for task %q", name)
	}

	k.nextID++
	t := newTask(k.nextID, name, priority, k.cfg.MaxPriority, run)
	k.tasks[t.ID] = t
	k.order = append(k.order, t)
	k.emitLocked(StatusSpawn, t)
	return t.ID, nil
}

// Start launches every spawned task. The first dispatch happens before Start
// returns; time only advances through Step, Advance or Run.
func (k *Kernel) Start(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.started {
		return ErrStarted
	}
	k.started = true

	g, gctx := errgroup.WithContext(ctx)
	k.group = g
	for _, t := range k.order {
		t := t
		k.makeReadyLocked(t)
		g.Go(func() error { return k.body(gctx, t) })
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
			k.Stop()
		case <-k.done:
		}
		return nil
	})

	k.dispatchLocked()
	return nil
}

// Run starts the kernel and paces it in real time, one Step per tick, until
// ctx is cancelled or Stop is called.
func (k *Kernel) Run(ctx context.Context) error {
	if err := k.Start(ctx); err != nil {
		return err
	}

	tc := NewTickClock(k.clock, 1)
	tc.Start(k.cfg.TickDuration())
	defer tc.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			k.Stop()
			break loop
		case <-k.done:
			break loop
		case _, ok := <-tc.Ch:
			if !ok {
				break loop
			}
			k.Step()
		}
	}
	return k.Wait()
}

// Stop shuts the kernel down; every blocking call returns ErrStopped.
func (k *Kernel) Stop() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.stopped {
		return
	}
	k.stopped = true
	close(k.done)
	k.cond.Broadcast()
}

// Wait blocks until every task goroutine has returned.
func (k *Kernel) Wait() error {
	k.mu.Lock()
	g := k.group
	k.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

// Done is closed once the kernel stops.
func (k *Kernel) Done() <-chan struct{} { return k.done }

// Step advances virtual time by one tick. It waits for the running task to
// park before and after the tick, so callers observe a settled kernel.
// It returns false once the kernel is stopped.
func (k *Kernel) Step() bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.quiesceLocked()
	if k.stopped {
		return false
	}
	k.tickLocked()
	k.quiesceLocked()
	return !k.stopped
}

// Settle blocks until the task executing code parks, without advancing time.
func (k *Kernel) Settle() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.quiesceLocked()
}

// Advance runs n steps and returns the resulting time.
func (k *Kernel) Advance(n Tick) Tick {
	for i := Tick(0); i < n; i++ {
		if !k.Step() {
			break
		}
	}
	return k.Now()
}

// Now returns the current tick.
func (k *Kernel) Now() Tick {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.now
}

// Execute consumes n ticks of CPU on behalf of the calling task. The task is
// only credited while it is the highest-priority ready task.
func (k *Kernel) Execute(ctx context.Context, id TaskID, n Tick) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	t, err := k.currentLocked(id)
	if err != nil {
		return err
	}
	if n <= 0 {
		return nil
	}
	t.demand = n
	t.state = TaskComputing
	k.enqueueLocked(t)
	return k.park(t)
}

// DelayUntil blocks the calling task until *ref+increment and advances *ref
// by exactly increment, which keeps periodic wake-ups free of drift. If the
// wake time has already passed the call returns immediately.
func (k *Kernel) DelayUntil(ctx context.Context, id TaskID, ref *Tick, increment Tick) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	t, err := k.currentLocked(id)
	if err != nil {
		return err
	}
	wake := *ref + increment
	*ref = wake
	if wake <= k.now {
		return nil
	}
	t.state = TaskDelayed
	k.sleepLocked(t, wake)
	k.emitLocked(StatusBlock, t)
	return k.park(t)
}

// Delay blocks the calling task for n ticks.
func (k *Kernel) Delay(ctx context.Context, id TaskID, n Tick) error {
	ref := k.Now()
	return k.DelayUntil(ctx, id, &ref, n)
}

// SetPriority changes a task's priority and requeues it so future dispatch
// decisions reflect the new value.
func (k *Kernel) SetPriority(id TaskID, priority int) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	t, ok := k.tasks[id]
	if !ok {
		return errors.Annotatef(ErrUnknownTask, "task %d", id)
	}
	if priority <= MinPriority {
		priority = MinPriority
	} else if priority >= k.cfg.MaxPriority {
		priority = k.cfg.MaxPriority
	}
	if priority == t.Priority {
		return nil
	}

	// Remove old tree entries, update, then reinsert under the same seq.
	queued := t.queued
	k.dequeueLocked(t)
	if m := t.waitLock; m != nil {
		m.waiters.Remove(t.wkey)
	}
	t.Priority = priority
	if queued {
		k.enqueueLocked(t)
	}
	if m := t.waitLock; m != nil {
		t.wkey = readyKey{prio: t.Priority, seq: t.seq}
		m.waiters.Put(t.wkey, t)
	}
	k.emitLocked(StatusPriorityUpdate, t)
	k.dispatchLocked()
	return nil
}

// GetPriority returns a task's current priority, or MinPriority for an
// unknown task.
func (k *Kernel) GetPriority(id TaskID) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	if t, ok := k.tasks[id]; ok {
		return t.Priority
	}
	return MinPriority
}

// Info returns a snapshot of one task.
func (k *Kernel) Info(id TaskID) (TaskInfo, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	t, ok := k.tasks[id]
	if !ok {
		return TaskInfo{}, false
	}
	return t.info(), true
}

// Tasks returns snapshots of every task in spawn order.
func (k *Kernel) Tasks() []TaskInfo {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]TaskInfo, 0, len(k.order))
	for _, t := range k.order {
		out = append(out, t.info())
	}
	return out
}

// Running returns the task that owns the CPU, if any.
func (k *Kernel) Running() (TaskID, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.running == nil {
		return NoTask, false
	}
	return k.running.ID, true
}

// body is the goroutine wrapper around a task's work function.
func (k *Kernel) body(ctx context.Context, t *Task) error {
	select {
	case <-t.resume:
	case <-k.done:
		k.exit(t, ErrStopped)
		return nil
	}

	err := t.Run(ctx)
	k.exit(t, err)
	if err == nil || errors.Is(err, ErrStopped) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return errors.Annotatef(err, "task %q", t.Name)
}

func (k *Kernel) exit(t *Task, err error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	t.state = TaskDead
	t.err = err
	k.dequeueLocked(t)
	k.unsleepLocked(t)
	if m := t.waitLock; m != nil {
		m.waiters.Remove(t.wkey)
		t.waitLock = nil
	}
	if k.current == t {
		k.current = nil
	}
	if k.running == t {
		k.running = nil
	}
	k.emitLocked(StatusExit, t)
	k.dispatchLocked()
}

// currentLocked resolves id and checks it owns the CPU.
func (k *Kernel) currentLocked(id TaskID) (*Task, error) {
	if k.stopped {
		return nil, ErrStopped
	}
	t, ok := k.tasks[id]
	if !ok {
		return nil, errors.Annotatef(ErrUnknownTask, "task %d", id)
	}
	if k.current != t {
		return nil, errors.Annotatef(ErrNotCurrent, "task %q", t.Name)
	}
	return t, nil
}

// park gives up the CPU and blocks the caller's goroutine until the kernel
// resumes it. Must be called with k.mu held; returns with k.mu held.
func (k *Kernel) park(t *Task) error {
	k.current = nil
	k.dispatchLocked()
	k.mu.Unlock()

	select {
	case <-t.resume:
	case <-k.done:
	}

	k.mu.Lock()
	if k.stopped {
		return ErrStopped
	}
	return nil
}

// dispatchLocked picks the highest-priority ready task. A task that is ready
// to resume gets its goroutine woken; a computing task simply becomes the
// CPU owner and waits for the next tick.
func (k *Kernel) dispatchLocked() {
	if k.current != nil || k.stopped {
		return
	}

	node := k.ready.Left()
	if node == nil {
		k.running = nil
		k.cond.Broadcast()
		return
	}

	t := node.Value.(*Task)
	if prev := k.running; prev != t {
		if prev != nil && prev.state == TaskComputing {
			k.emitLocked(StatusPreempt, prev)
		}
		k.running = t
		k.emitLocked(StatusDispatch, t)
	}
	if t.state == TaskComputing {
		k.cond.Broadcast()
		return
	}

	k.dequeueLocked(t)
	t.state = TaskRunning
	k.current = t
	t.resume <- struct{}{}
}

func (k *Kernel) quiesceLocked() {
	for k.current != nil && !k.stopped {
		k.cond.Wait()
	}
}

// tickLocked advances time by one tick: credit the CPU owner, wake sleepers
// and expire lock waits, then dispatch.
func (k *Kernel) tickLocked() {
	k.now++

	if r := k.running; r != nil && r.state == TaskComputing {
		r.demand--
		r.ran++
		if r.demand <= 0 {
			r.demand = 0
			r.state = TaskReady
		}
	}

	for node := k.sleeping.Left(); node != nil; node = k.sleeping.Left() {
		key := node.Key.(sleepKey)
		if key.at > k.now {
			break
		}
		t := node.Value.(*Task)
		k.unsleepLocked(t)
		if m := t.waitLock; m != nil {
			// The lock wait timed out.
			m.waiters.Remove(t.wkey)
			t.waitLock = nil
			t.lockOK = false
		}
		k.makeReadyLocked(t)
		k.emitLocked(StatusWake, t)
	}

	k.dispatchLocked()
}

func (k *Kernel) makeReadyLocked(t *Task) {
	t.state = TaskReady
	k.seq++
	t.seq = k.seq
	k.enqueueLocked(t)
}

func (k *Kernel) enqueueLocked(t *Task) {
	if t.queued {
		return
	}
	t.qkey = readyKey{prio: t.Priority, seq: t.seq}
	t.queued = true
	k.ready.Put(t.qkey, t)
}

func (k *Kernel) dequeueLocked(t *Task) {
	if !t.queued {
		return
	}
	k.ready.Remove(t.qkey)
	t.queued = false
}

func (k *Kernel) sleepLocked(t *Task, at Tick) {
	k.unsleepLocked(t)
	t.wakeAt = at
	t.skey = sleepKey{at: at, id: t.ID}
	t.sleeper = true
	k.sleeping.Put(t.skey, t)
}

func (k *Kernel) unsleepLocked(t *Task) {
	if !t.sleeper {
		return
	}
	k.sleeping.Remove(t.skey)
	t.sleeper = false
}

func (k *Kernel) emitLocked(kind StatusKind, t *Task) {
	if k.observer == nil {
		return
	}
	k.observer(StatusEvent{
		Tick:     k.now,
		Kind:     kind,
		TaskID:   t.ID,
		Task:     t.Name,
		Priority: t.Priority,
		Ran:      t.ran,
	})
}

// readyKey orders the ready queue and lock waiters.
type readyKey struct {
	prio int
	seq  uint64
}

// readyCmp puts higher priorities first, then earlier arrivals.
func readyCmp(a, b any) int {
	ka, kb := a.(readyKey), b.(readyKey)
	switch {
	case ka.prio > kb.prio:
		return -1
	case ka.prio < kb.prio:
		return 1
	case ka.seq < kb.seq:
		return -1
	case ka.seq > kb.seq:
		return 1
	default:
		return 0
	}
}

// sleepKey orders the sleep queue by wake tick.
type sleepKey struct {
	at Tick
	id TaskID
}

func sleepCmp(a, b any) int {
	ka, kb := a.(sleepKey), b.(sleepKey)
	switch {
	case ka.at < kb.at:
		return -1
	case ka.at > kb.at:
		return 1
	case ka.id < kb.id:
		return -1
	case ka.id > kb.id:
		return 1
	default:
		return 0
	}
}
