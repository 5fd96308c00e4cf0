// internal/sched/mutex.go

package sched

import (
	"context"

	"github.com/emirpasic/gods/trees/redblacktree"
	"github.com/juju/errors"
)

// LockID identifies a kernel lock.
type LockID int

// mutex is a non-recursive binary lock with a priority-ordered wait queue.
// Ownership is handed directly to the best waiter on unlock.
type mutex struct {
	id      LockID
	name    string
	holder  *Task
	waiters *redblacktree.Tree // readyKey -> *Task
}

// NewLock creates a lock and returns its handle.
func (k *Kernel) NewLock(name string) LockID {
	k.mu.Lock()
	defer k.mu.Unlock()

	m := &mutex{
		id:      LockID(len(k.locks)),
		name:    name,
		waiters: redblacktree.NewWith(readyCmp),
	}
	k.locks = append(k.locks, m)
	return m.id
}

// TryLock attempts to take lock l for the calling task, waiting at most
// timeout ticks. A task that already holds l gets false immediately.
func (k *Kernel) TryLock(ctx context.Context, id TaskID, l LockID, timeout Tick) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	t, err := k.currentLocked(id)
	if err != nil {
		return false, err
	}
	m, err := k.lockLocked(l)
	if err != nil {
		return false, err
	}

	if m.holder == nil {
		m.holder = t
		return true, nil
	}
	if m.holder == t || timeout <= 0 {
		return false, nil
	}

	t.state = TaskBlocked
	t.waitLock = m
	t.lockOK = false
	k.seq++
	t.seq = k.seq
	t.wkey = readyKey{prio: t.Priority, seq: t.seq}
	m.waiters.Put(t.wkey, t)
	k.sleepLocked(t, k.now+timeout)
	k.emitLocked(StatusBlock, t)

	if err := k.park(t); err != nil {
		return false, err
	}
	return t.lockOK, nil
}

// Unlock releases l if task id holds it. The highest-priority waiter, if
// any, becomes the new holder and is made ready.
func (k *Kernel) Unlock(id TaskID, l LockID) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	m, err := k.lockLocked(l)
	if err != nil || m.holder == nil || m.holder.ID != id {
		return false
	}

	node := m.waiters.Left()
	if node == nil {
		m.holder = nil
		return true
	}

	w := node.Value.(*Task)
	m.waiters.Remove(node.Key)
	k.unsleepLocked(w)
	w.waitLock = nil
	w.lockOK = true
	m.holder = w
	k.makeReadyLocked(w)
	k.emitLocked(StatusWake, w)
	k.dispatchLocked()
	return true
}

// LockHolder reports which task holds l.
func (k *Kernel) LockHolder(l LockID) (TaskID, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	m, err := k.lockLocked(l)
	if err != nil || m.holder == nil {
		return NoTask, false
	}
	return m.holder.ID, true
}

// LockName returns the name l was created with.
func (k *Kernel) LockName(l LockID) string {
	k.mu.Lock()
	defer k.mu.Unlock()
	if m, err := k.lockLocked(l); err == nil {
		return m.name
	}
	return ""
}

func (k *Kernel) lockLocked(l LockID) (*mutex, error) {
	if l < 0 || int(l) >= len(k.locks) {
		return nil, errors.Annotatef(ErrUnknownLock, "lock %d", l)
	}
	return k.locks[l], nil
}
