package pcp

import (
	"github.com/emirpasic/gods/lists/arraylist"
	"github.com/juju/errors"
)

// RestorePolicy selects how a task's priority is restored on release while
// it still holds other resources.
type RestorePolicy string

const (
	// RestoreStack keeps one saved priority per held resource and restores
	// the highest priority still owed: the priority the task had before its
	// first acquire, raised to the ceiling of anything it still holds.
	RestoreStack RestorePolicy = "stack"

	// RestoreSlot remembers only the priority current at the most recent
	// acquire. Correct for properly nested windows; releasing out of
	// nesting order can restore the wrong priority.
	RestoreSlot RestorePolicy = "slot"
)

// ParseRestorePolicy accepts "stack", "slot" or "" (stack).
func ParseRestorePolicy(s string) (RestorePolicy, error) {
	switch RestorePolicy(s) {
	case "", RestoreStack:
		return RestoreStack, nil
	case RestoreSlot:
		return RestoreSlot, nil
	}
	return "", errors.NotValidf("restore policy %q", s)
}

// saved is one entry of a task's priority stack.
type saved struct {
	resource ResourceID
	before   int
}

// priorities is the per-task bookkeeping mutated only by the controller,
// under Engine.mu.
type priorities struct {
	base      int
	effective int
	previous  int             // slot policy
	stack     *arraylist.List // stack policy, of saved
}

func newPriorities(base int) priorities {
	return priorities{
		base:      base,
		effective: base,
		previous:  base,
		stack:     arraylist.New(),
	}
}

// acquired records the priority the task had before taking res.
func (p *priorities) acquired(policy RestorePolicy, res ResourceID, before int) {
	switch policy {
	case RestoreSlot:
		p.previous = before
	default:
		p.stack.Add(saved{resource: res, before: before})
	}
}

// released computes the effective priority after giving up res. held is
// what the task still holds afterwards.
func (p *priorities) released(policy RestorePolicy, res ResourceID, held []*Resource) int {
	if len(held) == 0 {
		p.stack.Clear()
		p.previous = p.base
		return p.base
	}

	if policy == RestoreSlot {
		return p.previous
	}

	for i := p.stack.Size() - 1; i >= 0; i-- {
		v, _ := p.stack.Get(i)
		if v.(saved).resource != res {
			continue
		}
		p.stack.Remove(i)
		// The bottom entry carries the priority from before the first
		// acquire; it moves up if the bottom is released out of order.
		if next, ok := p.stack.Get(0); i == 0 && ok {
			s := next.(saved)
			s.before = v.(saved).before
			p.stack.Set(0, s)
		}
		break
	}

	next := p.base
	if v, ok := p.stack.Get(0); ok {
		next = v.(saved).before
	}
	for _, r := range held {
		if r.Ceiling > next {
			next = r.Ceiling
		}
	}
	return next
}
