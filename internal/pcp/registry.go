package pcp

import (
	"context"

	"github.com/juju/errors"

	"pcpsched/internal/job"
	"pcpsched/internal/sched"
)

// ResourceID indexes the engine's resource arena.
type ResourceID int

// Resource is a shared resource guarded by one host lock. Its ceiling is
// fixed at construction.
type Resource struct {
	ID      ResourceID
	Name    string
	Ceiling int
	Lock    sched.LockID
}

// Registry maps resources to host locks. The holder lives in the host lock,
// so holder updates are atomic with respect to concurrent acquires.
type Registry struct {
	host      Host
	resources []*Resource
	byName    map[string]ResourceID
}

func newRegistry(host Host, compiled []job.Resource) *Registry {
	r := &Registry{
		host:   host,
		byName: make(map[string]ResourceID, len(compiled)),
	}
	for _, c := range compiled {
		id := ResourceID(len(r.resources))
		r.resources = append(r.resources, &Resource{
			ID:      id,
			Name:    c.Name,
			Ceiling: c.Ceiling,
			Lock:    host.NewLock(c.Name),
		})
		r.byName[c.Name] = id
	}
	return r
}

// Len returns the number of resources.
func (r *Registry) Len() int { return len(r.resources) }

// Resource returns the resource with the given id.
func (r *Registry) Resource(id ResourceID) (*Resource, bool) {
	if id < 0 || int(id) >= len(r.resources) {
		return nil, false
	}
	return r.resources[id], true
}

// Lookup finds a resource by name.
func (r *Registry) Lookup(name string) (ResourceID, bool) {
	id, ok := r.byName[name]
	return id, ok
}

// TryAcquire attempts to take the resource for task within timeout ticks.
// It returns false when another task still holds it after the timeout. The
// error is only set when the host is shutting down or the id is unknown.
func (r *Registry) TryAcquire(ctx context.Context, id ResourceID, task sched.TaskID, timeout sched.Tick) (bool, error) {
	res, ok := r.Resource(id)
	if !ok {
		return false, errors.NotFoundf("resource %d", id)
	}
	return r.host.TryLock(ctx, task, res.Lock, timeout)
}

// Release clears the holder if task holds the resource. A mismatched release
// is a no-op returning false.
func (r *Registry) Release(id ResourceID, task sched.TaskID) bool {
	res, ok := r.Resource(id)
	if !ok {
		return false
	}
	return r.host.Unlock(task, res.Lock)
}

// HolderOf reports the current holder of a resource.
func (r *Registry) HolderOf(id ResourceID) (sched.TaskID, bool) {
	res, ok := r.Resource(id)
	if !ok {
		return sched.NoTask, false
	}
	return r.host.LockHolder(res.Lock)
}

// HeldBy lists the resources task currently holds, in id order.
func (r *Registry) HeldBy(task sched.TaskID) []*Resource {
	var held []*Resource
	for _, res := range r.resources {
		if holder, ok := r.host.LockHolder(res.Lock); ok && holder == task {
			held = append(held, res)
		}
	}
	return held
}
