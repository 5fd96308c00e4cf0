package job

import (
	"sort"

	"github.com/juju/errors"

	"pcpsched/internal/sched"
)

// Timebase converts table time units into kernel ticks.
type Timebase struct {
	UnitMS int // length of one table time unit
	TickMS int // length of one kernel tick
}

// Ticks converts units to ticks, truncating.
func (tb Timebase) Ticks(units int64) sched.Tick {
	return sched.Tick(units * int64(tb.UnitMS) / int64(tb.TickMS))
}

// Limits bound the values a table may use.
type Limits struct {
	MinPriority int
	MaxPriority int
	MaxNesting  int // resources a task may hold at once
}

// Resource is a compiled resource with its static ceiling.
type Resource struct {
	Index   int
	Name    string
	Ceiling int
	Lockers []string // tasks configured to lock it
}

// Access is a compiled window in ticks.
type Access struct {
	Resource int
	Lock     sched.Tick
	Unlock   sched.Tick
}

// StepKind says what happens at a step of a job's timeline.
type StepKind int

const (
	StepLock StepKind = iota
	StepUnlock
)

func (k StepKind) String() string {
	if k == StepLock {
		return "lock"
	}
	return "unlock"
}

// Step is one lock or unlock instant, in consumed execution ticks since the
// job's release.
type Step struct {
	At       sched.Tick
	Kind     StepKind
	Resource int
	Window   int // index into Job.Windows
}

// Job is a compiled row of the table.
type Job struct {
	Index    int
	Name     string
	Priority int
	Release  sched.Tick
	Budget   sched.Tick
	Period   sched.Tick
	Windows  []Access // ascending lock offset
	Steps    []Step   // ascending offset, unlocks before locks at equal offsets
}

// Compiled is a validated job table expressed in ticks.
type Compiled struct {
	Timebase  Timebase
	Resources []Resource
	Jobs      []Job
}

// Lookup finds a resource by name.
func (c *Compiled) Lookup(name string) (Resource, bool) {
	for _, r := range c.Resources {
		if r.Name == name {
			return r, true
		}
	}
	return Resource{}, false
}

// Compile validates the table and converts it to ticks. Any error wraps
// ErrConfiguration.
func Compile(t Table, tb Timebase, lim Limits) (*Compiled, error) {
	if tb.UnitMS <= 0 || tb.TickMS <= 0 {
		return nil, errors.Annotatef(ErrConfiguration, "time unit %dms / tick %dms", tb.UnitMS, tb.TickMS)
	}
	if lim.MaxNesting <= 0 {
		lim.MaxNesting = 1
	}
	if len(t.Tasks) == 0 {
		return nil, errors.Annotatef(ErrConfiguration, "no tasks")
	}

	resources, index, err := compileResources(t)
	if err != nil {
		return nil, err
	}

	out := &Compiled{Timebase: tb}
	seen := make(map[string]bool)
	for i, spec := range t.Tasks {
		if spec.Name == "" {
			return nil, errors.Annotatef(ErrConfiguration, "task %d has no name", i)
		}
		if seen[spec.Name] {
			return nil, errors.Annotatef(ErrConfiguration, "duplicate task %q", spec.Name)
		}
		seen[spec.Name] = true

		j, err := compileJob(i, spec, index, tb, lim)
		if err != nil {
			return nil, err
		}
		for _, w := range j.Windows {
			resources[w.Resource].Lockers = append(resources[w.Resource].Lockers, spec.Name)
		}
		out.Jobs = append(out.Jobs, j)
	}

	if err := assignCeilings(t, resources, index, lim); err != nil {
		return nil, err
	}
	out.Resources = resources
	return out, nil
}

func compileResources(t Table) ([]Resource, map[string]int, error) {
	index := make(map[string]int)
	var resources []Resource
	add := func(name string) {
		index[name] = len(resources)
		resources = append(resources, Resource{Index: len(resources), Name: name})
	}

	for _, r := range t.Resources {
		if r.Name == "" {
			return nil, nil, errors.Annotatef(ErrConfiguration, "resource without a name")
		}
		if _, dup := index[r.Name]; dup {
			return nil, nil, errors.Annotatef(ErrConfiguration, "duplicate resource %q", r.Name)
		}
		add(r.Name)
	}

	// No declarations: the set is whatever the windows reference.
	if len(t.Resources) == 0 {
		var names []string
		for _, spec := range t.Tasks {
			for _, w := range spec.Windows {
				if _, ok := index[w.Resource]; !ok && w.Resource != "" {
					index[w.Resource] = -1
					names = append(names, w.Resource)
				}
			}
		}
		sort.Strings(names)
		index = make(map[string]int)
		for _, name := range names {
			add(name)
		}
	}
	return resources, index, nil
}

// span is a window before or after tick conversion.
type span struct {
	resource string
	lock     int64
	unlock   int64
}

func compileJob(i int, spec Spec, index map[string]int, tb Timebase, lim Limits) (Job, error) {
	if spec.Priority < lim.MinPriority || spec.Priority > lim.MaxPriority {
		return Job{}, errors.Annotatef(ErrConfiguration, "task %q: priority %d outside %d..%d",
			spec.Name, spec.Priority, lim.MinPriority, lim.MaxPriority)
	}
	if spec.Period <= 0 || spec.Budget <= 0 || spec.Release < 0 {
		return Job{}, errors.Annotatef(ErrConfiguration, "task %q: release %d, budget %d, period %d",
			spec.Name, spec.Release, spec.Budget, spec.Period)
	}
	if spec.Budget > spec.Period {
		return Job{}, errors.Annotatef(ErrConfiguration, "task %q: budget %d exceeds period %d",
			spec.Name, spec.Budget, spec.Period)
	}

	used := make(map[string]bool)
	units := make([]span, 0, len(spec.Windows))
	for _, w := range spec.Windows {
		if _, ok := index[w.Resource]; !ok {
			return Job{}, errors.Annotatef(ErrConfiguration, "task %q: unknown resource %q", spec.Name, w.Resource)
		}
		if used[w.Resource] {
			return Job{}, errors.Annotatef(ErrConfiguration, "task %q: resource %q has more than one window",
				spec.Name, w.Resource)
		}
		used[w.Resource] = true
		units = append(units, span{resource: w.Resource, lock: w.Lock, unlock: w.Unlock})
	}
	if err := checkWindows(spec.Name, units, spec.Budget, lim.MaxNesting); err != nil {
		return Job{}, err
	}

	j := Job{
		Index:    i,
		Name:     spec.Name,
		Priority: spec.Priority,
		Release:  tb.Ticks(spec.Release),
		Budget:   tb.Ticks(spec.Budget),
		Period:   tb.Ticks(spec.Period),
	}
	if j.Budget <= 0 || j.Period <= 0 {
		return Job{}, errors.Annotatef(ErrConfiguration, "task %q: budget or period shorter than one tick", spec.Name)
	}

	ticks := make([]span, 0, len(units))
	for _, u := range units {
		ticks = append(ticks, span{
			resource: u.resource,
			lock:     int64(tb.Ticks(u.lock)),
			unlock:   int64(tb.Ticks(u.unlock)),
		})
	}
	if err := checkWindows(spec.Name, ticks, int64(j.Budget), lim.MaxNesting); err != nil {
		return Job{}, errors.Annotatef(err, "after conversion to %dms ticks", tb.TickMS)
	}

	sort.SliceStable(ticks, func(a, b int) bool { return ticks[a].lock < ticks[b].lock })
	for wi, s := range ticks {
		r := index[s.resource]
		j.Windows = append(j.Windows, Access{Resource: r, Lock: sched.Tick(s.lock), Unlock: sched.Tick(s.unlock)})
		j.Steps = append(j.Steps,
			Step{At: sched.Tick(s.lock), Kind: StepLock, Resource: r, Window: wi},
			Step{At: sched.Tick(s.unlock), Kind: StepUnlock, Resource: r, Window: wi},
		)
	}
	sort.SliceStable(j.Steps, func(a, b int) bool {
		sa, sb := j.Steps[a], j.Steps[b]
		if sa.At != sb.At {
			return sa.At < sb.At
		}
		return sa.Kind == StepUnlock && sb.Kind == StepLock
	})
	return j, nil
}

// checkWindows enforces lock < unlock <= budget and that windows are either
// sequential (unlock_i <= lock_j) or strictly nested, never crossing, with
// at most maxNesting held at once.
func checkWindows(task string, windows []span, budget int64, maxNesting int) error {
	sorted := append([]span(nil), windows...)
	sort.SliceStable(sorted, func(a, b int) bool { return sorted[a].lock < sorted[b].lock })

	var open []span
	for i, w := range sorted {
		if w.lock < 0 || w.lock >= w.unlock {
			return errors.Annotatef(ErrConfiguration, "task %q: window %q locks at %d and unlocks at %d",
				task, w.resource, w.lock, w.unlock)
		}
		if w.unlock > budget {
			return errors.Annotatef(ErrConfiguration, "task %q: window %q unlocks at %d after the budget %d",
				task, w.resource, w.unlock, budget)
		}
		if i > 0 && sorted[i-1].lock == w.lock {
			return errors.Annotatef(ErrConfiguration, "task %q: windows %q and %q lock at the same offset %d",
				task, sorted[i-1].resource, w.resource, w.lock)
		}

		for len(open) > 0 && open[len(open)-1].unlock <= w.lock {
			open = open[:len(open)-1]
		}
		if n := len(open); n > 0 && w.unlock >= open[n-1].unlock {
			return errors.Annotatef(ErrConfiguration, "task %q: window %q (%d-%d) crosses window %q (%d-%d)",
				task, w.resource, w.lock, w.unlock, open[n-1].resource, open[n-1].lock, open[n-1].unlock)
		}
		open = append(open, w)
		if len(open) > maxNesting {
			return errors.Annotatef(ErrConfiguration, "task %q: window %q nests %d deep, limit is %d",
				task, w.resource, len(open), maxNesting)
		}
	}
	return nil
}

// assignCeilings computes each resource's ceiling as the highest base
// priority among its lockers and reconciles it with declared values.
func assignCeilings(t Table, resources []Resource, index map[string]int, lim Limits) error {
	computed := make([]int, len(resources))
	highest := make([]string, len(resources))
	for i := range computed {
		computed[i] = lim.MinPriority
	}
	for _, spec := range t.Tasks {
		for _, w := range spec.Windows {
			r := index[w.Resource]
			if spec.Priority > computed[r] || highest[r] == "" {
				computed[r] = spec.Priority
				highest[r] = spec.Name
			}
		}
	}

	declared := make([]*int, len(resources))
	declare := func(r int, v *int, where string) error {
		if v == nil {
			return nil
		}
		if declared[r] != nil && *declared[r] != *v {
			return errors.Annotatef(ErrConfiguration, "resource %q: %s declares ceiling %d, already declared as %d",
				resources[r].Name, where, *v, *declared[r])
		}
		declared[r] = v
		return nil
	}
	for _, rs := range t.Resources {
		if err := declare(index[rs.Name], rs.Ceiling, "resource table"); err != nil {
			return err
		}
	}
	for _, spec := range t.Tasks {
		for _, w := range spec.Windows {
			if err := declare(index[w.Resource], w.Ceiling, "task "+spec.Name); err != nil {
				return err
			}
		}
	}

	for i := range resources {
		resources[i].Ceiling = computed[i]
		d := declared[i]
		if d == nil {
			continue
		}
		if *d > lim.MaxPriority {
			return errors.Annotatef(ErrConfiguration, "resource %q: ceiling %d above maximum priority %d",
				resources[i].Name, *d, lim.MaxPriority)
		}
		if *d < computed[i] {
			return errors.Annotatef(ErrConfiguration, "resource %q: ceiling %d below base priority %d of task %q",
				resources[i].Name, *d, computed[i], highest[i])
		}
		resources[i].Ceiling = *d
	}
	return nil
}
