package job

import "github.com/juju/errors"

// ErrConfiguration marks a job table the protocol cannot honour. It is
// fatal: nothing may start when Compile returns it.
const ErrConfiguration = errors.ConstError("configuration error")

// Window is one resource-access window of a job, in time units relative to
// the job's release.
type Window struct {
	Resource string `yaml:"resource"`
	Lock     int64  `yaml:"lock"`
	Unlock   int64  `yaml:"unlock"`
	Ceiling  *int   `yaml:"ceiling,omitempty"` // optional, checked against the computed ceiling
}

// Spec is one row of the job table.
type Spec struct {
	Name     string   `yaml:"name"`
	Priority int      `yaml:"priority"`
	Release  int64    `yaml:"release"` // time units after start
	Budget   int64    `yaml:"budget"`  // execution time per job
	Period   int64    `yaml:"period"`
	Windows  []Window `yaml:"windows"`
}

// ResourceSpec declares a shared resource.
type ResourceSpec struct {
	Name    string `yaml:"name"`
	Ceiling *int   `yaml:"ceiling,omitempty"`
}

// Table is the static configuration of the whole task set.
type Table struct {
	Resources []ResourceSpec `yaml:"resources"`
	Tasks     []Spec         `yaml:"tasks"`
}

func intp(v int) *int { return &v }

// ReferenceTable is the classic four-task, three-resource demonstration
// set. Time unit is 100ms, every task has a 10s period.
//
//	task   prio release budget   A        B        C
//	task1  5    10      5        -        5@1-2    5@3-4
//	task2  4    3       7        4@5-6    -        5@1-3
//	task3  3    5       8        4@3-5    5@2-7    -
//	task4  2    0       9        4@2-8    5@4-6    -
func ReferenceTable() Table {
	const period = 100
	return Table{
		Resources: []ResourceSpec{
			{Name: "A", Ceiling: intp(4)},
			{Name: "B", Ceiling: intp(5)},
			{Name: "C", Ceiling: intp(5)},
		},
		Tasks: []Spec{
			{
				Name: "task1", Priority: 5, Release: 10, Budget: 5, Period: period,
				Windows: []Window{
					{Resource: "B", Lock: 1, Unlock: 2},
					{Resource: "C", Lock: 3, Unlock: 4},
				},
			},
			{
				Name: "task2", Priority: 4, Release: 3, Budget: 7, Period: period,
				Windows: []Window{
					{Resource: "A", Lock: 5, Unlock: 6},
					{Resource: "C", Lock: 1, Unlock: 3},
				},
			},
			{
				Name: "task3", Priority: 3, Release: 5, Budget: 8, Period: period,
				Windows: []Window{
					{Resource: "A", Lock: 3, Unlock: 5},
					{Resource: "B", Lock: 2, Unlock: 7},
				},
			},
			{
				Name: "task4", Priority: 2, Release: 0, Budget: 9, Period: period,
				Windows: []Window{
					{Resource: "A", Lock: 2, Unlock: 8},
					{Resource: "B", Lock: 4, Unlock: 6},
				},
			},
		},
	}
}
