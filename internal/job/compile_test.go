package job

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pcpsched/internal/sched"
)

var (
	testTimebase = Timebase{UnitMS: 100, TickMS: 10}
	testLimits   = Limits{MinPriority: 0, MaxPriority: 7, MaxNesting: 2}
)

func TestCompileReferenceTable(t *testing.T) {
	c, err := Compile(ReferenceTable(), testTimebase, testLimits)
	require.NoError(t, err)

	require.Len(t, c.Resources, 3)
	ceilings := map[string]int{}
	for _, r := range c.Resources {
		ceilings[r.Name] = r.Ceiling
	}
	assert.Equal(t, map[string]int{"A": 4, "B": 5, "C": 5}, ceilings)

	a, ok := c.Lookup("A")
	require.True(t, ok)
	assert.Equal(t, []string{"task2", "task3", "task4"}, a.Lockers)
	_, ok = c.Lookup("Z")
	assert.False(t, ok)

	require.Len(t, c.Jobs, 4)
	task3 := c.Jobs[2]
	assert.Equal(t, "task3", task3.Name)
	assert.Equal(t, sched.Tick(50), task3.Release)
	assert.Equal(t, sched.Tick(80), task3.Budget)
	assert.Equal(t, sched.Tick(1000), task3.Period)

	b, _ := c.Lookup("B")
	assert.Equal(t, []Access{
		{Resource: b.Index, Lock: 20, Unlock: 70},
		{Resource: a.Index, Lock: 30, Unlock: 50},
	}, task3.Windows)
	assert.Equal(t, []Step{
		{At: 20, Kind: StepLock, Resource: b.Index, Window: 0},
		{At: 30, Kind: StepLock, Resource: a.Index, Window: 1},
		{At: 50, Kind: StepUnlock, Resource: a.Index, Window: 1},
		{At: 70, Kind: StepUnlock, Resource: b.Index, Window: 0},
	}, task3.Steps)
}

func TestCompileComputesCeilingsFromLockers(t *testing.T) {
	table := Table{Tasks: []Spec{
		{Name: "hi", Priority: 6, Budget: 4, Period: 10, Windows: []Window{{Resource: "Y", Lock: 1, Unlock: 2}}},
		{Name: "lo", Priority: 2, Budget: 4, Period: 10, Windows: []Window{
			{Resource: "X", Lock: 0, Unlock: 1},
			{Resource: "Y", Lock: 2, Unlock: 3},
		}},
	}}
	c, err := Compile(table, Timebase{UnitMS: 1, TickMS: 1}, testLimits)
	require.NoError(t, err)

	require.Len(t, c.Resources, 2)
	assert.Equal(t, "X", c.Resources[0].Name)
	assert.Equal(t, 2, c.Resources[0].Ceiling)
	assert.Equal(t, "Y", c.Resources[1].Name)
	assert.Equal(t, 6, c.Resources[1].Ceiling)
}

func TestCompileAcceptsDeclaredCeilingAboveComputed(t *testing.T) {
	table := Table{
		Resources: []ResourceSpec{{Name: "R"}},
		Tasks: []Spec{{Name: "t", Priority: 2, Budget: 4, Period: 10, Windows: []Window{
			{Resource: "R", Lock: 1, Unlock: 2, Ceiling: intp(5)},
		}}},
	}
	c, err := Compile(table, Timebase{UnitMS: 1, TickMS: 1}, testLimits)
	require.NoError(t, err)
	assert.Equal(t, 5, c.Resources[0].Ceiling)
}

func TestCompileOrdersUnlockBeforeLockAtTheSameOffset(t *testing.T) {
	table := Table{Tasks: []Spec{{Name: "t", Priority: 1, Budget: 6, Period: 10, Windows: []Window{
		{Resource: "Y", Lock: 3, Unlock: 5},
		{Resource: "X", Lock: 1, Unlock: 3},
	}}}}
	c, err := Compile(table, Timebase{UnitMS: 1, TickMS: 1}, testLimits)
	require.NoError(t, err)

	x, _ := c.Lookup("X")
	y, _ := c.Lookup("Y")
	assert.Equal(t, []Step{
		{At: 1, Kind: StepLock, Resource: x.Index, Window: 0},
		{At: 3, Kind: StepUnlock, Resource: x.Index, Window: 0},
		{At: 3, Kind: StepLock, Resource: y.Index, Window: 1},
		{At: 5, Kind: StepUnlock, Resource: y.Index, Window: 1},
	}, c.Jobs[0].Steps)
	assert.Equal(t, "lock", StepLock.String())
	assert.Equal(t, "unlock", StepUnlock.String())
}

func TestTimebaseTruncates(t *testing.T) {
	tb := Timebase{UnitMS: 15, TickMS: 10}
	assert.Equal(t, sched.Tick(4), tb.Ticks(3))
	assert.Equal(t, sched.Tick(0), tb.Ticks(0))
	assert.Equal(t, sched.Tick(10), testTimebase.Ticks(1))
}

func TestCompileRejectsBadTables(t *testing.T) {
	one := func(windows ...Window) Table {
		return Table{Tasks: []Spec{{Name: "t", Priority: 3, Budget: 10, Period: 20, Windows: windows}}}
	}
	unit := Timebase{UnitMS: 1, TickMS: 1}

	tests := []struct {
		name     string
		table    Table
		timebase Timebase
		contains string
	}{
		{
			name:     "no tasks",
			table:    Table{},
			timebase: unit,
			contains: "no tasks",
		},
		{
			name:     "bad timebase",
			table:    one(),
			timebase: Timebase{UnitMS: 0, TickMS: 10},
			contains: "time unit",
		},
		{
			name: "duplicate task",
			table: Table{Tasks: []Spec{
				{Name: "t", Priority: 1, Budget: 1, Period: 2},
				{Name: "t", Priority: 2, Budget: 1, Period: 2},
			}},
			timebase: unit,
			contains: `duplicate task "t"`,
		},
		{
			name:     "unnamed task",
			table:    Table{Tasks: []Spec{{Priority: 1, Budget: 1, Period: 2}}},
			timebase: unit,
			contains: "has no name",
		},
		{
			name:     "priority out of range",
			table:    Table{Tasks: []Spec{{Name: "t", Priority: 8, Budget: 1, Period: 2}}},
			timebase: unit,
			contains: "outside 0..7",
		},
		{
			name:     "budget exceeds period",
			table:    Table{Tasks: []Spec{{Name: "t", Priority: 1, Budget: 3, Period: 2}}},
			timebase: unit,
			contains: "exceeds period",
		},
		{
			name:     "negative release",
			table:    Table{Tasks: []Spec{{Name: "t", Priority: 1, Release: -1, Budget: 1, Period: 2}}},
			timebase: unit,
			contains: "release -1",
		},
		{
			name:     "budget shorter than a tick",
			table:    Table{Tasks: []Spec{{Name: "t", Priority: 1, Budget: 5, Period: 1000}}},
			timebase: Timebase{UnitMS: 1, TickMS: 10},
			contains: "shorter than one tick",
		},
		{
			name: "unknown resource",
			table: Table{
				Resources: []ResourceSpec{{Name: "A"}},
				Tasks:     []Spec{{Name: "t", Priority: 1, Budget: 4, Period: 8, Windows: []Window{{Resource: "B", Lock: 1, Unlock: 2}}}},
			},
			timebase: unit,
			contains: `unknown resource "B"`,
		},
		{
			name:     "two windows on one resource",
			table:    one(Window{Resource: "A", Lock: 1, Unlock: 2}, Window{Resource: "A", Lock: 3, Unlock: 4}),
			timebase: unit,
			contains: "more than one window",
		},
		{
			name:     "empty window",
			table:    one(Window{Resource: "A", Lock: 2, Unlock: 2}),
			timebase: unit,
			contains: "locks at 2 and unlocks at 2",
		},
		{
			name:     "window past the budget",
			table:    one(Window{Resource: "A", Lock: 2, Unlock: 11}),
			timebase: unit,
			contains: "after the budget",
		},
		{
			name:     "crossing windows",
			table:    one(Window{Resource: "A", Lock: 1, Unlock: 4}, Window{Resource: "B", Lock: 2, Unlock: 6}),
			timebase: unit,
			contains: "crosses window",
		},
		{
			name: "nested too deep",
			table: one(
				Window{Resource: "A", Lock: 1, Unlock: 9},
				Window{Resource: "B", Lock: 2, Unlock: 8},
				Window{Resource: "C", Lock: 3, Unlock: 7},
			),
			timebase: unit,
			contains: "nests 3 deep, limit is 2",
		},
		{
			name:     "same lock offset",
			table:    one(Window{Resource: "A", Lock: 1, Unlock: 5}, Window{Resource: "B", Lock: 1, Unlock: 3}),
			timebase: unit,
			contains: "lock at the same offset",
		},
		{
			name:     "windows collapse in ticks",
			table:    Table{Tasks: []Spec{{Name: "t", Priority: 1, Budget: 100, Period: 1000, Windows: []Window{{Resource: "A", Lock: 1, Unlock: 5}}}}},
			timebase: Timebase{UnitMS: 1, TickMS: 10},
			contains: "after conversion to 10ms ticks",
		},
		{
			name: "ceiling below a locker",
			table: Table{
				Resources: []ResourceSpec{{Name: "A", Ceiling: intp(1)}},
				Tasks:     []Spec{{Name: "t", Priority: 3, Budget: 4, Period: 8, Windows: []Window{{Resource: "A", Lock: 1, Unlock: 2}}}},
			},
			timebase: unit,
			contains: `ceiling 1 below base priority 3 of task "t"`,
		},
		{
			name: "ceiling above the maximum",
			table: Table{
				Resources: []ResourceSpec{{Name: "A", Ceiling: intp(9)}},
				Tasks:     []Spec{{Name: "t", Priority: 3, Budget: 4, Period: 8, Windows: []Window{{Resource: "A", Lock: 1, Unlock: 2}}}},
			},
			timebase: unit,
			contains: "above maximum priority 7",
		},
		{
			name: "conflicting ceilings",
			table: Table{
				Resources: []ResourceSpec{{Name: "A", Ceiling: intp(4)}},
				Tasks:     []Spec{{Name: "t", Priority: 3, Budget: 4, Period: 8, Windows: []Window{{Resource: "A", Lock: 1, Unlock: 2, Ceiling: intp(5)}}}},
			},
			timebase: unit,
			contains: "already declared as 4",
		},
		{
			name: "duplicate resource",
			table: Table{
				Resources: []ResourceSpec{{Name: "A"}, {Name: "A"}},
				Tasks:     []Spec{{Name: "t", Priority: 1, Budget: 1, Period: 2}},
			},
			timebase: unit,
			contains: `duplicate resource "A"`,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Compile(tc.table, tc.timebase, testLimits)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrConfiguration)
			assert.Contains(t, err.Error(), tc.contains)
		})
	}
}
