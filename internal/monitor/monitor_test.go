package monitor

import (
	"bytes"
	"encoding/csv"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pcpsched/internal/job"
	"pcpsched/internal/pcp"
	"pcpsched/internal/sched"
)

var when = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func acquired(tick sched.Tick, task, res string, from, to int) pcp.Event {
	return pcp.Event{Time: when, Tick: tick, Kind: pcp.Acquired, Task: task, Resource: res, OldPriority: from, NewPriority: to}
}

func released(tick sched.Tick, task, res string, from, to int) pcp.Event {
	return pcp.Event{Time: when, Tick: tick, Kind: pcp.Released, Task: task, Resource: res, OldPriority: from, NewPriority: to}
}

func TestLoggerMirrorsEvents(t *testing.T) {
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.TraceLevel)
	l := NewLogger(log)

	l.Observe(acquired(2, "task4", "A", 2, 4))
	l.Observe(pcp.Event{Kind: pcp.AcquireFailed, Task: "task3", Resource: "A", OldPriority: 3, NewPriority: 3,
		Err: errors.Annotate(pcp.ErrLockUnavailable, "after 1 ticks")})
	l.Observe(pcp.Event{Kind: pcp.DeadlineMissed, Task: "task4"})
	l.ObserveStatus(sched.StatusEvent{Tick: 3, Kind: sched.StatusPreempt, Task: "task4", Priority: 2})

	entries := hook.AllEntries()
	require.Len(t, entries, 4)
	assert.Equal(t, logrus.InfoLevel, entries[0].Level)
	assert.Equal(t, "task4 acquired resource A and changed its priority from 2 to 4", entries[0].Message)
	assert.Equal(t, "A", entries[0].Data["resource"])

	assert.Equal(t, logrus.WarnLevel, entries[1].Level)
	assert.Equal(t, "task3 could not acquire resource A with priority 3", entries[1].Message)
	assert.Contains(t, entries[1].Data[logrus.ErrorKey].(error).Error(), "resource unavailable")

	assert.Equal(t, logrus.WarnLevel, entries[2].Level)
	assert.Equal(t, logrus.TraceLevel, entries[3].Level)
	assert.Equal(t, "Preempt", entries[3].Message)
}

func TestCSVWritesOneRowPerEvent(t *testing.T) {
	var buf bytes.Buffer
	c := NewCSV(&buf, "run-1")
	c.Observe(acquired(2, "task4", "A", 2, 4))
	c.Observe(pcp.Event{Time: when, Tick: 9, Kind: pcp.ReleaseFailed, Task: "task1", Resource: "C",
		OldPriority: 5, NewPriority: 5, Err: pcp.ErrInvalidRelease})
	require.NoError(t, c.Close())

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, csvHeader, rows[0])
	assert.Equal(t, []string{"run-1", "2024-03-01T12:00:00Z", "2", "Acquired", "task4", "A", "2", "4", ""}, rows[1])
	assert.Equal(t, []string{"run-1", "2024-03-01T12:00:00Z", "9", "ReleaseFailed", "task1", "C", "5", "5",
		"resource not held by task"}, rows[2])
}

func TestCreateCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.csv")
	c, err := CreateCSV(path, "run-2")
	require.NoError(t, err)
	c.Observe(released(8, "task4", "A", 4, 2))
	require.NoError(t, c.Close())

	_, err = CreateCSV(filepath.Join(t.TempDir(), "missing", "trace.csv"), "run-3")
	assert.Error(t, err)
}

func TestCollectorCountsEventsAndHoldTimes(t *testing.T) {
	c := NewCollector()
	c.Observe(acquired(2, "task4", "A", 2, 4))
	c.Observe(acquired(4, "task4", "B", 4, 5))
	c.Observe(released(6, "task4", "B", 5, 4))
	c.Observe(released(8, "task4", "A", 4, 2))
	c.Observe(pcp.Event{Kind: pcp.AcquireFailed, Task: "task3", Resource: "A"})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.events.WithLabelValues("Acquired", "task4", "A")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.events.WithLabelValues("AcquireFailed", "task3", "A")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.priority.WithLabelValues("task4")))
	assert.Equal(t, 2, testutil.CollectAndCount(c, "pcpsched_hold_ticks"))
	assert.Empty(t, c.acquiredAt)

	assert.NoError(t, testutil.CollectAndCompare(c.priority, bytes.NewBufferString(`
# HELP pcpsched_effective_priority Effective priority of each task after its last acquire or release.
# TYPE pcpsched_effective_priority gauge
pcpsched_effective_priority{task="task4"} 2
`)))
}

func TestStreamBlocksUntilRead(t *testing.T) {
	s := NewStream(1)
	go func() {
		for i, name := range []string{"a", "b", "c", "d"} {
			s.Observe(acquired(sched.Tick(i), name, "A", 1, 2))
		}
		s.Close()
	}()

	var got []string
	for ev := range s.C() {
		got = append(got, ev.Task)
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, got)

	s.Close()
	s.Observe(acquired(5, "e", "A", 1, 2))
}

func TestRecorderQueries(t *testing.T) {
	r := NewRecorder()
	r.Observe(acquired(2, "task4", "A", 2, 4))
	r.Observe(acquired(4, "task4", "B", 4, 5))
	r.Observe(released(6, "task4", "B", 5, 4))

	assert.Len(t, r.Events(), 3)
	assert.Equal(t, 2, r.Count(pcp.Acquired, "", ""))
	assert.Equal(t, 1, r.Count(pcp.Acquired, "task4", "B"))
	assert.Equal(t, 0, r.Count(pcp.Acquired, "task1", ""))
	assert.Equal(t, sched.Tick(6), r.Select(pcp.Released, "", "B")[0].Tick)
}

func TestRecorderCheck(t *testing.T) {
	compiled, err := job.Compile(job.ReferenceTable(),
		job.Timebase{UnitMS: 1, TickMS: 1},
		job.Limits{MinPriority: 0, MaxPriority: 7, MaxNesting: 2})
	require.NoError(t, err)
	exp := ExpectationsFor(compiled)
	assert.Equal(t, 4, exp.Ceilings["A"])
	assert.Equal(t, 2, exp.Bases["task4"])

	tests := []struct {
		name     string
		events   []pcp.Event
		contains string
	}{
		{
			name: "nested windows",
			events: []pcp.Event{
				acquired(22, "task3", "B", 3, 5),
				acquired(23, "task3", "A", 5, 5),
				released(25, "task3", "A", 5, 5),
				released(27, "task3", "B", 5, 3),
			},
		},
		{
			name: "two holders",
			events: []pcp.Event{
				acquired(1, "task4", "A", 2, 4),
				acquired(2, "task2", "A", 4, 4),
			},
			contains: "task2 acquired A held by task4",
		},
		{
			name:     "below ceiling",
			events:   []pcp.Event{acquired(1, "task4", "B", 2, 4)},
			contains: "below ceiling 5",
		},
		{
			name: "released by another task",
			events: []pcp.Event{
				acquired(1, "task4", "A", 2, 4),
				released(2, "task2", "A", 4, 4),
			},
			contains: `task2 released A held by "task4"`,
		},
		{
			name: "not restored to base",
			events: []pcp.Event{
				acquired(1, "task4", "A", 2, 4),
				released(2, "task4", "A", 4, 3),
			},
			contains: "base is 2",
		},
		{
			name: "dropped below a held ceiling",
			events: []pcp.Event{
				acquired(1, "task4", "A", 2, 4),
				acquired(2, "task4", "B", 4, 5),
				released(3, "task4", "A", 5, 4),
			},
			contains: "still holds B",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := NewRecorder()
			for _, ev := range tc.events {
				r.Observe(ev)
			}
			err := r.Check(exp)
			if tc.contains == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvariant)
			assert.Contains(t, err.Error(), tc.contains)
		})
	}
}
