package monitor

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/juju/errors"

	"pcpsched/internal/pcp"
)

var csvHeader = []string{
	"run_id", "timestamp", "tick", "event", "task", "resource", "old_priority", "new_priority", "error",
}

// CSV writes one row per engine event.
type CSV struct {
	mu     sync.Mutex
	closer io.Closer
	w      *csv.Writer
	runID  string
}

// CreateCSV opens path for CSV logging of events.
func CreateCSV(path, runID string) (*CSV, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Annotatef(err, "creating trace %q", path)
	}
	c := NewCSV(f, runID)
	c.closer = f
	return c, nil
}

// NewCSV writes to w and emits the header immediately.
func NewCSV(w io.Writer, runID string) *CSV {
	c := &CSV{w: csv.NewWriter(w), runID: runID}
	_ = c.w.Write(csvHeader)
	c.w.Flush()
	return c
}

// Observe implements pcp.Sink.
func (c *CSV) Observe(ev pcp.Event) {
	errText := ""
	if ev.Err != nil {
		errText = ev.Err.Error()
	}
	rec := []string{
		c.runID,
		ev.Time.Format(time.RFC3339Nano),
		strconv.FormatInt(int64(ev.Tick), 10),
		ev.Kind.String(),
		ev.Task,
		ev.Resource,
		strconv.Itoa(ev.OldPriority),
		strconv.Itoa(ev.NewPriority),
		errText,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.w.Write(rec)
	c.w.Flush()
}

// Close flushes and closes the underlying file, if CreateCSV opened one.
func (c *CSV) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		return errors.Trace(err)
	}
	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}
