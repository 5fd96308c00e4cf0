package monitor

import (
	"github.com/sirupsen/logrus"

	"pcpsched/internal/pcp"
	"pcpsched/internal/sched"
)

// Logger renders engine and kernel events as log lines.
type Logger struct {
	log logrus.FieldLogger
}

// NewLogger wraps a logrus logger. A nil logger means the standard one.
func NewLogger(log logrus.FieldLogger) *Logger {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Logger{log: log}
}

// Observe implements pcp.Sink.
func (l *Logger) Observe(ev pcp.Event) {
	entry := l.log.WithFields(logrus.Fields{
		"tick": ev.Tick,
		"task": ev.Task,
	})
	if ev.Resource != "" {
		entry = entry.WithField("resource", ev.Resource)
	}

	switch ev.Kind {
	case pcp.Acquired:
		entry.Infof("%s acquired resource %s and changed its priority from %d to %d",
			ev.Task, ev.Resource, ev.OldPriority, ev.NewPriority)
	case pcp.AcquireFailed:
		entry.WithError(ev.Err).Warnf("%s could not acquire resource %s with priority %d",
			ev.Task, ev.Resource, ev.OldPriority)
	case pcp.Released:
		entry.Infof("%s released resource %s and changed its priority from %d to %d",
			ev.Task, ev.Resource, ev.OldPriority, ev.NewPriority)
	case pcp.ReleaseFailed:
		entry.WithError(ev.Err).Warnf("%s could not release resource %s with priority %d",
			ev.Task, ev.Resource, ev.OldPriority)
	case pcp.JobReleased:
		entry.Debugf("%s released", ev.Task)
	case pcp.JobCompleted:
		entry.Debugf("%s completed", ev.Task)
	case pcp.DeadlineMissed:
		entry.Warnf("%s missed its deadline", ev.Task)
	}
}

// ObserveStatus logs kernel status events at trace level. Suitable for
// sched.Kernel.SetObserver.
func (l *Logger) ObserveStatus(ev sched.StatusEvent) {
	l.log.WithFields(logrus.Fields{
		"tick":     ev.Tick,
		"task":     ev.Task,
		"priority": ev.Priority,
		"ran":      ev.Ran,
	}).Trace(ev.Kind.String())
}
