package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/subcommands"
	"github.com/google/uuid"
	"github.com/gosuri/uitable"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"pcpsched/internal/config"
	"pcpsched/internal/monitor"
	"pcpsched/internal/pcp"
	"pcpsched/internal/sched"
)

// runCmd implements subcommands.Command for the "run" command.
type runCmd struct {
	configPath  string
	duration    time.Duration
	virtual     bool
	ticks       int64
	csvPath     string
	metricsAddr string
	kernelTrace bool
}

// Name implements subcommands.Command.Name.
func (*runCmd) Name() string { return "run" }

// Synopsis implements subcommands.Command.Synopsis.
func (*runCmd) Synopsis() string { return "Run the task set under the priority ceiling protocol." }

// Usage implements subcommands.Command.Usage.
func (*runCmd) Usage() string {
	return `run [-config file] [-duration d] [-virtual [-ticks n]] [-csv file] [-metrics addr] [-kernel-trace]
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *runCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.configPath, "config", "config.yml", "YAML configuration; empty for the built-in task set")
	f.DurationVar(&r.duration, "duration", 20*time.Second, "how long to run; 0 runs until interrupted")
	f.BoolVar(&r.virtual, "virtual", false, "advance time as fast as possible instead of in real time")
	f.Int64Var(&r.ticks, "ticks", 0, "ticks to simulate with -virtual; 0 derives them from -duration")
	f.StringVar(&r.csvPath, "csv", "", "write the event trace to this CSV file")
	f.StringVar(&r.metricsAddr, "metrics", "", "serve Prometheus metrics on this address, e.g. :9100")
	f.BoolVar(&r.kernelTrace, "kernel-trace", false, "log kernel dispatch decisions at trace level")
}

// Execute implements subcommands.Command.Execute.
func (r *runCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, log, err := loadConfig(r.configPath)
	if err != nil {
		log.WithError(err).Error("cannot load configuration")
		return subcommands.ExitFailure
	}
	if r.kernelTrace {
		log.SetLevel(logrus.TraceLevel)
	}
	if err := r.run(ctx, cfg, log); err != nil {
		log.WithError(err).Error("run failed")
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (r *runCmd) run(ctx context.Context, cfg config.Config, logger *logrus.Logger) error {
	table, err := cfg.Compile()
	if err != nil {
		return errors.Trace(err)
	}

	runID := uuid.NewString()
	log := logger.WithField("run", runID)

	kernel := sched.New(cfg.Config, clock.WallClock)
	lines := monitor.NewLogger(log)
	if r.kernelTrace {
		kernel.SetObserver(lines.ObserveStatus)
	}

	recorder := monitor.NewRecorder()
	collector := monitor.NewCollector()
	stream := monitor.NewStream(cfg.EventBuffer)

	opts := cfg.EngineOptions()
	opts.Logger = log
	opts.Sinks = []pcp.Sink{recorder, collector, stream}
	engine, err := pcp.New(kernel, table, opts)
	if err != nil {
		return errors.Trace(err)
	}

	var trace *monitor.CSV
	if r.csvPath != "" {
		if trace, err = monitor.CreateCSV(r.csvPath, runID); err != nil {
			return errors.Trace(err)
		}
		defer func() {
			if err := trace.Close(); err != nil {
				log.WithError(err).Warn("cannot close trace file")
			}
		}()
	}

	// Logging and file output run off the task goroutines.
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for ev := range stream.C() {
			lines.Observe(ev)
			if trace != nil {
				trace.Observe(ev)
			}
		}
	}()

	log.WithFields(logrus.Fields{
		"tasks":     len(table.Jobs),
		"resources": len(table.Resources),
		"tick":      cfg.TickDuration(),
		"virtual":   r.virtual,
	}).Info("starting")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer cancel()
		return r.drive(gctx, kernel)
	})
	if r.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collector)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: r.metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			log.WithField("addr", r.metricsAddr).Info("serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Annotate(err, "metrics server")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			return srv.Shutdown(sctx)
		})
	}
	err = g.Wait()

	stream.Close()
	<-drained
	if err != nil {
		return err
	}

	printSummary(os.Stdout, kernel.Now(), engine.Snapshot())
	if err := recorder.Check(monitor.ExpectationsFor(table)); err != nil {
		return err
	}
	log.WithField("events", len(recorder.Events())).Info("trace satisfies the protocol invariants")
	return nil
}

// drive advances the kernel, virtually or in real time, until the run ends.
func (r *runCmd) drive(ctx context.Context, k *sched.Kernel) error {
	if !r.virtual {
		if r.duration > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.duration)
			defer cancel()
		}
		return k.Run(ctx)
	}

	ticks := sched.Tick(r.ticks)
	if ticks <= 0 {
		ticks = sched.Tick(r.duration / k.Config().TickDuration())
	}
	if err := k.Start(ctx); err != nil {
		return err
	}
	// Zero ticks runs until ctx is cancelled.
	for i := sched.Tick(0); (ticks <= 0 || i < ticks) && ctx.Err() == nil; i++ {
		if !k.Step() {
			break
		}
	}
	k.Stop()
	return k.Wait()
}

func printSummary(w io.Writer, now sched.Tick, status []pcp.TaskStatus) {
	table := uitable.New()
	table.MaxColWidth = 40
	for _, col := range []int{1, 2, 4, 5, 6} {
		table.RightAlign(col)
	}
	table.AddRow("Task", "Base", "Effective", "State", "Jobs", "Deadline misses", "Acquire misses", "Held")
	for _, s := range status {
		table.AddRow(s.Name, s.Base, s.Effective, s.State, s.Jobs, s.DeadlineMisses, s.AcquireMisses,
			strings.Join(s.Held, ","))
	}
	fmt.Fprintf(w, "after %d ticks\n", now)
	fmt.Fprintln(w, table)
}
