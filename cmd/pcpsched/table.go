package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/subcommands"
	"github.com/gosuri/uitable"

	"pcpsched/internal/job"
)

// tableCmd implements subcommands.Command for the "table" command.
type tableCmd struct {
	configPath string
}

// Name implements subcommands.Command.Name.
func (*tableCmd) Name() string { return "table" }

// Synopsis implements subcommands.Command.Synopsis.
func (*tableCmd) Synopsis() string { return "Print the compiled task set in ticks." }

// Usage implements subcommands.Command.Usage.
func (*tableCmd) Usage() string {
	return `table [-config file] - print jobs, windows and resource ceilings.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (t *tableCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&t.configPath, "config", "config.yml", "YAML configuration; empty for the built-in task set")
}

// Execute implements subcommands.Command.Execute.
func (t *tableCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, log, err := loadConfig(t.configPath)
	if err != nil {
		log.WithError(err).Error("cannot load configuration")
		return subcommands.ExitFailure
	}
	compiled, err := cfg.Compile()
	if err != nil {
		log.WithError(err).Error("invalid task set")
		return subcommands.ExitFailure
	}
	printTable(os.Stdout, compiled)
	return subcommands.ExitSuccess
}

func printTable(w io.Writer, c *job.Compiled) {
	fmt.Fprintf(w, "1 unit = %dms, 1 tick = %dms\n\n", c.Timebase.UnitMS, c.Timebase.TickMS)

	jobs := uitable.New()
	for _, col := range []int{1, 2, 3, 4} {
		jobs.RightAlign(col)
	}
	jobs.AddRow("Task", "Priority", "Release", "Budget", "Period", "Windows")
	for _, j := range c.Jobs {
		windows := make([]string, 0, len(j.Windows))
		for _, a := range j.Windows {
			windows = append(windows, windowString(c, a))
		}
		jobs.AddRow(j.Name, j.Priority, j.Release, j.Budget, j.Period, strings.Join(windows, " "))
	}
	fmt.Fprintln(w, jobs)
	fmt.Fprintln(w)

	resources := uitable.New()
	resources.RightAlign(1)
	resources.AddRow("Resource", "Ceiling", "Used by")
	for _, r := range c.Resources {
		resources.AddRow(r.Name, r.Ceiling, strings.Join(r.Lockers, ","))
	}
	fmt.Fprintln(w, resources)
}

// windowString renders a window as resource@lock-unlock.
func windowString(c *job.Compiled, a job.Access) string {
	return fmt.Sprintf("%s@%d-%d", c.Resources[a.Resource].Name, a.Lock, a.Unlock)
}
