// Command pcpsched runs a periodic task set under the priority ceiling
// protocol on a simulated fixed-priority kernel.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"pcpsched/internal/config"
)

var (
	logFormat = flag.String("log-format", "text", "log format: text or json")
	logLevel  = flag.String("log-level", "", "overrides log_level from the config file")
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&runCmd{}, "")
	subcommands.Register(&validateCmd{}, "")
	subcommands.Register(&tableCmd{}, "")

	flag.Parse()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := subcommands.Execute(ctx)
	stop()
	os.Exit(int(code))
}

// loadConfig reads the config file and builds the logger it asks for.
func loadConfig(path string) (config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, newLogger(logrus.InfoLevel), err
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	lvl, err := cfg.Level()
	if err != nil {
		return config.Config{}, newLogger(logrus.InfoLevel), err
	}
	return cfg, newLogger(lvl), nil
}

func newLogger(lvl logrus.Level) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(lvl)
	if *logFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}
