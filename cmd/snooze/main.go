package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"snooze/internal/app"
	"snooze/internal/clock"
	"snooze/internal/config"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run parses flags and either validates the config or runs the service.
// Params: CLI args (--config-file or --config-dir, optional --check) and output streams.
// Returns: exit code 0 on success, 2 on usage/config errors, 1 on runtime errors.
func run(args []string, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("snooze", flag.ContinueOnError)
	flags.SetOutput(stderr)
	configFile := flags.String("config-file", "", "path to one TOML config file")
	configDir := flags.String("config-dir", "", "path to directory with TOML config fragments")
	check := flags.Bool("check", false, "validate config, print pipeline summary and exit")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	source, err := config.FromCLI(*configFile, *configDir)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err.Error())
		return 2
	}

	if *check {
		if err := printSummary(source, stdout); err != nil {
			_, _ = fmt.Fprintln(stderr, "config check failed:", err.Error())
			return 2
		}
		return 0
	}

	service, err := app.NewService(source, clock.RealClock{})
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "service init failed:", err.Error())
		return 1
	}
	if err := service.Run(context.Background()); err != nil {
		_, _ = fmt.Fprintln(stderr, "service run failed:", err.Error())
		return 1
	}
	return 0
}

// printSummary loads the config and renders every definition document.
func printSummary(source config.ConfigSource, out io.Writer) error {
	cfg, err := config.LoadSnapshot(source)
	if err != nil {
		return err
	}
	documents, err := cfg.Documents()
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "mode: %s\nstages: %s\n", cfg.Service.Mode, strings.Join(cfg.Pipeline.Stages, ", "))
	for _, stage := range cfg.Pipeline.Stages {
		_, _ = fmt.Fprintf(out, "%s: %d definitions\n", stage, len(documents[stage]))
	}
	return nil
}
