package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/openmrs-community/fhir-warehouse-etl/cmd/fhiretl"
)

// Exit codes per spec.md §7: 0 success, 1 ConfigError, 2 any other fatal
// runtime error.
const (
	exitSuccess     = 0
	exitConfigError = 1
	exitRuntimeErr  = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	config, err := fhiretl.LoadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "fhiretl: %v\n", err)
		return exitConfigError
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, err := fhiretl.Run(ctx, config)
	if err != nil {
		slog.Error("fhiretl run failed", "error", err)
		return exitRuntimeErr
	}

	fmt.Fprintf(os.Stdout, "fhiretl: wrote %d resource type(s), %d failure(s): %v\n",
		len(summary.WrittenTypes), summary.FailureCount, summary.WrittenTypes)
	return exitSuccess
}
