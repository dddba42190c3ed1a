package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/openmrs-community/fhir-warehouse-etl/cmd/warehousemerge"
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
	config, err := warehousemerge.LoadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "warehousemerge: %v\n", err)
		return exitConfigError
	}

	report, err := warehousemerge.Run(context.Background(), config)
	if err != nil {
		slog.Error("warehousemerge run failed", "error", err)
		return exitRuntimeErr
	}

	fmt.Fprintf(os.Stdout, "warehousemerge: %d output record(s), %d duplicate(s) resolved\n",
		report.NumOutputRecords, report.NumDuplicates)
	return exitSuccess
}
