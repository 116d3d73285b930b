package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sharethis/bqreconcile/internal/warehouse"
)

// showJobs implements the --showJobs debug mode: list every job the
// warehouse currently reports as running or recently finished.
func showJobs(ctx context.Context, wh warehouse.Client) error {
	for _, state := range []warehouse.JobState{warehouse.JobRunning, warehouse.JobDone} {
		jobs, err := wh.ListJobs(ctx, state)
		if err != nil {
			return fmt.Errorf("listing %s jobs: %w", state, err)
		}
		for _, j := range jobs {
			fmt.Fprintf(os.Stdout, "%s\t%s\n", j.ID(), state)
		}
	}
	return nil
}
