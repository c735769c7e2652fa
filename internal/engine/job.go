package engine

import "context"

// RefreshJob adapts a Runner to the scheduler. Unit failures are reported
// through the run report, so only run-level errors fail the job.
type RefreshJob struct {
	Runner *Runner
}

func (j RefreshJob) Name() string { return "refresh" }

func (j RefreshJob) Run(ctx context.Context) error {
	_, err := j.Runner.Run(ctx)
	return err
}
