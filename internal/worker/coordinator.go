package worker

import (
	"context"

	"neurofleet/internal/model"
	"neurofleet/internal/scheduler"
)

// Coordinator is the scheduler surface a worker node talks to.
type Coordinator interface {
	Register(ctx context.Context, name string, info map[string]any) error
	Heartbeat(ctx context.Context, name string, info map[string]any) error
	WaitAssignment(ctx context.Context, name string) (model.Job, error)
	ReportResult(ctx context.Context, jobID, node string, result model.EvaluationResult) error
	ReportFailure(ctx context.Context, jobID, node, message string) error
}

// InProcess attaches workers directly to a scheduler in the same process.
type InProcess struct {
	Scheduler *scheduler.Scheduler
}

var _ Coordinator = InProcess{}

func (c InProcess) Register(_ context.Context, name string, info map[string]any) error {
	_, err := c.Scheduler.Register(name, info)
	return err
}

func (c InProcess) Heartbeat(_ context.Context, name string, info map[string]any) error {
	_, err := c.Scheduler.Heartbeat(name, info)
	return err
}

func (c InProcess) WaitAssignment(ctx context.Context, name string) (model.Job, error) {
	return c.Scheduler.WaitAssignment(ctx, name)
}

func (c InProcess) ReportResult(_ context.Context, jobID, node string, result model.EvaluationResult) error {
	_, err := c.Scheduler.ReportResult(jobID, node, result.JobResults())
	return err
}

func (c InProcess) ReportFailure(_ context.Context, jobID, node, message string) error {
	_, err := c.Scheduler.ReportFailure(jobID, node, message)
	return err
}
