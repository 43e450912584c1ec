package cron

import (
	"context"
	"fmt"

	"github.com/angelmondragon/billing-backend/internal/subscriptions"
	"github.com/angelmondragon/billing-backend/pkg/logger"
)

// Job names as they appear in logs and metrics.
const (
	JobExpiringSoon        = "expiring-soon"
	JobExpired             = "expired"
	JobScheduledActivation = "scheduled-activation"
	JobPendingReaper       = "pending-reaper"
	JobStatusPoll          = "status-poll"
)

// lifecycleSweeper is the subscription manager surface the sweeps drive.
type lifecycleSweeper interface {
	NotifyExpiring(ctx context.Context) (subscriptions.SweepResult, error)
	ExpireDue(ctx context.Context) (subscriptions.SweepResult, error)
	ActivateScheduled(ctx context.Context) (subscriptions.SweepResult, error)
	ReapPending(ctx context.Context) (subscriptions.SweepResult, error)
	PollProcessing(ctx context.Context) (subscriptions.SweepResult, error)
}

type LifecycleJobsParams struct {
	Logger  *logger.Logger
	Manager lifecycleSweeper
}

// NewLifecycleJobs returns the subscription sweeps in run order.
func NewLifecycleJobs(params LifecycleJobsParams) ([]Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Manager == nil {
		return nil, fmt.Errorf("subscription manager required")
	}
	m := params.Manager
	return []Job{
		&sweepJob{name: JobExpired, logg: params.Logger, run: m.ExpireDue},
		&sweepJob{name: JobScheduledActivation, logg: params.Logger, run: m.ActivateScheduled},
		&sweepJob{name: JobExpiringSoon, logg: params.Logger, run: m.NotifyExpiring},
		&sweepJob{name: JobPendingReaper, logg: params.Logger, run: m.ReapPending},
		&sweepJob{name: JobStatusPoll, logg: params.Logger, run: m.PollProcessing},
	}, nil
}

type sweepJob struct {
	name string
	logg *logger.Logger
	run  func(ctx context.Context) (subscriptions.SweepResult, error)
}

func (j *sweepJob) Name() string { return j.name }

// Run fails when any row failed; the rows left behind are picked up again by
// the next cycle.
func (j *sweepJob) Run(ctx context.Context) error {
	result, err := j.run(ctx)
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"rows_scanned": result.Scanned,
		"rows_changed": result.Changed,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", j.name, err)
	}
	if result.Changed > 0 {
		j.logg.Info(logCtx, j.name+" sweep applied changes")
	} else {
		j.logg.Debug(logCtx, j.name+" sweep found nothing to do")
	}
	return nil
}
