package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/angelmondragon/billing-backend/internal/usage"
	"github.com/angelmondragon/billing-backend/pkg/db/models"
	"github.com/angelmondragon/billing-backend/pkg/enums"
	"github.com/angelmondragon/billing-backend/pkg/logger"
)

const (
	JobUsageSnapshot = "usage-snapshot"

	defaultWarningThreshold = 90
	defaultSnapshotPage     = 200
)

type usageSnapshotter interface {
	UsersToSnapshot(ctx context.Context, limit, offset int) ([]uuid.UUID, error)
	Snapshot(ctx context.Context, userID uuid.UUID) (*models.UsageSnapshot, *usage.Report, error)
}

type limitNotifier interface {
	LimitWarning(ctx context.Context, userID uuid.UUID, subscriptionID *uuid.UUID, kind enums.ResourceKind, current, max int, periodEnd time.Time) (bool, error)
}

type UsageSnapshotJobParams struct {
	Logger        *logger.Logger
	Tracker       usageSnapshotter
	Notifications limitNotifier
	// Threshold is the usage percentage that raises a LIMIT_WARNING.
	Threshold float64
	PageSize  int
	Now       func() time.Time
}

func NewUsageSnapshotJob(params UsageSnapshotJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Tracker == nil {
		return nil, fmt.Errorf("usage tracker required")
	}
	if params.Notifications == nil {
		return nil, fmt.Errorf("notifications service required")
	}
	threshold := params.Threshold
	if threshold <= 0 {
		threshold = defaultWarningThreshold
	}
	pageSize := params.PageSize
	if pageSize <= 0 {
		pageSize = defaultSnapshotPage
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &usageSnapshotJob{
		logg:      params.Logger,
		tracker:   params.Tracker,
		notes:     params.Notifications,
		threshold: threshold,
		pageSize:  pageSize,
		now:       now,
	}, nil
}

type usageSnapshotJob struct {
	logg      *logger.Logger
	tracker   usageSnapshotter
	notes     limitNotifier
	threshold float64
	pageSize  int
	now       func() time.Time
}

func (j *usageSnapshotJob) Name() string { return JobUsageSnapshot }

func (j *usageSnapshotJob) Run(ctx context.Context) error {
	var (
		errs      error
		snapshots int
		warnings  int
	)
	for offset := 0; ; offset += j.pageSize {
		userIDs, err := j.tracker.UsersToSnapshot(ctx, j.pageSize, offset)
		if err != nil {
			return multierr.Append(errs, fmt.Errorf("list users to snapshot: %w", err))
		}
		for _, userID := range userIDs {
			raised, err := j.snapshotUser(ctx, userID)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("snapshot user %s: %w", userID, err))
				continue
			}
			snapshots++
			warnings += raised
		}
		if len(userIDs) < j.pageSize {
			break
		}
	}
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"snapshots":      snapshots,
		"limit_warnings": warnings,
	})
	j.logg.Info(logCtx, "usage snapshot complete")
	return errs
}

func (j *usageSnapshotJob) snapshotUser(ctx context.Context, userID uuid.UUID) (int, error) {
	_, report, err := j.tracker.Snapshot(ctx, userID)
	if err != nil {
		return 0, err
	}
	periodEnd := warningPeriodEnd(report, j.now())
	raised := 0
	for _, metric := range report.AtOrAbove(j.threshold) {
		created, err := j.notes.LimitWarning(ctx, userID, report.SubscriptionID, metric.Kind, metric.Current, metric.Max, periodEnd)
		if err != nil {
			return raised, err
		}
		if created {
			raised++
		}
	}
	return raised, nil
}

// warningPeriodEnd keys limit warnings to the subscription period, or to the
// calendar month for subscriptions without an expiry.
func warningPeriodEnd(report *usage.Report, now time.Time) time.Time {
	if report.ExpiresAt != nil {
		return report.ExpiresAt.UTC()
	}
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}
