package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/billing-backend/pkg/logger"
)

const (
	JobNotificationRetention = "notification-retention"

	notificationRetentionDays = 90
)

type NotificationCleanupJobParams struct {
	Logger        *logger.Logger
	Notifications notificationPurger
	RetentionDays int
}

type notificationPurger interface {
	PurgeSent(ctx context.Context, retention time.Duration) (int64, error)
}

func NewNotificationCleanupJob(params NotificationCleanupJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Notifications == nil {
		return nil, fmt.Errorf("notifications service required")
	}
	retention := params.RetentionDays
	if retention <= 0 {
		retention = notificationRetentionDays
	}
	return &notificationCleanupJob{
		logg:      params.Logger,
		notes:     params.Notifications,
		retention: retention,
	}, nil
}

type notificationCleanupJob struct {
	logg      *logger.Logger
	notes     notificationPurger
	retention int
}

func (j *notificationCleanupJob) Name() string { return JobNotificationRetention }

// Run deletes delivered notifications older than the retention window.
// Undelivered rows are kept regardless of age.
func (j *notificationCleanupJob) Run(ctx context.Context) error {
	deleted, err := j.notes.PurgeSent(ctx, time.Duration(j.retention)*24*time.Hour)
	if err != nil {
		return fmt.Errorf("notification cleanup: %w", err)
	}
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"retention_days": j.retention,
		"rows_deleted":   deleted,
	})
	j.logg.Info(logCtx, "notification cleanup complete")
	return nil
}
