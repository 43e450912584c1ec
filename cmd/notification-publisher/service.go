package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-backend/pkg/config"
	"github.com/angelmondragon/billing-backend/pkg/db/models"
	"github.com/angelmondragon/billing-backend/pkg/logger"
)

const (
	defaultBatchSize      = 50
	defaultPollMs         = 1000
	defaultPublishTimeout = 15 * time.Second
	defaultMaxAttempts    = 10
	maxBackoff            = 10 * time.Second
	jitterWindow          = 250 * time.Millisecond
)

var jitterSource = rand.New(rand.NewSource(time.Now().UnixNano()))

type dbClient interface {
	Ping(context.Context) error
	WithTx(context.Context, func(tx *gorm.DB) error) error
}

type pubSubClient interface {
	Ping(context.Context) error
	NotificationPublisher() *gcppubsub.Publisher
}

// notificationQueue is the slice of the notifications repository the
// publisher drains.
type notificationQueue interface {
	FetchUnsent(ctx context.Context, limit, maxAttempts int) ([]models.PaymentNotification, error)
	MarkSent(ctx context.Context, id uuid.UUID, now time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, cause error) error
}

type publisher interface {
	Publish(context.Context, *gcppubsub.Message) publishResult
}

type publishResult interface {
	Get(context.Context) (string, error)
}

type ServiceParams struct {
	Config *config.Config
	Logger *logger.Logger
	DB     dbClient
	PubSub pubSubClient
	// Queue binds the notification queue to the batch transaction.
	Queue     func(tx *gorm.DB) notificationQueue
	Publisher publisher
	Now       func() time.Time
}

// Service delivers queued billing notifications to Pub/Sub. Rows are
// locked for the length of a batch, so several publishers can run side by
// side.
type Service struct {
	logg         *logger.Logger
	db           dbClient
	pubsub       pubSubClient
	queue        func(tx *gorm.DB) notificationQueue
	pub          publisher
	now          func() time.Time
	batchSize    int
	maxAttempts  int
	pollInterval time.Duration
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Config == nil {
		return nil, errors.New("config is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.DB == nil {
		return nil, errors.New("database client is required")
	}
	if params.PubSub == nil {
		return nil, errors.New("pubsub client is required")
	}
	if params.Queue == nil {
		return nil, errors.New("notification queue is required")
	}

	pub := params.Publisher
	if pub == nil {
		pub = newGCPPublisher(params.PubSub.NotificationPublisher())
		if pub == nil {
			return nil, errors.New("notification publisher is not configured")
		}
	}

	batch := params.Config.Notifications.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	pollMs := params.Config.Notifications.PollIntervalMS
	if pollMs <= 0 {
		pollMs = defaultPollMs
	}
	maxAttempts := params.Config.Notifications.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	now := params.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	return &Service{
		logg:         params.Logger,
		db:           params.DB,
		pubsub:       params.PubSub,
		queue:        params.Queue,
		pub:          pub,
		now:          now,
		batchSize:    batch,
		maxAttempts:  maxAttempts,
		pollInterval: time.Duration(pollMs) * time.Millisecond,
	}, nil
}

func (s *Service) ensureReadiness(ctx context.Context) error {
	if err := pingDependency(ctx, s.logg, "database", s.db.Ping); err != nil {
		return err
	}
	return pingDependency(ctx, s.logg, "pubsub", s.pubsub.Ping)
}

func pingDependency(ctx context.Context, logg *logger.Logger, name string, fn func(context.Context) error) error {
	if err := fn(ctx); err != nil {
		logg.Error(ctx, fmt.Sprintf("%s ping failed", name), err)
		return fmt.Errorf("%s ping failed: %w", name, err)
	}
	return nil
}

func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.ensureReadiness(ctx); err != nil {
		return err
	}

	interval := s.pollInterval
	backoff := interval

	for {
		select {
		case <-ctx.Done():
			s.logg.Info(ctx, "notification publisher context canceled")
			return ctx.Err()
		default:
		}

		processed, err := s.processBatch(ctx)
		if err != nil {
			s.logg.Error(ctx, "notification publisher batch error", err)
			backoff = nextBackoff(backoff, interval, maxBackoff)
			if err := s.sleep(ctx, withJitter(backoff)); err != nil {
				return err
			}
			continue
		}

		backoff = interval

		if processed {
			continue
		}

		if err := s.sleep(ctx, withJitter(interval)); err != nil {
			return err
		}
	}
}

// processBatch publishes one batch and reports whether any row was found.
// A failed publish only marks its own row; the batch goes on.
func (s *Service) processBatch(ctx context.Context) (bool, error) {
	processed := false
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		queue := s.queue(tx)
		rows, err := queue.FetchUnsent(ctx, s.batchSize, s.maxAttempts)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		processed = true
		for _, row := range rows {
			fields := notificationFields(row)
			if err := s.publish(ctx, row); err != nil {
				attempt := row.Attempts + 1
				logCtx := s.logg.WithFields(ctx, fields)
				logCtx = s.logg.WithFields(logCtx, map[string]any{"attempt": attempt, "error": err.Error()})
				if attempt >= s.maxAttempts {
					s.logg.Warn(logCtx, "notification will not be retried")
				} else {
					s.logg.Warn(logCtx, "notification publish failed")
				}
				if markErr := queue.MarkFailed(ctx, row.ID, err); markErr != nil {
					return fmt.Errorf("mark failure %s: %w", row.ID, markErr)
				}
				continue
			}

			if markErr := queue.MarkSent(ctx, row.ID, s.now()); markErr != nil {
				return fmt.Errorf("mark sent %s: %w", row.ID, markErr)
			}
			s.logg.Info(s.logg.WithFields(ctx, fields), "notification published")
		}
		return nil
	})
	return processed, err
}

type notificationMessage struct {
	ID             uuid.UUID  `json:"id"`
	UserID         uuid.UUID  `json:"user_id"`
	Type           string     `json:"type"`
	Title          string     `json:"title"`
	Message        string     `json:"message"`
	SubscriptionID *uuid.UUID `json:"subscription_id,omitempty"`
	TransactionID  *uuid.UUID `json:"transaction_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

func (s *Service) publish(ctx context.Context, row models.PaymentNotification) error {
	data, err := json.Marshal(notificationMessage{
		ID:             row.ID,
		UserID:         row.UserID,
		Type:           string(row.Type),
		Title:          row.Title,
		Message:        row.Message,
		SubscriptionID: row.SubscriptionID,
		TransactionID:  row.TransactionID,
		CreatedAt:      row.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	msg := &gcppubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"notification_id":   row.ID.String(),
			"notification_type": string(row.Type),
			"user_id":           row.UserID.String(),
			"created_at":        row.CreatedAt.Format(time.RFC3339Nano),
		},
	}

	publishCtx, cancel := context.WithTimeout(ctx, defaultPublishTimeout)
	defer cancel()
	result := s.pub.Publish(publishCtx, msg)
	if result == nil {
		return errors.New("publisher returned no result")
	}
	_, err = result.Get(publishCtx)
	return err
}

func notificationFields(row models.PaymentNotification) map[string]any {
	fields := map[string]any{
		"notification_id":   row.ID.String(),
		"notification_type": string(row.Type),
		"user_id":           row.UserID.String(),
	}
	if row.SubscriptionID != nil {
		fields["subscription_id"] = row.SubscriptionID.String()
	}
	if row.LastError != nil {
		fields["last_error"] = *row.LastError
	}
	return fields
}

func (s *Service) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func nextBackoff(current, base, max time.Duration) time.Duration {
	if current <= 0 {
		current = base
	}
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d + time.Duration(jitterSource.Int63n(int64(jitterWindow)))
}

func newGCPPublisher(p *gcppubsub.Publisher) publisher {
	if p == nil {
		return nil
	}
	return &gcpPublisher{Publisher: p}
}

type gcpPublisher struct {
	*gcppubsub.Publisher
}

func (p *gcpPublisher) Publish(ctx context.Context, msg *gcppubsub.Message) publishResult {
	if p == nil || p.Publisher == nil {
		return nil
	}
	return &gcpPublishResult{PublishResult: p.Publisher.Publish(ctx, msg)}
}

type gcpPublishResult struct {
	*gcppubsub.PublishResult
}

func (r *gcpPublishResult) Get(ctx context.Context) (string, error) {
	if r == nil || r.PublishResult == nil {
		return "", errors.New("publish result is nil")
	}
	return r.PublishResult.Get(ctx)
}
