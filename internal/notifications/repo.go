package notifications

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/billing-backend/pkg/db/models"
	"github.com/angelmondragon/billing-backend/pkg/enums"
)

// Repository exposes persistence helpers for payment notifications.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, notification *models.PaymentNotification) error
	ExistsExpiringSoon(ctx context.Context, subscriptionID uuid.UUID, horizonDays int, periodEnd time.Time) (bool, error)
	ExistsLimitWarning(ctx context.Context, userID uuid.UUID, kind enums.ResourceKind, periodEnd time.Time) (bool, error)
	ExistsForTransaction(ctx context.Context, transactionID uuid.UUID, notificationType enums.NotificationType) (bool, error)
	FetchUnsent(ctx context.Context, limit, maxAttempts int) ([]models.PaymentNotification, error)
	MarkSent(ctx context.Context, id uuid.UUID, now time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, cause error) error
	DeleteSentBefore(ctx context.Context, cutoff time.Time) (int64, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]models.PaymentNotification, error)
}

type repositoryImpl struct {
	db *gorm.DB
}

// NewRepository returns a notifications repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repositoryImpl{db: db}
}

func (r *repositoryImpl) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repositoryImpl{db: tx}
}

func (r *repositoryImpl) Create(ctx context.Context, notification *models.PaymentNotification) error {
	if notification.ID == uuid.Nil {
		notification.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(notification).Error
}

func (r *repositoryImpl) exists(query *gorm.DB) (bool, error) {
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *repositoryImpl) ExistsExpiringSoon(ctx context.Context, subscriptionID uuid.UUID, horizonDays int, periodEnd time.Time) (bool, error) {
	return r.exists(r.db.WithContext(ctx).
		Model(&models.PaymentNotification{}).
		Where("type = ? AND subscription_id = ? AND horizon_days = ? AND period_end = ?",
			enums.NotificationTypeExpiringSoon, subscriptionID, horizonDays, periodEnd))
}

func (r *repositoryImpl) ExistsLimitWarning(ctx context.Context, userID uuid.UUID, kind enums.ResourceKind, periodEnd time.Time) (bool, error) {
	return r.exists(r.db.WithContext(ctx).
		Model(&models.PaymentNotification{}).
		Where("type = ? AND user_id = ? AND resource_kind = ? AND period_end = ?",
			enums.NotificationTypeLimitWarning, userID, string(kind), periodEnd))
}

func (r *repositoryImpl) ExistsForTransaction(ctx context.Context, transactionID uuid.UUID, notificationType enums.NotificationType) (bool, error) {
	return r.exists(r.db.WithContext(ctx).
		Model(&models.PaymentNotification{}).
		Where("type = ? AND transaction_id = ?", notificationType, transactionID))
}

// FetchUnsent returns the oldest undelivered notifications below the attempt
// ceiling. On Postgres the rows stay locked until the surrounding transaction
// ends, so parallel publishers skip each other's batches.
func (r *repositoryImpl) FetchUnsent(ctx context.Context, limit, maxAttempts int) ([]models.PaymentNotification, error) {
	query := r.db.WithContext(ctx).
		Where("sent_at IS NULL AND attempts < ?", maxAttempts).
		Order("created_at ASC").
		Order("id ASC").
		Limit(limit)
	if r.db.Dialector.Name() == "postgres" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}
	var rows []models.PaymentNotification
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repositoryImpl) MarkSent(ctx context.Context, id uuid.UUID, now time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.PaymentNotification{}).
		Where("id = ? AND sent_at IS NULL", id).
		Updates(map[string]any{
			"sent_at":  now,
			"attempts": gorm.Expr("attempts + 1"),
		}).Error
}

func (r *repositoryImpl) MarkFailed(ctx context.Context, id uuid.UUID, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return r.db.WithContext(ctx).
		Model(&models.PaymentNotification{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"last_error": msg,
			"attempts":   gorm.Expr("attempts + 1"),
		}).Error
}

func (r *repositoryImpl) DeleteSentBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("sent_at IS NOT NULL AND sent_at < ?", cutoff).
		Delete(&models.PaymentNotification{})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func (r *repositoryImpl) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]models.PaymentNotification, error) {
	var rows []models.PaymentNotification
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
