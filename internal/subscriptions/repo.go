package subscriptions

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/billing-backend/pkg/db/models"
	"github.com/angelmondragon/billing-backend/pkg/enums"
)

// Repository persists user subscriptions. Status writes go through
// conditional updates so concurrent writers cannot overwrite each other.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, sub *models.UserSubscription) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.UserSubscription, error)
	FindForUpdate(ctx context.Context, id uuid.UUID) (*models.UserSubscription, error)
	FindActiveByUser(ctx context.Context, userID uuid.UUID) (*models.UserSubscription, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]models.UserSubscription, error)
	ListActiveByUser(ctx context.Context, userID uuid.UUID) ([]models.UserSubscription, error)
	HasGrace(ctx context.Context, userID uuid.UUID) (bool, error)
	Transition(ctx context.Context, id uuid.UUID, from []enums.SubscriptionStatus, updates map[string]any) (bool, error)
	ExpireIfLapsed(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	ListExpiringBetween(ctx context.Context, after, until time.Time, limit int) ([]models.UserSubscription, error)
	ListLapsed(ctx context.Context, now time.Time, limit int) ([]models.UserSubscription, error)
	ListScheduledDue(ctx context.Context, now time.Time, limit int) ([]models.UserSubscription, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a subscription repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, sub *models.UserSubscription) error {
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(sub).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.UserSubscription, error) {
	var sub models.UserSubscription
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&sub).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}

// FindForUpdate loads the row and, on Postgres, holds a row lock until the
// surrounding transaction ends.
func (r *repository) FindForUpdate(ctx context.Context, id uuid.UUID) (*models.UserSubscription, error) {
	query := r.db.WithContext(ctx).Where("id = ?", id)
	if r.db.Dialector.Name() == "postgres" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var sub models.UserSubscription
	if err := query.First(&sub).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}

// FindActiveByUser returns the user's ACTIVE row regardless of expiry.
func (r *repository) FindActiveByUser(ctx context.Context, userID uuid.UUID) (*models.UserSubscription, error) {
	var sub models.UserSubscription
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, enums.SubscriptionStatusActive).
		Order("started_at DESC").
		First(&sub).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}

func (r *repository) ListByUser(ctx context.Context, userID uuid.UUID) ([]models.UserSubscription, error) {
	var rows []models.UserSubscription
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repository) ListActiveByUser(ctx context.Context, userID uuid.UUID) ([]models.UserSubscription, error) {
	var rows []models.UserSubscription
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, enums.SubscriptionStatusActive).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// HasGrace reports whether any subscription of the user was granted for free.
func (r *repository) HasGrace(ctx context.Context, userID uuid.UUID) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&models.UserSubscription{}).
		Where("user_id = ? AND grace_granted = ?", userID, true).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *repository) Transition(ctx context.Context, id uuid.UUID, from []enums.SubscriptionStatus, updates map[string]any) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.UserSubscription{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ExpireIfLapsed flips ACTIVE to EXPIRED only while expires_at is still in
// the past, so a renewal that landed after the row was listed wins.
func (r *repository) ExpireIfLapsed(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.UserSubscription{}).
		Where("id = ? AND status = ? AND expires_at IS NOT NULL AND expires_at < ?", id, enums.SubscriptionStatusActive, now).
		Updates(map[string]any{
			"status":         enums.SubscriptionStatusExpired,
			"suspend_reason": nil,
			"updated_at":     now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) ListExpiringBetween(ctx context.Context, after, until time.Time, limit int) ([]models.UserSubscription, error) {
	var rows []models.UserSubscription
	if err := r.db.WithContext(ctx).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at > ? AND expires_at <= ?", enums.SubscriptionStatusActive, after, until).
		Order("expires_at ASC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repository) ListLapsed(ctx context.Context, now time.Time, limit int) ([]models.UserSubscription, error) {
	var rows []models.UserSubscription
	if err := r.db.WithContext(ctx).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at < ?", enums.SubscriptionStatusActive, now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repository) ListScheduledDue(ctx context.Context, now time.Time, limit int) ([]models.UserSubscription, error) {
	var rows []models.UserSubscription
	if err := r.db.WithContext(ctx).
		Where("status = ? AND suspend_reason = ? AND started_at <= ?", enums.SubscriptionStatusSuspended, enums.SuspendReasonScheduled, now).
		Order("started_at ASC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
