package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-backend/pkg/db/models"
	"github.com/angelmondragon/billing-backend/pkg/enums"
)

// Repository manages persistence for billing transactions. Status changes go
// through Transition, a single conditional UPDATE.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, txn *models.BillingTransaction) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.BillingTransaction, error)
	FindByExternalID(ctx context.Context, externalID string) (*models.BillingTransaction, error)
	Transition(ctx context.Context, id uuid.UUID, from []enums.TransactionStatus, updates map[string]any) (bool, error)
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]models.BillingTransaction, error)
	ListProcessing(ctx context.Context, olderThan time.Time, limit int) ([]models.BillingTransaction, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.BillingTransaction, error)
	CountOpenPayments(ctx context.Context, subscriptionID uuid.UUID) (int64, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a ledger repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, txn *models.BillingTransaction) error {
	if txn.ID == uuid.Nil {
		txn.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(txn).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.BillingTransaction, error) {
	var txn models.BillingTransaction
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&txn).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &txn, nil
}

func (r *repository) FindByExternalID(ctx context.Context, externalID string) (*models.BillingTransaction, error) {
	var txn models.BillingTransaction
	if err := r.db.WithContext(ctx).Where("external_id = ?", externalID).First(&txn).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &txn, nil
}

// Transition applies updates only while the row is still in one of the from
// statuses. The boolean reports whether the row moved.
func (r *repository) Transition(ctx context.Context, id uuid.UUID, from []enums.TransactionStatus, updates map[string]any) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.BillingTransaction{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]models.BillingTransaction, error) {
	var rows []models.BillingTransaction
	if err := r.db.WithContext(ctx).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at < ?", enums.TransactionStatusPending, now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repository) ListProcessing(ctx context.Context, olderThan time.Time, limit int) ([]models.BillingTransaction, error) {
	var rows []models.BillingTransaction
	if err := r.db.WithContext(ctx).
		Where("status = ? AND external_id IS NOT NULL AND created_at <= ?", enums.TransactionStatusProcessing, olderThan).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repository) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.BillingTransaction, error) {
	var rows []models.BillingTransaction
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Offset(offset).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repository) CountOpenPayments(ctx context.Context, subscriptionID uuid.UUID) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&models.BillingTransaction{}).
		Where("subscription_id = ? AND type = ? AND status IN ?",
			subscriptionID,
			enums.TransactionTypePayment,
			[]enums.TransactionStatus{enums.TransactionStatusPending, enums.TransactionStatusProcessing},
		).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
