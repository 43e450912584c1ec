package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-backend/pkg/db/models"
	"github.com/angelmondragon/billing-backend/pkg/enums"
)

// Repository reads resource counts and plan limits and stores snapshots.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	CountActive(ctx context.Context, userID uuid.UUID, kind enums.ResourceKind) (int, error)
	FindActiveSubscription(ctx context.Context, userID uuid.UUID, now time.Time) (*models.UserSubscription, error)
	FindPlan(ctx context.Context, planID uuid.UUID) (*models.TariffPlan, error)
	FindDefaultPlan(ctx context.Context) (*models.TariffPlan, error)
	CreateSnapshot(ctx context.Context, snapshot *models.UsageSnapshot) error
	LatestSnapshot(ctx context.Context, userID uuid.UUID) (*models.UsageSnapshot, error)
	ListUsersWithActiveSubscriptions(ctx context.Context, limit, offset int) ([]uuid.UUID, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a usage repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func sourceTable(kind enums.ResourceKind) (string, error) {
	switch kind {
	case enums.ResourceObjects:
		return models.Object{}.TableName(), nil
	case enums.ResourceEmployees:
		return models.Employee{}.TableName(), nil
	case enums.ResourceManagers:
		return models.Manager{}.TableName(), nil
	default:
		return "", fmt.Errorf("unknown resource kind %q", kind)
	}
}

func (r *repository) CountActive(ctx context.Context, userID uuid.UUID, kind enums.ResourceKind) (int, error) {
	table, err := sourceTable(kind)
	if err != nil {
		return 0, err
	}
	var count int64
	if err := r.db.WithContext(ctx).
		Table(table).
		Where("owner_id = ? AND archived_at IS NULL", userID).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

func (r *repository) FindActiveSubscription(ctx context.Context, userID uuid.UUID, now time.Time) (*models.UserSubscription, error) {
	var sub models.UserSubscription
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, enums.SubscriptionStatusActive).
		Where("(expires_at IS NULL OR expires_at > ?)", now).
		Order("started_at DESC").
		First(&sub).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}

func (r *repository) FindPlan(ctx context.Context, planID uuid.UUID) (*models.TariffPlan, error) {
	var plan models.TariffPlan
	if err := r.db.WithContext(ctx).Where("id = ?", planID).First(&plan).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &plan, nil
}

func (r *repository) FindDefaultPlan(ctx context.Context) (*models.TariffPlan, error) {
	var plan models.TariffPlan
	if err := r.db.WithContext(ctx).
		Where("is_default = ? AND active = ?", true, true).
		Order("created_at ASC").
		First(&plan).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &plan, nil
}

func (r *repository) CreateSnapshot(ctx context.Context, snapshot *models.UsageSnapshot) error {
	if snapshot.ID == uuid.Nil {
		snapshot.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(snapshot).Error
}

func (r *repository) LatestSnapshot(ctx context.Context, userID uuid.UUID) (*models.UsageSnapshot, error) {
	var snapshot models.UsageSnapshot
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		First(&snapshot).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &snapshot, nil
}

func (r *repository) ListUsersWithActiveSubscriptions(ctx context.Context, limit, offset int) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	if err := r.db.WithContext(ctx).
		Model(&models.UserSubscription{}).
		Where("status = ?", enums.SubscriptionStatusActive).
		Order("user_id ASC").
		Limit(limit).
		Offset(offset).
		Pluck("user_id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}
