package tariffs

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/billing-backend/pkg/db/models"
)

// Repository handles tariff catalog persistence.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	CreatePlan(ctx context.Context, plan *models.TariffPlan) error
	FindPlanByID(ctx context.Context, id uuid.UUID) (*models.TariffPlan, error)
	ListActivePlans(ctx context.Context) ([]models.TariffPlan, error)
	SetPlanActive(ctx context.Context, id uuid.UUID, active bool) (bool, error)
	UpsertAddonOption(ctx context.Context, option *models.AddonOption) error
	ListAddonOptions(ctx context.Context, keys []string) ([]models.AddonOption, error)
	SetOwnerAddon(ctx context.Context, addon *models.OwnerAddon) error
	ListEnabledAddonKeys(ctx context.Context, userID uuid.UUID) ([]string, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a tariff repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) CreatePlan(ctx context.Context, plan *models.TariffPlan) error {
	if plan.ID == uuid.Nil {
		plan.ID = uuid.New()
	}
	if plan.Features == nil {
		plan.Features = []string{}
	}
	return r.db.WithContext(ctx).Create(plan).Error
}

func (r *repository) FindPlanByID(ctx context.Context, id uuid.UUID) (*models.TariffPlan, error) {
	var plan models.TariffPlan
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&plan).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &plan, nil
}

func (r *repository) ListActivePlans(ctx context.Context) ([]models.TariffPlan, error) {
	var plans []models.TariffPlan
	if err := r.db.WithContext(ctx).
		Where("active = ?", true).
		Order("created_at ASC").
		Find(&plans).Error; err != nil {
		return nil, err
	}
	return plans, nil
}

func (r *repository) SetPlanActive(ctx context.Context, id uuid.UUID, active bool) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.TariffPlan{}).
		Where("id = ?", id).
		Update("active", active)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repository) UpsertAddonOption(ctx context.Context, option *models.AddonOption) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "feature_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "price", "currency"}),
		}).
		Create(option).Error
}

func (r *repository) ListAddonOptions(ctx context.Context, keys []string) ([]models.AddonOption, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	var options []models.AddonOption
	if err := r.db.WithContext(ctx).
		Where("feature_key IN ?", keys).
		Order("feature_key ASC").
		Find(&options).Error; err != nil {
		return nil, err
	}
	return options, nil
}

func (r *repository) SetOwnerAddon(ctx context.Context, addon *models.OwnerAddon) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "feature_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"enabled", "updated_at"}),
		}).
		Create(addon).Error
}

func (r *repository) ListEnabledAddonKeys(ctx context.Context, userID uuid.UUID) ([]string, error) {
	var keys []string
	if err := r.db.WithContext(ctx).
		Model(&models.OwnerAddon{}).
		Where("user_id = ? AND enabled = ?", userID, true).
		Order("feature_key ASC").
		Pluck("feature_key", &keys).Error; err != nil {
		return nil, err
	}
	return keys, nil
}
