package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AddonOption prices an optional feature that owners can switch on.
type AddonOption struct {
	FeatureKey string          `gorm:"column:feature_key;primaryKey"`
	Name       string          `gorm:"column:name;not null"`
	Price      decimal.Decimal `gorm:"column:price;type:numeric(12,2);not null"`
	Currency   string          `gorm:"column:currency;not null"`
	CreatedAt  time.Time       `gorm:"column:created_at;autoCreateTime"`
}

func (AddonOption) TableName() string { return "addon_options" }

// OwnerAddon is the per-owner toggle for an add-on option.
type OwnerAddon struct {
	UserID     uuid.UUID `gorm:"column:user_id;type:uuid;primaryKey"`
	FeatureKey string    `gorm:"column:feature_key;primaryKey"`
	Enabled    bool      `gorm:"column:enabled;not null;default:false"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (OwnerAddon) TableName() string { return "owner_addons" }
