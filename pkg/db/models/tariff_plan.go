package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/billing-backend/pkg/enums"
)

// Unlimited marks a plan limit without a ceiling.
const Unlimited = -1

// TariffPlan is a purchasable tier with price, limits and features.
type TariffPlan struct {
	ID              uuid.UUID           `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	Name            string              `gorm:"column:name;not null"`
	Price           decimal.Decimal     `gorm:"column:price;type:numeric(12,2);not null"`
	Currency        string              `gorm:"column:currency;not null"`
	Period          enums.BillingPeriod `gorm:"column:billing_period;type:billing_period;not null"`
	MaxObjects      int                 `gorm:"column:max_objects;not null"`
	MaxEmployees    int                 `gorm:"column:max_employees;not null"`
	MaxManagers     int                 `gorm:"column:max_managers;not null"`
	Features        pq.StringArray      `gorm:"column:features;type:text[];default:ARRAY[]::text[]"`
	Active          bool                `gorm:"column:active;not null"`
	IsDefault       bool                `gorm:"column:is_default;not null;default:false"`
	GracePeriodDays int                 `gorm:"column:grace_period_days;not null;default:0"`
	CreatedAt       time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}

func (TariffPlan) TableName() string { return "tariff_plans" }

// IsFree reports whether subscribing requires no payment.
func (p TariffPlan) IsFree() bool {
	return !p.Price.IsPositive()
}

// FeatureSet parses the stored keys into a typed set.
func (p TariffPlan) FeatureSet() (enums.FeatureSet, error) {
	return enums.ParseFeatureSet(p.Features)
}

// Limit returns the configured ceiling for kind.
func (p TariffPlan) Limit(kind enums.ResourceKind) int {
	switch kind {
	case enums.ResourceObjects:
		return p.MaxObjects
	case enums.ResourceEmployees:
		return p.MaxEmployees
	case enums.ResourceManagers:
		return p.MaxManagers
	default:
		return 0
	}
}
