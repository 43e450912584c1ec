package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/billing-backend/pkg/enums"
)

// UserSubscription is a user's time-bounded association with a tariff plan.
type UserSubscription struct {
	ID                 uuid.UUID                `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	UserID             uuid.UUID                `gorm:"column:user_id;type:uuid;not null;index"`
	TariffPlanID       uuid.UUID                `gorm:"column:tariff_plan_id;type:uuid;not null"`
	Status             enums.SubscriptionStatus `gorm:"column:status;type:subscription_status;not null"`
	SuspendReason      *enums.SuspendReason     `gorm:"column:suspend_reason;type:suspend_reason"`
	StartedAt          time.Time                `gorm:"column:started_at;not null"`
	ExpiresAt          *time.Time               `gorm:"column:expires_at"`
	LastPaymentAt      *time.Time               `gorm:"column:last_payment_at"`
	AutoRenewal        bool                     `gorm:"column:auto_renewal;not null;default:false"`
	PaymentMethod      string                   `gorm:"column:payment_method;not null;default:''"`
	PaymentSourceRef   *string                  `gorm:"column:payment_source_ref"`
	PaymentCustomerRef *string                  `gorm:"column:payment_customer_ref"`
	GraceGranted       bool                     `gorm:"column:grace_granted;not null;default:false"`
	CancelledAt        *time.Time               `gorm:"column:cancelled_at"`
	CreatedAt          time.Time                `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time                `gorm:"column:updated_at;autoUpdateTime"`
}

func (UserSubscription) TableName() string { return "user_subscriptions" }

// IsActiveAt reports whether the subscription grants access at t.
func (s UserSubscription) IsActiveAt(t time.Time) bool {
	if s.Status != enums.SubscriptionStatusActive {
		return false
	}
	return s.ExpiresAt == nil || s.ExpiresAt.After(t)
}
