package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/billing-backend/pkg/enums"
)

// PaymentNotification is an outbound billing message queued for delivery.
type PaymentNotification struct {
	ID             uuid.UUID              `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	UserID         uuid.UUID              `gorm:"column:user_id;type:uuid;not null;index"`
	SubscriptionID *uuid.UUID             `gorm:"column:subscription_id;type:uuid"`
	TransactionID  *uuid.UUID             `gorm:"column:transaction_id;type:uuid"`
	Type           enums.NotificationType `gorm:"column:type;type:notification_type;not null"`
	HorizonDays    *int                   `gorm:"column:horizon_days"`
	PeriodEnd      *time.Time             `gorm:"column:period_end"`
	ResourceKind   *string                `gorm:"column:resource_kind"`
	Title          string                 `gorm:"column:title;not null"`
	Message        string                 `gorm:"column:message;not null"`
	SentAt         *time.Time             `gorm:"column:sent_at"`
	Attempts       int                    `gorm:"column:attempts;not null;default:0"`
	LastError      *string                `gorm:"column:last_error"`
	CreatedAt      time.Time              `gorm:"column:created_at;autoCreateTime"`
}

func (PaymentNotification) TableName() string { return "payment_notifications" }
