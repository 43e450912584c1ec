package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/billing-backend/pkg/enums"
)

// BillingTransaction records one attempted money movement.
type BillingTransaction struct {
	ID             uuid.UUID               `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	UserID         uuid.UUID               `gorm:"column:user_id;type:uuid;not null;index"`
	SubscriptionID *uuid.UUID              `gorm:"column:subscription_id;type:uuid;index"`
	Type           enums.TransactionType   `gorm:"column:type;type:transaction_type;not null"`
	Status         enums.TransactionStatus `gorm:"column:status;type:transaction_status;not null"`
	Amount         decimal.Decimal         `gorm:"column:amount;type:numeric(12,2);not null"`
	Currency       string                  `gorm:"column:currency;not null"`
	Provider       enums.GatewayProvider   `gorm:"column:provider;not null"`
	ExternalID     *string                 `gorm:"column:external_id;uniqueIndex"`
	RedirectURL    *string                 `gorm:"column:redirect_url"`
	Description    string                  `gorm:"column:description;not null;default:''"`
	FailureReason  *string                 `gorm:"column:failure_reason"`
	RawResponse    json.RawMessage         `gorm:"column:raw_response;type:jsonb"`
	CreatedAt      time.Time               `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time               `gorm:"column:updated_at;autoUpdateTime"`
	ProcessedAt    *time.Time              `gorm:"column:processed_at"`
	ExpiresAt      *time.Time              `gorm:"column:expires_at"`
}

func (BillingTransaction) TableName() string { return "billing_transactions" }
