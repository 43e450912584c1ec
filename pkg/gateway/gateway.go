// Package gateway defines the payment processor contract used by the billing
// engine, its typed failures and a provider registry.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/billing-backend/pkg/enums"
)

// Metadata keys carried on every outbound charge and read back from notifications.
const (
	MetaTransactionID   = "transaction_id"
	MetaUserID          = "user_id"
	MetaSubscriptionID  = "subscription_id"
	MetaTariffPlanID    = "tariff_plan_id"
	MetaPaymentSource   = "payment_source_id"
	MetaPaymentCustomer = "payment_customer_id"
)

// Gateway creates charges, polls their status and decodes push notifications.
// Implementations never touch local persistence.
type Gateway interface {
	Provider() enums.GatewayProvider
	CreateCharge(ctx context.Context, req ChargeRequest) (Charge, error)
	GetChargeStatus(ctx context.Context, externalID string) (ChargeStatus, error)
	ParseNotification(ctx context.Context, raw RawNotification) (DecodedEvent, error)
}

// ChargeRequest describes a one-off charge.
type ChargeRequest struct {
	Amount      decimal.Decimal
	Currency    string
	Description string
	ReturnURL   string
	Metadata    map[string]string
	// IdempotencyKey lets providers deduplicate retried creates.
	IdempotencyKey string
}

// Validate rejects requests that no provider would accept.
func (r ChargeRequest) Validate() error {
	if !r.Amount.IsPositive() {
		return Malformed("charge amount must be positive", nil)
	}
	if len(r.Currency) != 3 {
		return Malformed(fmt.Sprintf("invalid currency %q", r.Currency), nil)
	}
	if r.Metadata[MetaTransactionID] == "" {
		return Malformed("transaction_id metadata is required", nil)
	}
	return nil
}

// Charge is the provider's acknowledgement of a created charge.
type Charge struct {
	ExternalID  string
	RedirectURL string
	Status      enums.ChargeState
	Raw         json.RawMessage
}

// ChargeStatus is the polled state of an external charge.
type ChargeStatus struct {
	Status enums.ChargeState
	Paid   bool
	Amount decimal.Decimal
	Raw    json.RawMessage
}

// RawNotification is an inbound webhook request as received.
type RawNotification struct {
	Body      []byte
	Signature string
	// URL is the public notification URL; some providers sign it with the body.
	URL string
}

// DecodedEvent is a verified, provider-neutral notification.
type DecodedEvent struct {
	EventID    string
	Type       string
	ExternalID string
	Status     enums.ChargeState
	Metadata   map[string]string
	Raw        json.RawMessage
}

// TransactionID returns the correlation key carried in metadata.
func (e DecodedEvent) TransactionID() string {
	if e.Metadata == nil {
		return ""
	}
	return e.Metadata[MetaTransactionID]
}
