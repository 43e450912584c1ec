package subscriptions

import (
	"time"

	"github.com/google/uuid"

	subsvc "github.com/angelmondragon/billing-backend/internal/subscriptions"
	"github.com/angelmondragon/billing-backend/pkg/db/models"
)

type subscriptionResponse struct {
	ID            uuid.UUID  `json:"id"`
	UserID        uuid.UUID  `json:"user_id"`
	TariffPlanID  uuid.UUID  `json:"tariff_plan_id"`
	Status        string     `json:"status"`
	SuspendReason *string    `json:"suspend_reason,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	LastPaymentAt *time.Time `json:"last_payment_at,omitempty"`
	AutoRenewal   bool       `json:"auto_renewal"`
	PaymentMethod string     `json:"payment_method,omitempty"`
	CancelledAt   *time.Time `json:"cancelled_at,omitempty"`
}

type transactionResponse struct {
	ID             uuid.UUID  `json:"id"`
	SubscriptionID *uuid.UUID `json:"subscription_id,omitempty"`
	Type           string     `json:"type"`
	Status         string     `json:"status"`
	Amount         string     `json:"amount"`
	Currency       string     `json:"currency"`
	Provider       string     `json:"provider"`
	ExternalID     *string    `json:"external_id,omitempty"`
	RedirectURL    *string    `json:"redirect_url,omitempty"`
	Description    string     `json:"description,omitempty"`
	FailureReason  *string    `json:"failure_reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ProcessedAt    *time.Time `json:"processed_at,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// checkoutResponse is returned by the endpoints that may open a charge.
// RedirectURL is empty when no payment is needed or it settled immediately.
type checkoutResponse struct {
	Subscription *subscriptionResponse `json:"subscription"`
	Transaction  *transactionResponse  `json:"transaction,omitempty"`
	RedirectURL  string                `json:"redirect_url,omitempty"`
}

type overviewResponse struct {
	Subscription *subscriptionResponse `json:"subscription"`
	PlanName     string                `json:"plan_name,omitempty"`
	HasAccess    bool                  `json:"has_access"`
}

type subscriptionListResponse struct {
	Items []subscriptionResponse `json:"items"`
}

type transactionPageResponse struct {
	Items      []transactionResponse `json:"items"`
	Limit      int                   `json:"limit"`
	Offset     int                   `json:"offset"`
	NextOffset *int                  `json:"next_offset,omitempty"`
}

func newSubscriptionResponse(sub *models.UserSubscription) *subscriptionResponse {
	if sub == nil {
		return nil
	}
	resp := &subscriptionResponse{
		ID:            sub.ID,
		UserID:        sub.UserID,
		TariffPlanID:  sub.TariffPlanID,
		Status:        string(sub.Status),
		StartedAt:     sub.StartedAt,
		ExpiresAt:     sub.ExpiresAt,
		LastPaymentAt: sub.LastPaymentAt,
		AutoRenewal:   sub.AutoRenewal,
		PaymentMethod: sub.PaymentMethod,
		CancelledAt:   sub.CancelledAt,
	}
	if sub.SuspendReason != nil {
		reason := string(*sub.SuspendReason)
		resp.SuspendReason = &reason
	}
	return resp
}

func newTransactionResponse(txn *models.BillingTransaction) *transactionResponse {
	if txn == nil {
		return nil
	}
	return &transactionResponse{
		ID:             txn.ID,
		SubscriptionID: txn.SubscriptionID,
		Type:           string(txn.Type),
		Status:         string(txn.Status),
		Amount:         txn.Amount.StringFixed(2),
		Currency:       txn.Currency,
		Provider:       string(txn.Provider),
		ExternalID:     txn.ExternalID,
		RedirectURL:    txn.RedirectURL,
		Description:    txn.Description,
		FailureReason:  txn.FailureReason,
		CreatedAt:      txn.CreatedAt,
		ProcessedAt:    txn.ProcessedAt,
		ExpiresAt:      txn.ExpiresAt,
	}
}

func newCheckoutResponse(result *subsvc.SubscribeResult) checkoutResponse {
	return checkoutResponse{
		Subscription: newSubscriptionResponse(result.Subscription),
		Transaction:  newTransactionResponse(result.Transaction),
		RedirectURL:  result.RedirectURL,
	}
}
