package subscriptions

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-backend/internal/ledger"
	"github.com/angelmondragon/billing-backend/internal/notifications"
	"github.com/angelmondragon/billing-backend/internal/tariffs"
	"github.com/angelmondragon/billing-backend/pkg/db/models"
	"github.com/angelmondragon/billing-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-backend/pkg/errors"
	"github.com/angelmondragon/billing-backend/pkg/gateway"
)

// SubscribeInput captures a sign-up or plan change.
type SubscribeInput struct {
	UserID             uuid.UUID
	PlanID             uuid.UUID
	StartAt            *time.Time
	AutoRenewal        bool
	PaymentMethod      string
	PaymentSourceRef   string
	PaymentCustomerRef string
	ReturnURL          string
}

// SubscribeResult is the created subscription plus the payment to complete,
// when one is required.
type SubscribeResult struct {
	Subscription *models.UserSubscription
	Transaction  *models.BillingTransaction
	RedirectURL  string
}

// AssignInput is an operator grant that bypasses payment.
type AssignInput struct {
	UserID    uuid.UUID
	PlanID    uuid.UUID
	StartAt   *time.Time
	ExpiresAt *time.Time
	Note      string
	Actor     Actor
}

// Subscribe creates a subscription for the user and cancels the one it
// replaces. Free plans and first-time grace plans activate immediately; paid
// plans wait SUSPENDED until the charge settles.
func (m *Manager) Subscribe(ctx context.Context, in SubscribeInput) (*SubscribeResult, error) {
	if in.UserID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	if in.PlanID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "plan id is required")
	}
	provider, err := m.resolveProvider(strings.TrimSpace(in.PaymentMethod))
	if err != nil {
		return nil, err
	}
	if err := m.ensureUser(ctx, in.UserID); err != nil {
		return nil, err
	}

	now := m.now()
	start := now
	if in.StartAt != nil && in.StartAt.After(now) {
		start = in.StartAt.UTC()
	}
	scheduled := start.After(now)

	result := &SubscribeResult{}
	err = m.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := m.repo.WithTx(tx)
		plans := m.plans.WithTx(tx)
		notes := m.notifications.WithTx(tx)

		plan, err := loadPlan(ctx, plans, in.PlanID)
		if err != nil {
			return err
		}
		if !plan.Active {
			return pkgerrors.New(pkgerrors.CodeValidation, "tariff plan is not available")
		}
		current, err := repo.FindActiveByUser(ctx, in.UserID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load active subscription")
		}
		if current != nil && current.TariffPlanID == plan.ID && !scheduled {
			return pkgerrors.New(pkgerrors.CodeConflict, "already subscribed to this plan").
				WithDetails(map[string]any{"subscription_id": current.ID})
		}
		hadGrace, err := repo.HasGrace(ctx, in.UserID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "check grace history")
		}

		sub := &models.UserSubscription{
			UserID:        in.UserID,
			TariffPlanID:  plan.ID,
			StartedAt:     start,
			AutoRenewal:   in.AutoRenewal,
			PaymentMethod: provider.String(),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if ref := strings.TrimSpace(in.PaymentSourceRef); ref != "" {
			sub.PaymentSourceRef = &ref
		}
		if ref := strings.TrimSpace(in.PaymentCustomerRef); ref != "" {
			sub.PaymentCustomerRef = &ref
		}

		needsPayment := false
		switch {
		case plan.GracePeriodDays > 0 && current == nil && !hadGrace && !scheduled:
			expires := now.AddDate(0, 0, plan.GracePeriodDays)
			sub.Status = enums.SubscriptionStatusActive
			sub.ExpiresAt = &expires
			sub.GraceGranted = true
		case plan.IsFree() && scheduled:
			sub.Status = enums.SubscriptionStatusSuspended
			sub.SuspendReason = suspendReason(enums.SuspendReasonScheduled)
		case plan.IsFree():
			sub.Status = enums.SubscriptionStatusActive
		default:
			sub.Status = enums.SubscriptionStatusSuspended
			sub.SuspendReason = suspendReason(enums.SuspendReasonPendingPayment)
			needsPayment = true
		}

		// a plan change retires the current plan before the new row exists,
		// whether or not the new one still waits for payment
		if err := cancelOtherActive(ctx, repo, notes, in.UserID, uuid.Nil, now); err != nil {
			return err
		}
		if err := repo.Create(ctx, sub); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "create subscription")
		}
		result.Subscription = sub

		if sub.Status == enums.SubscriptionStatusActive {
			return notes.Activated(ctx, sub)
		}
		if !needsPayment {
			return nil
		}
		txn, err := m.openPayment(ctx, plans, m.ledger.WithTx(tx), notes, sub, plan, provider, "")
		if err != nil {
			return err
		}
		result.Transaction = txn
		return nil
	})
	if err != nil {
		return nil, err
	}

	ctx = m.logg.WithSubscriptionID(ctx, result.Subscription.ID.String())
	m.logg.Info(ctx, "subscription created with status "+string(result.Subscription.Status))
	if result.Transaction == nil {
		return result, nil
	}
	return m.completeCharge(ctx, result, in.ReturnURL)
}

// StartPayment opens a new charge for a subscription that is waiting for
// payment or has expired.
func (m *Manager) StartPayment(ctx context.Context, subscriptionID uuid.UUID, returnURL string) (*SubscribeResult, error) {
	result := &SubscribeResult{}
	err := m.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := m.repo.WithTx(tx)
		plans := m.plans.WithTx(tx)
		led := m.ledger.WithTx(tx)

		sub, err := loadSubscription(ctx, repo, subscriptionID)
		if err != nil {
			return err
		}
		awaiting := sub.Status == enums.SubscriptionStatusSuspended &&
			sub.SuspendReason != nil && *sub.SuspendReason == enums.SuspendReasonPendingPayment
		if !awaiting && sub.Status != enums.SubscriptionStatusExpired {
			return subscriptionConflict(sub, "accept a payment")
		}
		open, err := led.HasOpenPayment(ctx, sub.ID)
		if err != nil {
			return err
		}
		if open {
			return pkgerrors.New(pkgerrors.CodeConflict, "a payment is already in progress").
				WithDetails(map[string]any{"subscription_id": sub.ID})
		}
		plan, err := loadPlan(ctx, plans, sub.TariffPlanID)
		if err != nil {
			return err
		}
		if plan.IsFree() {
			return pkgerrors.New(pkgerrors.CodeValidation, "plan does not require payment")
		}
		provider, err := m.resolveProvider(sub.PaymentMethod)
		if err != nil {
			return err
		}
		txn, err := m.openPayment(ctx, plans, led, m.notifications.WithTx(tx), sub, plan, provider, "")
		if err != nil {
			return err
		}
		result.Subscription = sub
		result.Transaction = txn
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m.completeCharge(ctx, result, returnURL)
}

// Renew charges an ACTIVE subscription for its next period. It returns nil
// without charging when the plan is free or a payment is already open.
func (m *Manager) Renew(ctx context.Context, subscriptionID uuid.UUID) (*models.BillingTransaction, error) {
	result := &SubscribeResult{}
	err := m.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := m.repo.WithTx(tx)
		plans := m.plans.WithTx(tx)
		led := m.ledger.WithTx(tx)

		sub, err := loadSubscription(ctx, repo, subscriptionID)
		if err != nil {
			return err
		}
		if sub.Status != enums.SubscriptionStatusActive {
			return subscriptionConflict(sub, "renew")
		}
		plan, err := loadPlan(ctx, plans, sub.TariffPlanID)
		if err != nil {
			return err
		}
		if plan.IsFree() {
			return nil
		}
		open, err := led.HasOpenPayment(ctx, sub.ID)
		if err != nil {
			return err
		}
		if open {
			return nil
		}
		provider, err := m.resolveProvider(sub.PaymentMethod)
		if err != nil {
			return err
		}
		txn, err := m.openPayment(ctx, plans, led, m.notifications.WithTx(tx), sub, plan, provider, "renewal")
		if err != nil {
			return err
		}
		result.Subscription = sub
		result.Transaction = txn
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result.Transaction == nil {
		return nil, nil
	}
	ctx = m.logg.WithSubscriptionID(ctx, subscriptionID.String())
	m.logg.Info(ctx, "renewal charge opened")
	if _, err := m.completeCharge(ctx, result, ""); err != nil {
		return result.Transaction, err
	}
	return result.Transaction, nil
}

// AssignSubscription grants a plan without charging. The grant is recorded
// as a zero-amount ADJUSTMENT transaction.
func (m *Manager) AssignSubscription(ctx context.Context, in AssignInput) (*models.UserSubscription, error) {
	if !in.Actor.IsAdmin() {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "admin role required")
	}
	if in.UserID == uuid.Nil || in.PlanID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id and plan id are required")
	}
	if err := m.ensureUser(ctx, in.UserID); err != nil {
		return nil, err
	}

	now := m.now()
	start := now
	if in.StartAt != nil && in.StartAt.After(now) {
		start = in.StartAt.UTC()
	}
	scheduled := start.After(now)

	var sub *models.UserSubscription
	err := m.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := m.repo.WithTx(tx)
		notes := m.notifications.WithTx(tx)

		plan, err := loadPlan(ctx, m.plans.WithTx(tx), in.PlanID)
		if err != nil {
			return err
		}
		var expires *time.Time
		switch {
		case in.ExpiresAt != nil:
			end := in.ExpiresAt.UTC()
			if !end.After(start) {
				return pkgerrors.New(pkgerrors.CodeValidation, "expires_at must be after the start")
			}
			expires = &end
		case !plan.IsFree():
			end := plan.Period.AddTo(start)
			expires = &end
		}

		sub = &models.UserSubscription{
			UserID:        in.UserID,
			TariffPlanID:  plan.ID,
			StartedAt:     start,
			ExpiresAt:     expires,
			PaymentMethod: enums.GatewayManual.String(),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if scheduled {
			sub.Status = enums.SubscriptionStatusSuspended
			sub.SuspendReason = suspendReason(enums.SuspendReasonScheduled)
		} else {
			sub.Status = enums.SubscriptionStatusActive
		}
		if err := cancelOtherActive(ctx, repo, notes, in.UserID, uuid.Nil, now); err != nil {
			return err
		}
		if err := repo.Create(ctx, sub); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "create subscription")
		}

		description := fmt.Sprintf("%s assigned by %s", plan.Name, in.Actor.UserID)
		if note := strings.TrimSpace(in.Note); note != "" {
			description += ": " + note
		}
		if _, err := m.ledger.WithTx(tx).RecordAdjustment(ctx, ledger.CreateTransactionInput{
			UserID:         in.UserID,
			SubscriptionID: &sub.ID,
			Currency:       m.currency(plan),
			Description:    description,
		}); err != nil {
			return err
		}
		if sub.Status == enums.SubscriptionStatusActive {
			return notes.Activated(ctx, sub)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	ctx = m.logg.WithActorRole(m.logg.WithSubscriptionID(ctx, sub.ID.String()), string(in.Actor.Role))
	m.logg.Info(ctx, "subscription assigned")
	return sub, nil
}

// openPayment records the PENDING transaction for sub and queues PAYMENT_DUE.
func (m *Manager) openPayment(ctx context.Context, plans tariffs.Repository, led *ledger.Service, notes *notifications.Service, sub *models.UserSubscription, plan *models.TariffPlan, provider enums.GatewayProvider, label string) (*models.BillingTransaction, error) {
	amount, err := tariffs.ComputePriceTx(ctx, plans, *plan, sub.UserID)
	if err != nil {
		return nil, err
	}
	description := fmt.Sprintf("%s plan, %s", plan.Name, plan.Period)
	if label != "" {
		description += " " + label
	}
	txn, err := led.CreateTransaction(ctx, ledger.CreateTransactionInput{
		UserID:         sub.UserID,
		SubscriptionID: &sub.ID,
		Type:           enums.TransactionTypePayment,
		Amount:         amount,
		Currency:       m.currency(plan),
		Provider:       provider,
		Description:    description,
	})
	if err != nil {
		return nil, err
	}
	if err := notes.PaymentDue(ctx, txn); err != nil {
		return nil, err
	}
	return txn, nil
}

// completeCharge calls the gateway outside any database transaction, binds
// the external charge and settles immediately when the gateway already
// reports a final state.
func (m *Manager) completeCharge(ctx context.Context, result *SubscribeResult, returnURL string) (*SubscribeResult, error) {
	txn := result.Transaction
	sub := result.Subscription
	ctx = m.logg.WithTransactionID(ctx, txn.ID.String())

	gw, err := m.gateways.Get(txn.Provider)
	if err != nil {
		return result, m.abortCharge(ctx, txn, err)
	}
	if returnURL = strings.TrimSpace(returnURL); returnURL == "" {
		returnURL = m.billing.DefaultReturnURL
	}
	req := gateway.ChargeRequest{
		Amount:         txn.Amount,
		Currency:       txn.Currency,
		Description:    txn.Description,
		ReturnURL:      returnURL,
		IdempotencyKey: txn.ID.String(),
		Metadata: map[string]string{
			gateway.MetaTransactionID:  txn.ID.String(),
			gateway.MetaUserID:         sub.UserID.String(),
			gateway.MetaSubscriptionID: sub.ID.String(),
			gateway.MetaTariffPlanID:   sub.TariffPlanID.String(),
		},
	}
	if sub.PaymentSourceRef != nil {
		req.Metadata[gateway.MetaPaymentSource] = *sub.PaymentSourceRef
	}
	if sub.PaymentCustomerRef != nil {
		req.Metadata[gateway.MetaPaymentCustomer] = *sub.PaymentCustomerRef
	}

	charge, err := gw.CreateCharge(ctx, req)
	if err != nil {
		m.metrics.GatewayCall(txn.Provider.String(), "create_charge", string(gateway.KindOf(err)))
		return result, m.abortCharge(ctx, txn, err)
	}
	m.metrics.GatewayCall(txn.Provider.String(), "create_charge", "ok")

	if _, err := m.ledger.AttachExternalCharge(ctx, txn.ID, charge.ExternalID, charge.RedirectURL, charge.Raw); err != nil {
		return result, err
	}
	result.RedirectURL = charge.RedirectURL
	attached, err := m.ledger.FindByID(ctx, txn.ID)
	if err != nil {
		return result, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "reload transaction")
	}
	result.Transaction = attached

	switch charge.Status {
	case enums.ChargeStateSucceeded:
		settled, err := m.HandlePaymentSucceeded(ctx, txn.ID, charge.ExternalID, charge.Raw)
		if err != nil {
			return result, err
		}
		result.Transaction = settled.Transaction
		if settled.Subscription != nil {
			result.Subscription = settled.Subscription
		}
	case enums.ChargeStateFailed, enums.ChargeStateCanceled:
		status := enums.TransactionStatusFailed
		if charge.Status == enums.ChargeStateCanceled {
			status = enums.TransactionStatusCancelled
		}
		settled, err := m.HandlePaymentFailed(ctx, txn.ID, status, "charge declined by gateway", charge.Raw)
		if err != nil {
			return result, err
		}
		result.Transaction = settled.Transaction
		return result, pkgerrors.New(pkgerrors.CodePayment, "payment was declined").
			WithDetails(map[string]any{"transaction_id": txn.ID})
	}
	return result, nil
}

// abortCharge fails the transaction when no external charge could be
// created, and returns the error to surface to the caller.
func (m *Manager) abortCharge(ctx context.Context, txn *models.BillingTransaction, cause error) error {
	m.logg.Error(ctx, "gateway charge creation failed", cause)
	if _, err := m.HandlePaymentFailed(ctx, txn.ID, enums.TransactionStatusFailed, cause.Error(), nil); err != nil {
		m.logg.Error(ctx, "failed to record charge failure", err)
	}
	details := map[string]any{"transaction_id": txn.ID, "gateway_failure": string(gateway.KindOf(cause))}
	switch gateway.KindOf(cause) {
	case gateway.KindRejected, gateway.KindMalformed:
		return pkgerrors.Wrap(pkgerrors.CodePayment, cause, "payment was rejected by the gateway").WithDetails(details)
	default:
		return pkgerrors.Wrap(pkgerrors.CodeDependency, cause, "payment gateway unavailable").WithDetails(details)
	}
}

func suspendReason(reason enums.SuspendReason) *enums.SuspendReason {
	return &reason
}
