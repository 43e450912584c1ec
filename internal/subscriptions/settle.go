package subscriptions

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-backend/internal/ledger"
	"github.com/angelmondragon/billing-backend/pkg/db/models"
	"github.com/angelmondragon/billing-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-backend/pkg/errors"
)

// SettleResult reports what a settlement did to the ledger and to the
// subscription the payment belongs to.
type SettleResult struct {
	Outcome      ledger.Outcome
	Transaction  *models.BillingTransaction
	Subscription *models.UserSubscription
	Activated    bool
}

// HandlePaymentSucceeded completes the transaction and extends or activates
// its subscription in one database transaction. Webhooks, polling and
// immediate gateway settlement all converge here; a repeated call for a
// COMPLETED transaction changes nothing.
func (m *Manager) HandlePaymentSucceeded(ctx context.Context, txID uuid.UUID, externalID string, raw json.RawMessage) (*SettleResult, error) {
	result := &SettleResult{}
	err := m.db.WithTx(ctx, func(tx *gorm.DB) error {
		outcome, txn, err := m.ledger.WithTx(tx).SettleSuccess(ctx, txID, externalID, raw)
		if err != nil {
			return err
		}
		result.Outcome = outcome
		result.Transaction = txn
		if outcome == ledger.OutcomeDuplicate {
			return nil
		}
		if _, err := m.notifications.WithTx(tx).PaymentSucceeded(ctx, txn); err != nil {
			return err
		}
		if txn.SubscriptionID == nil {
			return nil
		}
		return m.applyPayment(ctx, tx, *txn.SubscriptionID, result)
	})
	if err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeStateConflict) {
			logCtx := m.logg.WithFields(m.logg.WithTransactionID(ctx, txID.String()), map[string]any{
				"external_id":     externalID,
				"needs_reconcile": true,
			})
			m.logg.Error(logCtx, "payment succeeded for a closed transaction", err)
		}
		return nil, err
	}

	ctx = m.logg.WithTransactionID(ctx, txID.String())
	if result.Outcome == ledger.OutcomeDuplicate {
		m.logg.Debug(ctx, "payment already settled")
		return result, nil
	}
	if result.Activated {
		ctx = m.logg.WithSubscriptionID(ctx, result.Subscription.ID.String())
		m.logg.Info(ctx, "subscription activated by payment")
	}
	return result, nil
}

// applyPayment moves the paid subscription forward:
//   - started_at in the future: stays SUSPENDED as SCHEDULED with its
//     period precomputed;
//   - SUSPENDED or EXPIRED: ACTIVE for one period from now;
//   - ACTIVE: one more period from max(expires_at, now).
func (m *Manager) applyPayment(ctx context.Context, tx *gorm.DB, subscriptionID uuid.UUID, result *SettleResult) error {
	repo := m.repo.WithTx(tx)
	notes := m.notifications.WithTx(tx)

	sub, err := repo.FindForUpdate(ctx, subscriptionID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load subscription")
	}
	if sub == nil || sub.Status == enums.SubscriptionStatusCancelled {
		m.logg.Warn(m.logg.WithSubscriptionID(ctx, subscriptionID.String()), "payment settled for a missing or cancelled subscription")
		result.Subscription = sub
		return nil
	}
	plan, err := loadPlan(ctx, m.plans.WithTx(tx), sub.TariffPlanID)
	if err != nil {
		return err
	}

	now := m.now()
	updates := map[string]any{
		"last_payment_at": now,
		"updated_at":      now,
	}

	if sub.StartedAt.After(now) {
		updates["suspend_reason"] = enums.SuspendReasonScheduled
		updates["expires_at"] = plan.Period.AddTo(sub.StartedAt)
		moved, err := repo.Transition(ctx, sub.ID, []enums.SubscriptionStatus{enums.SubscriptionStatusSuspended}, updates)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "schedule subscription")
		}
		if !moved {
			return subscriptionConflict(sub, "be scheduled")
		}
		result.Subscription, err = repo.FindByID(ctx, sub.ID)
		return err
	}

	base := now
	if sub.Status == enums.SubscriptionStatusActive && sub.ExpiresAt != nil && sub.ExpiresAt.After(now) {
		base = sub.ExpiresAt.UTC()
	}
	updates["status"] = enums.SubscriptionStatusActive
	updates["suspend_reason"] = nil
	updates["expires_at"] = plan.Period.AddTo(base)

	activating := sub.Status != enums.SubscriptionStatusActive
	if activating {
		if err := cancelOtherActive(ctx, repo, notes, sub.UserID, sub.ID, now); err != nil {
			return err
		}
	}
	moved, err := repo.Transition(ctx, sub.ID, []enums.SubscriptionStatus{sub.Status}, updates)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "activate subscription")
	}
	if !moved {
		return subscriptionConflict(sub, "be activated")
	}
	updated, err := repo.FindByID(ctx, sub.ID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "reload subscription")
	}
	result.Subscription = updated
	if !activating {
		return nil
	}
	result.Activated = true
	return notes.Activated(ctx, updated)
}

// HandlePaymentFailed moves the transaction to FAILED or CANCELLED and
// queues PAYMENT_FAILED once. Subscription access is left untouched.
func (m *Manager) HandlePaymentFailed(ctx context.Context, txID uuid.UUID, status enums.TransactionStatus, reason string, raw json.RawMessage) (*SettleResult, error) {
	result := &SettleResult{}
	err := m.db.WithTx(ctx, func(tx *gorm.DB) error {
		outcome, txn, err := m.ledger.WithTx(tx).SettleFailureOrCancel(ctx, txID, status, reason, raw)
		if err != nil {
			return err
		}
		result.Outcome = outcome
		result.Transaction = txn
		if outcome == ledger.OutcomeDuplicate {
			return nil
		}
		_, err = m.notifications.WithTx(tx).PaymentFailed(ctx, txn)
		return err
	})
	if err != nil {
		return nil, err
	}
	if result.Outcome == ledger.OutcomeApplied {
		m.logg.Warn(m.logg.WithTransactionID(ctx, txID.String()), "payment "+string(status))
	}
	return result, nil
}

// MarkAsPaid settles an open transaction on an operator's word, for payments
// received outside any gateway.
func (m *Manager) MarkAsPaid(ctx context.Context, txID uuid.UUID, actor Actor) (*SettleResult, error) {
	if !actor.IsAdmin() {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "admin role required")
	}
	raw, err := json.Marshal(map[string]string{
		"marked_paid_by": actor.UserID.String(),
		"source":         "admin",
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode audit payload")
	}
	return m.HandlePaymentSucceeded(ctx, txID, "", raw)
}

// Cancel moves the subscription to CANCELLED. Owners may cancel their own
// subscriptions; admins may cancel any. Cancelling twice is a no-op.
func (m *Manager) Cancel(ctx context.Context, subscriptionID uuid.UUID, actor Actor) (*models.UserSubscription, error) {
	var sub *models.UserSubscription
	changed := false
	err := m.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := m.repo.WithTx(tx)
		current, err := loadSubscription(ctx, repo, subscriptionID)
		if err != nil {
			return err
		}
		if !actor.canAccess(current) {
			return pkgerrors.New(pkgerrors.CodeForbidden, "subscription belongs to another user")
		}
		sub = current
		if current.Status == enums.SubscriptionStatusCancelled {
			return nil
		}
		now := m.now()
		moved, err := repo.Transition(ctx, current.ID, []enums.SubscriptionStatus{
			enums.SubscriptionStatusActive,
			enums.SubscriptionStatusSuspended,
			enums.SubscriptionStatusExpired,
		}, cancelUpdates(now))
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "cancel subscription")
		}
		if !moved {
			return subscriptionConflict(current, "be cancelled")
		}
		changed = true
		applyCancel(sub, now)
		return m.notifications.WithTx(tx).Cancelled(ctx, sub)
	})
	if err != nil {
		return nil, err
	}
	if changed {
		ctx = m.logg.WithActorRole(m.logg.WithSubscriptionID(ctx, sub.ID.String()), string(actor.Role))
		m.logg.Info(ctx, "subscription cancelled")
	}
	return sub, nil
}

func applyCancel(sub *models.UserSubscription, now time.Time) {
	sub.Status = enums.SubscriptionStatusCancelled
	sub.SuspendReason = nil
	sub.AutoRenewal = false
	sub.CancelledAt = &now
	sub.UpdatedAt = now
}
