package subscriptions

import (
	"context"
	"sort"

	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-backend/internal/ledger"
	"github.com/angelmondragon/billing-backend/pkg/db/models"
	"github.com/angelmondragon/billing-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-backend/pkg/errors"
	"github.com/angelmondragon/billing-backend/pkg/gateway"
)

var defaultHorizons = []int{7, 1}

// SweepResult counts the rows a sweep looked at and the rows it changed.
type SweepResult struct {
	Scanned int
	Changed int
}

// ExpireDue moves ACTIVE subscriptions past their expiry to EXPIRED and
// queues EXPIRED notifications. Running it again finds nothing to do.
func (m *Manager) ExpireDue(ctx context.Context) (SweepResult, error) {
	now := m.now()
	rows, err := m.repo.ListLapsed(ctx, now, m.batchSize())
	if err != nil {
		return SweepResult{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list lapsed subscriptions")
	}
	result := SweepResult{Scanned: len(rows)}
	var errs error
	for i := range rows {
		sub := rows[i]
		changed := false
		err := m.db.WithTx(ctx, func(tx *gorm.DB) error {
			moved, err := m.repo.WithTx(tx).ExpireIfLapsed(ctx, sub.ID, now)
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "expire subscription")
			}
			if !moved {
				return nil
			}
			changed = true
			sub.Status = enums.SubscriptionStatusExpired
			return m.notifications.WithTx(tx).Expired(ctx, &sub)
		})
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if changed {
			result.Changed++
		}
	}
	return result, errs
}

// ActivateScheduled flips SCHEDULED subscriptions whose start has arrived to
// ACTIVE, cancelling any other ACTIVE row of the same user first.
func (m *Manager) ActivateScheduled(ctx context.Context) (SweepResult, error) {
	now := m.now()
	rows, err := m.repo.ListScheduledDue(ctx, now, m.batchSize())
	if err != nil {
		return SweepResult{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list scheduled subscriptions")
	}
	result := SweepResult{Scanned: len(rows)}
	var errs error
	for i := range rows {
		candidate := rows[i]
		changed := false
		err := m.db.WithTx(ctx, func(tx *gorm.DB) error {
			repo := m.repo.WithTx(tx)
			notes := m.notifications.WithTx(tx)

			sub, err := loadSubscription(ctx, repo, candidate.ID)
			if err != nil {
				return err
			}
			if sub.Status != enums.SubscriptionStatusSuspended || sub.SuspendReason == nil || *sub.SuspendReason != enums.SuspendReasonScheduled {
				return nil
			}
			if err := cancelOtherActive(ctx, repo, notes, sub.UserID, sub.ID, now); err != nil {
				return err
			}
			moved, err := repo.Transition(ctx, sub.ID, []enums.SubscriptionStatus{enums.SubscriptionStatusSuspended}, map[string]any{
				"status":         enums.SubscriptionStatusActive,
				"suspend_reason": nil,
				"updated_at":     now,
			})
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "activate scheduled subscription")
			}
			if !moved {
				return subscriptionConflict(sub, "be activated")
			}
			changed = true
			sub.Status = enums.SubscriptionStatusActive
			sub.SuspendReason = nil
			return notes.Activated(ctx, sub)
		})
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if changed {
			result.Changed++
		}
	}
	return result, errs
}

// NotifyExpiring queues EXPIRING_SOON notifications per horizon band and
// opens renewal charges for auto-renewing paid subscriptions. A band covers
// expiries after the next smaller horizon and up to its own, so a
// subscription is warned once per band.
func (m *Manager) NotifyExpiring(ctx context.Context) (SweepResult, error) {
	horizons := m.horizons()
	now := m.now()
	var (
		result SweepResult
		errs   error
	)
	for i, days := range horizons {
		lower := now
		if i+1 < len(horizons) {
			lower = now.AddDate(0, 0, horizons[i+1])
		}
		upper := now.AddDate(0, 0, days)
		rows, err := m.repo.ListExpiringBetween(ctx, lower, upper, m.batchSize())
		if err != nil {
			errs = multierr.Append(errs, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list expiring subscriptions"))
			continue
		}
		result.Scanned += len(rows)
		for j := range rows {
			sub := rows[j]
			created, err := m.notifications.ExpiringSoon(ctx, &sub, days)
			if err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			if !created {
				continue
			}
			result.Changed++
			if !sub.AutoRenewal {
				continue
			}
			if _, err := m.Renew(ctx, sub.ID); err != nil {
				m.logg.Error(m.logg.WithSubscriptionID(ctx, sub.ID.String()), "auto-renewal failed", err)
				errs = multierr.Append(errs, err)
			}
		}
	}
	return result, errs
}

func (m *Manager) horizons() []int {
	source := m.billing.ExpiringHorizons
	if len(source) == 0 {
		source = defaultHorizons
	}
	seen := make(map[int]struct{}, len(source))
	out := make([]int, 0, len(source))
	for _, days := range source {
		if days <= 0 {
			continue
		}
		if _, ok := seen[days]; ok {
			continue
		}
		seen[days] = struct{}{}
		out = append(out, days)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(out)))
	return out
}

// ReapPending fails PENDING transactions whose payment session lapsed and
// queues PAYMENT_FAILED for each.
func (m *Manager) ReapPending(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	err := m.db.WithTx(ctx, func(tx *gorm.DB) error {
		reaped, err := m.ledger.WithTx(tx).ReapExpiredPending(ctx, m.now(), m.batchSize())
		if err != nil {
			return err
		}
		notes := m.notifications.WithTx(tx)
		for i := range reaped {
			if _, err := notes.PaymentFailed(ctx, &reaped[i]); err != nil {
				return err
			}
		}
		result.Scanned = len(reaped)
		result.Changed = len(reaped)
		return nil
	})
	if err != nil {
		return SweepResult{}, err
	}
	return result, nil
}

// PollProcessing asks the gateway for the state of PROCESSING transactions
// older than the poll age and settles the final ones. It converges with
// webhook delivery through the same settle calls. A charge the gateway
// rejects or cannot describe is failed; unavailable and misconfigured
// gateways leave the row for the next cycle.
func (m *Manager) PollProcessing(ctx context.Context) (SweepResult, error) {
	minAge := m.billing.PollMinAge
	if minAge < 0 {
		minAge = 0
	}
	rows, err := m.ledger.ListProcessing(ctx, m.now().Add(-minAge), m.batchSize())
	if err != nil {
		return SweepResult{}, err
	}
	result := SweepResult{Scanned: len(rows)}
	var errs error
	for i := range rows {
		txn := rows[i]
		if txn.ExternalID == nil {
			continue
		}
		settled, err := m.pollCharge(m.logg.WithTransactionID(ctx, txn.ID.String()), &txn)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if settled != nil && settled.Outcome == ledger.OutcomeApplied {
			result.Changed++
		}
	}
	return result, errs
}

// pollCharge returns nil without error while the charge is still pending.
func (m *Manager) pollCharge(ctx context.Context, txn *models.BillingTransaction) (*SettleResult, error) {
	gw, err := m.gateways.Get(txn.Provider)
	if err != nil {
		return nil, err
	}
	status, err := gw.GetChargeStatus(ctx, *txn.ExternalID)
	if err != nil {
		kind := gateway.KindOf(err)
		m.metrics.GatewayCall(txn.Provider.String(), "get_charge_status", string(kind))
		switch kind {
		case gateway.KindRejected, gateway.KindMalformed:
			m.logg.Warn(m.logg.WithField(ctx, "external_id", *txn.ExternalID), "gateway rejected status poll, failing transaction: "+err.Error())
			return m.HandlePaymentFailed(ctx, txn.ID, enums.TransactionStatusFailed, "charge status rejected by gateway: "+err.Error(), nil)
		default:
			m.logg.Warn(ctx, "charge status poll failed: "+err.Error())
			return nil, err
		}
	}
	m.metrics.GatewayCall(txn.Provider.String(), "get_charge_status", "ok")

	switch status.Status {
	case enums.ChargeStateSucceeded:
		return m.HandlePaymentSucceeded(ctx, txn.ID, *txn.ExternalID, status.Raw)
	case enums.ChargeStateFailed:
		return m.HandlePaymentFailed(ctx, txn.ID, enums.TransactionStatusFailed, "charge failed at gateway", status.Raw)
	case enums.ChargeStateCanceled:
		return m.HandlePaymentFailed(ctx, txn.ID, enums.TransactionStatusCancelled, "charge canceled at gateway", status.Raw)
	default:
		return nil, nil
	}
}
