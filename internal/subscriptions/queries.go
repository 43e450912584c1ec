package subscriptions

import (
	"context"

	"github.com/google/uuid"

	"github.com/angelmondragon/billing-backend/internal/usage"
	"github.com/angelmondragon/billing-backend/pkg/db/models"
	"github.com/angelmondragon/billing-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-backend/pkg/errors"
	"github.com/angelmondragon/billing-backend/pkg/pagination"
)

// Overview is the user's current subscription with its plan. Both are nil
// when the user has never subscribed.
type Overview struct {
	Subscription *models.UserSubscription
	Plan         *models.TariffPlan
	HasAccess    bool
}

// GetSubscription returns a subscription visible to actor.
func (m *Manager) GetSubscription(ctx context.Context, subscriptionID uuid.UUID, actor Actor) (*models.UserSubscription, error) {
	sub, err := m.repo.FindByID(ctx, subscriptionID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load subscription")
	}
	if sub == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
	}
	if !actor.canAccess(sub) {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "subscription belongs to another user")
	}
	return sub, nil
}

// Current returns the ACTIVE subscription, or the most recent one when none
// is active.
func (m *Manager) Current(ctx context.Context, userID uuid.UUID) (*Overview, error) {
	sub, err := m.repo.FindActiveByUser(ctx, userID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load active subscription")
	}
	if sub == nil {
		rows, err := m.repo.ListByUser(ctx, userID)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list subscriptions")
		}
		if len(rows) == 0 {
			return &Overview{}, nil
		}
		sub = &rows[0]
	}
	plan, err := loadPlan(ctx, m.plans, sub.TariffPlanID)
	if err != nil {
		return nil, err
	}
	return &Overview{
		Subscription: sub,
		Plan:         plan,
		HasAccess:    sub.IsActiveAt(m.now()),
	}, nil
}

// ListSubscriptions returns the user's subscription history, newest first.
func (m *Manager) ListSubscriptions(ctx context.Context, userID uuid.UUID) ([]models.UserSubscription, error) {
	rows, err := m.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list subscriptions")
	}
	return rows, nil
}

// GetLimitsSummary reports current usage against the effective plan.
func (m *Manager) GetLimitsSummary(ctx context.Context, userID uuid.UUID) (*usage.Report, error) {
	return m.usage.ComputeUsage(ctx, userID)
}

// CheckLimit decides whether the user may add one more resource of kind.
func (m *Manager) CheckLimit(ctx context.Context, userID uuid.UUID, kind enums.ResourceKind) (usage.Decision, error) {
	return m.usage.Check(ctx, userID, kind)
}

// GetUserTransactions pages through the user's billing history, newest first.
func (m *Manager) GetUserTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) (pagination.Page[models.BillingTransaction], error) {
	params := pagination.Params{Limit: limit, Offset: offset}.Normalize()
	rows, err := m.ledger.ListByUser(ctx, userID, pagination.LimitWithBuffer(params.Limit), params.Offset)
	if err != nil {
		return pagination.Page[models.BillingTransaction]{}, err
	}
	return pagination.NewPage(rows, params), nil
}
