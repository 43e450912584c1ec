// Package subscriptions drives the subscription state machine: sign-up,
// payment settlement, cancellation, renewal and the time-based sweeps.
package subscriptions

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-backend/internal/ledger"
	"github.com/angelmondragon/billing-backend/internal/notifications"
	"github.com/angelmondragon/billing-backend/internal/tariffs"
	"github.com/angelmondragon/billing-backend/internal/usage"
	"github.com/angelmondragon/billing-backend/pkg/config"
	"github.com/angelmondragon/billing-backend/pkg/db/models"
	"github.com/angelmondragon/billing-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-backend/pkg/errors"
	"github.com/angelmondragon/billing-backend/pkg/gateway"
	"github.com/angelmondragon/billing-backend/pkg/logger"
	"github.com/angelmondragon/billing-backend/pkg/metrics"
)

const defaultBatchSize = 200

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type userDirectory interface {
	Exists(ctx context.Context, id uuid.UUID) (bool, error)
}

// Actor is the caller on whose behalf an operation runs.
type Actor struct {
	UserID uuid.UUID
	Role   enums.UserRole
}

func (a Actor) IsAdmin() bool {
	return a.Role == enums.UserRoleAdmin
}

func (a Actor) canAccess(sub *models.UserSubscription) bool {
	return a.IsAdmin() || sub.UserID == a.UserID
}

// ManagerParams groups dependencies for the lifecycle manager.
type ManagerParams struct {
	TransactionRunner txRunner
	Repo              Repository
	Plans             tariffs.Repository
	Users             userDirectory
	Ledger            *ledger.Service
	Notifications     *notifications.Service
	Usage             *usage.Tracker
	Gateways          *gateway.Registry
	Billing           config.BillingConfig
	Logger            *logger.Logger
	Metrics           *metrics.BillingMetrics
	Now               func() time.Time
}

// Manager owns every status write to user_subscriptions.
type Manager struct {
	db            txRunner
	repo          Repository
	plans         tariffs.Repository
	users         userDirectory
	ledger        *ledger.Service
	notifications *notifications.Service
	usage         *usage.Tracker
	gateways      *gateway.Registry
	billing       config.BillingConfig
	logg          *logger.Logger
	metrics       *metrics.BillingMetrics
	clock         func() time.Time
}

// NewManager validates dependencies and builds a Manager.
func NewManager(params ManagerParams) (*Manager, error) {
	switch {
	case params.TransactionRunner == nil:
		return nil, errors.New("transaction runner is required")
	case params.Repo == nil:
		return nil, errors.New("repo is required")
	case params.Plans == nil:
		return nil, errors.New("plans repo is required")
	case params.Users == nil:
		return nil, errors.New("users repo is required")
	case params.Ledger == nil:
		return nil, errors.New("ledger is required")
	case params.Notifications == nil:
		return nil, errors.New("notifications service is required")
	case params.Usage == nil:
		return nil, errors.New("usage tracker is required")
	case params.Gateways == nil:
		return nil, errors.New("gateway registry is required")
	case params.Logger == nil:
		return nil, errors.New("logger is required")
	}
	clock := params.Now
	if clock == nil {
		clock = time.Now
	}
	return &Manager{
		db:            params.TransactionRunner,
		repo:          params.Repo,
		plans:         params.Plans,
		users:         params.Users,
		ledger:        params.Ledger,
		notifications: params.Notifications,
		usage:         params.Usage,
		gateways:      params.Gateways,
		billing:       params.Billing,
		logg:          params.Logger,
		metrics:       params.Metrics,
		clock:         clock,
	}, nil
}

func (m *Manager) now() time.Time {
	return m.clock().UTC()
}

func (m *Manager) batchSize() int {
	if m.billing.SweepBatchSize > 0 {
		return m.billing.SweepBatchSize
	}
	return defaultBatchSize
}

func (m *Manager) currency(plan *models.TariffPlan) string {
	if plan.Currency != "" {
		return plan.Currency
	}
	return m.billing.Currency
}

func (m *Manager) ensureUser(ctx context.Context, userID uuid.UUID) error {
	ok, err := m.users.Exists(ctx, userID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lookup user")
	}
	if !ok {
		return pkgerrors.New(pkgerrors.CodeNotFound, "user not found")
	}
	return nil
}

// resolveProvider maps a payment method tag onto a registered gateway. An
// empty tag selects the default gateway.
func (m *Manager) resolveProvider(method string) (enums.GatewayProvider, error) {
	if method == "" {
		return m.gateways.Default().Provider(), nil
	}
	provider, err := enums.ParseGatewayProvider(method)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeValidation, err, "unknown payment method")
	}
	if _, err := m.gateways.Get(provider); err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeValidation, err, "payment method is not available")
	}
	return provider, nil
}

func loadPlan(ctx context.Context, plans tariffs.Repository, id uuid.UUID) (*models.TariffPlan, error) {
	plan, err := plans.FindPlanByID(ctx, id)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load tariff plan")
	}
	if plan == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "tariff plan not found")
	}
	return plan, nil
}

func loadSubscription(ctx context.Context, repo Repository, id uuid.UUID) (*models.UserSubscription, error) {
	sub, err := repo.FindForUpdate(ctx, id)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load subscription")
	}
	if sub == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
	}
	return sub, nil
}

// cancelOtherActive cancels every ACTIVE row of the user except keep. It runs
// inside the creating or activating transaction, ahead of the insert or the
// flip to ACTIVE.
func cancelOtherActive(ctx context.Context, repo Repository, notes *notifications.Service, userID, keep uuid.UUID, now time.Time) error {
	rows, err := repo.ListActiveByUser(ctx, userID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list active subscriptions")
	}
	for i := range rows {
		row := rows[i]
		if row.ID == keep {
			continue
		}
		moved, err := repo.Transition(ctx, row.ID, []enums.SubscriptionStatus{enums.SubscriptionStatusActive}, cancelUpdates(now))
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "cancel previous subscription")
		}
		if !moved {
			continue
		}
		applyCancel(&row, now)
		if err := notes.Cancelled(ctx, &row); err != nil {
			return err
		}
	}
	return nil
}

func cancelUpdates(now time.Time) map[string]any {
	return map[string]any{
		"status":         enums.SubscriptionStatusCancelled,
		"suspend_reason": nil,
		"auto_renewal":   false,
		"cancelled_at":   now,
		"updated_at":     now,
	}
}

func subscriptionConflict(sub *models.UserSubscription, action string) error {
	return pkgerrors.Newf(pkgerrors.CodeStateConflict, "%s subscription cannot %s", sub.Status, action).
		WithField("subscription_id", sub.ID)
}
