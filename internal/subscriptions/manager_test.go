package subscriptions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-backend/internal/ledger"
	"github.com/angelmondragon/billing-backend/internal/notifications"
	"github.com/angelmondragon/billing-backend/internal/tariffs"
	"github.com/angelmondragon/billing-backend/internal/usage"
	"github.com/angelmondragon/billing-backend/internal/users"
	"github.com/angelmondragon/billing-backend/pkg/config"
	"github.com/angelmondragon/billing-backend/pkg/db"
	"github.com/angelmondragon/billing-backend/pkg/db/dbtest"
	"github.com/angelmondragon/billing-backend/pkg/db/models"
	"github.com/angelmondragon/billing-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-backend/pkg/errors"
	"github.com/angelmondragon/billing-backend/pkg/gateway"
	"github.com/angelmondragon/billing-backend/pkg/logger"
)

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time { return c.now }

func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type fakeGateway struct {
	provider    enums.GatewayProvider
	chargeState enums.ChargeState
	createErr   error
	status      gateway.ChargeStatus
	statusErr   error
	created     []gateway.ChargeRequest
	seq         int
}

func (f *fakeGateway) Provider() enums.GatewayProvider { return f.provider }

func (f *fakeGateway) CreateCharge(_ context.Context, req gateway.ChargeRequest) (gateway.Charge, error) {
	if f.createErr != nil {
		return gateway.Charge{}, f.createErr
	}
	f.created = append(f.created, req)
	f.seq++
	state := f.chargeState
	if state == "" {
		state = enums.ChargeStatePending
	}
	id := fmt.Sprintf("%s_%d", f.provider, f.seq)
	return gateway.Charge{ExternalID: id, RedirectURL: "https://pay.example.com/" + id, Status: state}, nil
}

func (f *fakeGateway) GetChargeStatus(_ context.Context, _ string) (gateway.ChargeStatus, error) {
	return f.status, f.statusErr
}

func (f *fakeGateway) ParseNotification(_ context.Context, _ gateway.RawNotification) (gateway.DecodedEvent, error) {
	return gateway.DecodedEvent{}, gateway.Malformed("not supported by fake", nil)
}

type fixture struct {
	manager *Manager
	conn    *gorm.DB
	clock   *clock
	ledger  *ledger.Service
	gw      *fakeGateway
	userID  uuid.UUID
	owner   Actor
	admin   Actor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	conn := dbtest.Open(t)
	clk := &clock{now: time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)}

	led, err := ledger.NewService(ledger.ServiceParams{Repo: ledger.NewRepository(conn), SessionTTL: time.Hour, Now: clk.Now})
	require.NoError(t, err)
	notes, err := notifications.NewService(notifications.ServiceParams{Repo: notifications.NewRepository(conn), Now: clk.Now})
	require.NoError(t, err)
	tracker, err := usage.NewTracker(usage.TrackerParams{Repo: usage.NewRepository(conn), Now: clk.Now})
	require.NoError(t, err)

	gw := &fakeGateway{provider: enums.GatewayStripe}
	registry, err := gateway.NewRegistry(enums.GatewayStripe, gw)
	require.NoError(t, err)

	userRepo := users.NewRepository(conn)
	user, err := userRepo.Create(ctx, users.CreateUserDTO{ExternalRef: "owner-1", DisplayName: "Owner"})
	require.NoError(t, err)

	manager, err := NewManager(ManagerParams{
		TransactionRunner: db.NewFromGorm(conn),
		Repo:              NewRepository(conn),
		Plans:             tariffs.NewRepository(conn),
		Users:             userRepo,
		Ledger:            led,
		Notifications:     notes,
		Usage:             tracker,
		Gateways:          registry,
		Billing: config.BillingConfig{
			Currency:         "USD",
			PollMinAge:       2 * time.Minute,
			DefaultReturnURL: "https://app.example.com/billing",
			SweepBatchSize:   50,
			ExpiringHorizons: []int{7, 1},
		},
		Logger: logger.New(logger.Options{ServiceName: "subscriptions-test", Output: io.Discard}),
		Now:    clk.Now,
	})
	require.NoError(t, err)

	return &fixture{
		manager: manager,
		conn:    conn,
		clock:   clk,
		ledger:  led,
		gw:      gw,
		userID:  user.ID,
		owner:   Actor{UserID: user.ID, Role: enums.UserRoleOwner},
		admin:   Actor{UserID: uuid.New(), Role: enums.UserRoleAdmin},
	}
}

func (f *fixture) seedPlan(t *testing.T, price string, graceDays int) *models.TariffPlan {
	t.Helper()
	plan := &models.TariffPlan{
		ID:              uuid.New(),
		Name:            "Plan " + price,
		Price:           decimal.RequireFromString(price),
		Currency:        "USD",
		Period:          enums.BillingPeriodMonth,
		MaxObjects:      5,
		MaxEmployees:    10,
		MaxManagers:     models.Unlimited,
		Features:        []string{},
		Active:          true,
		GracePeriodDays: graceDays,
	}
	require.NoError(t, f.conn.Create(plan).Error)
	return plan
}

func (f *fixture) seedActive(t *testing.T, planID uuid.UUID, expires time.Time, autoRenew bool) *models.UserSubscription {
	t.Helper()
	sub := &models.UserSubscription{
		ID:            uuid.New(),
		UserID:        f.userID,
		TariffPlanID:  planID,
		Status:        enums.SubscriptionStatusActive,
		StartedAt:     f.clock.now.AddDate(0, -1, 0),
		ExpiresAt:     &expires,
		AutoRenewal:   autoRenew,
		PaymentMethod: enums.GatewayStripe.String(),
	}
	require.NoError(t, f.conn.Create(sub).Error)
	return sub
}

func (f *fixture) subscribe(t *testing.T, planID uuid.UUID) *SubscribeResult {
	t.Helper()
	res, err := f.manager.Subscribe(context.Background(), SubscribeInput{UserID: f.userID, PlanID: planID})
	require.NoError(t, err)
	return res
}

func (f *fixture) reload(t *testing.T, id uuid.UUID) *models.UserSubscription {
	t.Helper()
	var sub models.UserSubscription
	require.NoError(t, f.conn.Where("id = ?", id).First(&sub).Error)
	return &sub
}

func (f *fixture) count(t *testing.T, model any, query string, args ...any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.conn.Model(model).Where(query, args...).Count(&n).Error)
	return n
}

func (f *fixture) notificationCount(t *testing.T, kind enums.NotificationType) int64 {
	t.Helper()
	return f.count(t, &models.PaymentNotification{}, "type = ?", kind)
}

func (f *fixture) transactionCount(t *testing.T) int64 {
	t.Helper()
	return f.count(t, &models.BillingTransaction{}, "1 = 1")
}

func requireSameInstant(t *testing.T, want time.Time, got *time.Time) {
	t.Helper()
	require.NotNil(t, got)
	require.True(t, want.Equal(*got), "want %s, got %s", want, *got)
}

func TestNewManagerRequiresDependencies(t *testing.T) {
	_, err := NewManager(ManagerParams{})
	require.Error(t, err)
}

func TestSubscribePaidPlanWaitsForPayment(t *testing.T) {
	f := newFixture(t)
	plan := f.seedPlan(t, "100", 0)

	res := f.subscribe(t, plan.ID)

	require.Equal(t, enums.SubscriptionStatusSuspended, res.Subscription.Status)
	require.NotNil(t, res.Subscription.SuspendReason)
	require.Equal(t, enums.SuspendReasonPendingPayment, *res.Subscription.SuspendReason)
	require.Nil(t, res.Subscription.ExpiresAt)

	require.NotNil(t, res.Transaction)
	require.Equal(t, enums.TransactionStatusProcessing, res.Transaction.Status)
	require.Equal(t, "stripe_1", *res.Transaction.ExternalID)
	require.Equal(t, "https://pay.example.com/stripe_1", res.RedirectURL)

	require.Len(t, f.gw.created, 1)
	req := f.gw.created[0]
	require.True(t, decimal.NewFromInt(100).Equal(req.Amount))
	require.Equal(t, res.Transaction.ID.String(), req.Metadata[gateway.MetaTransactionID])
	require.Equal(t, res.Subscription.ID.String(), req.Metadata[gateway.MetaSubscriptionID])
	require.Equal(t, "https://app.example.com/billing", req.ReturnURL)
	require.Equal(t, int64(1), f.notificationCount(t, enums.NotificationTypePaymentDue))
}

func TestSubscribeRejectsUnknownPaymentMethodAndUser(t *testing.T) {
	f := newFixture(t)
	plan := f.seedPlan(t, "100", 0)
	ctx := context.Background()

	_, err := f.manager.Subscribe(ctx, SubscribeInput{UserID: f.userID, PlanID: plan.ID, PaymentMethod: "paypal"})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	_, err = f.manager.Subscribe(ctx, SubscribeInput{UserID: f.userID, PlanID: plan.ID, PaymentMethod: "square"})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	_, err = f.manager.Subscribe(ctx, SubscribeInput{UserID: uuid.New(), PlanID: plan.ID})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))

	_, err = f.manager.Subscribe(ctx, SubscribeInput{UserID: f.userID, PlanID: uuid.New()})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
	require.Zero(t, f.transactionCount(t))
}

func TestSubscribeCarriesStoredCardAndCustomer(t *testing.T) {
	f := newFixture(t)
	plan := f.seedPlan(t, "100", 0)

	res, err := f.manager.Subscribe(context.Background(), SubscribeInput{
		UserID:             f.userID,
		PlanID:             plan.ID,
		PaymentSourceRef:   " ccof:card-1 ",
		PaymentCustomerRef: "cust-9",
	})
	require.NoError(t, err)

	sub := f.reload(t, res.Subscription.ID)
	require.NotNil(t, sub.PaymentCustomerRef)
	require.Equal(t, "cust-9", *sub.PaymentCustomerRef)

	require.Len(t, f.gw.created, 1)
	meta := f.gw.created[0].Metadata
	require.Equal(t, "ccof:card-1", meta[gateway.MetaPaymentSource])
	require.Equal(t, "cust-9", meta[gateway.MetaPaymentCustomer])
	require.Equal(t, res.Transaction.ID.String(), meta[gateway.MetaTransactionID])
}

func TestFreePlanActivatesWithoutExpiry(t *testing.T) {
	f := newFixture(t)
	plan := f.seedPlan(t, "0", 0)

	res := f.subscribe(t, plan.ID)

	require.Equal(t, enums.SubscriptionStatusActive, res.Subscription.Status)
	require.Nil(t, res.Subscription.ExpiresAt)
	require.Nil(t, res.Transaction)
	require.Empty(t, f.gw.created)
	require.Equal(t, int64(1), f.notificationCount(t, enums.NotificationTypeActivated))

	_, err := f.manager.Subscribe(context.Background(), SubscribeInput{UserID: f.userID, PlanID: plan.ID})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeConflict))
}

func TestPaymentActivatesAndKeepsSingleActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	free := f.subscribe(t, f.seedPlan(t, "0", 0).ID)
	paid := f.subscribe(t, f.seedPlan(t, "100", 0).ID)

	require.Equal(t, enums.SubscriptionStatusCancelled, f.reload(t, free.Subscription.ID).Status)
	require.Zero(t, f.count(t, &models.UserSubscription{}, "user_id = ? AND status = ?", f.userID, enums.SubscriptionStatusActive))

	settled, err := f.manager.HandlePaymentSucceeded(ctx, paid.Transaction.ID, *paid.Transaction.ExternalID, nil)
	require.NoError(t, err)
	require.Equal(t, ledger.OutcomeApplied, settled.Outcome)
	require.True(t, settled.Activated)
	require.Equal(t, enums.SubscriptionStatusActive, settled.Subscription.Status)
	require.Nil(t, settled.Subscription.SuspendReason)
	requireSameInstant(t, f.clock.now.AddDate(0, 1, 0), settled.Subscription.ExpiresAt)
	requireSameInstant(t, f.clock.now, settled.Subscription.LastPaymentAt)

	previous := f.reload(t, free.Subscription.ID)
	require.Equal(t, enums.SubscriptionStatusCancelled, previous.Status)
	require.NotNil(t, previous.CancelledAt)

	require.Equal(t, int64(1), f.count(t, &models.UserSubscription{}, "user_id = ? AND status = ?", f.userID, enums.SubscriptionStatusActive))
	require.Equal(t, int64(2), f.notificationCount(t, enums.NotificationTypeActivated))
	require.Equal(t, int64(1), f.notificationCount(t, enums.NotificationTypeCancelled))
	require.Equal(t, int64(1), f.notificationCount(t, enums.NotificationTypePaymentSucceeded))
}

func TestPlanSwitchCancelsCurrentSubscriptionOnCreate(t *testing.T) {
	f := newFixture(t)
	current := f.seedActive(t, f.seedPlan(t, "40", 0).ID, f.clock.now.AddDate(0, 0, 20), true)

	res := f.subscribe(t, f.seedPlan(t, "100", 0).ID)

	require.Equal(t, enums.SubscriptionStatusSuspended, res.Subscription.Status)
	previous := f.reload(t, current.ID)
	require.Equal(t, enums.SubscriptionStatusCancelled, previous.Status)
	require.False(t, previous.AutoRenewal)
	require.NotNil(t, previous.CancelledAt)
	require.Zero(t, f.count(t, &models.UserSubscription{}, "user_id = ? AND status = ?", f.userID, enums.SubscriptionStatusActive))
	require.Equal(t, int64(1), f.notificationCount(t, enums.NotificationTypeCancelled))

	require.NotNil(t, res.Transaction)
	require.NotNil(t, res.Transaction.ExternalID)
	require.Equal(t, "stripe_1", *res.Transaction.ExternalID)

	history, err := f.manager.ListSubscriptions(context.Background(), f.userID)
	require.NoError(t, err)
	ids := make([]uuid.UUID, 0, len(history))
	for _, sub := range history {
		ids = append(ids, sub.ID)
	}
	require.ElementsMatch(t, []uuid.UUID{current.ID, res.Subscription.ID}, ids)
}

func TestDuplicateSettlementChangesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.subscribe(t, f.seedPlan(t, "100", 0).ID)

	first, err := f.manager.HandlePaymentSucceeded(ctx, res.Transaction.ID, "stripe_1", nil)
	require.NoError(t, err)
	f.clock.Advance(time.Hour)

	second, err := f.manager.HandlePaymentSucceeded(ctx, res.Transaction.ID, "stripe_1", nil)
	require.NoError(t, err)
	require.Equal(t, ledger.OutcomeDuplicate, second.Outcome)
	require.False(t, second.Activated)

	sub := f.reload(t, res.Subscription.ID)
	requireSameInstant(t, *first.Subscription.ExpiresAt, sub.ExpiresAt)
	require.Equal(t, int64(1), f.notificationCount(t, enums.NotificationTypePaymentSucceeded))
	require.Equal(t, int64(1), f.notificationCount(t, enums.NotificationTypeActivated))
}

func TestFutureStartStaysSuspendedUntilScheduled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.seedPlan(t, "100", 0)
	start := f.clock.now.AddDate(0, 0, 10)

	res, err := f.manager.Subscribe(ctx, SubscribeInput{UserID: f.userID, PlanID: plan.ID, StartAt: &start})
	require.NoError(t, err)

	settled, err := f.manager.HandlePaymentSucceeded(ctx, res.Transaction.ID, *res.Transaction.ExternalID, nil)
	require.NoError(t, err)
	require.False(t, settled.Activated)
	require.Equal(t, enums.SubscriptionStatusSuspended, settled.Subscription.Status)
	require.Equal(t, enums.SuspendReasonScheduled, *settled.Subscription.SuspendReason)
	requireSameInstant(t, start.AddDate(0, 1, 0), settled.Subscription.ExpiresAt)

	sweep, err := f.manager.ActivateScheduled(ctx)
	require.NoError(t, err)
	require.Zero(t, sweep.Changed)

	f.clock.Advance(10 * 24 * time.Hour)
	sweep, err = f.manager.ActivateScheduled(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sweep.Changed)

	sub := f.reload(t, res.Subscription.ID)
	require.Equal(t, enums.SubscriptionStatusActive, sub.Status)
	require.Nil(t, sub.SuspendReason)
	requireSameInstant(t, start.AddDate(0, 1, 0), sub.ExpiresAt)
}

func TestExpireDueIsIdempotentAndDoesNotRenew(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.seedPlan(t, "100", 0)
	sub := f.seedActive(t, plan.ID, f.clock.now.Add(-time.Second), false)

	first, err := f.manager.ExpireDue(ctx)
	require.NoError(t, err)
	require.Equal(t, SweepResult{Scanned: 1, Changed: 1}, first)

	second, err := f.manager.ExpireDue(ctx)
	require.NoError(t, err)
	require.Equal(t, SweepResult{}, second)

	notified, err := f.manager.NotifyExpiring(ctx)
	require.NoError(t, err)
	require.Zero(t, notified.Changed)

	require.Equal(t, enums.SubscriptionStatusExpired, f.reload(t, sub.ID).Status)
	require.Zero(t, f.transactionCount(t))
	require.Equal(t, int64(1), f.notificationCount(t, enums.NotificationTypeExpired))
}

func TestExpiredSubscriptionReactivatesFromNow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.seedPlan(t, "100", 0)
	sub := f.seedActive(t, plan.ID, f.clock.now.AddDate(0, 0, -20), false)
	_, err := f.manager.ExpireDue(ctx)
	require.NoError(t, err)

	started, err := f.manager.StartPayment(ctx, sub.ID, "")
	require.NoError(t, err)
	require.Equal(t, enums.TransactionStatusProcessing, started.Transaction.Status)

	_, err = f.manager.StartPayment(ctx, sub.ID, "")
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeConflict))

	settled, err := f.manager.HandlePaymentSucceeded(ctx, started.Transaction.ID, *started.Transaction.ExternalID, nil)
	require.NoError(t, err)
	require.True(t, settled.Activated)
	requireSameInstant(t, f.clock.now.AddDate(0, 1, 0), settled.Subscription.ExpiresAt)
}

func TestGracePeriodActivatesWithoutTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.seedPlan(t, "50", 14)

	res := f.subscribe(t, plan.ID)

	require.Equal(t, enums.SubscriptionStatusActive, res.Subscription.Status)
	require.True(t, res.Subscription.GraceGranted)
	requireSameInstant(t, f.clock.now.AddDate(0, 0, 14), res.Subscription.ExpiresAt)
	require.Nil(t, res.Transaction)
	require.Zero(t, f.transactionCount(t))
	require.Empty(t, f.gw.created)

	_, err := f.manager.Cancel(ctx, res.Subscription.ID, f.owner)
	require.NoError(t, err)

	again := f.subscribe(t, plan.ID)
	require.Equal(t, enums.SubscriptionStatusSuspended, again.Subscription.Status)
	require.False(t, again.Subscription.GraceGranted)
	require.NotNil(t, again.Transaction)
}

func TestImmediateGatewaySettlement(t *testing.T) {
	f := newFixture(t)
	f.gw.chargeState = enums.ChargeStateSucceeded

	res := f.subscribe(t, f.seedPlan(t, "100", 0).ID)

	require.Equal(t, enums.SubscriptionStatusActive, res.Subscription.Status)
	require.Equal(t, enums.TransactionStatusCompleted, res.Transaction.Status)
	require.Equal(t, int64(1), f.notificationCount(t, enums.NotificationTypePaymentSucceeded))
}

func TestDeclinedChargeFailsTransactionOnly(t *testing.T) {
	f := newFixture(t)
	f.gw.chargeState = enums.ChargeStateFailed

	_, err := f.manager.Subscribe(context.Background(), SubscribeInput{UserID: f.userID, PlanID: f.seedPlan(t, "100", 0).ID})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodePayment))

	var txn models.BillingTransaction
	require.NoError(t, f.conn.First(&txn).Error)
	require.Equal(t, enums.TransactionStatusFailed, txn.Status)
	require.Equal(t, int64(1), f.count(t, &models.UserSubscription{}, "status = ?", enums.SubscriptionStatusSuspended))
	require.Equal(t, int64(1), f.notificationCount(t, enums.NotificationTypePaymentFailed))
}

func TestGatewayOutageFailsTransaction(t *testing.T) {
	f := newFixture(t)
	f.gw.createErr = gateway.Unavailable("timeout", nil)

	_, err := f.manager.Subscribe(context.Background(), SubscribeInput{UserID: f.userID, PlanID: f.seedPlan(t, "100", 0).ID})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeDependency))

	var txn models.BillingTransaction
	require.NoError(t, f.conn.First(&txn).Error)
	require.Equal(t, enums.TransactionStatusFailed, txn.Status)
	require.NotNil(t, txn.FailureReason)
	require.Contains(t, *txn.FailureReason, "timeout")
}

func TestPaymentFailedKeepsSubscriptionAndNotifiesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.subscribe(t, f.seedPlan(t, "100", 0).ID)

	first, err := f.manager.HandlePaymentFailed(ctx, res.Transaction.ID, enums.TransactionStatusFailed, "card declined", nil)
	require.NoError(t, err)
	require.Equal(t, ledger.OutcomeApplied, first.Outcome)

	second, err := f.manager.HandlePaymentFailed(ctx, res.Transaction.ID, enums.TransactionStatusFailed, "card declined", nil)
	require.NoError(t, err)
	require.Equal(t, ledger.OutcomeDuplicate, second.Outcome)

	_, err = f.manager.HandlePaymentSucceeded(ctx, res.Transaction.ID, "stripe_1", nil)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict))

	require.Equal(t, enums.SubscriptionStatusSuspended, f.reload(t, res.Subscription.ID).Status)
	require.Equal(t, int64(1), f.notificationCount(t, enums.NotificationTypePaymentFailed))
}

func TestLateSuccessForFailedTransactionIsLoggedForReconcile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var buf bytes.Buffer
	f.manager.logg = logger.New(logger.Options{ServiceName: "subscriptions-test", Format: logger.FormatJSON, Output: &buf})
	res := f.subscribe(t, f.seedPlan(t, "100", 0).ID)

	_, err := f.manager.HandlePaymentFailed(ctx, res.Transaction.ID, enums.TransactionStatusFailed, "session lost", nil)
	require.NoError(t, err)

	_, err = f.manager.HandlePaymentSucceeded(ctx, res.Transaction.ID, "stripe_1", nil)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict))

	var entry map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if strings.Contains(line, "payment succeeded for a closed transaction") {
			require.NoError(t, json.Unmarshal([]byte(line), &entry))
		}
	}
	require.NotNil(t, entry, "expected a reconcile log line, got %s", buf.String())
	require.Equal(t, "error", entry["level"])
	require.Equal(t, res.Transaction.ID.String(), entry["transaction_id"])
	require.Equal(t, "stripe_1", entry["external_id"])
	require.Equal(t, true, entry["needs_reconcile"])
	require.Equal(t, enums.SubscriptionStatusSuspended, f.reload(t, res.Subscription.ID).Status)
}

func TestCancelChecksOwnershipAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.subscribe(t, f.seedPlan(t, "100", 0).ID)

	_, err := f.manager.Cancel(ctx, res.Subscription.ID, Actor{UserID: uuid.New(), Role: enums.UserRoleOwner})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeForbidden))

	cancelled, err := f.manager.Cancel(ctx, res.Subscription.ID, f.owner)
	require.NoError(t, err)
	require.Equal(t, enums.SubscriptionStatusCancelled, cancelled.Status)

	again, err := f.manager.Cancel(ctx, res.Subscription.ID, f.admin)
	require.NoError(t, err)
	require.Equal(t, enums.SubscriptionStatusCancelled, again.Status)
	require.Equal(t, int64(1), f.notificationCount(t, enums.NotificationTypeCancelled))

	// a late payment for a cancelled subscription settles the money only
	settled, err := f.manager.HandlePaymentSucceeded(ctx, res.Transaction.ID, "stripe_1", nil)
	require.NoError(t, err)
	require.False(t, settled.Activated)
	require.Equal(t, enums.TransactionStatusCompleted, settled.Transaction.Status)
	require.Equal(t, enums.SubscriptionStatusCancelled, f.reload(t, res.Subscription.ID).Status)

	_, err = f.manager.Cancel(ctx, uuid.New(), f.admin)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestNotifyExpiringRenewsOncePerBand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.seedPlan(t, "100", 0)
	expires := f.clock.now.AddDate(0, 0, 5)
	sub := f.seedActive(t, plan.ID, expires, true)

	first, err := f.manager.NotifyExpiring(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, first.Changed)
	require.Equal(t, int64(1), f.transactionCount(t))
	require.Len(t, f.gw.created, 1)
	require.Equal(t, sub.ID.String(), f.gw.created[0].Metadata[gateway.MetaSubscriptionID])

	repeat, err := f.manager.NotifyExpiring(ctx)
	require.NoError(t, err)
	require.Zero(t, repeat.Changed)
	require.Equal(t, int64(1), f.transactionCount(t))

	f.clock.Advance(4*24*time.Hour + 12*time.Hour)
	closer, err := f.manager.NotifyExpiring(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, closer.Changed)
	require.Equal(t, int64(1), f.transactionCount(t), "open renewal blocks a second charge")
	require.Equal(t, int64(2), f.notificationCount(t, enums.NotificationTypeExpiringSoon))

	var renewal models.BillingTransaction
	require.NoError(t, f.conn.First(&renewal).Error)
	settled, err := f.manager.HandlePaymentSucceeded(ctx, renewal.ID, *renewal.ExternalID, nil)
	require.NoError(t, err)
	require.False(t, settled.Activated)
	requireSameInstant(t, expires.AddDate(0, 1, 0), settled.Subscription.ExpiresAt)
}

func TestReapPendingFailsLapsedSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	txn, err := f.ledger.CreateTransaction(ctx, ledger.CreateTransactionInput{
		UserID:   f.userID,
		Type:     enums.TransactionTypePayment,
		Amount:   decimal.NewFromInt(100),
		Currency: "USD",
		Provider: enums.GatewayStripe,
	})
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)
	reaped, err := f.manager.ReapPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, reaped.Changed)

	again, err := f.manager.ReapPending(ctx)
	require.NoError(t, err)
	require.Zero(t, again.Changed)

	stored, err := f.ledger.FindByID(ctx, txn.ID)
	require.NoError(t, err)
	require.Equal(t, enums.TransactionStatusFailed, stored.Status)
	require.Equal(t, int64(1), f.notificationCount(t, enums.NotificationTypePaymentFailed))
}

func TestPollProcessingConvergesWithWebhook(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.subscribe(t, f.seedPlan(t, "100", 0).ID)
	f.gw.status = gateway.ChargeStatus{Status: enums.ChargeStateSucceeded, Paid: true}

	early, err := f.manager.PollProcessing(ctx)
	require.NoError(t, err)
	require.Zero(t, early.Scanned)

	f.clock.Advance(5 * time.Minute)
	polled, err := f.manager.PollProcessing(ctx)
	require.NoError(t, err)
	require.Equal(t, SweepResult{Scanned: 1, Changed: 1}, polled)
	require.Equal(t, enums.SubscriptionStatusActive, f.reload(t, res.Subscription.ID).Status)

	late, err := f.manager.HandlePaymentSucceeded(ctx, res.Transaction.ID, "stripe_1", nil)
	require.NoError(t, err)
	require.Equal(t, ledger.OutcomeDuplicate, late.Outcome)
}

func TestPollProcessingFailsChargeTheGatewayRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.subscribe(t, f.seedPlan(t, "100", 0).ID)
	f.gw.statusErr = gateway.Rejected("no such checkout session", nil)

	f.clock.Advance(10 * time.Minute)
	polled, err := f.manager.PollProcessing(ctx)
	require.NoError(t, err)
	require.Equal(t, SweepResult{Scanned: 1, Changed: 1}, polled)

	stored, err := f.ledger.FindByID(ctx, res.Transaction.ID)
	require.NoError(t, err)
	require.Equal(t, enums.TransactionStatusFailed, stored.Status)
	require.NotNil(t, stored.FailureReason)
	require.Contains(t, *stored.FailureReason, "no such checkout session")
	require.Equal(t, int64(1), f.notificationCount(t, enums.NotificationTypePaymentFailed))
	require.Equal(t, enums.SubscriptionStatusSuspended, f.reload(t, res.Subscription.ID).Status)

	f.clock.Advance(10 * time.Minute)
	again, err := f.manager.PollProcessing(ctx)
	require.NoError(t, err)
	require.Zero(t, again.Scanned)
}

func TestPollProcessingKeepsChargeWhileGatewayIsDown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.subscribe(t, f.seedPlan(t, "100", 0).ID)
	f.gw.statusErr = gateway.Unavailable("timeout", nil)

	f.clock.Advance(10 * time.Minute)
	polled, err := f.manager.PollProcessing(ctx)
	require.True(t, gateway.IsUnavailable(err), "got %v", err)
	require.Equal(t, SweepResult{Scanned: 1}, polled)

	stored, err := f.ledger.FindByID(ctx, res.Transaction.ID)
	require.NoError(t, err)
	require.Equal(t, enums.TransactionStatusProcessing, stored.Status)
}

func TestAssignSubscriptionAndMarkAsPaid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.seedPlan(t, "100", 0)

	_, err := f.manager.AssignSubscription(ctx, AssignInput{UserID: f.userID, PlanID: plan.ID, Actor: f.owner})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeForbidden))

	assigned, err := f.manager.AssignSubscription(ctx, AssignInput{UserID: f.userID, PlanID: plan.ID, Actor: f.admin, Note: "support"})
	require.NoError(t, err)
	require.Equal(t, enums.SubscriptionStatusActive, assigned.Status)
	requireSameInstant(t, f.clock.now.AddDate(0, 1, 0), assigned.ExpiresAt)

	var adjustment models.BillingTransaction
	require.NoError(t, f.conn.Where("type = ?", enums.TransactionTypeAdjustment).First(&adjustment).Error)
	require.Equal(t, enums.TransactionStatusCompleted, adjustment.Status)
	require.True(t, adjustment.Amount.IsZero())
	require.Contains(t, adjustment.Description, "support")

	other := f.seedPlan(t, "30", 0)
	res := f.subscribe(t, other.ID)
	_, err = f.manager.MarkAsPaid(ctx, res.Transaction.ID, f.owner)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeForbidden))

	settled, err := f.manager.MarkAsPaid(ctx, res.Transaction.ID, f.admin)
	require.NoError(t, err)
	require.True(t, settled.Activated)
	require.Equal(t, "stripe_1", *settled.Transaction.ExternalID)
	require.Equal(t, enums.SubscriptionStatusCancelled, f.reload(t, assigned.ID).Status)
}

func TestQueriesExposeUsageAndHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.seedPlan(t, "0", 0)
	f.subscribe(t, plan.ID)
	for i := 0; i < 2; i++ {
		require.NoError(t, f.conn.Create(&models.Object{ID: uuid.New(), OwnerID: f.userID, Name: "site"}).Error)
	}
	for i := 0; i < 3; i++ {
		_, err := f.ledger.CreateTransaction(ctx, ledger.CreateTransactionInput{
			UserID:   f.userID,
			Type:     enums.TransactionTypePayment,
			Amount:   decimal.NewFromInt(int64(10 + i)),
			Currency: "USD",
			Provider: enums.GatewayStripe,
		})
		require.NoError(t, err)
	}

	report, err := f.manager.GetLimitsSummary(ctx, f.userID)
	require.NoError(t, err)
	require.Equal(t, 2, report.Metric(enums.ResourceObjects).Current)
	require.Equal(t, 5, report.Metric(enums.ResourceObjects).Max)

	decision, err := f.manager.CheckLimit(ctx, f.userID, enums.ResourceObjects)
	require.NoError(t, err)
	require.True(t, decision.Allowed)

	page, err := f.manager.GetUserTransactions(ctx, f.userID, 2, 0)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	require.NotNil(t, page.NextOffset)

	page, err = f.manager.GetUserTransactions(ctx, f.userID, 2, *page.NextOffset)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	require.Nil(t, page.NextOffset)

	overview, err := f.manager.Current(ctx, f.userID)
	require.NoError(t, err)
	require.True(t, overview.HasAccess)
	require.Equal(t, plan.ID, overview.Plan.ID)
}
