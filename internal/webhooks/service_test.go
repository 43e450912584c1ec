package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-backend/internal/ledger"
	"github.com/angelmondragon/billing-backend/internal/notifications"
	"github.com/angelmondragon/billing-backend/internal/subscriptions"
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
	"github.com/angelmondragon/billing-backend/pkg/redis"
)

const testSecret = "whsec_test"

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "webhooks-test", Output: io.Discard})
}

func newGuard(t *testing.T) *IdempotencyGuard {
	t.Helper()
	mr := miniredis.RunT(t)
	raw := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = raw.Close() })
	guard, err := NewIdempotencyGuard(redis.NewFromClient(raw), time.Hour, "webhook")
	require.NoError(t, err)
	return guard
}

func signed(t *testing.T, manual *gateway.Manual, payload map[string]any) gateway.RawNotification {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return gateway.RawNotification{Body: body, Signature: manual.Sign(body)}
}

type settleCall struct {
	txID   uuid.UUID
	status enums.TransactionStatus
}

type fakeSettler struct {
	calls []settleCall
	err   error
}

func (f *fakeSettler) HandlePaymentSucceeded(_ context.Context, txID uuid.UUID, _ string, _ json.RawMessage) (*subscriptions.SettleResult, error) {
	f.calls = append(f.calls, settleCall{txID: txID, status: enums.TransactionStatusCompleted})
	if f.err != nil {
		return nil, f.err
	}
	return &subscriptions.SettleResult{Outcome: ledger.OutcomeApplied}, nil
}

func (f *fakeSettler) HandlePaymentFailed(_ context.Context, txID uuid.UUID, status enums.TransactionStatus, _ string, _ json.RawMessage) (*subscriptions.SettleResult, error) {
	f.calls = append(f.calls, settleCall{txID: txID, status: status})
	if f.err != nil {
		return nil, f.err
	}
	return &subscriptions.SettleResult{Outcome: ledger.OutcomeApplied}, nil
}

func newFakeService(t *testing.T, guard eventGuard) (*Service, *fakeSettler, *gateway.Manual) {
	t.Helper()
	manual := gateway.NewManual(testSecret)
	registry, err := gateway.NewRegistry(enums.GatewayManual, manual)
	require.NoError(t, err)
	settler := &fakeSettler{}
	svc, err := NewService(ServiceParams{Gateways: registry, Settler: settler, Guard: guard, Logger: testLogger()})
	require.NoError(t, err)
	return svc, settler, manual
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	_, err := NewService(ServiceParams{})
	require.Error(t, err)
}

func TestIngestDropsWhatItCannotCorrelate(t *testing.T) {
	ctx := context.Background()
	svc, settler, manual := newFakeService(t, nil)

	outcome, err := svc.Ingest(ctx, "paypal", gateway.RawNotification{Body: []byte(`{}`)})
	require.NoError(t, err)
	require.Equal(t, OutcomeDropped, outcome)

	outcome, err = svc.Ingest(ctx, "stripe", gateway.RawNotification{Body: []byte(`{}`)})
	require.NoError(t, err)
	require.Equal(t, OutcomeDropped, outcome)

	outcome, err = svc.Ingest(ctx, "manual", gateway.RawNotification{Body: []byte(`{"status":"succeeded"}`), Signature: "bad"})
	require.NoError(t, err)
	require.Equal(t, OutcomeDropped, outcome)

	outcome, err = svc.Ingest(ctx, "manual", gateway.RawNotification{Body: []byte(`not json`), Signature: manual.Sign([]byte(`not json`))})
	require.NoError(t, err)
	require.Equal(t, OutcomeDropped, outcome)

	outcome, err = svc.Ingest(ctx, "manual", signed(t, manual, map[string]any{
		"event_id": "evt_1", "external_id": "manual_1", "status": "succeeded",
	}))
	require.NoError(t, err)
	require.Equal(t, OutcomeDropped, outcome)

	outcome, err = svc.Ingest(ctx, "manual", signed(t, manual, map[string]any{
		"event_id": "evt_2", "external_id": "manual_1", "status": "pending",
		"metadata": map[string]string{gateway.MetaTransactionID: uuid.NewString()},
	}))
	require.NoError(t, err)
	require.Equal(t, OutcomeIgnored, outcome)

	require.Empty(t, settler.calls)
}

func TestIngestRoutesByStatus(t *testing.T) {
	ctx := context.Background()
	svc, settler, manual := newFakeService(t, nil)
	txID := uuid.New()
	meta := map[string]string{gateway.MetaTransactionID: txID.String()}

	for i, status := range []string{"succeeded", "failed", "canceled"} {
		outcome, err := svc.Ingest(ctx, "manual", signed(t, manual, map[string]any{
			"event_id": "evt_" + status, "external_id": "manual_1", "status": status, "metadata": meta,
		}))
		require.NoError(t, err)
		require.Equal(t, OutcomeProcessed, outcome, "event %d", i)
	}

	require.Equal(t, []settleCall{
		{txID: txID, status: enums.TransactionStatusCompleted},
		{txID: txID, status: enums.TransactionStatusFailed},
		{txID: txID, status: enums.TransactionStatusCancelled},
	}, settler.calls)
}

func TestIngestReleasesGuardWhenProcessingFails(t *testing.T) {
	ctx := context.Background()
	svc, settler, manual := newFakeService(t, newGuard(t))
	settler.err = errors.New("database unavailable")
	raw := signed(t, manual, map[string]any{
		"event_id": "evt_1", "external_id": "manual_1", "status": "succeeded",
		"metadata": map[string]string{gateway.MetaTransactionID: uuid.NewString()},
	})

	outcome, err := svc.Ingest(ctx, "manual", raw)
	require.Error(t, err)
	require.Equal(t, OutcomeFailed, outcome)

	settler.err = nil
	outcome, err = svc.Ingest(ctx, "manual", raw)
	require.NoError(t, err)
	require.Equal(t, OutcomeProcessed, outcome)

	outcome, err = svc.Ingest(ctx, "manual", raw)
	require.NoError(t, err)
	require.Equal(t, OutcomeDuplicate, outcome)
	require.Len(t, settler.calls, 2)
}

func TestIngestKeepsGuardWhenFailureIsPermanent(t *testing.T) {
	ctx := context.Background()
	svc, settler, manual := newFakeService(t, newGuard(t))
	settler.err = pkgerrors.New(pkgerrors.CodeNotFound, "transaction not found")
	raw := signed(t, manual, map[string]any{
		"event_id": "evt_2", "external_id": "manual_2", "status": "failed",
		"metadata": map[string]string{gateway.MetaTransactionID: uuid.NewString()},
	})

	outcome, err := svc.Ingest(ctx, "manual", raw)
	require.Error(t, err)
	require.Equal(t, OutcomeFailed, outcome)

	outcome, err = svc.Ingest(ctx, "manual", raw)
	require.NoError(t, err)
	require.Equal(t, OutcomeDuplicate, outcome)
	require.Len(t, settler.calls, 1)
}

type lifecycle struct {
	svc     *Service
	manager *subscriptions.Manager
	manual  *gateway.Manual
	conn    *gorm.DB
	userID  uuid.UUID
	planID  uuid.UUID
}

func newLifecycle(t *testing.T, guard eventGuard) *lifecycle {
	t.Helper()
	ctx := context.Background()
	conn := dbtest.Open(t)
	now := func() time.Time { return time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC) }

	led, err := ledger.NewService(ledger.ServiceParams{Repo: ledger.NewRepository(conn), SessionTTL: time.Hour, Now: now})
	require.NoError(t, err)
	notes, err := notifications.NewService(notifications.ServiceParams{Repo: notifications.NewRepository(conn), Now: now})
	require.NoError(t, err)
	tracker, err := usage.NewTracker(usage.TrackerParams{Repo: usage.NewRepository(conn), Now: now})
	require.NoError(t, err)

	manual := gateway.NewManual(testSecret)
	registry, err := gateway.NewRegistry(enums.GatewayManual, manual)
	require.NoError(t, err)

	userRepo := users.NewRepository(conn)
	user, err := userRepo.Create(ctx, users.CreateUserDTO{ExternalRef: "owner-1", DisplayName: "Owner"})
	require.NoError(t, err)

	plan := &models.TariffPlan{
		ID:          uuid.New(),
		Name:        "Pro",
		Price:       decimal.NewFromInt(49),
		Currency:    "USD",
		Period:      enums.BillingPeriodMonth,
		MaxObjects:  10,
		MaxManagers: models.Unlimited,
		Features:    []string{},
		Active:      true,
	}
	require.NoError(t, conn.Create(plan).Error)

	manager, err := subscriptions.NewManager(subscriptions.ManagerParams{
		TransactionRunner: db.NewFromGorm(conn),
		Repo:              subscriptions.NewRepository(conn),
		Plans:             tariffs.NewRepository(conn),
		Users:             userRepo,
		Ledger:            led,
		Notifications:     notes,
		Usage:             tracker,
		Gateways:          registry,
		Billing:           config.BillingConfig{Currency: "USD"},
		Logger:            testLogger(),
		Now:               now,
	})
	require.NoError(t, err)

	svc, err := NewService(ServiceParams{Gateways: registry, Settler: manager, Guard: guard, Logger: testLogger()})
	require.NoError(t, err)
	return &lifecycle{svc: svc, manager: manager, manual: manual, conn: conn, userID: user.ID, planID: plan.ID}
}

func (l *lifecycle) succeeded(t *testing.T, eventID string, txn *models.BillingTransaction) gateway.RawNotification {
	t.Helper()
	return signed(t, l.manual, map[string]any{
		"event_id":    eventID,
		"external_id": *txn.ExternalID,
		"status":      "succeeded",
		"metadata":    map[string]string{gateway.MetaTransactionID: txn.ID.String()},
	})
}

func (l *lifecycle) count(t *testing.T, model any, query string, args ...any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, l.conn.Model(model).Where(query, args...).Count(&n).Error)
	return n
}

func TestDuplicateSucceededWebhookSettlesOnce(t *testing.T) {
	ctx := context.Background()
	l := newLifecycle(t, newGuard(t))
	res, err := l.manager.Subscribe(ctx, subscriptions.SubscribeInput{UserID: l.userID, PlanID: l.planID})
	require.NoError(t, err)

	outcome, err := l.svc.Ingest(ctx, "manual", l.succeeded(t, "evt_1", res.Transaction))
	require.NoError(t, err)
	require.Equal(t, OutcomeProcessed, outcome)

	// exact redelivery stops at the guard
	outcome, err = l.svc.Ingest(ctx, "manual", l.succeeded(t, "evt_1", res.Transaction))
	require.NoError(t, err)
	require.Equal(t, OutcomeDuplicate, outcome)

	// a different event for the same charge stops at the ledger
	outcome, err = l.svc.Ingest(ctx, "manual", l.succeeded(t, "evt_2", res.Transaction))
	require.NoError(t, err)
	require.Equal(t, OutcomeDuplicate, outcome)

	require.Equal(t, int64(1), l.count(t, &models.PaymentNotification{}, "type = ?", enums.NotificationTypePaymentSucceeded))
	require.Equal(t, int64(1), l.count(t, &models.PaymentNotification{}, "type = ?", enums.NotificationTypeActivated))
	require.Equal(t, int64(1), l.count(t, &models.UserSubscription{}, "user_id = ? AND status = ?", l.userID, enums.SubscriptionStatusActive))
	require.Equal(t, int64(1), l.count(t, &models.BillingTransaction{}, "status = ?", enums.TransactionStatusCompleted))
}

func TestWebhookWithoutGuardConvergesOnLedger(t *testing.T) {
	ctx := context.Background()
	l := newLifecycle(t, nil)
	res, err := l.manager.Subscribe(ctx, subscriptions.SubscribeInput{UserID: l.userID, PlanID: l.planID})
	require.NoError(t, err)

	raw := l.succeeded(t, "evt_1", res.Transaction)
	first, err := l.svc.Ingest(ctx, "manual", raw)
	require.NoError(t, err)
	require.Equal(t, OutcomeProcessed, first)

	second, err := l.svc.Ingest(ctx, "manual", raw)
	require.NoError(t, err)
	require.Equal(t, OutcomeDuplicate, second)
	require.Equal(t, int64(1), l.count(t, &models.PaymentNotification{}, "type = ?", enums.NotificationTypeActivated))
}
