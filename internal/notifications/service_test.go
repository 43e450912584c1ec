package notifications

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-backend/pkg/db/dbtest"
	"github.com/angelmondragon/billing-backend/pkg/db/models"
	"github.com/angelmondragon/billing-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-backend/pkg/errors"
)

var testNow = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	conn := dbtest.Open(t)
	svc, err := NewService(ServiceParams{Repo: NewRepository(conn), Now: func() time.Time { return testNow }})
	require.NoError(t, err)
	return svc, conn
}

func countByType(t *testing.T, conn *gorm.DB, kind enums.NotificationType) int64 {
	t.Helper()
	var count int64
	require.NoError(t, conn.Model(&models.PaymentNotification{}).Where("type = ?", kind).Count(&count).Error)
	return count
}

func TestExpiringSoonDedupesPerHorizonAndPeriod(t *testing.T) {
	ctx := context.Background()
	svc, conn := newTestService(t)
	expires := testNow.AddDate(0, 0, 6)
	sub := &models.UserSubscription{ID: uuid.New(), UserID: uuid.New(), ExpiresAt: &expires}

	created, err := svc.ExpiringSoon(ctx, sub, 7)
	require.NoError(t, err)
	require.True(t, created)

	created, err = svc.ExpiringSoon(ctx, sub, 7)
	require.NoError(t, err)
	require.False(t, created)

	created, err = svc.ExpiringSoon(ctx, sub, 1)
	require.NoError(t, err)
	require.True(t, created)

	renewed := expires.AddDate(0, 1, 0)
	sub.ExpiresAt = &renewed
	created, err = svc.ExpiringSoon(ctx, sub, 7)
	require.NoError(t, err)
	require.True(t, created)

	require.EqualValues(t, 3, countByType(t, conn, enums.NotificationTypeExpiringSoon))
}

func TestExpiringSoonSkipsUnboundedSubscription(t *testing.T) {
	svc, conn := newTestService(t)
	created, err := svc.ExpiringSoon(context.Background(), &models.UserSubscription{ID: uuid.New(), UserID: uuid.New()}, 7)
	require.NoError(t, err)
	require.False(t, created)
	require.Zero(t, countByType(t, conn, enums.NotificationTypeExpiringSoon))
}

func TestPaymentNotificationsOncePerTransaction(t *testing.T) {
	ctx := context.Background()
	svc, conn := newTestService(t)
	reason := "card declined"
	txn := &models.BillingTransaction{
		ID:            uuid.New(),
		UserID:        uuid.New(),
		Amount:        decimal.RequireFromString("150"),
		Currency:      "USD",
		FailureReason: &reason,
	}

	for i := 0; i < 2; i++ {
		_, err := svc.PaymentSucceeded(ctx, txn)
		require.NoError(t, err)
		_, err = svc.PaymentFailed(ctx, txn)
		require.NoError(t, err)
	}
	require.EqualValues(t, 1, countByType(t, conn, enums.NotificationTypePaymentSucceeded))
	require.EqualValues(t, 1, countByType(t, conn, enums.NotificationTypePaymentFailed))

	var failed models.PaymentNotification
	require.NoError(t, conn.Where("type = ?", enums.NotificationTypePaymentFailed).First(&failed).Error)
	require.Contains(t, failed.Message, "150.00 USD")
	require.Contains(t, failed.Message, reason)
}

func TestLimitWarningDedupesPerKindAndPeriod(t *testing.T) {
	ctx := context.Background()
	svc, conn := newTestService(t)
	user := uuid.New()
	period := testNow.AddDate(0, 0, 20)

	created, err := svc.LimitWarning(ctx, user, nil, enums.ResourceObjects, 9, 10, period)
	require.NoError(t, err)
	require.True(t, created)
	created, err = svc.LimitWarning(ctx, user, nil, enums.ResourceObjects, 10, 10, period)
	require.NoError(t, err)
	require.False(t, created)
	created, err = svc.LimitWarning(ctx, user, nil, enums.ResourceManagers, 2, 2, period)
	require.NoError(t, err)
	require.True(t, created)

	require.EqualValues(t, 2, countByType(t, conn, enums.NotificationTypeLimitWarning))
}

func TestFetchMarkAndPurge(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	sub := &models.UserSubscription{ID: uuid.New(), UserID: uuid.New()}
	require.NoError(t, svc.Activated(ctx, sub))
	require.NoError(t, svc.Cancelled(ctx, sub))

	repo := svc.Repo()
	rows, err := repo.FetchUnsent(ctx, 10, 3)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	require.NoError(t, repo.MarkSent(ctx, rows[0].ID, testNow.Add(-100*24*time.Hour)))
	for i := 0; i < 3; i++ {
		require.NoError(t, repo.MarkFailed(ctx, rows[1].ID, errors.New("topic unavailable")))
	}

	rows, err = repo.FetchUnsent(ctx, 10, 3)
	require.NoError(t, err)
	require.Empty(t, rows)

	deleted, err := svc.PurgeSent(ctx, 90*24*time.Hour)
	require.NoError(t, err)
	require.EqualValues(t, 1, deleted)

	left, err := svc.ListForUser(ctx, sub.UserID, 10)
	require.NoError(t, err)
	require.Len(t, left, 1)
	require.Equal(t, 3, left[0].Attempts)
	require.Equal(t, "topic unavailable", *left[0].LastError)
}

func TestEnqueueValidation(t *testing.T) {
	svc, _ := newTestService(t)
	err := svc.Cancelled(context.Background(), &models.UserSubscription{ID: uuid.New()})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	_, err = svc.PurgeSent(context.Background(), 0)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

type failingRepo struct {
	Repository
}

func (failingRepo) ExistsExpiringSoon(context.Context, uuid.UUID, int, time.Time) (bool, error) {
	return false, errors.New("db down")
}

// staleExistsRepo answers every existence check as a sweep that read before
// a concurrent insert committed.
type staleExistsRepo struct {
	Repository
}

func (staleExistsRepo) ExistsExpiringSoon(context.Context, uuid.UUID, int, time.Time) (bool, error) {
	return false, nil
}

func TestExpiringSoonLosingConcurrentInsertIsNotAnError(t *testing.T) {
	conn := dbtest.Open(t)
	svc, err := NewService(ServiceParams{Repo: staleExistsRepo{Repository: NewRepository(conn)}, Now: func() time.Time { return testNow }})
	require.NoError(t, err)

	expires := testNow.AddDate(0, 0, 5)
	sub := &models.UserSubscription{ID: uuid.New(), UserID: uuid.New(), ExpiresAt: &expires}

	created, err := svc.ExpiringSoon(context.Background(), sub, 7)
	require.NoError(t, err)
	require.True(t, created)

	created, err = svc.ExpiringSoon(context.Background(), sub, 7)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, int64(1), countByType(t, conn, enums.NotificationTypeExpiringSoon))
}

func TestExpiringSoonRepoError(t *testing.T) {
	svc, err := NewService(ServiceParams{Repo: failingRepo{}})
	require.NoError(t, err)
	expires := testNow
	_, err = svc.ExpiringSoon(context.Background(), &models.UserSubscription{ID: uuid.New(), UserID: uuid.New(), ExpiresAt: &expires}, 7)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInternal))
}
