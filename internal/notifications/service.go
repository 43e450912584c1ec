package notifications

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-backend/pkg/db"
	"github.com/angelmondragon/billing-backend/pkg/db/models"
	"github.com/angelmondragon/billing-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-backend/pkg/errors"
)

// ServiceParams groups dependencies for the notification service.
type ServiceParams struct {
	Repo Repository
	Now  func() time.Time
}

// Service queues outbound billing notifications. Delivery is done by the
// notification publisher, which marks rows sent.
type Service struct {
	repo Repository
	now  func() time.Time
}

// NewService wires notifications dependencies.
func NewService(params ServiceParams) (*Service, error) {
	if params.Repo == nil {
		return nil, errors.New("repo is required")
	}
	now := params.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{repo: params.Repo, now: now}, nil
}

// WithTx returns a copy of the service whose writes run on tx.
func (s *Service) WithTx(tx *gorm.DB) *Service {
	clone := *s
	clone.repo = s.repo.WithTx(tx)
	return &clone
}

// Repo exposes the underlying repository for the publisher worker.
func (s *Service) Repo() Repository {
	return s.repo
}

func (s *Service) enqueue(ctx context.Context, n *models.PaymentNotification) error {
	if !n.Type.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, "invalid notification type")
	}
	if n.UserID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	n.CreatedAt = s.now()
	if err := s.repo.Create(ctx, n); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "queue notification")
	}
	return nil
}

// PaymentDue announces a freshly created charge the owner still has to pay.
func (s *Service) PaymentDue(ctx context.Context, txn *models.BillingTransaction) error {
	msg := fmt.Sprintf("A payment of %s %s is waiting for you.", txn.Amount.StringFixed(2), txn.Currency)
	if txn.RedirectURL != nil && *txn.RedirectURL != "" {
		msg += " Pay here: " + *txn.RedirectURL
	}
	return s.enqueue(ctx, &models.PaymentNotification{
		UserID:         txn.UserID,
		SubscriptionID: txn.SubscriptionID,
		TransactionID:  &txn.ID,
		Type:           enums.NotificationTypePaymentDue,
		Title:          "Payment due",
		Message:        msg,
	})
}

// PaymentSucceeded confirms a settled payment. It is queued at most once per
// transaction.
func (s *Service) PaymentSucceeded(ctx context.Context, txn *models.BillingTransaction) (bool, error) {
	return s.oncePerTransaction(ctx, txn, enums.NotificationTypePaymentSucceeded, "Payment received",
		fmt.Sprintf("We received your payment of %s %s.", txn.Amount.StringFixed(2), txn.Currency))
}

// PaymentFailed reports a failed or cancelled payment at most once per transaction.
func (s *Service) PaymentFailed(ctx context.Context, txn *models.BillingTransaction) (bool, error) {
	msg := fmt.Sprintf("Your payment of %s %s did not go through.", txn.Amount.StringFixed(2), txn.Currency)
	if txn.FailureReason != nil && *txn.FailureReason != "" {
		msg += " Reason: " + *txn.FailureReason + "."
	}
	return s.oncePerTransaction(ctx, txn, enums.NotificationTypePaymentFailed, "Payment failed", msg)
}

func (s *Service) oncePerTransaction(ctx context.Context, txn *models.BillingTransaction, kind enums.NotificationType, title, msg string) (bool, error) {
	exists, err := s.repo.ExistsForTransaction(ctx, txn.ID, kind)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "check notification")
	}
	if exists {
		return false, nil
	}
	err = s.enqueue(ctx, &models.PaymentNotification{
		UserID:         txn.UserID,
		SubscriptionID: txn.SubscriptionID,
		TransactionID:  &txn.ID,
		Type:           kind,
		Title:          title,
		Message:        msg,
	})
	return err == nil, err
}

// ExpiringSoon warns about an upcoming expiry. One notification exists per
// (subscription, horizon, period end); the boolean reports whether this call
// created it. A concurrent sweep that wins the insert makes this call a no-op.
func (s *Service) ExpiringSoon(ctx context.Context, sub *models.UserSubscription, horizonDays int) (bool, error) {
	if sub.ExpiresAt == nil {
		return false, nil
	}
	periodEnd := sub.ExpiresAt.UTC()
	exists, err := s.repo.ExistsExpiringSoon(ctx, sub.ID, horizonDays, periodEnd)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "check expiring notification")
	}
	if exists {
		return false, nil
	}
	horizon := horizonDays
	err = s.enqueue(ctx, &models.PaymentNotification{
		UserID:         sub.UserID,
		SubscriptionID: &sub.ID,
		Type:           enums.NotificationTypeExpiringSoon,
		HorizonDays:    &horizon,
		PeriodEnd:      &periodEnd,
		Title:          "Subscription expiring soon",
		Message:        fmt.Sprintf("Your subscription expires on %s.", periodEnd.Format("2006-01-02")),
	})
	if db.IsUniqueViolation(err, "") {
		return false, nil
	}
	return err == nil, err
}

// Expired tells the owner access has lapsed.
func (s *Service) Expired(ctx context.Context, sub *models.UserSubscription) error {
	n := &models.PaymentNotification{
		UserID:         sub.UserID,
		SubscriptionID: &sub.ID,
		Type:           enums.NotificationTypeExpired,
		Title:          "Subscription expired",
		Message:        "Your subscription has expired. Renew it to restore your plan limits.",
	}
	if sub.ExpiresAt != nil {
		end := sub.ExpiresAt.UTC()
		n.PeriodEnd = &end
	}
	return s.enqueue(ctx, n)
}

// Activated confirms access until the new expiry.
func (s *Service) Activated(ctx context.Context, sub *models.UserSubscription) error {
	msg := "Your subscription is active."
	if sub.ExpiresAt != nil {
		msg = fmt.Sprintf("Your subscription is active until %s.", sub.ExpiresAt.UTC().Format("2006-01-02"))
	}
	return s.enqueue(ctx, &models.PaymentNotification{
		UserID:         sub.UserID,
		SubscriptionID: &sub.ID,
		Type:           enums.NotificationTypeActivated,
		PeriodEnd:      sub.ExpiresAt,
		Title:          "Subscription activated",
		Message:        msg,
	})
}

// Cancelled confirms a cancellation.
func (s *Service) Cancelled(ctx context.Context, sub *models.UserSubscription) error {
	return s.enqueue(ctx, &models.PaymentNotification{
		UserID:         sub.UserID,
		SubscriptionID: &sub.ID,
		Type:           enums.NotificationTypeCancelled,
		Title:          "Subscription cancelled",
		Message:        "Your subscription has been cancelled.",
	})
}

// LimitWarning tells the owner a resource is close to its ceiling, once per
// (user, kind, period).
func (s *Service) LimitWarning(ctx context.Context, userID uuid.UUID, subscriptionID *uuid.UUID, kind enums.ResourceKind, current, max int, periodEnd time.Time) (bool, error) {
	periodEnd = periodEnd.UTC()
	exists, err := s.repo.ExistsLimitWarning(ctx, userID, kind, periodEnd)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "check limit warning")
	}
	if exists {
		return false, nil
	}
	resource := kind.String()
	err = s.enqueue(ctx, &models.PaymentNotification{
		UserID:         userID,
		SubscriptionID: subscriptionID,
		Type:           enums.NotificationTypeLimitWarning,
		PeriodEnd:      &periodEnd,
		ResourceKind:   &resource,
		Title:          "Plan limit almost reached",
		Message:        fmt.Sprintf("You are using %d of %d %s allowed by your plan.", current, max, resource),
	})
	return err == nil, err
}

// PurgeSent deletes delivered notifications older than retention.
func (s *Service) PurgeSent(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "retention must be positive")
	}
	deleted, err := s.repo.DeleteSentBefore(ctx, s.now().Add(-retention))
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "purge notifications")
	}
	return deleted, nil
}

// ListForUser returns the latest notifications of userID.
func (s *Service) ListForUser(ctx context.Context, userID uuid.UUID, limit int) ([]models.PaymentNotification, error) {
	rows, err := s.repo.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list notifications")
	}
	return rows, nil
}
