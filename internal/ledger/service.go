package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-backend/pkg/db/models"
	"github.com/angelmondragon/billing-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-backend/pkg/errors"
	"github.com/angelmondragon/billing-backend/pkg/metrics"
)

const (
	defaultSessionTTL = time.Hour
	reasonSessionLost = "payment session expired"
)

var openStatuses = []enums.TransactionStatus{
	enums.TransactionStatusPending,
	enums.TransactionStatusProcessing,
}

// Outcome reports whether a settle call moved the transaction or found it
// already in the requested state.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
)

// CreateTransactionInput describes a new money movement.
type CreateTransactionInput struct {
	UserID         uuid.UUID
	SubscriptionID *uuid.UUID
	Type           enums.TransactionType
	Amount         decimal.Decimal
	Currency       string
	Provider       enums.GatewayProvider
	Description    string
}

func (in CreateTransactionInput) validate() error {
	switch {
	case in.UserID == uuid.Nil:
		return pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	case !in.Type.IsValid():
		return pkgerrors.New(pkgerrors.CodeValidation, "invalid transaction type")
	case in.Amount.IsNegative():
		return pkgerrors.New(pkgerrors.CodeValidation, "amount must not be negative")
	case len(strings.TrimSpace(in.Currency)) != 3:
		return pkgerrors.New(pkgerrors.CodeValidation, "currency must be an ISO 4217 code")
	case !in.Provider.IsValid():
		return pkgerrors.New(pkgerrors.CodeValidation, "invalid gateway provider")
	}
	return nil
}

// ServiceParams groups dependencies for the ledger service.
type ServiceParams struct {
	Repo       Repository
	SessionTTL time.Duration
	Now        func() time.Time
	Metrics    *metrics.BillingMetrics
}

// Service owns every write to billing_transactions.
type Service struct {
	repo       Repository
	sessionTTL time.Duration
	now        func() time.Time
	metrics    *metrics.BillingMetrics
}

// NewService wires a ledger service with the provided repository.
func NewService(params ServiceParams) (*Service, error) {
	if params.Repo == nil {
		return nil, errors.New("repo is required")
	}
	ttl := params.SessionTTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	now := params.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		repo:       params.Repo,
		sessionTTL: ttl,
		now:        now,
		metrics:    params.Metrics,
	}, nil
}

// WithTx returns a copy of the service whose writes run on tx.
func (s *Service) WithTx(tx *gorm.DB) *Service {
	clone := *s
	clone.repo = s.repo.WithTx(tx)
	return &clone
}

// CreateTransaction records a PENDING transaction whose payment session
// expires after the configured TTL.
func (s *Service) CreateTransaction(ctx context.Context, in CreateTransactionInput) (*models.BillingTransaction, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	now := s.now()
	expires := now.Add(s.sessionTTL)
	txn := &models.BillingTransaction{
		ID:             uuid.New(),
		UserID:         in.UserID,
		SubscriptionID: in.SubscriptionID,
		Type:           in.Type,
		Status:         enums.TransactionStatusPending,
		Amount:         in.Amount.Round(2),
		Currency:       strings.ToUpper(strings.TrimSpace(in.Currency)),
		Provider:       in.Provider,
		Description:    in.Description,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      &expires,
	}
	if err := s.repo.Create(ctx, txn); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "create transaction")
	}
	return txn, nil
}

// RecordAdjustment stores an already-settled transaction, used when an
// operator grants a subscription without a charge.
func (s *Service) RecordAdjustment(ctx context.Context, in CreateTransactionInput) (*models.BillingTransaction, error) {
	in.Type = enums.TransactionTypeAdjustment
	if in.Provider == "" {
		in.Provider = enums.GatewayManual
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	now := s.now()
	txn := &models.BillingTransaction{
		ID:             uuid.New(),
		UserID:         in.UserID,
		SubscriptionID: in.SubscriptionID,
		Type:           in.Type,
		Status:         enums.TransactionStatusCompleted,
		Amount:         in.Amount.Round(2),
		Currency:       strings.ToUpper(strings.TrimSpace(in.Currency)),
		Provider:       in.Provider,
		Description:    in.Description,
		CreatedAt:      now,
		UpdatedAt:      now,
		ProcessedAt:    &now,
	}
	if err := s.repo.Create(ctx, txn); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "record adjustment")
	}
	s.metrics.Transition(string(enums.TransactionStatusCompleted), string(OutcomeApplied))
	return txn, nil
}

// AttachExternalCharge binds the gateway charge and moves PENDING to PROCESSING.
func (s *Service) AttachExternalCharge(ctx context.Context, txID uuid.UUID, externalID, redirectURL string, raw json.RawMessage) (Outcome, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "external id is required")
	}
	updates := map[string]any{
		"status":      enums.TransactionStatusProcessing,
		"external_id": externalID,
		"updated_at":  s.now(),
	}
	if redirectURL != "" {
		updates["redirect_url"] = redirectURL
	}
	setRaw(updates, raw)

	moved, err := s.repo.Transition(ctx, txID, []enums.TransactionStatus{enums.TransactionStatusPending}, updates)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "attach external charge")
	}
	if moved {
		s.metrics.Transition(string(enums.TransactionStatusProcessing), string(OutcomeApplied))
		return OutcomeApplied, nil
	}

	current, err := s.load(ctx, txID)
	if err != nil {
		return "", err
	}
	if current.Status == enums.TransactionStatusProcessing && current.ExternalID != nil && *current.ExternalID == externalID {
		s.metrics.Transition(string(enums.TransactionStatusProcessing), string(OutcomeDuplicate))
		return OutcomeDuplicate, nil
	}
	s.metrics.Transition(string(enums.TransactionStatusProcessing), "conflict")
	return "", stateConflict(current, enums.TransactionStatusProcessing)
}

// SettleSuccess completes an open transaction. A transaction that is already
// COMPLETED yields OutcomeDuplicate; any other terminal status is a state
// conflict. When both sides carry an external id they must match.
func (s *Service) SettleSuccess(ctx context.Context, txID uuid.UUID, externalID string, raw json.RawMessage) (Outcome, *models.BillingTransaction, error) {
	externalID = strings.TrimSpace(externalID)
	now := s.now()
	updates := map[string]any{
		"status":       enums.TransactionStatusCompleted,
		"processed_at": now,
		"updated_at":   now,
	}
	setRaw(updates, raw)

	if externalID != "" {
		current, err := s.load(ctx, txID)
		if err != nil {
			return "", nil, err
		}
		if current.ExternalID != nil && *current.ExternalID != externalID {
			s.metrics.Transition(string(enums.TransactionStatusCompleted), "conflict")
			return "", current, pkgerrors.New(pkgerrors.CodeConflict, "external id does not match transaction").
				WithDetails(map[string]any{"transaction_id": txID})
		}
		if current.ExternalID == nil {
			updates["external_id"] = externalID
		}
	}

	moved, err := s.repo.Transition(ctx, txID, openStatuses, updates)
	if err != nil {
		return "", nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "settle transaction")
	}

	current, err := s.load(ctx, txID)
	if err != nil {
		return "", nil, err
	}
	if moved {
		s.metrics.Transition(string(enums.TransactionStatusCompleted), string(OutcomeApplied))
		return OutcomeApplied, current, nil
	}
	if current.Status == enums.TransactionStatusCompleted {
		s.metrics.Transition(string(enums.TransactionStatusCompleted), string(OutcomeDuplicate))
		return OutcomeDuplicate, current, nil
	}
	s.metrics.Transition(string(enums.TransactionStatusCompleted), "conflict")
	return "", current, stateConflict(current, enums.TransactionStatusCompleted)
}

// SettleFailureOrCancel moves an open transaction to FAILED or CANCELLED.
// Repeating the same terminal status is a no-op.
func (s *Service) SettleFailureOrCancel(ctx context.Context, txID uuid.UUID, status enums.TransactionStatus, reason string, raw json.RawMessage) (Outcome, *models.BillingTransaction, error) {
	if status != enums.TransactionStatusFailed && status != enums.TransactionStatusCancelled {
		return "", nil, pkgerrors.New(pkgerrors.CodeValidation, "status must be FAILED or CANCELLED")
	}
	now := s.now()
	updates := map[string]any{
		"status":       status,
		"processed_at": now,
		"updated_at":   now,
	}
	if reason = strings.TrimSpace(reason); reason != "" {
		updates["failure_reason"] = reason
	}
	setRaw(updates, raw)

	moved, err := s.repo.Transition(ctx, txID, openStatuses, updates)
	if err != nil {
		return "", nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "settle transaction")
	}
	current, err := s.load(ctx, txID)
	if err != nil {
		return "", nil, err
	}
	if moved {
		s.metrics.Transition(string(status), string(OutcomeApplied))
		return OutcomeApplied, current, nil
	}
	if current.Status == status {
		s.metrics.Transition(string(status), string(OutcomeDuplicate))
		return OutcomeDuplicate, current, nil
	}
	s.metrics.Transition(string(status), "conflict")
	return "", current, stateConflict(current, status)
}

// FailTransaction marks an open transaction FAILED, typically after the
// gateway refused or could not create the charge.
func (s *Service) FailTransaction(ctx context.Context, txID uuid.UUID, reason string, raw json.RawMessage) (Outcome, error) {
	outcome, _, err := s.SettleFailureOrCancel(ctx, txID, enums.TransactionStatusFailed, reason, raw)
	return outcome, err
}

// ReapExpiredPending fails PENDING transactions whose session lapsed before
// a charge was attached. It returns the rows it moved.
func (s *Service) ReapExpiredPending(ctx context.Context, now time.Time, limit int) ([]models.BillingTransaction, error) {
	candidates, err := s.repo.ListExpiredPending(ctx, now, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list expired pending transactions")
	}
	reaped := make([]models.BillingTransaction, 0, len(candidates))
	for _, candidate := range candidates {
		moved, err := s.repo.Transition(ctx, candidate.ID, []enums.TransactionStatus{enums.TransactionStatusPending}, map[string]any{
			"status":         enums.TransactionStatusFailed,
			"failure_reason": reasonSessionLost,
			"processed_at":   now,
			"updated_at":     now,
		})
		if err != nil {
			return reaped, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "reap pending transaction")
		}
		if !moved {
			continue
		}
		s.metrics.Transition(string(enums.TransactionStatusFailed), string(OutcomeApplied))
		candidate.Status = enums.TransactionStatusFailed
		reason := reasonSessionLost
		candidate.FailureReason = &reason
		candidate.ProcessedAt = &now
		reaped = append(reaped, candidate)
	}
	return reaped, nil
}

// ListProcessing returns PROCESSING transactions created at or before olderThan.
func (s *Service) ListProcessing(ctx context.Context, olderThan time.Time, limit int) ([]models.BillingTransaction, error) {
	rows, err := s.repo.ListProcessing(ctx, olderThan, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list processing transactions")
	}
	return rows, nil
}

// FindByID returns NOT_FOUND when the transaction does not exist.
func (s *Service) FindByID(ctx context.Context, txID uuid.UUID) (*models.BillingTransaction, error) {
	return s.load(ctx, txID)
}

// FindByExternalID returns nil when no transaction carries externalID.
func (s *Service) FindByExternalID(ctx context.Context, externalID string) (*models.BillingTransaction, error) {
	txn, err := s.repo.FindByExternalID(ctx, externalID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "find transaction by external id")
	}
	return txn, nil
}

func (s *Service) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.BillingTransaction, error) {
	rows, err := s.repo.ListByUser(ctx, userID, limit, offset)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list transactions")
	}
	return rows, nil
}

// HasOpenPayment reports whether the subscription has a PENDING or
// PROCESSING payment.
func (s *Service) HasOpenPayment(ctx context.Context, subscriptionID uuid.UUID) (bool, error) {
	count, err := s.repo.CountOpenPayments(ctx, subscriptionID)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "count open payments")
	}
	return count > 0, nil
}

func (s *Service) load(ctx context.Context, txID uuid.UUID) (*models.BillingTransaction, error) {
	txn, err := s.repo.FindByID(ctx, txID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load transaction")
	}
	if txn == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "transaction not found")
	}
	return txn, nil
}

func stateConflict(current *models.BillingTransaction, target enums.TransactionStatus) error {
	return pkgerrors.Newf(pkgerrors.CodeStateConflict, "transaction cannot move from %s to %s", current.Status, target).
		WithField("transaction_id", current.ID)
}

func setRaw(updates map[string]any, raw json.RawMessage) {
	if len(raw) == 0 {
		return
	}
	updates["raw_response"] = []byte(raw)
}
