// Package webhooks ingests gateway push notifications and forwards the
// decoded payment outcomes to the subscription manager.
package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/billing-backend/internal/ledger"
	"github.com/angelmondragon/billing-backend/internal/subscriptions"
	"github.com/angelmondragon/billing-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-backend/pkg/errors"
	"github.com/angelmondragon/billing-backend/pkg/gateway"
	"github.com/angelmondragon/billing-backend/pkg/logger"
	"github.com/angelmondragon/billing-backend/pkg/metrics"
)

// Outcome describes what Ingest did with a notification.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeDropped   Outcome = "dropped"
	OutcomeFailed    Outcome = "failed"
)

type settler interface {
	HandlePaymentSucceeded(ctx context.Context, txID uuid.UUID, externalID string, raw json.RawMessage) (*subscriptions.SettleResult, error)
	HandlePaymentFailed(ctx context.Context, txID uuid.UUID, status enums.TransactionStatus, reason string, raw json.RawMessage) (*subscriptions.SettleResult, error)
}

type eventGuard interface {
	CheckAndMark(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

type ServiceParams struct {
	Gateways *gateway.Registry
	Settler  settler
	// Guard is optional; the ledger already rejects repeated settlements.
	Guard   eventGuard
	Logger  *logger.Logger
	Metrics *metrics.BillingMetrics
}

type Service struct {
	gateways *gateway.Registry
	settler  settler
	guard    eventGuard
	logg     *logger.Logger
	metrics  *metrics.BillingMetrics
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Gateways == nil {
		return nil, errors.New("gateway registry is required")
	}
	if params.Settler == nil {
		return nil, errors.New("settler is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	return &Service{
		gateways: params.Gateways,
		settler:  params.Settler,
		guard:    params.Guard,
		logg:     params.Logger,
		metrics:  params.Metrics,
	}, nil
}

// Ingest verifies, deduplicates and applies one notification. Malformed or
// uncorrelated notifications are logged and dropped without an error so the
// sender stops redelivering them. An error is returned only when applying a
// valid event failed; the status poll settles such transactions later.
func (s *Service) Ingest(ctx context.Context, provider string, raw gateway.RawNotification) (Outcome, error) {
	ctx = s.logg.WithField(ctx, "provider", provider)
	outcome, err := s.ingest(ctx, provider, raw)
	s.metrics.Webhook(provider, string(outcome))
	return outcome, err
}

func (s *Service) ingest(ctx context.Context, provider string, raw gateway.RawNotification) (Outcome, error) {
	parsed, err := enums.ParseGatewayProvider(provider)
	if err != nil {
		s.logg.Warn(ctx, "webhook for unknown provider dropped")
		return OutcomeDropped, nil
	}
	gw, err := s.gateways.Get(parsed)
	if err != nil {
		s.logg.Warn(ctx, "webhook for unconfigured provider dropped")
		return OutcomeDropped, nil
	}
	event, err := gw.ParseNotification(ctx, raw)
	if err != nil {
		s.logg.Warn(ctx, "undecodable webhook dropped: "+err.Error())
		return OutcomeDropped, nil
	}
	ctx = s.logg.WithFields(ctx, map[string]any{
		"event_id":    event.EventID,
		"event_type":  event.Type,
		"external_id": event.ExternalID,
	})

	if !event.Status.IsFinal() {
		s.logg.Debug(ctx, "non-final webhook ignored")
		return OutcomeIgnored, nil
	}

	txID, err := uuid.Parse(strings.TrimSpace(event.TransactionID()))
	if err != nil {
		s.logg.Warn(ctx, "webhook without transaction correlation dropped")
		return OutcomeDropped, nil
	}
	ctx = s.logg.WithTransactionID(ctx, txID.String())

	var action func() (*subscriptions.SettleResult, error)
	switch event.Status {
	case enums.ChargeStateSucceeded:
		action = func() (*subscriptions.SettleResult, error) {
			return s.settler.HandlePaymentSucceeded(ctx, txID, event.ExternalID, event.Raw)
		}
	case enums.ChargeStateFailed:
		action = func() (*subscriptions.SettleResult, error) {
			return s.settler.HandlePaymentFailed(ctx, txID, enums.TransactionStatusFailed, "gateway reported "+event.Type, event.Raw)
		}
	default:
		action = func() (*subscriptions.SettleResult, error) {
			return s.settler.HandlePaymentFailed(ctx, txID, enums.TransactionStatusCancelled, "gateway reported "+event.Type, event.Raw)
		}
	}

	key := guardKey(parsed, event)
	if s.guard != nil {
		seen, err := s.guard.CheckAndMark(ctx, key)
		if err != nil {
			s.logg.Warn(ctx, "webhook guard unavailable: "+err.Error())
		} else if seen {
			s.logg.Debug(ctx, "webhook redelivery dropped")
			return OutcomeDuplicate, nil
		}
	}

	result, err := action()
	if err != nil {
		if s.guard != nil && pkgerrors.Retryable(err) {
			if relErr := s.guard.Release(ctx, key); relErr != nil {
				s.logg.Warn(ctx, "release webhook guard: "+relErr.Error())
			}
		}
		s.logg.Error(ctx, "webhook processing failed", err)
		return OutcomeFailed, err
	}
	if result.Outcome == ledger.OutcomeDuplicate {
		s.logg.Debug(ctx, "webhook matched an already settled transaction")
		return OutcomeDuplicate, nil
	}
	s.logg.Info(ctx, fmt.Sprintf("webhook %s applied", event.Type))
	return OutcomeProcessed, nil
}

// guardKey prefers the provider's event id and falls back to the charge id
// and status pair for providers that do not send one.
func guardKey(provider enums.GatewayProvider, event gateway.DecodedEvent) string {
	if event.EventID != "" {
		return provider.String() + ":" + event.EventID
	}
	return provider.String() + ":" + event.ExternalID + ":" + string(event.Status)
}
