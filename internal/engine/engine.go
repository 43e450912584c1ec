// Package engine assembles the billing services shared by the API and the
// background workers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/billing-backend/internal/ledger"
	"github.com/angelmondragon/billing-backend/internal/notifications"
	"github.com/angelmondragon/billing-backend/internal/subscriptions"
	"github.com/angelmondragon/billing-backend/internal/tariffs"
	"github.com/angelmondragon/billing-backend/internal/usage"
	"github.com/angelmondragon/billing-backend/internal/users"
	"github.com/angelmondragon/billing-backend/pkg/config"
	"github.com/angelmondragon/billing-backend/pkg/db"
	"github.com/angelmondragon/billing-backend/pkg/enums"
	"github.com/angelmondragon/billing-backend/pkg/gateway"
	"github.com/angelmondragon/billing-backend/pkg/logger"
	"github.com/angelmondragon/billing-backend/pkg/metrics"
	"github.com/angelmondragon/billing-backend/pkg/square"
	"github.com/angelmondragon/billing-backend/pkg/stripe"
)

type Params struct {
	Config   *config.Config
	Logger   *logger.Logger
	DB       *db.Client
	Registry prometheus.Registerer
	// Gateways overrides the adapters built from config; used by tests.
	Gateways *gateway.Registry
}

// Engine holds the wired billing services.
type Engine struct {
	Metrics       *metrics.BillingMetrics
	Gateways      *gateway.Registry
	Tariffs       *tariffs.Service
	Ledger        *ledger.Service
	Notifications *notifications.Service
	Usage         *usage.Tracker
	Subscriptions *subscriptions.Manager
}

func New(ctx context.Context, params Params) (*Engine, error) {
	switch {
	case params.Config == nil:
		return nil, errors.New("config is required")
	case params.Logger == nil:
		return nil, errors.New("logger is required")
	case params.DB == nil:
		return nil, errors.New("database client is required")
	}
	cfg := params.Config
	gormDB := params.DB.DB()
	billingMetrics := metrics.NewBillingMetrics(params.Registry)

	gateways := params.Gateways
	if gateways == nil {
		built, err := NewGatewayRegistry(ctx, cfg, params.Logger)
		if err != nil {
			return nil, err
		}
		gateways = built
	}

	tariffRepo := tariffs.NewRepository(gormDB)
	tariffSvc, err := tariffs.NewService(tariffs.ServiceParams{Repo: tariffRepo})
	if err != nil {
		return nil, fmt.Errorf("tariffs: %w", err)
	}
	ledgerSvc, err := ledger.NewService(ledger.ServiceParams{
		Repo:       ledger.NewRepository(gormDB),
		SessionTTL: cfg.Billing.PaymentSessionTTL,
		Metrics:    billingMetrics,
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	notificationSvc, err := notifications.NewService(notifications.ServiceParams{Repo: notifications.NewRepository(gormDB)})
	if err != nil {
		return nil, fmt.Errorf("notifications: %w", err)
	}
	tracker, err := usage.NewTracker(usage.TrackerParams{Repo: usage.NewRepository(gormDB)})
	if err != nil {
		return nil, fmt.Errorf("usage: %w", err)
	}
	manager, err := subscriptions.NewManager(subscriptions.ManagerParams{
		TransactionRunner: params.DB,
		Repo:              subscriptions.NewRepository(gormDB),
		Plans:             tariffRepo,
		Users:             users.NewRepository(gormDB),
		Ledger:            ledgerSvc,
		Notifications:     notificationSvc,
		Usage:             tracker,
		Gateways:          gateways,
		Billing:           cfg.Billing,
		Logger:            params.Logger,
		Metrics:           billingMetrics,
	})
	if err != nil {
		return nil, fmt.Errorf("subscriptions: %w", err)
	}

	return &Engine{
		Metrics:       billingMetrics,
		Gateways:      gateways,
		Tariffs:       tariffSvc,
		Ledger:        ledgerSvc,
		Notifications: notificationSvc,
		Usage:         tracker,
		Subscriptions: manager,
	}, nil
}

// NewGatewayRegistry registers the manual adapter plus every provider that
// has credentials configured, and selects BILLING_GATEWAY_PROVIDER as the
// default for new charges.
func NewGatewayRegistry(ctx context.Context, cfg *config.Config, logg *logger.Logger) (*gateway.Registry, error) {
	fallback, err := enums.ParseGatewayProvider(strings.TrimSpace(cfg.Gateway.Provider))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", config.EnvGateway, err)
	}

	adapters := []gateway.Gateway{gateway.NewManual(cfg.Manual.Secret)}
	if strings.TrimSpace(cfg.Stripe.APIKey) != "" {
		client, err := stripe.NewClient(ctx, cfg.Stripe, cfg.Billing.PaymentSessionTTL, logg)
		if err != nil {
			return nil, fmt.Errorf("stripe: %w", err)
		}
		adapters = append(adapters, client)
	}
	if strings.TrimSpace(cfg.Square.AccessToken) != "" {
		client, err := square.NewClient(ctx, cfg.Square, logg)
		if err != nil {
			return nil, fmt.Errorf("square: %w", err)
		}
		adapters = append(adapters, client)
	}
	return gateway.NewRegistry(fallback, adapters...)
}
