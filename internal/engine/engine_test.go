package engine

import (
	"context"
	"io"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/billing-backend/pkg/config"
	"github.com/angelmondragon/billing-backend/pkg/db"
	"github.com/angelmondragon/billing-backend/pkg/db/dbtest"
	"github.com/angelmondragon/billing-backend/pkg/enums"
	"github.com/angelmondragon/billing-backend/pkg/logger"
)

func testConfig(provider string) *config.Config {
	return &config.Config{
		Gateway: config.GatewayConfig{Provider: provider},
		Billing: config.BillingConfig{Currency: "USD"},
	}
}

func TestNewWiresServices(t *testing.T) {
	logg := logger.New(logger.Options{ServiceName: "engine-test", Output: io.Discard})
	eng, err := New(context.Background(), Params{
		Config:   testConfig("manual"),
		Logger:   logg,
		DB:       db.NewFromGorm(dbtest.Open(t)),
		Registry: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	require.NotNil(t, eng.Subscriptions)
	require.NotNil(t, eng.Tariffs)
	require.NotNil(t, eng.Notifications)

	require.Equal(t, enums.GatewayManual, eng.Gateways.Default().Provider())
}

func TestGatewayRegistryRequiresConfiguredDefault(t *testing.T) {
	logg := logger.New(logger.Options{ServiceName: "engine-test", Output: io.Discard})

	_, err := NewGatewayRegistry(context.Background(), testConfig("stripe"), logg)
	require.Error(t, err)

	_, err = NewGatewayRegistry(context.Background(), testConfig("paypal"), logg)
	require.Error(t, err)
}

func TestNewRequiresDatabase(t *testing.T) {
	_, err := New(context.Background(), Params{Config: testConfig("manual"), Logger: logger.New(logger.Options{Output: io.Discard})})
	require.Error(t, err)
}
