// Package stripe implements the payment gateway on Stripe Checkout Sessions.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"

	"github.com/angelmondragon/billing-backend/pkg/config"
	"github.com/angelmondragon/billing-backend/pkg/logger"
)

const (
	testEnv = "test"
	liveEnv = "live"

	defaultTimeout = 20 * time.Second
)

var (
	errAPIKeyRequired   = errors.New("stripe api key is required")
	errSecretRequired   = errors.New("stripe webhook secret is required")
	errInvalidStripeEnv = fmt.Errorf("stripe environment must be %q or %q", testEnv, liveEnv)
)

// keyPrefixes lists the secret and restricted key prefixes per environment.
var keyPrefixes = map[string][]string{
	testEnv: {"sk_test_", "rk_test_"},
	liveEnv: {"sk_live_", "rk_live_"},
}

// Client is the Stripe Checkout payment gateway. Each client owns its API
// handle, so the process-wide stripe.Key is never touched.
type Client struct {
	environment   string
	signingSecret string
	sessionTTL    time.Duration

	createSession func(ctx context.Context, params *stripe.CheckoutSessionCreateParams) (*stripe.CheckoutSession, error)
	getSession    func(ctx context.Context, id string, params *stripe.CheckoutSessionRetrieveParams) (*stripe.CheckoutSession, error)
}

// NewClient validates the credentials against the environment and builds an
// API handle with bounded retries. sessionTTL bounds the Checkout Session
// lifetime; Stripe accepts 30m to 24h.
func NewClient(ctx context.Context, cfg config.StripeConfig, sessionTTL time.Duration, logg *logger.Logger) (*Client, error) {
	env := strings.TrimSpace(strings.ToLower(cfg.Environment()))
	prefixes, ok := keyPrefixes[env]
	if !ok {
		return nil, errInvalidStripeEnv
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errAPIKeyRequired
	}
	if !hasAnyPrefix(apiKey, prefixes) {
		return nil, fmt.Errorf("stripe environment %q requires a key starting with %s", env, strings.Join(prefixes, " or "))
	}
	signingSecret := strings.TrimSpace(cfg.Secret)
	if signingSecret == "" {
		return nil, errSecretRequired
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	backendCfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: timeout},
		MaxNetworkRetries: stripe.Int64(cfg.MaxRetries),
	}
	if logg != nil {
		backendCfg.LeveledLogger = &leveledLogger{ctx: ctx, logg: logg}
	}
	api := stripe.NewClient(apiKey, stripe.WithBackends(&stripe.Backends{
		API: stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg),
	}))

	if logg != nil {
		logg.Info(logg.WithFields(ctx, map[string]any{
			"stripe_env":         env,
			"stripe_max_retries": cfg.MaxRetries,
		}), "stripe client initialized")
	}
	return &Client{
		environment:   env,
		signingSecret: signingSecret,
		sessionTTL:    sessionTTL,
		createSession: api.V1CheckoutSessions.Create,
		getSession:    api.V1CheckoutSessions.Retrieve,
	}, nil
}

// Environment reports the normalized Stripe environment in use.
func (c *Client) Environment() string {
	if c == nil {
		return ""
	}
	return c.environment
}

func hasAnyPrefix(value string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(value, prefix) {
			return true
		}
	}
	return false
}

// leveledLogger routes the SDK's request logs into the service logger. Info
// and debug lines are demoted to debug; they repeat every API call.
type leveledLogger struct {
	ctx  context.Context
	logg *logger.Logger
}

func (l *leveledLogger) Debugf(format string, v ...any) {
	l.logg.Debug(l.ctx, "stripe: "+fmt.Sprintf(format, v...))
}

func (l *leveledLogger) Infof(format string, v ...any) {
	l.logg.Debug(l.ctx, "stripe: "+fmt.Sprintf(format, v...))
}

func (l *leveledLogger) Warnf(format string, v ...any) {
	l.logg.Warn(l.ctx, "stripe: "+fmt.Sprintf(format, v...))
}

func (l *leveledLogger) Errorf(format string, v ...any) {
	l.logg.Error(l.ctx, "stripe: "+fmt.Sprintf(format, v...), nil)
}
