package square

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	sq "github.com/square/square-go-sdk"
	sqclient "github.com/square/square-go-sdk/client"
	sqcore "github.com/square/square-go-sdk/core"
	sqoption "github.com/square/square-go-sdk/option"

	"github.com/angelmondragon/billing-backend/pkg/config"
	"github.com/angelmondragon/billing-backend/pkg/gateway"
	"github.com/angelmondragon/billing-backend/pkg/logger"
)

const (
	sandboxEnv    = "sandbox"
	productionEnv = "production"
)

var (
	errAccessTokenRequired   = errors.New("square access token is required")
	errWebhookSecretRequired = errors.New("square webhook secret is required")
	errInvalidSquareEnv      = fmt.Errorf("square environment must be %q or %q", sandboxEnv, productionEnv)
	errLoggerRequired        = errors.New("square logger is required")
	errLocationRequired      = errors.New("square location id is required")
)

var baseURLs = map[string]string{
	sandboxEnv:    "https://connect.squareupsandbox.com",
	productionEnv: "https://connect.squareup.com",
}

// paymentsAPI is the slice of the Square Payments client the gateway uses.
type paymentsAPI interface {
	Create(ctx context.Context, request *sq.CreatePaymentRequest, opts ...sqoption.RequestOption) (*sq.CreatePaymentResponse, error)
	Get(ctx context.Context, request *sq.GetPaymentsRequest, opts ...sqoption.RequestOption) (*sq.GetPaymentResponse, error)
}

// Client charges stored cards through Square with centralized logging,
// idempotency and error mapping.
type Client struct {
	payments        paymentsAPI
	environment     string
	webhookSecret   string
	notificationURL string
	locationID      string
	logger          *logger.Logger
}

// NewClient initializes the Square wrapper and validates the credentials.
func NewClient(ctx context.Context, cfg config.SquareConfig, logg *logger.Logger) (*Client, error) {
	if logg == nil {
		return nil, errLoggerRequired
	}
	env, err := normalizeEnv(cfg.Environment())
	if err != nil {
		return nil, err
	}

	accessToken := strings.TrimSpace(cfg.AccessToken)
	if accessToken == "" {
		return nil, errAccessTokenRequired
	}

	webhookSecret := strings.TrimSpace(cfg.WebhookSecret)
	if webhookSecret == "" {
		return nil, errWebhookSecretRequired
	}

	locationID := strings.TrimSpace(cfg.LocationID)
	if locationID == "" {
		return nil, errLocationRequired
	}

	sdk := sqclient.NewClient(
		sqoption.WithBaseURL(baseURLs[env]),
		sqoption.WithToken(accessToken),
	)

	c := &Client{
		payments:        sdk.Payments,
		environment:     env,
		webhookSecret:   webhookSecret,
		notificationURL: strings.TrimSpace(cfg.NotificationURL),
		locationID:      locationID,
		logger:          logg,
	}

	logg.Info(logg.WithField(ctx, "environment", env), "square client initialized")
	return c, nil
}

// Environment reports the normalized Square environment.
func (c *Client) Environment() string {
	if c == nil {
		return ""
	}
	return c.environment
}

// NewIdempotencyKey returns a unique key for Square operations.
func (c *Client) NewIdempotencyKey(prefix string) string {
	key := strings.TrimSpace(prefix)
	if key == "" {
		key = "bl"
	}
	return fmt.Sprintf("%s-%s", key, uuid.NewString())
}

// CreatePayment submits req at the client's location. A missing
// idempotency key is generated.
func (c *Client) CreatePayment(ctx context.Context, req *sq.CreatePaymentRequest) (*sq.Payment, error) {
	if req.LocationID == nil {
		req.LocationID = optionalString(c.locationID)
	}
	req.IdempotencyKey = c.ensureIdempotencyKey("payment.create", req.IdempotencyKey)
	var amount int64
	if cents := req.AmountMoney.GetAmount(); cents != nil {
		amount = *cents
	}
	c.log(ctx, "request", "create_payment", map[string]any{
		"location_id":  stringValue(req.LocationID),
		"reference_id": stringValue(req.ReferenceID),
		"customer_id":  stringValue(req.CustomerID),
		"amount":       amount,
		"source_id":    req.SourceID,
	})

	resp, err := c.payments.Create(ctx, req)
	if err != nil {
		c.log(ctx, "error", "create_payment", map[string]any{"error": err.Error()})
		return nil, c.mapSquareError(err, "create payment")
	}

	payment := resp.GetPayment()
	c.log(ctx, "response", "create_payment", map[string]any{
		"payment_id": stringValue(payment.GetID()),
		"status":     stringValue(payment.GetStatus()),
	})
	return payment, nil
}

// GetPayment reads a payment by id.
func (c *Client) GetPayment(ctx context.Context, paymentID string) (*sq.Payment, error) {
	c.log(ctx, "request", "get_payment", map[string]any{"payment_id": paymentID})

	resp, err := c.payments.Get(ctx, &sq.GetPaymentsRequest{PaymentID: paymentID})
	if err != nil {
		c.log(ctx, "error", "get_payment", map[string]any{"error": err.Error()})
		return nil, c.mapSquareError(err, "get payment")
	}

	payment := resp.GetPayment()
	c.log(ctx, "response", "get_payment", map[string]any{
		"payment_id": stringValue(payment.GetID()),
		"status":     stringValue(payment.GetStatus()),
	})
	return payment, nil
}

func (c *Client) ensureIdempotencyKey(prefix, provided string) string {
	if strings.TrimSpace(provided) != "" {
		return provided
	}
	return c.NewIdempotencyKey(prefix)
}

func (c *Client) log(ctx context.Context, phase, op string, fields map[string]any) {
	if c == nil || c.logger == nil {
		return
	}
	logFields := map[string]any{
		"operation": op,
		"phase":     phase,
	}
	for k, v := range fields {
		logFields[k] = c.redact(k, v)
	}
	ctx = c.logger.WithFields(ctx, logFields)
	switch phase {
	case "error":
		c.logger.Error(ctx, fmt.Sprintf("square %s", op), errors.New(fmt.Sprint(fields["error"])))
	default:
		c.logger.Info(ctx, fmt.Sprintf("square %s", phase))
	}
}

func (c *Client) redact(key string, value any) any {
	lower := strings.ToLower(key)
	for _, sensitive := range []string{"card", "nonce", "token", "cvv", "cvc", "secret", "email", "phone"} {
		if strings.Contains(lower, sensitive) {
			return "[REDACTED]"
		}
	}
	return value
}

func (c *Client) mapSquareError(err error, op string) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf("square %s failed", op)
	var apiErr *sqcore.APIError
	if !errors.As(err, &apiErr) {
		return gateway.Unavailable(msg, err)
	}
	for _, sqErr := range c.extractSquareErrors(apiErr) {
		if sqErr == nil {
			continue
		}
		if sqErr.Category == sq.ErrorCategoryAuthenticationError {
			return gateway.NotConfigured(msg + ": credentials rejected")
		}
		if sqErr.Code == sq.ErrorCodeIdempotencyKeyReused {
			return gateway.Rejected(msg+": idempotency key reused", err)
		}
	}
	return failureForStatus(apiErr.StatusCode, msg, err)
}

func (c *Client) extractSquareErrors(apiErr *sqcore.APIError) []*sq.Error {
	if apiErr == nil {
		return nil
	}
	inner := apiErr.Unwrap()
	if inner == nil {
		return nil
	}
	raw := strings.TrimSpace(inner.Error())
	if raw == "" {
		return nil
	}
	var payload struct {
		Errors []*sq.Error `json:"errors"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil
	}
	return payload.Errors
}

func failureForStatus(status int, msg string, err error) *gateway.Failure {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return gateway.NotConfigured(msg + ": credentials rejected")
	case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
		return gateway.Unavailable(msg, err)
	case status >= http.StatusBadRequest:
		return gateway.Rejected(msg, err)
	default:
		return gateway.Unavailable(msg, err)
	}
}

func stringValue(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}

func optionalString(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}

func normalizeEnv(raw string) (string, error) {
	env := strings.TrimSpace(strings.ToLower(raw))
	if env == "" {
		env = sandboxEnv
	}
	switch env {
	case sandboxEnv, productionEnv:
		return env, nil
	default:
		return "", errInvalidSquareEnv
	}
}
