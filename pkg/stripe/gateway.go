package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/angelmondragon/billing-backend/pkg/enums"
	"github.com/angelmondragon/billing-backend/pkg/gateway"
)

// SignatureHeader is the header Stripe signs webhook deliveries with.
const SignatureHeader = "Stripe-Signature"

const (
	minSessionTTL = 30 * time.Minute
	maxSessionTTL = 24 * time.Hour
)

var _ gateway.Gateway = (*Client)(nil)

func (c *Client) Provider() enums.GatewayProvider {
	return enums.GatewayStripe
}

// CreateCharge opens a payment-mode Checkout Session for a single line item.
// The transaction id travels as client_reference_id and metadata.
func (c *Client) CreateCharge(ctx context.Context, req gateway.ChargeRequest) (gateway.Charge, error) {
	if c == nil || c.createSession == nil {
		return gateway.Charge{}, gateway.NotConfigured("stripe client is not initialized")
	}
	if err := req.Validate(); err != nil {
		return gateway.Charge{}, err
	}
	if strings.TrimSpace(req.ReturnURL) == "" {
		return gateway.Charge{}, gateway.Malformed("stripe checkout requires a return url", nil)
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(withQuery(req.ReturnURL, "status=success")),
		CancelURL:         stripe.String(withQuery(req.ReturnURL, "status=cancelled")),
		ClientReferenceID: stripe.String(req.Metadata[gateway.MetaTransactionID]),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionCreateLineItemPriceDataParams{
					Currency:   stripe.String(strings.ToLower(req.Currency)),
					UnitAmount: stripe.Int64(toMinorUnits(req.Amount)),
					ProductData: &stripe.CheckoutSessionCreateLineItemPriceDataProductDataParams{
						Name: stripe.String(req.Description),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		PaymentIntentData: &stripe.CheckoutSessionCreatePaymentIntentDataParams{
			Metadata: req.Metadata,
		},
		Metadata: req.Metadata,
	}
	if ttl := clampTTL(c.sessionTTL); ttl > 0 {
		params.ExpiresAt = stripe.Int64(time.Now().Add(ttl).Unix())
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	session, err := c.createSession(ctx, params)
	if err != nil {
		return gateway.Charge{}, mapStripeError("create checkout session", err)
	}
	if session == nil || session.ID == "" {
		return gateway.Charge{}, gateway.Malformed("stripe returned an empty checkout session", nil)
	}
	raw, _ := json.Marshal(session)
	return gateway.Charge{
		ExternalID:  session.ID,
		RedirectURL: session.URL,
		Status:      sessionState(session.Status, session.PaymentStatus),
		Raw:         raw,
	}, nil
}

// GetChargeStatus polls a Checkout Session.
func (c *Client) GetChargeStatus(ctx context.Context, externalID string) (gateway.ChargeStatus, error) {
	if c == nil || c.getSession == nil {
		return gateway.ChargeStatus{}, gateway.NotConfigured("stripe client is not initialized")
	}
	session, err := c.getSession(ctx, externalID, nil)
	if err != nil {
		return gateway.ChargeStatus{}, mapStripeError("get checkout session", err)
	}
	if session == nil {
		return gateway.ChargeStatus{}, gateway.Malformed("stripe returned an empty checkout session", nil)
	}
	raw, _ := json.Marshal(session)
	state := sessionState(session.Status, session.PaymentStatus)
	return gateway.ChargeStatus{
		Status: state,
		Paid:   state == enums.ChargeStateSucceeded,
		Amount: fromMinorUnits(session.AmountTotal),
		Raw:    raw,
	}, nil
}

type checkoutSessionPayload struct {
	ID                string            `json:"id"`
	Status            string            `json:"status"`
	PaymentStatus     string            `json:"payment_status"`
	ClientReferenceID string            `json:"client_reference_id"`
	AmountTotal       int64             `json:"amount_total"`
	Metadata          map[string]string `json:"metadata"`
}

// ParseNotification verifies the Stripe-Signature header and decodes
// checkout.session.* events. Other event types decode as pending.
func (c *Client) ParseNotification(_ context.Context, raw gateway.RawNotification) (gateway.DecodedEvent, error) {
	if c == nil || c.signingSecret == "" {
		return gateway.DecodedEvent{}, gateway.NotConfigured("stripe webhook secret is not set")
	}
	if strings.TrimSpace(raw.Signature) == "" {
		return gateway.DecodedEvent{}, gateway.Malformed("missing Stripe signature", nil)
	}
	event, err := webhook.ConstructEventWithOptions(raw.Body, raw.Signature, c.signingSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return gateway.DecodedEvent{}, gateway.Malformed("invalid Stripe signature", err)
	}

	decoded := gateway.DecodedEvent{
		EventID: event.ID,
		Type:    string(event.Type),
		Status:  enums.ChargeStatePending,
		Raw:     json.RawMessage(raw.Body),
	}
	if !strings.HasPrefix(string(event.Type), "checkout.session.") {
		return decoded, nil
	}
	if event.Data == nil {
		return gateway.DecodedEvent{}, gateway.Malformed("checkout event without data", nil)
	}

	var session checkoutSessionPayload
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return gateway.DecodedEvent{}, gateway.Malformed("decode checkout.session", err)
	}
	decoded.ExternalID = session.ID
	decoded.Metadata = session.Metadata
	if decoded.Metadata == nil {
		decoded.Metadata = map[string]string{}
	}
	if decoded.Metadata[gateway.MetaTransactionID] == "" && session.ClientReferenceID != "" {
		decoded.Metadata[gateway.MetaTransactionID] = session.ClientReferenceID
	}

	switch event.Type {
	case "checkout.session.completed":
		decoded.Status = sessionState(stripe.CheckoutSessionStatus(session.Status), stripe.CheckoutSessionPaymentStatus(session.PaymentStatus))
	case "checkout.session.async_payment_succeeded":
		decoded.Status = enums.ChargeStateSucceeded
	case "checkout.session.async_payment_failed":
		decoded.Status = enums.ChargeStateFailed
	case "checkout.session.expired":
		decoded.Status = enums.ChargeStateCanceled
	}
	return decoded, nil
}

func sessionState(status stripe.CheckoutSessionStatus, payment stripe.CheckoutSessionPaymentStatus) enums.ChargeState {
	switch status {
	case stripe.CheckoutSessionStatusExpired:
		return enums.ChargeStateCanceled
	case stripe.CheckoutSessionStatusComplete:
		if payment == stripe.CheckoutSessionPaymentStatusPaid || payment == stripe.CheckoutSessionPaymentStatusNoPaymentRequired {
			return enums.ChargeStateSucceeded
		}
		return enums.ChargeStatePending
	default:
		return enums.ChargeStatePending
	}
}

func mapStripeError(op string, err error) error {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return gateway.Unavailable(op, err)
	}
	switch {
	case stripeErr.HTTPStatusCode == http.StatusTooManyRequests || stripeErr.HTTPStatusCode >= http.StatusInternalServerError:
		return gateway.Unavailable(op, err)
	case stripeErr.HTTPStatusCode == http.StatusUnauthorized || stripeErr.HTTPStatusCode == http.StatusForbidden:
		return gateway.NotConfigured(op + ": stripe rejected the api key")
	default:
		return gateway.Rejected(op, err)
	}
}

func clampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 0
	}
	if ttl < minSessionTTL {
		return minSessionTTL
	}
	if ttl > maxSessionTTL {
		return maxSessionTTL
	}
	return ttl
}

func withQuery(base, query string) string {
	if strings.Contains(base, "?") {
		return base + "&" + query
	}
	return base + "?" + query
}

func toMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

func fromMinorUnits(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}
