package square

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
	sq "github.com/square/square-go-sdk"

	"github.com/angelmondragon/billing-backend/pkg/enums"
	"github.com/angelmondragon/billing-backend/pkg/gateway"
)

// SignatureHeader carries the base64 HMAC-SHA256 of notification URL + body.
const SignatureHeader = "X-Square-Hmacsha256-Signature"

var _ gateway.Gateway = (*Client)(nil)

func (c *Client) Provider() enums.GatewayProvider {
	return enums.GatewaySquare
}

// CreateCharge charges the stored card referenced by the payment_source_id
// metadata on behalf of the payment_customer_id customer. Square rejects a
// card on file without its customer. Payments have no redirect; the reference
// id carries the transaction id back on notifications.
func (c *Client) CreateCharge(ctx context.Context, req gateway.ChargeRequest) (gateway.Charge, error) {
	if c == nil || c.payments == nil {
		return gateway.Charge{}, gateway.NotConfigured("square client is not initialized")
	}
	if err := req.Validate(); err != nil {
		return gateway.Charge{}, err
	}
	source := strings.TrimSpace(req.Metadata[gateway.MetaPaymentSource])
	if source == "" {
		return gateway.Charge{}, gateway.Rejected("square payments require a stored card", nil)
	}
	customer := strings.TrimSpace(req.Metadata[gateway.MetaPaymentCustomer])
	if customer == "" {
		return gateway.Charge{}, gateway.Rejected("square card payments require the owning customer", nil)
	}

	cents := req.Amount.Shift(2).Round(0).IntPart()
	currency := sq.Currency(strings.ToUpper(req.Currency))
	autocomplete := true
	payment, err := c.CreatePayment(ctx, &sq.CreatePaymentRequest{
		IdempotencyKey: req.IdempotencyKey,
		SourceID:       source,
		CustomerID:     &customer,
		AmountMoney:    &sq.Money{Amount: &cents, Currency: &currency},
		Note:           optionalString(req.Description),
		ReferenceID:    optionalString(req.Metadata[gateway.MetaTransactionID]),
		Autocomplete:   &autocomplete,
	})
	if err != nil {
		return gateway.Charge{}, err
	}
	if payment == nil || stringValue(payment.GetID()) == "" {
		return gateway.Charge{}, gateway.Malformed("square returned an empty payment", nil)
	}
	raw, _ := json.Marshal(payment)
	return gateway.Charge{
		ExternalID: stringValue(payment.GetID()),
		Status:     paymentState(stringValue(payment.GetStatus())),
		Raw:        raw,
	}, nil
}

// GetChargeStatus polls a payment by id.
func (c *Client) GetChargeStatus(ctx context.Context, externalID string) (gateway.ChargeStatus, error) {
	if c == nil || c.payments == nil {
		return gateway.ChargeStatus{}, gateway.NotConfigured("square client is not initialized")
	}
	payment, err := c.GetPayment(ctx, externalID)
	if err != nil {
		return gateway.ChargeStatus{}, err
	}
	if payment == nil {
		return gateway.ChargeStatus{}, gateway.Malformed("square returned an empty payment", nil)
	}
	raw, _ := json.Marshal(payment)
	state := paymentState(stringValue(payment.GetStatus()))
	return gateway.ChargeStatus{
		Status: state,
		Paid:   state == enums.ChargeStateSucceeded,
		Amount: moneyAmount(payment.GetAmountMoney()),
		Raw:    raw,
	}, nil
}

type notificationPayload struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`
	Data    struct {
		Type   string `json:"type"`
		ID     string `json:"id"`
		Object struct {
			Payment *struct {
				ID          string `json:"id"`
				Status      string `json:"status"`
				ReferenceID string `json:"reference_id"`
			} `json:"payment"`
		} `json:"object"`
	} `json:"data"`
}

// ParseNotification verifies the HMAC signature and decodes payment.* events.
func (c *Client) ParseNotification(_ context.Context, raw gateway.RawNotification) (gateway.DecodedEvent, error) {
	if c == nil || c.webhookSecret == "" {
		return gateway.DecodedEvent{}, gateway.NotConfigured("square webhook secret is not set")
	}
	url := raw.URL
	if url == "" {
		url = c.notificationURL
	}
	if !VerifySignature(c.webhookSecret, url, raw.Body, raw.Signature) {
		return gateway.DecodedEvent{}, gateway.Malformed("invalid Square signature", nil)
	}

	var payload notificationPayload
	if err := json.Unmarshal(raw.Body, &payload); err != nil {
		return gateway.DecodedEvent{}, gateway.Malformed("decode square notification", err)
	}

	event := gateway.DecodedEvent{
		EventID: payload.EventID,
		Type:    payload.Type,
		Status:  enums.ChargeStatePending,
		Raw:     json.RawMessage(raw.Body),
	}
	payment := payload.Data.Object.Payment
	if !strings.HasPrefix(payload.Type, "payment.") || payment == nil {
		return event, nil
	}
	event.ExternalID = payment.ID
	event.Status = paymentState(payment.Status)
	event.Metadata = map[string]string{}
	if payment.ReferenceID != "" {
		event.Metadata[gateway.MetaTransactionID] = payment.ReferenceID
	}
	return event, nil
}

// VerifySignature checks a Square webhook signature in constant time.
func VerifySignature(secret, notificationURL string, body []byte, signature string) bool {
	if strings.TrimSpace(signature) == "" {
		return false
	}
	expected := Sign(secret, notificationURL, body)
	return hmac.Equal([]byte(expected), []byte(strings.TrimSpace(signature)))
}

// Sign computes the signature Square sends for body delivered to notificationURL.
func Sign(secret, notificationURL string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(notificationURL))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func paymentState(status string) enums.ChargeState {
	switch strings.ToUpper(status) {
	case "COMPLETED":
		return enums.ChargeStateSucceeded
	case "FAILED":
		return enums.ChargeStateFailed
	case "CANCELED":
		return enums.ChargeStateCanceled
	default:
		return enums.ChargeStatePending
	}
}

func moneyAmount(m *sq.Money) decimal.Decimal {
	if m == nil || m.Amount == nil {
		return decimal.Zero
	}
	return decimal.New(*m.Amount, -2)
}
