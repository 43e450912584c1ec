package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/billing-backend/pkg/enums"
)

const manualPrefix = "manual_"

// ManualSignatureHeader carries the hex HMAC-SHA256 of a manual notification body.
const ManualSignatureHeader = "X-Billing-Signature"

// Manual is an operator-settled gateway: charges stay pending until an
// administrator marks them paid or posts a signed notification.
type Manual struct {
	secret []byte
}

// NewManual builds the manual adapter. An empty secret disables notifications.
func NewManual(secret string) *Manual {
	return &Manual{secret: []byte(strings.TrimSpace(secret))}
}

func (m *Manual) Provider() enums.GatewayProvider {
	return enums.GatewayManual
}

func (m *Manual) CreateCharge(_ context.Context, req ChargeRequest) (Charge, error) {
	if err := req.Validate(); err != nil {
		return Charge{}, err
	}
	id := manualPrefix + uuid.NewString()
	raw, _ := json.Marshal(map[string]any{
		"id":       id,
		"amount":   req.Amount.StringFixed(2),
		"currency": req.Currency,
		"metadata": req.Metadata,
	})
	return Charge{ExternalID: id, Status: enums.ChargeStatePending, Raw: raw}, nil
}

func (m *Manual) GetChargeStatus(_ context.Context, externalID string) (ChargeStatus, error) {
	if !strings.HasPrefix(externalID, manualPrefix) {
		return ChargeStatus{}, Rejected("unknown manual charge id", nil)
	}
	return ChargeStatus{Status: enums.ChargeStatePending}, nil
}

type manualNotification struct {
	EventID    string            `json:"event_id"`
	ExternalID string            `json:"external_id"`
	Status     string            `json:"status"`
	Metadata   map[string]string `json:"metadata"`
}

func (m *Manual) ParseNotification(_ context.Context, raw RawNotification) (DecodedEvent, error) {
	if len(m.secret) == 0 {
		return DecodedEvent{}, NotConfigured("manual webhook secret is not set")
	}
	if !hmac.Equal([]byte(m.Sign(raw.Body)), []byte(strings.TrimSpace(raw.Signature))) {
		return DecodedEvent{}, Malformed("signature mismatch", nil)
	}
	var payload manualNotification
	if err := json.Unmarshal(raw.Body, &payload); err != nil {
		return DecodedEvent{}, Malformed("decode manual notification", err)
	}
	status := enums.ChargeState(strings.ToLower(payload.Status))
	switch status {
	case enums.ChargeStatePending, enums.ChargeStateSucceeded, enums.ChargeStateFailed, enums.ChargeStateCanceled:
	default:
		return DecodedEvent{}, Malformed("unknown status "+payload.Status, nil)
	}
	return DecodedEvent{
		EventID:    payload.EventID,
		Type:       "manual." + string(status),
		ExternalID: payload.ExternalID,
		Status:     status,
		Metadata:   payload.Metadata,
		Raw:        json.RawMessage(raw.Body),
	}, nil
}

// Sign returns the hex signature expected for body.
func (m *Manual) Sign(body []byte) string {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
