package enums

import (
	"fmt"
	"strings"
)

// GatewayProvider identifies the payment processor that owns an external charge id.
type GatewayProvider string

const (
	GatewayStripe GatewayProvider = "stripe"
	GatewaySquare GatewayProvider = "square"
	GatewayManual GatewayProvider = "manual"
)

var validGatewayProviders = []GatewayProvider{
	GatewayStripe,
	GatewaySquare,
	GatewayManual,
}

// String implements fmt.Stringer.
func (p GatewayProvider) String() string {
	return string(p)
}

// IsValid reports whether the provider is known.
func (p GatewayProvider) IsValid() bool {
	for _, candidate := range validGatewayProviders {
		if candidate == p {
			return true
		}
	}
	return false
}

// ParseGatewayProvider converts raw input (case-insensitive) into a GatewayProvider.
func ParseGatewayProvider(value string) (GatewayProvider, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	for _, candidate := range validGatewayProviders {
		if string(candidate) == normalized {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid gateway provider %q", value)
}

// ChargeState is the gateway-neutral status of an external charge.
type ChargeState string

const (
	ChargeStatePending   ChargeState = "pending"
	ChargeStateSucceeded ChargeState = "succeeded"
	ChargeStateFailed    ChargeState = "failed"
	ChargeStateCanceled  ChargeState = "canceled"
)

func (s ChargeState) String() string {
	return string(s)
}

// IsFinal reports whether the gateway will not move the charge again.
func (s ChargeState) IsFinal() bool {
	return s == ChargeStateSucceeded || s == ChargeStateFailed || s == ChargeStateCanceled
}
