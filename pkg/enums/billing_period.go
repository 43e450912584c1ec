package enums

import (
	"fmt"
	"time"
)

// BillingPeriod is the recurrence of a tariff plan.
type BillingPeriod string

const (
	BillingPeriodMonth BillingPeriod = "month"
	BillingPeriodYear  BillingPeriod = "year"
)

var validBillingPeriods = []BillingPeriod{
	BillingPeriodMonth,
	BillingPeriodYear,
}

// String implements fmt.Stringer.
func (p BillingPeriod) String() string {
	return string(p)
}

// IsValid reports whether the value is known.
func (p BillingPeriod) IsValid() bool {
	for _, candidate := range validBillingPeriods {
		if candidate == p {
			return true
		}
	}
	return false
}

// AddTo advances t by one period using calendar arithmetic.
func (p BillingPeriod) AddTo(t time.Time) time.Time {
	switch p {
	case BillingPeriodYear:
		return t.AddDate(1, 0, 0)
	default:
		return t.AddDate(0, 1, 0)
	}
}

// ParseBillingPeriod converts raw input into a BillingPeriod.
func ParseBillingPeriod(value string) (BillingPeriod, error) {
	for _, candidate := range validBillingPeriods {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid billing period %q", value)
}
