package enums

import (
	"fmt"
	"sort"
)

// FeatureKey names a capability a plan can include or an owner can buy as an add-on.
type FeatureKey string

const (
	FeatureReportsPDF      FeatureKey = "reports_pdf"
	FeatureReportsExcel    FeatureKey = "reports_excel"
	FeatureContracts       FeatureKey = "contract_templates"
	FeatureReviews         FeatureKey = "reviews"
	FeatureAnalytics       FeatureKey = "analytics"
	FeaturePrioritySupport FeatureKey = "priority_support"
)

var validFeatureKeys = []FeatureKey{
	FeatureReportsPDF,
	FeatureReportsExcel,
	FeatureContracts,
	FeatureReviews,
	FeatureAnalytics,
	FeaturePrioritySupport,
}

// String implements fmt.Stringer.
func (k FeatureKey) String() string {
	return string(k)
}

// IsValid reports whether the key is known.
func (k FeatureKey) IsValid() bool {
	for _, candidate := range validFeatureKeys {
		if candidate == k {
			return true
		}
	}
	return false
}

// ParseFeatureKey converts raw input into a FeatureKey.
func ParseFeatureKey(value string) (FeatureKey, error) {
	for _, candidate := range validFeatureKeys {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid feature key %q", value)
}

// FeatureSet is a set of feature keys.
type FeatureSet map[FeatureKey]struct{}

// NewFeatureSet builds a set from keys.
func NewFeatureSet(keys ...FeatureKey) FeatureSet {
	set := make(FeatureSet, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set
}

// ParseFeatureSet validates every raw key and builds a set.
func ParseFeatureSet(values []string) (FeatureSet, error) {
	set := make(FeatureSet, len(values))
	for _, v := range values {
		key, err := ParseFeatureKey(v)
		if err != nil {
			return nil, err
		}
		set[key] = struct{}{}
	}
	return set, nil
}

// Has reports membership.
func (s FeatureSet) Has(key FeatureKey) bool {
	_, ok := s[key]
	return ok
}

// Strings returns the keys sorted, for persistence.
func (s FeatureSet) Strings() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, string(k))
	}
	sort.Strings(out)
	return out
}
