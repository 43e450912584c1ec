package enums

import "fmt"

// ResourceKind is a metered resource counted against plan limits.
type ResourceKind string

const (
	ResourceObjects   ResourceKind = "objects"
	ResourceEmployees ResourceKind = "employees"
	ResourceManagers  ResourceKind = "managers"
)

// ResourceKinds lists every metered kind in display order.
var ResourceKinds = []ResourceKind{
	ResourceObjects,
	ResourceEmployees,
	ResourceManagers,
}

// String implements fmt.Stringer.
func (k ResourceKind) String() string {
	return string(k)
}

// IsValid reports whether the kind is known.
func (k ResourceKind) IsValid() bool {
	for _, candidate := range ResourceKinds {
		if candidate == k {
			return true
		}
	}
	return false
}

// ParseResourceKind converts raw input into a ResourceKind.
func ParseResourceKind(value string) (ResourceKind, error) {
	for _, candidate := range ResourceKinds {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid resource kind %q", value)
}
