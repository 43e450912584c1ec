package gateway

import (
	"errors"
	"fmt"
)

// FailureKind enumerates the closed set of gateway failures.
type FailureKind string

const (
	// KindUnavailable is transient: network errors, timeouts, 5xx, rate limits.
	KindUnavailable FailureKind = "unavailable"
	// KindRejected is permanent: the provider refused the request.
	KindRejected FailureKind = "rejected"
	// KindNotConfigured means credentials or required settings are missing.
	KindNotConfigured FailureKind = "not_configured"
	// KindMalformed covers undecodable payloads and bad signatures.
	KindMalformed FailureKind = "malformed"
)

// Failure is the only error type returned by Gateway implementations.
type Failure struct {
	Kind    FailureKind
	Message string
	Cause   error
}

func (f *Failure) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("gateway %s: %s: %v", f.Kind, f.Message, f.Cause)
	}
	return fmt.Sprintf("gateway %s: %s", f.Kind, f.Message)
}

func (f *Failure) Unwrap() error {
	return f.Cause
}

// GatewayKind exposes the failure kind to error dumps.
func (f *Failure) GatewayKind() string {
	return string(f.Kind)
}

func Unavailable(msg string, cause error) *Failure {
	return &Failure{Kind: KindUnavailable, Message: msg, Cause: cause}
}

func Rejected(msg string, cause error) *Failure {
	return &Failure{Kind: KindRejected, Message: msg, Cause: cause}
}

func NotConfigured(msg string) *Failure {
	return &Failure{Kind: KindNotConfigured, Message: msg}
}

func Malformed(msg string, cause error) *Failure {
	return &Failure{Kind: KindMalformed, Message: msg, Cause: cause}
}

// KindOf extracts the failure kind from err's chain. Errors that are not a
// *Failure are treated as unavailable so callers retry instead of settling.
func KindOf(err error) FailureKind {
	if err == nil {
		return ""
	}
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindUnavailable
}

func IsUnavailable(err error) bool   { return err != nil && KindOf(err) == KindUnavailable }
func IsRejected(err error) bool      { return err != nil && KindOf(err) == KindRejected }
func IsNotConfigured(err error) bool { return err != nil && KindOf(err) == KindNotConfigured }
func IsMalformed(err error) bool     { return err != nil && KindOf(err) == KindMalformed }
