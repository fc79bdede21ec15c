package gateway

import "errors"

// Sentinel errors for the payment gateway integration. Handlers map these
// to HTTP statuses; none of them implies local state was mutated.
var (
	// ErrUnconfigured indicates the IPN secret or API key was not provisioned
	ErrUnconfigured = errors.New("gateway: credentials not configured")
	// ErrBadSignature indicates the callback signature was absent or did not match
	ErrBadSignature = errors.New("gateway: invalid callback signature")
	// ErrMalformedPayload indicates the callback body could not be parsed into the fields we require
	ErrMalformedPayload = errors.New("gateway: malformed callback payload")
	// ErrUnavailable indicates an outbound call failed before a response was received; safe to retry
	ErrUnavailable = errors.New("gateway: unavailable")
)

// Classification buckets every gateway-reported payment status
type Classification int

// Defining classification buckets
const (
	InProgress Classification = iota
	Success
	Failure
)

var successStates = map[string]bool{
	"finished":  true,
	"confirmed": true,
}

var failureStates = map[string]bool{
	"failed":   true,
	"expired":  true,
	"refunded": true,
}

// Classify maps a gateway payment status into the fixed vocabulary the
// order ledger transitions on. Unknown statuses are in-progress, never a
// silent success or failure.
func Classify(paymentStatus string) Classification {
	if successStates[paymentStatus] {
		return Success
	}
	if failureStates[paymentStatus] {
		return Failure
	}
	return InProgress
}
