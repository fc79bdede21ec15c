package gateway

import (
	"encoding/json"

	extErrors "github.com/pkg/errors"
)

// IPNPayload is the validated subset of an IPN callback the order ledger
// transitions on. The full raw body is snapshotted separately for audit;
// nothing else in the callback is trusted or interpreted.
type IPNPayload struct {
	OrderID       string      `json:"order_id"`
	PaymentStatus string      `json:"payment_status"`
	PaymentID     json.Number `json:"payment_id"`
	InvoiceID     json.Number `json:"invoice_id"`
	PayCurrency   string      `json:"pay_currency"`
}

// ParseIPN strictly parses a callback body. A body that does not carry the
// correlation key and a status is rejected with ErrMalformedPayload rather
// than defaulted, so a garbled callback can never be misclassified.
func ParseIPN(raw []byte) (*IPNPayload, error) {
	var payload IPNPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, extErrors.Wrap(ErrMalformedPayload, err.Error())
	}
	if len(payload.OrderID) == 0 {
		return nil, extErrors.Wrap(ErrMalformedPayload, "missing order_id")
	}
	if len(payload.PaymentStatus) == 0 {
		return nil, extErrors.Wrap(ErrMalformedPayload, "missing payment_status")
	}
	return &payload, nil
}
