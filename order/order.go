package order

import (
	"errors"
	"time"
)

// ErrNotFound is returned when no order exists with the given identifier
var ErrNotFound = errors.New("order: not found")

// Status is the ledger state of an order
type Status string

// Defining order statuses. Paid is terminal: once reached, no later
// gateway report may downgrade the order.
const (
	StatusPending  Status = "pending"
	StatusPaid     Status = "paid"
	StatusFailed   Status = "failed"
	StatusExpired  Status = "expired"
	StatusRefunded Status = "refunded"
)

// DefaultGateway is the payment gateway orders are settled through
const DefaultGateway = "nowpayments"

// Order is one purchase attempt. The ID is issued locally before the
// gateway ever sees the order and acts as the idempotency key for all
// gateway correlation. Orders are never deleted.
type Order struct {
	ID               string     `json:"id" gorm:"primaryKey"`
	AccountID        string     `json:"accountId" gorm:"index"`
	PlanKey          string     `json:"planKey"`
	PriceAmountCents int64      `json:"priceAmountCents"`
	PriceCurrency    string     `json:"priceCurrency"`
	PayCurrency      string     `json:"payCurrency"` // Settlement currency as reported by the gateway (e.g. TRX/BTC)
	Gateway          string     `json:"gateway"`
	Status           Status     `json:"status"`
	InvoiceID        string     `json:"invoiceId" gorm:"index"` // Gateway-side invoice identifier
	PaymentID        string     `json:"paymentId"`              // Gateway-side payment identifier
	RawPayload       []byte     `json:"-"`                      // Snapshot of the last gateway payload, for audit
	CreatedAt        time.Time  `json:"createdAt"`
	PaidAt           *time.Time `json:"paidAt,omitempty"`
}

// Paid reports whether the order reached its terminal paid state
func (o *Order) Paid() bool {
	return o.Status == StatusPaid
}

// mapFailure translates a failure-classified gateway status into the
// ledger status it settles as
func mapFailure(reported string) Status {
	switch reported {
	case "expired":
		return StatusExpired
	case "refunded":
		return StatusRefunded
	default:
		return StatusFailed
	}
}
