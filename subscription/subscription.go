package subscription

import "time"

// Subscription is one granted validity window. Rows are append-only: a
// renewal inserts a new row extending from the current expiry, it never
// mutates or deletes a previous grant.
type Subscription struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	AccountID string    `json:"accountId" gorm:"index:idx_subscriptions_account_ends"`
	PlanKey   string    `json:"planKey"`
	StartsAt  time.Time `json:"startsAt"`
	EndsAt    time.Time `json:"endsAt" gorm:"index:idx_subscriptions_account_ends"`
	OrderID   *string   `json:"orderId,omitempty" gorm:"uniqueIndex"` // At most one grant ever links to a given order
	CreatedAt time.Time `json:"createdAt"`
}

// IsActive reports whether the validity window covers the given instant
func (s *Subscription) IsActive(now time.Time) bool {
	return !s.EndsAt.Before(now)
}
