package broker

import (
	"context"
	"time"
)

// Event types published on the entitlement exchange
const (
	EventSubscriptionGranted = "subscription.granted"
	EventDeviceRevoked       = "device.revoked"
)

// EntitlementEvent notifies the VPN node fleet that an account's
// entitlements changed. The ledger remains the source of truth; consumers
// reconcile from it on any doubt.
type EntitlementEvent struct {
	Type       string    `json:"type"`
	AccountID  string    `json:"accountId"`
	OrderID    string    `json:"orderId,omitempty"`
	PlanKey    string    `json:"planKey,omitempty"`
	DeviceUUID string    `json:"deviceUuid,omitempty"`
	EmittedAt  time.Time `json:"emittedAt"`
}

// Producer defines the interface for publishing entitlement events via
// message broker
type Producer interface {
	Close()
	PublishEntitlement(ctx context.Context, event EntitlementEvent) error
}
