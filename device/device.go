package device

import (
	"errors"
	"time"
)

// Sentinel errors surfaced by the device Manager
var (
	// ErrNotFound is returned when no device matches the given identifier
	ErrNotFound = errors.New("device: not found")
	// ErrQuotaExceeded is returned when a registration would exceed the plan's device cap
	ErrQuotaExceeded = errors.New("device: quota exceeded")
)

// Platform identifies the client platform of a device
type Platform string

// Defining supported platforms
const (
	PlatformWindows Platform = "windows"
	PlatformMacOS   Platform = "macos"
	PlatformLinux   Platform = "linux"
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
	PlatformBrowser Platform = "browser"
	PlatformOther   Platform = "other"
)

// Device is one (account, client identifier) registration. The UUID is
// the server-assigned stable identity and survives revocation: a
// reactivation flips the same row back to active instead of inserting a
// new one. Rows are never hard-deleted so quota recomputation and audit
// keep the full history.
type Device struct {
	ID         uint64   `json:"-" gorm:"primaryKey;autoIncrement"`
	UUID       string   `json:"uuid" gorm:"uniqueIndex"`
	AccountID  string   `json:"accountId" gorm:"uniqueIndex:idx_devices_account_client"`
	ClientUUID string   `json:"clientUuid" gorm:"uniqueIndex:idx_devices_account_client;index"` // Client-supplied, stable across reinstalls
	Platform   Platform `json:"platform"`
	Name       string   `json:"name"`
	OSVersion  string   `json:"osVersion"`
	AppVersion string   `json:"appVersion"`
	IP         string   `json:"-"`
	Active     bool     `json:"active" gorm:"index"`
	// SubscriptionID snapshots the subscription active at registration
	// time. Non-owning back-reference for audit only.
	SubscriptionID *string   `json:"subscriptionId,omitempty"`
	LastSeen       time.Time `json:"lastSeen"`
	CreatedAt      time.Time `json:"createdAt"`
}

// NormalizePlatform maps raw platform strings to a defined Platform
func NormalizePlatform(raw string) Platform {
	switch Platform(raw) {
	case PlatformWindows, PlatformMacOS, PlatformLinux, PlatformAndroid, PlatformIOS, PlatformBrowser:
		return Platform(raw)
	default:
		return PlatformOther
	}
}
