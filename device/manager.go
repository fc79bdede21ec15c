package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zllovesuki/coolvpn/broker"
	"github.com/zllovesuki/coolvpn/db"
	"github.com/zllovesuki/coolvpn/plan"
	"github.com/zllovesuki/coolvpn/subscription"

	"github.com/google/uuid"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// admissionRetries bounds how often the register transaction is retried
// after a serialization or unique-race failure
const admissionRetries = 3

// ManagerOptions contains the configuration for the device Manager
type ManagerOptions struct {
	DB            *gorm.DB
	Logger        *zap.Logger
	Plans         *plan.Config
	Subscriptions *subscription.Manager
	// Producer receives entitlement events after a revocation committed.
	// Optional; nil disables publishing.
	Producer broker.Producer
	Now      func() time.Time
}

// Manager admits and revokes device registrations against the cap derived
// from the account's active subscription, and resolves premium status
// across accounts sharing a client identifier
type Manager struct {
	ManagerOptions
}

// NewManager validates the options and returns a device Manager
func NewManager(option ManagerOptions) (*Manager, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.Plans == nil {
		return nil, fmt.Errorf("nil Plans is invalid")
	}
	if option.Subscriptions == nil {
		return nil, fmt.Errorf("nil Subscriptions is invalid")
	}
	if option.Now == nil {
		option.Now = time.Now
	}
	if err := option.DB.AutoMigrate(&Device{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize device.Manager")
	}
	return &Manager{
		ManagerOptions: option,
	}, nil
}

// RegisterOptions carries one device registration
type RegisterOptions struct {
	AccountID  string
	ClientUUID string
	Platform   Platform
	Name       string
	OSVersion  string
	AppVersion string
	IP         string
}

func (o *RegisterOptions) validate() error {
	if len(o.AccountID) == 0 {
		return fmt.Errorf("RegisterOptions.AccountID is required")
	}
	if len(o.ClientUUID) == 0 {
		return fmt.Errorf("RegisterOptions.ClientUUID is required")
	}
	return nil
}

// Register admits a device under the account's plan cap. Re-registering
// an active device and reactivating a revoked one are idempotent and keep
// the row's server identity; only a genuinely new (account, client
// identifier) pair counts against the cap. The count-then-insert sequence
// runs under row locks plus the unique constraint so concurrent
// registrations cannot exceed the cap.
func (m *Manager) Register(ctx context.Context, opt RegisterOptions) (*Device, error) {
	if err := opt.validate(); err != nil {
		return nil, err
	}

	var registered Device
	err := db.WithRetry(admissionRetries, func() error {
		return m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			now := m.Now()

			var existing Device
			result := db.LockForUpdate(tx).
				Where("account_id = ? AND client_uuid = ?", opt.AccountID, opt.ClientUUID).
				First(&existing)
			if result.Error == nil {
				existing.LastSeen = now
				if !existing.Active {
					// reactivate in place, keeping the server identity
					existing.Active = true
					existing.Platform = opt.Platform
					existing.Name = opt.Name
					existing.OSVersion = opt.OSVersion
					existing.AppVersion = opt.AppVersion
					existing.IP = opt.IP
				}
				if saveRes := tx.Save(&existing); saveRes.Error != nil {
					return extErrors.Wrap(saveRes.Error, "Cannot update device")
				}
				registered = existing
				return nil
			}
			if !errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return extErrors.Wrap(result.Error, "Cannot look up device")
			}

			active, err := m.Subscriptions.ActiveForTx(tx, opt.AccountID)
			if err != nil {
				return err
			}
			limit := m.capFor(active)

			actives := make([]Device, 0, limit)
			if res := db.LockForUpdate(tx).
				Where("account_id = ? AND active = ?", opt.AccountID, true).
				Find(&actives); res.Error != nil {
				return extErrors.Wrap(res.Error, "Cannot count active devices")
			}
			if len(actives) >= limit {
				return ErrQuotaExceeded
			}

			var snapshot *string
			if len(active) > 0 {
				// active is ordered by ends_at desc; snapshot the most
				// entitled window
				id := active[0].ID
				snapshot = &id
			}

			newDevice := Device{
				UUID:           uuid.New().String(),
				AccountID:      opt.AccountID,
				ClientUUID:     opt.ClientUUID,
				Platform:       opt.Platform,
				Name:           opt.Name,
				OSVersion:      opt.OSVersion,
				AppVersion:     opt.AppVersion,
				IP:             opt.IP,
				Active:         true,
				SubscriptionID: snapshot,
				LastSeen:       now,
				CreatedAt:      now,
			}
			if res := tx.Create(&newDevice); res.Error != nil {
				return extErrors.Wrap(res.Error, "Cannot create device")
			}
			registered = newDevice
			return nil
		}, &sql.TxOptions{
			Isolation: sql.LevelSerializable,
		})
	})
	if err != nil {
		if errors.Is(err, ErrQuotaExceeded) {
			return nil, ErrQuotaExceeded
		}
		return nil, err
	}
	return &registered, nil
}

// ListActive returns the account's active devices, most recently seen
// first
func (m *Manager) ListActive(ctx context.Context, accountID string) ([]Device, error) {
	devices := make([]Device, 0, 4)
	if res := m.DB.WithContext(ctx).
		Where("account_id = ? AND active = ?", accountID, true).
		Order("last_seen desc").
		Find(&devices); res.Error != nil {
		return nil, extErrors.Wrap(res.Error, "Cannot list active devices")
	}
	return devices, nil
}

// capFor derives the device cap from the most capable active tier
func (m *Manager) capFor(active []subscription.Subscription) int {
	if len(active) == 0 {
		return plan.FreeDeviceLimit
	}
	keys := make([]plan.Key, 0, len(active))
	for _, sub := range active {
		keys = append(keys, plan.Normalize(sub.PlanKey))
	}
	best, ok := m.Plans.HighestTier(keys)
	if !ok {
		return plan.FreeDeviceLimit
	}
	return m.Plans.DeviceLimit(best)
}

// Revoke deactivates a device by its client identifier, falling back to
// the server identity. Revoking an already inactive device is a no-op
// success (second return true). History is preserved.
func (m *Manager) Revoke(ctx context.Context, accountID, identifier string) (*Device, bool, error) {
	if len(accountID) == 0 {
		return nil, false, fmt.Errorf("accountID is required")
	}
	if len(identifier) == 0 {
		return nil, false, fmt.Errorf("identifier is required")
	}

	var revoked Device
	var noop bool
	err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Device
		result := db.LockForUpdate(tx).
			Where("account_id = ? AND client_uuid = ?", accountID, identifier).
			First(&existing)
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			result = db.LockForUpdate(tx).
				Where("account_id = ? AND uuid = ?", accountID, identifier).
				First(&existing)
		}
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if result.Error != nil {
			return extErrors.Wrap(result.Error, "Cannot look up device")
		}

		if !existing.Active {
			noop = true
			revoked = existing
			return nil
		}

		existing.Active = false
		existing.LastSeen = m.Now()
		if saveRes := tx.Save(&existing); saveRes.Error != nil {
			return extErrors.Wrap(saveRes.Error, "Cannot revoke device")
		}
		revoked = existing
		return nil
	}, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, false, ErrNotFound
		}
		return nil, false, err
	}

	if !noop {
		m.publishRevoked(ctx, &revoked)
	}

	return &revoked, noop, nil
}

func (m *Manager) publishRevoked(ctx context.Context, d *Device) {
	if m.Producer == nil {
		return
	}
	event := broker.EntitlementEvent{
		Type:       broker.EventDeviceRevoked,
		AccountID:  d.AccountID,
		DeviceUUID: d.UUID,
		EmittedAt:  m.Now(),
	}
	if err := m.Producer.PublishEntitlement(ctx, event); err != nil {
		m.Logger.Error("Unable to publish entitlement event",
			zap.Error(err),
			zap.String("DeviceUUID", d.UUID),
		)
	}
}
