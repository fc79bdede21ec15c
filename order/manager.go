package order

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zllovesuki/coolvpn/broker"
	"github.com/zllovesuki/coolvpn/db"
	"github.com/zllovesuki/coolvpn/gateway"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// applyRetries bounds how often the transition transaction is retried
// after a serialization failure
const applyRetries = 3

// Grantor creates the subscription window for a paid order. It runs on
// the ledger's own transaction so a concurrent duplicate delivery cannot
// observe "not yet paid" after the grant committed.
type Grantor interface {
	GrantPaidOrder(tx *gorm.DB, accountID string, planKey string, orderID string) error
}

// ManagerOptions contains the configuration for the order Manager
type ManagerOptions struct {
	DB      *gorm.DB
	Logger  *zap.Logger
	Grantor Grantor
	// Producer receives entitlement events after a grant committed.
	// Optional; nil disables publishing.
	Producer broker.Producer
	Now      func() time.Time
}

// Manager owns Order records. All status mutation funnels through
// ApplyGatewayStatus; nothing else writes an order's status.
type Manager struct {
	ManagerOptions
}

// NewManager validates the options and returns an order Manager
func NewManager(option ManagerOptions) (*Manager, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.Grantor == nil {
		return nil, fmt.Errorf("nil Grantor is invalid")
	}
	if option.Now == nil {
		option.Now = time.Now
	}
	if err := option.DB.AutoMigrate(&Order{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize order.Manager")
	}
	return &Manager{
		ManagerOptions: option,
	}, nil
}

// Create persists a new pending order ahead of invoice creation
func (m *Manager) Create(ctx context.Context, o *Order) error {
	if len(o.Status) == 0 {
		o.Status = StatusPending
	}
	if len(o.Gateway) == 0 {
		o.Gateway = DefaultGateway
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = m.Now()
	}
	result := m.DB.WithContext(ctx).Create(o)
	if result.Error != nil {
		m.Logger.Error("Unable to create new order in database",
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot create order")
	}
	return nil
}

// GetByID returns the order with the given identifier, or nil when absent
func (m *Manager) GetByID(ctx context.Context, id string) (*Order, error) {
	var o Order
	result := m.DB.WithContext(ctx).First(&o, "id = ?", id)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get order by id")
	}
	return &o, nil
}

// AttachInvoice records the gateway invoice identifier right after
// invoice creation. It never overwrites a non-empty value.
func (m *Manager) AttachInvoice(ctx context.Context, orderID, invoiceID string) error {
	result := m.DB.WithContext(ctx).Model(&Order{}).
		Where("id = ?", orderID).
		Where("invoice_id = ?", "").
		Update("invoice_id", invoiceID)
	if result.Error != nil {
		return extErrors.Wrap(result.Error, "Cannot attach invoice to order")
	}
	return nil
}

// ApplyOptions carries one gateway status report into the ledger
type ApplyOptions struct {
	OrderID        string
	ReportedStatus string
	PaymentID      string
	InvoiceID      string
	PayCurrency    string
	RawPayload     []byte
}

// ApplyGatewayStatus is the single transition function of the order
// ledger. Both the webhook push path and the manual reconcile pull path
// funnel through it, so duplicate or out-of-order delivery across the two
// is safe. The order row is locked for the whole read-transition-grant
// sequence.
func (m *Manager) ApplyGatewayStatus(ctx context.Context, opt ApplyOptions) (*Order, error) {
	if len(opt.OrderID) == 0 {
		return nil, fmt.Errorf("ApplyOptions.OrderID is required")
	}
	if len(opt.ReportedStatus) == 0 {
		return nil, fmt.Errorf("ApplyOptions.ReportedStatus is required")
	}

	var updated Order
	var granted bool
	err := db.WithRetry(applyRetries, func() error {
		granted = false
		return m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var current Order
			lookupRes := db.LockForUpdate(tx).First(&current, "id = ?", opt.OrderID)
			if errors.Is(lookupRes.Error, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			if lookupRes.Error != nil {
				return extErrors.Wrap(lookupRes.Error, "Cannot look up order")
			}

			// snapshot every delivery and backfill external identifiers
			// that were not known yet; existing values are never overwritten
			if len(opt.RawPayload) > 0 {
				current.RawPayload = opt.RawPayload
			}
			if len(current.InvoiceID) == 0 && len(opt.InvoiceID) > 0 {
				current.InvoiceID = opt.InvoiceID
			}
			if len(current.PaymentID) == 0 && len(opt.PaymentID) > 0 {
				current.PaymentID = opt.PaymentID
			}
			if len(current.PayCurrency) == 0 && len(opt.PayCurrency) > 0 {
				current.PayCurrency = opt.PayCurrency
			}

			switch gateway.Classify(opt.ReportedStatus) {
			case gateway.Success:
				if current.Status != StatusPaid {
					now := m.Now()
					current.Status = StatusPaid
					current.PaidAt = &now
					if saveRes := tx.Save(&current); saveRes.Error != nil {
						return extErrors.Wrap(saveRes.Error, "Cannot mark order as paid")
					}
					if err := m.Grantor.GrantPaidOrder(tx, current.AccountID, current.PlanKey, current.ID); err != nil {
						return extErrors.Wrap(err, "Cannot grant subscription for paid order")
					}
					granted = true
					updated = current
					return nil
				}
				// duplicate success delivery: snapshot only
			case gateway.Failure:
				// paid orders are never downgraded by stale reports
				if current.Status != StatusPaid {
					current.Status = mapFailure(opt.ReportedStatus)
				}
			case gateway.InProgress:
				// snapshot only
			}

			if saveRes := tx.Save(&current); saveRes.Error != nil {
				return extErrors.Wrap(saveRes.Error, "Cannot persist order snapshot")
			}
			updated = current
			return nil
		}, &sql.TxOptions{
			Isolation: sql.LevelSerializable,
		})
	})
	if err != nil {
		return nil, err
	}

	if granted {
		m.Logger.Info("Order transitioned to paid",
			zap.String("OrderID", updated.ID),
			zap.String("AccountID", updated.AccountID),
			zap.String("PlanKey", updated.PlanKey),
		)
		m.publishGranted(ctx, &updated)
	}

	return &updated, nil
}

// publishGranted emits the entitlement event after the transaction
// committed. Publish failures are logged, not surfaced: the ledger is the
// source of truth and the fleet reconciles from it.
func (m *Manager) publishGranted(ctx context.Context, o *Order) {
	if m.Producer == nil {
		return
	}
	event := broker.EntitlementEvent{
		Type:      broker.EventSubscriptionGranted,
		AccountID: o.AccountID,
		OrderID:   o.ID,
		PlanKey:   o.PlanKey,
		EmittedAt: m.Now(),
	}
	if err := m.Producer.PublishEntitlement(ctx, event); err != nil {
		m.Logger.Error("Unable to publish entitlement event",
			zap.Error(err),
			zap.String("OrderID", o.ID),
		)
	}
}
