package subscription

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zllovesuki/coolvpn/db"
	"github.com/zllovesuki/coolvpn/plan"

	"github.com/lithammer/shortuuid/v3"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// grantRetries bounds how often a grant transaction is retried after a
// serialization failure before the error is surfaced as transient
const grantRetries = 3

// ManagerOptions contains the configuration for the subscription Manager
type ManagerOptions struct {
	DB     *gorm.DB
	Logger *zap.Logger
	Plans  *plan.Config
	Now    func() time.Time
}

// Manager grants subscription windows after paid orders and answers
// entitlement queries for the device quota and premium resolution paths
type Manager struct {
	ManagerOptions
}

// NewManager validates the options and returns a subscription Manager
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
	if option.Now == nil {
		option.Now = time.Now
	}
	if err := option.DB.AutoMigrate(&Subscription{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize subscription.Manager")
	}
	return &Manager{
		ManagerOptions: option,
	}, nil
}

// GrantOptions identifies the account, tier, and paid order of a grant
type GrantOptions struct {
	AccountID string
	PlanKey   plan.Key
	OrderID   string
}

func (o *GrantOptions) validate() error {
	if len(o.AccountID) == 0 {
		return fmt.Errorf("GrantOptions.AccountID is required")
	}
	if len(o.PlanKey) == 0 {
		return fmt.Errorf("GrantOptions.PlanKey is required")
	}
	if len(o.OrderID) == 0 {
		return fmt.Errorf("GrantOptions.OrderID is required")
	}
	return nil
}

// Grant creates a new validity window for the account, exactly once per
// order. Safe to call concurrently with duplicates of itself: the order
// link is unique and the account's latest row is locked for the duration
// of the computation.
func (m *Manager) Grant(ctx context.Context, opt GrantOptions) (*Subscription, error) {
	var granted *Subscription
	err := db.WithRetry(grantRetries, func() error {
		return m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var txErr error
			granted, txErr = m.grantTx(tx, opt)
			return txErr
		}, &sql.TxOptions{
			Isolation: sql.LevelSerializable,
		})
	})
	if err != nil {
		return nil, err
	}
	return granted, nil
}

// GrantPaidOrder implements the grantor contract of the order ledger: it
// runs the grant on the ledger's own transaction so the paid flip and the
// grant commit or roll back together.
func (m *Manager) GrantPaidOrder(tx *gorm.DB, accountID string, planKey string, orderID string) error {
	_, err := m.grantTx(tx, GrantOptions{
		AccountID: accountID,
		PlanKey:   plan.Key(planKey),
		OrderID:   orderID,
	})
	return err
}

// grantTx implements the grant algorithm on an open transaction:
// idempotency check by order link first, then base_start from the locked
// latest row (stacking), then an insert.
func (m *Manager) grantTx(tx *gorm.DB, opt GrantOptions) (*Subscription, error) {
	if err := opt.validate(); err != nil {
		return nil, err
	}
	if _, ok := m.Plans.Get(opt.PlanKey); !ok {
		return nil, fmt.Errorf("cannot grant unknown plan %q", opt.PlanKey)
	}

	// duplicate delivery for an already granted order returns the
	// existing row unchanged
	var existing Subscription
	result := tx.Where("order_id = ?", opt.OrderID).First(&existing)
	if result.Error == nil {
		return &existing, nil
	}
	if !errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, extErrors.Wrap(result.Error, "Cannot check for an existing grant")
	}

	now := m.Now()
	baseStart := now

	var latest Subscription
	result = db.LockForUpdate(tx).
		Where("account_id = ?", opt.AccountID).
		Order("ends_at desc").
		First(&latest)
	if result.Error == nil {
		if latest.EndsAt.After(now) {
			baseStart = latest.EndsAt
		}
	} else if !errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, extErrors.Wrap(result.Error, "Cannot look up the latest subscription")
	}

	duration, err := m.Plans.Duration(opt.PlanKey)
	if err != nil {
		return nil, err
	}

	orderID := opt.OrderID
	sub := &Subscription{
		ID:        shortuuid.New(),
		AccountID: opt.AccountID,
		PlanKey:   string(opt.PlanKey),
		StartsAt:  baseStart,
		EndsAt:    baseStart.Add(duration),
		OrderID:   &orderID,
		CreatedAt: now,
	}
	if result := tx.Create(sub); result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot create subscription")
	}

	m.Logger.Info("Granted subscription window",
		zap.String("AccountID", sub.AccountID),
		zap.String("OrderID", opt.OrderID),
		zap.String("PlanKey", sub.PlanKey),
		zap.Time("StartsAt", sub.StartsAt),
		zap.Time("EndsAt", sub.EndsAt),
	)

	return sub, nil
}

// GetByOrderID returns the grant linked to an order, or nil when the order
// has not produced one
func (m *Manager) GetByOrderID(ctx context.Context, orderID string) (*Subscription, error) {
	var sub Subscription
	result := m.DB.WithContext(ctx).Where("order_id = ?", orderID).First(&sub)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot get subscription by order id")
	}
	return &sub, nil
}

// ActiveFor returns the account's currently active windows, most
// entitled first
func (m *Manager) ActiveFor(ctx context.Context, accountID string) ([]Subscription, error) {
	return m.activeFor(m.DB.WithContext(ctx), accountID)
}

// ActiveForTx is ActiveFor on an open transaction, used when the caller
// needs the entitlement read inside its own unit of work
func (m *Manager) ActiveForTx(tx *gorm.DB, accountID string) ([]Subscription, error) {
	return m.activeFor(tx, accountID)
}

func (m *Manager) activeFor(tx *gorm.DB, accountID string) ([]Subscription, error) {
	results := make([]Subscription, 0, 1)
	result := tx.
		Where("account_id = ?", accountID).
		Where("ends_at >= ?", m.Now()).
		Order("ends_at desc").
		Find(&results)
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot list active subscriptions")
	}
	return results, nil
}

// ActivePlanKey resolves the account's current tier. With several active
// windows the most capable tier wins. The second return is false for
// accounts without an active subscription (free tier).
func (m *Manager) ActivePlanKey(ctx context.Context, accountID string) (plan.Key, bool, error) {
	active, err := m.ActiveFor(ctx, accountID)
	if err != nil {
		return "", false, err
	}
	return m.highestTier(active)
}

func (m *Manager) highestTier(active []Subscription) (plan.Key, bool, error) {
	if len(active) == 0 {
		return "", false, nil
	}
	keys := make([]plan.Key, 0, len(active))
	for _, sub := range active {
		keys = append(keys, plan.Normalize(sub.PlanKey))
	}
	best, ok := m.Plans.HighestTier(keys)
	if !ok {
		return "", false, nil
	}
	return best, true, nil
}

// BestActiveAmong picks the single most entitled active subscription out
// of the candidate accounts: greatest ends_at wins, ties broken by lowest
// account id for determinism. Returns nil when no candidate is active.
func (m *Manager) BestActiveAmong(ctx context.Context, accountIDs []string) (*Subscription, error) {
	if len(accountIDs) == 0 {
		return nil, nil
	}
	var sub Subscription
	result := m.DB.WithContext(ctx).
		Where("account_id IN ?", accountIDs).
		Where("ends_at >= ?", m.Now()).
		Order("ends_at desc").
		Order("account_id asc").
		First(&sub)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot find the best active subscription")
	}
	return &sub, nil
}
