package device

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/zllovesuki/coolvpn/plan"
	"github.com/zllovesuki/coolvpn/subscription"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testCatalog = `{
	"plans": [
		{"key": "monthly", "name": "Monthly", "durationDays": 30, "deviceLimit": 2},
		{"key": "semi", "name": "6 Months", "durationDays": 182, "deviceLimit": 3},
		{"key": "annual", "name": "Annual", "durationDays": 365, "deviceLimit": 4}
	],
	"regions": [
		{"country": "US", "currency": "USD", "monthlyCents": 1099, "semiCents": 4999, "annualCents": 7999}
	],
	"supportedFiats": ["USD"],
	"defaultCurrency": "USD"
}`

var testEpoch = time.Date(2021, time.March, 1, 12, 0, 0, 0, time.UTC)

type deviceHarness struct {
	manager *Manager
	subs    *subscription.Manager
}

func setupHarness(t *testing.T) *deviceHarness {
	t.Helper()

	dbConn, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	plans, err := plan.LoadConfig([]byte(testCatalog))
	require.NoError(t, err)

	subs, err := subscription.NewManager(subscription.ManagerOptions{
		DB:     dbConn,
		Logger: zap.NewNop(),
		Plans:  plans,
		Now:    func() time.Time { return testEpoch },
	})
	require.NoError(t, err)

	manager, err := NewManager(ManagerOptions{
		DB:            dbConn,
		Logger:        zap.NewNop(),
		Plans:         plans,
		Subscriptions: subs,
		Now:           func() time.Time { return testEpoch },
	})
	require.NoError(t, err)

	return &deviceHarness{
		manager: manager,
		subs:    subs,
	}
}

func (h *deviceHarness) grant(t *testing.T, accountID string, key plan.Key, orderID string) {
	t.Helper()
	_, err := h.subs.Grant(context.Background(), subscription.GrantOptions{
		AccountID: accountID,
		PlanKey:   key,
		OrderID:   orderID,
	})
	require.NoError(t, err)
}

func (h *deviceHarness) register(t *testing.T, accountID, clientUUID string) *Device {
	t.Helper()
	d, err := h.manager.Register(context.Background(), RegisterOptions{
		AccountID:  accountID,
		ClientUUID: clientUUID,
		Platform:   PlatformLinux,
		Name:       "test device",
	})
	require.NoError(t, err)
	return d
}

func TestRegisterAssignsServerIdentity(t *testing.T) {
	h := setupHarness(t)
	h.grant(t, "account-1", plan.KeyMonthly, "order-1")

	d := h.register(t, "account-1", "client-1")

	assert.NotEmpty(t, d.UUID)
	assert.NotEqual(t, "client-1", d.UUID)
	assert.True(t, d.Active)
	assert.Equal(t, testEpoch, d.LastSeen)
	require.NotNil(t, d.SubscriptionID)
}

func TestRegisterEnforcesQuota(t *testing.T) {
	h := setupHarness(t)
	// monthly caps at 2 devices in the test catalog
	h.grant(t, "account-1", plan.KeyMonthly, "order-1")

	h.register(t, "account-1", "client-1")
	h.register(t, "account-1", "client-2")

	_, err := h.manager.Register(context.Background(), RegisterOptions{
		AccountID:  "account-1",
		ClientUUID: "client-3",
	})
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestRegisterFreeTierSingleDevice(t *testing.T) {
	h := setupHarness(t)

	h.register(t, "account-1", "client-1")

	_, err := h.manager.Register(context.Background(), RegisterOptions{
		AccountID:  "account-1",
		ClientUUID: "client-2",
	})
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestRegisterCapUsesHighestTier(t *testing.T) {
	h := setupHarness(t)
	h.grant(t, "account-1", plan.KeyMonthly, "order-1")
	h.grant(t, "account-1", plan.KeyAnnual, "order-2")

	// the annual cap of 4 governs despite the monthly window
	for i := 1; i <= 4; i++ {
		h.register(t, "account-1", fmt.Sprintf("client-%d", i))
	}

	_, err := h.manager.Register(context.Background(), RegisterOptions{
		AccountID:  "account-1",
		ClientUUID: "client-5",
	})
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestRegisterIdempotentAtCap(t *testing.T) {
	h := setupHarness(t)
	h.grant(t, "account-1", plan.KeyMonthly, "order-1")

	first := h.register(t, "account-1", "client-1")
	h.register(t, "account-1", "client-2")

	// re-registering a known device succeeds even at the cap and keeps
	// the server identity
	again := h.register(t, "account-1", "client-1")
	assert.Equal(t, first.UUID, again.UUID)
	assert.Equal(t, first.ID, again.ID)
}

func TestRegisterReactivatesRevoked(t *testing.T) {
	h := setupHarness(t)
	h.grant(t, "account-1", plan.KeyMonthly, "order-1")

	original := h.register(t, "account-1", "client-1")

	_, noop, err := h.manager.Revoke(context.Background(), "account-1", "client-1")
	require.NoError(t, err)
	assert.False(t, noop)

	reactivated := h.register(t, "account-1", "client-1")
	assert.Equal(t, original.UUID, reactivated.UUID)
	assert.True(t, reactivated.Active)

	var count int64
	require.NoError(t, h.manager.DB.Model(&Device{}).Where("account_id = ?", "account-1").Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestRevokeFreesQuota(t *testing.T) {
	h := setupHarness(t)
	h.grant(t, "account-1", plan.KeyMonthly, "order-1")

	h.register(t, "account-1", "client-1")
	h.register(t, "account-1", "client-2")

	_, err := h.manager.Register(context.Background(), RegisterOptions{
		AccountID:  "account-1",
		ClientUUID: "client-3",
	})
	require.ErrorIs(t, err, ErrQuotaExceeded)

	_, _, err = h.manager.Revoke(context.Background(), "account-1", "client-1")
	require.NoError(t, err)

	h.register(t, "account-1", "client-3")
}

func TestRevokeByServerIdentity(t *testing.T) {
	h := setupHarness(t)
	h.grant(t, "account-1", plan.KeyMonthly, "order-1")

	d := h.register(t, "account-1", "client-1")

	revoked, noop, err := h.manager.Revoke(context.Background(), "account-1", d.UUID)
	require.NoError(t, err)
	assert.False(t, noop)
	assert.False(t, revoked.Active)
}

func TestRevokeIdempotent(t *testing.T) {
	h := setupHarness(t)
	h.grant(t, "account-1", plan.KeyMonthly, "order-1")
	h.register(t, "account-1", "client-1")

	_, noop, err := h.manager.Revoke(context.Background(), "account-1", "client-1")
	require.NoError(t, err)
	assert.False(t, noop)

	// second revocation is a no-op success
	_, noop, err = h.manager.Revoke(context.Background(), "account-1", "client-1")
	require.NoError(t, err)
	assert.True(t, noop)
}

func TestRevokeUnknownDevice(t *testing.T) {
	h := setupHarness(t)

	_, _, err := h.manager.Revoke(context.Background(), "account-1", "never-registered")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRevokeScopedToAccount(t *testing.T) {
	h := setupHarness(t)
	h.grant(t, "account-1", plan.KeyMonthly, "order-1")
	h.register(t, "account-1", "client-1")

	// another account cannot revoke a device it does not own
	_, _, err := h.manager.Revoke(context.Background(), "account-2", "client-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListActiveExcludesRevoked(t *testing.T) {
	h := setupHarness(t)
	h.grant(t, "account-1", plan.KeyMonthly, "order-1")

	h.register(t, "account-1", "client-1")
	kept := h.register(t, "account-1", "client-2")

	_, _, err := h.manager.Revoke(context.Background(), "account-1", "client-1")
	require.NoError(t, err)

	devices, err := h.manager.ListActive(context.Background(), "account-1")
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, kept.UUID, devices[0].UUID)

	none, err := h.manager.ListActive(context.Background(), "account-2")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestResolveUnknownClient(t *testing.T) {
	h := setupHarness(t)

	res, err := h.manager.Resolve(context.Background(), "never-seen")
	require.NoError(t, err)
	assert.False(t, res.Exists)
	assert.False(t, res.Premium)
	assert.Empty(t, res.DeviceUUID)
}

func TestResolveRegisteredNotEntitled(t *testing.T) {
	h := setupHarness(t)
	h.register(t, "account-1", "client-1")

	res, err := h.manager.Resolve(context.Background(), "client-1")
	require.NoError(t, err)
	assert.True(t, res.Exists)
	assert.False(t, res.Premium)
}

func TestResolvePremium(t *testing.T) {
	h := setupHarness(t)
	h.grant(t, "account-1", plan.KeyAnnual, "order-1")
	d := h.register(t, "account-1", "client-1")

	res, err := h.manager.Resolve(context.Background(), "client-1")
	require.NoError(t, err)
	assert.True(t, res.Premium)
	assert.True(t, res.Exists)
	assert.Equal(t, d.UUID, res.DeviceUUID)
	assert.Equal(t, "account-1", res.AccountID)
	assert.Equal(t, "annual", res.PlanKey)
	require.NotNil(t, res.EndsAt)
}

func TestResolveAcrossAccounts(t *testing.T) {
	h := setupHarness(t)
	// same client identifier under two accounts, only one entitled
	h.grant(t, "account-paying", plan.KeyMonthly, "order-1")
	h.register(t, "account-free", "client-1")
	paid := h.register(t, "account-paying", "client-1")

	res, err := h.manager.Resolve(context.Background(), "client-1")
	require.NoError(t, err)
	assert.True(t, res.Premium)
	assert.Equal(t, "account-paying", res.AccountID)
	assert.Equal(t, paid.UUID, res.DeviceUUID)
}

func TestResolveIgnoresRevokedRegistrations(t *testing.T) {
	h := setupHarness(t)
	h.grant(t, "account-1", plan.KeyMonthly, "order-1")
	h.register(t, "account-1", "client-1")

	_, _, err := h.manager.Revoke(context.Background(), "account-1", "client-1")
	require.NoError(t, err)

	// the account is still entitled but this identifier no longer is
	res, err := h.manager.Resolve(context.Background(), "client-1")
	require.NoError(t, err)
	assert.False(t, res.Premium)
	assert.False(t, res.Exists)
}

func TestResolveIsReadOnly(t *testing.T) {
	h := setupHarness(t)
	h.grant(t, "account-1", plan.KeyMonthly, "order-1")
	d := h.register(t, "account-1", "client-1")

	_, err := h.manager.Resolve(context.Background(), "client-1")
	require.NoError(t, err)

	var after Device
	require.NoError(t, h.manager.DB.First(&after, "uuid = ?", d.UUID).Error)
	assert.True(t, after.LastSeen.Equal(d.LastSeen))
	assert.Equal(t, d.Active, after.Active)
}
