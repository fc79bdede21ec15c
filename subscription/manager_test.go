package subscription

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/zllovesuki/coolvpn/plan"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testCatalog = `{
	"plans": [
		{"key": "monthly", "name": "Monthly", "durationDays": 30, "deviceLimit": 5},
		{"key": "semi", "name": "6 Months", "durationDays": 182, "deviceLimit": 10},
		{"key": "annual", "name": "Annual", "durationDays": 365, "deviceLimit": 20}
	],
	"regions": [
		{"country": "US", "currency": "USD", "monthlyCents": 1099, "semiCents": 4999, "annualCents": 7999}
	],
	"supportedFiats": ["USD"],
	"defaultCurrency": "USD"
}`

var testEpoch = time.Date(2021, time.March, 1, 12, 0, 0, 0, time.UTC)

func setupManager(t *testing.T) *Manager {
	t.Helper()

	dbConn, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	plans, err := plan.LoadConfig([]byte(testCatalog))
	require.NoError(t, err)

	manager, err := NewManager(ManagerOptions{
		DB:     dbConn,
		Logger: zap.NewNop(),
		Plans:  plans,
		Now:    func() time.Time { return testEpoch },
	})
	require.NoError(t, err)

	return manager
}

func TestGrantFreshStart(t *testing.T) {
	manager := setupManager(t)

	sub, err := manager.Grant(context.Background(), GrantOptions{
		AccountID: "account-1",
		PlanKey:   plan.KeyMonthly,
		OrderID:   "order-1",
	})
	require.NoError(t, err)

	assert.Equal(t, testEpoch, sub.StartsAt)
	assert.Equal(t, testEpoch.Add(30*24*time.Hour), sub.EndsAt)
	assert.Equal(t, "monthly", sub.PlanKey)
	require.NotNil(t, sub.OrderID)
	assert.Equal(t, "order-1", *sub.OrderID)
}

func TestGrantStacksOnActiveWindow(t *testing.T) {
	manager := setupManager(t)
	ctx := context.Background()

	first, err := manager.Grant(ctx, GrantOptions{
		AccountID: "account-1",
		PlanKey:   plan.KeyMonthly,
		OrderID:   "order-1",
	})
	require.NoError(t, err)

	// the second purchase extends rather than overlaps
	second, err := manager.Grant(ctx, GrantOptions{
		AccountID: "account-1",
		PlanKey:   plan.KeySemi,
		OrderID:   "order-2",
	})
	require.NoError(t, err)

	assert.Equal(t, first.EndsAt, second.StartsAt)
	assert.Equal(t, first.EndsAt.Add(182*24*time.Hour), second.EndsAt)
}

func TestGrantAfterExpiryStartsNow(t *testing.T) {
	manager := setupManager(t)
	ctx := context.Background()

	// a window that ended before the clock's now
	expired := Subscription{
		ID:        "expired-sub",
		AccountID: "account-1",
		PlanKey:   "monthly",
		StartsAt:  testEpoch.Add(-60 * 24 * time.Hour),
		EndsAt:    testEpoch.Add(-30 * 24 * time.Hour),
		CreatedAt: testEpoch.Add(-60 * 24 * time.Hour),
	}
	require.NoError(t, manager.DB.Create(&expired).Error)

	sub, err := manager.Grant(ctx, GrantOptions{
		AccountID: "account-1",
		PlanKey:   plan.KeyMonthly,
		OrderID:   "order-1",
	})
	require.NoError(t, err)

	assert.Equal(t, testEpoch, sub.StartsAt)
}

func TestGrantIdempotentPerOrder(t *testing.T) {
	manager := setupManager(t)
	ctx := context.Background()

	first, err := manager.Grant(ctx, GrantOptions{
		AccountID: "account-1",
		PlanKey:   plan.KeyAnnual,
		OrderID:   "order-1",
	})
	require.NoError(t, err)

	// duplicate delivery of the same order changes nothing
	second, err := manager.Grant(ctx, GrantOptions{
		AccountID: "account-1",
		PlanKey:   plan.KeyAnnual,
		OrderID:   "order-1",
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.EndsAt, second.EndsAt)

	var count int64
	require.NoError(t, manager.DB.Model(&Subscription{}).Where("account_id = ?", "account-1").Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestGrantUnknownPlan(t *testing.T) {
	manager := setupManager(t)

	_, err := manager.Grant(context.Background(), GrantOptions{
		AccountID: "account-1",
		PlanKey:   plan.Key("lifetime"),
		OrderID:   "order-1",
	})
	assert.Error(t, err)
}

func TestActivePlanKeyPrefersHighestTier(t *testing.T) {
	manager := setupManager(t)
	ctx := context.Background()

	_, err := manager.Grant(ctx, GrantOptions{
		AccountID: "account-1",
		PlanKey:   plan.KeyMonthly,
		OrderID:   "order-1",
	})
	require.NoError(t, err)
	_, err = manager.Grant(ctx, GrantOptions{
		AccountID: "account-1",
		PlanKey:   plan.KeyAnnual,
		OrderID:   "order-2",
	})
	require.NoError(t, err)

	key, ok, err := manager.ActivePlanKey(ctx, "account-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, plan.KeyAnnual, key)
}

func TestActivePlanKeyFreeTier(t *testing.T) {
	manager := setupManager(t)

	_, ok, err := manager.ActivePlanKey(context.Background(), "account-without-subs")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetByOrderID(t *testing.T) {
	manager := setupManager(t)
	ctx := context.Background()

	granted, err := manager.Grant(ctx, GrantOptions{
		AccountID: "account-1",
		PlanKey:   plan.KeyMonthly,
		OrderID:   "order-1",
	})
	require.NoError(t, err)

	found, err := manager.GetByOrderID(ctx, "order-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, granted.ID, found.ID)

	missing, err := manager.GetByOrderID(ctx, "order-unknown")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestBestActiveAmong(t *testing.T) {
	manager := setupManager(t)
	ctx := context.Background()

	_, err := manager.Grant(ctx, GrantOptions{
		AccountID: "account-a",
		PlanKey:   plan.KeyMonthly,
		OrderID:   "order-1",
	})
	require.NoError(t, err)
	_, err = manager.Grant(ctx, GrantOptions{
		AccountID: "account-b",
		PlanKey:   plan.KeyAnnual,
		OrderID:   "order-2",
	})
	require.NoError(t, err)

	best, err := manager.BestActiveAmong(ctx, []string{"account-a", "account-b"})
	require.NoError(t, err)
	require.NotNil(t, best)
	assert.Equal(t, "account-b", best.AccountID)

	none, err := manager.BestActiveAmong(ctx, []string{"account-x"})
	require.NoError(t, err)
	assert.Nil(t, none)

	empty, err := manager.BestActiveAmong(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestBestActiveAmongDeterministicTie(t *testing.T) {
	manager := setupManager(t)
	ctx := context.Background()

	ends := testEpoch.Add(30 * 24 * time.Hour)
	for _, accountID := range []string{"account-b", "account-a"} {
		sub := Subscription{
			ID:        "sub-" + accountID,
			AccountID: accountID,
			PlanKey:   "monthly",
			StartsAt:  testEpoch,
			EndsAt:    ends,
			CreatedAt: testEpoch,
		}
		require.NoError(t, manager.DB.Create(&sub).Error)
	}

	// identical windows resolve by lowest account id
	best, err := manager.BestActiveAmong(ctx, []string{"account-b", "account-a"})
	require.NoError(t, err)
	require.NotNil(t, best)
	assert.Equal(t, "account-a", best.AccountID)
}
