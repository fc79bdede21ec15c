package order

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/zllovesuki/coolvpn/broker"
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

// countingGrantor wraps the real grantor to observe how many times the
// ledger asked for a grant
type countingGrantor struct {
	inner  Grantor
	grants int
}

func (c *countingGrantor) GrantPaidOrder(tx *gorm.DB, accountID string, planKey string, orderID string) error {
	c.grants++
	return c.inner.GrantPaidOrder(tx, accountID, planKey, orderID)
}

type capturingProducer struct {
	events []broker.EntitlementEvent
}

func (c *capturingProducer) Close() {}

func (c *capturingProducer) PublishEntitlement(ctx context.Context, event broker.EntitlementEvent) error {
	c.events = append(c.events, event)
	return nil
}

type testHarness struct {
	manager  *Manager
	subs     *subscription.Manager
	grantor  *countingGrantor
	producer *capturingProducer
}

func setupHarness(t *testing.T) *testHarness {
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

	grantor := &countingGrantor{inner: subs}
	producer := &capturingProducer{}

	manager, err := NewManager(ManagerOptions{
		DB:       dbConn,
		Logger:   zap.NewNop(),
		Grantor:  grantor,
		Producer: producer,
		Now:      func() time.Time { return testEpoch },
	})
	require.NoError(t, err)

	return &testHarness{
		manager:  manager,
		subs:     subs,
		grantor:  grantor,
		producer: producer,
	}
}

func (h *testHarness) createOrder(t *testing.T, id string) *Order {
	t.Helper()
	o := &Order{
		ID:               id,
		AccountID:        "account-1",
		PlanKey:          "monthly",
		PriceAmountCents: 1099,
		PriceCurrency:    "USD",
	}
	require.NoError(t, h.manager.Create(context.Background(), o))
	return o
}

func TestCreateDefaults(t *testing.T) {
	h := setupHarness(t)
	o := h.createOrder(t, "order-1")

	assert.Equal(t, StatusPending, o.Status)
	assert.Equal(t, DefaultGateway, o.Gateway)
	assert.False(t, o.Paid())
	assert.Nil(t, o.PaidAt)
}

func TestApplySuccessGrantsOnce(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()
	h.createOrder(t, "order-1")

	updated, err := h.manager.ApplyGatewayStatus(ctx, ApplyOptions{
		OrderID:        "order-1",
		ReportedStatus: "finished",
		PaymentID:      "5077125051",
		PayCurrency:    "btc",
		RawPayload:     []byte(`{"payment_status":"finished"}`),
	})
	require.NoError(t, err)

	assert.Equal(t, StatusPaid, updated.Status)
	require.NotNil(t, updated.PaidAt)
	assert.Equal(t, testEpoch, *updated.PaidAt)
	assert.Equal(t, 1, h.grantor.grants)

	sub, err := h.subs.GetByOrderID(ctx, "order-1")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, "account-1", sub.AccountID)

	// the settlement currency from the report is persisted
	stored, err := h.manager.GetByID(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, "btc", stored.PayCurrency)

	// duplicate success delivery: snapshot updates, no second grant
	again, err := h.manager.ApplyGatewayStatus(ctx, ApplyOptions{
		OrderID:        "order-1",
		ReportedStatus: "finished",
		RawPayload:     []byte(`{"payment_status":"finished","retry":true}`),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, again.Status)
	assert.Equal(t, 1, h.grantor.grants)
	assert.Contains(t, string(again.RawPayload), "retry")

	// exactly one granted event went out
	require.Len(t, h.producer.events, 1)
	assert.Equal(t, broker.EventSubscriptionGranted, h.producer.events[0].Type)
	assert.Equal(t, "order-1", h.producer.events[0].OrderID)
}

func TestApplyNeverDowngradesPaid(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()
	h.createOrder(t, "order-1")

	_, err := h.manager.ApplyGatewayStatus(ctx, ApplyOptions{
		OrderID:        "order-1",
		ReportedStatus: "finished",
	})
	require.NoError(t, err)

	// a stale failure report arriving after success is snapshot only
	updated, err := h.manager.ApplyGatewayStatus(ctx, ApplyOptions{
		OrderID:        "order-1",
		ReportedStatus: "expired",
		RawPayload:     []byte(`{"payment_status":"expired"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, updated.Status)
	assert.NotNil(t, updated.PaidAt)
}

func TestApplyFailureMapping(t *testing.T) {
	tests := []struct {
		reported string
		expected Status
	}{
		{"failed", StatusFailed},
		{"expired", StatusExpired},
		{"refunded", StatusRefunded},
	}
	for _, tc := range tests {
		t.Run(tc.reported, func(t *testing.T) {
			h := setupHarness(t)
			h.createOrder(t, "order-1")

			updated, err := h.manager.ApplyGatewayStatus(context.Background(), ApplyOptions{
				OrderID:        "order-1",
				ReportedStatus: tc.reported,
			})
			require.NoError(t, err)
			assert.Equal(t, tc.expected, updated.Status)
			assert.Equal(t, 0, h.grantor.grants)
		})
	}
}

func TestApplyInProgressSnapshotsOnly(t *testing.T) {
	h := setupHarness(t)
	h.createOrder(t, "order-1")

	updated, err := h.manager.ApplyGatewayStatus(context.Background(), ApplyOptions{
		OrderID:        "order-1",
		ReportedStatus: "confirming",
		RawPayload:     []byte(`{"payment_status":"confirming"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, updated.Status)
	assert.Equal(t, 0, h.grantor.grants)
	assert.Contains(t, string(updated.RawPayload), "confirming")
}

func TestApplyFailureThenSuccess(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()
	h.createOrder(t, "order-1")

	_, err := h.manager.ApplyGatewayStatus(ctx, ApplyOptions{
		OrderID:        "order-1",
		ReportedStatus: "failed",
	})
	require.NoError(t, err)

	// a late success still settles the order
	updated, err := h.manager.ApplyGatewayStatus(ctx, ApplyOptions{
		OrderID:        "order-1",
		ReportedStatus: "finished",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, updated.Status)
	assert.Equal(t, 1, h.grantor.grants)
}

func TestApplyUnknownOrder(t *testing.T) {
	h := setupHarness(t)

	_, err := h.manager.ApplyGatewayStatus(context.Background(), ApplyOptions{
		OrderID:        "no-such-order",
		ReportedStatus: "finished",
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestApplyBackfillsIdentifiers(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()
	h.createOrder(t, "order-1")

	updated, err := h.manager.ApplyGatewayStatus(ctx, ApplyOptions{
		OrderID:        "order-1",
		ReportedStatus: "waiting",
		PaymentID:      "5077125051",
		InvoiceID:      "4949038222",
		PayCurrency:    "btc",
	})
	require.NoError(t, err)
	assert.Equal(t, "5077125051", updated.PaymentID)
	assert.Equal(t, "4949038222", updated.InvoiceID)
	assert.Equal(t, "btc", updated.PayCurrency)

	// identifiers already recorded are never overwritten
	updated, err = h.manager.ApplyGatewayStatus(ctx, ApplyOptions{
		OrderID:        "order-1",
		ReportedStatus: "waiting",
		PaymentID:      "9999999999",
		InvoiceID:      "8888888888",
		PayCurrency:    "trx",
	})
	require.NoError(t, err)
	assert.Equal(t, "5077125051", updated.PaymentID)
	assert.Equal(t, "4949038222", updated.InvoiceID)
	assert.Equal(t, "btc", updated.PayCurrency)
}

func TestAttachInvoiceOnce(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()
	h.createOrder(t, "order-1")

	require.NoError(t, h.manager.AttachInvoice(ctx, "order-1", "4949038222"))

	o, err := h.manager.GetByID(ctx, "order-1")
	require.NoError(t, err)
	require.NotNil(t, o)
	assert.Equal(t, "4949038222", o.InvoiceID)

	// a second attach does not replace the recorded invoice
	require.NoError(t, h.manager.AttachInvoice(ctx, "order-1", "1111111111"))
	o, err = h.manager.GetByID(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, "4949038222", o.InvoiceID)
}

func TestGetByIDAbsent(t *testing.T) {
	h := setupHarness(t)

	o, err := h.manager.GetByID(context.Background(), "no-such-order")
	require.NoError(t, err)
	assert.Nil(t, o)
}
