package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/meterline/meterline/internal/clock"
	"github.com/meterline/meterline/internal/config"
	customerdomain "github.com/meterline/meterline/internal/customer/domain"
	customerrepo "github.com/meterline/meterline/internal/customer/repository"
	cpdomain "github.com/meterline/meterline/internal/customerproduct/domain"
	cprepo "github.com/meterline/meterline/internal/customerproduct/repository"
	featuredomain "github.com/meterline/meterline/internal/feature/domain"
	featurerepo "github.com/meterline/meterline/internal/feature/repository"
	invoicedomain "github.com/meterline/meterline/internal/invoice/domain"
	invoicerepo "github.com/meterline/meterline/internal/invoice/repository"
	ledgerdomain "github.com/meterline/meterline/internal/ledger/domain"
	ledgerrepo "github.com/meterline/meterline/internal/ledger/repository"
	ledgerservice "github.com/meterline/meterline/internal/ledger/service"
	"github.com/meterline/meterline/internal/observability/metrics"
	"github.com/meterline/meterline/internal/payment/domain"
	pricedomain "github.com/meterline/meterline/internal/price/domain"
	pricerepo "github.com/meterline/meterline/internal/price/repository"
	productdomain "github.com/meterline/meterline/internal/product/domain"
	productrepo "github.com/meterline/meterline/internal/product/repository"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testSecret = "whsec_test"

func sign(secret string, payload []byte) string {
	ts := "1700000000"
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + "." + string(payload)))
	return fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

type webhookEnv struct {
	svc   *Service
	db    *gorm.DB
	node  *snowflake.Node
	clock *clock.FakeClock
	orgID snowflake.ID
}

func newWebhookEnv(t *testing.T) *webhookEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&ProcessedEvent{},
		&customerdomain.Customer{},
		&cpdomain.CustomerProduct{},
		&ledgerdomain.CustomerEntitlement{},
		&invoicedomain.Invoice{},
		&featuredomain.Feature{},
		&productdomain.Product{},
		&productdomain.Entitlement{},
		&pricedomain.Price{},
	))

	node, err := snowflake.NewNode(5)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC))

	ledgerSvc := ledgerservice.New(ledgerservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		Clock: fake,
		GenID: node,
		Repo:  ledgerrepo.Provide(),
	})

	svc := New(Params{
		DB:           db,
		Log:          zap.NewNop(),
		Clock:        fake,
		GenID:        node,
		Cfg:          config.Config{StripeWebhookSecret: testSecret},
		Metrics:      metrics.New(prometheus.NewRegistry()),
		CustomerRepo: customerrepo.Provide(),
		CPRepo:       cprepo.Provide(),
		ProductRepo:  productrepo.Provide(),
		PriceRepo:    pricerepo.Provide(),
		FeatureRepo:  featurerepo.Provide(),
		LedgerRepo:   ledgerrepo.Provide(),
		Ledger:       ledgerSvc,
		InvoiceRepo:  invoicerepo.Provide(),
	})

	return &webhookEnv{svc: svc, db: db, node: node, clock: fake, orgID: node.Generate()}
}

func (e *webhookEnv) deliver(t *testing.T, payload string) error {
	t.Helper()
	return e.svc.Handle(context.Background(), []byte(payload), sign(testSecret, []byte(payload)))
}

func (e *webhookEnv) eventCount(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, e.db.Model(&ProcessedEvent{}).Count(&n).Error)
	return n
}

func subscriptionEvent(eventID, eventType, subID, status string, orgID snowflake.ID) string {
	return fmt.Sprintf(
		`{"id":%q,"type":%q,"data":{"object":{"id":%q,"status":%q,"metadata":{"org_id":%q}}}}`,
		eventID, eventType, subID, status, orgID.String())
}

func strp(s string) *string { return &s }

func fptr(v float64) *float64 { return &v }

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)

	require.NoError(t, VerifySignature(testSecret, payload, sign(testSecret, payload)))

	err := VerifySignature(testSecret, []byte(`{"id":"evt_tampered"}`), sign(testSecret, payload))
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)

	err = VerifySignature(testSecret, payload, "")
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)

	err = VerifySignature("whsec_other", payload, sign(testSecret, payload))
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)

	// A header carrying several v1 entries passes if any matches.
	withExtra := "v1=deadbeef," + sign(testSecret, payload)
	require.NoError(t, VerifySignature(testSecret, payload, withExtra))
}

func TestHandle_RejectsBadSignature(t *testing.T) {
	env := newWebhookEnv(t)
	payload := subscriptionEvent("evt_1", "customer.subscription.deleted", "sub_1", "canceled", env.orgID)

	err := env.svc.Handle(context.Background(), []byte(payload), "t=1,v1=bogus")
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)
	assert.EqualValues(t, 0, env.eventCount(t))
}

func TestHandle_IgnoresUnknownEventType(t *testing.T) {
	env := newWebhookEnv(t)
	payload := fmt.Sprintf(`{"id":"evt_1","type":"charge.refunded","data":{"object":{"metadata":{"org_id":%q}}}}`, env.orgID.String())

	require.NoError(t, env.deliver(t, payload))
	assert.EqualValues(t, 0, env.eventCount(t))
}

func TestHandle_UnroutableEventDropped(t *testing.T) {
	env := newWebhookEnv(t)
	payload := `{"id":"evt_1","type":"customer.subscription.deleted","data":{"object":{"id":"sub_x","customer":"cus_unknown"}}}`

	require.NoError(t, env.deliver(t, payload))
	assert.EqualValues(t, 0, env.eventCount(t))
}

func TestHandle_SubscriptionDeleted_Replay(t *testing.T) {
	env := newWebhookEnv(t)
	now := env.clock.Now()

	cp := &cpdomain.CustomerProduct{
		ID:                      env.node.Generate(),
		OrgID:                   env.orgID,
		Env:                     "live",
		CustomerID:              env.node.Generate(),
		ProductID:               env.node.Generate(),
		Status:                  cpdomain.StatusActive,
		StartsAt:                now,
		ProcessorSubscriptionID: strp("sub_1"),
	}
	require.NoError(t, env.db.Create(cp).Error)

	row := &ledgerdomain.CustomerEntitlement{
		ID:                env.node.Generate(),
		OrgID:             env.orgID,
		CustomerID:        cp.CustomerID,
		CustomerProductID: cp.ID,
		FeatureID:         env.node.Generate(),
		FeatureCode:       "api_calls",
		FeatureType:       featuredomain.FeatureTypeMetered,
		Balance:           fptr(40),
		Version:           1,
	}
	require.NoError(t, env.db.Create(row).Error)

	payload := subscriptionEvent("evt_del_1", "customer.subscription.deleted", "sub_1", "canceled", env.orgID)
	require.NoError(t, env.deliver(t, payload))

	var got cpdomain.CustomerProduct
	require.NoError(t, env.db.Where("id = ?", cp.ID).First(&got).Error)
	assert.Equal(t, cpdomain.StatusExpired, got.Status)
	require.NotNil(t, got.EndedAt)

	var rows int64
	require.NoError(t, env.db.Model(&ledgerdomain.CustomerEntitlement{}).
		Where("customer_product_id = ?", cp.ID).Count(&rows).Error)
	assert.EqualValues(t, 0, rows)

	// The processor retries deliveries; the second one is screened out.
	require.NoError(t, env.deliver(t, payload))
	assert.EqualValues(t, 1, env.eventCount(t))
}

func TestHandle_FailedDeliveryIsRetriable(t *testing.T) {
	env := newWebhookEnv(t)

	cp := &cpdomain.CustomerProduct{
		ID:                      env.node.Generate(),
		OrgID:                   env.orgID,
		Env:                     "live",
		CustomerID:              env.node.Generate(),
		ProductID:               env.node.Generate(),
		Status:                  cpdomain.StatusActive,
		StartsAt:                env.clock.Now(),
		ProcessorSubscriptionID: strp("sub_1"),
	}
	require.NoError(t, env.db.Create(cp).Error)

	// First delivery fails after the event id is claimed but before the
	// handler finishes.
	require.NoError(t, env.db.Migrator().DropTable(&ledgerdomain.CustomerEntitlement{}))
	payload := subscriptionEvent("evt_fail", "customer.subscription.deleted", "sub_1", "canceled", env.orgID)
	require.Error(t, env.deliver(t, payload))
	assert.EqualValues(t, 1, env.eventCount(t))

	var got cpdomain.CustomerProduct
	require.NoError(t, env.db.Where("id = ?", cp.ID).First(&got).Error)
	assert.Equal(t, cpdomain.StatusActive, got.Status)

	// The processor retries under the same event id; the unfinished claim
	// must not screen it out.
	require.NoError(t, env.db.AutoMigrate(&ledgerdomain.CustomerEntitlement{}))
	require.NoError(t, env.deliver(t, payload))

	require.NoError(t, env.db.Where("id = ?", cp.ID).First(&got).Error)
	assert.Equal(t, cpdomain.StatusExpired, got.Status)

	var rec ProcessedEvent
	require.NoError(t, env.db.Where("provider_event_id = ?", "evt_fail").First(&rec).Error)
	require.NotNil(t, rec.ProcessedAt)
	assert.EqualValues(t, 1, env.eventCount(t))

	// A third delivery is now a true duplicate.
	require.NoError(t, env.deliver(t, payload))
	assert.EqualValues(t, 1, env.eventCount(t))
}

func TestHandle_SubscriptionDeleted_ActivatesScheduledWithCarry(t *testing.T) {
	env := newWebhookEnv(t)
	now := env.clock.Now()
	customerID := env.node.Generate()

	feature := &featuredomain.Feature{
		ID:    env.node.Generate(),
		OrgID: env.orgID,
		Env:   "live",
		Code:  "api_calls",
		Name:  "API Calls",
		Type:  featuredomain.FeatureTypeMetered,
	}
	require.NoError(t, env.db.Create(feature).Error)

	current := &cpdomain.CustomerProduct{
		ID:                      env.node.Generate(),
		OrgID:                   env.orgID,
		Env:                     "live",
		CustomerID:              customerID,
		ProductID:               env.node.Generate(),
		Status:                  cpdomain.StatusActive,
		StartsAt:                now.Add(-30 * 24 * time.Hour),
		ProcessorSubscriptionID: strp("sub_1"),
	}
	require.NoError(t, env.db.Create(current).Error)
	require.NoError(t, env.db.Create(&ledgerdomain.CustomerEntitlement{
		ID:                env.node.Generate(),
		OrgID:             env.orgID,
		CustomerID:        customerID,
		CustomerProductID: current.ID,
		FeatureID:         feature.ID,
		FeatureCode:       feature.Code,
		FeatureType:       feature.Type,
		Balance:           fptr(3),
		Allowance:         fptr(10),
		Version:           1,
	}).Error)

	downgrade := &productdomain.Product{
		ID:    env.node.Generate(),
		OrgID: env.orgID,
		Env:   "live",
		Code:  "starter",
		Name:  "Starter",
	}
	require.NoError(t, env.db.Create(downgrade).Error)
	require.NoError(t, env.db.Create(&productdomain.Entitlement{
		ID:                env.node.Generate(),
		OrgID:             env.orgID,
		ProductID:         downgrade.ID,
		FeatureID:         feature.ID,
		AllowanceType:     productdomain.AllowanceFixed,
		Allowance:         fptr(20),
		ResetInterval:     productdomain.ResetMonth,
		CarryFromPrevious: true,
	}).Error)

	scheduled := &cpdomain.CustomerProduct{
		ID:         env.node.Generate(),
		OrgID:      env.orgID,
		Env:        "live",
		CustomerID: customerID,
		ProductID:  downgrade.ID,
		Status:     cpdomain.StatusScheduled,
		StartsAt:   now,
	}
	require.NoError(t, env.db.Create(scheduled).Error)

	payload := subscriptionEvent("evt_del_2", "customer.subscription.deleted", "sub_1", "canceled", env.orgID)
	require.NoError(t, env.deliver(t, payload))

	var got cpdomain.CustomerProduct
	require.NoError(t, env.db.Where("id = ?", scheduled.ID).First(&got).Error)
	assert.Equal(t, cpdomain.StatusActive, got.Status)

	// 7 of the old 10 were consumed, so the new 20 opens at 13.
	var rows []ledgerdomain.CustomerEntitlement
	require.NoError(t, env.db.Where("customer_product_id = ?", scheduled.ID).Find(&rows).Error)
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].Balance)
	assert.Equal(t, 13.0, *rows[0].Balance)
}

func TestHandle_SubscriptionUpdated_PastDueRoundTrip(t *testing.T) {
	env := newWebhookEnv(t)

	cp := &cpdomain.CustomerProduct{
		ID:                      env.node.Generate(),
		OrgID:                   env.orgID,
		Env:                     "live",
		CustomerID:              env.node.Generate(),
		ProductID:               env.node.Generate(),
		Status:                  cpdomain.StatusActive,
		StartsAt:                env.clock.Now(),
		ProcessorSubscriptionID: strp("sub_1"),
	}
	require.NoError(t, env.db.Create(cp).Error)

	reload := func() cpdomain.Status {
		var got cpdomain.CustomerProduct
		require.NoError(t, env.db.Where("id = ?", cp.ID).First(&got).Error)
		return got.Status
	}

	require.NoError(t, env.deliver(t, subscriptionEvent("evt_1", "customer.subscription.updated", "sub_1", "past_due", env.orgID)))
	assert.Equal(t, cpdomain.StatusPastDue, reload())

	// Re-delivery of the same status under a fresh event id is a no-op.
	require.NoError(t, env.deliver(t, subscriptionEvent("evt_2", "customer.subscription.updated", "sub_1", "past_due", env.orgID)))
	assert.Equal(t, cpdomain.StatusPastDue, reload())

	require.NoError(t, env.deliver(t, subscriptionEvent("evt_3", "customer.subscription.updated", "sub_1", "active", env.orgID)))
	assert.Equal(t, cpdomain.StatusActive, reload())
}

func TestHandle_InvoiceLifecycle(t *testing.T) {
	env := newWebhookEnv(t)
	customerID := env.node.Generate()

	invoiceEvent := func(eventID, eventType, status string) string {
		return fmt.Sprintf(
			`{"id":%q,"type":%q,"data":{"object":{"id":"in_1","status":%q,"total":1250,"currency":"usd","metadata":{"org_id":%q,"customer_id":%q}}}}`,
			eventID, eventType, status, env.orgID.String(), customerID.String())
	}

	require.NoError(t, env.deliver(t, invoiceEvent("evt_1", "invoice.created", "open")))

	var inv invoicedomain.Invoice
	require.NoError(t, env.db.Where("processor_invoice_id = ?", "in_1").First(&inv).Error)
	assert.Equal(t, invoicedomain.StatusOpen, inv.Status)
	assert.EqualValues(t, 1250, inv.Total)
	assert.Equal(t, "USD", inv.Currency)
	assert.Equal(t, customerID, inv.CustomerID)

	// invoice.created replayed under a new event id is absorbed by the
	// first-writer-wins insert.
	require.NoError(t, env.deliver(t, invoiceEvent("evt_2", "invoice.created", "open")))
	var n int64
	require.NoError(t, env.db.Model(&invoicedomain.Invoice{}).Count(&n).Error)
	assert.EqualValues(t, 1, n)

	require.NoError(t, env.deliver(t, invoiceEvent("evt_3", "invoice.paid", "paid")))
	require.NoError(t, env.db.Where("processor_invoice_id = ?", "in_1").First(&inv).Error)
	assert.Equal(t, invoicedomain.StatusPaid, inv.Status)
}

func TestHandle_InvoicePaid_WithoutPriorCreate(t *testing.T) {
	env := newWebhookEnv(t)
	customerID := env.node.Generate()

	payload := fmt.Sprintf(
		`{"id":"evt_1","type":"invoice.paid","data":{"object":{"id":"in_9","status":"paid","total":500,"currency":"usd","metadata":{"org_id":%q,"customer_id":%q}}}}`,
		env.orgID.String(), customerID.String())
	require.NoError(t, env.deliver(t, payload))

	var inv invoicedomain.Invoice
	require.NoError(t, env.db.Where("processor_invoice_id = ?", "in_9").First(&inv).Error)
	assert.Equal(t, invoicedomain.StatusPaid, inv.Status)
}

func TestHandle_CheckoutCompleted_LinksProcessorCustomer(t *testing.T) {
	env := newWebhookEnv(t)

	customer := &customerdomain.Customer{
		ID:    env.node.Generate(),
		OrgID: env.orgID,
		Env:   "live",
		Name:  "Acme",
		Email: "billing@acme.test",
	}
	require.NoError(t, env.db.Create(customer).Error)

	payload := fmt.Sprintf(
		`{"id":"evt_1","type":"checkout.session.completed","data":{"object":{"id":"cs_1","customer":"cus_123","metadata":{"org_id":%q,"customer_id":%q}}}}`,
		env.orgID.String(), customer.ID.String())
	require.NoError(t, env.deliver(t, payload))

	var got customerdomain.Customer
	require.NoError(t, env.db.Where("id = ?", customer.ID).First(&got).Error)
	require.NotNil(t, got.ProcessorCustomerID)
	assert.Equal(t, "cus_123", *got.ProcessorCustomerID)
}
