package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/meterline/meterline/internal/attach/domain"
	"github.com/meterline/meterline/internal/clock"
	customerdomain "github.com/meterline/meterline/internal/customer/domain"
	customerrepo "github.com/meterline/meterline/internal/customer/repository"
	cpdomain "github.com/meterline/meterline/internal/customerproduct/domain"
	cprepo "github.com/meterline/meterline/internal/customerproduct/repository"
	featuredomain "github.com/meterline/meterline/internal/feature/domain"
	featurerepo "github.com/meterline/meterline/internal/feature/repository"
	ledgerdomain "github.com/meterline/meterline/internal/ledger/domain"
	ledgerrepo "github.com/meterline/meterline/internal/ledger/repository"
	ledgerservice "github.com/meterline/meterline/internal/ledger/service"
	"github.com/meterline/meterline/internal/observability/metrics"
	"github.com/meterline/meterline/internal/orgcontext"
	paymentdomain "github.com/meterline/meterline/internal/payment/domain"
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

type fakeProcessor struct {
	subSeq    int
	schedSeq  int
	subs      map[string]*paymentdomain.Subscription
	canceled  map[string]bool
	schedules []paymentdomain.CreateScheduleRequest
	customers int
	periodEnd time.Time
	failOnSub error
}

func newFakeProcessor(periodEnd time.Time) *fakeProcessor {
	return &fakeProcessor{
		subs:      map[string]*paymentdomain.Subscription{},
		canceled:  map[string]bool{},
		periodEnd: periodEnd,
	}
}

func (f *fakeProcessor) EnsureCustomer(context.Context, string, string, string) (string, error) {
	f.customers++
	return fmt.Sprintf("cus_%d", f.customers), nil
}

func (f *fakeProcessor) CreateSubscription(_ context.Context, req paymentdomain.CreateSubscriptionRequest) (*paymentdomain.Subscription, error) {
	if f.failOnSub != nil {
		return nil, f.failOnSub
	}
	f.subSeq++
	sub := &paymentdomain.Subscription{
		ID:               fmt.Sprintf("sub_%d", f.subSeq),
		Status:           "active",
		CurrentPeriodEnd: f.periodEnd,
		TrialEnd:         req.TrialEnd,
	}
	for i, priceID := range req.PriceIDs {
		sub.Items = append(sub.Items, paymentdomain.SubscriptionItem{
			ID:       fmt.Sprintf("si_%d_%d", f.subSeq, i),
			PriceID:  priceID,
			Quantity: 1,
		})
	}
	f.subs[sub.ID] = sub
	return sub, nil
}

func (f *fakeProcessor) GetSubscription(_ context.Context, id string) (*paymentdomain.Subscription, error) {
	sub, ok := f.subs[id]
	if !ok {
		return nil, paymentdomain.ErrResourceMissing
	}
	return sub, nil
}

func (f *fakeProcessor) UpdateSubscriptionItems(_ context.Context, req paymentdomain.UpdateItemsRequest) (*paymentdomain.Subscription, error) {
	sub, ok := f.subs[req.SubscriptionID]
	if !ok {
		return nil, paymentdomain.ErrResourceMissing
	}
	sub.Items = nil
	for i, priceID := range req.AddPriceIDs {
		sub.Items = append(sub.Items, paymentdomain.SubscriptionItem{
			ID:       fmt.Sprintf("si_up_%d", i),
			PriceID:  priceID,
			Quantity: 1,
		})
	}
	return sub, nil
}

func (f *fakeProcessor) CancelSubscription(_ context.Context, id string, atPeriodEnd bool) error {
	f.canceled[id] = atPeriodEnd
	return nil
}

func (f *fakeProcessor) CreateSchedule(_ context.Context, req paymentdomain.CreateScheduleRequest) (string, error) {
	f.schedSeq++
	f.schedules = append(f.schedules, req)
	return fmt.Sprintf("sch_%d", f.schedSeq), nil
}

func (f *fakeProcessor) ReleaseSchedule(context.Context, string) error { return nil }

func (f *fakeProcessor) UpdateItemQuantity(context.Context, string, int64, paymentdomain.ProrationBehavior) error {
	return nil
}

func (f *fakeProcessor) CreateInvoice(context.Context, string, string, bool, map[string]string) (*paymentdomain.Invoice, error) {
	return &paymentdomain.Invoice{ID: "in_fake", Status: "draft"}, nil
}

func (f *fakeProcessor) AddInvoiceItem(context.Context, string, string, string, int64, string) error {
	return nil
}

func (f *fakeProcessor) FinalizeInvoice(_ context.Context, id string) (*paymentdomain.Invoice, error) {
	return &paymentdomain.Invoice{ID: id, Status: "open"}, nil
}

func (f *fakeProcessor) PayInvoice(_ context.Context, id string) (*paymentdomain.Invoice, error) {
	return &paymentdomain.Invoice{ID: id, Status: "paid"}, nil
}

func (f *fakeProcessor) VoidInvoice(context.Context, string) error { return nil }

type attachEnv struct {
	svc   domain.Service
	db    *gorm.DB
	node  *snowflake.Node
	clock *clock.FakeClock
	proc  *fakeProcessor
	orgID snowflake.ID
}

func newAttachEnv(t *testing.T) *attachEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&customerdomain.Customer{},
		&featuredomain.Feature{},
		&productdomain.Product{},
		&productdomain.Entitlement{},
		&pricedomain.Price{},
		&cpdomain.CustomerProduct{},
		&ledgerdomain.CustomerEntitlement{},
	))

	node, err := snowflake.NewNode(11)
	require.NoError(t, err)
	now := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	fake := clock.NewFakeClock(now)
	proc := newFakeProcessor(now.AddDate(0, 1, 0))

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
		Metrics:      metrics.New(prometheus.NewRegistry()),
		Processor:    proc,
		CustomerRepo: customerrepo.Provide(),
		ProductRepo:  productrepo.Provide(),
		PriceRepo:    pricerepo.Provide(),
		FeatureRepo:  featurerepo.Provide(),
		CPRepo:       cprepo.Provide(),
		LedgerRepo:   ledgerrepo.Provide(),
		Ledger:       ledgerSvc,
	})

	return &attachEnv{svc: svc, db: db, node: node, clock: fake, proc: proc, orgID: node.Generate()}
}

func (e *attachEnv) ctx() context.Context {
	return orgcontext.WithOrgID(context.Background(), e.orgID)
}

func (e *attachEnv) createCustomer(t *testing.T) *customerdomain.Customer {
	t.Helper()
	c := &customerdomain.Customer{
		ID:    e.node.Generate(),
		OrgID: e.orgID,
		Env:   "live",
		Name:  "Acme",
		Email: "billing@acme.test",
	}
	require.NoError(t, e.db.Create(c).Error)
	return c
}

func (e *attachEnv) createFeature(t *testing.T, code string) *featuredomain.Feature {
	t.Helper()
	f := &featuredomain.Feature{
		ID:    e.node.Generate(),
		OrgID: e.orgID,
		Env:   "live",
		Code:  code,
		Name:  code,
		Type:  featuredomain.FeatureTypeMetered,
	}
	require.NoError(t, e.db.Create(f).Error)
	return f
}

type productSpec struct {
	code      string
	feature   *featuredomain.Feature
	allowance float64
	carry     bool
	amount    int64
	priceID   string
}

func (e *attachEnv) createProduct(t *testing.T, spec productSpec) *productdomain.Product {
	t.Helper()
	p := &productdomain.Product{
		ID:    e.node.Generate(),
		OrgID: e.orgID,
		Env:   "live",
		Code:  spec.code,
		Name:  spec.code,
	}
	require.NoError(t, e.db.Create(p).Error)

	if spec.feature != nil {
		require.NoError(t, e.db.Create(&productdomain.Entitlement{
			ID:                e.node.Generate(),
			OrgID:             e.orgID,
			ProductID:         p.ID,
			FeatureID:         spec.feature.ID,
			AllowanceType:     productdomain.AllowanceFixed,
			Allowance:         &spec.allowance,
			ResetInterval:     productdomain.ResetMonth,
			CarryFromPrevious: spec.carry,
		}).Error)
	}
	if spec.amount > 0 {
		require.NoError(t, e.db.Create(&pricedomain.Price{
			ID:               e.node.Generate(),
			OrgID:            e.orgID,
			ProductID:        p.ID,
			Kind:             pricedomain.KindFixed,
			Interval:         pricedomain.IntervalMonth,
			Amount:           spec.amount,
			Currency:         "USD",
			ProcessorPriceID: &spec.priceID,
		}).Error)
	}
	return p
}

func (e *attachEnv) reloadCP(t *testing.T, id snowflake.ID) *cpdomain.CustomerProduct {
	t.Helper()
	var cp cpdomain.CustomerProduct
	require.NoError(t, e.db.Where("id = ?", id).First(&cp).Error)
	return &cp
}

func (e *attachEnv) ledgerRows(t *testing.T, cpID string) []ledgerdomain.CustomerEntitlement {
	t.Helper()
	var rows []ledgerdomain.CustomerEntitlement
	require.NoError(t, e.db.Where("customer_product_id = ?", cpID).Find(&rows).Error)
	return rows
}

func TestAttach_FreshFreeProduct(t *testing.T) {
	env := newAttachEnv(t)
	customer := env.createCustomer(t)
	feature := env.createFeature(t, "api_calls")
	product := env.createProduct(t, productSpec{code: "free", feature: feature, allowance: 100})

	resp, err := env.svc.Attach(env.ctx(), domain.Request{
		CustomerID: customer.ID.String(),
		ProductID:  product.ID.String(),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionCreatedFree, resp.Decision)
	assert.Empty(t, resp.SubscriptionID)
	assert.Zero(t, env.proc.customers)

	rows := env.ledgerRows(t, resp.CustomerProductID)
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].Balance)
	assert.Equal(t, 100.0, *rows[0].Balance)
}

func TestAttach_FreshPaidProduct(t *testing.T) {
	env := newAttachEnv(t)
	customer := env.createCustomer(t)
	feature := env.createFeature(t, "api_calls")
	product := env.createProduct(t, productSpec{
		code: "pro", feature: feature, allowance: 1000, amount: 2000, priceID: "price_pro",
	})

	resp, err := env.svc.Attach(env.ctx(), domain.Request{
		CustomerID: customer.ID.String(),
		ProductID:  product.ID.String(),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionCreatedPaid, resp.Decision)
	assert.Equal(t, "sub_1", resp.SubscriptionID)

	cpID, err := snowflake.ParseString(resp.CustomerProductID)
	require.NoError(t, err)
	cp := env.reloadCP(t, cpID)
	require.NotNil(t, cp.ProcessorSubscriptionID)
	assert.Equal(t, "sub_1", *cp.ProcessorSubscriptionID)

	// The processor customer is created lazily and persisted.
	var got customerdomain.Customer
	require.NoError(t, env.db.Where("id = ?", customer.ID).First(&got).Error)
	require.NotNil(t, got.ProcessorCustomerID)
	assert.Equal(t, "cus_1", *got.ProcessorCustomerID)
}

func TestAttach_RepeatIsNoOp(t *testing.T) {
	env := newAttachEnv(t)
	customer := env.createCustomer(t)
	feature := env.createFeature(t, "api_calls")
	product := env.createProduct(t, productSpec{code: "free", feature: feature, allowance: 100})

	req := domain.Request{CustomerID: customer.ID.String(), ProductID: product.ID.String()}

	first, err := env.svc.Attach(env.ctx(), req)
	require.NoError(t, err)
	second, err := env.svc.Attach(env.ctx(), req)
	require.NoError(t, err)

	assert.Equal(t, domain.DecisionNoOp, second.Decision)
	assert.Equal(t, first.CustomerProductID, second.CustomerProductID)

	var n int64
	require.NoError(t, env.db.Model(&cpdomain.CustomerProduct{}).Count(&n).Error)
	assert.EqualValues(t, 1, n)
}

func TestAttach_UpgradeCarriesConsumption(t *testing.T) {
	env := newAttachEnv(t)
	customer := env.createCustomer(t)
	feature := env.createFeature(t, "api_calls")
	starter := env.createProduct(t, productSpec{
		code: "starter", feature: feature, allowance: 10, amount: 1000, priceID: "price_starter",
	})
	pro := env.createProduct(t, productSpec{
		code: "pro", feature: feature, allowance: 20, carry: true, amount: 2000, priceID: "price_pro",
	})

	resp, err := env.svc.Attach(env.ctx(), domain.Request{
		CustomerID: customer.ID.String(), ProductID: starter.ID.String(),
	})
	require.NoError(t, err)

	// Consume 7 of the starter allowance before upgrading.
	rows := env.ledgerRows(t, resp.CustomerProductID)
	require.Len(t, rows, 1)
	require.NoError(t, env.db.Model(&rows[0]).Update("balance", 3).Error)

	upgraded, err := env.svc.Attach(env.ctx(), domain.Request{
		CustomerID: customer.ID.String(), ProductID: pro.ID.String(),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionUpgraded, upgraded.Decision)
	assert.Equal(t, "sub_1", upgraded.SubscriptionID)

	oldID, err := snowflake.ParseString(resp.CustomerProductID)
	require.NoError(t, err)
	assert.Equal(t, cpdomain.StatusExpired, env.reloadCP(t, oldID).Status)
	assert.Empty(t, env.ledgerRows(t, resp.CustomerProductID))

	newRows := env.ledgerRows(t, upgraded.CustomerProductID)
	require.Len(t, newRows, 1)
	require.NotNil(t, newRows[0].Balance)
	assert.Equal(t, 13.0, *newRows[0].Balance)

	// The subscription was re-pointed, not recreated.
	assert.Equal(t, 1, env.proc.subSeq)
	sub := env.proc.subs["sub_1"]
	require.Len(t, sub.Items, 1)
	assert.Equal(t, "price_pro", sub.Items[0].PriceID)
}

func TestAttach_DowngradeIsScheduled(t *testing.T) {
	env := newAttachEnv(t)
	customer := env.createCustomer(t)
	feature := env.createFeature(t, "api_calls")
	pro := env.createProduct(t, productSpec{
		code: "pro", feature: feature, allowance: 1000, amount: 2000, priceID: "price_pro",
	})
	starter := env.createProduct(t, productSpec{
		code: "starter", feature: feature, allowance: 10, amount: 1000, priceID: "price_starter",
	})

	resp, err := env.svc.Attach(env.ctx(), domain.Request{
		CustomerID: customer.ID.String(), ProductID: pro.ID.String(),
	})
	require.NoError(t, err)

	downgraded, err := env.svc.Attach(env.ctx(), domain.Request{
		CustomerID: customer.ID.String(), ProductID: starter.ID.String(),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionDowngraded, downgraded.Decision)
	assert.Equal(t, "sch_1", downgraded.ScheduleID)
	require.NotNil(t, downgraded.EffectiveAt)
	assert.Equal(t, env.proc.periodEnd, downgraded.EffectiveAt.UTC())

	// The live product keeps running to the period boundary.
	currentID, err := snowflake.ParseString(resp.CustomerProductID)
	require.NoError(t, err)
	current := env.reloadCP(t, currentID)
	assert.Equal(t, cpdomain.StatusActive, current.Status)
	require.NotNil(t, current.CanceledAt)

	scheduledID, err := snowflake.ParseString(downgraded.CustomerProductID)
	require.NoError(t, err)
	scheduled := env.reloadCP(t, scheduledID)
	assert.Equal(t, cpdomain.StatusScheduled, scheduled.Status)
	assert.Equal(t, env.proc.periodEnd.Unix(), scheduled.StartsAt.Unix())

	// Cancel at period end, not immediately; no entitlements until the
	// webhook confirms the boundary.
	assert.True(t, env.proc.canceled["sub_1"])
	assert.Empty(t, env.ledgerRows(t, downgraded.CustomerProductID))

	require.Len(t, env.proc.schedules, 1)
	assert.Equal(t, []string{"price_starter"}, env.proc.schedules[0].PriceIDs)
}

func TestAttach_TrialRestart(t *testing.T) {
	env := newAttachEnv(t)
	customer := env.createCustomer(t)
	feature := env.createFeature(t, "api_calls")
	pro := env.createProduct(t, productSpec{
		code: "pro", feature: feature, allowance: 1000, amount: 2000, priceID: "price_pro",
	})
	team := env.createProduct(t, productSpec{
		code: "team", feature: feature, allowance: 5000, amount: 5000, priceID: "price_team",
	})

	resp, err := env.svc.Attach(env.ctx(), domain.Request{
		CustomerID: customer.ID.String(), ProductID: pro.ID.String(), TrialDays: 14,
	})
	require.NoError(t, err)

	restarted, err := env.svc.Attach(env.ctx(), domain.Request{
		CustomerID: customer.ID.String(), ProductID: team.ID.String(),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionTrialRestart, restarted.Decision)
	assert.Equal(t, "sub_2", restarted.SubscriptionID)

	// The trial subscription is torn down immediately.
	atPeriodEnd, canceled := env.proc.canceled["sub_1"]
	require.True(t, canceled)
	assert.False(t, atPeriodEnd)

	oldID, err := snowflake.ParseString(resp.CustomerProductID)
	require.NoError(t, err)
	assert.Equal(t, cpdomain.StatusExpired, env.reloadCP(t, oldID).Status)
}

func TestAttach_ProcessorFailureLeavesNoRows(t *testing.T) {
	env := newAttachEnv(t)
	customer := env.createCustomer(t)
	feature := env.createFeature(t, "api_calls")
	product := env.createProduct(t, productSpec{
		code: "pro", feature: feature, allowance: 1000, amount: 2000, priceID: "price_pro",
	})
	env.proc.failOnSub = paymentdomain.ErrNoPaymentMethod

	_, err := env.svc.Attach(env.ctx(), domain.Request{
		CustomerID: customer.ID.String(), ProductID: product.ID.String(),
	})
	assert.ErrorIs(t, err, paymentdomain.ErrNoPaymentMethod)

	var n int64
	require.NoError(t, env.db.Model(&cpdomain.CustomerProduct{}).Count(&n).Error)
	assert.Zero(t, n)
	require.NoError(t, env.db.Model(&ledgerdomain.CustomerEntitlement{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestAttach_UnknownCustomer(t *testing.T) {
	env := newAttachEnv(t)
	feature := env.createFeature(t, "api_calls")
	product := env.createProduct(t, productSpec{code: "free", feature: feature, allowance: 100})

	_, err := env.svc.Attach(env.ctx(), domain.Request{
		CustomerID: env.node.Generate().String(),
		ProductID:  product.ID.String(),
	})
	assert.ErrorIs(t, err, domain.ErrCustomerNotFound)

	_, err = env.svc.Attach(env.ctx(), domain.Request{CustomerID: "nope", ProductID: product.ID.String()})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}
