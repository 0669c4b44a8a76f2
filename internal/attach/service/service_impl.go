package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/meterline/meterline/internal/attach/domain"
	"github.com/meterline/meterline/internal/clock"
	customerdomain "github.com/meterline/meterline/internal/customer/domain"
	cpdomain "github.com/meterline/meterline/internal/customerproduct/domain"
	featuredomain "github.com/meterline/meterline/internal/feature/domain"
	ledgerdomain "github.com/meterline/meterline/internal/ledger/domain"
	ledgerservice "github.com/meterline/meterline/internal/ledger/service"
	"github.com/meterline/meterline/internal/locker"
	"github.com/meterline/meterline/internal/observability/metrics"
	"github.com/meterline/meterline/internal/orgcontext"
	paymentdomain "github.com/meterline/meterline/internal/payment/domain"
	pricedomain "github.com/meterline/meterline/internal/price/domain"
	productdomain "github.com/meterline/meterline/internal/product/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const lockTTL = 30 * time.Second

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	Clock        clock.Clock
	GenID        *snowflake.Node
	Locker       *locker.Locker `optional:"true"`
	Metrics      *metrics.Metrics
	Processor    paymentdomain.ProcessorClient
	CustomerRepo customerdomain.Repository
	ProductRepo  productdomain.Repository
	PriceRepo    pricedomain.Repository
	FeatureRepo  featuredomain.Repository
	CPRepo       cpdomain.Repository
	LedgerRepo   ledgerdomain.Repository
	Ledger       *ledgerservice.Service
}

// Service orchestrates product changes. Any processor failure aborts the
// whole request: a paid attach creates no ledger rows unless the processor
// call succeeded first.
type Service struct {
	db           *gorm.DB
	log          *zap.Logger
	clock        clock.Clock
	genID        *snowflake.Node
	locker       *locker.Locker
	metrics      *metrics.Metrics
	processor    paymentdomain.ProcessorClient
	customerRepo customerdomain.Repository
	productRepo  productdomain.Repository
	priceRepo    pricedomain.Repository
	featureRepo  featuredomain.Repository
	cpRepo       cpdomain.Repository
	ledgerRepo   ledgerdomain.Repository
	ledger       *ledgerservice.Service
}

func New(p Params) domain.Service {
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("attach.service"),
		clock:        p.Clock,
		genID:        p.GenID,
		locker:       p.Locker,
		metrics:      p.Metrics,
		processor:    p.Processor,
		customerRepo: p.CustomerRepo,
		productRepo:  p.ProductRepo,
		priceRepo:    p.PriceRepo,
		featureRepo:  p.FeatureRepo,
		cpRepo:       p.CPRepo,
		ledgerRepo:   p.LedgerRepo,
		ledger:       p.Ledger,
	}
}

func (s *Service) Attach(ctx context.Context, req domain.Request) (*domain.Response, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}

	customerID, err := snowflake.ParseString(strings.TrimSpace(req.CustomerID))
	if err != nil {
		return nil, domain.ErrInvalidRequest
	}
	productID, err := snowflake.ParseString(strings.TrimSpace(req.ProductID))
	if err != nil {
		return nil, domain.ErrInvalidRequest
	}

	if s.locker != nil {
		lockKey := fmt.Sprintf("attach:%s:%s", orgID, customerID)
		token, locked, err := s.locker.TryLock(ctx, lockKey, lockTTL)
		if err != nil {
			return nil, err
		}
		if !locked {
			return nil, domain.ErrChangeInFlight
		}
		defer func() {
			if releaseErr := s.locker.Release(context.WithoutCancel(ctx), lockKey, token); releaseErr != nil {
				s.log.Warn("releasing attach lock failed", zap.Error(releaseErr))
			}
		}()
	}

	resp, err := s.attach(ctx, orgID, customerID, productID, req)
	decision := "error"
	if resp != nil {
		decision = string(resp.Decision)
	}
	s.metrics.AttachRequests.WithLabelValues(decision).Inc()
	return resp, err
}

func (s *Service) attach(ctx context.Context, orgID, customerID, productID snowflake.ID, req domain.Request) (*domain.Response, error) {
	customer, err := s.customerRepo.FindByID(ctx, s.db, orgID, customerID)
	if err != nil {
		return nil, err
	}
	if customer == nil {
		return nil, domain.ErrCustomerNotFound
	}

	product, err := s.productRepo.FindByID(ctx, s.db, orgID, productID)
	if err != nil {
		return nil, err
	}
	if product == nil || product.Archived {
		return nil, domain.ErrProductNotFound
	}

	entitlements, err := s.productRepo.ListEntitlements(ctx, s.db, orgID, productID)
	if err != nil {
		return nil, err
	}
	prices, err := s.priceRepo.ListByProduct(ctx, s.db, orgID, productID)
	if err != nil {
		return nil, err
	}

	current, err := s.cpRepo.FindCurrent(ctx, s.db, orgID, customerID)
	if err != nil {
		return nil, err
	}

	// Idempotent attach: the product is already live and nothing changes.
	if current != nil && current.ProductID == productID {
		return &domain.Response{
			Decision:          domain.DecisionNoOp,
			CustomerProductID: current.ID.String(),
		}, nil
	}

	if scheduled, err := s.cpRepo.FindScheduled(ctx, s.db, orgID, customerID); err != nil {
		return nil, err
	} else if scheduled != nil && scheduled.ProductID == productID {
		return &domain.Response{
			Decision:          domain.DecisionNoOp,
			CustomerProductID: scheduled.ID.String(),
			EffectiveAt:       &scheduled.StartsAt,
		}, nil
	}

	options := cpdomain.Options{
		Quantities: req.Quantities,
		Thresholds: req.Thresholds,
		TrialDays:  req.TrialDays,
	}

	switch {
	case current == nil:
		return s.attachFresh(ctx, customer, product, entitlements, prices, options, nil, false)

	case current.OnTrial(s.clock.Now().UTC()):
		return s.restartFromTrial(ctx, customer, current, product, entitlements, prices, options)

	default:
		currentPrices, err := s.priceRepo.ListByProduct(ctx, s.db, orgID, current.ProductID)
		if err != nil {
			return nil, err
		}
		if monthlyBase(prices) < monthlyBase(currentPrices) {
			return s.scheduleDowngrade(ctx, customer, current, product, prices, options)
		}
		return s.upgrade(ctx, customer, current, product, entitlements, prices, options, req.KeepResetIntervals)
	}
}

// attachFresh creates the CustomerProduct and its ledger rows. For a paid
// product the processor subscription comes first; local rows exist only
// after the processor accepted the subscription.
func (s *Service) attachFresh(
	ctx context.Context,
	customer *customerdomain.Customer,
	product *productdomain.Product,
	entitlements []productdomain.Entitlement,
	prices []pricedomain.Price,
	options cpdomain.Options,
	previous []ledgerdomain.CustomerEntitlement,
	keepResetIntervals bool,
) (*domain.Response, error) {
	now := s.clock.Now().UTC()

	var subscription *paymentdomain.Subscription
	if hasBillNowPrice(prices) {
		processorCustomerID, err := s.ensureProcessorCustomer(ctx, customer)
		if err != nil {
			return nil, err
		}

		subReq := paymentdomain.CreateSubscriptionRequest{
			CustomerID: processorCustomerID,
			PriceIDs:   processorPriceIDs(prices, false),
			Metadata: map[string]string{
				"org_id":      customer.OrgID.String(),
				"customer_id": customer.ID.String(),
				"product_id":  product.ID.String(),
			},
		}
		if options.TrialDays > 0 {
			trialEnd := now.AddDate(0, 0, options.TrialDays)
			subReq.TrialEnd = &trialEnd
		}

		subscription, err = s.processor.CreateSubscription(ctx, subReq)
		if err != nil {
			return nil, err
		}
	}

	cp := &cpdomain.CustomerProduct{
		ID:         s.genID.Generate(),
		OrgID:      customer.OrgID,
		Env:        customer.Env,
		CustomerID: customer.ID,
		ProductID:  product.ID,
		Status:     cpdomain.StatusActive,
		StartsAt:   now,
		Options:    datatypes.NewJSONType(options),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if subscription != nil {
		cp.ProcessorSubscriptionID = &subscription.ID
		cp.TrialEndsAt = subscription.TrialEnd
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.cpRepo.Create(ctx, tx, cp); err != nil {
			return err
		}
		inputs, err := s.ledgerInputs(ctx, tx, customer.OrgID, entitlements, prices)
		if err != nil {
			return err
		}
		_, err = s.ledger.InitForProduct(ctx, tx, cp, inputs, previous, keepResetIntervals)
		return err
	})
	if err != nil {
		return nil, err
	}

	resp := &domain.Response{
		Decision:          domain.DecisionCreatedFree,
		CustomerProductID: cp.ID.String(),
	}
	if subscription != nil {
		resp.Decision = domain.DecisionCreatedPaid
		resp.SubscriptionID = subscription.ID
	}
	return resp, nil
}

// upgrade swaps the live subscription's items in place, then replaces the
// CustomerProduct and re-initializes entitlements with carry-forward. A free
// current product has no real subscription to modify and is handled as a
// fresh add.
func (s *Service) upgrade(
	ctx context.Context,
	customer *customerdomain.Customer,
	current *cpdomain.CustomerProduct,
	product *productdomain.Product,
	entitlements []productdomain.Entitlement,
	prices []pricedomain.Price,
	options cpdomain.Options,
	keepResetIntervals bool,
) (*domain.Response, error) {
	now := s.clock.Now().UTC()

	previous, err := s.ledgerRepo.ListByCustomerProduct(ctx, s.db, customer.OrgID, current.ID)
	if err != nil {
		return nil, err
	}

	if current.Free() {
		resp, err := s.attachFresh(ctx, customer, product, entitlements, prices, options, previous, keepResetIntervals)
		if err != nil {
			return nil, err
		}
		if expireErr := s.expireCustomerProduct(ctx, current, now); expireErr != nil {
			return nil, expireErr
		}
		resp.Decision = domain.DecisionUpgraded
		return resp, nil
	}

	sub, err := s.processor.GetSubscription(ctx, *current.ProcessorSubscriptionID)
	if err != nil {
		return nil, err
	}

	removeItemIDs := make([]string, 0, len(sub.Items))
	for _, item := range sub.Items {
		removeItemIDs = append(removeItemIDs, item.ID)
	}
	updateReq := paymentdomain.UpdateItemsRequest{
		SubscriptionID: sub.ID,
		RemoveItemIDs:  removeItemIDs,
		AddPriceIDs:    processorPriceIDs(prices, false),
	}
	// An unfinished trial travels to the new items instead of restarting.
	if current.TrialEndsAt != nil && current.TrialEndsAt.After(now) {
		updateReq.TrialEnd = current.TrialEndsAt
	}

	updated, err := s.processor.UpdateSubscriptionItems(ctx, updateReq)
	if err != nil {
		return nil, err
	}

	cp := &cpdomain.CustomerProduct{
		ID:                      s.genID.Generate(),
		OrgID:                   customer.OrgID,
		Env:                     customer.Env,
		CustomerID:              customer.ID,
		ProductID:               product.ID,
		Status:                  cpdomain.StatusActive,
		StartsAt:                now,
		TrialEndsAt:             updateReq.TrialEnd,
		ProcessorSubscriptionID: &updated.ID,
		Options:                 datatypes.NewJSONType(options),
		CreatedAt:               now,
		UpdatedAt:               now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.cpRepo.Transition(ctx, tx, current.ID, current.Status, cpdomain.StatusExpired, now); err != nil {
			return err
		}
		if err := s.ledgerRepo.DeleteByCustomerProduct(ctx, tx, customer.OrgID, current.ID); err != nil {
			return err
		}
		if err := s.cpRepo.Create(ctx, tx, cp); err != nil {
			return err
		}
		inputs, err := s.ledgerInputs(ctx, tx, customer.OrgID, entitlements, prices)
		if err != nil {
			return err
		}
		_, err = s.ledger.InitForProduct(ctx, tx, cp, inputs, previous, keepResetIntervals)
		return err
	})
	if err != nil {
		return nil, err
	}

	return &domain.Response{
		Decision:          domain.DecisionUpgraded,
		CustomerProductID: cp.ID.String(),
		SubscriptionID:    updated.ID,
	}, nil
}

// scheduleDowngrade never switches immediately: the live product runs to its
// period end, a processor schedule starts the new product at that boundary,
// and a Scheduled CustomerProduct waits for webhook confirmation.
func (s *Service) scheduleDowngrade(
	ctx context.Context,
	customer *customerdomain.Customer,
	current *cpdomain.CustomerProduct,
	product *productdomain.Product,
	prices []pricedomain.Price,
	options cpdomain.Options,
) (*domain.Response, error) {
	now := s.clock.Now().UTC()

	if current.ProcessorSubscriptionID == nil {
		return nil, domain.ErrInvalidRequest
	}
	sub, err := s.processor.GetSubscription(ctx, *current.ProcessorSubscriptionID)
	if err != nil {
		return nil, err
	}
	periodEnd := sub.CurrentPeriodEnd
	if periodEnd.IsZero() {
		periodEnd = now
	}

	if err := s.processor.CancelSubscription(ctx, sub.ID, true); err != nil {
		return nil, err
	}

	processorCustomerID, err := s.ensureProcessorCustomer(ctx, customer)
	if err != nil {
		return nil, err
	}
	scheduleID, err := s.processor.CreateSchedule(ctx, paymentdomain.CreateScheduleRequest{
		CustomerID: processorCustomerID,
		PriceIDs:   processorPriceIDs(prices, false),
		StartsAt:   periodEnd,
		Metadata: map[string]string{
			"org_id":      customer.OrgID.String(),
			"customer_id": customer.ID.String(),
			"product_id":  product.ID.String(),
		},
	})
	if err != nil {
		return nil, err
	}

	cp := &cpdomain.CustomerProduct{
		ID:                   s.genID.Generate(),
		OrgID:                customer.OrgID,
		Env:                  customer.Env,
		CustomerID:           customer.ID,
		ProductID:            product.ID,
		Status:               cpdomain.StatusScheduled,
		StartsAt:             periodEnd,
		ProcessorScheduleIDs: datatypes.NewJSONSlice([]string{scheduleID}),
		Options:              datatypes.NewJSONType(options),
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.cpRepo.Create(ctx, s.db, cp); err != nil {
		return nil, err
	}

	canceledAt := now
	current.CanceledAt = &canceledAt
	current.UpdatedAt = now
	if err := s.cpRepo.Update(ctx, s.db, current); err != nil {
		return nil, err
	}

	return &domain.Response{
		Decision:          domain.DecisionDowngraded,
		CustomerProductID: cp.ID.String(),
		ScheduleID:        scheduleID,
		EffectiveAt:       &periodEnd,
	}, nil
}

// restartFromTrial cancels the trial subscription outright and starts a
// fresh one; trials are never partially prorated.
func (s *Service) restartFromTrial(
	ctx context.Context,
	customer *customerdomain.Customer,
	current *cpdomain.CustomerProduct,
	product *productdomain.Product,
	entitlements []productdomain.Entitlement,
	prices []pricedomain.Price,
	options cpdomain.Options,
) (*domain.Response, error) {
	now := s.clock.Now().UTC()

	if current.ProcessorSubscriptionID != nil {
		if err := s.processor.CancelSubscription(ctx, *current.ProcessorSubscriptionID, false); err != nil {
			return nil, err
		}
	}

	previous, err := s.ledgerRepo.ListByCustomerProduct(ctx, s.db, customer.OrgID, current.ID)
	if err != nil {
		return nil, err
	}
	resp, err := s.attachFresh(ctx, customer, product, entitlements, prices, options, previous, false)
	if err != nil {
		return nil, err
	}
	if err := s.expireCustomerProduct(ctx, current, now); err != nil {
		return nil, err
	}
	resp.Decision = domain.DecisionTrialRestart
	return resp, nil
}

func (s *Service) expireCustomerProduct(ctx context.Context, cp *cpdomain.CustomerProduct, now time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.cpRepo.Transition(ctx, tx, cp.ID, cp.Status, cpdomain.StatusExpired, now); err != nil {
			return err
		}
		return s.ledgerRepo.DeleteByCustomerProduct(ctx, tx, cp.OrgID, cp.ID)
	})
}

func (s *Service) ensureProcessorCustomer(ctx context.Context, customer *customerdomain.Customer) (string, error) {
	if customer.ProcessorCustomerID != nil && *customer.ProcessorCustomerID != "" {
		return *customer.ProcessorCustomerID, nil
	}
	processorID, err := s.processor.EnsureCustomer(ctx, customer.Name, customer.Email, customer.ID.String())
	if err != nil {
		return "", err
	}
	customer.ProcessorCustomerID = &processorID
	customer.UpdatedAt = s.clock.Now().UTC()
	if err := s.customerRepo.Update(ctx, s.db, customer); err != nil {
		return "", err
	}
	return processorID, nil
}

// ledgerInputs joins entitlement templates with their feature and any usage
// price describing the same feature.
func (s *Service) ledgerInputs(
	ctx context.Context,
	tx *gorm.DB,
	orgID snowflake.ID,
	entitlements []productdomain.Entitlement,
	prices []pricedomain.Price,
) ([]ledgerservice.InitInput, error) {
	featureIDs := make([]snowflake.ID, 0, len(entitlements))
	for _, ent := range entitlements {
		featureIDs = append(featureIDs, ent.FeatureID)
	}
	features, err := s.featureRepo.ListByIDs(ctx, tx, orgID, featureIDs)
	if err != nil {
		return nil, err
	}
	featureByID := make(map[snowflake.ID]*featuredomain.Feature, len(features))
	for i := range features {
		featureByID[features[i].ID] = &features[i]
	}

	inputs := make([]ledgerservice.InitInput, 0, len(entitlements))
	for _, ent := range entitlements {
		f := featureByID[ent.FeatureID]
		if f == nil {
			s.log.Warn("entitlement references missing feature, skipping",
				zap.String("entitlement_id", ent.ID.String()),
				zap.String("feature_id", ent.FeatureID.String()))
			continue
		}
		in := ledgerservice.InitInput{
			Entitlement: ent,
			FeatureCode: f.Code,
			FeatureType: f.Type,
		}
		for i := range prices {
			p := &prices[i]
			if p.FeatureID != nil && *p.FeatureID == ent.FeatureID && p.Kind.Usage() {
				in.RelatedPrice = p
				break
			}
		}
		inputs = append(inputs, in)
	}
	return inputs, nil
}

// monthlyBase normalizes a product's recurring bill-now total to a monthly
// amount for the upgrade/downgrade comparison.
func monthlyBase(prices []pricedomain.Price) int64 {
	var total int64
	for _, p := range prices {
		if !p.Kind.BillsNow() {
			continue
		}
		switch p.Interval {
		case pricedomain.IntervalYear:
			total += p.Amount / 12
		default:
			total += p.Amount
		}
	}
	return total
}

func hasBillNowPrice(prices []pricedomain.Price) bool {
	for _, p := range prices {
		if p.Kind.BillsNow() {
			return true
		}
	}
	return false
}

func processorPriceIDs(prices []pricedomain.Price, billNowOnly bool) []string {
	var ids []string
	for _, p := range prices {
		if billNowOnly && !p.Kind.BillsNow() {
			continue
		}
		if p.ProcessorPriceID != nil && *p.ProcessorPriceID != "" {
			ids = append(ids, *p.ProcessorPriceID)
		}
	}
	return ids
}
