// Package deduction consumes usage events and turns them into ledger
// mutations: resolving which features an event touches, converting credit
// schedules, walking entitlement rows in drain order, and routing whatever
// the allowances cannot absorb to the overage row.
package deduction

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/meterline/meterline/internal/clock"
	"github.com/meterline/meterline/internal/config"
	customerdomain "github.com/meterline/meterline/internal/customer/domain"
	cpdomain "github.com/meterline/meterline/internal/customerproduct/domain"
	featuredomain "github.com/meterline/meterline/internal/feature/domain"
	ledgerdomain "github.com/meterline/meterline/internal/ledger/domain"
	"github.com/meterline/meterline/internal/observability/metrics"
	"github.com/meterline/meterline/internal/orgcontext"
	pricedomain "github.com/meterline/meterline/internal/price/domain"
	"github.com/meterline/meterline/internal/proration"
	"github.com/meterline/meterline/internal/queue"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrInvalidEvent      = errors.New("invalid_usage_event")
	ErrNoMatchingFeature = errors.New("no_matching_feature")
)

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	Clock        clock.Clock
	Holder       *config.BillingConfigHolder
	Metrics      *metrics.Metrics
	FeatureRepo  featuredomain.Repository
	LedgerRepo   ledgerdomain.Repository
	CustomerRepo customerdomain.Repository
	CPRepo       cpdomain.Repository
	PriceRepo    pricedomain.Repository
	Proration    *proration.Service
}

type Engine struct {
	db           *gorm.DB
	log          *zap.Logger
	clock        clock.Clock
	holder       *config.BillingConfigHolder
	metrics      *metrics.Metrics
	featureRepo  featuredomain.Repository
	ledgerRepo   ledgerdomain.Repository
	customerRepo customerdomain.Repository
	cpRepo       cpdomain.Repository
	priceRepo    pricedomain.Repository
	proration    *proration.Service
}

func New(p Params) *Engine {
	return &Engine{
		db:           p.DB,
		log:          p.Log.Named("deduction.engine"),
		clock:        p.Clock,
		holder:       p.Holder,
		metrics:      p.Metrics,
		featureRepo:  p.FeatureRepo,
		ledgerRepo:   p.LedgerRepo,
		customerRepo: p.CustomerRepo,
		cpRepo:       p.CPRepo,
		priceRepo:    p.PriceRepo,
		proration:    p.Proration,
	}
}

type deduction struct {
	feature featuredomain.Feature
	amount  float64
}

// Apply processes one usage event end to end. A single entitlement's failure
// is logged and skipped rather than failing the whole event; only validation
// errors reach the caller.
func (e *Engine) Apply(ctx context.Context, event queue.UsageEvent) error {
	orgID, err := snowflake.ParseString(strings.TrimSpace(event.OrgID))
	if err != nil {
		return ErrInvalidEvent
	}
	customerID, err := snowflake.ParseString(strings.TrimSpace(event.CustomerID))
	if err != nil {
		return ErrInvalidEvent
	}
	if strings.TrimSpace(event.EventName) == "" {
		return ErrInvalidEvent
	}

	ctx = orgcontext.WithOrgID(ctx, orgID)
	if event.Env != "" {
		ctx = orgcontext.WithEnv(ctx, event.Env)
	}

	features, err := e.featureRepo.ListActive(ctx, e.db, orgID, orgcontext.EnvFromContext(ctx))
	if err != nil {
		return err
	}

	deductions := e.resolveDeductions(features, event)
	groupChanged := e.applyGroupChanges(ctx, orgID, customerID, event)

	if len(deductions) == 0 && !groupChanged {
		e.log.Warn("usage event matched no feature",
			zap.String("event_name", event.EventName),
			zap.String("customer_id", event.CustomerID))
		return ErrNoMatchingFeature
	}

	for _, d := range deductions {
		if err := e.applyFeature(ctx, orgID, customerID, d, event); err != nil {
			e.log.Error("feature deduction failed",
				zap.Error(err),
				zap.String("feature_code", d.feature.Code),
				zap.String("customer_id", event.CustomerID))
		}
	}
	return nil
}

// resolveDeductions computes the signed amount per relevant feature:
// metered features map the event value through their aggregation mode, and
// credit features convert each underlying metered deduction through their
// schedule. Credit entries sort last so conversions see the final metered
// amounts; the rest orders by feature id for determinism.
func (e *Engine) resolveDeductions(features []featuredomain.Feature, event queue.UsageEvent) []deduction {
	metered := make(map[string]float64)
	var out []deduction

	for i := range features {
		f := features[i]
		if f.Type == featuredomain.FeatureTypeCredit || !f.MatchesEvent(event.EventName) {
			continue
		}
		if f.Type == featuredomain.FeatureTypeBoolean {
			continue
		}
		amount := event.Value
		if f.AggregationType == featuredomain.AggregationCount {
			amount = 1
			if event.Value < 0 {
				amount = -1
			}
		}
		metered[f.Code] = amount
		out = append(out, deduction{feature: f, amount: amount})
	}

	for i := range features {
		f := features[i]
		if f.Type != featuredomain.FeatureTypeCredit {
			continue
		}
		total := 0.0
		touched := false
		for code, amount := range metered {
			rate := f.CreditRateFor(code)
			if rate == nil || rate.FeatureAmount == 0 {
				continue
			}
			total += amount / rate.FeatureAmount * rate.CreditAmount
			touched = true
		}
		if touched {
			out = append(out, deduction{feature: f, amount: total})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		ci := out[i].feature.Type == featuredomain.FeatureTypeCredit
		cj := out[j].feature.Type == featuredomain.FeatureTypeCredit
		if ci != cj {
			return !ci
		}
		return out[i].feature.ID < out[j].feature.ID
	})
	return out
}

// applyGroupChanges allocates and tombstones group slots on rows linked to
// the event's feature. It reports whether any slot changed.
func (e *Engine) applyGroupChanges(ctx context.Context, orgID, customerID snowflake.ID, event queue.UsageEvent) bool {
	if len(event.AddGroups) == 0 && len(event.RemoveGroups) == 0 {
		return false
	}

	rows, err := e.ledgerRepo.ListLinked(ctx, e.db, orgID, customerID, event.EventName)
	if err != nil {
		e.log.Error("loading linked rows failed", zap.Error(err))
		return false
	}

	changed := false
	for i := range rows {
		row := &rows[i]
		mutated := false
		for _, key := range event.AddGroups {
			perGroup := row.Allowance
			if row.AllocateGroup(key, copyFloat(perGroup)) {
				e.log.Debug("reused tombstoned group slot",
					zap.String("group", key),
					zap.String("customer_entitlement_id", row.ID.String()))
			}
			mutated = true
		}
		for _, key := range event.RemoveGroups {
			if row.TombstoneGroup(key) {
				mutated = true
			}
		}
		if !mutated {
			continue
		}
		if err := e.saveWithRetry(ctx, row, func(fresh *ledgerdomain.CustomerEntitlement) {
			for _, key := range event.AddGroups {
				fresh.AllocateGroup(key, copyFloat(fresh.Allowance))
			}
			for _, key := range event.RemoveGroups {
				fresh.TombstoneGroup(key)
			}
		}); err != nil {
			e.log.Error("group slot update failed", zap.Error(err),
				zap.String("customer_entitlement_id", row.ID.String()))
			continue
		}
		changed = true
	}
	return changed
}

// applyFeature drains the amount through the customer's rows for one
// feature: ordinary allowances first in drain order, leftover to the
// usage-allowed overage row, the rest logged as unbilled.
func (e *Engine) applyFeature(ctx context.Context, orgID, customerID snowflake.ID, d deduction, event queue.UsageEvent) error {
	rows, err := e.ledgerRepo.ListByFeature(ctx, e.db, orgID, customerID, d.feature.ID)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		e.log.Warn("no entitlement for feature, usage unbilled",
			zap.String("feature_code", d.feature.Code),
			zap.String("customer_id", customerID.String()))
		e.metrics.UnbilledLeftover.WithLabelValues(d.feature.Code).Add(abs(d.amount))
		return nil
	}

	groupKey := ""
	if d.feature.GroupBy != nil {
		groupKey = event.Properties[*d.feature.GroupBy]
	}

	remaining := d.amount
	var overage *ledgerdomain.CustomerEntitlement

	for i := range rows {
		row := &rows[i]
		if row.UsageAllowed {
			if overage == nil {
				overage = row
			}
			continue
		}
		if remaining == 0 {
			break
		}
		if e.rowExpired(ctx, row) {
			// The product swap won: this deduction's target is gone and the
			// replacement row's identity is unknown here. Lost update.
			e.log.Warn("deduction targeted expired product, dropping",
				zap.String("customer_entitlement_id", row.ID.String()),
				zap.String("feature_code", d.feature.Code))
			continue
		}

		applied, err := e.deductRow(ctx, row, groupKey, remaining)
		if err != nil {
			if errors.Is(err, ledgerdomain.ErrGroupNotFound) {
				continue
			}
			return err
		}
		remaining = applied.Leftover
		e.metrics.DeductionsApplied.WithLabelValues(string(d.feature.Type)).Inc()
		e.syncProration(ctx, row, applied)
		if remaining == 0 {
			break
		}
	}

	if remaining == 0 {
		return nil
	}

	if overage != nil && !e.rowExpired(ctx, overage) {
		before := copyFloat(overage.Balance)
		if err := e.saveWithRetry(ctx, overage, func(fresh *ledgerdomain.CustomerEntitlement) {
			fresh.Balance = ledgerdomain.AbsorbOverage(fresh.Balance, remaining)
		}); err != nil {
			return err
		}
		e.metrics.DeductionsApplied.WithLabelValues(string(d.feature.Type)).Inc()
		e.syncProration(ctx, overage, rowDelta{Before: before, After: copyFloat(overage.Balance)})
		return nil
	}

	// No metered price attached: the remainder is silently unbilled, but
	// never silently undetected.
	e.log.Warn("leftover usage has no overage entitlement, unbilled",
		zap.Float64("leftover", remaining),
		zap.String("feature_code", d.feature.Code),
		zap.String("customer_id", customerID.String()))
	e.metrics.UnbilledLeftover.WithLabelValues(d.feature.Code).Add(abs(remaining))
	return nil
}

type rowDelta struct {
	Before   *float64
	After    *float64
	Leftover float64
}

// deductRow applies the deduction law to one row under optimistic
// concurrency, reloading and reapplying on version conflicts up to the
// configured bound.
func (e *Engine) deductRow(ctx context.Context, row *ledgerdomain.CustomerEntitlement, groupKey string, amount float64) (rowDelta, error) {
	var delta rowDelta
	err := e.saveWithRetryResult(ctx, row, func(fresh *ledgerdomain.CustomerEntitlement) error {
		balance, ok := fresh.BalanceFor(groupKey)
		if !ok {
			return ledgerdomain.ErrGroupNotFound
		}
		res := ledgerdomain.ApplyBalanceDeduction(balance, amount)
		fresh.SetBalanceFor(groupKey, res.NewBalance)
		delta = rowDelta{Before: copyFloat(balance), After: copyFloat(res.NewBalance), Leftover: res.Leftover}
		return nil
	})
	return delta, err
}

func (e *Engine) saveWithRetry(ctx context.Context, row *ledgerdomain.CustomerEntitlement, mutate func(*ledgerdomain.CustomerEntitlement)) error {
	return e.saveWithRetryResult(ctx, row, func(fresh *ledgerdomain.CustomerEntitlement) error {
		mutate(fresh)
		return nil
	})
}

func (e *Engine) saveWithRetryResult(ctx context.Context, row *ledgerdomain.CustomerEntitlement, mutate func(*ledgerdomain.CustomerEntitlement) error) error {
	maxRetries := e.holder.Get().DeductionMaxRetries

	current := row
	for attempt := 0; ; attempt++ {
		if err := mutate(current); err != nil {
			return err
		}
		err := e.ledgerRepo.Save(ctx, e.db, current)
		if err == nil {
			*row = *current
			return nil
		}
		if !errors.Is(err, ledgerdomain.ErrConflict) {
			return err
		}
		e.metrics.DeductionConflicts.Inc()
		if attempt+1 >= maxRetries {
			return err
		}
		fresh, loadErr := e.ledgerRepo.FindByID(ctx, e.db, current.OrgID, current.ID)
		if loadErr != nil {
			return loadErr
		}
		if fresh == nil {
			return ledgerdomain.ErrNotFound
		}
		current = fresh
	}
}

func (e *Engine) rowExpired(ctx context.Context, row *ledgerdomain.CustomerEntitlement) bool {
	cp, err := e.cpRepo.FindByID(ctx, e.db, row.OrgID, row.CustomerProductID)
	if err != nil || cp == nil {
		return true
	}
	return cp.Status == cpdomain.StatusExpired
}

// syncProration notifies the adapter when the mutated row bills through a
// prorated in-arrear price. Processor failures are logged, never propagated:
// the usage already happened and the balance stays mutated.
func (e *Engine) syncProration(ctx context.Context, row *ledgerdomain.CustomerEntitlement, delta rowDelta) {
	cp, err := e.cpRepo.FindByID(ctx, e.db, row.OrgID, row.CustomerProductID)
	if err != nil || cp == nil {
		return
	}
	price, err := e.priceRepo.FindUsagePrice(ctx, e.db, row.OrgID, cp.ProductID, row.FeatureID)
	if err != nil || price == nil || price.Kind != pricedomain.KindUsageInArrearProrated {
		return
	}

	processorCustomerID := ""
	if customer, err := e.customerRepo.FindByID(ctx, e.db, row.OrgID, row.CustomerID); err == nil && customer != nil && customer.ProcessorCustomerID != nil {
		processorCustomerID = *customer.ProcessorCustomerID
	}

	if err := e.proration.SyncAfterDeduction(ctx, proration.SyncInput{
		Price:               price,
		Entitlement:         row,
		CustomerProduct:     cp,
		ProcessorCustomerID: processorCustomerID,
		Before:              delta.Before,
		After:               delta.After,
	}); err != nil {
		e.log.Error("proration sync failed",
			zap.Error(err),
			zap.String("customer_entitlement_id", row.ID.String()))
	}
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

var Module = fx.Module("deduction.engine",
	fx.Provide(New),
)
