// Package proration keeps the processor's subscription-item quantity and
// one-off invoice lines in sync with prorated usage prices whenever a ledger
// balance moves.
package proration

import (
	"context"
	"fmt"
	"math"

	"github.com/bwmarrin/snowflake"
	"github.com/meterline/meterline/internal/clock"
	"github.com/meterline/meterline/internal/config"
	cpdomain "github.com/meterline/meterline/internal/customerproduct/domain"
	invoicedomain "github.com/meterline/meterline/internal/invoice/domain"
	ledgerdomain "github.com/meterline/meterline/internal/ledger/domain"
	"github.com/meterline/meterline/internal/observability/metrics"
	paymentdomain "github.com/meterline/meterline/internal/payment/domain"
	pricedomain "github.com/meterline/meterline/internal/price/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	Clock       clock.Clock
	GenID       *snowflake.Node
	Holder      *config.BillingConfigHolder
	Processor   paymentdomain.ProcessorClient
	InvoiceRepo invoicedomain.Repository
	Metrics     *metrics.Metrics
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	clock       clock.Clock
	genID       *snowflake.Node
	holder      *config.BillingConfigHolder
	processor   paymentdomain.ProcessorClient
	invoiceRepo invoicedomain.Repository
	metrics     *metrics.Metrics
}

func New(p Params) *Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("proration.service"),
		clock:       p.Clock,
		genID:       p.GenID,
		holder:      p.Holder,
		processor:   p.Processor,
		invoiceRepo: p.InvoiceRepo,
		metrics:     p.Metrics,
	}
}

// SyncInput is the before/after snapshot of one prorated balance mutation.
type SyncInput struct {
	Price               *pricedomain.Price
	Entitlement         *ledgerdomain.CustomerEntitlement
	CustomerProduct     *cpdomain.CustomerProduct
	ProcessorCustomerID string
	Before              *float64
	After               *float64
}

// SyncAfterDeduction pushes a balance change out to the processor. The
// ledger mutation has already committed; failures here are surfaced but
// never roll the balance back, since the usage already happened.
func (s *Service) SyncAfterDeduction(ctx context.Context, in SyncInput) error {
	if in.Price == nil || in.Price.Kind != pricedomain.KindUsageInArrearProrated {
		return nil
	}
	if balanceEqual(in.Before, in.After) {
		return nil
	}
	if in.CustomerProduct == nil || in.CustomerProduct.ProcessorSubscriptionID == nil {
		s.log.Warn("prorated price without processor subscription, skipping sync",
			zap.String("price_id", in.Price.ID.String()))
		return nil
	}

	allowance := 0.0
	if in.Entitlement.Allowance != nil {
		allowance = *in.Entitlement.Allowance
	}
	oldUsage := usageOf(allowance, in.Before)
	newUsage := usageOf(allowance, in.After)

	behavior := paymentdomain.ProrationNone
	if s.holder.Get().ProrationPolicy == config.ProrationPolicyProcessor {
		behavior = paymentdomain.ProrationCreateProrations
	}

	var payErr error
	if behavior == paymentdomain.ProrationNone && newUsage > oldUsage {
		payErr = s.chargeDelta(ctx, in, oldUsage, newUsage)
	}

	// The item quantity is pushed even when the one-off charge failed, so
	// the processor's view of usage never lags the ledger.
	if err := s.pushQuantity(ctx, in, newUsage, behavior); err != nil {
		return err
	}
	return payErr
}

func (s *Service) pushQuantity(ctx context.Context, in SyncInput, newUsage float64, behavior paymentdomain.ProrationBehavior) error {
	sub, err := s.processor.GetSubscription(ctx, *in.CustomerProduct.ProcessorSubscriptionID)
	if err != nil {
		return fmt.Errorf("load subscription: %w", err)
	}

	itemID := ""
	for _, item := range sub.Items {
		if in.Price.ProcessorPriceID != nil && item.PriceID == *in.Price.ProcessorPriceID {
			itemID = item.ID
			break
		}
	}
	if itemID == "" {
		s.log.Warn("no subscription item for prorated price",
			zap.String("price_id", in.Price.ID.String()),
			zap.String("subscription_id", sub.ID))
		return nil
	}

	units := in.Price.BillingUnits
	if units <= 0 {
		units = 1
	}
	quantity := int64(math.Ceil(newUsage / float64(units)))
	if quantity < 0 {
		quantity = 0
	}

	return s.processor.UpdateItemQuantity(ctx, itemID, quantity, behavior)
}

// chargeDelta bills the usage increase as a one-off invoice: the graduated
// price of the new usage minus the already-billed old usage. Decreases are
// never credited under this policy.
func (s *Service) chargeDelta(ctx context.Context, in SyncInput, oldUsage, newUsage float64) error {
	delta := pricedomain.PriceForOverage(in.Price.UsageTiers, newUsage) -
		pricedomain.PriceForOverage(in.Price.UsageTiers, oldUsage)
	amount := toMinorUnits(delta)
	if amount <= 0 {
		return nil
	}

	currency := in.Price.Currency
	now := s.clock.Now().UTC()

	inv, err := s.processor.CreateInvoice(ctx, in.ProcessorCustomerID, currency, false, map[string]string{
		"org_id":      in.Entitlement.OrgID.String(),
		"customer_id": in.Entitlement.CustomerID.String(),
	})
	if err != nil {
		s.metrics.ProrationInvoices.WithLabelValues("create_failed").Inc()
		return fmt.Errorf("create proration invoice: %w", err)
	}

	description := fmt.Sprintf("Usage overage for %s", in.Entitlement.FeatureCode)
	if err := s.processor.AddInvoiceItem(ctx, in.ProcessorCustomerID, inv.ID, description, amount, currency); err != nil {
		s.metrics.ProrationInvoices.WithLabelValues("item_failed").Inc()
		if voidErr := s.processor.VoidInvoice(ctx, inv.ID); voidErr != nil {
			s.log.Error("voiding failed proration invoice failed",
				zap.Error(voidErr), zap.String("invoice_id", inv.ID))
		}
		return fmt.Errorf("add proration invoice item: %w", err)
	}

	if _, err := s.processor.FinalizeInvoice(ctx, inv.ID); err != nil {
		s.metrics.ProrationInvoices.WithLabelValues("finalize_failed").Inc()
		if voidErr := s.processor.VoidInvoice(ctx, inv.ID); voidErr != nil {
			s.log.Error("voiding failed proration invoice failed",
				zap.Error(voidErr), zap.String("invoice_id", inv.ID))
		}
		return fmt.Errorf("finalize proration invoice: %w", err)
	}

	record := &invoicedomain.Invoice{
		ID:                 s.genID.Generate(),
		OrgID:              in.Entitlement.OrgID,
		CustomerID:         in.Entitlement.CustomerID,
		ProcessorInvoiceID: inv.ID,
		Status:             invoicedomain.StatusOpen,
		Total:              amount,
		Currency:           currency,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.invoiceRepo.Create(ctx, s.db, record); err != nil {
		s.log.Error("recording proration invoice failed", zap.Error(err),
			zap.String("invoice_id", inv.ID))
	}
	item := &invoicedomain.InvoiceItem{
		ID:                    s.genID.Generate(),
		OrgID:                 in.Entitlement.OrgID,
		InvoiceID:             &record.ID,
		CustomerEntitlementID: in.Entitlement.ID,
		PeriodStart:           now,
		PeriodEnd:             now,
		Quantity:              newUsage - oldUsage,
		Amount:                amount,
		Currency:              currency,
		AddedToProcessor:      true,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := s.invoiceRepo.CreateItem(ctx, s.db, item); err != nil {
		s.log.Error("recording proration invoice item failed", zap.Error(err),
			zap.String("invoice_id", inv.ID))
	}

	if _, err := s.processor.PayInvoice(ctx, inv.ID); err != nil {
		s.metrics.ProrationInvoices.WithLabelValues("pay_failed").Inc()
		if voidErr := s.processor.VoidInvoice(ctx, inv.ID); voidErr != nil {
			s.log.Error("voiding unpaid proration invoice failed",
				zap.Error(voidErr), zap.String("invoice_id", inv.ID))
		}
		_ = s.invoiceRepo.UpdateStatus(ctx, s.db, record.ID, invoicedomain.StatusVoid, amount, s.clock.Now().UTC())
		return fmt.Errorf("pay proration invoice: %w", err)
	}

	_ = s.invoiceRepo.UpdateStatus(ctx, s.db, record.ID, invoicedomain.StatusPaid, amount, s.clock.Now().UTC())
	s.metrics.ProrationInvoices.WithLabelValues("paid").Inc()
	return nil
}

func usageOf(allowance float64, balance *float64) float64 {
	if balance == nil {
		return 0
	}
	usage := allowance - *balance
	if usage < 0 {
		return 0
	}
	return usage
}

func balanceEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func toMinorUnits(major float64) int64 {
	return int64(math.Round(major * 100))
}

var Module = fx.Module("proration.service",
	fx.Provide(New),
)
