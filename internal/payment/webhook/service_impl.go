// Package webhook reconciles processor events against local state. Every
// handler is idempotent: replays are screened by the processed-event record
// and by status guards on the rows they touch.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/meterline/meterline/internal/clock"
	"github.com/meterline/meterline/internal/config"
	customerdomain "github.com/meterline/meterline/internal/customer/domain"
	cpdomain "github.com/meterline/meterline/internal/customerproduct/domain"
	featuredomain "github.com/meterline/meterline/internal/feature/domain"
	invoicedomain "github.com/meterline/meterline/internal/invoice/domain"
	ledgerdomain "github.com/meterline/meterline/internal/ledger/domain"
	ledgerservice "github.com/meterline/meterline/internal/ledger/service"
	"github.com/meterline/meterline/internal/observability/metrics"
	"github.com/meterline/meterline/internal/payment/domain"
	pricedomain "github.com/meterline/meterline/internal/price/domain"
	productdomain "github.com/meterline/meterline/internal/product/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const provider = "stripe"

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	Clock        clock.Clock
	GenID        *snowflake.Node
	Cfg          config.Config
	Metrics      *metrics.Metrics
	CustomerRepo customerdomain.Repository
	CPRepo       cpdomain.Repository
	ProductRepo  productdomain.Repository
	PriceRepo    pricedomain.Repository
	FeatureRepo  featuredomain.Repository
	LedgerRepo   ledgerdomain.Repository
	Ledger       *ledgerservice.Service
	InvoiceRepo  invoicedomain.Repository
}

type Service struct {
	db           *gorm.DB
	log          *zap.Logger
	clock        clock.Clock
	genID        *snowflake.Node
	secret       string
	metrics      *metrics.Metrics
	customerRepo customerdomain.Repository
	cpRepo       cpdomain.Repository
	productRepo  productdomain.Repository
	priceRepo    pricedomain.Repository
	featureRepo  featuredomain.Repository
	ledgerRepo   ledgerdomain.Repository
	ledger       *ledgerservice.Service
	invoiceRepo  invoicedomain.Repository
}

func New(p Params) *Service {
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("payment.webhook"),
		clock:        p.Clock,
		genID:        p.GenID,
		secret:       p.Cfg.StripeWebhookSecret,
		metrics:      p.Metrics,
		customerRepo: p.CustomerRepo,
		cpRepo:       p.CPRepo,
		productRepo:  p.ProductRepo,
		priceRepo:    p.PriceRepo,
		featureRepo:  p.FeatureRepo,
		ledgerRepo:   p.LedgerRepo,
		ledger:       p.Ledger,
		invoiceRepo:  p.InvoiceRepo,
	}
}

type stripeEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type subscriptionPayload struct {
	ID       string            `json:"id"`
	Status   string            `json:"status"`
	Customer string            `json:"customer"`
	Metadata map[string]string `json:"metadata"`
}

type invoicePayload struct {
	ID       string            `json:"id"`
	Status   string            `json:"status"`
	Total    int64             `json:"total"`
	Currency string            `json:"currency"`
	Customer string            `json:"customer"`
	Metadata map[string]string `json:"metadata"`
}

type checkoutSessionPayload struct {
	ID           string            `json:"id"`
	Customer     string            `json:"customer"`
	Subscription string            `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

// Handle verifies, deduplicates, and dispatches one webhook delivery.
func (s *Service) Handle(ctx context.Context, payload []byte, sigHeader string) error {
	if err := VerifySignature(s.secret, payload, sigHeader); err != nil {
		return err
	}

	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil || event.ID == "" {
		return domain.ErrInvalidPayload
	}

	switch event.Type {
	case "subscription.created", "customer.subscription.created":
		return s.dispatch(ctx, event, s.handleSubscriptionCreated)
	case "subscription.updated", "customer.subscription.updated":
		return s.dispatch(ctx, event, s.handleSubscriptionUpdated)
	case "subscription.deleted", "customer.subscription.deleted":
		return s.dispatch(ctx, event, s.handleSubscriptionDeleted)
	case "invoice.created":
		return s.dispatch(ctx, event, s.handleInvoiceCreated)
	case "invoice.paid":
		return s.dispatch(ctx, event, s.handleInvoicePaid)
	case "checkout.session.completed":
		return s.dispatch(ctx, event, s.handleCheckoutCompleted)
	default:
		s.metrics.WebhookEvents.WithLabelValues(event.Type, "ignored").Inc()
		return nil
	}
}

func (s *Service) dispatch(ctx context.Context, event stripeEvent, handler func(context.Context, snowflake.ID, stripeEvent) error) error {
	orgID, err := s.resolveOrg(ctx, event)
	if err != nil {
		s.metrics.WebhookEvents.WithLabelValues(event.Type, "unroutable").Inc()
		s.log.Warn("webhook event could not be routed to an org",
			zap.String("event_id", event.ID),
			zap.String("event_type", event.Type))
		return nil
	}

	record := &ProcessedEvent{
		ID:              s.genID.Generate(),
		OrgID:           orgID,
		Provider:        provider,
		ProviderEventID: event.ID,
		EventType:       event.Type,
		ReceivedAt:      s.clock.Now().UTC(),
	}
	claimed, err := claimEvent(ctx, s.db, record)
	if err != nil {
		return err
	}
	if !claimed {
		s.metrics.WebhookEvents.WithLabelValues(event.Type, "duplicate").Inc()
		return nil
	}

	if err := handler(ctx, orgID, event); err != nil {
		s.metrics.WebhookEvents.WithLabelValues(event.Type, "failed").Inc()
		return err
	}
	if err := markEventProcessed(ctx, s.db, record.ID, s.clock.Now().UTC()); err != nil {
		s.log.Warn("marking webhook event processed failed", zap.Error(err))
	}
	s.metrics.WebhookEvents.WithLabelValues(event.Type, "processed").Inc()
	return nil
}

// resolveOrg prefers the org_id metadata stamped on resources this service
// created; otherwise it falls back to the processor customer id.
func (s *Service) resolveOrg(ctx context.Context, event stripeEvent) (snowflake.ID, error) {
	var probe struct {
		Customer string            `json:"customer"`
		Metadata map[string]string `json:"metadata"`
	}
	if err := json.Unmarshal(event.Data.Object, &probe); err != nil {
		return 0, domain.ErrInvalidPayload
	}

	if raw := strings.TrimSpace(probe.Metadata["org_id"]); raw != "" {
		if orgID, err := snowflake.ParseString(raw); err == nil {
			return orgID, nil
		}
	}
	if probe.Customer != "" {
		customer, err := s.customerRepo.FindByProcessorIDAny(ctx, s.db, probe.Customer)
		if err != nil {
			return 0, err
		}
		if customer != nil {
			return customer.OrgID, nil
		}
	}
	return 0, domain.ErrInvalidPayload
}

func (s *Service) handleSubscriptionCreated(ctx context.Context, orgID snowflake.ID, event stripeEvent) error {
	var sub subscriptionPayload
	if err := json.Unmarshal(event.Data.Object, &sub); err != nil {
		return domain.ErrInvalidPayload
	}

	if cp, err := s.cpRepo.FindBySubscriptionID(ctx, s.db, orgID, sub.ID); err != nil {
		return err
	} else if cp != nil {
		// The synchronous attach path already recorded this subscription.
		return nil
	}

	// A subscription materializing out of a schedule confirms a scheduled
	// product taking effect.
	customerID, ok := parseMetaID(sub.Metadata, "customer_id")
	if !ok {
		return nil
	}
	scheduled, err := s.cpRepo.FindScheduled(ctx, s.db, orgID, customerID)
	if err != nil {
		return err
	}
	if scheduled == nil {
		return nil
	}
	if productID, ok := parseMetaID(sub.Metadata, "product_id"); ok && productID != scheduled.ProductID {
		return nil
	}
	return s.activateScheduled(ctx, orgID, scheduled, sub.ID, nil)
}

func (s *Service) handleSubscriptionUpdated(ctx context.Context, orgID snowflake.ID, event stripeEvent) error {
	var sub subscriptionPayload
	if err := json.Unmarshal(event.Data.Object, &sub); err != nil {
		return domain.ErrInvalidPayload
	}

	cp, err := s.cpRepo.FindBySubscriptionID(ctx, s.db, orgID, sub.ID)
	if err != nil || cp == nil {
		return err
	}

	now := s.clock.Now().UTC()
	switch sub.Status {
	case "past_due", "unpaid":
		err = s.cpRepo.Transition(ctx, s.db, cp.ID, cpdomain.StatusActive, cpdomain.StatusPastDue, now)
	case "active", "trialing":
		err = s.cpRepo.Transition(ctx, s.db, cp.ID, cpdomain.StatusPastDue, cpdomain.StatusActive, now)
	default:
		return nil
	}
	if errors.Is(err, cpdomain.ErrAlreadyEnded) {
		// Already in the target (or a terminal) state; replays are harmless.
		return nil
	}
	return err
}

func (s *Service) handleSubscriptionDeleted(ctx context.Context, orgID snowflake.ID, event stripeEvent) error {
	var sub subscriptionPayload
	if err := json.Unmarshal(event.Data.Object, &sub); err != nil {
		return domain.ErrInvalidPayload
	}

	cp, err := s.cpRepo.FindBySubscriptionID(ctx, s.db, orgID, sub.ID)
	if err != nil || cp == nil {
		return err
	}

	now := s.clock.Now().UTC()

	var previous []ledgerdomain.CustomerEntitlement
	if cp.Status != cpdomain.StatusExpired {
		previous, err = s.ledgerRepo.ListByCustomerProduct(ctx, s.db, orgID, cp.ID)
		if err != nil {
			return err
		}
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if trErr := s.cpRepo.Transition(ctx, tx, cp.ID, cp.Status, cpdomain.StatusExpired, now); trErr != nil {
				if errors.Is(trErr, cpdomain.ErrAlreadyEnded) {
					return nil
				}
				return trErr
			}
			return s.ledgerRepo.DeleteByCustomerProduct(ctx, tx, orgID, cp.ID)
		})
		if err != nil {
			return err
		}
	}

	// A pending downgrade takes effect at this boundary.
	scheduled, err := s.cpRepo.FindScheduled(ctx, s.db, orgID, cp.CustomerID)
	if err != nil || scheduled == nil {
		return err
	}
	return s.activateScheduled(ctx, orgID, scheduled, "", previous)
}

func (s *Service) handleInvoiceCreated(ctx context.Context, orgID snowflake.ID, event stripeEvent) error {
	var inv invoicePayload
	if err := json.Unmarshal(event.Data.Object, &inv); err != nil {
		return domain.ErrInvalidPayload
	}

	customerID, ok := parseMetaID(inv.Metadata, "customer_id")
	if !ok {
		customer, err := s.customerRepo.FindByProcessorIDAny(ctx, s.db, inv.Customer)
		if err != nil || customer == nil {
			return err
		}
		customerID = customer.ID
	}

	now := s.clock.Now().UTC()
	// First writer wins; the proration path may have recorded it already.
	return s.invoiceRepo.Create(ctx, s.db, &invoicedomain.Invoice{
		ID:                 s.genID.Generate(),
		OrgID:              orgID,
		CustomerID:         customerID,
		ProcessorInvoiceID: inv.ID,
		Status:             invoiceStatus(inv.Status),
		Total:              inv.Total,
		Currency:           strings.ToUpper(inv.Currency),
		CreatedAt:          now,
		UpdatedAt:          now,
	})
}

func (s *Service) handleInvoicePaid(ctx context.Context, orgID snowflake.ID, event stripeEvent) error {
	var inv invoicePayload
	if err := json.Unmarshal(event.Data.Object, &inv); err != nil {
		return domain.ErrInvalidPayload
	}

	record, err := s.invoiceRepo.FindByProcessorID(ctx, s.db, orgID, inv.ID)
	if err != nil {
		return err
	}
	now := s.clock.Now().UTC()
	if record == nil {
		return s.handleInvoiceCreated(ctx, orgID, event)
	}
	if record.Status == invoicedomain.StatusPaid {
		return nil
	}
	return s.invoiceRepo.UpdateStatus(ctx, s.db, record.ID, invoicedomain.StatusPaid, inv.Total, now)
}

func (s *Service) handleCheckoutCompleted(ctx context.Context, orgID snowflake.ID, event stripeEvent) error {
	var session checkoutSessionPayload
	if err := json.Unmarshal(event.Data.Object, &session); err != nil {
		return domain.ErrInvalidPayload
	}

	customerID, ok := parseMetaID(session.Metadata, "customer_id")
	if !ok {
		return nil
	}
	customer, err := s.customerRepo.FindByID(ctx, s.db, orgID, customerID)
	if err != nil || customer == nil {
		return err
	}

	if session.Customer != "" && (customer.ProcessorCustomerID == nil || *customer.ProcessorCustomerID == "") {
		customer.ProcessorCustomerID = &session.Customer
		customer.UpdatedAt = s.clock.Now().UTC()
		if err := s.customerRepo.Update(ctx, s.db, customer); err != nil {
			return err
		}
	}

	if session.Subscription == "" {
		return nil
	}
	scheduled, err := s.cpRepo.FindScheduled(ctx, s.db, orgID, customerID)
	if err != nil || scheduled == nil {
		return err
	}
	if productID, ok := parseMetaID(session.Metadata, "product_id"); ok && productID != scheduled.ProductID {
		return nil
	}
	return s.activateScheduled(ctx, orgID, scheduled, session.Subscription, nil)
}

// activateScheduled flips a Scheduled CustomerProduct live and stamps its
// ledger rows. The scheduled→active guard makes replays no-ops.
func (s *Service) activateScheduled(
	ctx context.Context,
	orgID snowflake.ID,
	scheduled *cpdomain.CustomerProduct,
	subscriptionID string,
	previous []ledgerdomain.CustomerEntitlement,
) error {
	now := s.clock.Now().UTC()

	entitlements, err := s.productRepo.ListEntitlements(ctx, s.db, orgID, scheduled.ProductID)
	if err != nil {
		return err
	}
	prices, err := s.priceRepo.ListByProduct(ctx, s.db, orgID, scheduled.ProductID)
	if err != nil {
		return err
	}
	inputs, err := s.ledgerInputs(ctx, orgID, entitlements, prices)
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.cpRepo.Transition(ctx, tx, scheduled.ID, cpdomain.StatusScheduled, cpdomain.StatusActive, now); err != nil {
			if errors.Is(err, cpdomain.ErrAlreadyEnded) {
				return nil
			}
			return err
		}
		if subscriptionID != "" {
			scheduled.ProcessorSubscriptionID = &subscriptionID
			scheduled.Status = cpdomain.StatusActive
			scheduled.UpdatedAt = now
			if err := s.cpRepo.Update(ctx, tx, scheduled); err != nil {
				return err
			}
		}
		_, err := s.ledger.InitForProduct(ctx, tx, scheduled, inputs, previous, false)
		return err
	})
}

func (s *Service) ledgerInputs(
	ctx context.Context,
	orgID snowflake.ID,
	entitlements []productdomain.Entitlement,
	prices []pricedomain.Price,
) ([]ledgerservice.InitInput, error) {
	featureIDs := make([]snowflake.ID, 0, len(entitlements))
	for _, ent := range entitlements {
		featureIDs = append(featureIDs, ent.FeatureID)
	}
	features, err := s.featureRepo.ListByIDs(ctx, s.db, orgID, featureIDs)
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
				zap.String("entitlement_id", ent.ID.String()))
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

func parseMetaID(metadata map[string]string, key string) (snowflake.ID, bool) {
	raw := strings.TrimSpace(metadata[key])
	if raw == "" {
		return 0, false
	}
	id, err := snowflake.ParseString(raw)
	if err != nil {
		return 0, false
	}
	return id, true
}

func invoiceStatus(raw string) invoicedomain.Status {
	switch raw {
	case "paid":
		return invoicedomain.StatusPaid
	case "void":
		return invoicedomain.StatusVoid
	case "open":
		return invoicedomain.StatusOpen
	default:
		return invoicedomain.StatusDraft
	}
}

var Module = fx.Module("payment.webhook",
	fx.Provide(New),
)
