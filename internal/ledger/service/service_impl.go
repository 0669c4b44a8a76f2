package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/meterline/meterline/internal/clock"
	cpdomain "github.com/meterline/meterline/internal/customerproduct/domain"
	featuredomain "github.com/meterline/meterline/internal/feature/domain"
	"github.com/meterline/meterline/internal/ledger/domain"
	"github.com/meterline/meterline/internal/orgcontext"
	pricedomain "github.com/meterline/meterline/internal/price/domain"
	productdomain "github.com/meterline/meterline/internal/product/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
	GenID *snowflake.Node
	Repo  domain.Repository
}

// Service is the CRUD-with-invariants layer over ledger rows. It performs no
// conflict retries of its own; callers retry on domain.ErrConflict.
type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	repo  domain.Repository
	genID *snowflake.Node
}

func New(p Params) *Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("ledger.service"),
		clock: p.Clock,
		repo:  p.Repo,
		genID: p.GenID,
	}
}

func (s *Service) Repo() domain.Repository { return s.repo }

// InitInput describes one entitlement template to materialize.
type InitInput struct {
	Entitlement  productdomain.Entitlement
	FeatureCode  string
	FeatureType  featuredomain.FeatureType
	RelatedPrice *pricedomain.Price
}

// InitForProduct stamps ledger rows for a fresh CustomerProduct inside the
// caller's transaction. Anchor aligns reset boundaries with the processor's
// billing cycle; previous carries balances forward across a product swap.
func (s *Service) InitForProduct(
	ctx context.Context,
	tx *gorm.DB,
	cp *cpdomain.CustomerProduct,
	inputs []InitInput,
	previous []domain.CustomerEntitlement,
	keepResetIntervals bool,
) ([]domain.CustomerEntitlement, error) {
	now := s.clock.Now().UTC()
	opts := cp.Options.Data()

	prevByFeature := make(map[snowflake.ID]*domain.CustomerEntitlement, len(previous))
	for i := range previous {
		prevByFeature[previous[i].FeatureID] = &previous[i]
	}

	rows := make([]domain.CustomerEntitlement, 0, len(inputs))
	for _, in := range inputs {
		ent := in.Entitlement
		quantity := opts.QuantityFor(ent.FeatureID)
		balance := domain.ComputeResetBalance(&ent, quantity, in.RelatedPrice)

		row := domain.CustomerEntitlement{
			ID:                s.genID.Generate(),
			OrgID:             cp.OrgID,
			Env:               cp.Env,
			CustomerID:        cp.CustomerID,
			CustomerProductID: cp.ID,
			EntitlementID:     ent.ID,
			FeatureID:         ent.FeatureID,
			FeatureCode:       in.FeatureCode,
			FeatureType:       in.FeatureType,
			Balance:           balance,
			EntityFeatureID:   ent.EntityFeatureID,
			CarryFromPrevious: ent.CarryFromPrevious,
			Allowance:         allowanceOf(&ent, quantity, in.RelatedPrice),
			ResetInterval:     ent.ResetInterval,
			UsageAllowed:      ent.AllowanceType == productdomain.AllowanceUsage || (in.RelatedPrice != nil && in.RelatedPrice.Kind.BilledInArrear()),
			Version:           1,
			CreatedAt:         now,
			UpdatedAt:         now,
		}

		prev := prevByFeature[ent.FeatureID]
		if prev != nil && ent.CarryFromPrevious && row.Balance != nil && row.Allowance != nil {
			oldAllowance := 0.0
			if prev.Allowance != nil {
				oldAllowance = *prev.Allowance
			}
			oldBalance := 0.0
			if prev.Balance != nil {
				oldBalance = *prev.Balance
			}
			carried := domain.CarryOverBalance(oldAllowance, oldBalance, *row.Allowance)
			row.Balance = &carried
		}
		if prev != nil && keepResetIntervals && prev.NextResetAt != nil {
			row.NextResetAt = prev.NextResetAt
		} else if next := domain.NextReset(ent.ResetInterval, now, &cp.StartsAt); next != nil {
			ts := next.Unix()
			row.NextResetAt = &ts
		}
		// Grouped entity balances survive a swap untouched so seats are not
		// silently dropped.
		if prev != nil && prev.Grouped() {
			row.Balances = prev.Balances
		}

		rows = append(rows, row)
	}

	if err := s.repo.CreateBatch(ctx, tx, rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// Balances returns the customer's full ledger slice for the API surface.
func (s *Service) Balances(ctx context.Context, customerID string) ([]BalanceView, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, domain.ErrNotFound
	}
	id, err := snowflake.ParseString(strings.TrimSpace(customerID))
	if err != nil {
		return nil, domain.ErrNotFound
	}

	items, err := s.repo.ListByCustomer(ctx, s.db, orgID, id)
	if err != nil {
		return nil, err
	}

	views := make([]BalanceView, 0, len(items))
	for i := range items {
		views = append(views, toBalanceView(&items[i]))
	}
	return views, nil
}

// Adjust applies a manual grant or correction, bumping the adjustment bucket
// so deduction accounting stays separable from grants. A non-empty groupKey
// targets one keyed sub-balance instead of the flat row.
func (s *Service) Adjust(ctx context.Context, id snowflake.ID, groupKey string, delta float64) (*domain.CustomerEntitlement, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, domain.ErrNotFound
	}

	ce, err := s.repo.FindByID(ctx, s.db, orgID, id)
	if err != nil {
		return nil, err
	}
	if ce == nil {
		return nil, domain.ErrNotFound
	}

	if groupKey != "" {
		if err := adjustGroup(ce, groupKey, delta); err != nil {
			return nil, err
		}
	} else {
		if ce.Balance != nil {
			next := *ce.Balance + delta
			if next < 0 {
				return nil, domain.ErrInvalidBalance
			}
			ce.Balance = &next
		}
		ce.Adjustment += delta
	}

	if err := s.repo.Save(ctx, s.db, ce); err != nil {
		return nil, err
	}
	return ce, nil
}

func adjustGroup(ce *domain.CustomerEntitlement, groupKey string, delta float64) error {
	balance, ok := ce.BalanceFor(groupKey)
	if !ok {
		return domain.ErrGroupNotFound
	}
	if balance != nil {
		next := *balance + delta
		if next < 0 {
			return domain.ErrInvalidBalance
		}
		balance = &next
	}
	ce.SetBalanceFor(groupKey, balance)
	ce.BumpGroupAdjustment(groupKey, delta)
	return nil
}

// RolloverDue resets every row whose period boundary has passed. Conflicts
// are skipped; the next sweep picks the row up again.
func (s *Service) RolloverDue(ctx context.Context, limit int) (int, error) {
	now := s.clock.Now().UTC()
	due, err := s.repo.ListDueForReset(ctx, s.db, now.Unix(), limit)
	if err != nil {
		return 0, err
	}

	reset := 0
	for i := range due {
		ce := &due[i]
		if !domain.ResetIfDue(ce, now, nil) {
			continue
		}
		if err := s.repo.Save(ctx, s.db, ce); err != nil {
			if err == domain.ErrConflict {
				s.log.Debug("rollover conflict, deferring row",
					zap.String("customer_entitlement_id", ce.ID.String()))
				continue
			}
			return reset, err
		}
		reset++
	}
	return reset, nil
}

type BalanceView struct {
	ID           string              `json:"id"`
	FeatureID    string              `json:"feature_id"`
	FeatureCode  string              `json:"feature_code"`
	Balance      *float64            `json:"balance"`
	Balances     map[string]*float64 `json:"balances,omitempty"`
	Adjustment   float64             `json:"adjustment"`
	UsageAllowed bool                `json:"usage_allowed"`
	NextResetAt  *int64              `json:"next_reset_at,omitempty"`
}

func toBalanceView(ce *domain.CustomerEntitlement) BalanceView {
	view := BalanceView{
		ID:           ce.ID.String(),
		FeatureID:    ce.FeatureID.String(),
		FeatureCode:  ce.FeatureCode,
		Balance:      ce.Balance,
		Adjustment:   ce.Adjustment,
		UsageAllowed: ce.UsageAllowed,
		NextResetAt:  ce.NextResetAt,
	}
	groups := ce.Balances.Data()
	if len(groups) > 0 {
		view.Balances = make(map[string]*float64, len(groups))
		for k, g := range groups {
			if !g.Deleted {
				view.Balances[k] = g.Balance
			}
		}
	}
	return view
}

func allowanceOf(ent *productdomain.Entitlement, quantity float64, related *pricedomain.Price) *float64 {
	if ent.Unlimited() {
		return nil
	}
	if quantity <= 0 {
		quantity = 1
	}
	allowance := ent.AllowanceValue() * quantity
	if allowance == 0 && related != nil && related.Kind.Usage() {
		allowance = pricedomain.FreeTierLimit(related.UsageTiers)
	}
	return &allowance
}
