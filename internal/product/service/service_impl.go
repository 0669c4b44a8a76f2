package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/meterline/meterline/internal/clock"
	"github.com/meterline/meterline/internal/orgcontext"
	"github.com/meterline/meterline/internal/product/domain"
	"github.com/meterline/meterline/pkg/db"
	"github.com/meterline/meterline/pkg/db/pagination"
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

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	repo  domain.Repository
	genID *snowflake.Node
}

func New(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("product.service"),
		clock: p.Clock,
		repo:  p.Repo,
		genID: p.GenID,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateRequest) (*domain.Response, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}

	code := strings.TrimSpace(req.Code)
	if code == "" {
		return nil, domain.ErrInvalidCode
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, domain.ErrInvalidName
	}

	now := s.clock.Now().UTC()
	record := &domain.Product{
		ID:        s.genID.Generate(),
		OrgID:     orgID,
		Env:       orgcontext.EnvFromContext(ctx),
		Code:      code,
		Name:      name,
		IsDefault: req.IsDefault,
		IsAddOn:   req.IsAddOn,
		CreatedAt: now,
		UpdatedAt: now,
	}

	entitlements := make([]domain.Entitlement, 0, len(req.Entitlements))
	for _, er := range req.Entitlements {
		featureID, err := snowflake.ParseString(strings.TrimSpace(er.FeatureID))
		if err != nil {
			return nil, domain.ErrInvalidFeature
		}
		allowanceType, resetInterval, err := normalizeEntitlement(er)
		if err != nil {
			return nil, err
		}
		entitlements = append(entitlements, domain.Entitlement{
			ID:                s.genID.Generate(),
			OrgID:             orgID,
			ProductID:         record.ID,
			FeatureID:         featureID,
			AllowanceType:     allowanceType,
			Allowance:         er.Allowance,
			ResetInterval:     resetInterval,
			EntityFeatureID:   er.EntityFeatureID,
			CarryFromPrevious: er.CarryFromPrevious,
			CreatedAt:         now,
		})
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Create(ctx, tx, record); err != nil {
			return err
		}
		return s.repo.CreateEntitlements(ctx, tx, entitlements)
	})
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, domain.ErrCodeTaken
		}
		return nil, err
	}

	record.Entitlements = entitlements
	resp := s.toResponse(record)
	return &resp, nil
}

func (s *Service) Get(ctx context.Context, id string) (*domain.Response, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}

	productID, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil {
		return nil, domain.ErrInvalidID
	}

	item, err := s.repo.FindByID(ctx, s.db, orgID, productID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, domain.ErrNotFound
	}

	item.Entitlements, err = s.repo.ListEntitlements(ctx, s.db, orgID, item.ID)
	if err != nil {
		return nil, err
	}

	resp := s.toResponse(item)
	return &resp, nil
}

func (s *Service) List(ctx context.Context, req domain.ListRequest) ([]domain.Response, *pagination.PageInfo, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, nil, domain.ErrInvalidOrganization
	}

	items, err := s.repo.List(ctx, s.db, orgID, req)
	if err != nil {
		return nil, nil, err
	}
	info, items := pagination.BuildCursorPageInfo(items, req.Page.PageSize, func(p domain.Product) pagination.Cursor {
		return pagination.Cursor{ID: p.ID.String(), CreatedAt: p.CreatedAt.UTC().Format(time.RFC3339Nano)}
	})

	resp := make([]domain.Response, 0, len(items))
	for i := range items {
		resp = append(resp, s.toResponse(&items[i]))
	}
	return resp, info, nil
}

func (s *Service) Archive(ctx context.Context, id string) (*domain.Response, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}

	productID, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil {
		return nil, domain.ErrInvalidID
	}

	item, err := s.repo.FindByID(ctx, s.db, orgID, productID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, domain.ErrNotFound
	}

	item.Archived = true
	item.UpdatedAt = s.clock.Now().UTC()
	if err := s.repo.Update(ctx, s.db, item); err != nil {
		return nil, err
	}

	resp := s.toResponse(item)
	return &resp, nil
}

func (s *Service) toResponse(p *domain.Product) domain.Response {
	ents := make([]domain.EntitlementResponse, 0, len(p.Entitlements))
	for _, e := range p.Entitlements {
		ents = append(ents, domain.EntitlementResponse{
			ID:                e.ID.String(),
			FeatureID:         e.FeatureID.String(),
			AllowanceType:     string(e.AllowanceType),
			Allowance:         e.Allowance,
			ResetInterval:     string(e.ResetInterval),
			EntityFeatureID:   e.EntityFeatureID,
			CarryFromPrevious: e.CarryFromPrevious,
		})
	}
	return domain.Response{
		ID:           p.ID.String(),
		Code:         p.Code,
		Name:         p.Name,
		IsDefault:    p.IsDefault,
		IsAddOn:      p.IsAddOn,
		Archived:     p.Archived,
		Entitlements: ents,
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
	}
}

func normalizeEntitlement(er domain.EntitlementRequest) (domain.AllowanceType, domain.ResetInterval, error) {
	var allowanceType domain.AllowanceType
	switch domain.AllowanceType(strings.TrimSpace(er.AllowanceType)) {
	case domain.AllowanceFixed, "":
		allowanceType = domain.AllowanceFixed
		if er.Allowance == nil || *er.Allowance < 0 {
			return "", "", domain.ErrInvalidAllowance
		}
	case domain.AllowanceUnlimited:
		allowanceType = domain.AllowanceUnlimited
	case domain.AllowanceUsage:
		allowanceType = domain.AllowanceUsage
	default:
		return "", "", domain.ErrInvalidAllowance
	}

	var resetInterval domain.ResetInterval
	switch domain.ResetInterval(strings.TrimSpace(er.ResetInterval)) {
	case "", domain.ResetNone:
		resetInterval = domain.ResetNone
	case domain.ResetDay, domain.ResetWeek, domain.ResetMonth, domain.ResetYear:
		resetInterval = domain.ResetInterval(er.ResetInterval)
	default:
		return "", "", domain.ErrInvalidAllowance
	}

	return allowanceType, resetInterval, nil
}
