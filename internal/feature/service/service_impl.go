package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/meterline/meterline/internal/clock"
	"github.com/meterline/meterline/internal/feature/domain"
	"github.com/meterline/meterline/internal/orgcontext"
	"github.com/meterline/meterline/pkg/db"
	"github.com/meterline/meterline/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
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
		log:   p.Log.Named("feature.service"),
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

	featureType, err := normalizeFeatureType(req.FeatureType)
	if err != nil {
		return nil, err
	}
	aggregation, err := normalizeAggregation(req.AggregationType)
	if err != nil {
		return nil, err
	}
	if featureType == domain.FeatureTypeCredit {
		if len(req.CreditSchedule) == 0 {
			return nil, domain.ErrInvalidCreditSchedule
		}
		for _, rate := range req.CreditSchedule {
			if rate.FeatureCode == "" || rate.FeatureAmount <= 0 || rate.CreditAmount < 0 {
				return nil, domain.ErrInvalidCreditSchedule
			}
		}
	}

	now := s.clock.Now().UTC()
	record := &domain.Feature{
		ID:              s.genID.Generate(),
		OrgID:           orgID,
		Env:             orgcontext.EnvFromContext(ctx),
		Code:            code,
		Name:            name,
		Type:            featureType,
		AggregationType: aggregation,
		EventNames:      datatypes.NewJSONSlice(req.EventNames),
		GroupBy:         req.GroupBy,
		CreditSchedule:  datatypes.NewJSONSlice(req.CreditSchedule),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.repo.Create(ctx, s.db, record); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, domain.ErrCodeTaken
		}
		return nil, err
	}

	resp := s.toResponse(record)
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
	info, items := pagination.BuildCursorPageInfo(items, req.Page.PageSize, func(f domain.Feature) pagination.Cursor {
		return pagination.Cursor{ID: f.ID.String(), CreatedAt: f.CreatedAt.UTC().Format(time.RFC3339Nano)}
	})

	resp := make([]domain.Response, 0, len(items))
	for i := range items {
		resp = append(resp, s.toResponse(&items[i]))
	}
	return resp, info, nil
}

func (s *Service) Update(ctx context.Context, req domain.UpdateRequest) (*domain.Response, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}

	id, err := snowflake.ParseString(strings.TrimSpace(req.ID))
	if err != nil {
		return nil, domain.ErrInvalidID
	}

	item, err := s.repo.FindByID(ctx, s.db, orgID, id)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, domain.ErrNotFound
	}

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, domain.ErrInvalidName
		}
		item.Name = name
	}
	if req.EventNames != nil {
		item.EventNames = datatypes.NewJSONSlice(req.EventNames)
	}
	if req.CreditSchedule != nil {
		if item.Type != domain.FeatureTypeCredit {
			return nil, domain.ErrInvalidCreditSchedule
		}
		item.CreditSchedule = datatypes.NewJSONSlice(req.CreditSchedule)
	}

	item.UpdatedAt = s.clock.Now().UTC()
	if err := s.repo.Update(ctx, s.db, item); err != nil {
		return nil, err
	}

	resp := s.toResponse(item)
	return &resp, nil
}

func (s *Service) Archive(ctx context.Context, id string) (*domain.Response, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}

	featureID, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil {
		return nil, domain.ErrInvalidID
	}

	item, err := s.repo.FindByID(ctx, s.db, orgID, featureID)
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

func (s *Service) toResponse(f *domain.Feature) domain.Response {
	return domain.Response{
		ID:              f.ID.String(),
		Code:            f.Code,
		Name:            f.Name,
		FeatureType:     f.Type,
		AggregationType: string(f.AggregationType),
		EventNames:      f.EventNames,
		GroupBy:         f.GroupBy,
		CreditSchedule:  f.CreditSchedule,
		Archived:        f.Archived,
		CreatedAt:       f.CreatedAt,
		UpdatedAt:       f.UpdatedAt,
	}
}

func normalizeFeatureType(t domain.FeatureType) (domain.FeatureType, error) {
	switch t {
	case domain.FeatureTypeBoolean, domain.FeatureTypeMetered, domain.FeatureTypeCredit:
		return t, nil
	default:
		return "", domain.ErrInvalidType
	}
}

func normalizeAggregation(raw string) (domain.AggregationType, error) {
	switch domain.AggregationType(strings.TrimSpace(raw)) {
	case "", domain.AggregationSum:
		return domain.AggregationSum, nil
	case domain.AggregationCount:
		return domain.AggregationCount, nil
	default:
		return "", domain.ErrInvalidAggregation
	}
}
