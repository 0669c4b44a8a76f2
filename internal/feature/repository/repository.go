package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/meterline/meterline/internal/feature/domain"
	"github.com/meterline/meterline/pkg/db/option"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Create(ctx context.Context, db *gorm.DB, feature *domain.Feature) error {
	return db.WithContext(ctx).Create(feature).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*domain.Feature, error) {
	var f domain.Feature
	err := db.WithContext(ctx).
		Where("org_id = ? AND id = ?", orgID, id).
		First(&f).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (r *repo) FindByCode(ctx context.Context, db *gorm.DB, orgID snowflake.ID, env, code string) (*domain.Feature, error) {
	var f domain.Feature
	err := db.WithContext(ctx).
		Where("org_id = ? AND env = ? AND code = ?", orgID, env, code).
		First(&f).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, orgID snowflake.ID, filter domain.ListRequest) ([]domain.Feature, error) {
	var items []domain.Feature
	stmt := db.WithContext(ctx).
		Model(&domain.Feature{}).
		Where("org_id = ?", orgID)

	if filter.Code != "" {
		stmt = stmt.Where("code = ?", filter.Code)
	}
	if filter.FeatureType != nil {
		stmt = stmt.Where("feature_type = ?", *filter.FeatureType)
	}
	if filter.Archived != nil {
		stmt = stmt.Where("archived = ?", *filter.Archived)
	}

	stmt = option.WithSortBy(option.QuerySortBy{
		Field: filter.SortBy,
		Desc:  !strings.EqualFold(filter.OrderBy, "asc"),
		Allow: map[string]bool{
			"created_at": true,
			"updated_at": true,
			"code":       true,
		},
	}).Apply(stmt)
	stmt = option.ApplyPagination(filter.Page).Apply(stmt)

	if err := stmt.Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListByIDs(ctx context.Context, db *gorm.DB, orgID snowflake.ID, ids []snowflake.ID) ([]domain.Feature, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var items []domain.Feature
	err := db.WithContext(ctx).
		Where("org_id = ? AND id IN ?", orgID, ids).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListActive(ctx context.Context, db *gorm.DB, orgID snowflake.ID, env string) ([]domain.Feature, error) {
	var items []domain.Feature
	err := db.WithContext(ctx).
		Where("org_id = ? AND env = ? AND archived = false", orgID, env).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, feature *domain.Feature) error {
	if feature == nil {
		return gorm.ErrInvalidData
	}
	return db.WithContext(ctx).
		Model(&domain.Feature{}).
		Where("org_id = ? AND id = ?", feature.OrgID, feature.ID).
		Updates(map[string]any{
			"name":            feature.Name,
			"event_names":     feature.EventNames,
			"credit_schedule": feature.CreditSchedule,
			"archived":        feature.Archived,
			"updated_at":      feature.UpdatedAt,
		}).Error
}
