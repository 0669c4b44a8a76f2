package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/meterline/meterline/internal/product/domain"
	"github.com/meterline/meterline/pkg/db/option"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Create(ctx context.Context, db *gorm.DB, product *domain.Product) error {
	return db.WithContext(ctx).Omit("Entitlements").Create(product).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*domain.Product, error) {
	var p domain.Product
	err := db.WithContext(ctx).
		Where("org_id = ? AND id = ?", orgID, id).
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *repo) FindByCode(ctx context.Context, db *gorm.DB, orgID snowflake.ID, env, code string) (*domain.Product, error) {
	var p domain.Product
	err := db.WithContext(ctx).
		Where("org_id = ? AND env = ? AND code = ?", orgID, env, code).
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, orgID snowflake.ID, filter domain.ListRequest) ([]domain.Product, error) {
	var items []domain.Product
	stmt := db.WithContext(ctx).
		Model(&domain.Product{}).
		Where("org_id = ?", orgID)

	if filter.Code != "" {
		stmt = stmt.Where("code = ?", filter.Code)
	}
	if filter.IsAddOn != nil {
		stmt = stmt.Where("is_add_on = ?", *filter.IsAddOn)
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

func (r *repo) Update(ctx context.Context, db *gorm.DB, product *domain.Product) error {
	if product == nil {
		return gorm.ErrInvalidData
	}
	return db.WithContext(ctx).
		Model(&domain.Product{}).
		Where("org_id = ? AND id = ?", product.OrgID, product.ID).
		Updates(map[string]any{
			"name":                 product.Name,
			"is_default":           product.IsDefault,
			"processor_product_id": product.ProcessorProductID,
			"archived":             product.Archived,
			"updated_at":           product.UpdatedAt,
		}).Error
}

func (r *repo) CreateEntitlements(ctx context.Context, db *gorm.DB, items []domain.Entitlement) error {
	if len(items) == 0 {
		return nil
	}
	return db.WithContext(ctx).Create(&items).Error
}

func (r *repo) ListEntitlements(ctx context.Context, db *gorm.DB, orgID, productID snowflake.ID) ([]domain.Entitlement, error) {
	var items []domain.Entitlement
	err := db.WithContext(ctx).
		Where("org_id = ? AND product_id = ?", orgID, productID).
		Order("id").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
