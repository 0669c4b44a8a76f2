package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/meterline/meterline/internal/price/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Create(ctx context.Context, db *gorm.DB, price *domain.Price) error {
	return db.WithContext(ctx).Create(price).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*domain.Price, error) {
	var p domain.Price
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

func (r *repo) ListByProduct(ctx context.Context, db *gorm.DB, orgID, productID snowflake.ID) ([]domain.Price, error) {
	var items []domain.Price
	err := db.WithContext(ctx).
		Where("org_id = ? AND product_id = ?", orgID, productID).
		Order("id").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) FindUsagePrice(ctx context.Context, db *gorm.DB, orgID, productID, featureID snowflake.ID) (*domain.Price, error) {
	var p domain.Price
	err := db.WithContext(ctx).
		Where("org_id = ? AND product_id = ? AND feature_id = ? AND kind <> ?",
			orgID, productID, featureID, domain.KindFixed).
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, price *domain.Price) error {
	if price == nil {
		return gorm.ErrInvalidData
	}
	return db.WithContext(ctx).
		Model(&domain.Price{}).
		Where("org_id = ? AND id = ?", price.OrgID, price.ID).
		Updates(map[string]any{
			"usage_tiers":        price.UsageTiers,
			"processor_price_id": price.ProcessorPriceID,
		}).Error
}
