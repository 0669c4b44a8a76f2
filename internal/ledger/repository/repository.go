package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/meterline/meterline/internal/ledger/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) CreateBatch(ctx context.Context, db *gorm.DB, items []domain.CustomerEntitlement) error {
	if len(items) == 0 {
		return nil
	}
	return db.WithContext(ctx).Create(&items).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*domain.CustomerEntitlement, error) {
	var ce domain.CustomerEntitlement
	err := db.WithContext(ctx).
		Where("org_id = ? AND id = ?", orgID, id).
		First(&ce).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ce, nil
}

func (r *repo) ListByCustomer(ctx context.Context, db *gorm.DB, orgID, customerID snowflake.ID) ([]domain.CustomerEntitlement, error) {
	var items []domain.CustomerEntitlement
	err := db.WithContext(ctx).
		Where("org_id = ? AND customer_id = ?", orgID, customerID).
		Order("feature_code, id").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListByCustomerProduct(ctx context.Context, db *gorm.DB, orgID, customerProductID snowflake.ID) ([]domain.CustomerEntitlement, error) {
	var items []domain.CustomerEntitlement
	err := db.WithContext(ctx).
		Where("org_id = ? AND customer_product_id = ?", orgID, customerProductID).
		Order("id").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListByFeature(ctx context.Context, db *gorm.DB, orgID, customerID, featureID snowflake.ID) ([]domain.CustomerEntitlement, error) {
	var items []domain.CustomerEntitlement
	err := db.WithContext(ctx).
		Where("org_id = ? AND customer_id = ? AND feature_id = ?", orgID, customerID, featureID).
		// NULLS LAST spelled out with CASE so the ordering works on mysql too.
		Order("usage_allowed, CASE WHEN balance IS NULL THEN 1 ELSE 0 END, balance, CASE WHEN next_reset_at IS NULL THEN 1 ELSE 0 END, next_reset_at, id").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListLinked(ctx context.Context, db *gorm.DB, orgID, customerID snowflake.ID, entityFeatureCode string) ([]domain.CustomerEntitlement, error) {
	var items []domain.CustomerEntitlement
	err := db.WithContext(ctx).
		Where("org_id = ? AND customer_id = ? AND entity_feature_id = ?", orgID, customerID, entityFeatureCode).
		Order("id").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListDueForReset(ctx context.Context, db *gorm.DB, nowUnix int64, limit int) ([]domain.CustomerEntitlement, error) {
	if limit <= 0 {
		limit = 100
	}
	var items []domain.CustomerEntitlement
	err := db.WithContext(ctx).
		Where("next_reset_at IS NOT NULL AND next_reset_at <= ?", nowUnix).
		Order("next_reset_at").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) Save(ctx context.Context, db *gorm.DB, ce *domain.CustomerEntitlement) error {
	if ce == nil {
		return gorm.ErrInvalidData
	}
	loadedVersion := ce.Version
	res := db.WithContext(ctx).
		Model(&domain.CustomerEntitlement{}).
		Where("id = ? AND version = ?", ce.ID, loadedVersion).
		Updates(map[string]any{
			"balance":       ce.Balance,
			"balances":      ce.Balances,
			"adjustment":    ce.Adjustment,
			"next_reset_at": ce.NextResetAt,
			"version":       loadedVersion + 1,
			"updated_at":    time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrConflict
	}
	ce.Version = loadedVersion + 1
	return nil
}

func (r *repo) DeleteByCustomerProduct(ctx context.Context, db *gorm.DB, orgID, customerProductID snowflake.ID) error {
	return db.WithContext(ctx).
		Where("org_id = ? AND customer_product_id = ?", orgID, customerProductID).
		Delete(&domain.CustomerEntitlement{}).Error
}
