package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/meterline/meterline/internal/customerproduct/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Create(ctx context.Context, db *gorm.DB, cp *domain.CustomerProduct) error {
	return db.WithContext(ctx).Create(cp).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*domain.CustomerProduct, error) {
	var cp domain.CustomerProduct
	err := db.WithContext(ctx).
		Where("org_id = ? AND id = ?", orgID, id).
		First(&cp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

func (r *repo) FindCurrent(ctx context.Context, db *gorm.DB, orgID, customerID snowflake.ID) (*domain.CustomerProduct, error) {
	var cp domain.CustomerProduct
	err := db.WithContext(ctx).
		Joins("JOIN products ON products.id = customer_products.product_id").
		Where("customer_products.org_id = ? AND customer_products.customer_id = ?", orgID, customerID).
		Where("customer_products.status IN ?", []domain.Status{domain.StatusActive, domain.StatusPastDue}).
		Where("products.is_add_on = ?", false).
		Order("customer_products.starts_at DESC").
		First(&cp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

func (r *repo) FindScheduled(ctx context.Context, db *gorm.DB, orgID, customerID snowflake.ID) (*domain.CustomerProduct, error) {
	var cp domain.CustomerProduct
	err := db.WithContext(ctx).
		Where("org_id = ? AND customer_id = ? AND status = ?", orgID, customerID, domain.StatusScheduled).
		Order("starts_at").
		First(&cp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

func (r *repo) FindBySubscriptionID(ctx context.Context, db *gorm.DB, orgID snowflake.ID, subscriptionID string) (*domain.CustomerProduct, error) {
	var cp domain.CustomerProduct
	err := db.WithContext(ctx).
		Where("org_id = ? AND processor_subscription_id = ?", orgID, subscriptionID).
		Order("created_at DESC").
		First(&cp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

func (r *repo) ListByCustomer(ctx context.Context, db *gorm.DB, orgID, customerID snowflake.ID, statuses []domain.Status) ([]domain.CustomerProduct, error) {
	var items []domain.CustomerProduct
	stmt := db.WithContext(ctx).
		Where("org_id = ? AND customer_id = ?", orgID, customerID)
	if len(statuses) > 0 {
		stmt = stmt.Where("status IN ?", statuses)
	}
	if err := stmt.Order("starts_at").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, cp *domain.CustomerProduct) error {
	if cp == nil {
		return gorm.ErrInvalidData
	}
	return db.WithContext(ctx).
		Model(&domain.CustomerProduct{}).
		Where("org_id = ? AND id = ?", cp.OrgID, cp.ID).
		Updates(map[string]any{
			"status":                    cp.Status,
			"starts_at":                 cp.StartsAt,
			"canceled_at":               cp.CanceledAt,
			"ended_at":                  cp.EndedAt,
			"trial_ends_at":             cp.TrialEndsAt,
			"processor_subscription_id": cp.ProcessorSubscriptionID,
			"processor_schedule_ids":    cp.ProcessorScheduleIDs,
			"updated_at":                cp.UpdatedAt,
		}).Error
}

func (r *repo) Transition(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to domain.Status, at time.Time) error {
	updates := map[string]any{
		"status":     to,
		"updated_at": at,
	}
	if to == domain.StatusExpired {
		updates["ended_at"] = at
	}
	res := db.WithContext(ctx).
		Model(&domain.CustomerProduct{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrAlreadyEnded
	}
	return nil
}
