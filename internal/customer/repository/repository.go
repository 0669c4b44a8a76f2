package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/meterline/meterline/internal/customer/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Create(ctx context.Context, db *gorm.DB, customer *domain.Customer) error {
	return db.WithContext(ctx).Create(customer).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*domain.Customer, error) {
	var c domain.Customer
	err := db.WithContext(ctx).
		Where("org_id = ? AND id = ?", orgID, id).
		First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *repo) FindByProcessorID(ctx context.Context, db *gorm.DB, orgID snowflake.ID, processorID string) (*domain.Customer, error) {
	var c domain.Customer
	err := db.WithContext(ctx).
		Where("org_id = ? AND processor_customer_id = ?", orgID, processorID).
		First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *repo) FindByProcessorIDAny(ctx context.Context, db *gorm.DB, processorID string) (*domain.Customer, error) {
	var c domain.Customer
	err := db.WithContext(ctx).
		Where("processor_customer_id = ?", processorID).
		First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, customer *domain.Customer) error {
	if customer == nil {
		return gorm.ErrInvalidData
	}
	return db.WithContext(ctx).
		Model(&domain.Customer{}).
		Where("org_id = ? AND id = ?", customer.OrgID, customer.ID).
		Updates(map[string]any{
			"name":                  customer.Name,
			"email":                 customer.Email,
			"processor_customer_id": customer.ProcessorCustomerID,
			"updated_at":            customer.UpdatedAt,
		}).Error
}
