package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/meterline/meterline/internal/invoice/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Create(ctx context.Context, db *gorm.DB, inv *domain.Invoice) error {
	// Webhook replays race the synchronous proration path; the first writer
	// wins and the duplicate is silently absorbed.
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "org_id"}, {Name: "processor_invoice_id"}},
			DoNothing: true,
		}).
		Create(inv).Error
}

func (r *repo) FindByProcessorID(ctx context.Context, db *gorm.DB, orgID snowflake.ID, processorInvoiceID string) (*domain.Invoice, error) {
	var inv domain.Invoice
	err := db.WithContext(ctx).
		Where("org_id = ? AND processor_invoice_id = ?", orgID, processorInvoiceID).
		First(&inv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status domain.Status, total int64, at time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.Invoice{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":     status,
			"total":      total,
			"updated_at": at,
		}).Error
}

func (r *repo) CreateItem(ctx context.Context, db *gorm.DB, item *domain.InvoiceItem) error {
	return db.WithContext(ctx).Create(item).Error
}

func (r *repo) ListItemsByEntitlement(ctx context.Context, db *gorm.DB, orgID, customerEntitlementID snowflake.ID) ([]domain.InvoiceItem, error) {
	var items []domain.InvoiceItem
	err := db.WithContext(ctx).
		Where("org_id = ? AND customer_entitlement_id = ?", orgID, customerEntitlementID).
		Order("created_at").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
