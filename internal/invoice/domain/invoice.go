package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Status string

const (
	StatusDraft Status = "draft"
	StatusOpen  Status = "open"
	StatusPaid  Status = "paid"
	StatusVoid  Status = "void"
)

// Invoice mirrors a processor invoice so webhook replays and reconciliation
// sweeps can be answered from local state.
type Invoice struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	OrgID      snowflake.ID `gorm:"column:org_id;not null;uniqueIndex:ux_invoices_processor,priority:1"`
	CustomerID snowflake.ID `gorm:"column:customer_id;not null"`

	ProcessorInvoiceID string `gorm:"column:processor_invoice_id;type:text;not null;uniqueIndex:ux_invoices_processor,priority:2"`
	Status             Status `gorm:"type:text;not null"`
	Total              int64  `gorm:"not null;default:0"`
	Currency           string `gorm:"type:text;not null;default:USD"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Invoice) TableName() string { return "invoices" }

// InvoiceItem records one proration line: which ledger row it bills, for
// which slice of the period, and whether the processor has seen it.
type InvoiceItem struct {
	ID        snowflake.ID  `gorm:"primaryKey"`
	OrgID     snowflake.ID  `gorm:"column:org_id;not null"`
	InvoiceID *snowflake.ID `gorm:"column:invoice_id"`

	CustomerEntitlementID snowflake.ID  `gorm:"column:customer_entitlement_id;not null;index"`
	CustomerPriceID       *snowflake.ID `gorm:"column:customer_price_id"`

	PeriodStart    time.Time  `gorm:"column:period_start;not null"`
	PeriodEnd      time.Time  `gorm:"column:period_end;not null"`
	ProrationStart *time.Time `gorm:"column:proration_start"`
	ProrationEnd   *time.Time `gorm:"column:proration_end"`

	Quantity float64 `gorm:"not null;default:0"`
	Amount   int64   `gorm:"not null;default:0"`
	Currency string  `gorm:"type:text;not null;default:USD"`

	AddedToProcessor bool `gorm:"column:added_to_processor;not null;default:false"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (InvoiceItem) TableName() string { return "invoice_items" }

type Repository interface {
	Create(ctx context.Context, db *gorm.DB, inv *Invoice) error
	FindByProcessorID(ctx context.Context, db *gorm.DB, orgID snowflake.ID, processorInvoiceID string) (*Invoice, error)
	UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status Status, total int64, at time.Time) error

	CreateItem(ctx context.Context, db *gorm.DB, item *InvoiceItem) error
	ListItemsByEntitlement(ctx context.Context, db *gorm.DB, orgID, customerEntitlementID snowflake.ID) ([]InvoiceItem, error)
}

var ErrNotFound = errors.New("invoice_not_found")
