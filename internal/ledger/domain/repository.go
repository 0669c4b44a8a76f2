package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	CreateBatch(ctx context.Context, db *gorm.DB, items []CustomerEntitlement) error
	FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*CustomerEntitlement, error)
	ListByCustomer(ctx context.Context, db *gorm.DB, orgID, customerID snowflake.ID) ([]CustomerEntitlement, error)
	ListByCustomerProduct(ctx context.Context, db *gorm.DB, orgID, customerProductID snowflake.ID) ([]CustomerEntitlement, error)
	// ListByFeature returns the customer's rows for one feature ordered so
	// free allowances drain before paid add-ons: lowest balance first,
	// soonest reset first on ties, usage-allowed overage rows last.
	ListByFeature(ctx context.Context, db *gorm.DB, orgID, customerID, featureID snowflake.ID) ([]CustomerEntitlement, error)
	// ListLinked returns rows whose group slots are driven by events of the
	// named entity feature.
	ListLinked(ctx context.Context, db *gorm.DB, orgID, customerID snowflake.ID, entityFeatureCode string) ([]CustomerEntitlement, error)
	ListDueForReset(ctx context.Context, db *gorm.DB, nowUnix int64, limit int) ([]CustomerEntitlement, error)
	// Save persists a mutated row only if nobody else wrote it since it was
	// read: the update is conditioned on the loaded Version and returns
	// ErrConflict when the row moved on. The ledger never retries; callers
	// reload and reapply.
	Save(ctx context.Context, db *gorm.DB, ce *CustomerEntitlement) error
	DeleteByCustomerProduct(ctx context.Context, db *gorm.DB, orgID, customerProductID snowflake.ID) error
}
