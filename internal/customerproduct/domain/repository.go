package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Create(ctx context.Context, db *gorm.DB, cp *CustomerProduct) error
	FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*CustomerProduct, error)
	// FindCurrent returns the customer's active or past-due non-add-on
	// product, if any.
	FindCurrent(ctx context.Context, db *gorm.DB, orgID, customerID snowflake.ID) (*CustomerProduct, error)
	FindScheduled(ctx context.Context, db *gorm.DB, orgID, customerID snowflake.ID) (*CustomerProduct, error)
	FindBySubscriptionID(ctx context.Context, db *gorm.DB, orgID snowflake.ID, subscriptionID string) (*CustomerProduct, error)
	ListByCustomer(ctx context.Context, db *gorm.DB, orgID, customerID snowflake.ID, statuses []Status) ([]CustomerProduct, error)
	Update(ctx context.Context, db *gorm.DB, cp *CustomerProduct) error
	// Transition moves a row from one status to another; it reports
	// ErrAlreadyEnded without writing when the row is not in the expected
	// status, which makes webhook replays harmless.
	Transition(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to Status, at time.Time) error
}
