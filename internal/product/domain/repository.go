package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Create(ctx context.Context, db *gorm.DB, product *Product) error
	FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*Product, error)
	FindByCode(ctx context.Context, db *gorm.DB, orgID snowflake.ID, env, code string) (*Product, error)
	List(ctx context.Context, db *gorm.DB, orgID snowflake.ID, filter ListRequest) ([]Product, error)
	Update(ctx context.Context, db *gorm.DB, product *Product) error

	CreateEntitlements(ctx context.Context, db *gorm.DB, items []Entitlement) error
	ListEntitlements(ctx context.Context, db *gorm.DB, orgID, productID snowflake.ID) ([]Entitlement, error)
}
