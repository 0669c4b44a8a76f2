package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Create(ctx context.Context, db *gorm.DB, feature *Feature) error
	FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*Feature, error)
	FindByCode(ctx context.Context, db *gorm.DB, orgID snowflake.ID, env, code string) (*Feature, error)
	List(ctx context.Context, db *gorm.DB, orgID snowflake.ID, filter ListRequest) ([]Feature, error)
	ListByIDs(ctx context.Context, db *gorm.DB, orgID snowflake.ID, ids []snowflake.ID) ([]Feature, error)
	ListActive(ctx context.Context, db *gorm.DB, orgID snowflake.ID, env string) ([]Feature, error)
	Update(ctx context.Context, db *gorm.DB, feature *Feature) error
}
