package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Product struct {
	ID    snowflake.ID `gorm:"primaryKey"`
	OrgID snowflake.ID `gorm:"column:org_id;not null;uniqueIndex:ux_products_org_code,priority:1"`
	Env   string       `gorm:"type:text;not null;default:live;uniqueIndex:ux_products_org_code,priority:2"`
	Code  string       `gorm:"type:text;not null;uniqueIndex:ux_products_org_code,priority:3"`

	Name               string  `gorm:"type:text;not null"`
	IsDefault          bool    `gorm:"not null;default:false"`
	IsAddOn            bool    `gorm:"column:is_add_on;not null;default:false"`
	ProcessorProductID *string `gorm:"column:processor_product_id;type:text"`
	Archived           bool    `gorm:"not null;default:false"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`

	Entitlements []Entitlement `gorm:"foreignKey:ProductID"`
}

func (Product) TableName() string { return "products" }
