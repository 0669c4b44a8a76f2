package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type AllowanceType string

const (
	AllowanceFixed     AllowanceType = "fixed"
	AllowanceUnlimited AllowanceType = "unlimited"
	// AllowanceUsage marks the overage entitlement a usage price bills
	// against; it has no free balance of its own.
	AllowanceUsage AllowanceType = "usage"
)

type ResetInterval string

const (
	ResetNone  ResetInterval = "none"
	ResetDay   ResetInterval = "day"
	ResetWeek  ResetInterval = "week"
	ResetMonth ResetInterval = "month"
	ResetYear  ResetInterval = "year"
)

// Entitlement is the per-product template a CustomerEntitlement row is
// stamped from at attach time.
type Entitlement struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	OrgID     snowflake.ID `gorm:"column:org_id;not null"`
	ProductID snowflake.ID `gorm:"column:product_id;not null;index"`
	FeatureID snowflake.ID `gorm:"column:feature_id;not null"`

	AllowanceType AllowanceType `gorm:"type:text;not null"`
	Allowance     *float64      `gorm:"type:double precision"`
	ResetInterval ResetInterval `gorm:"type:text;not null;default:none"`

	// EntityFeatureID links a per-group balance to the feature whose events
	// allocate and remove the groups (seat-style features).
	EntityFeatureID   *string `gorm:"column:entity_feature_id;type:text"`
	CarryFromPrevious bool    `gorm:"column:carry_from_previous;not null;default:false"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Entitlement) TableName() string { return "entitlements" }

func (e *Entitlement) Unlimited() bool { return e.AllowanceType == AllowanceUnlimited }

func (e *Entitlement) AllowanceValue() float64 {
	if e.Allowance == nil {
		return 0
	}
	return *e.Allowance
}
