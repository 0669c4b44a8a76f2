package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusActive    Status = "active"
	StatusPastDue   Status = "past_due"
	StatusExpired   Status = "expired"
)

// Options carries per-attach overrides: feature quantities for seat-style
// entitlements and threshold overrides for below-threshold billing.
type Options struct {
	Quantities map[string]float64 `json:"quantities,omitempty"`
	Thresholds map[string]float64 `json:"thresholds,omitempty"`
	TrialDays  int                `json:"trial_days,omitempty"`
}

func (o Options) QuantityFor(featureID snowflake.ID) float64 {
	if o.Quantities == nil {
		return 1
	}
	if q, ok := o.Quantities[featureID.String()]; ok && q > 0 {
		return q
	}
	return 1
}

// CustomerProduct is one attach of a product to a customer. Rows are never
// mutated after reaching StatusExpired.
type CustomerProduct struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	OrgID      snowflake.ID `gorm:"column:org_id;not null"`
	Env        string       `gorm:"type:text;not null;default:live"`
	CustomerID snowflake.ID `gorm:"column:customer_id;not null;index:ix_customer_products_customer"`
	ProductID  snowflake.ID `gorm:"column:product_id;not null"`

	Status      Status     `gorm:"type:text;not null"`
	StartsAt    time.Time  `gorm:"column:starts_at;not null"`
	CanceledAt  *time.Time `gorm:"column:canceled_at"`
	EndedAt     *time.Time `gorm:"column:ended_at"`
	TrialEndsAt *time.Time `gorm:"column:trial_ends_at"`

	ProcessorSubscriptionID *string                     `gorm:"column:processor_subscription_id;type:text;index"`
	ProcessorScheduleIDs    datatypes.JSONSlice[string] `gorm:"column:processor_schedule_ids;type:jsonb"`
	Options                 datatypes.JSONType[Options] `gorm:"type:jsonb"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (CustomerProduct) TableName() string { return "customer_products" }

func (cp *CustomerProduct) OnTrial(now time.Time) bool {
	return cp.TrialEndsAt != nil && cp.TrialEndsAt.After(now)
}

func (cp *CustomerProduct) Free() bool {
	return cp.ProcessorSubscriptionID == nil || *cp.ProcessorSubscriptionID == ""
}

var (
	ErrNotFound     = errors.New("customer_product_not_found")
	ErrAlreadyEnded = errors.New("customer_product_already_ended")
)
