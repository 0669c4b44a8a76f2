package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// PriceKind is a closed set; billing decisions switch over it exhaustively
// rather than comparing ad hoc strings.
type PriceKind string

const (
	KindFixed                 PriceKind = "fixed"
	KindUsageInAdvance        PriceKind = "usage_in_advance"
	KindUsageInArrear         PriceKind = "usage_in_arrear"
	KindUsageInArrearProrated PriceKind = "usage_in_arrear_prorated"
	KindUsageBelowThreshold   PriceKind = "usage_below_threshold"
)

func ParseKind(raw string) (PriceKind, error) {
	switch PriceKind(raw) {
	case KindFixed, KindUsageInAdvance, KindUsageInArrear, KindUsageInArrearProrated, KindUsageBelowThreshold:
		return PriceKind(raw), nil
	default:
		return "", ErrInvalidKind
	}
}

func (k PriceKind) Usage() bool { return k != KindFixed }

// BilledInArrear reports whether usage is charged after consumption. Only
// these prices back an overage row whose balance may go negative; prepaid
// in-advance and threshold prices never admit overage.
func (k PriceKind) BilledInArrear() bool {
	switch k {
	case KindUsageInArrear, KindUsageInArrearProrated:
		return true
	case KindFixed, KindUsageInAdvance, KindUsageBelowThreshold:
		return false
	default:
		return false
	}
}

// BillsNow reports whether attaching a product carrying this price requires a
// processor subscription up front.
func (k PriceKind) BillsNow() bool {
	switch k {
	case KindFixed, KindUsageInAdvance:
		return true
	case KindUsageInArrear, KindUsageInArrearProrated, KindUsageBelowThreshold:
		return false
	default:
		return false
	}
}

type Interval string

const (
	IntervalMonth Interval = "month"
	IntervalYear  Interval = "year"
	IntervalOnce  Interval = "once"
)

// UsageTier is one step of a graduated price. To == nil marks the open-ended
// last tier. Amount is the per-unit price in major currency units.
type UsageTier struct {
	To     *float64 `json:"to"`
	Amount float64  `json:"amount"`
}

type Price struct {
	ID        snowflake.ID  `gorm:"primaryKey"`
	OrgID     snowflake.ID  `gorm:"column:org_id;not null"`
	ProductID snowflake.ID  `gorm:"column:product_id;not null;index"`
	FeatureID *snowflake.ID `gorm:"column:feature_id"`

	Kind     PriceKind `gorm:"column:kind;type:text;not null"`
	Interval Interval  `gorm:"type:text;not null;default:month"`
	// Amount is the flat recurring charge in minor currency units; zero for
	// pure usage prices.
	Amount   int64  `gorm:"not null;default:0"`
	Currency string `gorm:"type:text;not null;default:USD"`
	// BillingUnits is the quantity granularity reported to the processor for
	// prorated usage prices.
	BillingUnits int64                          `gorm:"not null;default:1"`
	UsageTiers   datatypes.JSONSlice[UsageTier] `gorm:"type:jsonb"`

	ProcessorPriceID *string `gorm:"column:processor_price_id;type:text"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Price) TableName() string { return "prices" }

var (
	ErrInvalidKind  = errors.New("invalid_price_kind")
	ErrInvalidTiers = errors.New("invalid_usage_tiers")
	ErrNotFound     = errors.New("price_not_found")
)

// ValidateTiers enforces ordered tier boundaries with an open-ended tail.
func ValidateTiers(tiers []UsageTier) error {
	if len(tiers) == 0 {
		return ErrInvalidTiers
	}
	prev := 0.0
	for i, tier := range tiers {
		last := i == len(tiers)-1
		if tier.To == nil {
			if !last {
				return ErrInvalidTiers
			}
			continue
		}
		if last {
			return ErrInvalidTiers
		}
		if *tier.To <= prev {
			return ErrInvalidTiers
		}
		prev = *tier.To
	}
	return nil
}

// FreeTierLimit returns the upper bound of a leading zero-amount tier, used
// as the implicit allowance when an entitlement declares none of its own.
func FreeTierLimit(tiers []UsageTier) float64 {
	if len(tiers) == 0 || tiers[0].Amount != 0 || tiers[0].To == nil {
		return 0
	}
	return *tiers[0].To
}

// PriceForOverage evaluates a graduated tier schedule at the given usage:
// each tier charges only for the units falling inside its own range.
func PriceForOverage(tiers []UsageTier, usage float64) float64 {
	if usage <= 0 || len(tiers) == 0 {
		return 0
	}
	total := 0.0
	lower := 0.0
	for _, tier := range tiers {
		upper := usage
		if tier.To != nil && *tier.To < usage {
			upper = *tier.To
		}
		if upper > lower {
			total += (upper - lower) * tier.Amount
		}
		if tier.To == nil || *tier.To >= usage {
			break
		}
		lower = *tier.To
	}
	return total
}
