package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	feature "github.com/meterline/meterline/internal/feature/domain"
	product "github.com/meterline/meterline/internal/product/domain"
	"gorm.io/datatypes"
)

// GroupBalance is one keyed sub-balance of an entity feature. Removed groups
// are tombstoned, not deleted, so their slot can be reused by a later add
// without growing the map.
type GroupBalance struct {
	Balance *float64 `json:"balance"`
	// Adjustment accumulates manual grants applied to this group outside
	// the deduction path, mirroring the row-level bucket.
	Adjustment float64 `json:"adjustment"`
	Deleted    bool    `json:"deleted"`
}

// CustomerEntitlement is a live ledger row: the materialized balance of one
// product entitlement for one customer. Balance == nil means unlimited.
type CustomerEntitlement struct {
	ID                snowflake.ID        `gorm:"primaryKey"`
	OrgID             snowflake.ID        `gorm:"column:org_id;not null"`
	Env               string              `gorm:"type:text;not null;default:live"`
	CustomerID        snowflake.ID        `gorm:"column:customer_id;not null;index:ix_customer_entitlements_customer"`
	CustomerProductID snowflake.ID        `gorm:"column:customer_product_id;not null;index"`
	EntitlementID     snowflake.ID        `gorm:"column:entitlement_id;not null"`
	FeatureID         snowflake.ID        `gorm:"column:feature_id;not null"`
	FeatureCode       string              `gorm:"column:feature_code;type:text;not null"`
	FeatureType       feature.FeatureType `gorm:"column:feature_type;type:text;not null"`

	Balance  *float64                                    `gorm:"type:double precision"`
	Balances datatypes.JSONType[map[string]GroupBalance] `gorm:"type:jsonb"`

	// Adjustment accumulates manual grants and corrections applied outside
	// the deduction path.
	Adjustment float64 `gorm:"not null;default:0"`

	NextResetAt *int64 `gorm:"column:next_reset_at;index"`

	// EntityFeatureID names the feature whose events allocate and remove
	// this row's group slots, for seat-style entitlements.
	EntityFeatureID *string `gorm:"column:entity_feature_id;type:text"`

	// UsageAllowed marks the overage row an in-arrear usage price bills
	// against; it is the only row whose balance may go negative.
	UsageAllowed      bool                  `gorm:"column:usage_allowed;not null;default:false"`
	CarryFromPrevious bool                  `gorm:"column:carry_from_previous;not null;default:false"`
	Allowance         *float64              `gorm:"type:double precision"`
	ResetInterval     product.ResetInterval `gorm:"type:text;not null;default:none"`

	Version int64 `gorm:"not null;default:1"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (CustomerEntitlement) TableName() string { return "customer_entitlements" }

func (ce *CustomerEntitlement) Unlimited() bool { return ce.Balance == nil && !ce.Grouped() }

func (ce *CustomerEntitlement) Grouped() bool {
	groups := ce.Balances.Data()
	return len(groups) > 0
}

// BalanceFor returns the balance the deduction law operates on: the keyed
// sub-balance when groupKey is set, the flat balance otherwise. ok is false
// when the key names a missing or tombstoned group.
func (ce *CustomerEntitlement) BalanceFor(groupKey string) (*float64, bool) {
	if groupKey == "" {
		return ce.Balance, true
	}
	groups := ce.Balances.Data()
	g, ok := groups[groupKey]
	if !ok || g.Deleted {
		return nil, false
	}
	return g.Balance, true
}

// SetBalanceFor writes the flat balance or the keyed sub-balance.
func (ce *CustomerEntitlement) SetBalanceFor(groupKey string, balance *float64) {
	if groupKey == "" {
		ce.Balance = balance
		return
	}
	groups := ce.Balances.Data()
	if groups == nil {
		groups = map[string]GroupBalance{}
	}
	g := groups[groupKey]
	g.Balance = balance
	g.Deleted = false
	groups[groupKey] = g
	ce.Balances = datatypes.NewJSONType(groups)
}

// BumpGroupAdjustment adds to one group's manual-grant bucket. Missing or
// tombstoned keys are ignored.
func (ce *CustomerEntitlement) BumpGroupAdjustment(groupKey string, delta float64) {
	groups := ce.Balances.Data()
	g, ok := groups[groupKey]
	if !ok || g.Deleted {
		return
	}
	g.Adjustment += delta
	groups[groupKey] = g
	ce.Balances = datatypes.NewJSONType(groups)
}

// AllocateGroup creates a keyed sub-balance, reusing a tombstoned slot first
// so repeated add/remove cycles do not grow the map. It reports whether a
// tombstone was reused.
func (ce *CustomerEntitlement) AllocateGroup(key string, balance *float64) bool {
	groups := ce.Balances.Data()
	if groups == nil {
		groups = map[string]GroupBalance{}
	}
	if g, ok := groups[key]; ok && g.Deleted {
		groups[key] = GroupBalance{Balance: balance}
		ce.Balances = datatypes.NewJSONType(groups)
		return true
	}
	reused := false
	for k, g := range groups {
		if g.Deleted {
			delete(groups, k)
			reused = true
			break
		}
	}
	groups[key] = GroupBalance{Balance: balance}
	ce.Balances = datatypes.NewJSONType(groups)
	return reused
}

// TombstoneGroup marks a keyed sub-balance removed. The slot survives for
// reuse by a later AllocateGroup.
func (ce *CustomerEntitlement) TombstoneGroup(key string) bool {
	groups := ce.Balances.Data()
	g, ok := groups[key]
	if !ok || g.Deleted {
		return false
	}
	g.Deleted = true
	groups[key] = g
	ce.Balances = datatypes.NewJSONType(groups)
	return true
}

// LiveGroupCount counts non-tombstoned groups.
func (ce *CustomerEntitlement) LiveGroupCount() int {
	n := 0
	for _, g := range ce.Balances.Data() {
		if !g.Deleted {
			n++
		}
	}
	return n
}

var (
	ErrConflict       = errors.New("entitlement_version_conflict")
	ErrNotFound       = errors.New("entitlement_not_found")
	ErrGroupNotFound  = errors.New("group_not_found")
	ErrRowExpired     = errors.New("entitlement_row_expired")
	ErrInvalidBalance = errors.New("invalid_balance")
)
