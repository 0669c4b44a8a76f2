package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type FeatureType string

const (
	FeatureTypeBoolean FeatureType = "boolean"
	FeatureTypeMetered FeatureType = "metered"
	FeatureTypeCredit  FeatureType = "credit_system"
)

type AggregationType string

const (
	AggregationSum   AggregationType = "sum"
	AggregationCount AggregationType = "count"
)

// CreditRate converts consumption of a metered feature into credits:
// FeatureAmount units of the source feature cost CreditAmount credits.
type CreditRate struct {
	FeatureCode   string  `json:"feature_code"`
	FeatureAmount float64 `json:"feature_amount"`
	CreditAmount  float64 `json:"credit_amount"`
}

type Feature struct {
	ID    snowflake.ID `gorm:"primaryKey"`
	OrgID snowflake.ID `gorm:"column:org_id;not null;uniqueIndex:ux_features_org_code,priority:1"`
	Env   string       `gorm:"type:text;not null;default:live;uniqueIndex:ux_features_org_code,priority:2"`
	Code  string       `gorm:"type:text;not null;uniqueIndex:ux_features_org_code,priority:3"`

	Name            string                          `gorm:"type:text;not null"`
	Type            FeatureType                     `gorm:"column:feature_type;type:text;not null"`
	AggregationType AggregationType                 `gorm:"type:text;not null;default:sum"`
	EventNames      datatypes.JSONSlice[string]     `gorm:"type:jsonb"`
	GroupBy         *string                         `gorm:"type:text"`
	CreditSchedule  datatypes.JSONSlice[CreditRate] `gorm:"type:jsonb"`
	Archived        bool                            `gorm:"not null;default:false"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Feature) TableName() string { return "features" }

// MatchesEvent reports whether a usage event named eventName should be
// aggregated into this feature. A feature with no event filter matches only
// its own code.
func (f *Feature) MatchesEvent(eventName string) bool {
	if len(f.EventNames) == 0 {
		return f.Code == eventName
	}
	for _, name := range f.EventNames {
		if name == eventName {
			return true
		}
	}
	return false
}

// CreditRateFor returns the conversion rate this credit feature applies to
// consumption of the given source feature, or nil when the schedule does not
// reference it.
func (f *Feature) CreditRateFor(sourceCode string) *CreditRate {
	if f.Type != FeatureTypeCredit {
		return nil
	}
	for i := range f.CreditSchedule {
		if f.CreditSchedule[i].FeatureCode == sourceCode {
			return &f.CreditSchedule[i]
		}
	}
	return nil
}
