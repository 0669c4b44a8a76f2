package webhook

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ProcessedEvent is the idempotency record for processor webhooks: one row
// per delivered event id. ProcessedAt is stamped only after the handler
// completes; a claim without it belongs to a delivery that failed midway.
type ProcessedEvent struct {
	ID    snowflake.ID `gorm:"primaryKey"`
	OrgID snowflake.ID `gorm:"column:org_id;not null;uniqueIndex:ux_webhook_events_provider,priority:1"`

	Provider        string `gorm:"type:text;not null;uniqueIndex:ux_webhook_events_provider,priority:2"`
	ProviderEventID string `gorm:"column:provider_event_id;type:text;not null;uniqueIndex:ux_webhook_events_provider,priority:3"`
	EventType       string `gorm:"column:event_type;type:text;not null"`

	ReceivedAt  time.Time  `gorm:"column:received_at;not null"`
	ProcessedAt *time.Time `gorm:"column:processed_at"`
}

func (ProcessedEvent) TableName() string { return "webhook_events" }

// claimEvent records the event id. Only a fully processed prior delivery
// blocks a redelivery; a claim whose handler never finished is handed back
// out so the processor's retry can complete the work.
func claimEvent(ctx context.Context, db *gorm.DB, record *ProcessedEvent) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "org_id"}, {Name: "provider"}, {Name: "provider_event_id"}},
			DoNothing: true,
		}).
		Create(record)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		return true, nil
	}

	var existing ProcessedEvent
	err := db.WithContext(ctx).
		Where("org_id = ? AND provider = ? AND provider_event_id = ?",
			record.OrgID, record.Provider, record.ProviderEventID).
		First(&existing).Error
	if err != nil {
		return false, err
	}
	if existing.ProcessedAt != nil {
		return false, nil
	}
	record.ID = existing.ID
	return true, nil
}

func markEventProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).
		Model(&ProcessedEvent{}).
		Where("id = ?", id).
		Update("processed_at", at).Error
}
