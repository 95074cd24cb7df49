package models

import (
	"time"
)

// DBChange is an outbox row written in the same transaction as the change it
// describes. ActionType holds the wire event type to broadcast.
type DBChange struct {
	ID         uint      `gorm:"primaryKey"`
	TableName  string    `gorm:"type:varchar(50);not null;index:idx_table_action"`
	RecordID   string    `gorm:"type:varchar(36);not null"`
	ActionType string    `gorm:"type:varchar(40);not null;index:idx_table_action"`
	RelatedID  string    `gorm:"type:varchar(36)"`
	ChangedAt  time.Time `gorm:"not null"`
	Processed  bool      `gorm:"default:false;index:idx_processed"`
}
