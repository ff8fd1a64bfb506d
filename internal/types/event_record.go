package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// EventRecord is one appended, immutable event. The (stream_id, version)
// pair is unique; the insert racing on it is how optimistic concurrency is
// enforced. CreatedAt orders events globally during full rebuilds.
type EventRecord struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	StreamID  uuid.UUID      `gorm:"type:uuid;not null;index:idx_event_stream_version,unique,priority:1" json:"stream_id"`
	Version   int            `gorm:"not null;index:idx_event_stream_version,unique,priority:2" json:"version"`
	Type      string         `gorm:"not null;index" json:"type"`
	Payload   datatypes.JSON `gorm:"not null" json:"payload"`
	CreatedAt time.Time      `gorm:"not null;index" json:"created_at"`
}

func (EventRecord) TableName() string { return "event_record" }
