package types

import (
	"time"

	"github.com/google/uuid"
)

// Conversation is the denormalized summary row. It is owned exclusively by
// the projector and can always be rebuilt from the event log.
type Conversation struct {
	ID                 uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	UserID             uuid.UUID  `gorm:"type:uuid;not null;index" json:"user_id"`
	Title              string     `gorm:"not null" json:"title"`
	Model              string     `gorm:"not null" json:"model"`
	SystemPrompt       string     `json:"system_prompt,omitempty"`
	Status             string     `gorm:"not null;index" json:"status"`
	MessageCount       int        `gorm:"not null;default:0" json:"message_count"`
	ForkedFromStreamID *uuid.UUID `gorm:"type:uuid" json:"forked_from_stream_id,omitempty"`
	ForkedAtVersion    *int       `json:"forked_at_version,omitempty"`
	ArchivedAt         *time.Time `json:"archived_at,omitempty"`
	CreatedAt          time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"not null;index" json:"updated_at"`
}

func (Conversation) TableName() string { return "conversation" }
