package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	MessageStatusStreaming = "streaming"
	MessageStatusCompleted = "completed"
	MessageStatusFailed    = "failed"
)

// Message is the projected message row, one per conversation turn.
type Message struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	ConversationID uuid.UUID      `gorm:"type:uuid;not null;index:idx_message_conv_pos,priority:1" json:"conversation_id"`
	Role           string         `gorm:"not null" json:"role"`
	Content        string         `json:"content"`
	Status         string         `gorm:"not null;index" json:"status"`
	StopReason     *string        `json:"stop_reason,omitempty"`
	ErrorType      *string        `json:"error_type,omitempty"`
	ErrorMessage   *string        `json:"error_message,omitempty"`
	InputTokens    *int           `json:"input_tokens,omitempty"`
	OutputTokens   *int           `json:"output_tokens,omitempty"`
	TotalTokens    *int           `json:"total_tokens,omitempty"`
	LatencyMS      *int           `json:"latency_ms,omitempty"`
	Citations      datatypes.JSON `json:"citations,omitempty"`
	Position       int            `gorm:"not null;index:idx_message_conv_pos,priority:2" json:"position"`
	CreatedAt      time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"not null" json:"updated_at"`
}

func (Message) TableName() string { return "message" }

// MessageChunk is one streamed text delta, keyed by (message_id, chunk_index)
// so re-applying the same chunk event is a no-op.
type MessageChunk struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	MessageID  uuid.UUID `gorm:"type:uuid;not null;index:idx_chunk_message_index,unique,priority:1" json:"message_id"`
	ChunkIndex int       `gorm:"not null;index:idx_chunk_message_index,unique,priority:2" json:"chunk_index"`
	BlockIndex int       `gorm:"not null" json:"block_index"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `gorm:"not null" json:"created_at"`
}

func (MessageChunk) TableName() string { return "message_chunk" }
