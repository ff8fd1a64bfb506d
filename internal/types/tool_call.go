package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	ToolCallStatusStarted   = "started"
	ToolCallStatusCompleted = "completed"
)

// ToolCall is the projected tool invocation row. CallID is the provider's
// tool-use id and the natural upsert key.
type ToolCall struct {
	CallID         string         `gorm:"primaryKey" json:"call_id"`
	ConversationID uuid.UUID      `gorm:"type:uuid;not null;index" json:"conversation_id"`
	Name           string         `gorm:"not null" json:"name"`
	Input          datatypes.JSON `json:"input,omitempty"`
	Output         datatypes.JSON `json:"output,omitempty"`
	IsError        bool           `gorm:"not null;default:false" json:"is_error"`
	Status         string         `gorm:"not null;index" json:"status"`
	CreatedAt      time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"not null" json:"updated_at"`
}

func (ToolCall) TableName() string { return "tool_call" }
