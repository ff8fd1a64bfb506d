package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tidelock/conversant-backend/internal/logger"
	"github.com/tidelock/conversant-backend/internal/types"
)

type ToolCallRepo interface {
	Upsert(ctx context.Context, tx *gorm.DB, call *types.ToolCall) error
	GetByCallID(ctx context.Context, tx *gorm.DB, callID string) (*types.ToolCall, error)
	GetByConversationID(ctx context.Context, tx *gorm.DB, conversationID uuid.UUID) ([]*types.ToolCall, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, callID string, fields map[string]any) error
	DeleteAll(ctx context.Context, tx *gorm.DB) error
}

type toolCallRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewToolCallRepo(db *gorm.DB, baseLog *logger.Logger) ToolCallRepo {
	return &toolCallRepo{db: db, log: baseLog.With("repo", "ToolCallRepo")}
}

func (r *toolCallRepo) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *toolCallRepo) Upsert(ctx context.Context, tx *gorm.DB, call *types.ToolCall) error {
	return r.conn(tx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "call_id"}},
			UpdateAll: true,
		}).
		Create(call).Error
}

func (r *toolCallRepo) GetByCallID(ctx context.Context, tx *gorm.DB, callID string) (*types.ToolCall, error) {
	var call types.ToolCall
	if err := r.conn(tx).WithContext(ctx).First(&call, "call_id = ?", callID).Error; err != nil {
		return nil, err
	}
	return &call, nil
}

func (r *toolCallRepo) GetByConversationID(ctx context.Context, tx *gorm.DB, conversationID uuid.UUID) ([]*types.ToolCall, error) {
	var results []*types.ToolCall
	err := r.conn(tx).WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (r *toolCallRepo) UpdateFields(ctx context.Context, tx *gorm.DB, callID string, fields map[string]any) error {
	return r.conn(tx).WithContext(ctx).
		Model(&types.ToolCall{}).
		Where("call_id = ?", callID).
		Updates(fields).Error
}

func (r *toolCallRepo) DeleteAll(ctx context.Context, tx *gorm.DB) error {
	return r.conn(tx).WithContext(ctx).
		Session(&gorm.Session{AllowGlobalUpdate: true}).
		Delete(&types.ToolCall{}).Error
}
