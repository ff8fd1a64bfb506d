package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tidelock/conversant-backend/internal/logger"
	"github.com/tidelock/conversant-backend/internal/types"
)

type MessageRepo interface {
	Upsert(ctx context.Context, tx *gorm.DB, msg *types.Message) error
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Message, error)
	GetByConversationID(ctx context.Context, tx *gorm.DB, conversationID uuid.UUID) ([]*types.Message, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, fields map[string]any) error
	// UpdateFieldsWhereStatus guards cross-event races: the update applies
	// only while the row is still in the given status.
	UpdateFieldsWhereStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, status string, fields map[string]any) error
	DeleteFromPosition(ctx context.Context, tx *gorm.DB, conversationID uuid.UUID, position int) error
	DeleteAll(ctx context.Context, tx *gorm.DB) error
}

type messageRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewMessageRepo(db *gorm.DB, baseLog *logger.Logger) MessageRepo {
	return &messageRepo{db: db, log: baseLog.With("repo", "MessageRepo")}
}

func (r *messageRepo) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *messageRepo) Upsert(ctx context.Context, tx *gorm.DB, msg *types.Message) error {
	return r.conn(tx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(msg).Error
}

func (r *messageRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Message, error) {
	var msg types.Message
	if err := r.conn(tx).WithContext(ctx).First(&msg, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &msg, nil
}

func (r *messageRepo) GetByConversationID(ctx context.Context, tx *gorm.DB, conversationID uuid.UUID) ([]*types.Message, error) {
	var results []*types.Message
	err := r.conn(tx).WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("position ASC").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (r *messageRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, fields map[string]any) error {
	return r.conn(tx).WithContext(ctx).
		Model(&types.Message{}).
		Where("id = ?", id).
		Updates(fields).Error
}

func (r *messageRepo) UpdateFieldsWhereStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, status string, fields map[string]any) error {
	return r.conn(tx).WithContext(ctx).
		Model(&types.Message{}).
		Where("id = ? AND status = ?", id, status).
		Updates(fields).Error
}

func (r *messageRepo) DeleteFromPosition(ctx context.Context, tx *gorm.DB, conversationID uuid.UUID, position int) error {
	return r.conn(tx).WithContext(ctx).
		Where("conversation_id = ? AND position >= ?", conversationID, position).
		Delete(&types.Message{}).Error
}

func (r *messageRepo) DeleteAll(ctx context.Context, tx *gorm.DB) error {
	return r.conn(tx).WithContext(ctx).
		Session(&gorm.Session{AllowGlobalUpdate: true}).
		Delete(&types.Message{}).Error
}
