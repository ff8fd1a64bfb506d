package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tidelock/conversant-backend/internal/logger"
	"github.com/tidelock/conversant-backend/internal/types"
)

type ConversationRepo interface {
	Upsert(ctx context.Context, tx *gorm.DB, conv *types.Conversation) error
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Conversation, error)
	GetByUserID(ctx context.Context, tx *gorm.DB, userID uuid.UUID) ([]*types.Conversation, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, fields map[string]any) error
	// StaleStreaming returns conversations stuck in streaming status whose
	// last update is older than the cutoff. Used by the recovery sweep.
	StaleStreaming(ctx context.Context, tx *gorm.DB, cutoff time.Time) ([]*types.Conversation, error)
	DeleteAll(ctx context.Context, tx *gorm.DB) error
}

type conversationRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewConversationRepo(db *gorm.DB, baseLog *logger.Logger) ConversationRepo {
	return &conversationRepo{db: db, log: baseLog.With("repo", "ConversationRepo")}
}

func (r *conversationRepo) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *conversationRepo) Upsert(ctx context.Context, tx *gorm.DB, conv *types.Conversation) error {
	return r.conn(tx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(conv).Error
}

func (r *conversationRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Conversation, error) {
	var conv types.Conversation
	if err := r.conn(tx).WithContext(ctx).First(&conv, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &conv, nil
}

func (r *conversationRepo) GetByUserID(ctx context.Context, tx *gorm.DB, userID uuid.UUID) ([]*types.Conversation, error) {
	var results []*types.Conversation
	err := r.conn(tx).WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (r *conversationRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, fields map[string]any) error {
	return r.conn(tx).WithContext(ctx).
		Model(&types.Conversation{}).
		Where("id = ?", id).
		Updates(fields).Error
}

func (r *conversationRepo) StaleStreaming(ctx context.Context, tx *gorm.DB, cutoff time.Time) ([]*types.Conversation, error) {
	var results []*types.Conversation
	err := r.conn(tx).WithContext(ctx).
		Where("status = ? AND updated_at < ?", "streaming", cutoff).
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (r *conversationRepo) DeleteAll(ctx context.Context, tx *gorm.DB) error {
	return r.conn(tx).WithContext(ctx).
		Session(&gorm.Session{AllowGlobalUpdate: true}).
		Delete(&types.Conversation{}).Error
}
