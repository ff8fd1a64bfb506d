package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tidelock/conversant-backend/internal/logger"
	"github.com/tidelock/conversant-backend/internal/types"
)

type MessageChunkRepo interface {
	Upsert(ctx context.Context, tx *gorm.DB, chunk *types.MessageChunk) error
	GetByMessageID(ctx context.Context, tx *gorm.DB, messageID uuid.UUID) ([]*types.MessageChunk, error)
	DeleteByMessageID(ctx context.Context, tx *gorm.DB, messageID uuid.UUID) error
	DeleteAll(ctx context.Context, tx *gorm.DB) error
}

type messageChunkRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewMessageChunkRepo(db *gorm.DB, baseLog *logger.Logger) MessageChunkRepo {
	return &messageChunkRepo{db: db, log: baseLog.With("repo", "MessageChunkRepo")}
}

func (r *messageChunkRepo) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *messageChunkRepo) Upsert(ctx context.Context, tx *gorm.DB, chunk *types.MessageChunk) error {
	return r.conn(tx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "message_id"}, {Name: "chunk_index"}},
			DoNothing: true,
		}).
		Create(chunk).Error
}

func (r *messageChunkRepo) GetByMessageID(ctx context.Context, tx *gorm.DB, messageID uuid.UUID) ([]*types.MessageChunk, error) {
	var results []*types.MessageChunk
	err := r.conn(tx).WithContext(ctx).
		Where("message_id = ?", messageID).
		Order("chunk_index ASC").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (r *messageChunkRepo) DeleteByMessageID(ctx context.Context, tx *gorm.DB, messageID uuid.UUID) error {
	return r.conn(tx).WithContext(ctx).
		Where("message_id = ?", messageID).
		Delete(&types.MessageChunk{}).Error
}

func (r *messageChunkRepo) DeleteAll(ctx context.Context, tx *gorm.DB) error {
	return r.conn(tx).WithContext(ctx).
		Session(&gorm.Session{AllowGlobalUpdate: true}).
		Delete(&types.MessageChunk{}).Error
}
