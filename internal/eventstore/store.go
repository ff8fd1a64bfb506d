package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/tidelock/conversant-backend/internal/domain/conversation"
	"github.com/tidelock/conversant-backend/internal/events"
	"github.com/tidelock/conversant-backend/internal/logger"
	"github.com/tidelock/conversant-backend/internal/types"
)

// StoredEvent is an event as it exists in the log: typed payload plus the
// version and insertion timestamp the store assigned on append.
type StoredEvent struct {
	ID        uuid.UUID
	StreamID  uuid.UUID
	Version   int
	Type      events.Type
	Event     events.Event
	CreatedAt time.Time
}

// Store is the append-only event log. Appends race on the unique
// (stream_id, version) index; a losing append surfaces as a conflict.
type Store interface {
	AppendEvents(ctx context.Context, streamID uuid.UUID, expectedVersion int, evs []events.Event) ([]StoredEvent, error)
	ReadStreamForward(ctx context.Context, streamID uuid.UUID, fromVersion, limit int) ([]StoredEvent, error)
	// ReadAllForward walks the whole log in (insertion time, version) order,
	// invoking fn once per batch. Used by full projection rebuilds.
	ReadAllForward(ctx context.Context, batchSize int, fn func([]StoredEvent) error) error
}

type store struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewStore(db *gorm.DB, baseLog *logger.Logger) Store {
	return &store{db: db, log: baseLog.With("service", "EventStore")}
}

func (s *store) AppendEvents(ctx context.Context, streamID uuid.UUID, expectedVersion int, evs []events.Event) ([]StoredEvent, error) {
	if len(evs) == 0 {
		return []StoredEvent{}, nil
	}

	now := time.Now().UTC()
	records := make([]*types.EventRecord, 0, len(evs))
	stored := make([]StoredEvent, 0, len(evs))
	for i, ev := range evs {
		payload, err := json.Marshal(ev.Serialize())
		if err != nil {
			return nil, fmt.Errorf("marshal event payload: %w", err)
		}
		rec := &types.EventRecord{
			ID:        uuid.New(),
			StreamID:  streamID,
			Version:   expectedVersion + i + 1,
			Type:      string(ev.EventType()),
			Payload:   payload,
			CreatedAt: now,
		}
		records = append(records, rec)
		stored = append(stored, StoredEvent{
			ID:        rec.ID,
			StreamID:  streamID,
			Version:   rec.Version,
			Type:      ev.EventType(),
			Event:     ev,
			CreatedAt: now,
		})
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&records).Error
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, conversation.NewError(conversation.CodeConflict, "eventstore.append",
				fmt.Sprintf("expected version %d is stale", expectedVersion), err)
		}
		return nil, err
	}
	return stored, nil
}

func (s *store) ReadStreamForward(ctx context.Context, streamID uuid.UUID, fromVersion, limit int) ([]StoredEvent, error) {
	q := s.db.WithContext(ctx).
		Where("stream_id = ? AND version >= ?", streamID, fromVersion).
		Order("version ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []types.EventRecord
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return decodeRecords(rows)
}

func (s *store) ReadAllForward(ctx context.Context, batchSize int, fn func([]StoredEvent) error) error {
	if batchSize <= 0 {
		batchSize = 500
	}
	offset := 0
	for {
		var rows []types.EventRecord
		err := s.db.WithContext(ctx).
			Order("created_at ASC, version ASC").
			Offset(offset).
			Limit(batchSize).
			Find(&rows).Error
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		batch, err := decodeRecords(rows)
		if err != nil {
			return err
		}
		if err := fn(batch); err != nil {
			return err
		}
		if len(rows) < batchSize {
			return nil
		}
		offset += len(rows)
	}
}

func decodeRecords(rows []types.EventRecord) ([]StoredEvent, error) {
	out := make([]StoredEvent, 0, len(rows))
	for _, row := range rows {
		var payload map[string]any
		if err := json.Unmarshal(row.Payload, &payload); err != nil {
			return nil, fmt.Errorf("decode payload for event %s: %w", row.ID, err)
		}
		ev, err := events.Deserialize(events.Type(row.Type), payload)
		if err != nil {
			return nil, fmt.Errorf("deserialize event %s (%s): %w", row.ID, row.Type, err)
		}
		out = append(out, StoredEvent{
			ID:        row.ID,
			StreamID:  row.StreamID,
			Version:   row.Version,
			Type:      events.Type(row.Type),
			Event:     ev,
			CreatedAt: row.CreatedAt,
		})
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	// sqlite (tests) reports unique violations by message only.
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
