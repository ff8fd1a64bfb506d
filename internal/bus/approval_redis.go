package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/tidelock/conversant-backend/internal/logger"
)

const approvalChannelPrefix = "tool_approval:"

type redisApprovalBus struct {
	log *logger.Logger
	rdb *goredis.Client
}

// NewRedisApprovalBus connects to REDIS_ADDR and serves approval decisions
// over per-stream pub/sub channels.
func NewRedisApprovalBus(log *logger.Logger) (ApprovalBus, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}

	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &redisApprovalBus{
		log: log.With("service", "RedisApprovalBus"),
		rdb: rdb,
	}, nil
}

func (b *redisApprovalBus) Publish(ctx context.Context, streamID uuid.UUID, d Decision) error {
	if b == nil || b.rdb == nil {
		return fmt.Errorf("approval bus not initialized")
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, approvalChannelPrefix+streamID.String(), raw).Err()
}

func (b *redisApprovalBus) Subscribe(ctx context.Context, streamID uuid.UUID) (Subscription, error) {
	if b == nil || b.rdb == nil {
		return nil, fmt.Errorf("approval bus not initialized")
	}

	sub := b.rdb.Subscribe(ctx, approvalChannelPrefix+streamID.String())

	// ensures subscription actually started
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	out := make(chan Decision, 16)
	done := make(chan struct{})
	go func() {
		defer close(out)
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				var d Decision
				if err := json.Unmarshal([]byte(m.Payload), &d); err != nil {
					b.log.Warn("bad approval payload", "error", err)
					continue
				}
				select {
				case out <- d:
				case <-done:
					return
				}
			}
		}
	}()

	return &redisSubscription{sub: sub, out: out, done: done}, nil
}

func (b *redisApprovalBus) Close() error {
	if b == nil || b.rdb == nil {
		return nil
	}
	return b.rdb.Close()
}

type redisSubscription struct {
	sub  *goredis.PubSub
	out  chan Decision
	done chan struct{}
}

func (s *redisSubscription) C() <-chan Decision { return s.out }

func (s *redisSubscription) Close() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	_ = s.sub.Close()
}
