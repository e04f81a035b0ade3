package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/patrickwarner/openadbuyer/internal/models"
	"github.com/patrickwarner/openadbuyer/internal/observability"
)

const (
	flowKeyPrefix = "flow:"
	flowIndexKey  = "flows"
)

// RedisFlowStore keeps each snapshot as JSON under flow:<id> with a TTL and
// indexes flows in a sorted set scored by update time.
type RedisFlowStore struct {
	Client *redis.Client
	TTL    time.Duration
	logger *zap.Logger
}

// InitRedis connects to Redis and returns a flow store.
func InitRedis(ctx context.Context, addr string, ttl time.Duration, logger *zap.Logger) (*RedisFlowStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	if err := redisotel.InstrumentTracing(client); err != nil {
		return nil, fmt.Errorf("failed to instrument redis tracing: %w", err)
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	logger = observability.OrNop(logger)
	logger.Info("Connected to Redis", zap.String("addr", addr))
	return NewRedisFlowStore(client, ttl, logger), nil
}

// NewRedisFlowStore wraps an existing client.
func NewRedisFlowStore(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisFlowStore {
	return &RedisFlowStore{Client: client, TTL: ttl, logger: observability.OrNop(logger)}
}

func flowKey(id string) string { return flowKeyPrefix + id }

func (r *RedisFlowStore) Save(ctx context.Context, state *models.FlowState) error {
	b, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode flow %s: %w", state.ID, err)
	}
	_, err = r.Client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, flowKey(state.ID), b, r.TTL)
		p.ZAdd(ctx, flowIndexKey, redis.Z{Score: float64(state.UpdatedAt.UnixMilli()), Member: state.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("save flow %s: %w", state.ID, err)
	}
	return nil
}

func (r *RedisFlowStore) Load(ctx context.Context, id string) (*models.FlowState, error) {
	b, err := r.Client.Get(ctx, flowKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrFlowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load flow %s: %w", id, err)
	}
	var s models.FlowState
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("decode flow %s: %w", id, err)
	}
	return &s, nil
}

// List walks the index newest first. Index entries whose snapshot has
// expired are removed as they are found.
func (r *RedisFlowStore) List(ctx context.Context, limit int) ([]*models.FlowState, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := r.Client.ZRevRange(ctx, flowIndexKey, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list flows: %w", err)
	}
	out := make([]*models.FlowState, 0, len(ids))
	var stale []any
	for _, id := range ids {
		s, err := r.Load(ctx, id)
		if errors.Is(err, ErrFlowNotFound) {
			stale = append(stale, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if len(stale) > 0 {
		if err := r.Client.ZRem(ctx, flowIndexKey, stale...).Err(); err != nil {
			r.logger.Warn("failed to prune flow index", zap.Error(err))
		}
	}
	return out, nil
}

func (r *RedisFlowStore) Close() error {
	return r.Client.Close()
}
