// Package db persists booking flow snapshots. Flows run in memory; stores
// keep the latest snapshot per flow so status survives restarts.
package db

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/patrickwarner/openadbuyer/internal/config"
	"github.com/patrickwarner/openadbuyer/internal/models"
)

// ErrFlowNotFound is returned by Load for unknown flow IDs.
var ErrFlowNotFound = models.ErrFlowNotFound

// FlowStore saves and loads flow snapshots.
type FlowStore interface {
	Save(ctx context.Context, state *models.FlowState) error
	Load(ctx context.Context, id string) (*models.FlowState, error)
	// List returns the most recently updated flows first.
	List(ctx context.Context, limit int) ([]*models.FlowState, error)
	Close() error
}

// Open builds the store selected by cfg.StateBackend.
func Open(ctx context.Context, cfg config.Config, logger *zap.Logger) (FlowStore, error) {
	switch cfg.StateBackend {
	case "", "memory":
		return NewMemoryFlowStore(), nil
	case "redis":
		return InitRedis(ctx, cfg.RedisAddr, cfg.FlowStateTTL, logger)
	case "postgres":
		return InitPostgres(ctx, cfg.PostgresDSN, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime, logger)
	}
	return nil, fmt.Errorf("unknown state backend %q", cfg.StateBackend)
}

// MemoryFlowStore keeps snapshots in a map. It is the default backend.
type MemoryFlowStore struct {
	mu    sync.RWMutex
	flows map[string]*models.FlowState
}

func NewMemoryFlowStore() *MemoryFlowStore {
	return &MemoryFlowStore{flows: map[string]*models.FlowState{}}
}

func (m *MemoryFlowStore) Save(ctx context.Context, state *models.FlowState) error {
	c, err := state.Clone()
	if err != nil {
		return fmt.Errorf("clone flow %s: %w", state.ID, err)
	}
	m.mu.Lock()
	m.flows[state.ID] = c
	m.mu.Unlock()
	return nil
}

func (m *MemoryFlowStore) Load(ctx context.Context, id string) (*models.FlowState, error) {
	m.mu.RLock()
	s, ok := m.flows[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrFlowNotFound
	}
	return s.Clone()
}

func (m *MemoryFlowStore) List(ctx context.Context, limit int) ([]*models.FlowState, error) {
	m.mu.RLock()
	out := make([]*models.FlowState, 0, len(m.flows))
	for _, s := range m.flows {
		c, err := s.Clone()
		if err != nil {
			m.mu.RUnlock()
			return nil, err
		}
		out = append(out, c)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryFlowStore) Close() error { return nil }
