package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/patrickwarner/openadbuyer/internal/models"
	"github.com/patrickwarner/openadbuyer/internal/observability"
)

// PostgresFlowStore keeps one row per flow with the full snapshot as JSONB.
type PostgresFlowStore struct {
	DB     *sql.DB
	logger *zap.Logger
}

const schemaSQL = `CREATE TABLE IF NOT EXISTS booking_flows (
    id TEXT PRIMARY KEY,
    campaign_name TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    channels TEXT[],
    snapshot JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_booking_flows_updated_at ON booking_flows (updated_at DESC);
CREATE INDEX IF NOT EXISTS idx_booking_flows_status ON booking_flows (status);
`

const upsertFlowSQL = `INSERT INTO booking_flows (id, campaign_name, status, channels, snapshot, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO UPDATE SET
    campaign_name = EXCLUDED.campaign_name,
    status = EXCLUDED.status,
    channels = EXCLUDED.channels,
    snapshot = EXCLUDED.snapshot,
    updated_at = EXCLUDED.updated_at`

// InitPostgres connects to Postgres with connection pooling configuration.
func InitPostgres(ctx context.Context, dsn string, maxOpenConns, maxIdleConns int, connMaxLifetime, connMaxIdleTime time.Duration, logger *zap.Logger) (*PostgresFlowStore, error) {
	logger = observability.OrNop(logger)
	driverName, err := otelsql.Register("postgres",
		otelsql.WithAttributes(
			attribute.String("db.system", "postgresql"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("register otelsql: %w", err)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetConnMaxIdleTime(connMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	p := NewPostgresFlowStore(db, logger)
	if err := p.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	logger.Info("Connected to Postgres with connection pooling",
		zap.Int("max_open_conns", maxOpenConns),
		zap.Int("max_idle_conns", maxIdleConns),
		zap.Duration("conn_max_lifetime", connMaxLifetime))
	return p, nil
}

// NewPostgresFlowStore wraps an open database.
func NewPostgresFlowStore(db *sql.DB, logger *zap.Logger) *PostgresFlowStore {
	return &PostgresFlowStore{DB: db, logger: observability.OrNop(logger)}
}

// EnsureSchema creates the flow table if it does not exist.
func (p *PostgresFlowStore) EnsureSchema(ctx context.Context) error {
	if _, err := p.DB.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (p *PostgresFlowStore) Save(ctx context.Context, state *models.FlowState) error {
	snap, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode flow %s: %w", state.ID, err)
	}
	channels := state.ActiveChannels()
	if channels == nil {
		channels = []string{}
	}
	_, err = p.DB.ExecContext(ctx, upsertFlowSQL,
		state.ID,
		state.CampaignBrief.Name,
		state.ExecutionStatus.String(),
		pq.Array(channels),
		snap,
		state.CreatedAt,
		state.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert flow %s: %w", state.ID, err)
	}
	return nil
}

func (p *PostgresFlowStore) Load(ctx context.Context, id string) (*models.FlowState, error) {
	var snap []byte
	err := p.DB.QueryRowContext(ctx, `SELECT snapshot FROM booking_flows WHERE id = $1`, id).Scan(&snap)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFlowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load flow %s: %w", id, err)
	}
	var s models.FlowState
	if err := json.Unmarshal(snap, &s); err != nil {
		return nil, fmt.Errorf("decode flow %s: %w", id, err)
	}
	return &s, nil
}

func (p *PostgresFlowStore) List(ctx context.Context, limit int) ([]*models.FlowState, error) {
	query := `SELECT snapshot FROM booking_flows ORDER BY updated_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := p.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query flows: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []*models.FlowState
	for rows.Next() {
		var snap []byte
		if err := rows.Scan(&snap); err != nil {
			return nil, fmt.Errorf("scan flow: %w", err)
		}
		var s models.FlowState
		if err := json.Unmarshal(snap, &s); err != nil {
			return nil, fmt.Errorf("decode flow: %w", err)
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

// Close terminates the Postgres connection.
func (p *PostgresFlowStore) Close() error {
	if p == nil || p.DB == nil {
		return nil
	}
	if err := p.DB.Close(); err != nil {
		p.logger.Error("postgres close", zap.Error(err))
		return err
	}
	return nil
}
