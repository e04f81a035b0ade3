// Package analytics records flow status events. Every status change a flow
// makes is appended to an event log (ClickHouse) and optionally published to
// a broker (RabbitMQ) for downstream consumers.
package analytics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	_ "github.com/ClickHouse/clickhouse-go/v2"

	"github.com/patrickwarner/openadbuyer/internal/models"
	"github.com/patrickwarner/openadbuyer/internal/observability"
)

// EventSink receives status events. Implementations return ErrUnavailable
// when their backing store is not configured.
type EventSink interface {
	RecordEvent(ctx context.Context, ev models.StatusEvent) error
}

// ErrUnavailable is returned when the analytics DB is not configured.
var ErrUnavailable = errors.New("analytics unavailable")

const createEventsTable = `CREATE TABLE IF NOT EXISTS flow_events (
       event_id   String,
       flow_id    String,
       entity     LowCardinality(String),
       entity_id  String,
       from_status String,
       to_status  String,
       reason     String,
       at         DateTime64(3)
   ) ENGINE=MergeTree() ORDER BY (flow_id, at)`

// EventLog wraps a ClickHouse DB connection.
type EventLog struct {
	DB      *sql.DB
	Metrics observability.MetricsRegistry
	Logger  *zap.Logger
}

// InitClickHouse connects to ClickHouse and ensures the flow_events table exists.
func InitClickHouse(ctx context.Context, dsn string, maxOpenConns int, metrics observability.MetricsRegistry, logger *zap.Logger) (*EventLog, error) {
	db, err := sql.Open("clickhouse", dsn)
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	el := NewEventLog(db, metrics, logger)
	if err := el.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	el.Logger.Info("Connected to ClickHouse")
	return el, nil
}

// NewEventLog wraps an open connection.
func NewEventLog(db *sql.DB, metrics observability.MetricsRegistry, logger *zap.Logger) *EventLog {
	return &EventLog{DB: db, Metrics: observability.OrNoOp(metrics), Logger: observability.OrNop(logger)}
}

// EnsureSchema creates flow_events if needed.
func (e *EventLog) EnsureSchema(ctx context.Context) error {
	if _, err := e.DB.ExecContext(ctx, createEventsTable); err != nil {
		return fmt.Errorf("clickhouse create table: %w", err)
	}
	return nil
}

// RecordEvent inserts a single event row.
func (e *EventLog) RecordEvent(ctx context.Context, ev models.StatusEvent) error {
	if e == nil || e.DB == nil {
		return ErrUnavailable
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := e.DB.ExecContext(ctx,
		`INSERT INTO flow_events (event_id, flow_id, entity, entity_id, from_status, to_status, reason, at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.FlowID, ev.Entity, ev.EntityID, ev.From, ev.To, ev.Reason, at)
	if err != nil {
		e.Metrics.IncrementEventWrites("clickhouse", "failure")
		return fmt.Errorf("insert flow event: %w", err)
	}
	e.Metrics.IncrementEventWrites("clickhouse", "success")
	return nil
}

// EventsForFlow returns a flow's events in the order they happened.
func (e *EventLog) EventsForFlow(ctx context.Context, flowID string) ([]models.StatusEvent, error) {
	if e == nil || e.DB == nil {
		return nil, ErrUnavailable
	}
	rows, err := e.DB.QueryContext(ctx,
		`SELECT event_id, flow_id, entity, entity_id, from_status, to_status, reason, at FROM flow_events WHERE flow_id = ? ORDER BY at`,
		flowID)
	if err != nil {
		return nil, fmt.Errorf("query flow events: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []models.StatusEvent
	for rows.Next() {
		var ev models.StatusEvent
		if err := rows.Scan(&ev.ID, &ev.FlowID, &ev.Entity, &ev.EntityID, &ev.From, &ev.To, &ev.Reason, &ev.At); err != nil {
			return nil, fmt.Errorf("scan flow event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Close closes the connection.
func (e *EventLog) Close() error {
	if e == nil || e.DB == nil {
		return nil
	}
	return e.DB.Close()
}

// MultiSink fans an event out to every sink. Unavailable sinks are skipped;
// other failures are joined.
type MultiSink []EventSink

func (m MultiSink) RecordEvent(ctx context.Context, ev models.StatusEvent) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.RecordEvent(ctx, ev); err != nil && !errors.Is(err, ErrUnavailable) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
