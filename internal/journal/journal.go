// Package journal is the local order log: every intent, fill, rejection and
// close is written to PostgreSQL so the reconciliation engine can prove the
// local book against the broker's. An events table carries the audit trail
// (breaker transitions, launches, admission decisions, admin actions).
//
// The journal is optional. A nil *Journal accepts writes as no-ops so
// shadow-only deployments run without a database; reads fail loudly because
// reconciliation without a journal is meaningless.
package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mt5-crs/executor/internal/config"
	"github.com/mt5-crs/executor/internal/metrics"
)

// Order status lifecycle.
const (
	StatusPending  = "PENDING"
	StatusFilled   = "FILLED"
	StatusRejected = "REJECTED"
	StatusClosed   = "CLOSED"
)

// Audit event kinds.
const (
	EventBreaker   = "breaker"
	EventLaunch    = "launch"
	EventAdmission = "admission"
	EventReconcile = "reconcile"
	EventCanary    = "canary"
	EventAdmin     = "admin"
)

// Order is one row of the order log.
type Order struct {
	ID             uuid.UUID
	ClientOrderID  string
	Ticket         *int64
	Symbol         string
	Side           string
	Volume         float64
	RequestedPrice *float64
	FillPrice      *float64
	StopLoss       *float64
	TakeProfit     *float64
	Magic          int64
	Comment        *string
	Status         string
	Commission     float64
	Swap           float64
	Profit         *float64
	ClosePrice     *float64
	ErrorMessage   *string
	PlacedAt       time.Time
	FilledAt       *time.Time
	ClosedAt       *time.Time
}

// Event is one row of the audit trail.
type Event struct {
	ID        uuid.UUID
	Kind      string
	Actor     string
	Detail    string
	Metadata  map[string]string
	CreatedAt time.Time
}

// PgxPool is the slice of pgxpool.Pool the journal uses; pgxmock satisfies
// it for unit tests.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Journal records orders and audit events.
type Journal struct {
	pool   PgxPool
	logger zerolog.Logger
}

// New connects the journal pool. A disabled config returns (nil, nil): the
// nil journal is the journaling-off mode.
func New(ctx context.Context, cfg config.JournalConfig) (*Journal, error) {
	if !cfg.Enabled {
		log.Info().Msg("Journal disabled, order log will not be persisted")
		return nil, nil
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse journal DSN: %w", err)
	}
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute
	poolCfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create journal pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping journal database: %w", err)
	}

	log.Info().
		Str("host", cfg.Host).
		Str("database", cfg.Database).
		Msg("Journal connected")
	return NewWithPool(pool), nil
}

// NewWithPool wraps an existing pool; tests pass a pgxmock pool.
func NewWithPool(pool PgxPool) *Journal {
	return &Journal{
		pool:   pool,
		logger: log.With().Str("component", "journal").Logger(),
	}
}

// Close releases the pool.
func (j *Journal) Close() {
	if j == nil || j.pool == nil {
		return
	}
	j.pool.Close()
	j.logger.Info().Msg("Journal closed")
}

// Pool returns the underlying pgx pool when the journal is backed by one.
// Mock-backed journals return nil.
func (j *Journal) Pool() *pgxpool.Pool {
	if j == nil {
		return nil
	}
	if p, ok := j.pool.(*pgxpool.Pool); ok {
		return p
	}
	return nil
}

// Health pings the database.
func (j *Journal) Health(ctx context.Context) error {
	if j == nil {
		return fmt.Errorf("journal is disabled")
	}
	return j.pool.Ping(ctx)
}

// observe books one operation into the journal metrics.
func (j *Journal) observe(op string, start time.Time, err error) {
	metrics.RecordJournalOperation(op, err == nil, float64(time.Since(start).Microseconds())/1000.0)
}

// RecordIntent writes a freshly dispatched order in PENDING state. A zero ID
// is assigned; a zero PlacedAt is stamped.
func (j *Journal) RecordIntent(ctx context.Context, o *Order) error {
	if j == nil {
		return nil
	}
	if o.ClientOrderID == "" {
		return fmt.Errorf("order intent requires a client_order_id")
	}
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.PlacedAt.IsZero() {
		o.PlacedAt = time.Now().UTC()
	}
	o.Status = StatusPending

	start := time.Now()
	query := `
		INSERT INTO orders (
			id, client_order_id, symbol, side, volume, requested_price,
			sl, tp, magic, comment, status, placed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := j.pool.Exec(ctx, query,
		o.ID, o.ClientOrderID, o.Symbol, o.Side, o.Volume, o.RequestedPrice,
		o.StopLoss, o.TakeProfit, o.Magic, o.Comment, o.Status, o.PlacedAt,
	)
	j.observe("intent", start, err)
	if err != nil {
		j.logger.Error().Err(err).
			Str("client_order_id", o.ClientOrderID).
			Str("symbol", o.Symbol).
			Msg("Failed to journal order intent")
		return fmt.Errorf("failed to journal order intent: %w", err)
	}

	j.logger.Debug().
		Str("client_order_id", o.ClientOrderID).
		Str("symbol", o.Symbol).
		Str("side", o.Side).
		Float64("volume", o.Volume).
		Msg("Order intent journaled")
	return nil
}

// RecordFill books the broker reply against the intent.
func (j *Journal) RecordFill(ctx context.Context, clientOrderID string, ticket int64, price, commission, swap float64, filledAt time.Time) error {
	if j == nil {
		return nil
	}

	start := time.Now()
	query := `
		UPDATE orders
		SET ticket = $1,
		    fill_price = $2,
		    commission = $3,
		    swap = $4,
		    status = $5,
		    filled_at = $6,
		    updated_at = NOW()
		WHERE client_order_id = $7
	`
	tag, err := j.pool.Exec(ctx, query,
		ticket, price, commission, swap, StatusFilled, filledAt, clientOrderID)
	j.observe("fill", start, err)
	if err != nil {
		j.logger.Error().Err(err).
			Str("client_order_id", clientOrderID).
			Int64("ticket", ticket).
			Msg("Failed to journal fill")
		return fmt.Errorf("failed to journal fill: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("no journaled intent for client_order_id %s", clientOrderID)
	}

	j.logger.Debug().
		Str("client_order_id", clientOrderID).
		Int64("ticket", ticket).
		Float64("price", price).
		Msg("Fill journaled")
	return nil
}

// RecordReject marks an intent the broker refused.
func (j *Journal) RecordReject(ctx context.Context, clientOrderID, reason string) error {
	if j == nil {
		return nil
	}

	start := time.Now()
	query := `
		UPDATE orders
		SET status = $1,
		    error_message = $2,
		    updated_at = NOW()
		WHERE client_order_id = $3
	`
	tag, err := j.pool.Exec(ctx, query, StatusRejected, reason, clientOrderID)
	j.observe("reject", start, err)
	if err != nil {
		j.logger.Error().Err(err).
			Str("client_order_id", clientOrderID).
			Msg("Failed to journal rejection")
		return fmt.Errorf("failed to journal rejection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("no journaled intent for client_order_id %s", clientOrderID)
	}

	j.logger.Debug().
		Str("client_order_id", clientOrderID).
		Str("reason", reason).
		Msg("Rejection journaled")
	return nil
}

// RecordClose books the closing reply against the filled order's ticket.
func (j *Journal) RecordClose(ctx context.Context, ticket int64, closePrice, profit float64, closedAt time.Time) error {
	if j == nil {
		return nil
	}

	start := time.Now()
	query := `
		UPDATE orders
		SET status = $1,
		    close_price = $2,
		    profit = $3,
		    closed_at = $4,
		    updated_at = NOW()
		WHERE ticket = $5
	`
	tag, err := j.pool.Exec(ctx, query, StatusClosed, closePrice, profit, closedAt, ticket)
	j.observe("close", start, err)
	if err != nil {
		j.logger.Error().Err(err).
			Int64("ticket", ticket).
			Msg("Failed to journal close")
		return fmt.Errorf("failed to journal close: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("no journaled order with ticket %d", ticket)
	}

	j.logger.Debug().
		Int64("ticket", ticket).
		Float64("close_price", closePrice).
		Float64("profit", profit).
		Msg("Close journaled")
	return nil
}

// FilledOrders returns the local side of reconciliation: every order that
// reached FILLED or CLOSED, oldest first.
func (j *Journal) FilledOrders(ctx context.Context) ([]Order, error) {
	if j == nil {
		return nil, fmt.Errorf("journal is disabled, no local book to reconcile")
	}

	start := time.Now()
	query := `
		SELECT id, client_order_id, ticket, symbol, side, volume, fill_price,
		       commission, swap, profit, close_price, status, placed_at,
		       filled_at, closed_at
		FROM orders
		WHERE status IN ($1, $2)
		ORDER BY filled_at
	`
	rows, err := j.pool.Query(ctx, query, StatusFilled, StatusClosed)
	j.observe("filled_orders", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to query filled orders: %w", err)
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(
			&o.ID, &o.ClientOrderID, &o.Ticket, &o.Symbol, &o.Side, &o.Volume,
			&o.FillPrice, &o.Commission, &o.Swap, &o.Profit, &o.ClosePrice,
			&o.Status, &o.PlacedAt, &o.FilledAt, &o.ClosedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan order row: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read filled orders: %w", err)
	}
	return orders, nil
}

// RecordEvent appends one audit event.
func (j *Journal) RecordEvent(ctx context.Context, kind, actor, detail string, metadata map[string]string) error {
	if j == nil {
		return nil
	}

	start := time.Now()
	query := `
		INSERT INTO events (id, kind, actor, detail, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := j.pool.Exec(ctx, query,
		uuid.New(), kind, actor, detail, metadata, time.Now().UTC())
	j.observe("event", start, err)
	if err != nil {
		j.logger.Error().Err(err).
			Str("kind", kind).
			Str("detail", detail).
			Msg("Failed to journal audit event")
		return fmt.Errorf("failed to journal audit event: %w", err)
	}

	j.logger.Debug().
		Str("kind", kind).
		Str("actor", actor).
		Msg("Audit event journaled")
	return nil
}

// RecentEvents lists the newest audit events, optionally filtered by kind.
func (j *Journal) RecentEvents(ctx context.Context, kind string, limit int) ([]Event, error) {
	if j == nil {
		return nil, fmt.Errorf("journal is disabled")
	}
	if limit <= 0 {
		limit = 100
	}

	start := time.Now()
	var (
		rows pgx.Rows
		err  error
	)
	if kind == "" {
		rows, err = j.pool.Query(ctx, `
			SELECT id, kind, actor, detail, metadata, created_at
			FROM events
			ORDER BY created_at DESC
			LIMIT $1
		`, limit)
	} else {
		rows, err = j.pool.Query(ctx, `
			SELECT id, kind, actor, detail, metadata, created_at
			FROM events
			WHERE kind = $1
			ORDER BY created_at DESC
			LIMIT $2
		`, kind, limit)
	}
	j.observe("recent_events", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Kind, &e.Actor, &e.Detail, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit events: %w", err)
	}
	return events, nil
}
