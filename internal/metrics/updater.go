package metrics

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Updater periodically refreshes journal-derived metrics. The symbol loops
// update their own gauges inline; this covers the aggregates that need SQL,
// so a restarted process converges to the truth in the journal.
type Updater struct {
	db       *pgxpool.Pool
	interval time.Duration
	stopCh   chan struct{}
}

// NewUpdater creates a new metrics updater
func NewUpdater(db *pgxpool.Pool, interval time.Duration) *Updater {
	return &Updater{
		db:       db,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the metrics update loop
func (u *Updater) Start(ctx context.Context) {
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	// Update immediately on start
	u.update(ctx)

	for {
		select {
		case <-ticker.C:
			u.update(ctx)
		case <-u.stopCh:
			log.Info().Msg("Metrics updater stopped")
			return
		case <-ctx.Done():
			log.Info().Msg("Metrics updater context cancelled")
			return
		}
	}
}

// Stop stops the metrics updater
func (u *Updater) Stop() {
	close(u.stopCh)
}

// update fetches and updates all metrics
func (u *Updater) update(ctx context.Context) {
	log.Debug().Msg("Updating metrics from journal")

	u.updateTradeMetrics(ctx)
	u.updatePositionMetrics(ctx)
	u.updateDatabaseMetrics()

	log.Debug().Msg("Metrics updated successfully")
}

// updateTradeMetrics updates realized P&L aggregates
func (u *Updater) updateTradeMetrics(ctx context.Context) {
	var totalPnL float64

	query := `
		SELECT COALESCE(SUM(profit), 0) AS total_profit
		FROM orders
		WHERE status = 'CLOSED'
	`

	err := u.db.QueryRow(ctx, query).Scan(&totalPnL)
	if err != nil {
		log.Error().Err(err).Msg("Failed to fetch trade metrics")
		return
	}

	TotalPnL.Set(totalPnL)

	// Per-symbol realized P&L
	query = `
		SELECT symbol, COALESCE(SUM(profit), 0) AS profit
		FROM orders
		WHERE status = 'CLOSED'
		GROUP BY symbol
	`

	rows, err := u.db.Query(ctx, query)
	if err != nil {
		log.Error().Err(err).Msg("Failed to fetch per-symbol P&L")
		return
	}
	defer rows.Close()

	for rows.Next() {
		var symbol string
		var pnl float64
		if err := rows.Scan(&symbol, &pnl); err != nil {
			continue
		}
		PnLBySymbol.WithLabelValues(symbol).Set(pnl)
	}
}

// updatePositionMetrics updates open position metrics
func (u *Updater) updatePositionMetrics(ctx context.Context) {
	// Orders in FILLED status are open positions awaiting close
	var openCount int64
	query := `SELECT COUNT(*) FROM orders WHERE status = 'FILLED'`
	err := u.db.QueryRow(ctx, query).Scan(&openCount)
	if err == nil {
		OpenPositions.Set(float64(openCount))
	}

	query = `
		SELECT symbol, COALESCE(SUM(volume), 0) AS open_volume
		FROM orders
		WHERE status = 'FILLED'
		GROUP BY symbol
	`

	rows, err := u.db.Query(ctx, query)
	if err != nil {
		log.Error().Err(err).Msg("Failed to fetch open volume")
		return
	}
	defer rows.Close()

	for rows.Next() {
		var symbol string
		var volume float64
		if err := rows.Scan(&symbol, &volume); err != nil {
			continue
		}
		PositionVolume.WithLabelValues(symbol).Set(volume)
	}
}

// updateDatabaseMetrics updates database connection pool metrics
func (u *Updater) updateDatabaseMetrics() {
	stat := u.db.Stat()
	UpdateDatabaseConnections(stat.AcquiredConns(), stat.IdleConns())
}
