package journal_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/lib/pq"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mt5-crs/executor/internal/journal"
)

// setupJournal starts a throwaway PostgreSQL container, applies the embedded
// migrations through the real Migrator and returns a connected journal.
func setupJournal(t *testing.T) *journal.Journal {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("mt5crs_test"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("testpassword"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start PostgreSQL container")
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate postgres container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	// Migrations run over database/sql exactly as cmd/migrate does.
	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)
	migrator := journal.NewMigrator(db)
	require.NoError(t, migrator.Migrate(ctx))
	require.NoError(t, migrator.Migrate(ctx), "reapplying must be a no-op")
	require.NoError(t, db.Close())

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	require.NoError(t, pool.Ping(ctx))

	j := journal.NewWithPool(pool)
	t.Cleanup(j.Close)
	return j
}

func TestJournalOrderLifecycleIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping testcontainers integration test in short mode")
	}

	j := setupJournal(t)
	ctx := context.Background()

	placedAt := time.Date(2026, time.August, 21, 9, 30, 0, 0, time.UTC)
	reqPrice := 1.08760

	t.Run("IntentFillClose", func(t *testing.T) {
		order := &journal.Order{
			ClientOrderID:  "it-ord-000001",
			Symbol:         "EURUSD",
			Side:           "BUY",
			Volume:         0.01,
			RequestedPrice: &reqPrice,
			Magic:          990001,
			PlacedAt:       placedAt,
		}
		require.NoError(t, j.RecordIntent(ctx, order))
		assert.Equal(t, journal.StatusPending, order.Status)

		filledAt := placedAt.Add(120 * time.Millisecond)
		require.NoError(t, j.RecordFill(ctx, "it-ord-000001", 1100000002, 1.08765, -0.02, 0.0, filledAt))

		book, err := j.FilledOrders(ctx)
		require.NoError(t, err)
		require.Len(t, book, 1)
		require.NotNil(t, book[0].Ticket)
		assert.Equal(t, int64(1100000002), *book[0].Ticket)
		assert.Equal(t, journal.StatusFilled, book[0].Status)
		require.NotNil(t, book[0].FillPrice)
		assert.Equal(t, 1.08765, *book[0].FillPrice)
		assert.Equal(t, -0.02, book[0].Commission)
		assert.WithinDuration(t, filledAt, *book[0].FilledAt, time.Second)

		closedAt := filledAt.Add(time.Hour)
		require.NoError(t, j.RecordClose(ctx, 1100000002, 1.08923, 15.80, closedAt))

		book, err = j.FilledOrders(ctx)
		require.NoError(t, err)
		require.Len(t, book, 1)
		assert.Equal(t, journal.StatusClosed, book[0].Status)
		require.NotNil(t, book[0].Profit)
		assert.Equal(t, 15.80, *book[0].Profit)
		require.NotNil(t, book[0].ClosePrice)
		assert.Equal(t, 1.08923, *book[0].ClosePrice)
	})

	t.Run("Reject", func(t *testing.T) {
		order := &journal.Order{
			ClientOrderID: "it-ord-000002",
			Symbol:        "GBPUSD",
			Side:          "SELL",
			Volume:        0.02,
			Magic:         990001,
		}
		require.NoError(t, j.RecordIntent(ctx, order))
		require.NoError(t, j.RecordReject(ctx, "it-ord-000002", "TRADE_DISABLED"))

		// Rejected orders never enter the reconciliation book.
		book, err := j.FilledOrders(ctx)
		require.NoError(t, err)
		for _, o := range book {
			assert.NotEqual(t, "it-ord-000002", o.ClientOrderID)
		}
	})

	t.Run("FillWithoutIntentFails", func(t *testing.T) {
		err := j.RecordFill(ctx, "it-ord-unknown", 99, 1.1, 0, 0, time.Now().UTC())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no journaled intent")
	})

	t.Run("DuplicateClientOrderIDRejected", func(t *testing.T) {
		first := &journal.Order{ClientOrderID: "it-ord-000003", Symbol: "EURUSD", Side: "BUY", Volume: 0.01}
		require.NoError(t, j.RecordIntent(ctx, first))

		dup := &journal.Order{ClientOrderID: "it-ord-000003", Symbol: "EURUSD", Side: "BUY", Volume: 0.01}
		require.Error(t, j.RecordIntent(ctx, dup))
	})
}

func TestJournalAuditTrailIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping testcontainers integration test in short mode")
	}

	j := setupJournal(t)
	ctx := context.Background()

	require.NoError(t, j.RecordEvent(ctx, journal.EventBreaker, "risk-monitor",
		"breaker engaged on drawdown", map[string]string{"reason": "DRAWDOWN_LIMIT", "state": "ENGAGED"}))
	require.NoError(t, j.RecordEvent(ctx, journal.EventAdmin, "operator",
		"manual disengage", map[string]string{"token": "redacted"}))
	require.NoError(t, j.RecordEvent(ctx, journal.EventBreaker, "risk-monitor",
		"breaker disengaged", nil))

	all, err := j.RecentEvents(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	breakers, err := j.RecentEvents(ctx, journal.EventBreaker, 10)
	require.NoError(t, err)
	require.Len(t, breakers, 2)
	for _, e := range breakers {
		assert.Equal(t, journal.EventBreaker, e.Kind)
		assert.Equal(t, "risk-monitor", e.Actor)
	}
	// Newest first.
	assert.Equal(t, "breaker disengaged", breakers[0].Detail)
	assert.Equal(t, "DRAWDOWN_LIMIT", breakers[1].Metadata["reason"])

	require.NoError(t, j.Health(ctx))
}
