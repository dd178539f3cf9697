package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Bounded cardinality constants for metric labels.
// These ensure metrics don't have unbounded label values which can cause memory issues.
const (
	// Circuit breaker engagement reasons (bounded set)
	ReasonDrawdownLimit     = "drawdown_limit"
	ReasonLeverageLimit     = "leverage_limit"
	ReasonLatencyCritical   = "latency_critical"
	ReasonDataDrift         = "data_drift"
	ReasonMarketDataLag     = "market_data_lag"
	ReasonReconcileMismatch = "reconcile_mismatch"
	ReasonLoopInstability   = "loop_instability"
	ReasonManual            = "manual"
	ReasonPeer              = "peer_engaged"
	ReasonOther             = "other"

	// Gateway error categories (bounded set)
	GatewayErrorTimeout    = "timeout"
	GatewayErrorConnection = "connection"
	GatewayErrorBreaker    = "breaker_open"
	GatewayErrorBlocked    = "blocked"
	GatewayErrorProtocol   = "protocol"
	GatewayErrorRejected   = "rejected"
	GatewayErrorOther      = "other"

	// Signal directions (bounded set)
	DirectionLong  = "long"
	DirectionShort = "short"
	DirectionFlat  = "flat"
)

// NormalizeEngageReason maps arbitrary engagement reasons to a bounded set
func NormalizeEngageReason(reason string) string {
	lower := strings.ToLower(reason)
	switch {
	case strings.Contains(lower, "drawdown"):
		return ReasonDrawdownLimit
	case strings.Contains(lower, "leverage"):
		return ReasonLeverageLimit
	case strings.Contains(lower, "latency"):
		return ReasonLatencyCritical
	case strings.Contains(lower, "drift"):
		return ReasonDataDrift
	case strings.Contains(lower, "lag"):
		return ReasonMarketDataLag
	case strings.Contains(lower, "mismatch") || strings.Contains(lower, "reconcile"):
		return ReasonReconcileMismatch
	case strings.Contains(lower, "instability") || strings.Contains(lower, "loop"):
		return ReasonLoopInstability
	case strings.Contains(lower, "manual") || strings.Contains(lower, "operator"):
		return ReasonManual
	case strings.Contains(lower, "peer"):
		return ReasonPeer
	default:
		return ReasonOther
	}
}

// NormalizeGatewayError maps arbitrary gateway errors to a bounded set
func NormalizeGatewayError(err error) string {
	if err == nil {
		return ""
	}
	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline"):
		return GatewayErrorTimeout
	case strings.Contains(errStr, "breaker"):
		return GatewayErrorBreaker
	case strings.Contains(errStr, "blocked") || strings.Contains(errStr, "trade mode"):
		return GatewayErrorBlocked
	case strings.Contains(errStr, "frame") || strings.Contains(errStr, "decode") || strings.Contains(errStr, "unmarshal") || strings.Contains(errStr, "req_id"):
		return GatewayErrorProtocol
	case strings.Contains(errStr, "refused") || strings.Contains(errStr, "reset") || strings.Contains(errStr, "broken") || strings.Contains(errStr, "eof") || strings.Contains(errStr, "connection"):
		return GatewayErrorConnection
	case strings.Contains(errStr, "rejected") || strings.Contains(errStr, "gateway error"):
		return GatewayErrorRejected
	default:
		return GatewayErrorOther
	}
}

// DirectionFor maps a ternary signal value to its bounded label
func DirectionFor(signal int) string {
	switch {
	case signal > 0:
		return DirectionLong
	case signal < 0:
		return DirectionShort
	default:
		return DirectionFlat
	}
}

// Trading Metrics
var (
	// Total P&L across all symbols
	TotalPnL = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mt5crs_total_pnl",
		Help: "Total realized profit and loss in account currency",
	})

	// P&L by symbol
	PnLBySymbol = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mt5crs_pnl_by_symbol",
		Help: "Realized profit and loss by symbol",
	}, []string{"symbol"})

	// Total open exposure
	TotalExposure = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mt5crs_total_exposure",
		Help: "Total open notional exposure in account currency",
	})

	// Exposure by symbol
	ExposureBySymbol = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mt5crs_exposure_by_symbol",
		Help: "Open notional exposure by symbol",
	}, []string{"symbol"})

	// Completed trades
	Trades = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mt5crs_trades_total",
		Help: "Total number of completed trades by symbol",
	}, []string{"symbol"})

	// Samples rejected by the aggregator
	MetricsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mt5crs_metrics_rejected_total",
		Help: "Metric samples rejected by validation",
	}, []string{"reason"})

	// Signals by direction
	Signals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mt5crs_signals_total",
		Help: "Total signals emitted by symbol and direction",
	}, []string{"symbol", "direction"})

	// Orders submitted to the gateway
	OrdersSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mt5crs_orders_submitted_total",
		Help: "Total orders submitted by symbol and side",
	}, []string{"symbol", "side"})

	// Orders that failed at the gateway
	OrdersFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mt5crs_orders_failed_total",
		Help: "Total order submissions that failed by symbol",
	}, []string{"symbol"})

	// Open positions
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mt5crs_open_positions",
		Help: "Number of currently open positions",
	})

	// Open volume by symbol
	PositionVolume = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mt5crs_position_volume",
		Help: "Open volume in lots by symbol",
	}, []string{"symbol"})

	// Order round trip latency
	OrderRoundtrip = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mt5crs_order_roundtrip_ms",
		Help:    "Order submit round trip latency in milliseconds",
		Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	})
)

// Account and Risk Metrics
var (
	AccountBalance = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mt5crs_account_balance",
		Help: "Account balance in account currency",
	})

	AccountEquity = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mt5crs_account_equity",
		Help: "Account equity in account currency",
	})

	AccountMarginLevel = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mt5crs_account_margin_level",
		Help: "Account margin level percentage",
	})

	AccountLeverage = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mt5crs_account_leverage",
		Help: "Effective account leverage (exposure / equity)",
	})

	DailyDrawdown = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mt5crs_daily_drawdown",
		Help: "Drawdown from the daily equity peak as a ratio (0.0 to 1.0)",
	})

	RiskWarnings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mt5crs_risk_warnings_total",
		Help: "Total risk warnings by sensor",
	}, []string{"sensor"})

	RiskBlockedOrders = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mt5crs_risk_blocked_orders_total",
		Help: "Total order intents rejected by the per-symbol exposure check",
	}, []string{"symbol"})

	GatewayLatencyP95 = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mt5crs_gateway_latency_p95_ms",
		Help: "Gateway round trip latency P95 over the rolling window",
	})

	GatewayLatencyP99 = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mt5crs_gateway_latency_p99_ms",
		Help: "Gateway round trip latency P99 over the rolling window",
	})

	LatencySpikes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mt5crs_latency_spikes_total",
		Help: "Total gateway latency spikes above the spike threshold",
	})

	SignalPSI = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mt5crs_signal_psi",
		Help: "Population stability index of the live signal distribution by symbol",
	}, []string{"symbol"})

	DriftEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mt5crs_drift_events_total",
		Help: "Total drift events (PSI threshold crossings) by symbol",
	}, []string{"symbol"})
)

// Circuit Breaker Metrics
var (
	// Durable breaker state (1 = engaged)
	BreakerEngaged = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mt5crs_circuit_breaker_engaged",
		Help: "Durable circuit breaker state (1 = engaged, 0 = disarmed)",
	})

	// Engagements by reason
	BreakerEngagements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mt5crs_circuit_breaker_engagements_total",
		Help: "Total circuit breaker engagements by reason",
	}, []string{"reason"})

	// Transport breaker on the gateway request path (0 closed, 1 half-open, 2 open)
	GatewayBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mt5crs_gateway_breaker_state",
		Help: "Gateway transport breaker state (0 = closed, 1 = half-open, 2 = open)",
	})
)

// Gateway Metrics
var (
	GatewayRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mt5crs_gateway_request_duration_ms",
		Help:    "Gateway request round trip duration in milliseconds",
		Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"action"})

	GatewayRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mt5crs_gateway_requests_total",
		Help: "Total gateway requests by action and status",
	}, []string{"action", "status"})

	GatewayErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mt5crs_gateway_errors_total",
		Help: "Total gateway errors by action and category",
	}, []string{"action", "error_type"})

	GatewayRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mt5crs_gateway_retries_total",
		Help: "Total gateway request retries by action",
	}, []string{"action"})

	GatewayReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mt5crs_gateway_reconnects_total",
		Help: "Total gateway socket reconnects",
	})

	Heartbeats = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mt5crs_heartbeats_total",
		Help: "Total heartbeats sent to the gateway",
	})

	HeartbeatFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mt5crs_heartbeat_failures_total",
		Help: "Total heartbeat failures",
	})
)

// Market Data Metrics
var (
	TicksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mt5crs_ticks_received_total",
		Help: "Total ticks received by symbol",
	}, []string{"symbol"})

	TicksDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mt5crs_ticks_dropped_total",
		Help: "Total ticks dropped on buffer overflow by symbol",
	}, []string{"symbol"})

	TickBufferDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mt5crs_tick_buffer_depth",
		Help: "Buffered ticks awaiting consumption by symbol",
	}, []string{"symbol"})

	MarketDataReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mt5crs_market_data_reconnects_total",
		Help: "Total market data transport reconnects",
	})
)

// Loop Metrics
var (
	LoopTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mt5crs_loop_transitions_total",
		Help: "Total symbol loop state transitions by symbol and target state",
	}, []string{"symbol", "state"})

	LoopFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mt5crs_loop_failures_total",
		Help: "Total symbol loop cycle failures by symbol",
	}, []string{"symbol"})

	ActiveLoops = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mt5crs_active_loops",
		Help: "Number of currently running symbol loops",
	})
)

// Shadow Recorder Metrics
var (
	ShadowRecords = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mt5crs_shadow_records_total",
		Help: "Total shadow records accepted",
	})

	ShadowFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mt5crs_shadow_flushes_total",
		Help: "Total shadow flushes by trigger",
	}, []string{"trigger"})

	ShadowDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mt5crs_shadow_drops_total",
		Help: "Total shadow records dropped because the queue was full",
	})

	ShadowQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mt5crs_shadow_queue_depth",
		Help: "Shadow records waiting in the writer queue",
	})

	ShadowRotations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mt5crs_shadow_rotations_total",
		Help: "Total shadow file day rotations",
	})
)

// Journal Metrics
var (
	JournalOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mt5crs_journal_operations_total",
		Help: "Total journal operations by type and status",
	}, []string{"operation", "status"})

	JournalQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mt5crs_journal_query_duration_ms",
		Help:    "Journal query duration in milliseconds",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
	}, []string{"query_type"})

	DatabaseConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mt5crs_database_connections_active",
		Help: "Number of active journal database connections",
	})

	DatabaseConnectionsIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mt5crs_database_connections_idle",
		Help: "Number of idle journal database connections",
	})
)

// Reconciliation and Admission Metrics
var (
	ReconcileRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mt5crs_reconcile_runs_total",
		Help: "Total reconciliation runs by outcome",
	}, []string{"outcome"})

	ReconcileDiscrepancies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mt5crs_reconcile_discrepancies_total",
		Help: "Total reconciliation discrepancies by kind",
	}, []string{"kind"})

	AdmissionDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mt5crs_admission_decisions_total",
		Help: "Total admission gate decisions",
	}, []string{"decision"})

	PositionCoefficient = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mt5crs_position_coefficient",
		Help: "Current position-sizing coefficient (admission seed plus ramp ladder)",
	})
)

// System Metrics
var (
	// HTTP request duration on the admin surface
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mt5crs_api_request_duration_ms",
		Help:    "Admin API request duration in milliseconds",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
	}, []string{"method", "path", "status_code"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mt5crs_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status_code"})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mt5crs_errors_total",
		Help: "Total number of errors by type",
	}, []string{"type", "component"})

	RedisOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mt5crs_redis_operations_total",
		Help: "Total number of Redis operations by type",
	}, []string{"operation"})

	RedisCacheHitRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mt5crs_redis_cache_hit_rate",
		Help: "Redis read hit rate as a ratio (0.0 to 1.0)",
	})
)

// Helper functions to update metrics

// RecordGatewayRequest records a gateway round trip with its outcome
func RecordGatewayRequest(action string, durationMs float64, err error) {
	GatewayRequestDuration.WithLabelValues(action).Observe(durationMs)
	if err != nil {
		GatewayRequests.WithLabelValues(action, "failure").Inc()
		GatewayErrors.WithLabelValues(action, NormalizeGatewayError(err)).Inc()
		return
	}
	GatewayRequests.WithLabelValues(action, "success").Inc()
}

// RecordGatewayRetry records a retry attempt for an action
func RecordGatewayRetry(action string) {
	GatewayRetries.WithLabelValues(action).Inc()
}

// RecordHeartbeat records a heartbeat round trip
func RecordHeartbeat(err error) {
	Heartbeats.Inc()
	if err != nil {
		HeartbeatFailures.Inc()
	}
}

// SetBreakerEngaged sets the durable breaker state gauge
func SetBreakerEngaged(engaged bool) {
	status := 0.0
	if engaged {
		status = 1.0
	}
	BreakerEngaged.Set(status)
}

// RecordEngagement records a circuit breaker engagement with normalized reason
func RecordEngagement(reason string) {
	BreakerEngagements.WithLabelValues(NormalizeEngageReason(reason)).Inc()
}

// RecordTick records a received tick
func RecordTick(symbol string) {
	TicksReceived.WithLabelValues(symbol).Inc()
}

// RecordTickDrop records a tick dropped on overflow
func RecordTickDrop(symbol string) {
	TicksDropped.WithLabelValues(symbol).Inc()
}

// RecordSignal records an emitted signal
func RecordSignal(symbol string, signal int) {
	Signals.WithLabelValues(symbol, DirectionFor(signal)).Inc()
}

// RecordOrderSubmitted records a submitted order
func RecordOrderSubmitted(symbol, side string) {
	OrdersSubmitted.WithLabelValues(symbol, side).Inc()
}

// RecordOrderFailed records a failed order submission
func RecordOrderFailed(symbol string) {
	OrdersFailed.WithLabelValues(symbol).Inc()
}

// RecordOrderRoundtrip records order execution latency
func RecordOrderRoundtrip(durationMs float64) {
	OrderRoundtrip.Observe(durationMs)
}

// RecordLoopTransition records a symbol loop state transition
func RecordLoopTransition(symbol, state string) {
	LoopTransitions.WithLabelValues(symbol, state).Inc()
}

// RecordLoopFailure records a failed loop cycle
func RecordLoopFailure(symbol string) {
	LoopFailures.WithLabelValues(symbol).Inc()
}

// UpdateAccount updates the account snapshot gauges
func UpdateAccount(balance, equity, marginLevel, leverage, drawdown float64) {
	AccountBalance.Set(balance)
	AccountEquity.Set(equity)
	AccountMarginLevel.Set(marginLevel)
	AccountLeverage.Set(leverage)
	DailyDrawdown.Set(drawdown)
}

// RecordRiskWarning records a warning-level risk observation
func RecordRiskWarning(sensor string) {
	RiskWarnings.WithLabelValues(sensor).Inc()
}

// RecordRiskBlocked records an order intent rejected by the exposure check
func RecordRiskBlocked(symbol string) {
	RiskBlockedOrders.WithLabelValues(symbol).Inc()
}

// UpdateLatencyPercentiles updates the rolling latency percentile gauges
func UpdateLatencyPercentiles(p95, p99 float64) {
	GatewayLatencyP95.Set(p95)
	GatewayLatencyP99.Set(p99)
}

// RecordLatencySpike records a latency spike
func RecordLatencySpike() {
	LatencySpikes.Inc()
}

// UpdateSignalPSI updates the drift gauge for a symbol
func UpdateSignalPSI(symbol string, psi float64) {
	SignalPSI.WithLabelValues(symbol).Set(psi)
}

// RecordDriftEvent records a PSI threshold crossing
func RecordDriftEvent(symbol string) {
	DriftEvents.WithLabelValues(symbol).Inc()
}

// RecordShadowFlush records a shadow flush with its trigger
func RecordShadowFlush(trigger string) {
	ShadowFlushes.WithLabelValues(trigger).Inc()
}

// RecordJournalOperation records a journal operation
func RecordJournalOperation(operation string, success bool, durationMs float64) {
	status := "success"
	if !success {
		status = "failure"
	}
	JournalOperations.WithLabelValues(operation, status).Inc()
	JournalQueryDuration.WithLabelValues(operation).Observe(durationMs)
}

// UpdateDatabaseConnections updates database connection metrics
func UpdateDatabaseConnections(active, idle int32) {
	DatabaseConnectionsActive.Set(float64(active))
	DatabaseConnectionsIdle.Set(float64(idle))
}

// RecordReconcileRun records a reconciliation run outcome
func RecordReconcileRun(outcome string) {
	ReconcileRuns.WithLabelValues(outcome).Inc()
}

// RecordReconcileDiscrepancy records a reconciliation discrepancy
func RecordReconcileDiscrepancy(kind string) {
	ReconcileDiscrepancies.WithLabelValues(kind).Inc()
}

// RecordAdmissionDecision records an admission gate decision
func RecordAdmissionDecision(decision string) {
	AdmissionDecisions.WithLabelValues(strings.ToLower(strings.ReplaceAll(decision, "-", "_"))).Inc()
}

// RecordAPIRequest records an API request with duration
func RecordAPIRequest(method, path, statusCode string, durationMs float64) {
	APIRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationMs)
	HTTPRequests.WithLabelValues(method, path, statusCode).Inc()
}

// RecordError records an error
func RecordError(errorType, component string) {
	Errors.WithLabelValues(errorType, component).Inc()
}

// RecordRedisOperation records a Redis operation
func RecordRedisOperation(operation string) {
	RedisOperations.WithLabelValues(operation).Inc()
}
