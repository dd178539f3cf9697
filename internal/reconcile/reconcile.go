// Package reconcile compares the local order journal against the broker's
// executed-deal history and classifies every trade as matched, mismatched,
// ghost (journaled but unknown to the broker) or orphan (broker deal with
// no journal entry). Money fields are compared with decimal arithmetic to
// a one-cent tolerance; volumes to a tenth of a lot step. Mismatches and
// ghosts engage the circuit breaker, orphans only warn.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/mt5-crs/executor/internal/config"
	"github.com/mt5-crs/executor/internal/gateway"
	"github.com/mt5-crs/executor/internal/journal"
	"github.com/mt5-crs/executor/internal/metrics"
	"github.com/mt5-crs/executor/internal/risk"
)

// ReasonReconciliation is the breaker reason for mismatches and ghosts.
const ReasonReconciliation = "RECONCILIATION_ERROR"

// Comparison tolerances. Prices, profit, commission and swap are money;
// one cent of slack absorbs the broker's rounding. Volume differences at
// or above a tenth of the smallest lot step are real.
var (
	moneyTolerance  = decimal.NewFromFloat(0.01)
	volumeTolerance = decimal.NewFromFloat(0.001)
)

// RowStatus classifies one reconciled trade.
type RowStatus string

const (
	StatusMatch    RowStatus = "MATCH"
	StatusMismatch RowStatus = "MISMATCH"
	StatusGhost    RowStatus = "GHOST"
	StatusOrphan   RowStatus = "ORPHAN"
)

// FieldDiff is one field that disagreed between the journal and the broker.
type FieldDiff struct {
	Field  string  `json:"field" yaml:"field"`
	Local  float64 `json:"local" yaml:"local"`
	Broker float64 `json:"broker" yaml:"broker"`
}

// Row is one trade's reconciliation outcome.
type Row struct {
	Status        RowStatus   `json:"status" yaml:"status"`
	Ticket        int64       `json:"ticket" yaml:"ticket"`
	ClientOrderID string      `json:"client_order_id,omitempty" yaml:"client_order_id,omitempty"`
	Symbol        string      `json:"symbol" yaml:"symbol"`
	Fields        []FieldDiff `json:"fields,omitempty" yaml:"fields,omitempty"`
	Detail        string      `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// Report is the full reconciliation outcome for one window.
type Report struct {
	GeneratedAt time.Time `json:"generated_at" yaml:"generated_at"`
	From        time.Time `json:"from" yaml:"from"`
	To          time.Time `json:"to" yaml:"to"`
	Orders      int       `json:"orders" yaml:"orders"`
	DealGroups  int       `json:"deal_groups" yaml:"deal_groups"`
	Matches     int       `json:"matches" yaml:"matches"`
	Mismatches  int       `json:"mismatches" yaml:"mismatches"`
	Ghosts      int       `json:"ghosts" yaml:"ghosts"`
	Orphans     int       `json:"orphans" yaml:"orphans"`
	MatchRate   float64   `json:"match_rate" yaml:"match_rate"`
	Clean       bool      `json:"clean" yaml:"clean"`
	Rows        []Row     `json:"rows" yaml:"rows"`
}

// dealGroup folds a ticket's deals (entry, and exit if closed) into one
// broker-side view of the trade.
type dealGroup struct {
	ticket        int64
	clientOrderID string
	symbol        string
	volume        float64
	fillPrice     float64
	closePrice    *float64
	profit        float64
	commission    float64
	swap          float64
	deals         int
}

// Engine runs journal-versus-broker reconciliation. The broker is read
// through the same gateway client the executor trades with, filtered to
// this deployment's magic numbers so co-hosted strategies stay invisible.
type Engine struct {
	journal *journal.Journal
	broker  gateway.Broker
	engage  risk.EngageFunc
	magics  map[int64]string
	logger  zerolog.Logger
}

// New builds a reconciliation engine scoped to the given symbol set.
// engage may be nil for report-only runs.
func New(j *journal.Journal, broker gateway.Broker, engage risk.EngageFunc, symbols []config.SymbolConfig) *Engine {
	magics := make(map[int64]string, len(symbols))
	for _, s := range symbols {
		magics[s.MagicNumber] = s.Symbol
	}
	return &Engine{
		journal: j,
		broker:  broker,
		engage:  engage,
		magics:  magics,
		logger:  log.With().Str("component", "reconcile").Logger(),
	}
}

// Run reconciles the window [from, to]. It returns the report even when
// discrepancies were found; the error is reserved for runs that could not
// complete at all.
func (e *Engine) Run(ctx context.Context, from, to time.Time) (*Report, error) {
	orders, err := e.journal.FilledOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: local book unavailable: %w", err)
	}
	deals, err := e.broker.GetHistory(ctx, from, to, "")
	if err != nil {
		return nil, fmt.Errorf("reconcile: broker history unavailable: %w", err)
	}

	groups := e.groupDeals(deals)
	report := &Report{
		GeneratedAt: time.Now().UTC(),
		From:        from.UTC(),
		To:          to.UTC(),
		Orders:      len(orders),
		DealGroups:  len(groups),
	}

	claimed := make(map[int64]bool, len(groups))
	for _, ord := range orders {
		row := e.matchOrder(ord, groups, claimed)
		report.Rows = append(report.Rows, row)
	}

	// Anything left unclaimed traded under our magic without a journal
	// entry.
	var orphanTickets []int64
	for ticket := range groups {
		if !claimed[ticket] {
			orphanTickets = append(orphanTickets, ticket)
		}
	}
	sort.Slice(orphanTickets, func(i, j int) bool { return orphanTickets[i] < orphanTickets[j] })
	for _, ticket := range orphanTickets {
		g := groups[ticket]
		report.Rows = append(report.Rows, Row{
			Status:        StatusOrphan,
			Ticket:        g.ticket,
			ClientOrderID: g.clientOrderID,
			Symbol:        g.symbol,
			Detail:        fmt.Sprintf("broker deal with no journaled intent (volume %.2f at %.5f)", g.volume, g.fillPrice),
		})
	}

	for _, row := range report.Rows {
		switch row.Status {
		case StatusMatch:
			report.Matches++
		case StatusMismatch:
			report.Mismatches++
			metrics.RecordReconcileDiscrepancy("mismatch")
		case StatusGhost:
			report.Ghosts++
			metrics.RecordReconcileDiscrepancy("ghost")
		case StatusOrphan:
			report.Orphans++
			metrics.RecordReconcileDiscrepancy("orphan")
		}
	}
	if report.Orders > 0 {
		report.MatchRate = float64(report.Matches) / float64(report.Orders)
	} else {
		// An empty local book has nothing to disagree with.
		report.MatchRate = 1.0
	}
	report.Clean = report.Mismatches == 0 && report.Ghosts == 0

	e.finish(report)
	return report, nil
}

// finish logs, meters and, when the book disagrees with the broker,
// engages the breaker.
func (e *Engine) finish(report *Report) {
	outcome := "clean"
	if !report.Clean {
		outcome = "dirty"
	}
	metrics.RecordReconcileRun(outcome)

	e.logger.Info().
		Int("orders", report.Orders).
		Int("matches", report.Matches).
		Int("mismatches", report.Mismatches).
		Int("ghosts", report.Ghosts).
		Int("orphans", report.Orphans).
		Float64("match_rate", report.MatchRate).
		Msg("Reconciliation finished")

	if report.Orphans > 0 {
		// Orphans are suspicious but can be legitimate manual trades under
		// a recycled magic; they warn instead of halting.
		e.logger.Warn().Int("orphans", report.Orphans).Msg("Broker deals without journaled intents")
	}
	if report.Clean || e.engage == nil {
		return
	}

	detail := firstDiscrepancy(report)
	meta := map[string]string{
		"mismatches": fmt.Sprintf("%d", report.Mismatches),
		"ghosts":     fmt.Sprintf("%d", report.Ghosts),
		"detail":     detail,
	}
	e.logger.Error().Str("detail", detail).Msg("Order log disagrees with broker, engaging circuit breaker")
	if err := e.engage(ReasonReconciliation, meta); err != nil {
		e.logger.Error().Err(err).Msg("Breaker engagement failed")
	}
}

func firstDiscrepancy(report *Report) string {
	for _, row := range report.Rows {
		if row.Status == StatusMismatch || row.Status == StatusGhost {
			if row.Detail != "" {
				return fmt.Sprintf("ticket %d: %s", row.Ticket, row.Detail)
			}
			if len(row.Fields) > 0 {
				f := row.Fields[0]
				return fmt.Sprintf("ticket %d: %s local=%v broker=%v", row.Ticket, f.Field, f.Local, f.Broker)
			}
			return fmt.Sprintf("ticket %d: %s", row.Ticket, row.Status)
		}
	}
	return ""
}

// groupDeals folds the raw deal list into per-ticket trades, keeping only
// deals executed under one of our magic numbers. Deals are time-ordered per
// ticket: the first is the entry, a second one is the exit.
func (e *Engine) groupDeals(deals []gateway.Deal) map[int64]*dealGroup {
	sort.SliceStable(deals, func(i, j int) bool { return deals[i].Time < deals[j].Time })

	groups := make(map[int64]*dealGroup)
	for _, d := range deals {
		if _, ours := e.magics[d.Magic]; !ours {
			continue
		}
		g, ok := groups[d.Ticket]
		if !ok {
			g = &dealGroup{
				ticket:        d.Ticket,
				clientOrderID: d.ClientOrderID,
				symbol:        d.Symbol,
				volume:        d.Volume,
				fillPrice:     d.Price,
			}
			groups[d.Ticket] = g
		} else {
			price := d.Price
			g.closePrice = &price
			if g.clientOrderID == "" {
				g.clientOrderID = d.ClientOrderID
			}
		}
		g.profit += d.Profit
		g.commission += d.Commission
		g.swap += d.Swap
		g.deals++
	}
	return groups
}

// matchOrder reconciles one journaled order against the broker groups.
func (e *Engine) matchOrder(ord journal.Order, groups map[int64]*dealGroup, claimed map[int64]bool) Row {
	row := Row{
		Ticket:        derefTicket(ord.Ticket),
		ClientOrderID: ord.ClientOrderID,
		Symbol:        ord.Symbol,
	}
	if ord.Ticket == nil {
		// A filled order without a ticket is a journaling bug, not broker
		// drift, but it still means the book cannot be trusted.
		row.Status = StatusGhost
		row.Detail = "journaled fill has no ticket"
		return row
	}

	g, ok := groups[*ord.Ticket]
	if ok && g.clientOrderID != "" && ord.ClientOrderID != g.clientOrderID {
		// Same ticket, different origin: the journal's trade is missing and
		// the broker's is someone else's. The group stays unclaimed so it
		// also surfaces as an orphan.
		ok = false
	}
	if !ok {
		row.Status = StatusGhost
		row.Detail = "no broker deal for journaled fill"
		return row
	}
	claimed[g.ticket] = true

	row.Fields = compareFields(ord, g)
	if ord.Status == journal.StatusClosed && g.closePrice == nil {
		row.Detail = "journal closed but broker shows no exit deal"
	}
	if ord.Status == journal.StatusFilled && g.closePrice != nil {
		row.Detail = "broker closed a position the journal still holds open"
	}

	if len(row.Fields) > 0 || row.Detail != "" {
		row.Status = StatusMismatch
		return row
	}
	row.Status = StatusMatch
	return row
}

// compareFields diffs the money and volume fields that both sides carry.
func compareFields(ord journal.Order, g *dealGroup) []FieldDiff {
	var diffs []FieldDiff

	check := func(field string, local, broker float64, tol decimal.Decimal) {
		l := decimal.NewFromFloat(local)
		b := decimal.NewFromFloat(broker)
		if l.Sub(b).Abs().GreaterThan(tol) {
			diffs = append(diffs, FieldDiff{Field: field, Local: local, Broker: broker})
		}
	}

	check("volume", ord.Volume, g.volume, volumeTolerance)
	if ord.FillPrice != nil {
		check("fill_price", *ord.FillPrice, g.fillPrice, moneyTolerance)
	}
	if ord.ClosePrice != nil && g.closePrice != nil {
		check("close_price", *ord.ClosePrice, *g.closePrice, moneyTolerance)
	}
	if ord.Profit != nil {
		check("profit", *ord.Profit, g.profit, moneyTolerance)
	}
	check("commission", ord.Commission, g.commission, moneyTolerance)
	check("swap", ord.Swap, g.swap, moneyTolerance)
	return diffs
}

func derefTicket(t *int64) int64 {
	if t == nil {
		return 0
	}
	return *t
}
