// Package telemetry collects the process-wide trading counters and writes
// the append-only opportunity log used for offline analysis.
package telemetry

import (
	"sync"

	"github.com/shopspring/decimal"
)

// Metrics holds the process-wide counters and gauges. All methods are safe
// for concurrent use.
type Metrics struct {
	mu sync.Mutex

	signalsFound int64
	tradesPlaced int64
	cumPnL       decimal.Decimal
}

// NewMetrics creates an empty metrics set.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// IncSignals counts one detected opportunity.
func (m *Metrics) IncSignals() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signalsFound++
}

// IncTrades counts one executed trade pair.
func (m *Metrics) IncTrades() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tradesPlaced++
}

// AddPnL adds an amount (positive or negative) to the cumulative PnL gauge.
func (m *Metrics) AddPnL(amount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cumPnL = m.cumPnL.Add(amount)
}

// ResetPnL zeroes the cumulative PnL gauge.
func (m *Metrics) ResetPnL() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cumPnL = decimal.Zero
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() (signals, trades int64, pnl decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.signalsFound, m.tradesPlaced, m.cumPnL
}

// GetStats returns the metrics as a loosely-typed map for status displays.
func (m *Metrics) GetStats() map[string]interface{} {
	signals, trades, pnl := m.Snapshot()
	return map[string]interface{}{
		"signals_found": signals,
		"trades_placed": trades,
		"cum_pnl":       pnl.StringFixed(2),
	}
}
