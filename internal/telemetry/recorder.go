package telemetry

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

var opportunityHeader = []string{
	"timestamp",
	"exchange_buy", "market_buy", "buy_price", "buy_notional",
	"exchange_sell", "market_sell", "sell_price", "sell_notional",
	"qty", "profit_bps", "expected_pnl_usd", "actual_pnl_usd",
	"executed",
}

// OpportunityRow is one line of the opportunity log.
type OpportunityRow struct {
	BuyExchange  string
	BuyMarket    string
	BuyPrice     decimal.Decimal
	BuyNotional  decimal.Decimal
	SellExchange string
	SellMarket   string
	SellPrice    decimal.Decimal
	SellNotional decimal.Decimal
	Qty          decimal.Decimal
	ProfitBPS    decimal.Decimal
	ExpectedPnL  decimal.Decimal
	ActualPnL    decimal.Decimal
	Executed     bool
}

// Recorder appends opportunities to a CSV file under the log directory.
// Writes are best-effort: a failed append is logged and swallowed, never
// propagated into the trading path.
type Recorder struct {
	mu   sync.Mutex
	path string
}

// NewRecorder creates a recorder writing to <dir>/data/opportunities.csv.
func NewRecorder(dir string) *Recorder {
	return &Recorder{path: filepath.Join(dir, "data", "opportunities.csv")}
}

// Record appends one row, creating the file with a header on first use.
func (r *Recorder) Record(row OpportunityRow) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.append(row); err != nil {
		log.Error().Err(err).Msg("Failed to record arbitrage opportunity")
	}
}

func (r *Recorder) append(row OpportunityRow) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return err
	}

	_, statErr := os.Stat(r.path)
	newFile := os.IsNotExist(statErr)

	f, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if newFile {
		if err := w.Write(opportunityHeader); err != nil {
			return err
		}
	}

	executed := "false"
	if row.Executed {
		executed = "true"
	}
	if err := w.Write([]string{
		time.Now().UTC().Format(time.RFC3339),
		row.BuyExchange, orDash(row.BuyMarket), row.BuyPrice.StringFixed(6), row.BuyNotional.StringFixed(4),
		row.SellExchange, orDash(row.SellMarket), row.SellPrice.StringFixed(6), row.SellNotional.StringFixed(4),
		row.Qty.StringFixed(4), row.ProfitBPS.StringFixed(2),
		row.ExpectedPnL.StringFixed(4), row.ActualPnL.StringFixed(4),
		executed,
	}); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
