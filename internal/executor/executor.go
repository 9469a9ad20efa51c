// Package executor places the two legs of an arbitrage concurrently and
// reconciles the outcome against the balance ledger and the risk guard.
//
// The reconciliation contract is the heart of the system: whatever happens
// between reserving capital and verifying fills, every reservation is either
// committed (capital genuinely spent) or released (trade did not happen).
// Leaking a reservation permanently shrinks trading capacity, so cleanup runs
// under a deferred guarantee.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/crossarb/internal/detector"
	"github.com/web3guy0/crossarb/internal/ledger"
	"github.com/web3guy0/crossarb/internal/risk"
	"github.com/web3guy0/crossarb/internal/telemetry"
)

// State of one trade attempt.
type State string

const (
	StatePending      State = "PENDING"
	StateReserved     State = "RESERVED"
	StateLegsInFlight State = "LEGS_IN_FLIGHT"
	StateBothFilled   State = "BOTH_FILLED"
	StateOneSided     State = "ONE_SIDED"
	StateBothFailed   State = "BOTH_FAILED"
	StateClosed       State = "CLOSED"
)

// Side of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderTypeIOC is the only order type the executor submits: immediate-or-
// cancel, so a leg either fills now or reports back as not filled.
const OrderTypeIOC = "IOC"

// FillStatus is the normalized outcome of one leg.
type FillStatus string

const (
	FillFilled    FillStatus = "filled"
	FillNotFilled FillStatus = "not_filled"
	// FillUnknown covers a missing status field or a local timeout. Unknown
	// is never assumed success: it books as a failed leg.
	FillUnknown FillStatus = "unknown"
)

// OrderRequest is one leg's order as handed to a venue connector.
type OrderRequest struct {
	Exchange  string
	Market    string
	Outcome   string
	Side      Side
	Price     decimal.Decimal
	Qty       decimal.Decimal
	OrderType string
}

// OrderResult is the connector's raw placement report. Status carries the
// venue's own wording ("FILLED", "matched", "CANCELLED", ...); an empty
// Status means the venue did not say, which the executor treats as a hard
// failure. A zero FilledQty means the venue did not report a quantity.
type OrderResult struct {
	OrderID   string
	Status    string
	FilledQty decimal.Decimal
}

// ExchangeOrderAPI places orders on one venue. Retries for transient faults
// live inside the connector; the executor never retries placement, because
// retrying after ambiguous remote state risks a double fill.
type ExchangeOrderAPI interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
}

// ValidationError flags a malformed opportunity before any capital risk.
// Caller bug, never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid opportunity: %s %s", e.Field, e.Message)
}

// OrderPlacementError wraps a leg whose placement call failed outright.
type OrderPlacementError struct {
	Exchange string
	Err      error
}

func (e *OrderPlacementError) Error() string {
	return fmt.Sprintf("order placement failed on %s: %v", e.Exchange, e.Err)
}

func (e *OrderPlacementError) Unwrap() error { return e.Err }

// PartialFillError flags a leg whose reported fill quantity fell short of the
// requested size by more than the tolerance. Treated exactly like a failed
// placement: a short fill is unhedged risk, not a partial success.
type PartialFillError struct {
	Exchange  string
	Requested decimal.Decimal
	Filled    decimal.Decimal
}

func (e *PartialFillError) Error() string {
	return fmt.Sprintf("partial fill on %s: requested %s, filled %s",
		e.Exchange, e.Requested.StringFixed(4), e.Filled.StringFixed(4))
}

// UnhedgedPositionError reports a one-sided outcome: one leg filled, the
// other did not. The guard has already been notified by the time the caller
// sees this error.
type UnhedgedPositionError struct {
	FilledExchange string
	FailedExchange string
	Cause          error
}

func (e *UnhedgedPositionError) Error() string {
	return fmt.Sprintf("unhedged position: %s filled, %s did not (%v)",
		e.FilledExchange, e.FailedExchange, e.Cause)
}

func (e *UnhedgedPositionError) Unwrap() error { return e.Cause }

// ExecutionFailedError reports that both legs failed. No unhedged exposure
// exists; all reservations were restored.
type ExecutionFailedError struct {
	BuyErr  error
	SellErr error
}

func (e *ExecutionFailedError) Error() string {
	return fmt.Sprintf("both legs failed: buy: %v; sell: %v", e.BuyErr, e.SellErr)
}

// LegResult is the normalized outcome of one leg after fill verification.
type LegResult struct {
	Exchange string
	Side     Side
	OrderID  string
	Status   FillStatus
	Err      error
}

// Filled reports whether the leg passed fill verification.
func (l LegResult) Filled() bool { return l.Status == FillFilled }

// TradeResult is the record of one executed (or attempted) trade pair.
type TradeResult struct {
	ID      string
	State   State
	BuyLeg  LegResult
	SellLeg LegResult
	// PnL is the expected profit booked on a full double fill, zero otherwise.
	PnL        decimal.Decimal
	DryRun     bool
	StartedAt  time.Time
	FinishedAt time.Time
}

// Config bounds the executor.
type Config struct {
	// DryRun simulates fills without touching the ledger, the guard or any
	// venue. Used to evaluate the strategy without capital risk.
	DryRun bool
	// LegTimeout caps each placement call. A timeout books the leg as
	// fill-status-unknown; the order is never cancelled remotely, because
	// exchange-side state is authoritative.
	LegTimeout time.Duration
	// FillTolerance is the acceptable shortfall fraction between requested
	// and reported fill quantity. Zero means the default 1%.
	FillTolerance decimal.Decimal
}

var defaultFillTolerance = decimal.NewFromFloat(0.01)

// Executor runs the dual-leg state machine. All collaborators are injected;
// the executor owns no global state.
type Executor struct {
	cfg     Config
	ledger  *ledger.Ledger
	guard   *risk.Guard
	apis    map[string]ExchangeOrderAPI
	metrics *telemetry.Metrics
	rec     *telemetry.Recorder
}

// New creates an executor. apis maps lowercase exchange names to their order
// connectors; metrics and rec may be nil.
func New(cfg Config, l *ledger.Ledger, g *risk.Guard, apis map[string]ExchangeOrderAPI, metrics *telemetry.Metrics, rec *telemetry.Recorder) *Executor {
	if cfg.FillTolerance.IsZero() {
		cfg.FillTolerance = defaultFillTolerance
	}
	normalized := make(map[string]ExchangeOrderAPI, len(apis))
	for name, api := range apis {
		normalized[strings.ToLower(name)] = api
	}
	return &Executor{cfg: cfg, ledger: l, guard: g, apis: normalized, metrics: metrics, rec: rec}
}

func (e *Executor) validate(opp *detector.Opportunity) error {
	if opp == nil {
		return &ValidationError{Field: "opportunity", Message: "is nil"}
	}
	if opp.BuyExchange == "" || opp.SellExchange == "" {
		return &ValidationError{Field: "exchange", Message: "identifier missing"}
	}
	if strings.EqualFold(opp.BuyExchange, opp.SellExchange) {
		return &ValidationError{Field: "exchange", Message: "buy and sell venues must differ"}
	}
	if !e.cfg.DryRun {
		for _, exchange := range []string{opp.BuyExchange, opp.SellExchange} {
			if _, ok := e.apis[strings.ToLower(exchange)]; !ok {
				return &ValidationError{Field: "exchange", Message: fmt.Sprintf("no connector for %q", exchange)}
			}
		}
	}
	if !opp.BuyPrice.IsPositive() || !opp.SellPrice.IsPositive() {
		return &ValidationError{Field: "price", Message: "must be positive"}
	}
	if !opp.BuyPrice.LessThan(opp.SellPrice) {
		return &ValidationError{Field: "price", Message: "buy price must be below sell price"}
	}
	if !opp.Qty.IsPositive() {
		return &ValidationError{Field: "qty", Message: "must be positive"}
	}
	return nil
}

// Execute runs one trade attempt end to end. The returned TradeResult is
// populated even when err is non-nil, so callers can log which leg did what.
func (e *Executor) Execute(ctx context.Context, opp *detector.Opportunity) (*TradeResult, error) {
	if err := e.validate(opp); err != nil {
		return nil, err
	}

	result := &TradeResult{
		ID:        uuid.NewString(),
		State:     StatePending,
		DryRun:    e.cfg.DryRun,
		StartedAt: time.Now().UTC(),
	}

	if e.cfg.DryRun {
		e.simulate(opp, result)
		return result, nil
	}

	err := e.executeLive(ctx, opp, result)
	result.FinishedAt = time.Now().UTC()
	return result, err
}

// simulate books a paper fill: counters and the opportunity log move, capital
// does not.
func (e *Executor) simulate(opp *detector.Opportunity, result *TradeResult) {
	result.BuyLeg = LegResult{Exchange: opp.BuyExchange, Side: SideBuy, Status: FillFilled, OrderID: "dry-" + result.ID}
	result.SellLeg = LegResult{Exchange: opp.SellExchange, Side: SideSell, Status: FillFilled, OrderID: "dry-" + result.ID}
	result.State = StateClosed
	result.PnL = opp.ExpectedPnL()
	result.FinishedAt = time.Now().UTC()

	if e.metrics != nil {
		e.metrics.IncTrades()
		e.metrics.AddPnL(result.PnL)
	}
	e.recordTrade(opp, result.PnL, true)

	log.Info().
		Str("trade", result.ID).
		Str("buy", opp.BuyExchange).
		Str("sell", opp.SellExchange).
		Str("expected_pnl", result.PnL.StringFixed(4)).
		Msg("📝 Dry-run trade simulated")
}

func (e *Executor) executeLive(ctx context.Context, opp *detector.Opportunity, result *TradeResult) error {
	buyExchange := strings.ToLower(opp.BuyExchange)
	sellExchange := strings.ToLower(opp.SellExchange)

	res, err := e.guard.ReserveTrade(buyExchange, sellExchange, opp.BuyMarket, opp.SellMarket,
		opp.BuyNotional, opp.SellNotional)
	if err != nil {
		return err
	}

	releaseRisk := func() {
		e.guard.ReleaseTrade(res, buyExchange, sellExchange, opp.BuyMarket, opp.SellMarket,
			opp.BuyNotional, opp.SellNotional)
	}

	if err := e.ledger.ReserveBalance(buyExchange, opp.BuyNotional); err != nil {
		releaseRisk()
		return err
	}
	if err := e.ledger.ReserveBalance(sellExchange, opp.SellNotional); err != nil {
		e.ledger.ReleaseBalance(buyExchange, opp.BuyNotional)
		releaseRisk()
		return err
	}
	result.State = StateReserved

	// From here on both balance reservations and the risk reservation are
	// live. Whatever happens below, reconcile must settle all three.
	reconciled := false
	defer func() {
		if reconciled {
			return
		}
		log.Error().Str("trade", result.ID).Msg("🧹 Unreconciled trade attempt, releasing all reservations")
		e.ledger.ReleaseBalance(buyExchange, opp.BuyNotional)
		e.ledger.ReleaseBalance(sellExchange, opp.SellNotional)
		releaseRisk()
	}()

	result.State = StateLegsInFlight
	buyLeg, sellLeg := e.placeLegs(ctx, opp)
	result.BuyLeg = buyLeg
	result.SellLeg = sellLeg

	var execErr error
	switch {
	case buyLeg.Filled() && sellLeg.Filled():
		result.State = StateBothFilled
		result.PnL = opp.ExpectedPnL()
		e.ledger.CommitOrder(buyExchange, opp.BuyNotional)
		e.ledger.CommitOrder(sellExchange, opp.SellNotional)
		releaseRisk()
		if e.metrics != nil {
			e.metrics.IncTrades()
			e.metrics.AddPnL(result.PnL)
		}
		e.recordTrade(opp, result.PnL, true)
		log.Info().
			Str("trade", result.ID).
			Str("buy_order", buyLeg.OrderID).
			Str("sell_order", sellLeg.OrderID).
			Str("expected_pnl", result.PnL.StringFixed(4)).
			Msg("✅ Both legs filled")

	case buyLeg.Filled() || sellLeg.Filled():
		result.State = StateOneSided
		filled, failed := buyLeg, sellLeg
		filledExchange, failedExchange := buyExchange, sellExchange
		filledNotional, failedNotional := opp.BuyNotional, opp.SellNotional
		if sellLeg.Filled() {
			filled, failed = sellLeg, buyLeg
			filledExchange, failedExchange = sellExchange, buyExchange
			filledNotional, failedNotional = opp.SellNotional, opp.BuyNotional
		}

		// The filled leg's capital is genuinely spent; the failed leg's
		// reservation goes back. The risk reservation stays: the position is
		// actually open until an operator unwinds it.
		e.ledger.CommitOrder(filledExchange, filledNotional)
		e.ledger.ReleaseBalance(failedExchange, failedNotional)
		reason := fmt.Sprintf("one-sided fill: %s %s filled (order %s), %s %s failed: %v",
			filledExchange, filled.Side, filled.OrderID, failedExchange, failed.Side, failed.Err)
		e.guard.HandleUnhedgedLeg(reason)

		log.Error().
			Str("trade", result.ID).
			Str("filled", filledExchange).
			Str("failed", failedExchange).
			Err(failed.Err).
			Msg("🚨 ONE-SIDED FILL - unhedged position")
		execErr = &UnhedgedPositionError{
			FilledExchange: filledExchange,
			FailedExchange: failedExchange,
			Cause:          failed.Err,
		}
		// Risk reservation intentionally not released; mark as settled so
		// the deferred cleanup does not release it either.
		reconciled = true
		e.recordTrade(opp, decimal.Zero, false)
		result.State = StateClosed
		return execErr

	default:
		result.State = StateBothFailed
		e.ledger.ReleaseBalance(buyExchange, opp.BuyNotional)
		e.ledger.ReleaseBalance(sellExchange, opp.SellNotional)
		releaseRisk()
		log.Warn().
			Str("trade", result.ID).
			AnErr("buy_err", buyLeg.Err).
			AnErr("sell_err", sellLeg.Err).
			Msg("Both legs failed, reservations restored")
		execErr = &ExecutionFailedError{BuyErr: buyLeg.Err, SellErr: sellLeg.Err}
	}

	reconciled = true
	result.State = StateClosed
	return execErr
}

// placeLegs submits both orders concurrently. Both goroutines are launched
// before either is awaited, so venue acceptance times sit as close together
// as the scheduler allows. Each leg is isolated: one leg's failure never
// cancels the other.
func (e *Executor) placeLegs(ctx context.Context, opp *detector.Opportunity) (buy, sell LegResult) {
	legs := [2]OrderRequest{
		{
			Exchange:  strings.ToLower(opp.BuyExchange),
			Market:    opp.BuyMarket,
			Outcome:   string(opp.BuyOutcome),
			Side:      SideBuy,
			Price:     opp.BuyPrice,
			Qty:       opp.Qty,
			OrderType: OrderTypeIOC,
		},
		{
			Exchange:  strings.ToLower(opp.SellExchange),
			Market:    opp.SellMarket,
			Outcome:   string(opp.SellOutcome),
			Side:      SideSell,
			Price:     opp.SellPrice,
			Qty:       opp.Qty,
			OrderType: OrderTypeIOC,
		},
	}

	var results [2]LegResult
	var wg sync.WaitGroup
	for i := range legs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = e.placeLeg(ctx, legs[i])
		}(i)
	}
	wg.Wait()
	return results[0], results[1]
}

func (e *Executor) placeLeg(ctx context.Context, req OrderRequest) LegResult {
	leg := LegResult{Exchange: req.Exchange, Side: req.Side}

	api, ok := e.apis[req.Exchange]
	if !ok {
		leg.Status = FillNotFilled
		leg.Err = &OrderPlacementError{Exchange: req.Exchange, Err: fmt.Errorf("no connector")}
		return leg
	}

	if e.cfg.LegTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.LegTimeout)
		defer cancel()
	}

	log.Info().
		Str("exchange", req.Exchange).
		Str("side", string(req.Side)).
		Str("price", req.Price.StringFixed(4)).
		Str("qty", req.Qty.StringFixed(4)).
		Msg("📤 Placing order")

	res, err := api.PlaceOrder(ctx, req)
	return e.verifyFill(req, res, err)
}

// verifyFill normalizes a connector's report into a FillStatus. Only an
// explicit filled/matched status counts as success; a missing status or a
// short fill is a hard failure.
func (e *Executor) verifyFill(req OrderRequest, res *OrderResult, err error) LegResult {
	leg := LegResult{Exchange: req.Exchange, Side: req.Side}

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			leg.Status = FillUnknown
		} else {
			leg.Status = FillNotFilled
		}
		leg.Err = &OrderPlacementError{Exchange: req.Exchange, Err: err}
		return leg
	}
	if res == nil {
		leg.Status = FillUnknown
		leg.Err = &OrderPlacementError{Exchange: req.Exchange, Err: fmt.Errorf("connector returned no result")}
		return leg
	}
	leg.OrderID = res.OrderID

	switch strings.ToLower(res.Status) {
	case "":
		leg.Status = FillUnknown
		leg.Err = &OrderPlacementError{Exchange: req.Exchange, Err: fmt.Errorf("fill status missing from response")}
		return leg
	case "filled", "matched":
	default:
		leg.Status = FillNotFilled
		leg.Err = &OrderPlacementError{Exchange: req.Exchange, Err: fmt.Errorf("order not filled (status %q)", res.Status)}
		return leg
	}

	// Venue said filled: verify quantity when it reported one.
	if !res.FilledQty.IsZero() {
		minFill := req.Qty.Mul(decimal.NewFromInt(1).Sub(e.cfg.FillTolerance))
		if res.FilledQty.LessThan(minFill) {
			leg.Status = FillNotFilled
			leg.Err = &PartialFillError{Exchange: req.Exchange, Requested: req.Qty, Filled: res.FilledQty}
			return leg
		}
	}

	leg.Status = FillFilled
	return leg
}

func (e *Executor) recordTrade(opp *detector.Opportunity, pnl decimal.Decimal, executed bool) {
	if e.rec == nil {
		return
	}
	e.rec.Record(telemetry.OpportunityRow{
		BuyExchange:  opp.BuyExchange,
		BuyMarket:    opp.BuyMarket,
		BuyPrice:     opp.BuyPrice,
		BuyNotional:  opp.BuyNotional,
		SellExchange: opp.SellExchange,
		SellMarket:   opp.SellMarket,
		SellPrice:    opp.SellPrice,
		SellNotional: opp.SellNotional,
		Qty:          opp.Qty,
		ProfitBPS:    opp.ProfitBPS,
		ExpectedPnL:  opp.ExpectedPnL(),
		ActualPnL:    pnl,
		Executed:     executed,
	})
}
