package executor

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/crossarb/internal/detector"
	"github.com/web3guy0/crossarb/internal/ledger"
	"github.com/web3guy0/crossarb/internal/risk"
	"github.com/web3guy0/crossarb/internal/telemetry"
)

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

type fakeAPI struct {
	result *OrderResult
	err    error
	calls  int
}

func (f *fakeAPI) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	f.calls++
	return f.result, f.err
}

func filledAPI(orderID string) *fakeAPI {
	return &fakeAPI{result: &OrderResult{OrderID: orderID, Status: "FILLED"}}
}

func testOpportunity() *detector.Opportunity {
	return &detector.Opportunity{
		BuyExchange:  "polymarket",
		SellExchange: "sxbet",
		BuyMarket:    "mkt-a",
		SellMarket:   "mkt-b",
		BuyPrice:     dec(0.47),
		SellPrice:    dec(0.53),
		Profit:       dec(0.06),
		ProfitBPS:    dec(600),
		Qty:          dec(10),
		BuyNotional:  dec(4.7),
		SellNotional: dec(5.3),
	}
}

func testGuard() *risk.Guard {
	return risk.NewGuard(risk.Config{
		MaxExchangeExposure: dec(100),
		MaxMarketExposure:   dec(50),
		MaxOpenArbitrages:   3,
		PanicOnPartialFill:  true,
	}, nil)
}

func testLedger() *ledger.Ledger {
	return ledger.New(map[string]decimal.Decimal{
		"polymarket": dec(10),
		"sxbet":      dec(10),
	})
}

func newExecutor(l *ledger.Ledger, g *risk.Guard, buy, sell ExchangeOrderAPI) (*Executor, *telemetry.Metrics) {
	m := telemetry.NewMetrics()
	e := New(Config{}, l, g, map[string]ExchangeOrderAPI{
		"polymarket": buy,
		"sxbet":      sell,
	}, m, nil)
	return e, m
}

func TestExecuteBothLegsFilled(t *testing.T) {
	l, g := testLedger(), testGuard()
	e, m := newExecutor(l, g, filledAPI("buy-1"), filledAPI("sell-1"))

	result, err := e.Execute(context.Background(), testOpportunity())
	require.NoError(t, err)

	assert.Equal(t, StateClosed, result.State)
	assert.True(t, result.BuyLeg.Filled())
	assert.True(t, result.SellLeg.Filled())
	assert.Equal(t, "buy-1", result.BuyLeg.OrderID)

	// Committed capital is gone: 10 - 4.7 on the buy venue, nothing locked.
	assert.True(t, l.GetBalance("polymarket").Equal(dec(5.3)))
	assert.True(t, l.GetBalance("sxbet").Equal(dec(4.7)))
	assert.True(t, l.GetLockedBalance("polymarket").IsZero())
	assert.True(t, l.GetLockedBalance("sxbet").IsZero())

	// Risk reservation released, counters moved.
	assert.Equal(t, 0, g.Snapshot().OpenArbitrages)
	_, trades, pnl := m.Snapshot()
	assert.Equal(t, int64(1), trades)
	assert.True(t, pnl.Equal(dec(0.6)))
}

func TestExecuteOneSidedFillTriggersPanic(t *testing.T) {
	l, g := testLedger(), testGuard()
	sell := &fakeAPI{result: &OrderResult{OrderID: "sell-1", Status: "CANCELLED"}}
	e, _ := newExecutor(l, g, filledAPI("buy-1"), sell)

	result, err := e.Execute(context.Background(), testOpportunity())
	require.Error(t, err)

	var unhedged *UnhedgedPositionError
	require.ErrorAs(t, err, &unhedged)
	assert.Equal(t, "polymarket", unhedged.FilledExchange)
	assert.Equal(t, "sxbet", unhedged.FailedExchange)
	assert.Equal(t, StateClosed, result.State)

	// Buy leg committed, sell leg released.
	assert.True(t, l.GetBalance("polymarket").Equal(dec(5.3)))
	assert.True(t, l.GetBalance("sxbet").Equal(dec(10)))
	assert.True(t, l.GetLockedBalance("polymarket").IsZero())
	assert.True(t, l.GetLockedBalance("sxbet").IsZero())

	assert.True(t, g.IsPanic())
	// The open position keeps its exposure reserved.
	assert.Equal(t, 1, g.Snapshot().OpenArbitrages)
}

func TestExecuteBothLegsFailedRestoresEverything(t *testing.T) {
	l, g := testLedger(), testGuard()
	buy := &fakeAPI{err: fmt.Errorf("connection refused")}
	sell := &fakeAPI{err: fmt.Errorf("503 service unavailable")}
	e, m := newExecutor(l, g, buy, sell)

	_, err := e.Execute(context.Background(), testOpportunity())
	require.Error(t, err)

	var failed *ExecutionFailedError
	require.ErrorAs(t, err, &failed)
	assert.Error(t, failed.BuyErr)
	assert.Error(t, failed.SellErr)

	assert.False(t, g.IsPanic())
	assert.Equal(t, 0, g.Snapshot().OpenArbitrages)
	assert.True(t, l.GetBalance("polymarket").Equal(dec(10)))
	assert.True(t, l.GetBalance("sxbet").Equal(dec(10)))
	assert.True(t, l.GetLockedBalance("polymarket").IsZero())
	assert.True(t, l.GetLockedBalance("sxbet").IsZero())

	_, trades, _ := m.Snapshot()
	assert.Equal(t, int64(0), trades)
}

func TestExecuteMissingFillStatusIsHardFailure(t *testing.T) {
	l, g := testLedger(), testGuard()
	// Venue answered but never said whether the order filled.
	sell := &fakeAPI{result: &OrderResult{OrderID: "sell-1"}}
	e, _ := newExecutor(l, g, filledAPI("buy-1"), sell)

	result, err := e.Execute(context.Background(), testOpportunity())
	require.Error(t, err)

	var unhedged *UnhedgedPositionError
	require.ErrorAs(t, err, &unhedged)
	assert.Equal(t, FillUnknown, result.SellLeg.Status)
	assert.True(t, g.IsPanic())
}

func TestExecutePartialFillIsHardFailure(t *testing.T) {
	l, g := testLedger(), testGuard()
	// 9.0 of 10 requested is well past the 1% tolerance.
	sell := &fakeAPI{result: &OrderResult{OrderID: "sell-1", Status: "FILLED", FilledQty: dec(9)}}
	e, _ := newExecutor(l, g, filledAPI("buy-1"), sell)

	result, err := e.Execute(context.Background(), testOpportunity())
	require.Error(t, err)

	var partial *PartialFillError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, "sxbet", partial.Exchange)
	assert.Equal(t, FillNotFilled, result.SellLeg.Status)
	assert.True(t, g.IsPanic())
}

func TestExecuteFillWithinToleranceAccepted(t *testing.T) {
	l, g := testLedger(), testGuard()
	sell := &fakeAPI{result: &OrderResult{OrderID: "sell-1", Status: "matched", FilledQty: dec(9.95)}}
	e, _ := newExecutor(l, g, filledAPI("buy-1"), sell)

	result, err := e.Execute(context.Background(), testOpportunity())
	require.NoError(t, err)
	assert.True(t, result.SellLeg.Filled())
}

func TestExecuteSellReserveFailureReleasesBuyLeg(t *testing.T) {
	g := testGuard()
	l := ledger.New(map[string]decimal.Decimal{
		"polymarket": dec(10),
		"sxbet":      dec(1), // not enough for the 5.3 sell leg
	})
	buy, sell := filledAPI("buy-1"), filledAPI("sell-1")
	e, _ := newExecutor(l, g, buy, sell)

	_, err := e.Execute(context.Background(), testOpportunity())

	var insufficient *ledger.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, "sxbet", insufficient.Exchange)

	// No orders went out, and nothing stayed reserved anywhere.
	assert.Equal(t, 0, buy.calls)
	assert.Equal(t, 0, sell.calls)
	assert.True(t, l.GetBalance("polymarket").Equal(dec(10)))
	assert.True(t, l.GetLockedBalance("polymarket").IsZero())
	assert.Equal(t, 0, g.Snapshot().OpenArbitrages)
}

func TestExecuteRefusedUnderPanic(t *testing.T) {
	l, g := testLedger(), testGuard()
	g.TriggerPanic("earlier unhedged leg")
	buy, sell := filledAPI("buy-1"), filledAPI("sell-1")
	e, _ := newExecutor(l, g, buy, sell)

	_, err := e.Execute(context.Background(), testOpportunity())

	var panicErr *risk.PanicError
	require.ErrorAs(t, err, &panicErr)
	assert.Equal(t, 0, buy.calls)
}

func TestExecuteValidation(t *testing.T) {
	e, _ := newExecutor(testLedger(), testGuard(), filledAPI("b"), filledAPI("s"))

	cases := map[string]func(o *detector.Opportunity){
		"same exchange":        func(o *detector.Opportunity) { o.SellExchange = "Polymarket" },
		"inverted prices":      func(o *detector.Opportunity) { o.BuyPrice, o.SellPrice = o.SellPrice, o.BuyPrice },
		"zero qty":             func(o *detector.Opportunity) { o.Qty = decimal.Zero },
		"zero price":           func(o *detector.Opportunity) { o.BuyPrice = decimal.Zero },
		"unknown venue":        func(o *detector.Opportunity) { o.SellExchange = "kalshi" },
		"missing exchange":     func(o *detector.Opportunity) { o.BuyExchange = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			opp := testOpportunity()
			mutate(opp)
			_, err := e.Execute(context.Background(), opp)
			var invalid *ValidationError
			assert.ErrorAs(t, err, &invalid)
		})
	}

	var invalid *ValidationError
	_, err := e.Execute(context.Background(), nil)
	assert.ErrorAs(t, err, &invalid)
}

func TestExecuteDryRunTouchesNoCapital(t *testing.T) {
	l, g := testLedger(), testGuard()
	m := telemetry.NewMetrics()
	// No connectors at all: the dry-run path must never need one.
	e := New(Config{DryRun: true}, l, g, nil, m, nil)

	result, err := e.Execute(context.Background(), testOpportunity())
	require.NoError(t, err)
	assert.True(t, result.DryRun)
	assert.Equal(t, StateClosed, result.State)
	assert.True(t, result.PnL.Equal(dec(0.6)))

	assert.True(t, l.GetBalance("polymarket").Equal(dec(10)))
	assert.Equal(t, 0, g.Snapshot().OpenArbitrages)
	_, trades, pnl := m.Snapshot()
	assert.Equal(t, int64(1), trades)
	assert.True(t, pnl.Equal(dec(0.6)))
}

func TestExecuteTimeoutBooksUnknown(t *testing.T) {
	l, g := testLedger(), testGuard()
	sell := &fakeAPI{err: context.DeadlineExceeded}
	e, _ := newExecutor(l, g, filledAPI("buy-1"), sell)

	result, err := e.Execute(context.Background(), testOpportunity())
	require.Error(t, err)
	assert.Equal(t, FillUnknown, result.SellLeg.Status)
	assert.True(t, errors.Is(result.SellLeg.Err, context.DeadlineExceeded))
}
