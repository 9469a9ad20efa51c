package risk

import (
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingAlerter struct {
	mu     sync.Mutex
	titles []string
}

func (a *recordingAlerter) SendCriticalAlert(title, message string, details map[string]string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.titles = append(a.titles, title)
}

func (a *recordingAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.titles)
}

func testConfig() Config {
	return Config{
		MaxExchangeExposure: decimal.NewFromFloat(100.0),
		MaxMarketExposure:   decimal.NewFromFloat(50.0),
		MaxOpenArbitrages:   2,
		PanicOnPartialFill:  true,
	}
}

func reserve(t *testing.T, g *Guard, size float64) Reservation {
	t.Helper()
	res, err := g.ReserveTrade("polymarket", "sxbet", "mkt-a", "mkt-b",
		decimal.NewFromFloat(size), decimal.NewFromFloat(size))
	require.NoError(t, err)
	return res
}

func TestReserveTradeAppliesAllCounters(t *testing.T) {
	g := NewGuard(testConfig(), nil)

	reserve(t, g, 10)

	s := g.Snapshot()
	assert.True(t, s.ExchangeExposure["polymarket"].Equal(decimal.NewFromFloat(10)))
	assert.True(t, s.ExchangeExposure["sxbet"].Equal(decimal.NewFromFloat(10)))
	assert.True(t, s.MarketExposure["mkt-a"].Equal(decimal.NewFromFloat(10)))
	assert.True(t, s.MarketExposure["mkt-b"].Equal(decimal.NewFromFloat(10)))
	assert.Equal(t, 1, s.OpenArbitrages)
}

func TestReserveTradeAllOrNothing(t *testing.T) {
	g := NewGuard(testConfig(), nil)

	// Market cap is 50: a 60 reservation must fail without touching anything,
	// including the exchange counters checked before the market counters.
	_, err := g.ReserveTrade("polymarket", "sxbet", "mkt-a", "mkt-b",
		decimal.NewFromFloat(60), decimal.NewFromFloat(60))
	require.Error(t, err)

	var limit *ExposureLimitError
	require.ErrorAs(t, err, &limit)
	assert.Equal(t, "market", limit.Scope)

	s := g.Snapshot()
	assert.True(t, s.ExchangeExposure["polymarket"].IsZero())
	assert.True(t, s.ExchangeExposure["sxbet"].IsZero())
	assert.Empty(t, s.MarketExposure)
	assert.Equal(t, 0, s.OpenArbitrages)
}

func TestReserveTradeExchangeLimit(t *testing.T) {
	g := NewGuard(testConfig(), nil)

	reserve(t, g, 45)
	_, err := g.ReserveTrade("polymarket", "sxbet", "mkt-c", "mkt-d",
		decimal.NewFromFloat(60), decimal.NewFromFloat(60))

	var limit *ExposureLimitError
	require.ErrorAs(t, err, &limit)
	assert.Equal(t, "exchange", limit.Scope)
}

func TestReserveTradeOpenArbCap(t *testing.T) {
	g := NewGuard(testConfig(), nil)

	reserve(t, g, 1)
	reserve(t, g, 1)

	_, err := g.ReserveTrade("polymarket", "sxbet", "", "",
		decimal.NewFromFloat(1), decimal.NewFromFloat(1))
	var limit *ExposureLimitError
	require.ErrorAs(t, err, &limit)
	assert.Equal(t, "open_arbitrages", limit.Scope)
}

func TestReleaseTradeReversesAndClamps(t *testing.T) {
	g := NewGuard(testConfig(), nil)

	res := reserve(t, g, 10)
	g.ReleaseTrade(res, "polymarket", "sxbet", "mkt-a", "mkt-b",
		decimal.NewFromFloat(10), decimal.NewFromFloat(10))

	s := g.Snapshot()
	assert.True(t, s.ExchangeExposure["polymarket"].IsZero())
	assert.Equal(t, 0, s.OpenArbitrages)

	// Double release stays clamped at zero.
	g.ReleaseTrade(res, "polymarket", "sxbet", "mkt-a", "mkt-b",
		decimal.NewFromFloat(10), decimal.NewFromFloat(10))
	s = g.Snapshot()
	assert.False(t, s.ExchangeExposure["polymarket"].IsNegative())
	assert.Equal(t, 0, s.OpenArbitrages)
}

func TestPanicIsStickyAndRefusesReservations(t *testing.T) {
	alerter := &recordingAlerter{}
	g := NewGuard(testConfig(), alerter)

	g.TriggerPanic("unhedged position on sxbet")
	g.TriggerPanic("second reason must not overwrite")

	assert.True(t, g.IsPanic())
	assert.Equal(t, "unhedged position on sxbet", g.PanicReason())

	_, err := g.ReserveTrade("polymarket", "sxbet", "", "",
		decimal.NewFromFloat(0.01), decimal.NewFromFloat(0.01))
	var panicErr *PanicError
	require.ErrorAs(t, err, &panicErr)
	assert.Equal(t, "unhedged position on sxbet", panicErr.Reason)

	// Release stays safe under panic.
	g.ReleaseTrade(Reservation{ID: "x"}, "polymarket", "sxbet", "", "",
		decimal.NewFromFloat(1), decimal.NewFromFloat(1))

	// Only an explicit operator reset re-enables trading.
	g.ClearPanic()
	assert.False(t, g.IsPanic())
	_, err = g.ReserveTrade("polymarket", "sxbet", "", "",
		decimal.NewFromFloat(0.01), decimal.NewFromFloat(0.01))
	assert.NoError(t, err)
}

func TestHandleUnhedgedLegPolicy(t *testing.T) {
	g := NewGuard(testConfig(), nil)
	g.HandleUnhedgedLeg("sell leg cancelled")
	assert.True(t, g.IsPanic())

	cfg := testConfig()
	cfg.PanicOnPartialFill = false
	lenient := NewGuard(cfg, nil)
	lenient.HandleUnhedgedLeg("sell leg cancelled")
	assert.False(t, lenient.IsPanic())
}

func TestConcurrentReservationsRespectCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxOpenArbitrages = 5
	g := NewGuard(cfg, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.ReserveTrade("polymarket", "sxbet", "", "",
				decimal.NewFromFloat(1), decimal.NewFromFloat(1)); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, granted)
	assert.Equal(t, 5, g.Snapshot().OpenArbitrages)
}
