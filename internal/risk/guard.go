// Package risk enforces the exposure caps and the panic latch.
// This is the GATEKEEPER - no trade reserves capital without passing it.
package risk

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// PanicError is returned while the panic latch is set. Every reservation
// attempt fails with it until an operator clears the latch out-of-band.
type PanicError struct {
	Reason string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic mode active: %s", e.Reason)
}

// ExposureLimitError is returned when a reservation would push an exchange,
// a market, or the open-arbitrage count past its configured cap.
type ExposureLimitError struct {
	Scope     string // "exchange", "market" or "open_arbitrages"
	Name      string
	Projected decimal.Decimal
	Limit     decimal.Decimal
}

func (e *ExposureLimitError) Error() string {
	return fmt.Sprintf("%s exposure limit on %s: projected %s > limit %s",
		e.Scope, e.Name, e.Projected.StringFixed(2), e.Limit.StringFixed(2))
}

// Alerter delivers critical alerts to an external channel (Telegram etc).
// Implementations must be safe for concurrent use; delivery is best-effort.
type Alerter interface {
	SendCriticalAlert(title, message string, details map[string]string)
}

// Config bounds the guard. Zero-valued caps mean "no trading at all", which
// is the safe direction for a misconfigured process.
type Config struct {
	MaxExchangeExposure decimal.Decimal
	MaxMarketExposure   decimal.Decimal
	MaxOpenArbitrages   int
	PanicOnPartialFill  bool
}

// Reservation is the opaque handle returned by ReserveTrade and passed back
// to ReleaseTrade. It carries only an identifier for log correlation.
type Reservation struct {
	ID string
}

// Guard tracks open exposure per exchange and per market under a single lock
// and refuses new reservations once any cap would be exceeded or the panic
// latch is set.
type Guard struct {
	cfg     Config
	alerter Alerter

	mu               sync.Mutex
	exchangeExposure map[string]decimal.Decimal
	marketExposure   map[string]decimal.Decimal
	openArbs         int
	panicReason      string
}

// NewGuard creates a risk guard. alerter may be nil (alerts are skipped).
func NewGuard(cfg Config, alerter Alerter) *Guard {
	log.Info().
		Str("max_exchange_exposure", cfg.MaxExchangeExposure.StringFixed(2)).
		Str("max_market_exposure", cfg.MaxMarketExposure.StringFixed(2)).
		Int("max_open_arbitrages", cfg.MaxOpenArbitrages).
		Bool("panic_on_partial_fill", cfg.PanicOnPartialFill).
		Msg("🛡️ Risk guard initialized")
	return &Guard{
		cfg:              cfg,
		alerter:          alerter,
		exchangeExposure: make(map[string]decimal.Decimal),
		marketExposure:   make(map[string]decimal.Decimal),
	}
}

// IsPanic reports whether the panic latch is set.
func (g *Guard) IsPanic() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.panicReason != ""
}

// PanicReason returns the latched reason, empty when trading is allowed.
func (g *Guard) PanicReason() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.panicReason
}

// TriggerPanic sets the sticky panic latch. The first caller wins; later
// calls are no-ops. A critical alert is fired on a separate goroutine so the
// caller is never blocked on alert delivery. In-flight legs are not
// cancelled: exchange-side state stays authoritative.
func (g *Guard) TriggerPanic(reason string) {
	g.mu.Lock()
	if g.panicReason != "" {
		g.mu.Unlock()
		return
	}
	g.panicReason = reason
	g.mu.Unlock()

	log.Error().Str("reason", reason).Msg("🚨 PANIC MODE ENABLED - all new trades refused")

	if g.alerter != nil {
		go g.alerter.SendCriticalAlert(
			"Panic mode",
			"Trading halted: manual intervention required.",
			map[string]string{"reason": reason},
		)
	}
}

// ClearPanic releases the latch. There is deliberately no automatic path to
// this: only an operator decision clears panic mode.
func (g *Guard) ClearPanic() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.panicReason == "" {
		return
	}
	log.Warn().Str("was", g.panicReason).Msg("Panic latch cleared by operator")
	g.panicReason = ""
}

// ReserveTrade checks every limit and, only if all pass, applies both
// exchange exposures, both market exposures and the open-arbitrage count in
// one critical section. On any refusal nothing is mutated.
func (g *Guard) ReserveTrade(buyExchange, sellExchange, buyMarket, sellMarket string, buySize, sellSize decimal.Decimal) (Reservation, error) {
	buyExchange = strings.ToLower(buyExchange)
	sellExchange = strings.ToLower(sellExchange)

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.panicReason != "" {
		return Reservation{}, &PanicError{Reason: g.panicReason}
	}
	if g.openArbs >= g.cfg.MaxOpenArbitrages {
		return Reservation{}, &ExposureLimitError{
			Scope:     "open_arbitrages",
			Name:      "global",
			Projected: decimal.NewFromInt(int64(g.openArbs + 1)),
			Limit:     decimal.NewFromInt(int64(g.cfg.MaxOpenArbitrages)),
		}
	}

	for _, leg := range []struct {
		exchange string
		size     decimal.Decimal
	}{{buyExchange, buySize}, {sellExchange, sellSize}} {
		projected := g.exchangeExposure[leg.exchange].Add(leg.size)
		if projected.GreaterThan(g.cfg.MaxExchangeExposure) {
			return Reservation{}, &ExposureLimitError{
				Scope:     "exchange",
				Name:      leg.exchange,
				Projected: projected,
				Limit:     g.cfg.MaxExchangeExposure,
			}
		}
	}

	for _, leg := range []struct {
		market string
		size   decimal.Decimal
	}{{buyMarket, buySize}, {sellMarket, sellSize}} {
		if leg.market == "" {
			continue
		}
		projected := g.marketExposure[leg.market].Add(leg.size)
		if projected.GreaterThan(g.cfg.MaxMarketExposure) {
			return Reservation{}, &ExposureLimitError{
				Scope:     "market",
				Name:      leg.market,
				Projected: projected,
				Limit:     g.cfg.MaxMarketExposure,
			}
		}
	}

	// All checks passed, apply the reservation.
	g.exchangeExposure[buyExchange] = g.exchangeExposure[buyExchange].Add(buySize)
	g.exchangeExposure[sellExchange] = g.exchangeExposure[sellExchange].Add(sellSize)
	if buyMarket != "" {
		g.marketExposure[buyMarket] = g.marketExposure[buyMarket].Add(buySize)
	}
	if sellMarket != "" {
		g.marketExposure[sellMarket] = g.marketExposure[sellMarket].Add(sellSize)
	}
	g.openArbs++

	res := Reservation{ID: uuid.NewString()}
	log.Debug().
		Str("reservation", res.ID).
		Str("buy", buyExchange).
		Str("sell", sellExchange).
		Int("open_arbs", g.openArbs).
		Msg("Trade exposure reserved")
	return res, nil
}

// ReleaseTrade reverses a reservation. Exposures are clamped at zero and the
// open-arbitrage count never goes negative, so releasing is always safe,
// including after panic was triggered.
func (g *Guard) ReleaseTrade(res Reservation, buyExchange, sellExchange, buyMarket, sellMarket string, buySize, sellSize decimal.Decimal) {
	buyExchange = strings.ToLower(buyExchange)
	sellExchange = strings.ToLower(sellExchange)

	g.mu.Lock()
	defer g.mu.Unlock()

	sub := func(m map[string]decimal.Decimal, key string, amount decimal.Decimal) {
		next := m[key].Sub(amount)
		if next.IsNegative() {
			next = decimal.Zero
		}
		m[key] = next
	}

	sub(g.exchangeExposure, buyExchange, buySize)
	sub(g.exchangeExposure, sellExchange, sellSize)
	if buyMarket != "" {
		sub(g.marketExposure, buyMarket, buySize)
	}
	if sellMarket != "" {
		sub(g.marketExposure, sellMarket, sellSize)
	}
	if g.openArbs > 0 {
		g.openArbs--
	}

	log.Debug().
		Str("reservation", res.ID).
		Int("open_arbs", g.openArbs).
		Msg("Trade exposure released")
}

// HandleUnhedgedLeg is the policy hook for a one-sided fill. The default and
// strongly recommended policy is to latch panic mode; PanicOnPartialFill=false
// downgrades it to a log-only event.
func (g *Guard) HandleUnhedgedLeg(reason string) {
	if g.cfg.PanicOnPartialFill {
		g.TriggerPanic(reason)
		return
	}
	log.Error().Str("reason", reason).Msg("⚠️ Unhedged leg detected, panic disabled by configuration")
}

// State is a read-only snapshot of the guard for status reporting.
type State struct {
	ExchangeExposure map[string]decimal.Decimal
	MarketExposure   map[string]decimal.Decimal
	OpenArbitrages   int
	PanicReason      string
}

// Snapshot copies the current guard state.
func (g *Guard) Snapshot() State {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := State{
		ExchangeExposure: make(map[string]decimal.Decimal, len(g.exchangeExposure)),
		MarketExposure:   make(map[string]decimal.Decimal, len(g.marketExposure)),
		OpenArbitrages:   g.openArbs,
		PanicReason:      g.panicReason,
	}
	for k, v := range g.exchangeExposure {
		s.ExchangeExposure[k] = v
	}
	for k, v := range g.marketExposure {
		s.MarketExposure[k] = v
	}
	return s
}
