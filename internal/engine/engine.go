// Package engine drives the scan cycle: fetch books for every matched pair,
// run detection, hand profitable opportunities to the executor, and persist
// what happened. One cycle is sequential per pair; the concurrency that
// matters (the two legs of a trade) lives in the executor.
package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/crossarb/internal/connector"
	"github.com/web3guy0/crossarb/internal/detector"
	"github.com/web3guy0/crossarb/internal/executor"
	"github.com/web3guy0/crossarb/internal/ledger"
	"github.com/web3guy0/crossarb/internal/market"
	"github.com/web3guy0/crossarb/internal/risk"
	"github.com/web3guy0/crossarb/internal/storage"
)

// Pair is one validated cross-venue pairing the engine watches.
type Pair struct {
	A market.Listing
	B market.Listing
}

func (p Pair) key() string {
	return p.A.Exchange + ":" + p.A.MarketID + "|" + p.B.Exchange + ":" + p.B.MarketID
}

// Config bounds the engine loop.
type Config struct {
	ScanInterval time.Duration
	// PairCooldown suppresses re-trading a pair right after an execution,
	// while exchange state and books settle.
	PairCooldown time.Duration
	// TargetTrades stops the engine after this many executed trades.
	// Zero means run until the context is cancelled.
	TargetTrades int
	BookDepth    int
}

// Engine owns the scan loop.
type Engine struct {
	cfg      Config
	pairs    []Pair
	sources  map[string]connector.OrderbookSource
	detector *detector.Detector
	executor *executor.Executor
	guard    *risk.Guard
	ledger   *ledger.Ledger
	store    *storage.Store

	mu       sync.Mutex
	cooldown map[string]time.Time
	executed int
}

// New creates an engine. store may be nil (no persistence).
func New(cfg Config, pairs []Pair, sources map[string]connector.OrderbookSource,
	det *detector.Detector, exec *executor.Executor, guard *risk.Guard,
	led *ledger.Ledger, store *storage.Store) *Engine {

	normalized := make(map[string]connector.OrderbookSource, len(sources))
	for name, src := range sources {
		normalized[strings.ToLower(name)] = src
	}
	return &Engine{
		cfg:      cfg,
		pairs:    pairs,
		sources:  normalized,
		detector: det,
		executor: exec,
		guard:    guard,
		ledger:   led,
		store:    store,
		cooldown: make(map[string]time.Time),
	}
}

// Run scans until the context is cancelled or the trade target is reached.
func (e *Engine) Run(ctx context.Context) error {
	log.Info().
		Int("pairs", len(e.pairs)).
		Dur("interval", e.cfg.ScanInterval).
		Msg("🔄 Engine started")

	ticker := time.NewTicker(e.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		e.RunCycle(ctx)

		e.mu.Lock()
		done := e.cfg.TargetTrades > 0 && e.executed >= e.cfg.TargetTrades
		e.mu.Unlock()
		if done {
			log.Info().Int("trades", e.cfg.TargetTrades).Msg("Trade target reached, engine stopping")
			return nil
		}

		select {
		case <-ctx.Done():
			log.Info().Msg("Engine stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunCycle scans every pair once.
func (e *Engine) RunCycle(ctx context.Context) {
	if e.guard.IsPanic() {
		log.Warn().Str("reason", e.guard.PanicReason()).Msg("Skipping cycle: panic latch is set")
		return
	}

	for _, pair := range e.pairs {
		select {
		case <-ctx.Done():
			return
		default:
		}
		e.scanPair(ctx, pair)
	}
}

func (e *Engine) scanPair(ctx context.Context, pair Pair) {
	key := pair.key()
	e.mu.Lock()
	until, cooling := e.cooldown[key]
	e.mu.Unlock()
	if cooling && time.Now().Before(until) {
		return
	}

	quoteA, ok := e.fetchQuote(ctx, pair.A)
	if !ok {
		return
	}
	quoteB, ok := e.fetchQuote(ctx, pair.B)
	if !ok {
		return
	}
	if quoteA.Book.Empty() || quoteB.Book.Empty() {
		return
	}

	opp := e.detector.Detect(quoteA, quoteB)
	if opp == nil {
		return
	}

	result, err := e.executor.Execute(ctx, opp)
	e.persistOpportunity(opp, err == nil)
	e.persistTrade(opp, result, err)

	if err != nil {
		var refused *risk.ExposureLimitError
		var broke *ledger.InsufficientBalanceError
		switch {
		case errors.As(err, &refused), errors.As(err, &broke):
			// Expected refusals: skip and keep scanning.
			log.Debug().Err(err).Str("pair", key).Msg("Opportunity skipped")
		default:
			log.Error().Err(err).Str("pair", key).Msg("Trade attempt failed")
		}
		return
	}

	e.mu.Lock()
	e.executed++
	e.cooldown[key] = time.Now().Add(e.cfg.PairCooldown)
	e.mu.Unlock()
}

func (e *Engine) fetchQuote(ctx context.Context, listing market.Listing) (detector.Quote, bool) {
	source, ok := e.sources[strings.ToLower(listing.Exchange)]
	if !ok {
		log.Warn().Str("exchange", listing.Exchange).Msg("No book source for exchange")
		return detector.Quote{}, false
	}

	book, err := source.FetchBook(ctx, listing.TokenID, e.cfg.BookDepth, listing.Outcome)
	if err != nil {
		log.Warn().Err(err).
			Str("exchange", listing.Exchange).
			Str("market", listing.MarketID).
			Msg("Book fetch failed")
		return detector.Quote{}, false
	}
	return detector.Quote{
		Exchange: strings.ToLower(listing.Exchange),
		Market:   listing.MarketID,
		Outcome:  listing.Outcome,
		Book:     book,
	}, true
}

func (e *Engine) persistOpportunity(opp *detector.Opportunity, executed bool) {
	if e.store == nil {
		return
	}
	rec := &storage.OpportunityRecord{
		BuyExchange:  opp.BuyExchange,
		SellExchange: opp.SellExchange,
		BuyMarket:    opp.BuyMarket,
		SellMarket:   opp.SellMarket,
		BuyPrice:     opp.BuyPrice,
		SellPrice:    opp.SellPrice,
		ProfitBPS:    opp.ProfitBPS,
		Qty:          opp.Qty,
		ExpectedPnL:  opp.ExpectedPnL(),
		Executed:     executed,
	}
	if err := e.store.SaveOpportunity(rec); err != nil {
		log.Error().Err(err).Msg("Failed to persist opportunity")
	}
}

func (e *Engine) persistTrade(opp *detector.Opportunity, result *executor.TradeResult, execErr error) {
	if e.store == nil || result == nil {
		return
	}
	rec := &storage.TradeRecord{
		ID:           result.ID,
		BuyExchange:  opp.BuyExchange,
		SellExchange: opp.SellExchange,
		BuyMarket:    opp.BuyMarket,
		SellMarket:   opp.SellMarket,
		BuyPrice:     opp.BuyPrice,
		SellPrice:    opp.SellPrice,
		Qty:          opp.Qty,
		BuyOrderID:   result.BuyLeg.OrderID,
		SellOrderID:  result.SellLeg.OrderID,
		State:        string(result.State),
		DryRun:       result.DryRun,
		PnL:          result.PnL,
	}
	if execErr != nil {
		rec.ErrorMessage = execErr.Error()
	}
	if err := e.store.SaveTrade(rec); err != nil {
		log.Error().Err(err).Msg("Failed to persist trade")
	}

	var unhedged *executor.UnhedgedPositionError
	if errors.As(execErr, &unhedged) {
		e.persistRiskEvent("panic", unhedged.Error())
	}
}

func (e *Engine) persistRiskEvent(kind, reason string) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveRiskEvent(&storage.RiskEvent{Kind: kind, Reason: reason}); err != nil {
		log.Error().Err(err).Msg("Failed to persist risk event")
	}
}

// Executed returns how many trades this engine run completed.
func (e *Engine) Executed() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.executed
}

// Stats summarizes engine state for status displays.
func (e *Engine) Stats() map[string]interface{} {
	e.mu.Lock()
	executed := e.executed
	e.mu.Unlock()

	balances := decimal.Zero
	for _, acc := range e.ledger.Snapshot() {
		balances = balances.Add(acc.Available).Add(acc.Locked)
	}
	return map[string]interface{}{
		"pairs":         len(e.pairs),
		"trades":        executed,
		"total_balance": balances.StringFixed(2),
		"open_arbs":     e.guard.Snapshot().OpenArbitrages,
		"panic":         e.guard.IsPanic(),
	}
}
