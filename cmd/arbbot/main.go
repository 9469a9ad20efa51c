// Crossarb - Cross-Exchange Prediction-Market Arbitrage Bot
//
// Watches matched binary-outcome markets across Polymarket, sx.bet and
// Kalshi, and captures risk-free spreads by buying the cheap side on one
// venue while selling the rich side on another, both legs at once.
//
// Flow:
// 1. Fetch normalized order books for every watched pair
// 2. Detect fee- and slippage-adjusted spreads above the profit floor
// 3. Reserve exposure (risk guard) and capital (balance ledger)
// 4. Place both legs concurrently, verify fills, reconcile
// 5. A one-sided fill latches panic mode: all new trades refused until an
//    operator intervenes
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/crossarb/internal/alert"
	"github.com/web3guy0/crossarb/internal/config"
	"github.com/web3guy0/crossarb/internal/connector"
	"github.com/web3guy0/crossarb/internal/detector"
	"github.com/web3guy0/crossarb/internal/engine"
	"github.com/web3guy0/crossarb/internal/executor"
	"github.com/web3guy0/crossarb/internal/ledger"
	"github.com/web3guy0/crossarb/internal/market"
	"github.com/web3guy0/crossarb/internal/matcher"
	"github.com/web3guy0/crossarb/internal/risk"
	"github.com/web3guy0/crossarb/internal/signer"
	"github.com/web3guy0/crossarb/internal/storage"
	"github.com/web3guy0/crossarb/internal/telemetry"
)

const version = "1.0.0"

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Refusing to start with unsafe configuration")
	}

	mode := "DRY RUN"
	if !cfg.DryRun {
		mode = "LIVE"
	}
	log.Info().
		Str("version", version).
		Str("mode", mode).
		Msg("🚀 Crossarb starting")

	// Alerting (optional)
	var alerter risk.Alerter
	if cfg.TelegramToken != "" && cfg.TelegramChatID != 0 {
		tg, err := alert.NewTelegramAlerter(cfg.TelegramToken, cfg.TelegramChatID, 0)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect Telegram alerter")
		}
		alerter = tg
	} else {
		log.Warn().Msg("Telegram not configured, critical alerts go to the log only")
	}

	// Core state
	led := ledger.New(cfg.InitialBalances)
	guard := risk.NewGuard(risk.Config{
		MaxExchangeExposure: cfg.MaxExchangeExposure,
		MaxMarketExposure:   cfg.MaxMarketExposure,
		MaxOpenArbitrages:   cfg.MaxOpenArbitrages,
		PanicOnPartialFill:  cfg.PanicOnPartialFill,
	}, alerter)
	metrics := telemetry.NewMetrics()
	recorder := telemetry.NewRecorder(cfg.LogDir)

	// Order signing (live mode requires it; config.Validate enforced that)
	var sign *signer.Signer
	if cfg.WalletPrivateKey != "" {
		sign, err = signer.NewFromHex(cfg.WalletPrivateKey)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to load wallet key")
		}
		log.Info().Str("address", sign.Address()).Msg("Order signer loaded")
	}

	// Venue connectors
	polymarket := connector.NewPolymarket(connector.PolymarketConfig{
		APIKey:     cfg.PolymarketAPIKey,
		Passphrase: cfg.PolymarketPassphrase,
	}, sign)
	sxbet := connector.NewSXBet(connector.SXBetConfig{APIKey: cfg.SXBetAPIKey})
	kalshi := connector.NewKalshi(connector.KalshiConfig{APIKey: cfg.KalshiAPIKey})

	sources := map[string]connector.OrderbookSource{
		"polymarket": polymarket,
		"sxbet":      sxbet,
		"kalshi":     kalshi,
	}
	apis := map[string]executor.ExchangeOrderAPI{
		"polymarket": polymarket,
		"sxbet":      sxbet,
		"kalshi":     kalshi,
	}

	// Detection and execution
	venues := map[string]detector.VenueTraits{
		"polymarket": {FeeRate: cfg.FeeRates["polymarket"]},
		"sxbet":      {FeeRate: cfg.FeeRates["sxbet"]},
		"kalshi": {
			FeeRate:        cfg.FeeRates["kalshi"],
			ContractStyle:  true,
			SingleSideBook: true,
			CanonicalSide:  market.OutcomeYes,
		},
	}
	slippage := make([]detector.SlippageBand, 0, len(cfg.SlippageByDepth))
	for _, band := range cfg.SlippageByDepth {
		slippage = append(slippage, detector.SlippageBand{MinDepth: band.MinDepth, Slippage: band.Slippage})
	}
	// BudgetFraction scales the per-trade cap without loosening the risk caps.
	det := detector.New(detector.Config{
		MinProfitBPS:        cfg.MinProfitBPS,
		MaxPositionSize:     cfg.MaxPositionSize.Mul(cfg.BudgetFraction),
		MaxPositionFraction: cfg.MaxPositionFraction,
		Slippage:            detector.NewSlippageTable(slippage),
		Venues:              venues,
	}, led, metrics, recorder)

	exec := executor.New(executor.Config{
		DryRun:     cfg.DryRun,
		LegTimeout: cfg.LegTimeout,
	}, led, guard, apis, metrics, recorder)

	// Persistence
	store, err := storage.New(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}

	pairs, err := parseWatchPairs(os.Getenv("WATCH_PAIRS"))
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid WATCH_PAIRS")
	}
	if len(pairs) == 0 {
		log.Fatal().Msg("WATCH_PAIRS is empty, nothing to scan")
	}
	pairs = verifyPairs(pairs, matcher.New(cfg.MatchMinConfidence, cfg.MatchMinTier, nil))
	if len(pairs) == 0 {
		log.Fatal().Msg("No watch pair survived event matching")
	}

	// Stream Polymarket books for the watched tokens; REST stays the fallback
	// while the feed warms up or reconnects.
	if tokens := polymarketTokens(pairs); len(tokens) > 0 {
		feed := connector.NewBookFeed(tokens)
		feed.Start()
		defer feed.Stop()
		sources["polymarket"] = connector.NewStreamingSource(feed, polymarket)
	}

	eng := engine.New(engine.Config{
		ScanInterval: cfg.ScanInterval,
		PairCooldown: cfg.PairCooldown,
		TargetTrades: cfg.TargetTrades,
		BookDepth:    cfg.BookDepth,
	}, pairs, sources, det, exec, guard, led, store)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("Engine failed")
	}

	signals, trades, pnl := metrics.Snapshot()
	log.Info().
		Int64("signals", signals).
		Int64("trades", trades).
		Str("pnl", pnl.StringFixed(2)).
		Msg("👋 Crossarb stopped")
}

// parseWatchPairs parses WATCH_PAIRS entries of the form
// "exchange:market_id:token_id:outcome[:title]|exchange:market_id:token_id:outcome[:title]",
// comma-separated. Outcome is YES or NO; the optional title lets the event
// matcher verify that both legs describe the same event.
func parseWatchPairs(raw string) ([]engine.Pair, error) {
	var pairs []engine.Pair
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		sides := strings.Split(entry, "|")
		if len(sides) != 2 {
			return nil, fmt.Errorf("pair %q must have two |-separated legs", entry)
		}
		a, err := parseListing(sides[0])
		if err != nil {
			return nil, err
		}
		b, err := parseListing(sides[1])
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, engine.Pair{A: a, B: b})
	}
	return pairs, nil
}

func parseListing(raw string) (market.Listing, error) {
	parts := strings.SplitN(strings.TrimSpace(raw), ":", 5)
	if len(parts) < 4 {
		return market.Listing{}, fmt.Errorf("listing %q must be exchange:market_id:token_id:outcome[:title]", raw)
	}
	outcome := market.Outcome(strings.ToLower(parts[3]))
	if outcome != market.OutcomeYes && outcome != market.OutcomeNo {
		return market.Listing{}, fmt.Errorf("listing %q: outcome must be YES or NO", raw)
	}
	listing := market.Listing{
		Exchange: strings.ToLower(parts[0]),
		MarketID: parts[1],
		TokenID:  parts[2],
		Outcome:  outcome,
	}
	if len(parts) == 5 {
		listing.Title = strings.TrimSpace(parts[4])
	}
	return listing, nil
}

// polymarketTokens collects the distinct Polymarket outcome tokens across the
// watch list, so the book feed subscribes to exactly what the engine scans.
func polymarketTokens(pairs []engine.Pair) []string {
	seen := make(map[string]bool)
	var tokens []string
	for _, pair := range pairs {
		for _, listing := range []market.Listing{pair.A, pair.B} {
			if listing.Exchange != "polymarket" || listing.TokenID == "" || seen[listing.TokenID] {
				continue
			}
			seen[listing.TokenID] = true
			tokens = append(tokens, listing.TokenID)
		}
	}
	return tokens
}

// verifyPairs drops pairs whose titled legs the matcher refuses to treat as
// the same event. Pairs without titles pass through: the operator paired them
// by hand.
func verifyPairs(pairs []engine.Pair, m *matcher.Matcher) []engine.Pair {
	kept := pairs[:0]
	for _, pair := range pairs {
		if pair.A.Title == "" || pair.B.Title == "" {
			kept = append(kept, pair)
			continue
		}
		decision, err := m.Decide(context.Background(), pair.A, pair.B)
		if err != nil || !decision.Accepted {
			log.Warn().
				Str("left", pair.A.Title).
				Str("right", pair.B.Title).
				Float64("confidence", decision.Confidence).
				Msg("Dropping watch pair: events did not match")
			continue
		}
		kept = append(kept, pair)
	}
	return kept
}
