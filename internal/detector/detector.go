// Package detector turns two normalized order books for the same real-world
// event into a sized, fee- and slippage-adjusted arbitrage proposal.
//
// Detection is a pure computation over the inputs plus a read-only balance
// query; the only side effects are the signal counter and the opportunity
// log row emitted for each accepted proposal.
package detector

import (
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/crossarb/internal/market"
	"github.com/web3guy0/crossarb/internal/telemetry"
)

var (
	one         = decimal.NewFromInt(1)
	tenThousand = decimal.NewFromInt(10000)
	minQtyCont  = decimal.NewFromFloat(0.01)
)

// SlippageBand maps a depth threshold to the slippage fraction assumed for
// books at least that deep.
type SlippageBand struct {
	MinDepth decimal.Decimal
	Slippage decimal.Decimal
}

// SlippageTable resolves assumed slippage from matched book depth. Bands are
// kept sorted by descending MinDepth.
type SlippageTable []SlippageBand

// NewSlippageTable sorts the bands so lookups take the highest threshold at
// or below the given depth.
func NewSlippageTable(bands []SlippageBand) SlippageTable {
	t := make(SlippageTable, len(bands))
	copy(t, bands)
	sort.Slice(t, func(i, j int) bool { return t[i].MinDepth.GreaterThan(t[j].MinDepth) })
	return t
}

// Lookup returns the slippage for the given matched depth. Depth below every
// configured threshold falls back to the maximum configured slippage. An
// empty table means zero slippage.
func (t SlippageTable) Lookup(depth decimal.Decimal) decimal.Decimal {
	if len(t) == 0 {
		return decimal.Zero
	}
	for _, band := range t {
		if depth.GreaterThanOrEqual(band.MinDepth) {
			return band.Slippage
		}
	}
	maxSlip := t[0].Slippage
	for _, band := range t[1:] {
		if band.Slippage.GreaterThan(maxSlip) {
			maxSlip = band.Slippage
		}
	}
	return maxSlip
}

// VenueTraits describe how a venue prices and denominates orders.
type VenueTraits struct {
	// FeeRate is the per-order fee fraction charged by the venue.
	FeeRate decimal.Decimal
	// ContractStyle venues (Kalshi) trade integer contracts: buying costs
	// price per contract, selling posts (1-price) collateral, both scaled
	// by the collateral multiplier.
	ContractStyle bool
	Collateral    decimal.Decimal
	// SingleSideBook venues only publish the canonical outcome's book;
	// quotes for the opposite side are derived via 1-price.
	SingleSideBook bool
	CanonicalSide  market.Outcome
}

// BalanceSource is the read-only sizing view of the balance ledger. The
// boolean distinguishes "venue unknown, no balance info" from a real zero.
type BalanceSource interface {
	AvailableBalance(exchange string) (decimal.Decimal, bool)
}

// Config holds the detection thresholds.
type Config struct {
	MinProfitBPS decimal.Decimal
	// MaxPositionSize is the hard notional cap per leg in dollars.
	MaxPositionSize decimal.Decimal
	// MaxPositionFraction bounds the position by a fraction of matched depth.
	MaxPositionFraction decimal.Decimal
	Slippage            SlippageTable
	Venues              map[string]VenueTraits
}

// Quote is one venue's side of a candidate pairing.
type Quote struct {
	Exchange string
	Market   string
	Outcome  market.Outcome
	Book     *market.OrderBook
}

// Opportunity is an executable arbitrage proposal. Built once per detection
// cycle, never mutated afterwards, consumed exactly once by the executor.
type Opportunity struct {
	BuyExchange  string
	SellExchange string
	BuyMarket    string
	SellMarket   string
	BuyOutcome   market.Outcome
	SellOutcome  market.Outcome

	BuyPrice  decimal.Decimal
	SellPrice decimal.Decimal

	Profit    decimal.Decimal // net edge per unit after fees and slippage
	ProfitBPS decimal.Decimal
	Slippage  decimal.Decimal
	Fees      decimal.Decimal

	Qty            decimal.Decimal
	BuyCostPerQty  decimal.Decimal
	SellCostPerQty decimal.Decimal
	BuyNotional    decimal.Decimal
	SellNotional   decimal.Decimal

	DetectedAt time.Time
}

// ExpectedPnL returns the profit expected if both legs fill at the quoted
// prices.
func (o *Opportunity) ExpectedPnL() decimal.Decimal {
	return o.Profit.Mul(o.Qty)
}

// Detector evaluates candidate pairings against the configured thresholds.
type Detector struct {
	cfg      Config
	balances BalanceSource
	metrics  *telemetry.Metrics
	recorder *telemetry.Recorder
}

// New creates a detector. balances, metrics and recorder may be nil; sizing
// then skips the balance constraint and side effects are suppressed.
func New(cfg Config, balances BalanceSource, metrics *telemetry.Metrics, recorder *telemetry.Recorder) *Detector {
	return &Detector{cfg: cfg, balances: balances, metrics: metrics, recorder: recorder}
}

// effectiveQuote returns the top-of-book a quote actually trades at, deriving
// the opposite side via 1-price for venues that publish only one side.
func (d *Detector) effectiveQuote(q Quote) (bid, ask decimal.Decimal) {
	traits := d.cfg.Venues[q.Exchange]
	if traits.SingleSideBook && q.Outcome != traits.CanonicalSide {
		return one.Sub(q.Book.BestAsk), one.Sub(q.Book.BestBid)
	}
	return q.Book.BestBid, q.Book.BestAsk
}

// costPerQty returns the capital required per unit on a venue for the given
// side at the given price.
func (d *Detector) costPerQty(exchange string, price decimal.Decimal, buying bool) decimal.Decimal {
	traits := d.cfg.Venues[exchange]
	if !traits.ContractStyle {
		return price
	}
	collateral := traits.Collateral
	if collateral.IsZero() {
		collateral = one
	}
	if buying {
		return price.Mul(collateral)
	}
	return one.Sub(price).Mul(collateral)
}

// Detect evaluates both trade directions between two quotes and returns the
// sized opportunity for the better one, or nil when no direction clears the
// configured minimum profit.
func (d *Detector) Detect(a, b Quote) *Opportunity {
	if a.Book == nil || b.Book == nil {
		return nil
	}
	if err := a.Book.Validate(); err != nil {
		log.Debug().Err(err).Str("exchange", a.Exchange).Msg("Rejecting invalid order book")
		return nil
	}
	if err := b.Book.Validate(); err != nil {
		log.Debug().Err(err).Str("exchange", b.Exchange).Msg("Rejecting invalid order book")
		return nil
	}

	depth := decimal.Min(a.Book.TotalNotionalDepth, b.Book.TotalNotionalDepth)
	slippage := d.cfg.Slippage.Lookup(depth)
	fees := d.cfg.Venues[a.Exchange].FeeRate.Add(d.cfg.Venues[b.Exchange].FeeRate)

	bidA, askA := d.effectiveQuote(a)
	bidB, askB := d.effectiveQuote(b)

	// Direction 1: buy on A, sell on B. Direction 2: the reverse.
	gross1 := bidB.Sub(askA)
	gross2 := bidA.Sub(askB)

	buy, sell := a, b
	gross := gross1
	buyPrice, sellPrice := askA, bidB
	if gross2.GreaterThan(gross1) {
		buy, sell = b, a
		gross = gross2
		buyPrice, sellPrice = askB, bidA
	}

	profit := gross.Sub(slippage).Sub(fees)
	profitBPS := profit.Mul(tenThousand)
	if profitBPS.LessThan(d.cfg.MinProfitBPS) {
		return nil
	}

	buyCost := d.costPerQty(buy.Exchange, buyPrice, true)
	sellCost := d.costPerQty(sell.Exchange, sellPrice, false)
	if !buyCost.IsPositive() || !sellCost.IsPositive() {
		return nil
	}

	qty := d.sizePosition(buy.Exchange, sell.Exchange, depth, buyCost, sellCost)

	contract := d.cfg.Venues[buy.Exchange].ContractStyle || d.cfg.Venues[sell.Exchange].ContractStyle
	if contract {
		qty = qty.Floor()
		if qty.LessThan(one) {
			return nil
		}
	} else if qty.LessThan(minQtyCont) {
		return nil
	}

	opp := &Opportunity{
		BuyExchange:    buy.Exchange,
		SellExchange:   sell.Exchange,
		BuyMarket:      buy.Market,
		SellMarket:     sell.Market,
		BuyOutcome:     buy.Outcome,
		SellOutcome:    sell.Outcome,
		BuyPrice:       buyPrice,
		SellPrice:      sellPrice,
		Profit:         profit,
		ProfitBPS:      profitBPS,
		Slippage:       slippage,
		Fees:           fees,
		Qty:            qty,
		BuyCostPerQty:  buyCost,
		SellCostPerQty: sellCost,
		BuyNotional:    qty.Mul(buyCost),
		SellNotional:   qty.Mul(sellCost),
		DetectedAt:     time.Now().UTC(),
	}

	log.Info().
		Str("buy", opp.BuyExchange).
		Str("sell", opp.SellExchange).
		Str("buy_price", opp.BuyPrice.StringFixed(4)).
		Str("sell_price", opp.SellPrice.StringFixed(4)).
		Str("profit_bps", opp.ProfitBPS.StringFixed(1)).
		Str("qty", opp.Qty.StringFixed(4)).
		Msg("🎯 Arbitrage opportunity detected")

	if d.metrics != nil {
		d.metrics.IncSignals()
	}
	if d.recorder != nil {
		d.recorder.Record(telemetry.OpportunityRow{
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
		})
	}
	return opp
}

// sizePosition takes the most conservative of the depth-fraction budget, the
// hard per-leg cap and the per-leg available balance. The balance query is
// advisory: reservation happens later in the executor and may still fail.
func (d *Detector) sizePosition(buyExchange, sellExchange string, depth, buyCost, sellCost decimal.Decimal) decimal.Decimal {
	maxCost := decimal.Max(buyCost, sellCost)
	qty := depth.Mul(d.cfg.MaxPositionFraction).Div(maxCost)

	if d.cfg.MaxPositionSize.IsPositive() {
		qty = decimal.Min(qty, d.cfg.MaxPositionSize.Div(buyCost))
		qty = decimal.Min(qty, d.cfg.MaxPositionSize.Div(sellCost))
	}

	if d.balances != nil {
		if available, ok := d.balances.AvailableBalance(buyExchange); ok {
			qty = decimal.Min(qty, available.Div(buyCost))
		}
		if available, ok := d.balances.AvailableBalance(sellExchange); ok {
			qty = decimal.Min(qty, available.Div(sellCost))
		}
	}
	return qty
}
