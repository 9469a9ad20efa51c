package detector

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/crossarb/internal/market"
)

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func book(bid, ask, size float64) *market.OrderBook {
	return market.NewBookFromLevels(
		[]market.Level{{Price: dec(bid), Size: dec(size)}},
		[]market.Level{{Price: dec(ask), Size: dec(size)}},
	)
}

func baseConfig() Config {
	return Config{
		MinProfitBPS:        dec(50),
		MaxPositionSize:     dec(10),
		MaxPositionFraction: dec(0.1),
		Venues: map[string]VenueTraits{
			"polymarket": {},
			"sxbet":      {},
		},
	}
}

func quotes(bookA, bookB *market.OrderBook) (Quote, Quote) {
	a := Quote{Exchange: "polymarket", Market: "pm-mkt", Outcome: market.OutcomeYes, Book: bookA}
	b := Quote{Exchange: "sxbet", Market: "sx-mkt", Outcome: market.OutcomeYes, Book: bookB}
	return a, b
}

func TestDetectClearSpread(t *testing.T) {
	d := New(baseConfig(), nil, nil, nil)
	a, b := quotes(book(0.45, 0.47, 1000), book(0.53, 0.55, 1000))

	opp := d.Detect(a, b)
	require.NotNil(t, opp)

	assert.Equal(t, "polymarket", opp.BuyExchange)
	assert.Equal(t, "sxbet", opp.SellExchange)
	assert.True(t, opp.BuyPrice.Equal(dec(0.47)))
	assert.True(t, opp.SellPrice.Equal(dec(0.53)))
	assert.InDelta(t, 600.0, opp.ProfitBPS.InexactFloat64(), 0.5)
	assert.True(t, opp.Qty.IsPositive())
	assert.True(t, opp.BuyNotional.Equal(opp.Qty.Mul(dec(0.47))))
}

func TestDetectRejectsBelowMinProfit(t *testing.T) {
	cfg := baseConfig()
	cfg.MinProfitBPS = dec(700)
	d := New(cfg, nil, nil, nil)
	a, b := quotes(book(0.45, 0.47, 1000), book(0.53, 0.55, 1000))

	assert.Nil(t, d.Detect(a, b))
}

func TestDetectPicksBetterDirection(t *testing.T) {
	d := New(baseConfig(), nil, nil, nil)
	// B is the cheap venue here: buy on sxbet, sell on polymarket.
	a, b := quotes(book(0.53, 0.55, 1000), book(0.45, 0.47, 1000))

	opp := d.Detect(a, b)
	require.NotNil(t, opp)
	assert.Equal(t, "sxbet", opp.BuyExchange)
	assert.Equal(t, "polymarket", opp.SellExchange)
}

func TestDetectSubtractsFeesAndSlippage(t *testing.T) {
	cfg := baseConfig()
	cfg.Venues = map[string]VenueTraits{
		"polymarket": {FeeRate: dec(0.002)},
		"sxbet":      {FeeRate: dec(0.002)},
	}
	cfg.Slippage = NewSlippageTable([]SlippageBand{{MinDepth: dec(0), Slippage: dec(0.002)}})
	d := New(cfg, nil, nil, nil)
	a, b := quotes(book(0.45, 0.47, 1000), book(0.53, 0.55, 1000))

	opp := d.Detect(a, b)
	require.NotNil(t, opp)
	// 0.06 gross - 0.002 slippage - 0.004 fees = 0.054, so 540 bps.
	assert.InDelta(t, 540.0, opp.ProfitBPS.InexactFloat64(), 0.5)
	assert.True(t, opp.Fees.Equal(dec(0.004)))
	assert.True(t, opp.Slippage.Equal(dec(0.002)))
}

func TestDetectRejectsInvalidBooks(t *testing.T) {
	d := New(baseConfig(), nil, nil, nil)

	crossed := book(0.55, 0.45, 1000) // bid above ask
	empty := &market.OrderBook{}
	good := book(0.45, 0.47, 1000)

	a, b := quotes(crossed, good)
	assert.Nil(t, d.Detect(a, b))

	a, b = quotes(good, empty)
	assert.Nil(t, d.Detect(a, b))
}

func TestDetectContractVenueSizing(t *testing.T) {
	cfg := baseConfig()
	cfg.Venues = map[string]VenueTraits{
		"polymarket": {},
		"kalshi": {
			ContractStyle:  true,
			Collateral:     dec(1.0),
			SingleSideBook: true,
			CanonicalSide:  market.OutcomeYes,
		},
	}
	cfg.MaxPositionSize = dec(5)
	d := New(cfg, nil, nil, nil)

	a := Quote{Exchange: "polymarket", Market: "pm-mkt", Outcome: market.OutcomeYes, Book: book(0.45, 0.47, 1000)}
	k := Quote{Exchange: "kalshi", Market: "kx-mkt", Outcome: market.OutcomeYes, Book: book(0.53, 0.55, 1000)}

	opp := d.Detect(a, k)
	require.NotNil(t, opp)
	assert.Equal(t, "kalshi", opp.SellExchange)
	// Selling a contract at 0.53 posts 0.47 collateral per contract.
	assert.True(t, opp.SellCostPerQty.Equal(dec(0.47)))
	assert.True(t, opp.Qty.Equal(opp.Qty.Floor()), "contract venues trade whole contracts")
}

func TestDetectContractQtyBelowOneRejected(t *testing.T) {
	cfg := baseConfig()
	cfg.Venues = map[string]VenueTraits{
		"polymarket": {},
		"kalshi":     {ContractStyle: true, Collateral: dec(1.0)},
	}
	cfg.MaxPositionFraction = dec(0.0001)
	cfg.MaxPositionSize = dec(0.4) // under one contract at these prices
	d := New(cfg, nil, nil, nil)

	a := Quote{Exchange: "polymarket", Outcome: market.OutcomeYes, Book: book(0.45, 0.47, 100)}
	k := Quote{Exchange: "kalshi", Outcome: market.OutcomeYes, Book: book(0.53, 0.55, 100)}
	assert.Nil(t, d.Detect(a, k))
}

func TestDetectSingleSideBookOppositeOutcome(t *testing.T) {
	cfg := baseConfig()
	cfg.Venues = map[string]VenueTraits{
		"polymarket": {},
		"kalshi": {
			ContractStyle:  true,
			Collateral:     dec(1.0),
			SingleSideBook: true,
			CanonicalSide:  market.OutcomeYes,
		},
	}
	d := New(cfg, nil, nil, nil)

	// The NO side of a YES book quoted bid 0.44 / ask 0.46 is bid 0.54 / ask 0.56.
	a := Quote{Exchange: "polymarket", Outcome: market.OutcomeNo, Book: book(0.45, 0.47, 1000)}
	k := Quote{Exchange: "kalshi", Outcome: market.OutcomeNo, Book: book(0.44, 0.46, 1000)}

	opp := d.Detect(a, k)
	require.NotNil(t, opp)
	assert.Equal(t, "kalshi", opp.SellExchange)
	assert.True(t, opp.SellPrice.Equal(dec(0.54)), "selling NO hits the derived NO bid, 1 - YES ask")
}

func TestDetectSingleSideBookIdenticalPricesNoEdge(t *testing.T) {
	cfg := baseConfig()
	cfg.Venues = map[string]VenueTraits{
		"polymarket": {},
		"kalshi": {
			ContractStyle:  true,
			Collateral:     dec(1.0),
			SingleSideBook: true,
			CanonicalSide:  market.OutcomeYes,
		},
	}
	d := New(cfg, nil, nil, nil)

	// Polymarket quotes the NO side directly at 0.53/0.55. Kalshi hands out
	// its canonical YES book, which implies the exact same NO prices after
	// one derivation (1-0.47 and 1-0.45). Equal prices on both venues must
	// never detect as an opportunity; a phantom edge here means the side
	// transform was applied twice somewhere.
	a := Quote{Exchange: "polymarket", Outcome: market.OutcomeNo, Book: book(0.53, 0.55, 1000)}
	k := Quote{Exchange: "kalshi", Outcome: market.OutcomeNo, Book: book(0.45, 0.47, 1000)}

	assert.Nil(t, d.Detect(a, k))
}

type fixedBalances map[string]decimal.Decimal

func (f fixedBalances) AvailableBalance(exchange string) (decimal.Decimal, bool) {
	v, ok := f[exchange]
	return v, ok
}

func TestDetectSizingBoundedByBalance(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxPositionSize = dec(1000)
	cfg.MaxPositionFraction = dec(1)
	d := New(cfg, fixedBalances{"polymarket": dec(4.7), "sxbet": dec(100)}, nil, nil)

	a, b := quotes(book(0.45, 0.47, 1000), book(0.53, 0.55, 1000))
	opp := d.Detect(a, b)
	require.NotNil(t, opp)
	// 4.70 available / 0.47 per unit = 10 units max on the buy leg.
	assert.InDelta(t, 10.0, opp.Qty.InexactFloat64(), 0.01)
}

func TestSlippageTableLookup(t *testing.T) {
	table := NewSlippageTable([]SlippageBand{
		{MinDepth: dec(0), Slippage: dec(0.002)},
		{MinDepth: dec(1000), Slippage: dec(0.001)},
		{MinDepth: dec(500), Slippage: dec(0.0015)},
	})

	assert.True(t, table.Lookup(dec(2000)).Equal(dec(0.001)))
	assert.True(t, table.Lookup(dec(750)).Equal(dec(0.0015)))
	assert.True(t, table.Lookup(dec(10)).Equal(dec(0.002)))
}

func TestSlippageTableFallbackToMax(t *testing.T) {
	table := NewSlippageTable([]SlippageBand{
		{MinDepth: dec(1000), Slippage: dec(0.001)},
		{MinDepth: dec(500), Slippage: dec(0.0015)},
	})
	// Depth below every threshold assumes the worst configured slippage.
	assert.True(t, table.Lookup(dec(100)).Equal(dec(0.0015)))

	assert.True(t, SlippageTable{}.Lookup(dec(100)).IsZero())
}
