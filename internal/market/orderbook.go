// Package market defines the normalized order-book and market-listing types
// shared by the connectors, the detector and the executor.
//
// Every venue connector is responsible for converting its wire format into
// these structs at the boundary; core logic never sees raw exchange payloads.
package market

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var one = decimal.NewFromInt(1)

// Level is a single price level of an order book.
type Level struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// Notional returns price × size for the level.
func (l Level) Notional() decimal.Decimal {
	return l.Price.Mul(l.Size)
}

// OrderBook is a venue-agnostic snapshot of a binary-outcome order book.
// Prices are probabilities in (0, 1]. Depth fields are aggregates over the
// retained levels. Books are transient: rebuilt every detection cycle and
// never persisted.
type OrderBook struct {
	BestBid decimal.Decimal
	BestAsk decimal.Decimal

	BidQtyDepth decimal.Decimal
	AskQtyDepth decimal.Decimal

	BidNotionalDepth   decimal.Decimal
	AskNotionalDepth   decimal.Decimal
	TotalNotionalDepth decimal.Decimal

	Bids []Level // sorted best (highest) first
	Asks []Level // sorted best (lowest) first
}

// Empty reports whether the book carries no liquidity at all. Connectors
// return an empty (all-zero) book instead of an error when a venue has no
// resting orders.
func (ob *OrderBook) Empty() bool {
	return ob.BestBid.IsZero() && ob.BestAsk.IsZero()
}

// Validate checks the book invariants: 0 < best_bid < best_ask <= 1 and all
// depth aggregates non-negative. An empty book fails validation; callers that
// tolerate empty books must check Empty first.
func (ob *OrderBook) Validate() error {
	if !ob.BestBid.IsPositive() {
		return fmt.Errorf("order book: best bid %s not positive", ob.BestBid)
	}
	if ob.BestAsk.LessThanOrEqual(ob.BestBid) {
		return fmt.Errorf("order book: best ask %s not above best bid %s", ob.BestAsk, ob.BestBid)
	}
	if ob.BestAsk.GreaterThan(one) {
		return fmt.Errorf("order book: best ask %s above 1.0", ob.BestAsk)
	}
	for name, d := range map[string]decimal.Decimal{
		"bid_qty_depth":        ob.BidQtyDepth,
		"ask_qty_depth":        ob.AskQtyDepth,
		"bid_notional_depth":   ob.BidNotionalDepth,
		"ask_notional_depth":   ob.AskNotionalDepth,
		"total_notional_depth": ob.TotalNotionalDepth,
	} {
		if d.IsNegative() {
			return fmt.Errorf("order book: %s is negative (%s)", name, d)
		}
	}
	return nil
}

// NewBookFromLevels builds an OrderBook with all depth aggregates computed
// from the given levels. Bids must be sorted best-first, asks best-first.
func NewBookFromLevels(bids, asks []Level) *OrderBook {
	ob := &OrderBook{Bids: bids, Asks: asks}
	if len(bids) > 0 {
		ob.BestBid = bids[0].Price
	}
	if len(asks) > 0 {
		ob.BestAsk = asks[0].Price
	}
	for _, l := range bids {
		ob.BidQtyDepth = ob.BidQtyDepth.Add(l.Size)
		ob.BidNotionalDepth = ob.BidNotionalDepth.Add(l.Notional())
	}
	for _, l := range asks {
		ob.AskQtyDepth = ob.AskQtyDepth.Add(l.Size)
		ob.AskNotionalDepth = ob.AskNotionalDepth.Add(l.Notional())
	}
	ob.TotalNotionalDepth = ob.BidNotionalDepth.Add(ob.AskNotionalDepth)
	return ob
}

// InvertOutcome returns the book seen from the opposite outcome side of a
// binary market: a bid for YES at p is an ask for NO at 1-p and vice versa.
// Venues that only publish one canonical side (e.g. Kalshi YES books) use
// this to quote the other side.
func (ob *OrderBook) InvertOutcome() *OrderBook {
	flip := func(levels []Level) []Level {
		out := make([]Level, len(levels))
		for i, l := range levels {
			out[i] = Level{Price: one.Sub(l.Price), Size: l.Size}
		}
		return out
	}
	return NewBookFromLevels(flip(ob.Asks), flip(ob.Bids))
}
