package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// Outcome names the side of a binary market a quote refers to.
type Outcome string

const (
	OutcomeYes Outcome = "yes"
	OutcomeNo  Outcome = "no"
)

// Opposite returns the other side of a binary outcome.
func (o Outcome) Opposite() Outcome {
	if o == OutcomeNo {
		return OutcomeYes
	}
	return OutcomeNo
}

// Listing is one tradeable market as published by a single venue. Listings
// from different venues are paired by the matcher before they reach the
// detector.
type Listing struct {
	Exchange  string
	MarketID  string
	TokenID   string // outcome token for CLOB-style venues, empty elsewhere
	Title     string
	Outcome   Outcome
	Liquidity decimal.Decimal
	EndDate   time.Time
}
