package matcher

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/crossarb/internal/market"
)

func listing(exchange, title string) market.Listing {
	return market.Listing{Exchange: exchange, MarketID: title, Title: title}
}

func TestScorePairIdenticalTitles(t *testing.T) {
	m := New(0.7, "", nil)
	s := m.ScorePair(
		listing("polymarket", "Will the Fed cut rates in December 2026?"),
		listing("kalshi", "Will the Fed cut rates in December 2026?"),
	)
	assert.Greater(t, s.Confidence, 0.9)
	assert.Equal(t, "economics", s.Category)
}

func TestScorePairAliasesFold(t *testing.T) {
	m := New(0.7, "", nil)
	s := m.ScorePair(
		listing("polymarket", "BTC above $100k by 2026"),
		listing("sxbet", "Bitcoin over 100,000 in 2026"),
	)
	assert.Greater(t, s.Confidence, 0.6, "btc/bitcoin and over/above should fold together")
}

func TestScorePairUnrelatedEvents(t *testing.T) {
	m := New(0.7, "", nil)
	s := m.ScorePair(
		listing("polymarket", "Will the Lakers win the NBA finals?"),
		listing("kalshi", "Will CPI inflation exceed 3 percent?"),
	)
	assert.Less(t, s.Confidence, 0.5)
}

func TestScorePairSportsUsesDates(t *testing.T) {
	m := New(0.7, "", nil)
	day := time.Date(2026, 9, 12, 0, 0, 0, 0, time.UTC)

	a := market.Listing{Exchange: "polymarket", Title: "Boston Celtics vs LA Clippers", EndDate: day}
	sameDay := market.Listing{Exchange: "sxbet", Title: "Boston Celtics vs LA Clippers", EndDate: day}
	weekLater := market.Listing{Exchange: "sxbet", Title: "Boston Celtics vs LA Clippers", EndDate: day.AddDate(0, 0, 10)}

	assert.Greater(t, m.ScorePair(a, sameDay).Confidence, m.ScorePair(a, weekLater).Confidence)
}

func TestDecideRefusesAmbiguousWithoutValidator(t *testing.T) {
	m := New(0.99, "", nil)
	d, err := m.Decide(context.Background(),
		listing("polymarket", "Will the Fed cut rates?"),
		listing("kalshi", "Fed rate decision December"))
	require.NoError(t, err)
	assert.False(t, d.Accepted)
	assert.Equal(t, "keyword", d.MatchedBy)
}

type stubValidator struct {
	same bool
	tier string
	err  error
}

func (v stubValidator) Validate(ctx context.Context, a, b market.Listing) (bool, string, error) {
	return v.same, v.tier, v.err
}

func TestDecideConsultsValidator(t *testing.T) {
	a := listing("polymarket", "Will the Fed cut rates?")
	b := listing("kalshi", "Fed rate decision December")

	accepted := New(0.99, "medium", stubValidator{same: true, tier: "high"})
	d, err := accepted.Decide(context.Background(), a, b)
	require.NoError(t, err)
	assert.True(t, d.Accepted)
	assert.Equal(t, "validator", d.MatchedBy)

	lowTier := New(0.99, "medium", stubValidator{same: true, tier: "low"})
	d, err = lowTier.Decide(context.Background(), a, b)
	require.NoError(t, err)
	assert.False(t, d.Accepted, "low tier must not clear a medium minimum")

	disagree := New(0.99, "medium", stubValidator{same: false, tier: "high"})
	d, err = disagree.Decide(context.Background(), a, b)
	require.NoError(t, err)
	assert.False(t, d.Accepted)
}

func TestDecideRefusesOnValidatorError(t *testing.T) {
	m := New(0.99, "medium", stubValidator{err: fmt.Errorf("upstream timeout")})
	d, err := m.Decide(context.Background(),
		listing("polymarket", "Will the Fed cut rates?"),
		listing("kalshi", "Fed rate decision December"))
	require.Error(t, err)
	assert.False(t, d.Accepted)
}

func TestBestMatchPicksHighestConfidence(t *testing.T) {
	m := New(0.7, "", nil)
	target := listing("polymarket", "Will the Fed cut rates in December?")
	candidates := []market.Listing{
		listing("kalshi", "Will the Lakers win tonight?"),
		listing("kalshi", "Fed rate cut in December"),
		listing("kalshi", "Bitcoin above 100k"),
	}

	best, score, ok := m.BestMatch(target, candidates)
	require.True(t, ok)
	assert.Equal(t, "Fed rate cut in December", best.Title)
	assert.Greater(t, score.Confidence, 0.3)

	_, _, ok = m.BestMatch(target, nil)
	assert.False(t, ok)
}
