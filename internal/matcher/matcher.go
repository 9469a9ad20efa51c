// Package matcher decides whether two listings on different venues describe
// the same real-world event. Scoring is a keyword heuristic; pairs below the
// confidence threshold go to an optional external validator. Without a
// validator, ambiguous pairs are refused: pairing different events and
// "arbitraging" between them is the most expensive mistake this system can
// make, so the default is always refusal.
package matcher

import (
	"context"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/crossarb/internal/market"
)

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "if": true, "in": true,
	"is": true, "it": true, "of": true, "on": true, "or": true, "that": true,
	"the": true, "this": true, "to": true, "was": true, "will": true,
	"with": true, "yes": true, "no": true, "resolve": true, "resolves": true,
	"event": true, "market": true, "markets": true, "question": true,
	"happen": true, "happens": true, "occur": true, "occurs": true,
	"before": true, "after": true, "day": true, "days": true, "month": true,
	"months": true, "year": true, "price": true,
}

// canonical folds common aliases onto one token so "BTC above 100k" and
// "Bitcoin over $100,000" share vocabulary.
var canonical = map[string]string{
	"presidential": "election", "president": "election", "elected": "election",
	"victory": "win", "wins": "win", "winner": "win",
	"btc": "bitcoin", "eth": "ethereum",
	"artificial": "ai", "intelligence": "ai",
	"launch": "release", "launches": "release", "launched": "release",
	"releases": "release", "released": "release",
	"announces": "announce", "announced": "announce",
	"approval": "approve", "approves": "approve", "approved": "approve",
	"over": "above", "greater": "above", "higher": "above", "more": "above",
	"under": "below", "less": "below", "lower": "below",
	"usa": "us", "eoy": "year",
}

var phraseReplacements = []struct{ from, to string }{
	{"united states of america", "us"},
	{"united states", "us"},
	{"united kingdom", "uk"},
	{"european union", "eu"},
	{"white house", "whitehouse"},
	{"supreme court", "scotus"},
	{"federal reserve", "fed"},
	{"artificial intelligence", "ai"},
}

var categoryKeywords = map[string]map[string]bool{
	"sports": {
		"nba": true, "nfl": true, "nhl": true, "mlb": true, "soccer": true,
		"football": true, "basketball": true, "baseball": true, "tennis": true,
		"golf": true, "ufc": true, "mma": true,
	},
	"politics": {
		"election": true, "senate": true, "congress": true, "parliament": true,
		"governor": true, "mayor": true, "ballot": true, "vote": true,
		"referendum": true, "primary": true, "nomination": true,
		"candidate": true, "democrat": true, "republican": true, "nato": true,
		"scotus": true, "impeachment": true,
	},
	"tech": {
		"ai": true, "llm": true, "gpt": true, "chip": true, "gpu": true,
		"semiconductor": true, "openai": true, "google": true,
		"microsoft": true, "apple": true, "meta": true, "nvidia": true,
		"tesla": true, "amazon": true, "bitcoin": true, "ethereum": true,
		"crypto": true, "ipo": true, "spacex": true,
	},
	"economics": {
		"inflation": true, "cpi": true, "gdp": true, "recession": true,
		"rate": true, "rates": true, "interest": true, "fed": true,
		"fomc": true, "unemployment": true, "treasury": true, "tariff": true,
		"etf": true,
	},
}

var (
	numberRe    = regexp.MustCompile(`(^|[^\w])(\d+(?:\.\d+)?)(%|k|m|b|t)?`)
	nonAlnumRe  = regexp.MustCompile(`[^a-z0-9%$]+`)
	teamSplitRe = regexp.MustCompile(`\s+(?:vs\.?|v)\s+`)
)

// Score is the heuristic similarity verdict for one candidate pair.
type Score struct {
	Confidence   float64
	Category     string
	TitleScore   float64
	KeywordScore float64
	NumericScore float64
}

// Decision is the final pairing verdict, after the validator (if any) has
// had its say.
type Decision struct {
	Left       market.Listing
	Right      market.Listing
	Confidence float64
	Category   string
	MatchedBy  string // "keyword" or "validator"
	Accepted   bool
}

// Validator answers whether two listings describe the same event, for pairs
// the heuristic cannot settle. tier is "low", "medium" or "high".
type Validator interface {
	Validate(ctx context.Context, a, b market.Listing) (same bool, tier string, err error)
}

// Matcher scores and decides listing pairs.
type Matcher struct {
	minConfidence float64
	minTier       string
	validator     Validator
}

// New creates a matcher. validator may be nil; low-confidence pairs are then
// always refused.
func New(minConfidence float64, minTier string, validator Validator) *Matcher {
	if minTier == "" {
		minTier = "medium"
	}
	return &Matcher{minConfidence: minConfidence, minTier: minTier, validator: validator}
}

func normalizeText(text string) string {
	lowered := strings.ToLower(text)
	for _, r := range phraseReplacements {
		lowered = strings.ReplaceAll(lowered, r.from, r.to)
	}
	lowered = strings.ReplaceAll(lowered, ",", "")
	lowered = nonAlnumRe.ReplaceAllString(lowered, " ")
	return strings.Join(strings.Fields(lowered), " ")
}

func tokenize(text string) []string {
	var out []string
	for _, tok := range strings.Fields(normalizeText(text)) {
		tok = strings.TrimPrefix(tok, "$")
		if tok == "" || stopwords[tok] {
			continue
		}
		if mapped, ok := canonical[tok]; ok {
			tok = mapped
		}
		if stopwords[tok] {
			continue
		}
		out = append(out, tok)
	}
	return out
}

func tokenSet(tokens []string) map[string]bool {
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		set[t] = true
	}
	return set
}

// overlap is |A∩B| / min(|A|,|B|).
func overlap(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	shared := 0
	for t := range a {
		if b[t] {
			shared++
		}
	}
	minLen := len(a)
	if len(b) < minLen {
		minLen = len(b)
	}
	return float64(shared) / float64(minLen)
}

func extractNumbers(text string) []float64 {
	var nums []float64
	for _, m := range numberRe.FindAllStringSubmatch(strings.ToLower(text), -1) {
		v, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			continue
		}
		switch m[3] {
		case "k":
			v *= 1e3
		case "m":
			v *= 1e6
		case "b":
			v *= 1e9
		case "t":
			v *= 1e12
		case "%":
			v /= 100
		}
		nums = append(nums, v)
	}
	return nums
}

func numbersClose(a, b float64) bool {
	if a == b {
		return true
	}
	// Years within one of each other count as the same period.
	if a >= 1900 && a <= 2100 && b >= 1900 && b <= 2100 {
		return math.Abs(a-b) <= 1
	}
	if a == 0 || b == 0 {
		return false
	}
	return math.Abs(a-b)/math.Max(math.Abs(a), math.Abs(b)) <= 0.02
}

func numericScore(a, b []float64) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0.5
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.2
	}
	matches := 0
	for _, x := range a {
		for _, y := range b {
			if numbersClose(x, y) {
				matches++
				break
			}
		}
	}
	denom := len(a)
	if len(b) > denom {
		denom = len(b)
	}
	return float64(matches) / float64(denom)
}

func categorize(text string) string {
	lowered := strings.ToLower(text)
	tokens := tokenSet(tokenize(text))
	if strings.Contains(lowered, "@") || teamSplitRe.MatchString(lowered) {
		return "sports"
	}
	for t := range tokens {
		if categoryKeywords["sports"][t] {
			return "sports"
		}
	}

	best, bestCount := "other", 0
	for _, cat := range []string{"tech", "economics", "politics"} {
		count := 0
		for t := range tokens {
			if categoryKeywords[cat][t] {
				count++
			}
		}
		if count > bestCount {
			best, bestCount = cat, count
		}
	}
	return best
}

func dateScore(a, b time.Time) float64 {
	if a.IsZero() || b.IsZero() {
		return 0.5
	}
	days := math.Abs(a.Sub(b).Hours()) / 24
	switch {
	case days < 1:
		return 1.0
	case days <= 2:
		return 0.8
	case days <= 3:
		return 0.6
	case days <= 7:
		return 0.4
	default:
		return 0.2
	}
}

// ScorePair computes the heuristic confidence that two listings describe the
// same event.
func (m *Matcher) ScorePair(a, b market.Listing) Score {
	catA, catB := categorize(a.Title), categorize(b.Title)
	category := catA
	if catA != catB {
		category = "mixed"
	}

	tokensA, tokensB := tokenize(a.Title), tokenize(b.Title)
	setA, setB := tokenSet(tokensA), tokenSet(tokensB)

	titleScore := overlap(setA, setB)
	keywordScore := titleScore
	numScore := numericScore(extractNumbers(a.Title), extractNumbers(b.Title))

	var confidence float64
	if category == "sports" {
		confidence = titleScore*0.75 + dateScore(a.EndDate, b.EndDate)*0.25
	} else {
		wTitle, wKeywords, wNumbers := 0.35, 0.45, 0.2
		if category == "politics" || category == "tech" || category == "economics" {
			wTitle, wKeywords, wNumbers = 0.2, 0.6, 0.2
		}
		confidence = titleScore*wTitle + keywordScore*wKeywords + numScore*wNumbers
		if catA != catB {
			confidence *= 0.6
		}
	}

	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return Score{
		Confidence:   confidence,
		Category:     category,
		TitleScore:   titleScore,
		KeywordScore: keywordScore,
		NumericScore: numScore,
	}
}

func tierAtLeast(tier, minimum string) bool {
	order := map[string]int{"low": 0, "medium": 1, "high": 2}
	t, ok := order[tier]
	if !ok {
		return false
	}
	return t >= order[minimum]
}

// Decide scores a pair and, when the heuristic falls short, consults the
// validator. With no validator configured the pair is refused: never trade
// on an ambiguous pairing.
func (m *Matcher) Decide(ctx context.Context, a, b market.Listing) (Decision, error) {
	score := m.ScorePair(a, b)
	decision := Decision{
		Left:       a,
		Right:      b,
		Confidence: score.Confidence,
		Category:   score.Category,
		MatchedBy:  "keyword",
	}

	if score.Confidence >= m.minConfidence {
		decision.Accepted = true
		return decision, nil
	}
	if m.validator == nil {
		log.Debug().
			Str("left", a.Title).
			Str("right", b.Title).
			Float64("confidence", score.Confidence).
			Msg("Pair refused: below threshold and no validator configured")
		return decision, nil
	}

	same, tier, err := m.validator.Validate(ctx, a, b)
	if err != nil {
		// A failing validator cannot vouch for the pair: refuse.
		log.Warn().Err(err).Str("left", a.Title).Str("right", b.Title).Msg("Validator error, refusing pair")
		return decision, err
	}
	decision.MatchedBy = "validator"
	decision.Accepted = same && tierAtLeast(tier, m.minTier)
	return decision, nil
}

// BestMatch returns the highest-scoring candidate for a listing, or false
// when candidates is empty.
func (m *Matcher) BestMatch(listing market.Listing, candidates []market.Listing) (market.Listing, Score, bool) {
	var best market.Listing
	var bestScore Score
	found := false
	for _, candidate := range candidates {
		score := m.ScorePair(listing, candidate)
		if !found || score.Confidence > bestScore.Confidence {
			best, bestScore, found = candidate, score, true
		}
	}
	return best, bestScore, found
}
