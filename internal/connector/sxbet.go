package connector

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/crossarb/internal/executor"
	"github.com/web3guy0/crossarb/internal/market"
)

const sxbetAPI = "https://api.sx.bet"

// SXBetConfig carries the sx.bet API credentials.
type SXBetConfig struct {
	BaseURL string
	APIKey  string
	RPS     float64
}

// SXBet talks to the sx.bet REST API. Implements OrderbookSource and
// executor.ExchangeOrderAPI.
type SXBet struct {
	rest *restClient
	cfg  SXBetConfig
}

// NewSXBet creates an sx.bet client.
func NewSXBet(cfg SXBetConfig) *SXBet {
	if cfg.BaseURL == "" {
		cfg.BaseURL = sxbetAPI
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 5
	}
	s := &SXBet{cfg: cfg}
	s.rest = newRESTClient("sxbet", cfg.BaseURL, cfg.RPS, func(req *http.Request) {
		if cfg.APIKey != "" {
			req.Header.Set("X-Api-Key", cfg.APIKey)
		}
	})
	return s
}

type sxBookResponse struct {
	Data struct {
		Bids []sxLevel `json:"bids"`
		Asks []sxLevel `json:"asks"`
	} `json:"data"`
}

type sxLevel struct {
	// Odds are implied probabilities already, quoted as decimal strings.
	Odds  string `json:"percentageOdds"`
	Stake string `json:"fillAmount"`
}

// FetchBook returns the normalized book for a market hash.
func (s *SXBet) FetchBook(ctx context.Context, marketHash string, depth int, _ market.Outcome) (*market.OrderBook, error) {
	var resp sxBookResponse
	path := "/orders/book?marketHash=" + url.QueryEscape(marketHash)

	err := withRetry(ctx, "sxbet", "fetch_book", defaultAttempts, defaultBackoff, func() error {
		return s.rest.getJSON(ctx, path, &resp)
	})
	if err != nil {
		return nil, err
	}

	bids, err := sxLevels(resp.Data.Bids, depth)
	if err != nil {
		return nil, &MalformedResponseError{Exchange: "sxbet", Op: "fetch_book", Err: err}
	}
	asks, err := sxLevels(resp.Data.Asks, depth)
	if err != nil {
		return nil, &MalformedResponseError{Exchange: "sxbet", Op: "fetch_book", Err: err}
	}
	return market.NewBookFromLevels(bids, asks), nil
}

func sxLevels(raw []sxLevel, depth int) ([]market.Level, error) {
	levels := make([]market.Level, 0, len(raw))
	for _, l := range raw {
		price, err := decimal.NewFromString(l.Odds)
		if err != nil {
			return nil, fmt.Errorf("level odds %q: %w", l.Odds, err)
		}
		size, err := decimal.NewFromString(l.Stake)
		if err != nil {
			return nil, fmt.Errorf("level stake %q: %w", l.Stake, err)
		}
		levels = append(levels, market.Level{Price: price, Size: size})
	}
	if depth > 0 && len(levels) > depth {
		levels = levels[:depth]
	}
	return levels, nil
}

type sxOrderResponse struct {
	Data struct {
		OrderHash    string `json:"orderHash"`
		Status       string `json:"status"`
		FilledAmount string `json:"filledAmount"`
	} `json:"data"`
	Message string `json:"message"`
}

// PlaceOrder submits an immediate-or-cancel fill order.
func (s *SXBet) PlaceOrder(ctx context.Context, req executor.OrderRequest) (*executor.OrderResult, error) {
	body := map[string]interface{}{
		"marketHash":     req.Market,
		"outcome":        req.Outcome,
		"side":           string(req.Side),
		"percentageOdds": req.Price.String(),
		"stake":          req.Qty.String(),
		"fillType":       req.OrderType,
		"clientOrderId":  uuid.NewString(),
	}

	var resp sxOrderResponse
	if err := s.rest.postJSON(ctx, "/orders/fill", body, &resp); err != nil {
		return nil, err
	}
	if resp.Message != "" && resp.Data.OrderHash == "" {
		return nil, &RequestError{Exchange: "sxbet", Op: "place_order", Err: fmt.Errorf("API error: %s", resp.Message)}
	}

	result := &executor.OrderResult{OrderID: resp.Data.OrderHash, Status: resp.Data.Status}
	if resp.Data.FilledAmount != "" {
		filled, err := decimal.NewFromString(resp.Data.FilledAmount)
		if err != nil {
			return nil, &MalformedResponseError{Exchange: "sxbet", Op: "place_order", Err: err}
		}
		result.FilledQty = filled
	}

	log.Info().
		Str("order_hash", resp.Data.OrderHash).
		Str("status", resp.Data.Status).
		Str("side", string(req.Side)).
		Msg("sx.bet order submitted")
	return result, nil
}
