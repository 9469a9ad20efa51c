package connector

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/crossarb/internal/executor"
	"github.com/web3guy0/crossarb/internal/market"
	"github.com/web3guy0/crossarb/internal/signer"
)

const polymarketCLOB = "https://clob.polymarket.com"

// PolymarketConfig carries CLOB credentials. Empty credentials are valid for
// read-only use (book fetching); placement then fails fast.
type PolymarketConfig struct {
	BaseURL    string
	APIKey     string
	Passphrase string
	RPS        float64
}

// Polymarket talks to the CLOB REST API. It implements both OrderbookSource
// and executor.ExchangeOrderAPI.
type Polymarket struct {
	rest *restClient
	sign *signer.Signer
	cfg  PolymarketConfig
}

// NewPolymarket creates a Polymarket client. sign may be nil for read-only
// use.
func NewPolymarket(cfg PolymarketConfig, sign *signer.Signer) *Polymarket {
	if cfg.BaseURL == "" {
		cfg.BaseURL = polymarketCLOB
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 5
	}
	p := &Polymarket{cfg: cfg, sign: sign}
	p.rest = newRESTClient("polymarket", cfg.BaseURL, cfg.RPS, func(req *http.Request) {
		if cfg.APIKey != "" {
			req.Header.Set("POLY_API_KEY", cfg.APIKey)
			req.Header.Set("POLY_PASSPHRASE", cfg.Passphrase)
			req.Header.Set("POLY_TIMESTAMP", fmt.Sprintf("%d", time.Now().Unix()))
		}
	})
	return p
}

type polyBookResponse struct {
	Bids []polyLevel `json:"bids"`
	Asks []polyLevel `json:"asks"`
}

type polyLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// FetchBook returns the normalized book for a token. Polymarket publishes a
// full two-sided book per token, so the outcome side only selects which token
// the caller passed; no price transform is needed here.
func (p *Polymarket) FetchBook(ctx context.Context, tokenID string, depth int, _ market.Outcome) (*market.OrderBook, error) {
	var resp polyBookResponse
	path := "/book?token_id=" + url.QueryEscape(tokenID)

	err := withRetry(ctx, "polymarket", "fetch_book", defaultAttempts, defaultBackoff, func() error {
		return p.rest.getJSON(ctx, path, &resp)
	})
	if err != nil {
		return nil, err
	}

	bids, err := parseLevels(resp.Bids, depth, true)
	if err != nil {
		return nil, &MalformedResponseError{Exchange: "polymarket", Op: "fetch_book", Err: err}
	}
	asks, err := parseLevels(resp.Asks, depth, false)
	if err != nil {
		return nil, &MalformedResponseError{Exchange: "polymarket", Op: "fetch_book", Err: err}
	}
	return market.NewBookFromLevels(bids, asks), nil
}

// parseLevels decodes price/size strings and keeps the best `depth` levels.
// Polymarket returns bids ascending, so they are reversed to best-first.
func parseLevels(raw []polyLevel, depth int, reverse bool) ([]market.Level, error) {
	levels := make([]market.Level, 0, len(raw))
	for _, l := range raw {
		price, err := decimal.NewFromString(l.Price)
		if err != nil {
			return nil, fmt.Errorf("level price %q: %w", l.Price, err)
		}
		size, err := decimal.NewFromString(l.Size)
		if err != nil {
			return nil, fmt.Errorf("level size %q: %w", l.Size, err)
		}
		levels = append(levels, market.Level{Price: price, Size: size})
	}
	if reverse {
		for i, j := 0, len(levels)-1; i < j; i, j = i+1, j-1 {
			levels[i], levels[j] = levels[j], levels[i]
		}
	}
	if depth > 0 && len(levels) > depth {
		levels = levels[:depth]
	}
	return levels, nil
}

type polyOrderResponse struct {
	OrderID     string `json:"orderID"`
	Status      string `json:"status"`
	SizeMatched string `json:"size_matched"`
	Error       string `json:"error"`
}

// PlaceOrder signs and submits an immediate-or-cancel order. The raw status
// string is passed through untouched; fill normalization is the executor's
// job.
func (p *Polymarket) PlaceOrder(ctx context.Context, req executor.OrderRequest) (*executor.OrderResult, error) {
	if p.sign == nil {
		return nil, &RequestError{Exchange: "polymarket", Op: "place_order", Err: fmt.Errorf("no signer configured")}
	}

	fields := map[string]interface{}{
		"tokenID":   req.Market,
		"price":     req.Price.String(),
		"size":      req.Qty.String(),
		"side":      string(req.Side),
		"orderType": req.OrderType,
		"nonce":     time.Now().UnixNano(),
		"clientID":  uuid.NewString(),
		"maker":     p.sign.Address(),
	}
	signature, err := p.sign.SignOrder(fields)
	if err != nil {
		return nil, &RequestError{Exchange: "polymarket", Op: "place_order", Err: err}
	}
	fields["signature"] = signature

	var resp polyOrderResponse
	if err := p.rest.postJSON(ctx, "/order", fields, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, &RequestError{Exchange: "polymarket", Op: "place_order", Err: fmt.Errorf("API error: %s", resp.Error)}
	}

	result := &executor.OrderResult{OrderID: resp.OrderID, Status: resp.Status}
	if resp.SizeMatched != "" {
		matched, err := decimal.NewFromString(resp.SizeMatched)
		if err != nil {
			return nil, &MalformedResponseError{Exchange: "polymarket", Op: "place_order", Err: err}
		}
		result.FilledQty = matched
	}

	log.Info().
		Str("order_id", resp.OrderID).
		Str("status", resp.Status).
		Str("side", string(req.Side)).
		Msg("Polymarket order submitted")
	return result, nil
}
