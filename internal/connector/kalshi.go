package connector

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/crossarb/internal/executor"
	"github.com/web3guy0/crossarb/internal/market"
)

const kalshiAPI = "https://api.elections.kalshi.com/trade-api/v2"

var cents = decimal.NewFromInt(100)

// KalshiConfig carries Kalshi API credentials.
type KalshiConfig struct {
	BaseURL string
	APIKey  string
	RPS     float64
}

// Kalshi talks to the Kalshi trade API. Kalshi quotes prices in whole cents
// and publishes only resting bids per outcome side: the YES ask is derived
// from the NO bid at 1-price. Implements OrderbookSource and
// executor.ExchangeOrderAPI.
type Kalshi struct {
	rest *restClient
	cfg  KalshiConfig
}

// NewKalshi creates a Kalshi client.
func NewKalshi(cfg KalshiConfig) *Kalshi {
	if cfg.BaseURL == "" {
		cfg.BaseURL = kalshiAPI
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 5
	}
	k := &Kalshi{cfg: cfg}
	k.rest = newRESTClient("kalshi", cfg.BaseURL, cfg.RPS, func(req *http.Request) {
		if cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
		}
	})
	return k
}

type kalshiBookResponse struct {
	Orderbook struct {
		// Each entry is [price_cents, contract_count].
		Yes [][2]int64 `json:"yes"`
		No  [][2]int64 `json:"no"`
	} `json:"orderbook"`
}

// FetchBook returns the canonical YES-side book for a market ticker,
// regardless of which outcome the caller trades: the YES bids come from the
// yes side directly, the YES asks are the NO bids flipped through 1-price.
// Quoting the NO side from this book is the detector's job, via the venue's
// single-side-book trait; the connector never transforms twice. A market with
// no resting orders returns an all-zero book, not an error.
func (k *Kalshi) FetchBook(ctx context.Context, ticker string, depth int, _ market.Outcome) (*market.OrderBook, error) {
	var resp kalshiBookResponse
	path := "/markets/" + url.PathEscape(ticker) + "/orderbook"

	err := withRetry(ctx, "kalshi", "fetch_book", defaultAttempts, defaultBackoff, func() error {
		return k.rest.getJSON(ctx, path, &resp)
	})
	if err != nil {
		return nil, err
	}

	yes, no := resp.Orderbook.Yes, resp.Orderbook.No
	if len(yes) == 0 && len(no) == 0 {
		return &market.OrderBook{}, nil
	}

	bids := make([]market.Level, 0, len(yes))
	for _, entry := range yes {
		price, err := centsToProb(entry[0])
		if err != nil {
			return nil, &MalformedResponseError{Exchange: "kalshi", Op: "fetch_book", Err: err}
		}
		bids = append(bids, market.Level{Price: price, Size: decimal.NewFromInt(entry[1])})
	}

	asks := make([]market.Level, 0, len(no))
	for _, entry := range no {
		price, err := centsToProb(entry[0])
		if err != nil {
			return nil, &MalformedResponseError{Exchange: "kalshi", Op: "fetch_book", Err: err}
		}
		asks = append(asks, market.Level{Price: decimal.NewFromInt(1).Sub(price), Size: decimal.NewFromInt(entry[1])})
	}

	sort.Slice(bids, func(i, j int) bool { return bids[i].Price.GreaterThan(bids[j].Price) })
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price.LessThan(asks[j].Price) })
	if depth > 0 && len(bids) > depth {
		bids = bids[:depth]
	}
	if depth > 0 && len(asks) > depth {
		asks = asks[:depth]
	}
	return market.NewBookFromLevels(bids, asks), nil
}

func centsToProb(c int64) (decimal.Decimal, error) {
	if c < 0 || c > 100 {
		return decimal.Zero, fmt.Errorf("price %d cents outside [0,100]", c)
	}
	return decimal.NewFromInt(c).Div(cents), nil
}

type kalshiOrderResponse struct {
	Order struct {
		OrderID     string `json:"order_id"`
		Status      string `json:"status"`
		FilledCount int64  `json:"filled_count"`
	} `json:"order"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// PlaceOrder submits an immediate-or-cancel contract order. Quantity is
// whole contracts; prices go back to Kalshi in cents.
func (k *Kalshi) PlaceOrder(ctx context.Context, req executor.OrderRequest) (*executor.OrderResult, error) {
	if !req.Qty.Equal(req.Qty.Floor()) {
		return nil, &RequestError{Exchange: "kalshi", Op: "place_order",
			Err: fmt.Errorf("quantity %s is not a whole contract count", req.Qty)}
	}

	action := "buy"
	if req.Side == executor.SideSell {
		action = "sell"
	}
	body := map[string]interface{}{
		"ticker":          req.Market,
		"action":          action,
		"side":            req.Outcome,
		"count":           req.Qty.IntPart(),
		"type":            "limit",
		"time_in_force":   req.OrderType,
		"yes_price":       req.Price.Mul(cents).IntPart(),
		"client_order_id": uuid.NewString(),
	}

	var resp kalshiOrderResponse
	if err := k.rest.postJSON(ctx, "/portfolio/orders", body, &resp); err != nil {
		return nil, err
	}
	if resp.Error.Message != "" {
		return nil, &RequestError{Exchange: "kalshi", Op: "place_order", Err: fmt.Errorf("API error: %s", resp.Error.Message)}
	}

	result := &executor.OrderResult{
		OrderID:   resp.Order.OrderID,
		Status:    resp.Order.Status,
		FilledQty: decimal.NewFromInt(resp.Order.FilledCount),
	}

	log.Info().
		Str("order_id", resp.Order.OrderID).
		Str("status", resp.Order.Status).
		Str("side", string(req.Side)).
		Msg("Kalshi order submitted")
	return result, nil
}
