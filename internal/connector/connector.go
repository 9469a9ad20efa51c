// Package connector holds the venue clients: order-book fetching over REST,
// order placement, and the Polymarket streaming book feed. Connectors own all
// venue-specific wire formats; everything crossing their boundary is a
// normalized market.OrderBook or an executor.OrderResult.
//
// Retries for transient faults live here and only here. Order placement is
// never retried: after an ambiguous remote state a retry risks a double fill,
// so placement errors surface to the executor as-is.
package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/web3guy0/crossarb/internal/market"
)

const (
	defaultTimeout  = 10 * time.Second
	defaultAttempts = 3
	defaultBackoff  = time.Second
)

// RequestError wraps a failed or unreachable venue call.
type RequestError struct {
	Exchange string
	Op       string
	Err      error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Exchange, e.Op, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// MalformedResponseError wraps a venue response that could not be decoded.
// Never retried: a venue sending garbage will keep sending garbage.
type MalformedResponseError struct {
	Exchange string
	Op       string
	Err      error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("%s %s: malformed response: %v", e.Exchange, e.Op, e.Err)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// OrderbookSource fetches a normalized book for one market and outcome side.
// An empty venue book is not an error: implementations return an all-zero
// OrderBook so callers can treat "no liquidity" as an ordinary quote.
type OrderbookSource interface {
	FetchBook(ctx context.Context, marketID string, depth int, outcome market.Outcome) (*market.OrderBook, error)
}

// withRetry runs fn up to attempts times with doubling backoff. Malformed
// responses abort immediately; only transport-level failures are retried.
func withRetry(ctx context.Context, exchange, op string, attempts int, backoff time.Duration, fn func() error) error {
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		var malformed *MalformedResponseError
		if errors.As(err, &malformed) {
			return err
		}
		if attempt == attempts {
			break
		}
		log.Warn().
			Err(err).
			Str("exchange", exchange).
			Str("op", op).
			Int("attempt", attempt).
			Msg("Transient venue error, retrying")
		select {
		case <-ctx.Done():
			return &RequestError{Exchange: exchange, Op: op, Err: ctx.Err()}
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}

// restClient is the shared HTTP plumbing: one base URL, one rate limiter,
// JSON in and out. Header injection is left to each venue via beforeSend.
type restClient struct {
	exchange   string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	beforeSend func(req *http.Request)
}

func newRESTClient(exchange, baseURL string, rps float64, beforeSend func(*http.Request)) *restClient {
	return &restClient{
		exchange:   exchange,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		beforeSend: beforeSend,
	}
}

func (c *restClient) getJSON(ctx context.Context, path string, out interface{}) error {
	return c.doJSON(ctx, http.MethodGet, path, nil, out)
}

func (c *restClient) postJSON(ctx context.Context, path string, body, out interface{}) error {
	return c.doJSON(ctx, http.MethodPost, path, body, out)
}

func (c *restClient) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	op := method + " " + path

	if err := c.limiter.Wait(ctx); err != nil {
		return &RequestError{Exchange: c.exchange, Op: op, Err: err}
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return &RequestError{Exchange: c.exchange, Op: op, Err: err}
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &RequestError{Exchange: c.exchange, Op: op, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.beforeSend != nil {
		c.beforeSend(req)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &RequestError{Exchange: c.exchange, Op: op, Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return &RequestError{Exchange: c.exchange, Op: op, Err: err}
	}
	if resp.StatusCode >= 400 {
		return &RequestError{
			Exchange: c.exchange,
			Op:       op,
			Err:      fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(payload, 200)),
		}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return &MalformedResponseError{Exchange: c.exchange, Op: op, Err: err}
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
