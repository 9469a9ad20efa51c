package connector

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/crossarb/internal/market"
)

const (
	polymarketWSURL = "wss://ws-subscriptions-clob.polymarket.com/ws/market"
	wsReconnect     = 5 * time.Second
	wsPingInterval  = 30 * time.Second
)

// BookUpdate is one streamed book snapshot for a token.
type BookUpdate struct {
	TokenID    string
	Book       *market.OrderBook
	ReceivedAt time.Time
}

// BookFeed maintains a streaming view of Polymarket books so the detection
// cycle can read fresh top-of-book without a REST round trip per pair. The
// feed reconnects forever until Stop; consumers that need a book for a token
// the feed has not seen yet fall back to the REST client.
type BookFeed struct {
	mu sync.RWMutex

	wsURL   string
	conn    *websocket.Conn
	running bool
	stopCh  chan struct{}

	tokens      []string
	books       map[string]*market.OrderBook
	subscribers []chan BookUpdate
}

// NewBookFeed creates a feed subscribed to the given token IDs.
func NewBookFeed(tokens []string) *BookFeed {
	return &BookFeed{
		wsURL:  polymarketWSURL,
		stopCh: make(chan struct{}),
		tokens: tokens,
		books:  make(map[string]*market.OrderBook),
	}
}

// Start connects and begins processing in the background.
func (f *BookFeed) Start() {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.mu.Unlock()

	go f.connectionLoop()
	log.Info().Int("tokens", len(f.tokens)).Msg("📡 Polymarket book feed started")
}

// Stop closes the connection and ends the reconnect loop.
func (f *BookFeed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.running {
		return
	}
	f.running = false
	close(f.stopCh)
	if f.conn != nil {
		f.conn.Close()
	}
	log.Info().Msg("Polymarket book feed stopped")
}

// Subscribe returns a channel receiving every book update. Slow consumers
// drop updates rather than stall the read loop.
func (f *BookFeed) Subscribe() chan BookUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan BookUpdate, 256)
	f.subscribers = append(f.subscribers, ch)
	return ch
}

// Book returns the last streamed book for a token, nil if none arrived yet.
func (f *BookFeed) Book(tokenID string) *market.OrderBook {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.books[tokenID]
}

// StreamingSource serves books from the websocket feed and falls back to the
// REST client for tokens the stream has not delivered yet (feed warming up,
// reconnect in progress). Implements OrderbookSource.
type StreamingSource struct {
	feed *BookFeed
	rest OrderbookSource
}

// NewStreamingSource wraps a started feed with a REST fallback.
func NewStreamingSource(feed *BookFeed, rest OrderbookSource) *StreamingSource {
	return &StreamingSource{feed: feed, rest: rest}
}

func (s *StreamingSource) FetchBook(ctx context.Context, tokenID string, depth int, outcome market.Outcome) (*market.OrderBook, error) {
	if book := s.feed.Book(tokenID); book != nil {
		return book, nil
	}
	return s.rest.FetchBook(ctx, tokenID, depth, outcome)
}

func (f *BookFeed) connectionLoop() {
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		if err := f.connect(); err != nil {
			log.Error().Err(err).Msg("Book feed connection failed, retrying")
			time.Sleep(wsReconnect)
			continue
		}

		f.readLoop()
		time.Sleep(wsReconnect)
	}
}

func (f *BookFeed) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL, nil)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()

	if err := conn.WriteJSON(map[string]interface{}{
		"type":       "subscribe",
		"channel":    "market",
		"assets_ids": f.tokens,
	}); err != nil {
		conn.Close()
		return err
	}

	log.Info().Msg("🔌 Book feed connected")
	go f.pingLoop(conn)
	return nil
}

func (f *BookFeed) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (f *BookFeed) readLoop() {
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		f.mu.RLock()
		conn := f.conn
		f.mu.RUnlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Warn().Err(err).Msg("Book feed read error")
			return
		}
		f.processMessage(message)
	}
}

type wsBookMessage struct {
	EventType string      `json:"event_type"`
	AssetID   string      `json:"asset_id"`
	Bids      [][2]string `json:"bids"`
	Asks      [][2]string `json:"asks"`
}

func (f *BookFeed) processMessage(data []byte) {
	var msgs []wsBookMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		var single wsBookMessage
		if err := json.Unmarshal(data, &single); err != nil {
			return
		}
		msgs = []wsBookMessage{single}
	}

	for _, msg := range msgs {
		if msg.EventType != "book" || msg.AssetID == "" {
			continue
		}
		book, err := wsBook(msg)
		if err != nil {
			log.Debug().Err(err).Str("token", msg.AssetID).Msg("Skipping malformed book update")
			continue
		}

		f.mu.Lock()
		f.books[msg.AssetID] = book
		subs := f.subscribers
		f.mu.Unlock()

		update := BookUpdate{TokenID: msg.AssetID, Book: book, ReceivedAt: time.Now().UTC()}
		for _, ch := range subs {
			select {
			case ch <- update:
			default:
			}
		}
	}
}

// wsBook converts a streamed snapshot into a normalized book. The stream
// sends bids ascending; best-first ordering is restored here.
func wsBook(msg wsBookMessage) (*market.OrderBook, error) {
	parse := func(raw [][2]string, reverse bool) ([]market.Level, error) {
		levels := make([]market.Level, 0, len(raw))
		for _, entry := range raw {
			price, err := decimal.NewFromString(entry[0])
			if err != nil {
				return nil, err
			}
			size, err := decimal.NewFromString(entry[1])
			if err != nil {
				return nil, err
			}
			levels = append(levels, market.Level{Price: price, Size: size})
		}
		if reverse {
			for i, j := 0, len(levels)-1; i < j; i, j = i+1, j-1 {
				levels[i], levels[j] = levels[j], levels[i]
			}
		}
		return levels, nil
	}

	bids, err := parse(msg.Bids, true)
	if err != nil {
		return nil, err
	}
	asks, err := parse(msg.Asks, false)
	if err != nil {
		return nil, err
	}
	return market.NewBookFromLevels(bids, asks), nil
}
