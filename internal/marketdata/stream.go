package marketdata

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mercerlabs/futures-engine/internal/breaker"
	"github.com/mercerlabs/futures-engine/internal/metrics"
	"github.com/mercerlabs/futures-engine/internal/models"
)

// State is the wire-connection state.
type State string

// Connection states.
const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

// Stream timing defaults.
const (
	defaultBaseDelay     = time.Second
	defaultMaxDelay      = 30 * time.Second
	defaultMaxReconnects = 10
	connectTimeout       = 10 * time.Second
	pingInterval         = 30 * time.Second
	writeTimeout         = 10 * time.Second
	backfillBarCount     = 200
	backfillTimeframeMin = 5
)

// TokenProvider supplies the market-data access token for the authorize
// frame.
type TokenProvider interface {
	MarketDataToken(ctx context.Context) (string, error)
}

// BarFetcher fetches historical bars for backfill.
type BarFetcher interface {
	GetHistoricalBars(ctx context.Context, symbol string, barCount, timeframeMinutes int) ([]models.Candle, error)
}

// StreamConfig configures the wire client.
type StreamConfig struct {
	URL                  string
	BaseDelay            time.Duration
	MaxDelay             time.Duration
	MaxReconnectAttempts int
}

// Stream maintains the single market-data websocket connection: authorize on
// open, keep-alive pings, resubscription and bar backfill after reconnects.
// Wire frames are newline-delimited JSON.
type Stream struct {
	cfg    StreamConfig
	tokens TokenProvider
	bars   BarFetcher
	agg    *Aggregator
	brk    *breaker.Breaker
	logger *log.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	stateMu sync.RWMutex
	state   State

	subMu      sync.RWMutex
	subscribed map[string]bool

	reconnectAttempts int

	// Observers; all optional.
	onRestored       func()
	onConnectionLost func(err error)
	onBarsLoaded     func(symbol string)
}

// NewStream creates a wire client. The breaker must be the shared
// broker:marketData breaker.
func NewStream(cfg StreamConfig, tokens TokenProvider, bars BarFetcher, agg *Aggregator, brk *breaker.Breaker, logger *log.Logger) *Stream {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultMaxDelay
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = defaultMaxReconnects
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Stream{
		cfg:        cfg,
		tokens:     tokens,
		bars:       bars,
		agg:        agg,
		brk:        brk,
		logger:     logger,
		state:      StateDisconnected,
		subscribed: make(map[string]bool),
	}
}

// OnRestored registers the observer notified after a successful reconnect
// and backfill.
func (s *Stream) OnRestored(fn func()) { s.onRestored = fn }

// OnConnectionLost registers the observer notified when reconnection gives up.
func (s *Stream) OnConnectionLost(fn func(err error)) { s.onConnectionLost = fn }

// OnBarsLoaded registers the observer notified after a symbol's historical
// bars have been merged.
func (s *Stream) OnBarsLoaded(fn func(symbol string)) { s.onBarsLoaded = fn }

// State returns the current connection state.
func (s *Stream) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

func (s *Stream) setState(st State) {
	s.stateMu.Lock()
	prev := s.state
	s.state = st
	s.stateMu.Unlock()
	if prev != st {
		s.logger.Printf("marketdata: connection %s -> %s", prev, st)
	}
}

// Run connects and maintains the connection until ctx is cancelled, the
// reconnect budget is exhausted, or an unrecoverable error occurs.
func (s *Stream) Run(ctx context.Context) error {
	for {
		if s.reconnectAttempts == 0 {
			s.setState(StateConnecting)
		} else {
			s.setState(StateReconnecting)
		}

		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			s.setState(StateDisconnected)
			return ctx.Err()
		}

		s.reconnectAttempts++
		if s.reconnectAttempts > s.cfg.MaxReconnectAttempts {
			s.setState(StateFailed)
			s.logger.Printf("marketdata: connection lost after %d reconnect attempts: %v",
				s.cfg.MaxReconnectAttempts, err)
			if s.onConnectionLost != nil {
				s.onConnectionLost(err)
			}
			return fmt.Errorf("market data connection lost: %w", err)
		}

		delay := s.cfg.BaseDelay << (s.reconnectAttempts - 1)
		if delay > s.cfg.MaxDelay || delay <= 0 {
			delay = s.cfg.MaxDelay
		}
		s.setState(StateReconnecting)
		s.logger.Printf("marketdata: disconnected (%v), reconnect %d/%d in %s",
			err, s.reconnectAttempts, s.cfg.MaxReconnectAttempts, delay)

		select {
		case <-ctx.Done():
			s.setState(StateDisconnected)
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Subscribe adds a symbol to the subscription set. When connected the
// subscribe frames go out immediately; otherwise they are deferred to the
// next (re)connect. An initial subscription triggers a non-blocking
// historical backfill.
func (s *Stream) Subscribe(ctx context.Context, symbol string) error {
	if symbol == "" {
		return fmt.Errorf("subscribe: empty symbol")
	}

	s.subMu.Lock()
	initial := !s.subscribed[symbol]
	s.subscribed[symbol] = true
	s.subMu.Unlock()

	if s.State() == StateConnected {
		if err := s.sendSubscribe(symbol); err != nil {
			return err
		}
	}

	if initial {
		go s.backfillSymbol(ctx, symbol)
	}
	return nil
}

// Unsubscribe removes a symbol and sends the unsubscribe frame when
// connected.
func (s *Stream) Unsubscribe(symbol string) error {
	s.subMu.Lock()
	delete(s.subscribed, symbol)
	s.subMu.Unlock()

	if s.State() != StateConnected {
		return nil
	}
	return s.writeFrame(wsFrame{Op: "md/unsubscribeQuote", Symbol: symbol})
}

// Close tears down the socket; Run's read loop returns shortly after.
func (s *Stream) Close() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Stream) connectAndRead(ctx context.Context) error {
	var conn *websocket.Conn
	err := s.brk.Execute(func() error {
		dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()

		c, _, err := websocket.DefaultDialer.DialContext(dialCtx, s.cfg.URL, nil)
		if err != nil {
			return fmt.Errorf("dial: %w", err)
		}

		token, err := s.tokens.MarketDataToken(dialCtx)
		if err != nil {
			c.Close()
			return fmt.Errorf("market data token: %w", err)
		}

		c.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.WriteJSON(wsFrame{Op: "authorize", Token: token}); err != nil {
			c.Close()
			return fmt.Errorf("authorize: %w", err)
		}
		conn = c
		return nil
	})
	if err != nil {
		return err
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
	}()

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		// Frames are newline-delimited; one socket message may carry several.
		for _, line := range bytes.Split(msg, []byte("\n")) {
			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}
			s.dispatch(pingCtx, line)
		}
	}
}

// onAuthorized finishes connection setup: keep-alive, resubscription and —
// after a reconnect — the bar backfill that repairs the candle buffers.
func (s *Stream) onAuthorized(ctx context.Context) {
	s.setState(StateConnected)
	wasReconnect := s.reconnectAttempts > 0
	s.reconnectAttempts = 0

	go s.pingLoop(ctx)

	s.subMu.RLock()
	symbols := make([]string, 0, len(s.subscribed))
	for sym := range s.subscribed {
		symbols = append(symbols, sym)
	}
	s.subMu.RUnlock()

	for _, sym := range symbols {
		if err := s.sendSubscribe(sym); err != nil {
			s.logger.Printf("marketdata: resubscribe %s: %v", sym, err)
		}
	}

	if wasReconnect {
		go func() {
			for _, sym := range symbols {
				s.backfillSymbol(ctx, sym)
			}
			if s.onRestored != nil {
				s.onRestored()
			}
		}()
	}
}

func (s *Stream) sendSubscribe(symbol string) error {
	if err := s.writeFrame(wsFrame{Op: "md/subscribeQuote", Symbol: symbol}); err != nil {
		return err
	}
	return s.writeFrame(wsFrame{Op: "md/subscribeTrade", Symbol: symbol})
}

// backfillSymbol fetches recent bars through the market-data breaker and
// merges them with whatever live bars accumulated meanwhile.
func (s *Stream) backfillSymbol(ctx context.Context, symbol string) {
	if s.bars == nil {
		return
	}
	var bars []models.Candle
	err := s.brk.Execute(func() error {
		var ferr error
		bars, ferr = s.bars.GetHistoricalBars(ctx, symbol, backfillBarCount, backfillTimeframeMin)
		return ferr
	})
	if err != nil {
		s.logger.Printf("marketdata: backfill %s: %v", symbol, err)
		return
	}
	s.agg.MergeHistorical(symbol, bars)
	s.logger.Printf("marketdata: loaded %d historical bars for %s", len(bars), symbol)
	if s.onBarsLoaded != nil {
		s.onBarsLoaded(symbol)
	}
}

func (s *Stream) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.writeFrame(wsFrame{Op: "ping"}); err != nil {
				s.logger.Printf("marketdata: ping failed: %v", err)
				return
			}
		}
	}
}

func (s *Stream) writeFrame(f wsFrame) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(f)
}

// wsFrame is an outbound wire frame.
type wsFrame struct {
	Op     string `json:"op"`
	Token  string `json:"token,omitempty"`
	Symbol string `json:"symbol,omitempty"`
}

// wsEvent is an inbound wire event envelope.
type wsEvent struct {
	Event string          `json:"e"`
	Data  json.RawMessage `json:"d"`
}

type wireQuote struct {
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Last      float64   `json:"last"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

type wireTrade struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Size      float64   `json:"size"`
	Timestamp time.Time `json:"timestamp"`
}

type wireChart struct {
	Symbol string `json:"symbol"`
	Bars   []struct {
		Timestamp time.Time `json:"timestamp"`
		Open      float64   `json:"open"`
		High      float64   `json:"high"`
		Low       float64   `json:"low"`
		Close     float64   `json:"close"`
		Volume    float64   `json:"volume"`
	} `json:"bars"`
}

func (s *Stream) dispatch(ctx context.Context, line []byte) {
	var env wsEvent
	if err := json.Unmarshal(line, &env); err != nil {
		s.logger.Printf("marketdata: ignoring malformed frame: %v", err)
		return
	}

	switch env.Event {
	case "authorized":
		s.onAuthorized(ctx)

	case "quote":
		var q wireQuote
		if err := json.Unmarshal(env.Data, &q); err != nil {
			s.logger.Printf("marketdata: bad quote frame: %v", err)
			return
		}
		s.agg.HandleQuote(models.Quote{
			Symbol: q.Symbol, Bid: q.Bid, Ask: q.Ask,
			Last: q.Last, Volume: q.Volume, Timestamp: q.Timestamp,
		})

	case "trade":
		var t wireTrade
		if err := json.Unmarshal(env.Data, &t); err != nil {
			s.logger.Printf("marketdata: bad trade frame: %v", err)
			return
		}
		metrics.IncTick(t.Symbol)
		s.agg.HandleTick(models.Tick{
			Symbol: t.Symbol, Price: t.Price, Size: t.Size, Timestamp: t.Timestamp,
		})

	case "chart":
		var c wireChart
		if err := json.Unmarshal(env.Data, &c); err != nil {
			s.logger.Printf("marketdata: bad chart frame: %v", err)
			return
		}
		bars := make([]models.Candle, 0, len(c.Bars))
		for _, b := range c.Bars {
			bars = append(bars, models.Candle{
				Timestamp: b.Timestamp, Open: b.Open, High: b.High,
				Low: b.Low, Close: b.Close, Volume: b.Volume,
			})
		}
		s.agg.MergeHistorical(c.Symbol, bars)

	case "pong", "authorizeFailed":
		if env.Event == "authorizeFailed" {
			s.logger.Printf("marketdata: authorization rejected")
			s.Close()
		}

	default:
		s.logger.Printf("marketdata: unknown event %q", env.Event)
	}
}
