package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"trade_go/internal/marketdata"
)

const (
	maxRetries          = 10
	baseDelay           = 1 * time.Second
	maxDelay            = 60 * time.Second
	defaultPingInterval = 30 * time.Second
	defaultReadTimeout  = 60 * time.Second
	handshakeTimeout    = 10 * time.Second
)

// Config tunes one market-data connection.
type Config struct {
	URL          string
	Symbols      []string
	PingInterval time.Duration
	ReadTimeout  time.Duration
}

// wireMessage is the venue-neutral feed frame: trade ticks, incremental
// depth updates, and full book snapshots. Price/size pairs ride as string
// arrays so decimals survive the wire exactly.
type wireMessage struct {
	Type      string              `json:"type"` // trade | depth | snapshot
	Symbol    string              `json:"symbol"`
	Price     decimal.Decimal     `json:"price,omitempty"`
	Size      decimal.Decimal     `json:"size,omitempty"` // signed: positive buy, negative sell
	Timestamp int64               `json:"timestamp"`      // ms
	Bids      [][]decimal.Decimal `json:"bids,omitempty"` // [price, size]
	Asks      [][]decimal.Decimal `json:"asks,omitempty"`
}

// Worker maintains one websocket market-data connection and pumps its
// trades and book updates into the hub, reconnecting with backoff.
type Worker struct {
	cfg     Config
	hub     *marketdata.Hub
	log     *slog.Logger
	conn    *websocket.Conn
	mu      sync.RWMutex
	writeMu sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWorker creates a feed worker publishing into hub.
func NewWorker(cfg Config, hub *marketdata.Hub, log *slog.Logger) *Worker {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	return &Worker{
		cfg: cfg,
		hub: hub,
		log: log.With(slog.String("component", "feed")),
	}
}

// Connect starts the connection loop.
func (w *Worker) Connect(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.connectionLoop(ctx)
	return nil
}

func (w *Worker) connectionLoop(ctx context.Context) {
	defer w.wg.Done()
	retryCount := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := w.connect(ctx); err != nil {
			w.log.Warn("feed connection failed", slog.Any("error", err), slog.Int("retry", retryCount))
			delay := backoff(retryCount)
			retryCount++
			if retryCount > maxRetries {
				retryCount = 0
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		} else {
			retryCount = 0
			w.readLoop(ctx)
		}
	}
}

func backoff(retry int) time.Duration {
	delay := baseDelay << uint(retry)
	if delay > maxDelay || delay <= 0 {
		return maxDelay
	}
	return delay
}

func (w *Worker) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, w.cfg.URL, make(http.Header))
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()

	if err := w.subscribe(); err != nil {
		w.closeConnection()
		return err
	}

	w.wg.Add(1)
	go w.pingLoop(ctx)

	w.log.Info("feed connected", slog.Int("subs", len(w.cfg.Symbols)))
	return nil
}

func (w *Worker) subscribe() error {
	msg := map[string]any{
		"op":      "subscribe",
		"args":    w.cfg.Symbols,
		"streams": []string{"trade", "depth"},
	}
	b, _ := json.Marshal(msg)
	return w.threadSafeWrite(websocket.TextMessage, b)
}

func (w *Worker) pingLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.threadSafeWrite(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (w *Worker) threadSafeWrite(msgType int, data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.conn == nil {
		return fmt.Errorf("no conn")
	}
	return w.conn.WriteMessage(msgType, data)
}

func (w *Worker) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()
		if conn == nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(w.cfg.ReadTimeout))

		_, msg, err := conn.ReadMessage()
		if err != nil {
			w.closeConnection()
			return
		}
		w.handleMessage(msg)
	}
}

func (w *Worker) handleMessage(msg []byte) {
	var frame wireMessage
	if err := json.Unmarshal(msg, &frame); err != nil || frame.Symbol == "" {
		return
	}

	switch frame.Type {
	case "trade":
		if frame.Price.Sign() <= 0 || frame.Size.IsZero() {
			return
		}
		w.hub.Publish(frame.Symbol, marketdata.Trade{
			TS:    time.UnixMilli(frame.Timestamp),
			Price: frame.Price,
			Size:  frame.Size,
		})
	case "depth":
		book := w.hub.Book(frame.Symbol)
		for _, lv := range frame.Bids {
			if len(lv) == 2 {
				book.SetBid(lv[0], lv[1])
			}
		}
		for _, lv := range frame.Asks {
			if len(lv) == 2 {
				book.SetAsk(lv[0], lv[1])
			}
		}
	case "snapshot":
		book := w.hub.Book(frame.Symbol)
		book.ReplaceSnapshot(toLevels(frame.Bids), toLevels(frame.Asks))
	}
}

func toLevels(pairs [][]decimal.Decimal) []marketdata.Level {
	out := make([]marketdata.Level, 0, len(pairs))
	for _, lv := range pairs {
		if len(lv) == 2 {
			out = append(out, marketdata.Level{Price: lv[0], Size: lv[1]})
		}
	}
	return out
}

func (w *Worker) closeConnection() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
}

// Disconnect stops the loops and closes the connection.
func (w *Worker) Disconnect() {
	if w.cancel != nil {
		w.cancel()
	}
	w.closeConnection()
	w.wg.Wait()
}
