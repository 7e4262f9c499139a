// Package stream
package stream

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// QuoteWatcher interface for the level-one quote stream
type QuoteWatcher interface {
	IsConnected() bool
	Health() error
	Close()
	Start(ctx context.Context) error
}

// ConnectionState represents the state of the websocket connection
// (for health checks and monitoring)
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
)

// QuoteSink receives every level-one update the stream decodes. The
// book's UpdateQuote satisfies it.
type QuoteSink interface {
	UpdateQuote(symbol string, bid, ask float64)
}

// levelOneMessage is a single quote update on the wire.
type levelOneMessage struct {
	Service string `json:"service"`
	Content []struct {
		Symbol string  `json:"key"`
		Bid    float64 `json:"1"`
		Ask    float64 `json:"2"`
	} `json:"content"`
}

type subscribeMessage struct {
	Service string `json:"service"`
	Command string `json:"command"`
	Keys    string `json:"keys"`
	Fields  string `json:"fields"`
}

// LevelOneWatcher connects to the brokerage quote stream and pushes
// bid/ask updates into the sink. Quotes are advisory: the trading loop
// works off its own polled quotes when the stream is down, so the
// watcher only ever reconnects, it never fails the session.
type LevelOneWatcher struct {
	url          string
	symbols      []string
	sink         QuoteSink
	conn         *websocket.Conn
	cancel       context.CancelFunc
	pingInterval time.Duration

	mu        sync.RWMutex
	closed    bool
	healthErr error
	connState ConnectionState
	lastPing  time.Time
	lastPong  time.Time
}

func NewLevelOneWatcher(url string, symbols []string, sink QuoteSink) QuoteWatcher {
	return &LevelOneWatcher{
		url:          url,
		symbols:      symbols,
		sink:         sink,
		connState:    Disconnected,
		pingInterval: 20 * time.Second,
	}
}

// IsConnected returns true if the websocket is currently connected
func (w *LevelOneWatcher) IsConnected() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.connState == Connected
}

// Health returns the last health error (if any)
func (w *LevelOneWatcher) Health() error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.healthErr
}

// Close closes the websocket connection and cancels the context
func (w *LevelOneWatcher) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		if w.conn != nil {
			w.conn.Close()
		}
		if w.cancel != nil {
			w.cancel()
		}
		w.closed = true
		w.connState = Disconnected
		log.Printf("LevelOneWatcher | Closed connection for %s", strings.Join(w.symbols, ","))
	}
}

func (w *LevelOneWatcher) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	go w.run(ctx)
	return nil
}

func (w *LevelOneWatcher) run(ctx context.Context) {
	defer w.setClosed()
	retryDelay := time.Second
	for {
		select {
		case <-ctx.Done():
			w.logState("Context cancelled, stopping quote watcher")
			return
		default:
			if err := w.connectAndStream(ctx); err != nil {
				w.setHealthErr(err)
				w.setConnState(Reconnecting)
				w.logState("Disconnected, retrying in %v: %v", retryDelay, err)
				time.Sleep(retryDelay)
				if retryDelay < 60*time.Second {
					retryDelay *= 2
				} else {
					retryDelay = 60 * time.Second
				}
				continue
			}
			// If connectAndStream returns nil, exit
			return
		}
	}
}

func (w *LevelOneWatcher) connectAndStream(ctx context.Context) error {
	w.setConnState(Connecting)
	w.setHealthErr(nil)

	c, _, err := websocket.DefaultDialer.Dial(w.url, nil)
	if err != nil {
		return err
	}
	w.setConn(c)
	w.setConnState(Connected)
	w.setLastPing(time.Now())
	w.setLastPong(time.Now())
	w.logState("Connection established for %s", strings.Join(w.symbols, ","))
	defer func() {
		c.Close()
		w.setConn(nil)
		w.setConnState(Disconnected)
	}()

	// Fields 1 and 2 are bid and ask.
	sub := subscribeMessage{
		Service: "QUOTE",
		Command: "SUBS",
		Keys:    strings.Join(w.symbols, ","),
		Fields:  "0,1,2",
	}
	subJSON, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	if err := c.WriteMessage(websocket.TextMessage, subJSON); err != nil {
		return err
	}
	w.logState("Subscribed to level-one quotes for %s", sub.Keys)

	c.SetPongHandler(func(appData string) error {
		w.setLastPong(time.Now())
		return nil
	})

	pingTicker := time.NewTicker(w.pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pingTicker.C:
			// Stamp and copy the conn out under one Lock; nesting
			// setLastPing under RLock would deadlock on the RWMutex.
			w.mu.Lock()
			conn := w.conn
			w.lastPing = time.Now()
			w.mu.Unlock()
			if conn != nil {
				conn.WriteMessage(websocket.PingMessage, nil)
			}
		default:
			c.SetReadDeadline(time.Now().Add(30 * time.Second))
			_, message, err := c.ReadMessage()
			if err != nil {
				return err
			}
			var msg levelOneMessage
			if err := json.Unmarshal(message, &msg); err != nil {
				continue
			}
			if msg.Service != "QUOTE" {
				continue
			}
			for _, q := range msg.Content {
				if q.Symbol == "" || q.Bid <= 0 || q.Ask <= 0 {
					continue
				}
				w.sink.UpdateQuote(q.Symbol, q.Bid, q.Ask)
			}
		}
	}
}

func (w *LevelOneWatcher) setConn(c *websocket.Conn) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn = c
}

func (w *LevelOneWatcher) setConnState(state ConnectionState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.connState = state
}

func (w *LevelOneWatcher) setHealthErr(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.healthErr = err
}

func (w *LevelOneWatcher) setLastPing(t time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastPing = t
}

func (w *LevelOneWatcher) setLastPong(t time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastPong = t
}

func (w *LevelOneWatcher) setClosed() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
}

func (w *LevelOneWatcher) logState(format string, args ...interface{}) {
	log.Printf("LevelOneWatcher | "+format, args...)
}
