package controller

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4/json"
	"github.com/gorilla/websocket"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// the route is already behind RequireAuth
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ClientMessage is sent by feed clients.
type ClientMessage struct {
	Action string `json:"action"` // "subscribe" or "unsubscribe"
	Market string `json:"market"` // market symbol, or "*" for all markets
}

// ServerMessage is sent to feed clients.
type ServerMessage struct {
	Type    string      `json:"type"` // "settlement", "subscribed", "unsubscribed", "info", "error"
	Payload interface{} `json:"payload"`
}

// marketSubscriptions tracks which markets a client follows.
type marketSubscriptions struct {
	mu      sync.RWMutex
	markets map[string]bool
}

func newMarketSubscriptions() *marketSubscriptions {
	return &marketSubscriptions{markets: make(map[string]bool)}
}

func (s *marketSubscriptions) Subscribe(market string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markets[market] = true
}

func (s *marketSubscriptions) Unsubscribe(market string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.markets, market)
}

// IsSubscribed reports whether market is followed. "*" matches every market.
func (s *marketSubscriptions) IsSubscribed(market string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.markets["*"] || s.markets[market]
}

// HandleWebSocket streams settlement attempts as they are recorded.
//
// Client sends: {"action": "subscribe", "market": "ETH/USDC"} or {"action": "subscribe", "market": "*"}
// Server sends: {"type": "settlement", "payload": {...attempt...}}
func (c *Controller) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if c.Feed == nil {
		http.Error(w, "settlement feed not available", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.Logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}
	defer func() {
		if err := conn.Close(); err != nil {
			c.Logger.Debug("Failed to close WebSocket connection", zap.Error(err))
		}
	}()
	c.Logger.Info("Feed client connected", zap.String("remote_addr", r.RemoteAddr))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	subs := newMarketSubscriptions()
	send := make(chan ServerMessage, 256)

	var wg sync.WaitGroup
	guarded := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					c.Logger.Error("Panic in feed goroutine",
						zap.String("goroutine", name),
						zap.Any("panic", rec),
						zap.String("stack", string(debug.Stack())))
					cancel()
				}
			}()
			fn()
		}()
	}
	guarded("redis", func() { c.subscribeToFeed(ctx, send, subs) })
	guarded("ping", func() { c.sendPings(ctx, conn) })
	guarded("writer", func() { c.writeMessages(ctx, conn, send, cancel) })

	c.readClientMessages(ctx, conn, cancel, subs, send)

	// every goroutine exits on ctx
	cancel()
	wg.Wait()
	c.Logger.Info("Feed client disconnected", zap.String("remote_addr", r.RemoteAddr))
}

// subscribeToFeed forwards settlement messages to send, reconnecting with
// jittered exponential backoff when the subscription drops.
func (c *Controller) subscribeToFeed(ctx context.Context, send chan<- ServerMessage, subs *marketSubscriptions) {
	const (
		initialBackoff = 1 * time.Second
		maxBackoff     = 30 * time.Second
		backoffFactor  = 2.0
		jitterFactor   = 0.1
	)
	channel := c.Feed.SettlementsChannel()
	backoff := initialBackoff

	for attempt := 1; ; attempt++ {
		err := c.consumeFeed(ctx, channel, send, subs)
		if ctx.Err() != nil {
			return
		}
		c.Logger.Warn("Settlement feed subscription lost, will retry",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff))

		if !trySend(ctx, send, ServerMessage{Type: "error", Payload: map[string]interface{}{
			"message":     "feed connection lost, reconnecting",
			"retryIn":     backoff.Seconds(),
			"recoverable": true,
		}}) {
			return
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff = CalculateNextBackoff(backoff, maxBackoff, backoffFactor, jitterFactor)
	}
}

func (c *Controller) consumeFeed(ctx context.Context, channel string, send chan<- ServerMessage, subs *marketSubscriptions) error {
	pubsub := c.Feed.Subscribe(ctx, channel)
	defer func() { _ = pubsub.Close() }()

	receiveCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := pubsub.Receive(receiveCtx); err != nil {
		return fmt.Errorf("confirm subscription: %w", err)
	}
	if !trySend(ctx, send, ServerMessage{Type: "info", Payload: map[string]string{"message": "feed connected"}}) {
		return ctx.Err()
	}
	return c.forwardFeed(ctx, pubsub.Channel(), send, subs)
}

func (c *Controller) forwardFeed(ctx context.Context, ch <-chan *goredis.Message, send chan<- ServerMessage, subs *marketSubscriptions) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var payload map[string]interface{}
			if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
				c.Logger.Warn("Failed to parse settlement message", zap.Error(err))
				continue
			}
			market, _ := payload["market"].(string)
			if !subs.IsSubscribed(market) {
				continue
			}
			if !trySend(ctx, send, ServerMessage{Type: "settlement", Payload: payload}) {
				return ctx.Err()
			}
		}
	}
}

func trySend(ctx context.Context, send chan<- ServerMessage, msg ServerMessage) bool {
	select {
	case send <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

// CalculateNextBackoff grows current by factor up to limit with +/- jitterFactor
// jitter, never dropping below current.
func CalculateNextBackoff(current, limit time.Duration, factor, jitterFactor float64) time.Duration {
	next := time.Duration(float64(current) * factor)
	if next > limit {
		next = limit
	}
	jitter := float64(next) * jitterFactor * (2*rand.Float64() - 1)
	next = time.Duration(float64(next) + jitter)
	if next < current {
		next = current
	}
	if next > limit {
		next = limit
	}
	return next
}

func (c *Controller) sendPings(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				c.Logger.Debug("Failed to send ping", zap.Error(err))
				return
			}
		}
	}
}

// writeMessages is the only writer of data frames on conn.
func (c *Controller) writeMessages(ctx context.Context, conn *websocket.Conn, send <-chan ServerMessage, cancel context.CancelFunc) {
	for {
		var msg ServerMessage
		select {
		case <-ctx.Done():
			return
		case msg = <-send:
		}
		payload, err := json.Marshal(msg)
		if err != nil {
			c.Logger.Error("Failed to encode feed message", zap.Error(err))
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			c.Logger.Debug("Failed to write feed message", zap.Error(err))
			cancel()
			return
		}
	}
}

func (c *Controller) readClientMessages(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc, subs *marketSubscriptions, send chan<- ServerMessage) {
	const readTimeout = 60 * time.Second
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for ctx.Err() == nil {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.Logger.Warn("Feed read error", zap.Error(err))
			}
			cancel()
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			trySend(ctx, send, ServerMessage{Type: "error", Payload: map[string]string{"message": "bad json"}})
			continue
		}
		if msg.Market == "" && msg.Action != "" {
			trySend(ctx, send, ServerMessage{Type: "error", Payload: map[string]string{"message": "market is required"}})
			continue
		}
		switch msg.Action {
		case "subscribe":
			subs.Subscribe(msg.Market)
			trySend(ctx, send, ServerMessage{Type: "subscribed", Payload: map[string]string{"market": msg.Market}})
		case "unsubscribe":
			subs.Unsubscribe(msg.Market)
			trySend(ctx, send, ServerMessage{Type: "unsubscribed", Payload: map[string]string{"market": msg.Market}})
		default:
			trySend(ctx, send, ServerMessage{Type: "error", Payload: map[string]string{"message": "unknown action: " + msg.Action}})
		}
	}
}
