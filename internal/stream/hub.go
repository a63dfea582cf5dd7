// Package stream pushes freshly quoted borrow rates to WebSocket clients.
// Rate updates arrive on a Redis pub/sub channel (or directly, when the
// deployment has no Redis) and a hub goroutine fans them out to connected
// sockets, filtered by each client's ticker subscriptions. The feed is
// best-effort: a client that cannot keep up is disconnected, not buffered.
package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/stocklend/locatesvc/internal/config"
	"github.com/stocklend/locatesvc/internal/metrics"
	"github.com/stocklend/locatesvc/internal/money"
)

// maxCommandBytes bounds inbound frames; clients only send small
// subscribe/unsubscribe commands.
const maxCommandBytes = 1024

// Hub owns the client set and serializes all membership changes and
// fan-out through its run loop.
type Hub struct {
	writeWait  time.Duration
	pingPeriod time.Duration
	pongWait   time.Duration
	sendBuffer int

	rdb     redis.UniversalClient
	channel string
	metrics *metrics.Registry
	log     zerolog.Logger

	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	done       chan struct{}

	clients map[*client]struct{}
	count   atomic.Int32

	upgrader websocket.Upgrader
}

// NewHub builds the hub. rdb may be nil: the hub then only sees updates
// published directly through its own PublishRate. channel defaults to
// DefaultChannel when empty.
func NewHub(cfg config.Stream, rdb redis.UniversalClient, channel string, m *metrics.Registry, logger zerolog.Logger) *Hub {
	h := &Hub{
		writeWait:  time.Duration(cfg.WriteTimeoutMS) * time.Millisecond,
		pingPeriod: time.Duration(cfg.PingIntervalSeconds) * time.Second,
		sendBuffer: cfg.SendBuffer,
		rdb:        rdb,
		channel:    channel,
		metrics:    m,
		log:        logger.With().Str("component", "stream").Logger(),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 64),
		done:       make(chan struct{}),
		clients:    make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Stream clients are API-key authenticated services, not
			// browsers; origin checks do not apply.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	if h.writeWait <= 0 {
		h.writeWait = 5 * time.Second
	}
	if h.pingPeriod <= 0 {
		h.pingPeriod = 30 * time.Second
	}
	if h.sendBuffer <= 0 {
		h.sendBuffer = 16
	}
	if h.channel == "" {
		h.channel = DefaultChannel
	}
	h.pongWait = 2 * h.pingPeriod
	return h
}

// Run drives the hub until ctx is canceled. Call it once, in its own
// goroutine.
func (h *Hub) Run(ctx context.Context) {
	if h.rdb != nil {
		go h.consume(ctx)
	}

	for {
		select {
		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.count.Add(1)
			h.gaugeClients(1)
			h.log.Debug().Str("remote", c.conn.RemoteAddr().String()).
				Int32("clients", h.count.Load()).Msg("Stream client connected")

		case c := <-h.unregister:
			h.remove(c, "closed")

		case payload := <-h.broadcast:
			h.fanout(payload)

		case <-ctx.Done():
			close(h.done)
			for c := range h.clients {
				h.remove(c, "hub stopped")
			}
			return
		}
	}
}

// PublishRate makes the hub itself usable as the rate engine's publisher
// when there is no Redis to relay through.
func (h *Hub) PublishRate(ctx context.Context, ticker string, rate decimal.Decimal, asOf time.Time) error {
	payload, err := json.Marshal(RateUpdate{Ticker: ticker, Rate: money.N(rate), AsOf: asOf.UTC()})
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- payload:
		return nil
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ServeWS upgrades the request and registers the socket with the hub.
// Auth and rate limiting already ran in the middleware chain.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.log.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	c := &client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, h.sendBuffer),
		tickers: make(map[string]struct{}),
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// ClientCount reports connected sockets.
func (h *Hub) ClientCount() int { return int(h.count.Load()) }

// remove is only called from the run loop.
func (h *Hub) remove(c *client, reason string) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	h.count.Add(-1)
	h.gaugeClients(-1)

	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()
	close(c.send)
	h.log.Debug().Str("reason", reason).
		Int32("clients", h.count.Load()).Msg("Stream client removed")
}

func (h *Hub) fanout(payload []byte) {
	var update RateUpdate
	if err := json.Unmarshal(payload, &update); err != nil || update.Ticker == "" {
		h.log.Debug().Err(err).Msg("Discarding malformed rate update")
		return
	}
	h.countPublished()

	for c := range h.clients {
		if !c.wants(update.Ticker) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			// Slow consumers lose the socket, not just the update:
			// a backed-up feed would otherwise serve arbitrarily old
			// rates as if they were live.
			h.log.Warn().Str("remote", c.conn.RemoteAddr().String()).
				Msg("Dropping slow stream client")
			h.remove(c, "slow consumer")
		}
	}
}

// consume relays the shared Redis channel into the local broadcast loop.
func (h *Hub) consume(ctx context.Context) {
	pubsub := h.rdb.Subscribe(ctx, h.channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			select {
			case h.broadcast <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) gaugeClients(delta float64) {
	if h.metrics != nil {
		h.metrics.StreamClients.Add(delta)
	}
}

func (h *Hub) countPublished() {
	if h.metrics != nil {
		h.metrics.StreamPublished.Inc()
	}
}

// command is the only inbound message shape. An empty subscription set
// means the client receives every ticker.
type command struct {
	Action  string   `json:"action"` // subscribe | unsubscribe
	Tickers []string `json:"tickers"`
}

// ack confirms a command (or reports why it was ignored) and echoes the
// resulting subscription set.
type ack struct {
	Action  string   `json:"action"`
	Tickers []string `json:"tickers,omitempty"`
	Error   string   `json:"error,omitempty"`
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	once sync.Once

	// mu guards tickers and orders ack sends against the hub closing
	// the send channel.
	mu      sync.Mutex
	closing bool
	tickers map[string]struct{}
}

// drop detaches the client from the hub exactly once. Safe to call from
// either pump, before or after the hub has stopped.
func (c *client) drop() {
	c.once.Do(func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	})
}

// writePump owns every write to the socket: payloads, pings and the
// close frame. The hub signals shutdown by closing c.send.
func (c *client) writePump() {
	ticker := time.NewTicker(c.hub.pingPeriod)
	defer func() {
		ticker.Stop()
		c.drop()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump owns every read: pongs keep the connection alive, text frames
// carry subscription commands.
func (c *client) readPump() {
	defer c.drop()

	c.conn.SetReadLimit(maxCommandBytes)
	c.conn.SetReadDeadline(time.Now().Add(c.hub.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.hub.pongWait))
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.handleCommand(payload)
	}
}

func (c *client) handleCommand(payload []byte) {
	var cmd command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		c.ack(ack{Action: "error", Error: "malformed command"})
		return
	}

	switch cmd.Action {
	case "subscribe":
		c.mu.Lock()
		for _, t := range cmd.Tickers {
			t = strings.ToUpper(strings.TrimSpace(t))
			if t != "" {
				c.tickers[t] = struct{}{}
			}
		}
		c.mu.Unlock()
		c.ack(ack{Action: "subscribed", Tickers: c.subscriptions()})

	case "unsubscribe":
		c.mu.Lock()
		for _, t := range cmd.Tickers {
			delete(c.tickers, strings.ToUpper(strings.TrimSpace(t)))
		}
		c.mu.Unlock()
		c.ack(ack{Action: "unsubscribed", Tickers: c.subscriptions()})

	default:
		c.ack(ack{Action: "error", Error: "unknown action " + cmd.Action})
	}
}

func (c *client) subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.tickers))
	for t := range c.tickers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (c *client) wants(ticker string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.tickers) == 0 {
		return true
	}
	_, ok := c.tickers[ticker]
	return ok
}

// ack is best-effort: skipped when the outbound buffer is full or the
// hub is already detaching the client, never blocking the read loop.
func (c *client) ack(a ack) {
	payload, err := json.Marshal(a)
	if err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}
