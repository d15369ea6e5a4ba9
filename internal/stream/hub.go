// Package stream fans applied events out to websocket clients at
// /ws/events. Delivery is best effort: a client that cannot keep up is
// disconnected and resumes from the event log or the NATS event stream.
package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"BatchVault/internal/ingestion"
	"BatchVault/internal/observability"
)

// HubConfig contains hub configuration
type HubConfig struct {
	BroadcastBuffer int // events queued between the bridge and the hub
	SendBuffer      int // messages queued per client
	MaxClients      int
}

// DefaultHubConfig returns default hub configuration
func DefaultHubConfig() HubConfig {
	return HubConfig{
		BroadcastBuffer: 4096,
		SendBuffer:      256,
		MaxClients:      1000,
	}
}

// Hub maintains the set of active clients and broadcasts events to the
// ones whose filter matches. All client bookkeeping happens on the Run
// goroutine.
type Hub struct {
	cfg     HubConfig
	clients map[*Client]struct{}

	broadcast  chan ingestion.PublishableEvent
	register   chan *Client
	unregister chan *Client
	count      chan chan int

	upgrader websocket.Upgrader
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

func NewHub(cfg HubConfig, metrics *observability.Metrics) *Hub {
	def := DefaultHubConfig()
	if cfg.BroadcastBuffer <= 0 {
		cfg.BroadcastBuffer = def.BroadcastBuffer
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = def.MaxClients
	}
	return &Hub{
		cfg:        cfg,
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan ingestion.PublishableEvent, cfg.BroadcastBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		count:      make(chan chan int),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		metrics: metrics,
		logger:  observability.NewLogger("stream"),
	}
}

// WithLogger replaces the component logger.
func (h *Hub) WithLogger(l zerolog.Logger) *Hub {
	h.logger = l
	return h
}

// Publish queues an event for broadcast. It never blocks; when the hub is
// behind the event is dropped and counted.
func (h *Hub) Publish(evt ingestion.PublishableEvent) {
	select {
	case h.broadcast <- evt:
	default:
		if h.metrics != nil {
			h.metrics.StreamDrops.Inc()
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients(ctx context.Context) int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
	case <-ctx.Done():
		return 0
	}
	select {
	case n := <-reply:
		return n
	case <-ctx.Done():
		return 0
	}
}

// Run starts the hub's main loop. On return every client is disconnected.
func (h *Hub) Run(ctx context.Context) error {
	defer func() {
		for c := range h.clients {
			h.remove(c)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case c := <-h.register:
			if len(h.clients) >= h.cfg.MaxClients {
				h.logger.Warn().Str("remote", c.remote).Msg("client limit reached, refusing connection")
				close(c.send)
				continue
			}
			h.clients[c] = struct{}{}
			h.setGauge()
			h.logger.Debug().Str("remote", c.remote).Msg("client connected")

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				h.remove(c)
			}

		case reply := <-h.count:
			reply <- len(h.clients)

		case evt := <-h.broadcast:
			h.fanOut(evt)
		}
	}
}

func (h *Hub) fanOut(evt ingestion.PublishableEvent) {
	var data []byte
	for c := range h.clients {
		if !c.filter.matches(evt) {
			continue
		}
		if data == nil {
			var err error
			if data, err = json.Marshal(evt); err != nil {
				h.logger.Error().Err(err).Uint64("index", evt.Index).Msg("marshal event")
				return
			}
		}
		select {
		case c.send <- data:
		default:
			// Slow consumer: disconnect rather than stall everyone else.
			if h.metrics != nil {
				h.metrics.StreamDrops.Inc()
			}
			h.logger.Warn().Str("remote", c.remote).Msg("client too slow, disconnecting")
			h.remove(c)
		}
	}
}

func (h *Hub) remove(c *Client) {
	delete(h.clients, c)
	close(c.send)
	h.setGauge()
}

func (h *Hub) setGauge() {
	if h.metrics != nil {
		h.metrics.StreamClients.Set(float64(len(h.clients)))
	}
}

// ServeHTTP upgrades the request and streams matching events until the
// client goes away. Query parameters: types (comma-separated event type
// names) and batch_id.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := newClient(h, conn, f, r.RemoteAddr)
	select {
	case h.register <- c:
	case <-r.Context().Done():
		conn.Close()
		return
	}

	go c.writePump()
	c.readPump()
}

// filter selects the events a client receives. Zero fields match all.
type filter struct {
	types   map[string]bool
	batchID *uint64
}

func (f filter) matches(evt ingestion.PublishableEvent) bool {
	if len(f.types) > 0 && !f.types[evt.EventType] {
		return false
	}
	if f.batchID != nil && (evt.BatchID == nil || *evt.BatchID != *f.batchID) {
		return false
	}
	return true
}

func parseFilter(r *http.Request) (filter, error) {
	var f filter
	q := r.URL.Query()
	if raw := q.Get("types"); raw != "" {
		f.types = make(map[string]bool)
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				f.types[t] = true
			}
		}
	}
	if raw := q.Get("batch_id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return filter{}, err
		}
		f.batchID = &id
	}
	return f, nil
}

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Clients only send control frames and pings
	maxMessageSize = 512
)
