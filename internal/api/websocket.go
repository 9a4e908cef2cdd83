package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MichelMoriniaux/BigPowerBox/internal/device"
	"github.com/MichelMoriniaux/BigPowerBox/internal/infrastructure/config"
	"github.com/MichelMoriniaux/BigPowerBox/internal/infrastructure/logging"
)

// Stream channels.
const (
	ChannelFeatureState = "feature.state_changed"
	ChannelDeviceState  = "device.state_changed"

	// ChannelSnapshot carries the full model, sent once to each new client.
	ChannelSnapshot = "device.snapshot"
)

// channelAliases maps the short names accepted in ?channels= to channels.
var channelAliases = map[string]string{
	"feature":           ChannelFeatureState,
	"device":            ChannelDeviceState,
	ChannelFeatureState: ChannelFeatureState,
	ChannelDeviceState:  ChannelDeviceState,
}

const (
	streamBufferSize = 64

	defaultWSMaxMessageSize = 4096
	defaultWSPingInterval   = 30
	defaultWSPongTimeout    = 10
)

// StreamEvent is one message on the event stream.
//
// Seq increases by one for every broadcast; a client that sees a gap has
// had events dropped because it read too slowly. Snapshots carry the Seq
// of the last broadcast they include.
type StreamEvent struct {
	Channel   string    `json:"channel"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// snapshotPayload is the body of a ChannelSnapshot event.
type snapshotPayload struct {
	Device   deviceView       `json:"device"`
	Features []device.Feature `json:"features"`
}

// Hub fans controller events out to stream clients. The stream is
// server-to-client only: anything a client sends is discarded.
type Hub struct {
	maxMessageSize int64
	pingInterval   time.Duration
	pongWait       time.Duration
	logger         *logging.Logger

	seq     atomic.Uint64
	dropped atomic.Uint64

	mu      sync.RWMutex
	clients map[*streamClient]struct{}
	closed  bool
}

type streamClient struct {
	conn     *websocket.Conn
	channels map[string]bool
	send     chan []byte
	once     sync.Once
}

func (c *streamClient) close() {
	c.once.Do(func() { close(c.send) })
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// origins are checked by the CORS middleware
	CheckOrigin: func(*http.Request) bool { return true },
}

// NewHub creates a hub. Zero config values select defaults.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultWSMaxMessageSize
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultWSPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultWSPongTimeout
	}
	return &Hub{
		maxMessageSize: int64(cfg.MaxMessageSize),
		pingInterval:   time.Duration(cfg.PingInterval) * time.Second,
		pongWait:       time.Duration(cfg.PongTimeout) * time.Second,
		logger:         logger,
		clients:        make(map[*streamClient]struct{}),
	}
}

// Run blocks until ctx is done, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	h.closed = true
	clients := h.clients
	h.clients = make(map[*streamClient]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.close()
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many events were discarded for slow clients.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Broadcast sends payload to every client listening on channel.
func (h *Hub) Broadcast(channel string, payload any) {
	data, err := json.Marshal(StreamEvent{
		Channel:   channel,
		Seq:       h.seq.Add(1),
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("encoding stream event", "channel", channel, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.channels[channel] {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *Hub) add(c *streamClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) remove(c *streamClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

// parseChannels reads ?channels=feature,device. Empty selects both.
func parseChannels(raw string) (map[string]bool, error) {
	channels := map[string]bool{}
	if raw == "" {
		channels[ChannelFeatureState] = true
		channels[ChannelDeviceState] = true
		return channels, nil
	}
	for _, name := range strings.Split(raw, ",") {
		ch, ok := channelAliases[strings.TrimSpace(name)]
		if !ok {
			return nil, fmt.Errorf("unknown channel %q", name)
		}
		channels[ch] = true
	}
	return channels, nil
}

// handleWebSocket upgrades the request and streams controller events,
// starting with a snapshot of the device and its features.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	channels, err := parseChannels(r.URL.Query().Get("channels"))
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &streamClient{
		conn:     conn,
		channels: channels,
		send:     make(chan []byte, streamBufferSize),
	}
	if !s.hub.add(c) {
		conn.Close()
		return
	}
	s.logger.Debug("stream client connected", "remote", r.RemoteAddr, "clients", s.hub.ClientCount())

	s.sendSnapshot(c)

	go s.hub.writeLoop(c)
	go s.hub.readLoop(c)
}

func (s *Server) sendSnapshot(c *streamClient) {
	features, err := s.controller.Features()
	if err != nil {
		features = []device.Feature{}
	}
	data, err := json.Marshal(StreamEvent{
		Channel:   ChannelSnapshot,
		Seq:       s.hub.seq.Load(),
		Timestamp: time.Now().UTC(),
		Payload:   snapshotPayload{Device: s.deviceView(context.Background()), Features: features},
	})
	if err != nil {
		s.logger.Error("encoding snapshot", "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// readLoop discards client messages and keeps the read deadline moving on
// pongs. It removes the client when the connection fails.
func (h *Hub) readLoop(c *streamClient) {
	defer h.remove(c)

	c.conn.SetReadLimit(h.maxMessageSize)
	extend := func() error {
		return c.conn.SetReadDeadline(time.Now().Add(h.pingInterval + h.pongWait))
	}
	//nolint:errcheck // a failed deadline surfaces on the next read
	extend()
	c.conn.SetPongHandler(func(string) error { return extend() })

	for {
		if _, _, err := c.conn.NextReader(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("stream client read error", "error", err)
			}
			return
		}
	}
}

// writeLoop drains the client's queue and pings it. It closes the
// connection once the queue is closed or a write fails.
func (h *Hub) writeLoop(c *streamClient) {
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			//nolint:errcheck // write errors are checked below
			c.conn.SetWriteDeadline(time.Now().Add(h.pongWait))
			if !ok {
				//nolint:errcheck // peer may already be gone
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // write errors are checked below
			c.conn.SetWriteDeadline(time.Now().Add(h.pongWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
