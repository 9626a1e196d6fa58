// Package realtime is the subscriber registry: websocket clients join
// per-device rooms and receive the events published to them.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"vitals-ingest/internal/fanout"
	"vitals-ingest/internal/metrics"
	"vitals-ingest/internal/utils"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 32
	maxMessage = 4096
)

// Client control messages.
const (
	msgSubscribe   = "subscribe_device"
	msgUnsubscribe = "unsubscribe_device"
	msgPing        = "ping"
)

// DeviceChecker reports whether a device may be subscribed to.
type DeviceChecker interface {
	Exists(ctx context.Context, deviceID string) (bool, error)
}

// Hub implements fanout.Broadcaster over websocket connections.
type Hub struct {
	upgrader websocket.Upgrader
	devices  DeviceChecker
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu      sync.RWMutex
	rooms   map[string]map[*client]struct{}
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	hub   *Hub
	conn  *websocket.Conn
	send  chan []byte
	done  chan struct{}
	rooms map[string]struct{} // guarded by hub.mu
	once  sync.Once
}

type controlMessage struct {
	Event    string `json:"event"`
	DeviceID string `json:"deviceId"`
}

func NewHub(devices DeviceChecker, logger *slog.Logger, m *metrics.Metrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		devices: devices,
		logger:  logger,
		metrics: m,
		rooms:   make(map[string]map[*client]struct{}),
		clients: make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the request. An optional deviceId query parameter
// subscribes the connection right away; unknown devices are refused before
// the upgrade.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("deviceId")
	if deviceID != "" {
		if err := h.checkDevice(r.Context(), deviceID); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, errUnknownDevice) {
				status = http.StatusNotFound
			}
			utils.WriteError(w, status, err.Error())
			return
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, sendBuffer),
		done:  make(chan struct{}),
		rooms: map[string]struct{}{},
	}
	if !h.register(c) {
		_ = conn.Close()
		return
	}
	if deviceID != "" {
		h.join(c, deviceID)
		c.reply("subscribed", map[string]string{"deviceId": deviceID})
	}

	go c.writePump()
	c.readPump()
}

var errUnknownDevice = errors.New("device not found")

func (h *Hub) checkDevice(ctx context.Context, deviceID string) error {
	if h.devices == nil {
		return nil
	}
	ok, err := h.devices.Exists(ctx, deviceID)
	if err != nil {
		return err
	}
	if !ok {
		return errUnknownDevice
	}
	return nil
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.metrics.ClientsChanged(1)
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		for room := range c.rooms {
			h.leaveLocked(c, room)
		}
		h.metrics.ClientsChanged(-1)
	}
	h.mu.Unlock()
	c.close()
}

func (h *Hub) join(c *client, deviceID string) {
	room := fanout.Channel(deviceID)
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	c.rooms[room] = struct{}{}
}

func (h *Hub) leave(c *client, deviceID string) {
	h.mu.Lock()
	h.leaveLocked(c, fanout.Channel(deviceID))
	h.mu.Unlock()
}

func (h *Hub) leaveLocked(c *client, room string) {
	delete(c.rooms, room)
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// Publish queues event for every member of channel. A member whose queue is
// full misses the event; other members are unaffected.
func (h *Hub) Publish(_ context.Context, channel string, event fanout.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	h.mu.RLock()
	members := make([]*client, 0, len(h.rooms[channel]))
	for c := range h.rooms[channel] {
		members = append(members, c)
	}
	h.mu.RUnlock()

	for _, c := range members {
		if !c.enqueue(data) {
			h.logger.Warn("websocket client queue full, dropping event", "channel", channel, "event", event.Type)
		}
	}
	return nil
}

// Subscribers returns how many connections are in channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[channel])
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.unregister(c)
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
	})
}

// enqueue never blocks. It reports false when the event was not queued.
func (c *client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *client) reply(event string, data any) {
	payload, err := json.Marshal(fanout.Event{Type: event, Data: data})
	if err != nil {
		return
	}
	c.enqueue(payload)
}

func (c *client) readPump() {
	defer c.hub.unregister(c)

	c.conn.SetReadLimit(maxMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("websocket read failed", "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.handle(data)
	}
}

func (c *client) handle(data []byte) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.reply("error", map[string]string{"message": "invalid message"})
		return
	}
	switch msg.Event {
	case msgPing:
		c.reply("pong", nil)
	case msgSubscribe:
		if msg.DeviceID == "" {
			c.reply("error", map[string]string{"message": "deviceId is required"})
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := c.hub.checkDevice(ctx, msg.DeviceID)
		cancel()
		if err != nil {
			c.reply("error", map[string]string{"message": err.Error(), "deviceId": msg.DeviceID})
			return
		}
		c.hub.join(c, msg.DeviceID)
		c.reply("subscribed", map[string]string{"deviceId": msg.DeviceID})
	case msgUnsubscribe:
		c.hub.leave(c, msg.DeviceID)
		c.reply("unsubscribed", map[string]string{"deviceId": msg.DeviceID})
	default:
		c.reply("error", map[string]string{"message": "unknown event"})
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
