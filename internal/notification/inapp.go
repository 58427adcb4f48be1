// internal/notification/inapp.go

package notification

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Clients only send pongs and close frames
	maxMessageSize = 4 * 1024

	// Maximum number of queued messages per client
	maxQueuedMessages = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are enforced by the CORS layer in front of the API
	CheckOrigin: func(r *http.Request) bool { return true },
}

// LiveEvent is the frame pushed to connected clients
type LiveEvent struct {
	Type         string        `json:"type"`
	Notification *Notification `json:"notification,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
}

// Hub keeps the live websocket connections of each user. A user may hold
// several connections (tabs, devices).
type Hub struct {
	mu      sync.RWMutex
	clients map[int64]map[*Client]struct{}
	logger  *zap.Logger
}

// NewHub creates an empty hub
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[int64]map[*Client]struct{}),
		logger:  logger,
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[c.userID] == nil {
		h.clients[c.userID] = make(map[*Client]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
	h.logger.Debug("live client connected", zap.Int64("user_id", c.userID), zap.Int("connections", len(h.clients[c.userID])))
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.clients[c.userID]
	if !ok {
		return
	}
	if _, ok := conns[c]; ok {
		delete(conns, c)
		c.close()
	}
	if len(conns) == 0 {
		delete(h.clients, c.userID)
	}
	h.logger.Debug("live client disconnected", zap.Int64("user_id", c.userID))
}

// IsUserOnline reports whether the user has at least one live connection
func (h *Hub) IsUserOnline(userID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID]) > 0
}

// ActiveConnections returns the number of open connections
func (h *Hub) ActiveConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	total := 0
	for _, conns := range h.clients {
		total += len(conns)
	}
	return total
}

// SendToUser queues event on every connection of the user and reports how
// many connections accepted it. Connections with a full queue are dropped.
func (h *Hub) SendToUser(userID int64, event LiveEvent) int {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to marshal live event", zap.Error(err))
		return 0
	}

	h.mu.RLock()
	var accepted int
	var slow []*Client
	for c := range h.clients[userID] {
		select {
		case c.send <- data:
			accepted++
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.unregister(c)
	}
	return accepted
}

// Shutdown closes every connection
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, conns := range h.clients {
		for c := range conns {
			c.close()
		}
	}
	h.clients = make(map[int64]map[*Client]struct{})
}

// Client is one websocket connection
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID int64
	once   sync.Once
}

// ServeWS upgrades the request and attaches the connection to userID
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID int64) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, maxQueuedMessages),
		userID: userID,
	}
	h.register(c)

	go c.writePump()
	go c.readPump()
	return nil
}

func (c *Client) close() {
	c.once.Do(func() { close(c.send) })
}

// readPump only services control frames; the stream is server to client
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("websocket closed", zap.Error(err))
			}
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// InAppSender publishes in-app notifications to the hub. The notification row
// is the inbox, so an offline user still receives it; delivery is confirmed
// only when a live connection accepted the frame.
type InAppSender struct {
	hub *Hub
}

// NewInAppSenderFactory serves provider "hub"
func NewInAppSenderFactory(hub *Hub) SenderFactory {
	return func(*Channel) (Sender, error) {
		return &InAppSender{hub: hub}, nil
	}
}

func (s *InAppSender) Send(ctx context.Context, msg *Message) (*SendResult, error) {
	accepted := s.hub.SendToUser(msg.Recipient.UserID, LiveEvent{
		Type:         "notification",
		Notification: msg.Notification,
		Timestamp:    time.Now(),
	})
	return &SendResult{
		ExternalID: msg.Notification.Reference,
		Response:   JSONMap{"provider": "hub", "connections": accepted},
		Delivered:  accepted > 0,
	}, nil
}

func (s *InAppSender) Test(ctx context.Context, ch *Channel) error {
	return nil
}
