package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/afroash/plantmon/internal/models"
)

// Constants for WebSocket timeouts
const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 32
)

// StreamHub pushes device events to WebSocket subscribers
type StreamHub struct {
	upgrader       websocket.Upgrader
	logger         zerolog.Logger
	allowedOrigins []string
	clients        map[*subscriber]struct{}
	mutex          sync.RWMutex
}

type subscriber struct {
	conn        *websocket.Conn
	send        chan *models.Message
	remote      string
	connectedAt time.Time
	once        sync.Once
}

// SubscriberInfo describes a connected stream subscriber
type SubscriberInfo struct {
	Remote      string    `json:"remote"`
	ConnectedAt time.Time `json:"connected_at"`
}

// NewStreamHub creates a hub accepting the given origins
func NewStreamHub(logger zerolog.Logger, allowedOrigins ...string) *StreamHub {
	h := &StreamHub{
		logger:         logger,
		allowedOrigins: allowedOrigins,
		clients:        make(map[*subscriber]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin validates the Origin header against the allowlist.
// Requests without an Origin header are same-origin.
func (h *StreamHub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.allowedOrigins {
		if allowed == "*" || origin == allowed {
			return true
		}
	}
	h.logger.Warn().Str("origin", origin).Msg("Rejected stream connection: origin not in allowlist")
	return false
}

// ServeHTTP upgrades the request and streams events until the peer leaves
func (h *StreamHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	sub := &subscriber{
		conn:        conn,
		send:        make(chan *models.Message, sendBuffer),
		remote:      conn.RemoteAddr().String(),
		connectedAt: time.Now(),
	}

	h.mutex.Lock()
	h.clients[sub] = struct{}{}
	h.mutex.Unlock()
	h.logger.Info().Str("remote", sub.remote).Msg("Stream subscriber connected")

	go h.writeLoop(sub)
	h.readLoop(sub)
}

// Publish implements session.Publisher. Subscribers that fall behind
// are dropped.
func (h *StreamHub) Publish(ev models.DeviceEvent) {
	msg, err := models.NewMessage(models.MessageTypeEvent, ev)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to create event message")
		return
	}

	h.mutex.RLock()
	var slow []*subscriber
	for sub := range h.clients {
		select {
		case sub.send <- msg:
		default:
			slow = append(slow, sub)
		}
	}
	h.mutex.RUnlock()

	for _, sub := range slow {
		h.logger.Warn().Str("remote", sub.remote).Msg("Dropping slow stream subscriber")
		h.remove(sub)
	}
}

// Subscribers lists connected subscribers
func (h *StreamHub) Subscribers() []SubscriberInfo {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	list := make([]SubscriberInfo, 0, len(h.clients))
	for sub := range h.clients {
		list = append(list, SubscriberInfo{Remote: sub.remote, ConnectedAt: sub.connectedAt})
	}
	return list
}

// Close disconnects every subscriber
func (h *StreamHub) Close() {
	h.mutex.RLock()
	subs := make([]*subscriber, 0, len(h.clients))
	for sub := range h.clients {
		subs = append(subs, sub)
	}
	h.mutex.RUnlock()

	for _, sub := range subs {
		h.remove(sub)
	}
}

func (h *StreamHub) remove(sub *subscriber) {
	sub.once.Do(func() {
		// closed under the write lock so Publish never sends on it
		h.mutex.Lock()
		delete(h.clients, sub)
		close(sub.send)
		h.mutex.Unlock()
		h.logger.Info().Str("remote", sub.remote).Msg("Stream subscriber disconnected")
	})
}

// readLoop only watches for the peer going away, subscribers do not send
func (h *StreamHub) readLoop(sub *subscriber) {
	defer h.remove(sub)

	sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	sub.conn.SetPongHandler(func(string) error {
		sub.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn().Err(err).Msg("WebSocket error")
			}
			return
		}
	}
}

func (h *StreamHub) writeLoop(sub *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sub.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-sub.send:
			sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				sub.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := sub.conn.WriteJSON(msg); err != nil {
				h.logger.Warn().Err(err).Msg("Failed to send event")
				return
			}
		case <-ticker.C:
			sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
