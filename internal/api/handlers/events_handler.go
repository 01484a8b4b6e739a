package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Event kinds pushed to subscribers.
const (
	EventInstall = "install"
	EventInbox   = "inbox"
	EventBoot    = "boot"
	EventUpdate  = "update"
)

// AgentEvent 推送给订阅者的事件
type AgentEvent struct {
	Kind      string `json:"kind"`
	Subject   string `json:"subject"` // package, file or boot task
	SessionID string `json:"session_id,omitempty"`
	Status    string `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
	Percent   int    `json:"percent,omitempty"` // update download progress
	Timestamp int64  `json:"timestamp"`
}

// EventsHandler streams agent events over WebSocket. Subscribers only
// listen; anything they send is discarded.
type EventsHandler struct {
	logger      *logrus.Logger
	upgrader    websocket.Upgrader
	clients     map[string]*websocket.Conn
	clientMutex sync.RWMutex
	broadcast   chan AgentEvent
}

// NewEventsHandler 创建事件推送处理器
func NewEventsHandler(logger *logrus.Logger) *EventsHandler {
	return &EventsHandler{
		logger: logger,
		upgrader: websocket.Upgrader{
			// loopback only; browsers on the device may use any origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:   make(map[string]*websocket.Conn),
		broadcast: make(chan AgentEvent, 100),
	}
}

// Start runs the broadcaster until ctx is cancelled, then closes every
// subscriber.
func (h *EventsHandler) Start(ctx context.Context) {
	go h.runBroadcaster(ctx)
}

func (h *EventsHandler) runBroadcaster(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.clientMutex.Lock()
			for id, conn := range h.clients {
				conn.Close()
				delete(h.clients, id)
			}
			h.clientMutex.Unlock()
			return
		case ev := <-h.broadcast:
			h.send(ev)
		}
	}
}

func (h *EventsHandler) send(ev AgentEvent) {
	var failed []string
	h.clientMutex.RLock()
	for id, conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(ev); err != nil {
			h.logger.WithError(err).WithField("client_id", id).Warn("Failed to write to WebSocket client")
			failed = append(failed, id)
		}
	}
	h.clientMutex.RUnlock()

	if len(failed) == 0 {
		return
	}
	h.clientMutex.Lock()
	for _, id := range failed {
		if conn, ok := h.clients[id]; ok {
			conn.Close()
			delete(h.clients, id)
		}
	}
	h.clientMutex.Unlock()
}

// Publish queues ev for every subscriber. A full queue drops the event.
func (h *EventsHandler) Publish(ev AgentEvent) {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().Unix()
	}
	select {
	case h.broadcast <- ev:
	default:
		h.logger.WithField("kind", ev.Kind).Warn("Broadcast channel is full, dropping event")
	}
}

// Clients 返回当前订阅者数量
func (h *EventsHandler) Clients() int {
	h.clientMutex.RLock()
	defer h.clientMutex.RUnlock()
	return len(h.clients)
}

// HandleWebSocket 处理WebSocket连接
func (h *EventsHandler) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade to WebSocket")
		return
	}

	id := uuid.New().String()
	h.clientMutex.Lock()
	h.clients[id] = conn
	h.clientMutex.Unlock()
	h.logger.WithField("client_id", id).Info("WebSocket client connected")

	// 保持连接直到客户端断开
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.WithError(err).Warn("WebSocket error")
			}
			break
		}
	}

	h.clientMutex.Lock()
	if _, ok := h.clients[id]; ok {
		conn.Close()
		delete(h.clients, id)
	}
	h.clientMutex.Unlock()
	h.logger.WithField("client_id", id).Info("WebSocket client disconnected")
}
