// Package websocket pushes tracker changes to lab dashboards. Clients
// subscribe to topics inside their own tenant; an event published for one
// lab never reaches another lab's connections.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/labnet/labnet/internal/platform/db"
)

// Event is one committed tracker change as seen by a single tenant.
type Event struct {
	Type            string          `json:"type"`
	Tenant          string          `json:"-"`
	Topic           string          `json:"topic"`
	CollaborationID string          `json:"collaboration_id"`
	TrackerIDs      []string        `json:"tracker_ids,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
	Data            json.RawMessage `json:"data,omitempty"`
}

// CollaborationTopic is the topic carrying every tracker change under one
// collaboration.
func CollaborationTopic(collaborationID string) string {
	return "collaboration/" + collaborationID
}

// ClientMessage represents an inbound message from a WebSocket client.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client is one dashboard connection, bound to the tenant it connected as.
type Client struct {
	ID     string
	Tenant string
	Topics []string
	Send   chan []byte
	hub    *Hub
	conn   Conn
}

// Hub tracks clients and their subscriptions, keyed by tenant and topic.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
	all     map[*Client]struct{}
	log     zerolog.Logger
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		log:     log.With().Str("component", "events").Logger(),
	}
}

func scoped(tenant, topic string) string {
	return tenant + "|" + topic
}

// Register adds a client and subscribes it to its initial topics.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	for _, topic := range client.Topics {
		h.add(client, topic)
	}
}

// add expects h.mu held.
func (h *Hub) add(client *Client, topic string) {
	key := scoped(client.Tenant, topic)
	if h.clients[key] == nil {
		h.clients[key] = make(map[*Client]struct{})
	}
	h.clients[key][client] = struct{}{}
}

// remove expects h.mu held.
func (h *Hub) remove(client *Client, topic string) {
	key := scoped(client.Tenant, topic)
	if subscribers, ok := h.clients[key]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.clients, key)
		}
	}
}

// Unregister drops the client from every topic and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, topic := range client.Topics {
		h.remove(client, topic)
	}
	delete(h.all, client)
	close(client.Send)
}

func (h *Hub) Subscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, topic := range topics {
		h.add(client, topic)
	}
	client.Topics = append(client.Topics, topics...)
}

func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	removeSet := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		removeSet[t] = struct{}{}
		h.remove(client, t)
	}

	remaining := make([]string, 0, len(client.Topics))
	for _, t := range client.Topics {
		if _, rm := removeSet[t]; !rm {
			remaining = append(remaining, t)
		}
	}
	client.Topics = remaining
}

func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
	}
}

// Publish delivers event to the subscribers of its topic within its tenant.
// Slow clients whose buffer is full miss the event rather than stall the
// publisher.
func (h *Hub) Publish(_ context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	dropped := 0
	for client := range h.clients[scoped(event.Tenant, event.Topic)] {
		select {
		case client.Send <- data:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		h.log.Warn().
			Str("tenant", event.Tenant).
			Str("topic", event.Topic).
			Int("dropped", dropped).
			Msg("event dropped for slow clients")
	}
	return nil
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns how many of tenant's clients listen on topic.
func (h *Hub) TopicCount(tenant, topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[scoped(tenant, topic)])
}

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin checks are left to the CORS and auth layers in front.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler upgrades HTTP connections and routes client messages to the hub.
type Handler struct {
	hub *Hub
}

func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

// RegisterRoutes mounts the endpoint on a tenant-scoped group.
func (wsh *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/events", wsh.HandleConnect)
}

// HandleConnect binds the connection to the request's tenant. Topics named
// by the client are always resolved inside that tenant.
func (wsh *Handler) HandleConnect(c echo.Context) error {
	tenant := db.TenantFromContext(c.Request().Context())
	if tenant == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "tenant not resolved")
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := &Client{
		ID:     uuid.New().String(),
		Tenant: tenant,
		Topics: []string{},
		Send:   make(chan []byte, 256),
		hub:    wsh.hub,
		conn:   &gorillaConnAdapter{ws},
	}
	wsh.hub.Register(client)

	go wsh.writePump(client)
	go wsh.readPump(client)

	return nil
}

func (wsh *Handler) readPump(client *Client) {
	defer func() {
		wsh.hub.Unregister(client)
		client.conn.Close()
	}()

	for {
		_, message, err := client.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		wsh.hub.ProcessMessage(client, msg)
	}
}

func (wsh *Handler) writePump(client *Client) {
	defer client.conn.Close()

	for message := range client.Send {
		if err := client.conn.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
			return
		}
	}
}

type gorillaConnAdapter struct {
	conn *gorillawebsocket.Conn
}

func (a *gorillaConnAdapter) ReadMessage() (int, []byte, error) {
	return a.conn.ReadMessage()
}

func (a *gorillaConnAdapter) WriteMessage(messageType int, data []byte) error {
	return a.conn.WriteMessage(messageType, data)
}

func (a *gorillaConnAdapter) Close() error {
	return a.conn.Close()
}
