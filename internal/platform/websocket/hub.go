// Package websocket pushes ward and capacity events to connected clients.
// Clients subscribe to topics and receive every event published on them.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Well-known topics.
const (
	TopicWard     = "ward"
	TopicCapacity = "capacity"
)

// Event is a notification sent to WebSocket clients.
type Event struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	Subject   string          `json:"subject,omitempty"`
	SubjectID string          `json:"subjectId,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEvent builds an event with data marshalled to JSON. A value that cannot
// be marshalled is dropped from the event.
func NewEvent(topic, typ, subject, subjectID string, data interface{}) Event {
	ev := Event{
		Type:      typ,
		Topic:     topic,
		Subject:   subject,
		SubjectID: subjectID,
		Timestamp: time.Now().UTC(),
	}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			ev.Data = raw
		}
	}
	return ev
}

// ClientMessage is an inbound message from a WebSocket client.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// EventPublisher publishes events to subscribers.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client is a single WebSocket connection.
type Client struct {
	ID     string
	Topics []string
	Send   chan []byte
	hub    *Hub
	conn   Conn
}

// Hub tracks clients and their topic subscriptions.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // topic -> set of clients
	all     map[*Client]struct{}
	dropped atomic.Uint64
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger,
	}
}

// Register adds a client and subscribes it to its initial topics.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	h.subscribeLocked(client, client.Topics)
}

// Unregister removes a client from every topic and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	h.unsubscribeLocked(client, client.Topics)
	delete(h.all, client)
	close(client.Send)
}

func (h *Hub) subscribeLocked(client *Client, topics []string) {
	for _, topic := range topics {
		if h.clients[topic] == nil {
			h.clients[topic] = make(map[*Client]struct{})
		}
		h.clients[topic][client] = struct{}{}
	}
}

func (h *Hub) unsubscribeLocked(client *Client, topics []string) {
	for _, topic := range topics {
		if subscribers, ok := h.clients[topic]; ok {
			delete(subscribers, client)
			if len(subscribers) == 0 {
				delete(h.clients, topic)
			}
		}
	}
}

// Subscribe adds topics to a registered client.
func (h *Hub) Subscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.subscribeLocked(client, topics)
	client.Topics = append(client.Topics, topics...)
}

// Unsubscribe removes topics from a registered client.
func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.unsubscribeLocked(client, topics)
	drop := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		drop[t] = struct{}{}
	}
	remaining := client.Topics[:0]
	for _, t := range client.Topics {
		if _, rm := drop[t]; !rm {
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

// Broadcast sends an event to all clients subscribed to topic. Clients whose
// buffer is full miss the event.
func (h *Hub) Broadcast(topic string, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Str("topic", topic).Msg("websocket: marshal event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients[topic] {
		select {
		case client.Send <- data:
		default:
			h.dropped.Add(1)
		}
	}
}

// Publish broadcasts event on its topic.
func (h *Hub) Publish(_ context.Context, event Event) error {
	h.Broadcast(event.Topic, event)
	return nil
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// Dropped returns how many deliveries were skipped because a client buffer
// was full.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// Handler upgrades HTTP requests to WebSocket connections.
type Handler struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
}

// NewHandler returns a handler bound to hub. An empty origins list accepts
// any origin.
func NewHandler(hub *Hub, origins []string) *Handler {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[strings.TrimSpace(o)] = true
	}
	return &Handler{
		hub: hub,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return len(allowed) == 0 || allowed["*"] || origin == "" || allowed[origin]
			},
		},
	}
}

func (wsh *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", wsh.HandleConnect)
}

// HandleConnect upgrades the connection, registers the client with the
// topics named in the "topics" query parameter and starts its pumps.
func (wsh *Handler) HandleConnect(c echo.Context) error {
	ws, err := wsh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	var topics []string
	if q := c.QueryParam("topics"); q != "" {
		for _, t := range strings.Split(q, ",") {
			if t = strings.TrimSpace(t); t != "" {
				topics = append(topics, t)
			}
		}
	}

	client := &Client{
		ID:     uuid.New().String(),
		Topics: topics,
		Send:   make(chan []byte, 256),
		hub:    wsh.hub,
		conn:   ws,
	}
	wsh.hub.Register(client)
	wsh.hub.logger.Debug().Str("client", client.ID).Strs("topics", topics).Msg("websocket client connected")

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
