package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// inboundFrame is how the chat client encodes one interaction on the
// wire; the user id is taken from the authenticated connection, never
// from the frame.
type inboundFrame struct {
	Kind    string `json:"kind"` // "command" | "button" | "text"
	Payload string `json:"payload"`
}

// ServerEvent represents a server-sent event
type ServerEvent struct {
	Type string `json:"type"` // "message" | "info" | "error"
	Data any    `json:"data,omitempty"`
}

// Client represents a WebSocket client connection
type Client struct {
	userID string
	conn   *websocket.Conn
	send   chan ServerEvent
	disp   *Dispatcher
}

// trySend queues an event for the writer without ever blocking the
// caller; the event is dropped when the client's buffer is full.
func (c *Client) trySend(evt ServerEvent) {
	select {
	case c.send <- evt:
	default:
	}
}

// Hub indexes open client connections by user id so the engine's
// notification trigger can deliver addressed out-of-band messages.
type Hub struct {
	clientsByUser map[string]map[*Client]bool
	mu            sync.RWMutex
}

func newHub() *Hub {
	return &Hub{
		clientsByUser: make(map[string]map[*Client]bool),
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clientsByUser[c.userID] == nil {
		h.clientsByUser[c.userID] = make(map[*Client]bool)
	}
	h.clientsByUser[c.userID][c] = true
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if peers, ok := h.clientsByUser[c.userID]; ok {
		delete(peers, c)
		if len(peers) == 0 {
			delete(h.clientsByUser, c.userID)
		}
	}
}

func (h *Hub) sendToUser(userID string, evt ServerEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if peers, ok := h.clientsByUser[userID]; ok {
		for c := range peers {
			select {
			case c.send <- evt:
			default:
				// Drop message if user's buffer is full
			}
		}
	}
}

// Deliver routes one outbound message to whichever connections the
// target user currently has open. This is the delivery function the
// dispatcher uses for out-of-band notifications.
func (h *Hub) Deliver(msg OutboundMessage) {
	h.sendToUser(msg.TargetUserID, ServerEvent{Type: "message", Data: msg})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// For development: allow the web console dev origin
	CheckOrigin: func(r *http.Request) bool { return true },
}

func wsBotHandler(hub *Hub, disp *Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := getUserIDFromRequest(r)
		if !ok {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("WS upgrade error for user %s: %v", userID, err)
			return
		}

		client := &Client{
			userID: userID,
			conn:   conn,
			send:   make(chan ServerEvent, 16),
			disp:   disp,
		}
		hub.register(client)

		// Announce connection to this client
		client.send <- ServerEvent{Type: "info", Data: "connected"}

		// Start writer
		go clientWriter(client)
		// Start reader (blocks)
		clientReader(hub, client)
	}
}

// getUserIDFromRequest mirrors the authenticate() logic but returns
// (id, ok) instead of wrapping a handler, with a token query-param
// fallback because browsers can't set headers on websocket dials.
func getUserIDFromRequest(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && auth[:7] == "Bearer " {
		if id, ok := parseUserIDFromJWT(auth[7:]); ok {
			return id, true
		}
	}
	if q := r.URL.Query().Get("token"); q != "" {
		return parseUserIDFromJWT(q)
	}
	return "", false
}

func clientReader(hub *Hub, c *Client) {
	defer func() {
		hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(1 << 16)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			c.trySend(ServerEvent{Type: "error", Data: "invalid event format"})
			continue
		}

		kind, ok := eventKindFromWire(frame.Kind)
		if !ok {
			c.trySend(ServerEvent{Type: "error", Data: "unknown event kind"})
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		out := c.disp.Dispatch(ctx, Event{UserID: c.userID, Kind: kind, Payload: frame.Payload})
		cancel()

		// Deliver through the hub rather than straight down this
		// connection: replies may be addressed to someone else's card
		// flow and a user can have several connections open.
		for _, msg := range out {
			hub.Deliver(msg)
		}
	}
}

func eventKindFromWire(kind string) (EventKind, bool) {
	switch kind {
	case "command":
		return EventCommand, true
	case "button":
		return EventButton, true
	case "text":
		return EventText, true
	default:
		return 0, false
	}
}

func clientWriter(c *Client) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case evt, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(evt); err != nil {
				return
			}
		case <-ticker.C:
			// ping to keep the connection alive
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
