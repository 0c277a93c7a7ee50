package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 256
)

// Peer is one websocket subscriber of a session room.
type Peer struct {
	SessionID string
	UserID    uint
	Conn      *websocket.Conn
	Send      chan []byte
}

// Hub keeps websocket peers in rooms keyed by session id and fans events out
// to them. Slow peers lose events instead of blocking the publisher.
type Hub struct {
	mu       sync.RWMutex
	rooms    map[string]map[*Peer]struct{}
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		rooms: make(map[string]map[*Peer]struct{}),
		log:   log.With().Str("component", "ws_hub").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024 * 4,
			WriteBufferSize: 1024 * 4,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Upgrader returns the websocket upgrader for HTTP handlers.
func (h *Hub) Upgrader() *websocket.Upgrader {
	return &h.upgrader
}

// Register adds a peer to a session room and returns its cleanup function.
func (h *Hub) Register(sessionID string, userID uint, conn *websocket.Conn) (*Peer, func()) {
	p := &Peer{
		SessionID: sessionID,
		UserID:    userID,
		Conn:      conn,
		Send:      make(chan []byte, sendBuffer),
	}
	h.mu.Lock()
	if h.rooms[sessionID] == nil {
		h.rooms[sessionID] = make(map[*Peer]struct{})
	}
	h.rooms[sessionID][p] = struct{}{}
	h.mu.Unlock()

	h.log.Debug().Str("session_id", sessionID).Uint("user_id", userID).Msg("peer registered")

	var once sync.Once
	return p, func() { once.Do(func() { h.unregister(p) }) }
}

func (h *Hub) unregister(p *Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[p.SessionID]
	if !ok {
		return
	}
	if _, ok := room[p]; !ok {
		return
	}
	delete(room, p)
	if len(room) == 0 {
		delete(h.rooms, p.SessionID)
	}
	close(p.Send)
	h.log.Debug().Str("session_id", p.SessionID).Uint("user_id", p.UserID).Msg("peer unregistered")
}

// Publish delivers evt to the peers of its session room.
func (h *Hub) Publish(_ context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	h.Deliver(evt.SessionID, data)
	return nil
}

// Deliver queues an encoded event for every peer of a room.
func (h *Hub) Deliver(sessionID string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for p := range h.rooms[sessionID] {
		select {
		case p.Send <- data:
		default:
			h.log.Warn().Str("session_id", sessionID).Uint("user_id", p.UserID).Msg("peer send buffer full, dropping event")
		}
	}
}

// PeerCount returns the number of peers in a room.
func (h *Hub) PeerCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[sessionID])
}

// Serve pumps events to the peer until its connection closes. It blocks.
func (h *Hub) Serve(p *Peer, cleanup func()) {
	go h.writePump(p)
	h.readPump(p)
	cleanup()
}

// readPump only watches for close and pong frames; peers never send commands.
func (h *Hub) readPump(p *Peer) {
	defer p.Conn.Close()
	p.Conn.SetReadLimit(maxMessageSize)
	_ = p.Conn.SetReadDeadline(time.Now().Add(pongWait))
	p.Conn.SetPongHandler(func(string) error {
		return p.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := p.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Debug().Err(err).Str("session_id", p.SessionID).Msg("websocket read error")
			}
			return
		}
	}
}

func (h *Hub) writePump(p *Peer) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = p.Conn.Close()
	}()
	for {
		select {
		case data, ok := <-p.Send:
			_ = p.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = p.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = p.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// CloseAll disconnects every peer.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	rooms := h.rooms
	h.rooms = make(map[string]map[*Peer]struct{})
	h.mu.Unlock()

	for _, room := range rooms {
		for p := range room {
			close(p.Send)
		}
	}
}
