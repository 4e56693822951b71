// Package relay is the signaling server: it upgrades websockets, keeps
// rooms of connected participants, and forwards envelopes between
// them. The relay never interprets offers or candidates; it routes by
// the payload's "to" field, stamps "from" with the authenticated
// sender, and synthesizes participant_left when a socket drops.
package relay

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mikeyg42/peercall/internal/event"
	"github.com/mikeyg42/peercall/internal/identity"
)

const (
	writeDeadline  = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 54 * time.Second
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

// Hub owns every room on this relay.
type Hub struct {
	logger   *zap.Logger
	presence *Presence

	mu    sync.Mutex
	rooms map[string]*room
}

func NewHub(presence *Presence, logger *zap.Logger) *Hub {
	return &Hub{
		logger:   logger.Named("hub"),
		presence: presence,
		rooms:    make(map[string]*room),
	}
}

type room struct {
	name string

	mu      sync.Mutex
	clients map[identity.ParticipantID]*client
}

type client struct {
	id   identity.ParticipantID
	room *room
	conn *websocket.Conn
	send chan []byte
}

// Join registers a participant's socket in a room and starts its
// pumps. It returns once the pumps are running; the socket is owned by
// the hub from here on.
func (h *Hub) Join(roomName string, id identity.ParticipantID, conn *websocket.Conn) {
	r := h.room(roomName)

	c := &client{
		id:   id,
		room: r,
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}

	r.mu.Lock()
	if old, ok := r.clients[id]; ok {
		// A reconnecting participant supersedes its old socket.
		close(old.send)
	}
	r.clients[id] = c
	r.mu.Unlock()

	if h.presence != nil {
		if err := h.presence.Join(roomName, id); err != nil {
			h.logger.Warn("presence join failed", zap.Error(err))
		}
	}
	h.logger.Info("participant joined",
		zap.String("room", roomName), zap.String("participant", string(id)))

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) room(name string) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[name]
	if !ok {
		r = &room{name: name, clients: make(map[identity.ParticipantID]*client)}
		h.rooms[name] = r
	}
	return r
}

// RoomSize reports how many participants a room currently holds.
func (h *Hub) RoomSize(name string) int {
	h.mu.Lock()
	r, ok := h.rooms[name]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

func (h *Hub) readPump(c *client) {
	defer h.drop(c)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn("socket read failed",
					zap.String("participant", string(c.id)), zap.Error(err))
			}
			return
		}

		var env event.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			h.logger.Warn("discarding malformed envelope",
				zap.String("participant", string(c.id)), zap.Error(err))
			continue
		}
		h.route(c, env)
	}
}

// route stamps the sender and delivers the envelope: unicast when the
// payload addresses a participant, room broadcast otherwise.
func (h *Hub) route(from *client, env event.Envelope) {
	if err := env.StampFrom(from.id); err != nil {
		h.logger.Warn("failed to stamp sender", zap.Error(err))
		return
	}
	raw, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("failed to encode envelope", zap.Error(err))
		return
	}

	routing, err := env.Route()
	if err != nil || routing.To == "" {
		h.broadcast(from.room, raw, from.id)
		return
	}
	h.unicast(from.room, raw, routing.To)
}

func (h *Hub) broadcast(r *room, raw []byte, exclude identity.ParticipantID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.clients {
		if id == exclude {
			continue
		}
		select {
		case c.send <- raw:
		default:
			h.logger.Warn("dropping envelope, client buffer full",
				zap.String("participant", string(id)))
		}
	}
}

func (h *Hub) unicast(r *room, raw []byte, to identity.ParticipantID) {
	r.mu.Lock()
	c, ok := r.clients[to]
	r.mu.Unlock()
	if !ok {
		h.logger.Debug("dropping envelope for absent participant",
			zap.String("participant", string(to)))
		return
	}
	select {
	case c.send <- raw:
	default:
		h.logger.Warn("dropping envelope, client buffer full",
			zap.String("participant", string(to)))
	}
}

// drop removes a departed client and tells the rest of its room.
func (h *Hub) drop(c *client) {
	r := c.room

	r.mu.Lock()
	current, ok := r.clients[c.id]
	if ok && current == c {
		delete(r.clients, c.id)
	}
	empty := len(r.clients) == 0
	r.mu.Unlock()

	c.conn.Close()

	if !ok || current != c {
		return // superseded by a reconnect, nothing to announce
	}

	if h.presence != nil {
		if err := h.presence.Leave(r.name, c.id); err != nil {
			h.logger.Warn("presence leave failed", zap.Error(err))
		}
	}

	left := event.New(event.TypeParticipantLeft, event.ParticipantLeft{ParticipantID: c.id})
	raw, err := json.Marshal(left)
	if err == nil {
		h.broadcast(r, raw, c.id)
	}

	if empty {
		h.mu.Lock()
		if r2, found := h.rooms[r.name]; found && r2 == r {
			delete(h.rooms, r.name)
		}
		h.mu.Unlock()
		h.logger.Info("room emptied", zap.String("room", r.name))
	}

	h.logger.Info("participant left",
		zap.String("room", r.name), zap.String("participant", string(c.id)))
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case raw, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				h.logger.Debug("socket write failed",
					zap.String("participant", string(c.id)), zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
