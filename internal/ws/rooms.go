// Package ws provides the realtime chat gateway and room registry.
package ws

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeTimeout bounds a single write to the peer's socket.
	writeTimeout = 10 * time.Second
	// pongTimeout is how long a peer may stay silent before the read side
	// gives up on it. Pings keep healthy peers inside the window.
	pongTimeout  = 60 * time.Second
	pingInterval = 54 * time.Second
	// sendQueueSize is the per-connection backlog. A peer that falls this
	// far behind has stopped reading and gets dropped.
	sendQueueSize = 64
)

var (
	errConnClosed    = errors.New("ws: connection closed")
	errSendQueueFull = errors.New("ws: send queue full")
)

// Envelope is the wire format for every websocket frame, both directions.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Conn wraps a websocket connection with a buffered send queue drained by a
// single writer goroutine; gorilla allows only one concurrent writer, and the
// queue keeps a stalled peer from ever blocking a broadcast.
type Conn struct {
	socket *websocket.Conn
	userID string

	sendCh    chan Envelope
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(socket *websocket.Conn, userID string) *Conn {
	c := &Conn{
		socket: socket,
		userID: userID,
		sendCh: make(chan Envelope, sendQueueSize),
		done:   make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// send queues an event for delivery and never blocks. A full queue means the
// peer has stopped reading, so the connection is closed rather than letting
// it wedge the sender.
func (c *Conn) send(event string, payload any) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.sendCh <- Envelope{Event: event, Data: payload}:
		return nil
	default:
		c.close()
		return errSendQueueFull
	}
}

// close is idempotent. Closing the socket unblocks both the read loop and any
// in-flight write.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.socket.Close()
	})
}

// writeLoop is the sole writer on the socket. It drains the send queue in
// FIFO order and pings the peer so half-open connections fail the read
// deadline instead of lingering forever.
func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case envelope := <-c.sendCh:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.socket.WriteJSON(envelope); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

// Rooms is the per-chat registry of live connections. It is a pure fan-out
// address book: membership checks happen before Join, never here.
type Rooms struct {
	mu    sync.RWMutex
	rooms map[string]map[*Conn]struct{}
}

func NewRooms() *Rooms {
	return &Rooms{rooms: make(map[string]map[*Conn]struct{})}
}

func (r *Rooms) Join(chatID string, conn *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[chatID]
	if !ok {
		room = make(map[*Conn]struct{})
		r.rooms[chatID] = room
	}
	room[conn] = struct{}{}
}

// Leave is idempotent: leaving a room twice, or a room never joined, is a
// no-op.
func (r *Rooms) Leave(chatID string, conn *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[chatID]
	if !ok {
		return
	}
	delete(room, conn)
	if len(room) == 0 {
		delete(r.rooms, chatID)
	}
}

// LeaveAll removes a connection from every room. Driven by disconnect.
func (r *Rooms) LeaveAll(conn *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for chatID, room := range r.rooms {
		delete(room, conn)
		if len(room) == 0 {
			delete(r.rooms, chatID)
		}
	}
}

// RoomSize reports how many connections are joined to a chat.
func (r *Rooms) RoomSize(chatID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[chatID])
}

// Broadcast queues an event on every connection in the room and returns
// without waiting on any socket. Each connection's queue is FIFO, so two
// sequential broadcasts arrive in order on every member that keeps up.
func (r *Rooms) Broadcast(chatID, event string, payload any) {
	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.rooms[chatID]))
	for conn := range r.rooms[chatID] {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	for _, conn := range conns {
		if err := conn.send(event, payload); err != nil {
			log.Printf("ws: broadcast to chat %s: %v", chatID, err)
		}
	}
}
