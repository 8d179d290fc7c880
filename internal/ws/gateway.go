package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"atelier/api/internal/app"
)

// requestTimeout bounds the handling of a single client frame, Gemini calls
// included.
const requestTimeout = 60 * time.Second

// Gateway upgrades websocket connections and routes chat events to the same
// service methods the REST handlers use.
type Gateway struct {
	service  *app.Service
	rooms    *Rooms
	upgrader websocket.Upgrader
}

func NewGateway(service *app.Service, rooms *Rooms) *Gateway {
	return &Gateway{
		service: service,
		rooms:   rooms,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP handles the websocket handshake. The token comes from the
// ?token= query parameter or a bearer header; an invalid token rejects the
// upgrade with 401.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if strings.HasPrefix(header, "Bearer ") {
			token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		}
	}
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	session, err := g.service.SessionFromToken(r.Context(), token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	socket, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: upgrade: %v", err)
		return
	}

	conn := newConn(socket, session.UserID)
	go g.readLoop(conn)
}

func (g *Gateway) readLoop(conn *Conn) {
	defer func() {
		g.rooms.LeaveAll(conn)
		conn.close()
	}()

	_ = conn.socket.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.socket.SetPongHandler(func(string) error {
		return conn.socket.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		var frame struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		if err := conn.socket.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("ws: read: %v", err)
			}
			return
		}
		_ = conn.socket.SetReadDeadline(time.Now().Add(pongTimeout))
		g.dispatch(conn, frame.Event, frame.Data)
	}
}

// dispatch handles one client frame. Failures are answered with an error
// event tied to the offending request; the connection stays alive.
func (g *Gateway) dispatch(conn *Conn, event string, data json.RawMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	switch event {
	case "joinChat":
		var body struct {
			ChatID string `json:"chatId"`
		}
		if err := json.Unmarshal(data, &body); err != nil || body.ChatID == "" {
			g.sendError(conn, event, http.StatusBadRequest, "INVALID_BODY", "chatId is required")
			return
		}
		if err := g.service.AuthorizeChat(ctx, body.ChatID, conn.userID); err != nil {
			status, code, message, _ := app.MapError(err)
			g.sendError(conn, event, status, code, message)
			return
		}
		g.rooms.Join(body.ChatID, conn)
		_ = conn.send("joinedChat", map[string]any{"chatId": body.ChatID})

	case "leaveChat":
		var body struct {
			ChatID string `json:"chatId"`
		}
		if err := json.Unmarshal(data, &body); err != nil || body.ChatID == "" {
			g.sendError(conn, event, http.StatusBadRequest, "INVALID_BODY", "chatId is required")
			return
		}
		g.rooms.Leave(body.ChatID, conn)

	case "sendMessage":
		var body struct {
			ChatID  string  `json:"chatId"`
			Content string  `json:"content"`
			TaskID  *string `json:"taskId"`
			FileURL *string `json:"fileUrl"`
		}
		if err := json.Unmarshal(data, &body); err != nil || body.ChatID == "" {
			g.sendError(conn, event, http.StatusBadRequest, "INVALID_BODY", "chatId is required")
			return
		}
		if _, err := g.service.SendMessage(ctx, body.ChatID, &conn.userID, body.Content, body.TaskID, body.FileURL); err != nil {
			status, code, message, _ := app.MapError(err)
			g.sendError(conn, event, status, code, message)
		}

	case "sendToGemini":
		var body struct {
			ChatID  string `json:"chatId"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(data, &body); err != nil || body.ChatID == "" {
			g.sendError(conn, event, http.StatusBadRequest, "INVALID_BODY", "chatId is required")
			return
		}
		if _, err := g.service.Converse(ctx, body.ChatID, conn.userID, body.Message); err != nil {
			status, code, message, _ := app.MapError(err)
			g.sendError(conn, event, status, code, message)
		}

	default:
		g.sendError(conn, event, http.StatusBadRequest, "UNKNOWN_EVENT", "Unknown event")
	}
}

func (g *Gateway) sendError(conn *Conn, requestEvent string, status int, code, message string) {
	_ = conn.send("error", map[string]any{
		"requestEvent": requestEvent,
		"status":       status,
		"code":         code,
		"error":        message,
	})
}
