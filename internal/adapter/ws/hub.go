// Package ws implements the WebSocket adapter for real-time client
// communication: canonical agent events out, session commands in.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/arthur-zhang/conduit/internal/domain/control"
	"github.com/arthur-zhang/conduit/internal/domain/session"
)

// Commander is the slice of the orchestrator the hub drives with inbound
// client commands.
type Commander interface {
	SendMessage(id uuid.UUID, text string, images []session.ImageAttachment, mode session.MessageMode) (session.QueuedMessage, error)
	RespondToControl(id uuid.UUID, resp *control.Response) error
	Interrupt(id uuid.UUID) error
	CloseSession(ctx context.Context, id uuid.UUID) error
}

// conn wraps a single WebSocket connection and its subscription set.
type conn struct {
	ws     *websocket.Conn
	cancel context.CancelFunc

	mu       sync.Mutex
	all      bool
	sessions map[uuid.UUID]struct{}
}

// wants reports whether the connection subscribed to sessionID. Events not
// scoped to a session (zero id) go to everyone.
func (c *conn) wants(sessionID uuid.UUID) bool {
	if sessionID == uuid.Nil {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.all {
		return true
	}
	_, ok := c.sessions[sessionID]
	return ok
}

// Hub manages all active WebSocket connections, fans session events out to
// subscribers, and routes inbound commands to the orchestrator.
type Hub struct {
	mu    sync.RWMutex
	conns map[*conn]struct{}

	commander Commander
	log       *slog.Logger
}

// NewHub creates a hub. commander may be nil for broadcast-only use.
func NewHub(commander Commander, log *slog.Logger) *Hub {
	return &Hub{
		conns:     make(map[*conn]struct{}),
		commander: commander,
		log:       log,
	}
}

// SetCommander wires the command handler after construction. The hub and
// orchestrator reference each other, so one side is attached late; call
// this before serving connections.
func (h *Hub) SetCommander(commander Commander) {
	h.commander = commander
}

// HandleWS upgrades the request to a WebSocket connection.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS handled by middleware
	})
	if err != nil {
		h.log.Error("websocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{ws: ws, cancel: cancel, sessions: make(map[uuid.UUID]struct{})}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	h.log.Info("websocket connected", "remote", r.RemoteAddr)

	go func() {
		defer func() {
			h.remove(c)
			_ = ws.Close(websocket.StatusNormalClosure, "")
		}()
		for {
			_, data, err := ws.Read(ctx)
			if err != nil {
				return
			}
			h.handleCommand(ctx, c, data)
		}
	}()
}

// handleCommand dispatches one inbound client message. Command failures go
// back to the sender only; they never tear down the connection.
func (h *Hub) handleCommand(ctx context.Context, c *conn, data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		h.sendError(ctx, c, "", fmt.Errorf("malformed message: %w", err))
		return
	}

	var err error
	switch msg.Type {
	case CmdPing:
		h.send(ctx, c, Message{Type: EventPong})
		return

	case CmdSubscribe:
		var p SubscribePayload
		if err = json.Unmarshal(msg.Payload, &p); err == nil {
			c.mu.Lock()
			if p.SessionID == nil {
				c.all = true
			} else {
				c.sessions[*p.SessionID] = struct{}{}
			}
			c.mu.Unlock()
		}

	case CmdUnsubscribe:
		var p SubscribePayload
		if err = json.Unmarshal(msg.Payload, &p); err == nil {
			c.mu.Lock()
			if p.SessionID == nil {
				c.all = false
			} else {
				delete(c.sessions, *p.SessionID)
			}
			c.mu.Unlock()
		}

	case CmdSendInput:
		var p SendInputPayload
		if err = json.Unmarshal(msg.Payload, &p); err == nil {
			err = h.command(func(cmd Commander) error {
				_, sendErr := cmd.SendMessage(p.SessionID, p.Text, p.Images, p.Mode)
				return sendErr
			})
		}

	case CmdRespondToControl:
		var p RespondPayload
		if err = json.Unmarshal(msg.Payload, &p); err == nil {
			err = h.command(func(cmd Commander) error {
				return cmd.RespondToControl(p.SessionID, &p.Response)
			})
		}

	case CmdInterrupt:
		var p SessionPayload
		if err = json.Unmarshal(msg.Payload, &p); err == nil {
			err = h.command(func(cmd Commander) error {
				return cmd.Interrupt(p.SessionID)
			})
		}

	case CmdStopSession:
		var p SessionPayload
		if err = json.Unmarshal(msg.Payload, &p); err == nil {
			err = h.command(func(cmd Commander) error {
				return cmd.CloseSession(ctx, p.SessionID)
			})
		}

	default:
		err = fmt.Errorf("unknown command %q", msg.Type)
	}

	if err != nil {
		h.log.Warn("ws command failed", "command", msg.Type, "error", err)
		h.sendError(ctx, c, msg.Type, err)
	}
}

func (h *Hub) command(fn func(Commander) error) error {
	if h.commander == nil {
		return fmt.Errorf("no command handler configured")
	}
	return fn(h.commander)
}

// BroadcastEvent marshals a typed event and fans it out. Payloads carrying
// a session_id only reach connections subscribed to that session.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	sessionID := sessionIDOf(data)
	msg, err := json.Marshal(Message{Type: eventType, Payload: data})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.conns {
		if !c.wants(sessionID) {
			continue
		}
		if err := c.ws.Write(ctx, websocket.MessageText, msg); err != nil {
			h.log.Debug("websocket write failed", "error", err)
			go h.remove(c)
		}
	}
}

// sessionIDOf extracts a top-level session_id from an encoded payload,
// uuid.Nil when absent.
func sessionIDOf(data []byte) uuid.UUID {
	var probe struct {
		SessionID uuid.UUID `json:"session_id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return uuid.Nil
	}
	return probe.SessionID
}

func (h *Hub) send(ctx context.Context, c *conn, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		go h.remove(c)
	}
}

func (h *Hub) sendError(ctx context.Context, c *conn, command string, cmdErr error) {
	payload, err := json.Marshal(ErrorPayload{Command: command, Message: cmdErr.Error()})
	if err != nil {
		return
	}
	h.send(ctx, c, Message{Type: EventError, Payload: payload})
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[c]; ok {
		c.cancel()
		delete(h.conns, c)
		h.log.Info("websocket disconnected")
	}
}
