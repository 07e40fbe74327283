package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/dohr-michael/tasklink/internal/metrics"
)

// Backend executes the protocol's methods on behalf of the hub.
type Backend interface {
	JoinTask(ctx context.Context, taskID int64) (JoinTaskResult, error)
	// SendMessage records the user message and reserves the assistant
	// execution. It must not start streaming; the hub calls StartReply once
	// the response has been queued.
	SendMessage(ctx context.Context, params SendMessageParams) (SendMessageResult, error)
	StartReply(taskID int64, execID string)
	CancelExecution(ctx context.Context, taskID int64, execID string) error
}

// Client represents a connected WebSocket client.
type Client struct {
	id    string
	conn  *websocket.Conn
	send  chan []byte
	hub   *Hub
	tasks map[int64]struct{} // guarded by hub.mu
}

// Hub manages WebSocket clients and fans task events out to the clients
// that joined each task.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	backend Backend
}

// NewHub creates a new WebSocket hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
	}
}

// SetBackend installs the method handler. It must be called before ServeWS.
func (h *Hub) SetBackend(b Backend) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.backend = b
}

// Emit sends an event to every client subscribed to taskID.
func (h *Hub) Emit(taskID int64, event string, payload any) {
	h.emit(taskID, event, payload, nil)
}

func (h *Hub) emit(taskID int64, event string, payload any, except *Client) {
	frame, err := NewEventFrame(event, taskID, payload)
	if err != nil {
		slog.Error("marshal event frame", "event", event, "error", err)
		return
	}
	data, err := MarshalFrame(frame)
	if err != nil {
		slog.Error("marshal frame", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c == except {
			continue
		}
		if _, ok := c.tasks[taskID]; !ok {
			continue
		}
		select {
		case c.send <- data:
		default:
			// Client too slow, skip
			slog.Warn("ws client queue full, dropping event", "client", c.id, "event", event)
		}
	}
}

func (h *Hub) subscribe(c *Client, taskID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c.tasks[taskID] = struct{}{}
}

// register adds a client to the hub.
func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	metrics.ConnectedClients.Set(float64(len(h.clients)))
	slog.Info("ws client connected", "client", c.id, "clients", len(h.clients))
}

// unregister removes a client from the hub.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		metrics.ConnectedClients.Set(float64(len(h.clients)))
		slog.Info("ws client disconnected", "client", c.id, "clients", len(h.clients))
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS handles a WebSocket upgrade and manages the client lifecycle.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // Allow any origin for dev
	})
	if err != nil {
		slog.Error("ws accept", "error", err)
		return
	}

	client := &Client{
		id:    uuid.NewString(),
		conn:  conn,
		send:  make(chan []byte, 256),
		hub:   h,
		tasks: make(map[int64]struct{}),
	}

	h.register(client)

	ctx := r.Context()
	go client.writePump(ctx)
	client.readPump(ctx)
}

// readPump reads frames from the WS connection and dispatches them.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("ws read closed", "status", websocket.CloseStatus(err))
			} else {
				slog.Debug("ws read error", "error", err)
			}
			return
		}

		frame, err := UnmarshalFrame(data)
		if err != nil {
			slog.Error("ws unmarshal frame", "error", err)
			continue
		}

		c.handleFrame(ctx, frame)
	}
}

// handleFrame processes an incoming WS frame.
func (c *Client) handleFrame(ctx context.Context, frame Frame) {
	switch frame.Type {
	case FrameTypeRequest:
		c.handleRequest(ctx, frame)
	default:
		slog.Debug("ws unknown frame type", "type", frame.Type)
	}
}

// handleRequest processes a request frame (method dispatch).
func (c *Client) handleRequest(ctx context.Context, frame Frame) {
	c.hub.mu.RLock()
	backend := c.hub.backend
	c.hub.mu.RUnlock()
	if backend == nil {
		c.sendError(frame.ID, "backend unavailable")
		return
	}

	switch Method(frame.Method) {
	case MethodJoinTask:
		var params JoinTaskParams
		if err := json.Unmarshal(frame.Params, &params); err != nil {
			c.sendError(frame.ID, "invalid params")
			return
		}
		res, err := backend.JoinTask(ctx, params.TaskID)
		if err != nil {
			c.sendError(frame.ID, err.Error())
			return
		}
		c.hub.subscribe(c, params.TaskID)
		c.sendOK(frame.ID, res)

	case MethodSendMessage:
		var params SendMessageParams
		if err := json.Unmarshal(frame.Params, &params); err != nil {
			c.sendError(frame.ID, "invalid params")
			return
		}
		res, err := backend.SendMessage(ctx, params)
		if err != nil {
			c.sendError(frame.ID, err.Error())
			return
		}
		c.hub.subscribe(c, res.TaskID)
		c.sendOK(frame.ID, res)

		// Other participants learn about the message through chat.message.
		c.hub.emit(res.TaskID, EventChatMessage, MessagePayload{
			ExecID:     res.ExecID,
			SequenceID: res.SequenceID,
			Role:       "user",
			Content:    params.Content,
			CreatedAt:  time.Now(),
		}, c)

		if res.AssistantExecID != "" {
			backend.StartReply(res.TaskID, res.AssistantExecID)
		}

	case MethodCancelExecution:
		var params CancelExecutionParams
		if err := json.Unmarshal(frame.Params, &params); err != nil {
			c.sendError(frame.ID, "invalid params")
			return
		}
		if err := backend.CancelExecution(ctx, params.TaskID, params.ExecID); err != nil {
			c.sendError(frame.ID, err.Error())
			return
		}
		c.sendOK(frame.ID, map[string]string{"status": "cancelled"})

	default:
		c.sendError(frame.ID, fmt.Sprintf("unknown method: %s", frame.Method))
	}
}

// writePump writes queued messages to the WS connection.
func (c *Client) writePump(ctx context.Context) {
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) sendOK(id string, payload any) {
	f, err := NewResponseFrame(id, true, payload, "")
	if err != nil {
		return
	}
	c.enqueue(f)
}

func (c *Client) sendError(id string, errMsg string) {
	f, err := NewResponseFrame(id, false, nil, errMsg)
	if err != nil {
		return
	}
	c.enqueue(f)
}

func (c *Client) enqueue(f Frame) {
	data, err := MarshalFrame(f)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// Close shuts down the hub and all client connections.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.conn.Close(websocket.StatusGoingAway, "server shutdown")
		delete(h.clients, c)
		close(c.send)
	}
	metrics.ConnectedClients.Set(0)
}
