package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/makeacourse/api/internal/logger"
	"github.com/makeacourse/api/internal/model"
)

// Client represents a WebSocket client
type Client struct {
	TaskID string
	Conn   *websocket.Conn
	Send   chan []byte

	closed bool // guarded by Hub.mu
}

// Hub maintains active WebSocket connections
type Hub struct {
	// Clients grouped by task ID
	clients map[string]map[*Client]bool

	// Register requests
	register chan *Client

	// Unregister requests
	unregister chan *Client

	// Broadcast messages to task subscribers
	broadcast chan *BroadcastMessage

	// closed when Run returns
	done chan struct{}

	log *logger.Logger
	mu  sync.RWMutex
}

// BroadcastMessage represents a message to broadcast
type BroadcastMessage struct {
	TaskID  string
	Message []byte
}

// NewHub creates a new Hub
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
		done:       make(chan struct{}),
		log:        log.With("component", "ws_hub"),
	}
}

// Run starts the hub's main loop and returns when ctx is done
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.TaskID] == nil {
				h.clients[client.TaskID] = make(map[*Client]bool)
			}
			h.clients[client.TaskID][client] = true
			h.mu.Unlock()
			h.log.Debug("client registered", "task_id", client.TaskID)

		case client := <-h.unregister:
			h.mu.Lock()
			h.remove(client)
			h.mu.Unlock()
			h.log.Debug("client unregistered", "task_id", client.TaskID)

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients[msg.TaskID] {
				select {
				case client.Send <- msg.Message:
				default:
					// slow consumer
					h.remove(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// remove drops client; callers hold mu.
func (h *Hub) remove(client *Client) {
	clients, ok := h.clients[client.TaskID]
	if !ok {
		return
	}
	if _, ok := clients[client]; ok {
		delete(clients, client)
		client.closed = true
		close(client.Send)
		if len(clients) == 0 {
			delete(h.clients, client.TaskID)
		}
	}
}

// Subscribers returns the number of clients watching taskID.
func (h *Hub) Subscribers(taskID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[taskID])
}

// Register adds a new client
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
	}
}

// Unregister removes a client
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// NotifyTask pushes a task transition to its subscribers. It never blocks:
// when the broadcast buffer is full the update is dropped and clients fall
// back to polling.
func (h *Hub) NotifyTask(task *model.RenderTask) {
	data, err := TaskMessage(task)
	if err != nil {
		h.log.Error("failed to marshal task message", "task_id", task.TaskID, "error", err)
		return
	}
	select {
	case h.broadcast <- &BroadcastMessage{TaskID: task.TaskID, Message: data}:
	default:
		h.log.Warn("broadcast buffer full, dropping update", "task_id", task.TaskID)
	}
}

// TaskMessage encodes the message announcing task's current status.
func TaskMessage(task *model.RenderTask) ([]byte, error) {
	switch task.Status {
	case model.RenderStatusSuccess:
		return json.Marshal(model.WSCompleteMessage{
			Type:   model.WSMessageTypeComplete,
			TaskID: task.TaskID,
			Result: task.Result,
		})
	case model.RenderStatusFailure:
		msg := model.WSErrorMessage{Type: model.WSMessageTypeError, TaskID: task.TaskID}
		if task.Error != nil {
			msg.Error = model.WSError{Code: task.Error.Kind, Message: task.Error.Message}
		}
		return json.Marshal(msg)
	default:
		return json.Marshal(model.WSStatusMessage{
			Type:       model.WSMessageTypeStatus,
			TaskID:     task.TaskID,
			TargetType: task.TargetType,
			TargetID:   task.TargetID,
			Status:     task.Status,
		})
	}
}

// HandleConnection serves one subscriber. current is sent first so
// the client does not miss transitions that happened before it connected.
func (h *Hub) HandleConnection(c *websocket.Conn, current *model.RenderTask) {
	client := &Client{
		TaskID: current.TaskID,
		Conn:   c,
		Send:   make(chan []byte, 256),
	}

	if data, err := TaskMessage(current); err == nil {
		client.Send <- data
	}

	h.Register(client)
	defer h.Unregister(client)

	// Start writer goroutine
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case message, ok := <-client.Send:
				if !ok {
					_ = c.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}

			case <-ticker.C:
				// Send ping for keep-alive
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Reader loop
	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Warn("websocket error", "task_id", client.TaskID, "error", err)
			}
			break
		}

		// Handle client messages (ping/pong)
		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		if msg.Type == model.WSMessageTypePing {
			pong, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})
			h.mu.RLock()
			if !client.closed {
				select {
				case client.Send <- pong:
				default:
				}
			}
			h.mu.RUnlock()
		}
	}
}
