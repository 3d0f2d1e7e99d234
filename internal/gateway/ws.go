package gateway

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"agoramesh/internal/auth"
	"agoramesh/internal/task"
	"agoramesh/pkg/logging"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
	wsMaxMessage = 64 * 1024
)

// Envelope is the WebSocket message frame in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TaskID  string `json:"taskId,omitempty"`
}

type wsCancelPayload struct {
	TaskID string `json:"taskId"`
}

// handleWebSocket upgrades the connection after origin and handshake
// auth checks, then pumps task envelopes for the lifetime of the
// socket. The identity is pinned at handshake.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id, err := s.authenticator.Authenticate(auth.Request{
		Authorization: r.Header.Get("Authorization"),
		Payment:       r.Header.Get("X-Payment"),
		Method:        r.Method,
		Path:          r.URL.Path,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || s.cfg.Development {
				return true
			}
			return origin == s.cfg.CORSOrigin
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}

	c := &wsConn{
		server:   s,
		conn:     conn,
		identity: id,
		send:     make(chan Envelope, 16),
		done:     make(chan struct{}),
	}
	logging.Info("WsFront", "Connection opened for %s", logging.TruncateSubject(id.Key()))
	go c.writePump()
	c.readPump()
}

// wsConn is one client connection. All writes go through the send
// channel so the write pump is the only goroutine touching the socket
// writer.
type wsConn struct {
	server   *Server
	conn     *websocket.Conn
	identity auth.Identity
	send     chan Envelope
	done     chan struct{}

	mu   sync.Mutex
	subs map[string]task.Subscriber
}

func (c *wsConn) readPump() {
	defer func() {
		c.detachAll()
		close(c.done)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(wsMaxMessage)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.sendError("ValidationError", "message is not a JSON envelope", "")
			continue
		}
		switch env.Type {
		case "task":
			c.handleTask(env.Payload)
		case "cancel":
			c.handleCancel(env.Payload)
		default:
			c.sendError("ValidationError", "unknown envelope type "+env.Type, "")
		}
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case env := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleTask submits a task and attaches this socket as subscriber.
// Errors are reported on the socket without closing it.
func (c *wsConn) handleTask(payload json.RawMessage) {
	var req task.Request
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError("ValidationError", "task payload is not valid JSON", "")
		return
	}

	rec, err := c.server.dispatcher.Submit(c.identity, req)
	if err != nil {
		c.sendDomainError(err, "")
		return
	}

	c.sendEnvelope("status", rec)

	sub := make(task.Subscriber, 1)
	if err := c.server.dispatcher.Attach(rec.ID, sub); err != nil {
		c.sendDomainError(err, rec.ID)
		return
	}
	c.trackSub(rec.ID, sub)

	go func() {
		final, ok := <-sub
		if !ok {
			return
		}
		c.sendEnvelope("result", final)
		c.untrackSub(rec.ID)
	}()
}

func (c *wsConn) handleCancel(payload json.RawMessage) {
	var req wsCancelPayload
	if err := json.Unmarshal(payload, &req); err != nil || req.TaskID == "" {
		c.sendError("ValidationError", "cancel payload requires taskId", "")
		return
	}
	rec, err := c.server.dispatcher.Cancel(c.identity, req.TaskID)
	if err != nil {
		c.sendDomainError(err, req.TaskID)
		return
	}
	c.sendEnvelope("status", rec)
}

func (c *wsConn) sendEnvelope(kind string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	// Drop if the connection is gone or the buffer is full; slow
	// consumers must not block task goroutines.
	select {
	case c.send <- Envelope{Type: kind, Payload: data}:
	case <-c.done:
	default:
	}
}

func (c *wsConn) sendError(code, message, taskID string) {
	c.sendEnvelope("error", wsError{Code: code, Message: message, TaskID: taskID})
}

func (c *wsConn) sendDomainError(err error, taskID string) {
	c.sendError(errorCode(err), err.Error(), taskID)
}

func (c *wsConn) trackSub(taskID string, sub task.Subscriber) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs == nil {
		c.subs = make(map[string]task.Subscriber)
	}
	c.subs[taskID] = sub
}

func (c *wsConn) untrackSub(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, taskID)
}

// detachAll drops subscriptions on socket close. In-flight tasks keep
// running.
func (c *wsConn) detachAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for taskID, sub := range c.subs {
		c.server.dispatcher.Detach(taskID, sub)
	}
	c.subs = nil
}
