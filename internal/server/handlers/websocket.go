package handlers

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/3leaps/gotrainer/internal/server/middleware"
	"github.com/3leaps/gotrainer/pkg/jobregistry"
	"github.com/3leaps/gotrainer/pkg/notify"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxMessageSize = 4096
	wsSendBuffer     = 16
)

// Client actions.
const (
	ActionSubscribeJob        = "subscribe_job"
	ActionUnsubscribeJob      = "unsubscribe_job"
	ActionSubscribeUserJobs   = "subscribe_user_jobs"
	ActionUnsubscribeUserJobs = "unsubscribe_user_jobs"
	ActionPing                = "ping"
)

// ClientMessage is a request sent by a WebSocket client.
type ClientMessage struct {
	Action string `json:"action"`
	JobID  string `json:"job_id,omitempty"`
	UserID string `json:"user_id,omitempty"`
}

// ServerMessage is a control reply. Job updates are sent as notify.Event.
type ServerMessage struct {
	Type      string    `json:"type"`
	Topic     string    `json:"topic,omitempty"`
	JobID     string    `json:"job_id,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// WebSocketHandler pushes job snapshots to subscribed clients.
type WebSocketHandler struct {
	hub      *notify.Hub
	jobs     JobService
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func NewWebSocketHandler(hub *notify.Hub, jobs JobService, logger *zap.Logger) *WebSocketHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketHandler{
		hub:    hub,
		jobs:   jobs,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Clients authenticate with a bearer token, not cookies.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

type wsClient struct {
	id     string
	user   string
	conn   *websocket.Conn
	sub    *notify.Subscription
	send   chan any
	done   chan struct{}
	logger *zap.Logger

	closeOnce sync.Once
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}

	c := &wsClient{
		id:   uuid.NewString(),
		user: middleware.UserIDFromContext(r.Context()),
		conn: conn,
		sub:  h.hub.Subscribe(),
		send: make(chan any, wsSendBuffer),
		done: make(chan struct{}),
	}
	c.logger = h.logger.With(zap.String("client_id", c.id))
	c.logger.Debug("WebSocket client connected", zap.String("user_id", c.user))

	go c.writeLoop()
	h.readLoop(r, c)

	c.close()
	c.sub.Close()
	c.logger.Debug("WebSocket client disconnected")
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// reply queues a control message. It gives up once the connection is gone.
func (c *wsClient) reply(msg ServerMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	select {
	case c.send <- msg:
	case <-c.done:
	}
}

func (c *wsClient) writeLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-c.sub.C():
			if !ok {
				return
			}
			if err := c.write(ev); err != nil {
				return
			}
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) write(v any) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := c.conn.WriteJSON(v); err != nil {
		c.logger.Debug("WebSocket write failed", zap.Error(err))
		return err
	}
	return nil
}

func (h *WebSocketHandler) readLoop(r *http.Request, c *wsClient) {
	c.conn.SetReadLimit(wsMaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("WebSocket read failed", zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		h.handle(r, c, msg)
	}
}

func (h *WebSocketHandler) handle(r *http.Request, c *wsClient, msg ClientMessage) {
	switch strings.ToLower(strings.TrimSpace(msg.Action)) {
	case ActionSubscribeJob:
		jobID := strings.TrimSpace(msg.JobID)
		if jobID == "" {
			c.reply(ServerMessage{Type: "error", Message: "job_id is required"})
			return
		}
		rec, err := h.jobs.Query(r.Context(), jobID)
		if err != nil || !visibleTo(rec, c.user) {
			c.reply(ServerMessage{Type: "error", JobID: jobID, Message: "Job not found"})
			return
		}
		topic := notify.JobTopic(jobID)
		c.sub.Join(topic)
		c.reply(ServerMessage{Type: "subscribed", Topic: topic, JobID: jobID})
		c.snapshot(rec)

	case ActionUnsubscribeJob:
		topic := notify.JobTopic(strings.TrimSpace(msg.JobID))
		c.sub.Leave(topic)
		c.reply(ServerMessage{Type: "unsubscribed", Topic: topic, JobID: msg.JobID})

	case ActionSubscribeUserJobs:
		user := c.user
		if user == "" {
			user = strings.TrimSpace(msg.UserID)
		}
		if user == "" {
			c.reply(ServerMessage{Type: "error", Message: "user_id is required"})
			return
		}
		topic := notify.UserTopic(user)
		c.sub.Join(topic)
		c.reply(ServerMessage{Type: "subscribed", Topic: topic})

	case ActionUnsubscribeUserJobs:
		user := c.user
		if user == "" {
			user = strings.TrimSpace(msg.UserID)
		}
		topic := notify.UserTopic(user)
		c.sub.Leave(topic)
		c.reply(ServerMessage{Type: "unsubscribed", Topic: topic})

	case ActionPing:
		c.reply(ServerMessage{Type: "pong"})

	default:
		c.reply(ServerMessage{Type: "error", Message: "unknown action " + msg.Action})
	}
}

// snapshot sends the current record right after a job subscription.
func (c *wsClient) snapshot(rec *jobregistry.JobRecord) {
	select {
	case c.send <- notify.NewJobEvent(*rec):
	case <-c.done:
	}
}
