package server

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"seed/internal/agent"
	"seed/internal/audit"
	"seed/internal/conversation"
	"seed/internal/event"
	"seed/internal/llm"
	"seed/internal/logging"
	"seed/internal/observability"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
	wsSendBuffer = 256
)

// uiFrame is one message on the ui channel.
type uiFrame struct {
	Type    string `json:"type"`
	TaskID  string `json:"taskId,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// wsClient wraps one websocket connection with a buffered write pump
// and ping/pong heartbeat.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{
		conn: conn,
		send: make(chan []byte, wsSendBuffer),
		done: make(chan struct{}),
	}
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// enqueue blocks until the frame is buffered or the client is gone.
// Event-channel consumers need lossless delivery; backpressure lands on
// the per-connection feed goroutine, never on appends.
func (c *wsClient) enqueue(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	}
}

// offer is the lossy variant for the advisory ui channel.
func (c *wsClient) offer(frame []byte) {
	select {
	case c.send <- frame:
	case <-c.done:
	default:
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump consumes (and discards) client frames to service pongs and
// detect closure.
func (c *wsClient) readPump() {
	defer c.close()
	c.conn.SetReadLimit(64 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Hub fans ui-channel frames out to attached clients and doubles as the
// runtime's UISink. The ui channel is advisory: a slow client skips
// frames rather than stalling the kernel.
type Hub struct {
	logger  logging.Logger
	metrics *observability.Metrics

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

// NewHub builds an empty hub.
func NewHub(logger logging.Logger, metrics *observability.Metrics) *Hub {
	return &Hub{
		logger:  logging.OrNop(logger),
		metrics: metrics,
		clients: make(map[*wsClient]struct{}),
	}
}

func (h *Hub) attach(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.metrics.WSConnected(context.Background())
}

func (h *Hub) detach(c *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		h.metrics.WSDisconnected(context.Background())
	}
}

func (h *Hub) broadcast(frame uiFrame) {
	raw, err := json.Marshal(frame)
	if err != nil {
		h.logger.Warn("ws: dropping unencodable %s frame: %v", frame.Type, err)
		return
	}
	h.mu.Lock()
	targets := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()
	for _, c := range targets {
		c.offer(raw)
	}
}

// AgentOutput implements runtime.UISink.
func (h *Hub) AgentOutput(taskID string, out *agent.Output) {
	h.broadcast(uiFrame{Type: "agent_output", TaskID: taskID, Payload: gin.H{
		"kind":    out.Kind,
		"content": out.Content,
	}})
}

// StreamDelta implements runtime.UISink.
func (h *Hub) StreamDelta(taskID string, chunk *llm.Chunk) {
	h.broadcast(uiFrame{Type: "stream_delta", TaskID: taskID, Payload: chunk})
}

// StreamEnd implements runtime.UISink.
func (h *Hub) StreamEnd(taskID string) {
	h.broadcast(uiFrame{Type: "stream_end", TaskID: taskID})
}

// ToolCallStart implements runtime.UISink.
func (h *Hub) ToolCallStart(taskID string, call conversation.ToolCall) {
	h.broadcast(uiFrame{Type: "tool_call_start", TaskID: taskID, Payload: gin.H{
		"toolCallId": call.ID,
		"toolName":   call.Name,
		"arguments":  call.Args,
	}})
}

// ToolCallEnd implements runtime.UISink.
func (h *Hub) ToolCallEnd(taskID, toolCallID, output string, isError bool) {
	h.broadcast(uiFrame{Type: "tool_call_end", TaskID: taskID, Payload: gin.H{
		"toolCallId": toolCallID,
		"output":     output,
		"isError":    isError,
	}})
}

// AuditEntry forwards one audit trace entry to ui clients.
func (h *Hub) AuditEntry(e audit.Entry) {
	h.broadcast(uiFrame{Type: "audit_entry", TaskID: e.TaskID, Payload: e})
}

// handleUIWS attaches a client to the ui channel.
func (s *Server) handleUIWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	client := newWSClient(conn)
	s.hub.attach(client)
	go client.writePump()
	go func() {
		client.readPump()
		s.hub.detach(client)
	}()
}

// handleEventsWS streams stored events: gap-fill from lastEventId, then
// live, deduplicated by id, optionally filtered to one stream.
func (s *Server) handleEventsWS(c *gin.Context) {
	lastID, _ := strconv.ParseInt(c.Query("lastEventId"), 10, 64)
	streamID := c.Query("streamId")

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	client := newWSClient(conn)
	s.metrics.WSConnected(context.Background())
	go client.writePump()
	go func() {
		client.readPump()
		s.metrics.WSDisconnected(context.Background())
	}()

	go func() {
		defer client.close()

		// Subscribe before the backlog read so nothing lands between
		// gap-fill and live; the id watermark drops the overlap.
		feed, cancel := s.store.Subscribe()
		defer cancel()

		backlog, err := s.store.ReadAll(lastID)
		if err != nil {
			s.logger.Warn("ws events: backlog read failed: %v", err)
			return
		}
		sent := lastID
		emit := func(ev *event.Envelope) bool {
			if ev.ID <= sent {
				return true
			}
			if streamID != "" && ev.StreamID != streamID {
				sent = ev.ID
				return true
			}
			raw, err := json.Marshal(ev)
			if err != nil {
				return true
			}
			if !client.enqueue(raw) {
				return false
			}
			sent = ev.ID
			return true
		}
		for _, ev := range backlog {
			if !emit(ev) {
				return
			}
		}
		for {
			select {
			case ev, ok := <-feed:
				if !ok {
					return
				}
				if !emit(ev) {
					return
				}
			case <-client.done:
				return
			}
		}
	}()
}
