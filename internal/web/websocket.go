package web

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hpungsan/margin/internal/controller"
	"github.com/hpungsan/margin/internal/events"
	"github.com/hpungsan/margin/internal/ops"
	"github.com/hpungsan/margin/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	eventBuffer    = 64
	maxWSMessage   = maxBodyBytes
	replyQueueSize = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// wsReply answers one inbound websocket message.
type wsReply struct {
	Kind  string            `json:"type"` // ack or error
	Ack   *ops.SubmitOutput `json:"ack,omitempty"`
	Error map[string]any    `json:"error,omitempty"`
}

// HandleWebSocket handles GET /sessions/{id}/ws. Inbound frames are session
// messages; outbound frames are acks, errors and the session's events.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	// Resolve before upgrading so unknown or closed sessions get a plain
	// HTTP error.
	if _, err := h.sv.Get(r.Context(), id); err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "session_id", id, "error", err)
		return
	}
	defer ws.Close()

	sub := h.hub.Subscribe(id, eventBuffer)
	defer func() {
		sub.Close()
		if n := sub.Dropped(); n > 0 {
			h.logger.Warn("websocket subscriber dropped events", "session_id", id, "dropped", n)
		}
	}()

	logger := h.logger.With("session_id", id)
	logger.Info("websocket client connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	replies := make(chan wsReply, replyQueueSize)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(ctx, ws, sub.C, replies)
		if ctx.Err() == nil {
			// Write failed or the hub closed: unblock the reader.
			cancel()
			ws.Close()
		}
	}()

	ws.SetReadLimit(maxWSMessage)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg session.Message
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Info("websocket client disconnected", "error", err)
			}
			break
		}

		reply := h.handleMessage(ctx, id, msg)
		select {
		case replies <- reply:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
		if msg.Kind == controller.KindClose && reply.Kind == "ack" {
			break
		}
	}

	cancel()
	<-writerDone
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
}

func (h *Handlers) handleMessage(ctx context.Context, id string, msg session.Message) wsReply {
	out, err := ops.Submit(ctx, h.sv, ops.SubmitInput{SessionID: id, Message: msg})
	if err != nil {
		return wsReply{Kind: "error", Error: errorBody(err)}
	}
	return wsReply{Kind: "ack", Ack: out}
}

// writeLoop is the connection's only writer. It drains queued replies
// before returning so the final ack reaches the client.
func (h *Handlers) writeLoop(ctx context.Context, ws *websocket.Conn, evs <-chan events.Event, replies <-chan wsReply) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	write := func(v any) bool {
		_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := ws.WriteJSON(v); err != nil {
			h.logger.Warn("failed to write websocket message", "error", err)
			return false
		}
		return true
	}

	for {
		select {
		case reply := <-replies:
			if !write(reply) {
				return
			}
		case ev, ok := <-evs:
			if !ok {
				return
			}
			if !write(ev) {
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-ctx.Done():
			for {
				select {
				case reply := <-replies:
					if !write(reply) {
						return
					}
				default:
					return
				}
			}
		}
	}
}
