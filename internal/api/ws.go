package api

import (
	"encoding/json"
	"net/http"
	"time"

	"attendance-cache/internal/worker"

	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type wsReply struct {
	Type  string `json:"type"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// WorkerSocket upgrades to a websocket over which a page posts control
// messages. Each text frame is one JSON message; each gets one reply.
func (h *Handler) WorkerSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	h.logger.Debug("worker control socket opened", "remote", r.RemoteAddr)

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn("worker control socket closed", "err", err)
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}

		reply := h.handleSocketMessage(r, data)

		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(reply); err != nil {
			h.logger.Warn("worker control reply failed", "err", err)
			return
		}
	}
}

func (h *Handler) handleSocketMessage(r *http.Request, data []byte) wsReply {
	var msg worker.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return wsReply{OK: false, Error: "invalid json"}
	}

	if err := h.registration.PostMessage(r.Context(), msg); err != nil {
		return wsReply{Type: msg.Type, OK: false, Error: err.Error()}
	}
	return wsReply{Type: msg.Type, OK: true}
}
