package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tributary-ai/shipping-assistant/internal/types"
)

const (
	wsWriteWait = 10 * time.Second
	wsPongWait  = 60 * time.Second
	wsPingEvery = (wsPongWait * 9) / 10
	wsMaxFrame  = 64 * 1024
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are enforced by the CORS and auth middleware
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

type wsInbound struct {
	Message string `json:"message"`
}

type wsOutbound struct {
	Type   string        `json:"type"`
	Result *types.Result `json:"result,omitempty"`
	Code   string        `json:"code,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// handleChatWS serves one conversation over a websocket. Every text frame is
// a message; every reply is a result or an error frame. The session id is
// taken from the query string or created on the first turn.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Debug("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	logger := s.logger.WithField("remote_addr", r.RemoteAddr)

	conn.SetReadLimit(wsMaxFrame)
	if err := conn.SetReadDeadline(time.Now().Add(wsPongWait)); err != nil {
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	writeCh := make(chan wsOutbound, 8)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ticker := time.NewTicker(wsPingEvery)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case out := <-writeCh:
				if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
					return
				}
				if err := conn.WriteJSON(out); err != nil {
					cancel()
					return
				}
			case <-ticker.C:
				if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
					return
				}
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	logger.WithField("session_id", sessionID).Debug("Websocket chat opened")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.WithError(err).Warn("Websocket chat closed unexpectedly")
			}
			break
		}

		var in wsInbound
		if err := json.Unmarshal(data, &in); err != nil {
			if !push(ctx, writeCh, wsOutbound{Type: "error", Code: "invalid_request", Error: "Frames must be JSON objects with a message field"}) {
				break
			}
			continue
		}

		result, apiErr := s.process(ctx, chatRequest{SessionID: sessionID, Message: in.Message})
		out := wsOutbound{Type: "result", Result: &result}
		if apiErr != nil {
			out = wsOutbound{Type: "error", Code: apiErr.errType, Error: apiErr.message}
		} else {
			sessionID = result.SessionID
		}
		if !push(ctx, writeCh, out) {
			break
		}
	}

	cancel()
	<-writerDone
	logger.WithField("session_id", sessionID).Debug("Websocket chat closed")
}

func push(ctx context.Context, ch chan<- wsOutbound, out wsOutbound) bool {
	select {
	case <-ctx.Done():
		return false
	case ch <- out:
		return true
	}
}
