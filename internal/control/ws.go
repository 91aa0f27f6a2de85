package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/swedishembedded/sven/pkg/models"
)

// ws.go is the Control Service's wire transport: one websocket per
// operator connection, carrying request/response frames for the
// service's command surface and a background fan-out of ControlEvents
// (spec.md §4.2 "operator control WebSocket"). The frame envelope and
// read/write-pump split are grounded on
// gateway/ws_control_plane.go's wsFrame/wsSession, trimmed to the five
// methods spec.md actually names and without that file's gRPC/auth
// plumbing this module doesn't carry.
const (
	wsMaxPayloadBytes = 1 << 20
	wsWriteWait       = 10 * time.Second
	wsPongWait        = 45 * time.Second
	wsPingInterval    = 30 * time.Second
	wsSendBufferCap   = 64
)

type wsFrame struct {
	Type   string          `json:"type"` // "request", "response", "event"
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Event  *ControlEvent   `json:"event,omitempty"`
	OK     bool            `json:"ok,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// NewWSHandler returns an http.Handler that upgrades each connection
// to a websocket control session backed by svc.
func NewWSHandler(svc *Service, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  8192,
		WriteBufferSize: 8192,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("ws upgrade failed", "error", err)
			return
		}
		ctx, cancel := context.WithCancel(r.Context())
		s := &wsSession{
			svc:    svc,
			conn:   conn,
			send:   make(chan []byte, wsSendBufferCap),
			ctx:    ctx,
			cancel: cancel,
			id:     uuid.NewString(),
			logger: logger.With("ws_session", uuid.NewString()),
		}
		s.run()
	})
}

type wsSession struct {
	svc    *Service
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	id     string
	logger *slog.Logger
	closed atomic.Bool
}

func (s *wsSession) run() {
	defer s.close()
	go s.eventLoop()
	go s.writeLoop()
	s.readLoop()
}

func (s *wsSession) close() {
	if s.closed.CompareAndSwap(false, true) {
		s.cancel()
		close(s.send)
	}
	_ = s.conn.Close()
}

func (s *wsSession) readLoop() {
	s.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.reply(wsFrame{Type: "response", Error: fmt.Sprintf("invalid frame: %v", err)})
			continue
		}
		s.handleRequest(&frame)
	}
}

func (s *wsSession) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case msg, ok := <-s.send:
			if !ok {
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// eventLoop relays the bus's broadcast events to this connection until
// the session closes, matching spec.md §4.2's "event fan-out".
func (s *wsSession) eventLoop() {
	sub, unsubscribe := s.svc.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			s.reply(wsFrame{Type: "event", Event: &ev})
		}
	}
}

func (s *wsSession) reply(f wsFrame) {
	raw, err := json.Marshal(f)
	if err != nil {
		return
	}
	select {
	case s.send <- raw:
	default:
		s.logger.Warn("ws send buffer full, dropping frame")
	}
}

type wsNewSessionParams struct {
	ID         string  `json:"id"`
	Mode       string  `json:"mode"`
	WorkingDir *string `json:"working_dir,omitempty"`
}

type wsSendInputParams struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

type wsSessionIDParams struct {
	SessionID string `json:"session_id"`
}

type wsToolDecisionParams struct {
	SessionID string `json:"session_id"`
	CallID    string `json:"call_id"`
	Reason    string `json:"reason,omitempty"`
}

func (s *wsSession) handleRequest(frame *wsFrame) {
	var err error
	switch frame.Method {
	case "new_session":
		var p wsNewSessionParams
		if err = json.Unmarshal(frame.Params, &p); err == nil {
			err = s.svc.NewSession(s.ctx, p.ID, p.Mode, p.WorkingDir)
		}
	case "send_input":
		var p wsSendInputParams
		if err = json.Unmarshal(frame.Params, &p); err == nil {
			err = s.svc.SendInput(s.ctx, p.SessionID, models.TextContent{Text: p.Text})
		}
	case "cancel_session":
		var p wsSessionIDParams
		if err = json.Unmarshal(frame.Params, &p); err == nil {
			err = s.svc.CancelSession(s.ctx, p.SessionID)
		}
	case "approve_tool":
		var p wsToolDecisionParams
		if err = json.Unmarshal(frame.Params, &p); err == nil {
			err = s.svc.ApproveTool(s.ctx, p.SessionID, p.CallID)
		}
	case "deny_tool":
		var p wsToolDecisionParams
		if err = json.Unmarshal(frame.Params, &p); err == nil {
			err = s.svc.DenyTool(s.ctx, p.SessionID, p.CallID, p.Reason)
		}
	default:
		err = fmt.Errorf("unknown method %q", frame.Method)
	}

	resp := wsFrame{Type: "response", ID: frame.ID, OK: err == nil}
	if err != nil {
		resp.Error = err.Error()
	}
	s.reply(resp)
}
