// Package session implements the WebSocket session transport: connection
// classification (register/reattach/attach-owner), the inbound
// command-frame dispatch loop, and close-cause propagation.
package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"bken/server/internal/protocol"
	"bken/server/internal/registry"
	"bken/server/internal/room"
)

const writeTimeout = 5 * time.Second

// apiVersion is the only protocol version this relay speaks; a connect path
// naming any other version is closed with BreakingApiChange.
const apiVersion = "v0"

// Handler owns the websocket upgrade and the set of active rooms it serves.
type Handler struct {
	registry *registry.Registry
	upgrader websocket.Upgrader
}

// New builds a session handler bound to reg.
func New(reg *registry.Registry) *Handler {
	return &Handler{
		registry: reg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds the versioned websocket route on an Echo router. The
// version segment is a path param, not a fixed literal, so a mismatched
// version can be closed with BreakingApiChange instead of a bare 404.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/:version/ws", h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and serves it until disconnect.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	version := c.Param("version")
	code := c.QueryParam("code")
	name := c.QueryParam("name")
	secret := c.QueryParam("su")
	remoteAddr := c.RealIP()

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Error("ws upgrade failed", "remote", remoteAddr, "err", err)
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	if version != apiVersion {
		closeCause(conn, room.BreakingApiChange)
		conn.Close()
		return nil
	}
	h.serveConn(conn, remoteAddr, code, name, secret)
	return nil
}

// connTransport adapts a *websocket.Conn to room.Transport, serializing
// writes since the relay may push to the same session from the room's
// broadcast path and from this session's own read loop (replay responses)
// concurrently. closedByRelay records that the relay itself closed the
// connection (takeover, room shutdown), so the read loop can tell a
// relay-issued close apart from the client genuinely going away.
type connTransport struct {
	mu            sync.Mutex
	conn          *websocket.Conn
	closedByRelay bool
}

func (t *connTransport) WriteJSON(v any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return t.conn.WriteJSON(v)
}

func (t *connTransport) Close(code int, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closedByRelay = true
	deadline := time.Now().Add(writeTimeout)
	_ = t.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	return t.conn.Close()
}

func (t *connTransport) relayClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closedByRelay
}

func (h *Handler) serveConn(conn *websocket.Conn, remoteAddr, code, name, secret string) {
	defer conn.Close()
	conn.SetReadLimit(1 << 20)

	r, ok := h.registry.Lookup(code)
	if !ok {
		closeCause(conn, room.ServerCodeDoesntExist)
		return
	}

	transport := &connTransport{conn: conn}
	var participant *room.Participant
	var isOwner bool
	var attachErr error

	switch {
	case name != "" && secret == "":
		participant, attachErr = r.Register(name, remoteAddr, time.Now().UnixNano(), transport)
	case name != "" && secret != "":
		participant, attachErr = r.Reattach(name, secret, transport)
	case name == "" && secret != "":
		participant, attachErr = r.AttachOwner(secret, transport)
		isOwner = true
	default:
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseProtocolError, "name or su is required"),
			time.Now().Add(writeTimeout))
		return
	}

	if attachErr != nil {
		if cause, ok := attachErr.(room.CloseCause); ok {
			closeCause(conn, cause)
		} else {
			slog.Error("ws attach error", "remote", remoteAddr, "code", code, "err", attachErr)
		}
		return
	}

	slog.Info("ws attached", "remote", remoteAddr, "code", code, "name", participant.Name, "owner", isOwner)

	var closeErr error
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			closeErr = err
			break
		}
		cmd, payload, ok := protocol.SplitCommand(string(data))
		if !ok {
			continue // keepalive frame
		}
		h.handleCommand(r, participant, isOwner, transport, cmd, payload)
	}

	// A relay-issued close (takeover, room shutdown) surfaces here as a
	// plain read error on the already-closed conn, not as a close frame
	// from the client; it must not masquerade as an abnormal drop.
	if transport.relayClosed() {
		return
	}
	wireCode := websocket.CloseNoStatusReceived
	if ce, ok := closeErr.(*websocket.CloseError); ok {
		wireCode = ce.Code
	}
	if room.AbnormalClose(wireCode) {
		r.EmitUserLeft(participant.Name)
	}
}

func (h *Handler) handleCommand(r *room.Room, sender *room.Participant, isOwner bool, transport *connTransport, cmd, payload string) {
	switch cmd {
	case "lock":
		if isOwner {
			r.SetLock(true)
		}
	case "unlock":
		if isOwner {
			r.SetLock(false)
		}
	case "chat":
		var body protocol.ChatPayload
		if err := json.Unmarshal([]byte(payload), &body); err != nil {
			return // malformed frame is dropped, not fatal
		}
		sendChat(r, sender, body)
	case "chats":
		var bodies []protocol.ChatPayload
		if err := json.Unmarshal([]byte(payload), &bodies); err != nil {
			return
		}
		for _, body := range bodies {
			sendChat(r, sender, body)
		}
	case "repeat":
		var expectedNext int
		if err := json.Unmarshal([]byte(payload), &expectedNext); err != nil || expectedNext < 0 {
			return // only a bare nonnegative integer is a valid repeat payload
		}
		tail := r.GenerateReplay(sender, expectedNext)
		_ = transport.WriteJSON(protocol.NewRepeated(expectedNext, tail))
	default:
		// unknown command word: dropped silently
	}
}

func sendChat(r *room.Room, sender *room.Participant, body protocol.ChatPayload) {
	target, err := room.ParseWireTarget(body.To)
	if err != nil {
		return
	}
	r.Send(sender, target, body.Content, false)
}

func closeCause(conn *websocket.Conn, cause room.CloseCause) {
	deadline := time.Now().Add(writeTimeout)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(cause.Code, cause.Name), deadline)
}
