package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"parley/server/internal/core"
	"parley/server/internal/protocol"
)

const writeTimeout = 5 * time.Second

// Handler owns websocket transport for the relay.
type Handler struct {
	registry *core.Registry
	upgrader websocket.Upgrader
}

// NewHandler creates a websocket handler bound to the registry.
func NewHandler(registry *core.Registry) *Handler {
	return &Handler{
		registry: registry,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds websocket routes on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and serves it until disconnect.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.serveConn(conn, c.RealIP())
	return nil
}

func (h *Handler) serveConn(conn *websocket.Conn, ip string) {
	defer conn.Close()
	conn.SetReadLimit(1 << 20)

	session, err := h.registry.Register(ip)
	if err != nil {
		// Globally banned: close immediately, no payload.
		return
	}
	defer h.registry.Deregister(session.ID())

	// Writer goroutine drains the outbox; when the session closes (transport
	// teardown, kick, or ban) the range ends and the connection is torn down,
	// which also unblocks the read loop below.
	go func() {
		for out := range session.Outbox() {
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(out); err != nil {
				break
			}
		}
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var in protocol.Inbound
		if err := json.Unmarshal(data, &in); err != nil {
			// Malformed payloads are dropped; the connection stays open.
			slog.Warn("dropping malformed event", "client_id", session.ID(), "err", err)
			continue
		}
		if !h.handleInbound(session, in) {
			return
		}
	}
}

// handleInbound applies one event. A false return closes the connection.
func (h *Handler) handleInbound(session *core.Session, in protocol.Inbound) bool {
	switch in.Type {
	case protocol.EventPing:
		h.registry.Ping(session.ID())
		return true

	case protocol.EventJoin:
		st, err := h.registry.Join(session.ID(), in.Path, in.Username)
		if err != nil {
			slog.Info("join refused", "client_id", session.ID(), "path", in.Path, "err", err)
			return false
		}
		session.Deliver(protocol.History(st.History))
		session.Deliver(protocol.Outbound{Type: protocol.OutAnonymous, Data: protocol.FlagData{Value: st.Anonymous}})
		session.Deliver(protocol.Outbound{Type: protocol.OutCharacterLimit, Data: protocol.LimitData{Value: st.CharacterLimit}})
		return true

	case protocol.EventMessage:
		err := h.registry.AppendText(session.ID(), in.Path, in.Text)
		return h.settle(session, err)

	case protocol.EventFile:
		err := h.registry.AppendFile(session.ID(), in.Path, in.Filename, in.FileType, in.Result)
		return h.settle(session, err)

	case protocol.EventDelete:
		if in.Index == nil {
			session.Deliver(protocol.Error("delete requires an index"))
			return true
		}
		err := h.registry.DeleteOwn(session.ID(), in.Path, *in.Index)
		return h.settle(session, err)

	default:
		session.Deliver(protocol.Error("unsupported event type"))
		return true
	}
}

// settle converts an event outcome into transport behavior: bans and missing
// rooms close the connection with no payload, per-event failures are reported
// back to the sender, success changes nothing.
func (h *Handler) settle(session *core.Session, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, core.ErrBanned),
		errors.Is(err, core.ErrRoomNotFound),
		errors.Is(err, core.ErrNotJoined),
		errors.Is(err, core.ErrInvalidPath),
		errors.Is(err, core.ErrClientNotFound):
		slog.Info("closing connection on event", "client_id", session.ID(), "err", err)
		return false
	default:
		session.Deliver(protocol.Error(err.Error()))
		return true
	}
}
