package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"parley/server/internal/auth"
	"parley/server/internal/core"
	"parley/server/internal/protocol"
	"parley/server/internal/store"
	"parley/server/internal/ws"
)

// Server is the Echo application: websocket transport plus the admin-gated
// control plane.
type Server struct {
	echo     *echo.Echo
	registry *core.Registry
	store    *store.Store
	gate     *auth.Gate
}

// New constructs an Echo app with websocket + control-plane routes.
func New(registry *core.Registry, st *store.Store, gate *auth.Gate) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, registry: registry, store: st, gate: gate}
	s.registerRoutes()
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)

	admin := s.echo.Group("/api", s.gate.RequireAdmin)
	admin.GET("/paths", s.handlePaths)
	admin.GET("/rooms/clients", s.handleRoomClients)
	admin.GET("/rooms/messages", s.handleRoomMessages)
	admin.POST("/rooms", s.handleCreateRoom)
	admin.POST("/categories", s.handleCreateCategory)
	admin.POST("/rooms/clear", s.handleClearMessages)
	admin.POST("/rooms/delete-message", s.handleDeleteMessage)
	admin.POST("/rooms/anonymous", s.handleSetAnonymous)
	admin.POST("/rooms/character-limit", s.handleSetCharacterLimit)
	admin.POST("/rooms/kick", s.handleKick)
	admin.POST("/rooms/ban", s.handleBanInRoom)
	admin.POST("/ban", s.handleBanGlobally)
	admin.POST("/save", s.handleSave)

	ws.NewHandler(s.registry).Register(s.echo)
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type statusResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func ok(c echo.Context, message string) error {
	return c.JSON(http.StatusOK, statusResponse{Success: true, Message: message})
}

func fail(c echo.Context, status int, message string) error {
	return c.JSON(status, statusResponse{Success: false, Message: message})
}

// failFor maps registry errors to control-plane statuses.
func failFor(c echo.Context, err error) error {
	switch {
	case errors.Is(err, core.ErrRoomNotFound):
		return fail(c, http.StatusNotFound, "Room not found")
	case errors.Is(err, core.ErrClientNotFound):
		return fail(c, http.StatusNotFound, "Client not found")
	case errors.Is(err, core.ErrIndexOutOfRange),
		errors.Is(err, core.ErrInvalidPath),
		errors.Is(err, core.ErrInvalidLimit):
		return fail(c, http.StatusBadRequest, err.Error())
	default:
		return fail(c, http.StatusInternalServerError, err.Error())
	}
}

type healthResponse struct {
	Status  string `json:"status"`
	Clients int    `json:"clients"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:  "ok",
		Clients: s.registry.ClientCount(),
	})
}

func (s *Server) handlePaths(c echo.Context) error {
	snap := s.registry.PathsSnapshot()
	if snap == nil {
		snap = map[string]*core.NodeSnapshot{}
	}
	return c.JSON(http.StatusOK, snap)
}

func (s *Server) handleRoomClients(c echo.Context) error {
	clients, err := s.registry.RoomClients(c.QueryParam("path"))
	if err != nil {
		return failFor(c, err)
	}
	if clients == nil {
		clients = []core.ClientInfo{}
	}
	return c.JSON(http.StatusOK, clients)
}

func (s *Server) handleRoomMessages(c echo.Context) error {
	msgs, err := s.registry.RoomMessages(c.QueryParam("path"))
	if err != nil {
		return failFor(c, err)
	}
	if msgs == nil {
		msgs = []protocol.ChatMessage{}
	}
	return c.JSON(http.StatusOK, msgs)
}

type pathRequest struct {
	Path string `json:"path"`
}

func (s *Server) handleCreateRoom(c echo.Context) error {
	var req pathRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "invalid request body")
	}
	created, err := s.registry.CreateRoom(req.Path)
	if err != nil {
		return failFor(c, err)
	}
	if !created {
		return ok(c, fmt.Sprintf("Room %s already exists.", req.Path))
	}
	return ok(c, fmt.Sprintf("Room %s added.", req.Path))
}

func (s *Server) handleCreateCategory(c echo.Context) error {
	var req pathRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "invalid request body")
	}
	if err := s.registry.CreateCategory(req.Path); err != nil {
		return failFor(c, err)
	}
	return ok(c, fmt.Sprintf("Category %s added.", req.Path))
}

func (s *Server) handleClearMessages(c echo.Context) error {
	var req pathRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "invalid request body")
	}
	if err := s.registry.ClearMessages(req.Path); err != nil {
		return failFor(c, err)
	}
	return ok(c, fmt.Sprintf("Messages cleared for room %s", req.Path))
}

type deleteMessageRequest struct {
	Path  string `json:"path"`
	Index *int   `json:"index"`
}

func (s *Server) handleDeleteMessage(c echo.Context) error {
	var req deleteMessageRequest
	if err := c.Bind(&req); err != nil || req.Index == nil {
		return fail(c, http.StatusBadRequest, "path and index are required")
	}
	if err := s.registry.DeleteMessageAt(req.Path, *req.Index); err != nil {
		return failFor(c, err)
	}
	return ok(c, "Message deleted")
}

type anonymousRequest struct {
	Path  string `json:"path"`
	Value bool   `json:"value"`
}

func (s *Server) handleSetAnonymous(c echo.Context) error {
	var req anonymousRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "invalid request body")
	}
	if err := s.registry.SetAnonymous(req.Path, req.Value); err != nil {
		return failFor(c, err)
	}
	return ok(c, fmt.Sprintf("Anonymous mode is %v", req.Value))
}

type limitRequest struct {
	Path  string `json:"path"`
	Value int    `json:"value"`
}

func (s *Server) handleSetCharacterLimit(c echo.Context) error {
	var req limitRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "invalid request body")
	}
	if err := s.registry.SetCharacterLimit(req.Path, req.Value); err != nil {
		return failFor(c, err)
	}
	return ok(c, fmt.Sprintf("Character limit is %d", req.Value))
}

type kickRequest struct {
	Path     string `json:"path"`
	ClientID string `json:"clientId"`
}

func (s *Server) handleKick(c echo.Context) error {
	var req kickRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "invalid request body")
	}
	if err := s.registry.Kick(req.Path, req.ClientID); err != nil {
		return failFor(c, err)
	}
	return ok(c, fmt.Sprintf("Client %s kicked.", req.ClientID))
}

type banRequest struct {
	Path string `json:"path"`
	IP   string `json:"ip"`
}

func (s *Server) handleBanInRoom(c echo.Context) error {
	var req banRequest
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.IP) == "" {
		return fail(c, http.StatusBadRequest, "path and ip are required")
	}
	if err := s.registry.BanInRoom(req.Path, req.IP); err != nil {
		return failFor(c, err)
	}
	return ok(c, fmt.Sprintf("IP %s has been banned from room %s", req.IP, req.Path))
}

func (s *Server) handleBanGlobally(c echo.Context) error {
	var req banRequest
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.IP) == "" {
		return fail(c, http.StatusBadRequest, "ip is required")
	}
	s.registry.BanGlobally(req.IP)
	return ok(c, fmt.Sprintf("IP %s has been banned globally", req.IP))
}

func (s *Server) handleSave(c echo.Context) error {
	if s.store == nil {
		return fail(c, http.StatusInternalServerError, "persistence is not configured")
	}
	if err := s.store.SaveSnapshot(c.Request().Context(), s.registry.Snapshot()); err != nil {
		// In-memory state is untouched; report and move on.
		slog.Error("save snapshot", "err", err)
		return fail(c, http.StatusInternalServerError, "Failed to save chat.")
	}
	return ok(c, "Chat saved!")
}
