package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/instruktai/teleclaude/internal/cache"
	"github.com/instruktai/teleclaude/internal/command"
	"github.com/instruktai/teleclaude/internal/common/config"
	apperrors "github.com/instruktai/teleclaude/internal/common/errors"
	"github.com/instruktai/teleclaude/internal/common/logger"
	"github.com/instruktai/teleclaude/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The gateway binds to loopback; the TUI is the only expected origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the REST/WebSocket gateway.
type Server struct {
	cfg     config.APIConfig
	ingress *command.Ingress
	cache   *cache.Cache
	store   *store.Store
	hub     *Hub
	log     *logger.Logger

	httpServer *http.Server
}

// NewServer creates the gateway server.
func NewServer(cfg config.APIConfig, ingress *command.Ingress, snapshots *cache.Cache, st *store.Store, hub *Hub, log *logger.Logger) *Server {
	return &Server{
		cfg:     cfg,
		ingress: ingress,
		cache:   snapshots,
		store:   st,
		hub:     hub,
		log:     log.WithFields(zap.String("component", "gateway")),
	}
}

// Hub returns the WebSocket hub for cache-notification wiring.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Router builds the gin engine.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	v1 := router.Group("/api/v1")
	v1.GET("/sessions", s.listSessions)
	v1.GET("/sessions/:id", s.getSession)
	v1.POST("/commands", s.submitCommand)
	v1.GET("/snapshots/:kind", s.listSnapshots)
	v1.GET("/agents", s.listAgents)

	router.GET("/ws", s.serveWS)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return router
}

// Run serves HTTP until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.ReadTimeoutDuration(),
		WriteTimeout: s.cfg.WriteTimeoutDuration(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("gateway listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) listSessions(c *gin.Context) {
	snaps, err := s.cache.List(c.Request.Context(), cache.EntitySession)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]json.RawMessage, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, json.RawMessage(snap.Data))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

func (s *Server) getSession(c *gin.Context) {
	id := c.Param("id")
	snap, err := s.cache.Get(c.Request.Context(), cache.EntitySession, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if snap == nil {
		// Cache miss: fall back to the primary store, which also covers
		// short-id lookups.
		sess, err := s.store.GetSessionByShortID(c.Request.Context(), id)
		if err != nil {
			c.JSON(apperrors.HTTPStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, sess)
		return
	}
	c.Data(http.StatusOK, "application/json", []byte(snap.Data))
}

// submitRequest is the POST /commands body.
type submitRequest struct {
	Kind     string          `json:"kind"`
	DedupKey string          `json:"dedup_key,omitempty"`
	Args     json.RawMessage `json:"args"`
}

func (s *Server) submitCommand(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
		return
	}

	args, err := command.DecodeArgs(req.Kind, string(defaultJSON(req.Args)))
	if err != nil {
		c.JSON(apperrors.HTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	id, err := s.ingress.Submit(c.Request.Context(), &command.Command{
		Kind:     req.Kind,
		Source:   command.SourceAPI,
		DedupKey: req.DedupKey,
		Args:     args,
	})
	if err != nil {
		c.JSON(apperrors.HTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"entry_id": id})
}

func (s *Server) listSnapshots(c *gin.Context) {
	kind := c.Param("kind")
	snaps, err := s.cache.List(c.Request.Context(), kind)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]json.RawMessage, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, json.RawMessage(snap.Data))
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": out})
}

func (s *Server) listAgents(c *gin.Context) {
	rows, err := s.store.ListAgentAvailability(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": rows})
}

func (s *Server) serveWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client := NewClient(uuid.New().String(), conn, s.hub, s.log)
	s.hub.Register(client)
	go client.WritePump(c.Request.Context())
	go client.ReadPump(c.Request.Context())
}

func defaultJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}
