package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"github.com/devricklin/autoreply/internal/biz/domain"
	"github.com/devricklin/autoreply/internal/service"
)

// Orchestrator is the set of operations exposed to operators
type Orchestrator interface {
	ReconcileAccount(ctx context.Context, accountID string) error
	ReconcileAll(ctx context.Context) error
	TeardownAccount(ctx context.Context, accountID string) error
	Status(accountID string) service.AccountStatus
	Accounts() []string
}

// SettingsWriter writes the user-owned settings fields
type SettingsWriter interface {
	Upsert(ctx context.Context, cfg *domain.ReplyConfig) error
}

// AdminServer serves the admin API and the MCP endpoint
type AdminServer struct {
	orch     Orchestrator
	settings SettingsWriter
	log      zerolog.Logger

	engine *gin.Engine
	server *http.Server
}

// NewAdminServer creates the admin server listening on addr
func NewAdminServer(addr string, orch Orchestrator, settings SettingsWriter, log zerolog.Logger) *AdminServer {
	s := &AdminServer{
		orch:     orch,
		settings: settings,
		log:      log.With().Str("component", "admin").Logger(),
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog())

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	api := r.Group("/api")
	api.GET("/accounts", s.handleListAccounts)
	api.GET("/accounts/:id", s.handleGetAccount)
	api.PUT("/accounts/:id/settings", s.handlePutSettings)
	api.POST("/accounts/:id/reconcile", s.handleReconcileAccount)
	api.DELETE("/accounts/:id", s.handleTeardownAccount)
	api.POST("/reconcile", s.handleReconcileAll)

	mcpServer := NewMCPServer(orch)
	mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return mcpServer }, nil)
	r.Any("/mcp", gin.WrapH(mcpHandler))

	s.engine = r
	s.server = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler
func (s *AdminServer) Handler() http.Handler {
	return s.engine
}

// Start serves until Stop is called
func (s *AdminServer) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("admin server listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully
func (s *AdminServer) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *AdminServer) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}

func (s *AdminServer) handleListAccounts(c *gin.Context) {
	ids := s.orch.Accounts()
	statuses := make([]service.AccountStatus, 0, len(ids))
	for _, id := range ids {
		statuses = append(statuses, s.orch.Status(id))
	}
	c.JSON(http.StatusOK, gin.H{"accounts": statuses})
}

func (s *AdminServer) handleGetAccount(c *gin.Context) {
	c.JSON(http.StatusOK, s.orch.Status(c.Param("id")))
}

func (s *AdminServer) handleReconcileAccount(c *gin.Context) {
	id := c.Param("id")
	if err := s.orch.ReconcileAccount(c.Request.Context(), id); err != nil {
		s.writeError(c, err, s.orch.Status(id))
		return
	}
	c.JSON(http.StatusOK, s.orch.Status(id))
}

func (s *AdminServer) handleTeardownAccount(c *gin.Context) {
	if err := s.orch.TeardownAccount(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err, nil)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *AdminServer) handleReconcileAll(c *gin.Context) {
	if err := s.orch.ReconcileAll(c.Request.Context()); err != nil {
		s.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": len(s.orch.Accounts())})
}

// settingsRequest carries the user-owned settings fields
type settingsRequest struct {
	DMEnabled            bool   `json:"dm_enabled"`
	DMMessage            string `json:"dm_message"`
	GroupsEnabled        bool   `json:"groups_enabled"`
	GroupsMessage        string `json:"groups_message"`
	CheckIntervalSeconds int    `json:"check_interval_seconds"`
}

func (s *AdminServer) handlePutSettings(c *gin.Context) {
	var req settingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.CheckIntervalSeconds < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "check_interval_seconds must not be negative"})
		return
	}

	id := c.Param("id")
	cfg := &domain.ReplyConfig{
		AccountID:            id,
		DMEnabled:            req.DMEnabled,
		DMMessage:            req.DMMessage,
		GroupsEnabled:        req.GroupsEnabled,
		GroupsMessage:        req.GroupsMessage,
		CheckIntervalSeconds: req.CheckIntervalSeconds,
	}
	if err := s.settings.Upsert(c.Request.Context(), cfg); err != nil {
		s.writeError(c, err, nil)
		return
	}

	if err := s.orch.ReconcileAccount(c.Request.Context(), id); err != nil {
		s.writeError(c, err, s.orch.Status(id))
		return
	}
	c.JSON(http.StatusOK, s.orch.Status(id))
}

func (s *AdminServer) writeError(c *gin.Context, err error, status any) {
	code := http.StatusInternalServerError
	switch domain.Classify(err) {
	case domain.KindSessionInvalid:
		code = http.StatusConflict
	case domain.KindTransient:
		code = http.StatusServiceUnavailable
	}
	s.log.Warn().Err(err).Str("path", c.FullPath()).Msg("request failed")

	body := gin.H{"error": err.Error()}
	if status != nil {
		body["status"] = status
	}
	c.JSON(code, body)
}
