// Routes are split into two groups:
//   - Control-plane (port 6688): JWT-protected; status API + viewer websockets.
//   - Data-plane   (port 1717): Bearer-token-protected; agent websockets.
//
// Read-only status endpoints never mutate pipeline state; the explicit
// admin triggers (force-flush, force-cleanup) are the only exceptions.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vesaa/openflock/internal/buffer"
	"github.com/vesaa/openflock/internal/hub"
	"github.com/vesaa/openflock/internal/queue"
	"github.com/vesaa/openflock/internal/retention"
	"github.com/vesaa/openflock/internal/storage"
)

// Server binds the HTTP surface to the pipeline components. No package
// globals: everything is constructed and passed in at startup.
type Server struct {
	auth  *Auth
	store storage.Store
	buf   *buffer.Buffer
	queue *queue.Queue
	ret   *retention.Engine
	hub   *hub.Handler
	reg   prometheus.Gatherer
}

// New wires a Server over already-constructed pipeline components.
func New(auth *Auth, store storage.Store, buf *buffer.Buffer, q *queue.Queue, ret *retention.Engine, h *hub.Handler, reg prometheus.Gatherer) *Server {
	return &Server{auth: auth, store: store, buf: buf, queue: q, ret: ret, hub: h, reg: reg}
}

// RegisterControlRoutes wires up the control-plane API on the given engine.
func (s *Server) RegisterControlRoutes(r *gin.Engine) {
	api := r.Group("/api")

	// ── Public endpoints ──────────────────────────────────────────────────────
	api.POST("/login", s.handleLogin)
	api.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
	})

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{})))

	// ── JWT-protected endpoints ───────────────────────────────────────────────
	auth := api.Group("/", s.auth.JWTMiddleware())
	{
		auth.GET("/agents", s.handleAgents)
		auth.GET("/status/connections", s.handleConnectionStats)
		auth.GET("/status/buffer", s.handleBufferStats)
		auth.GET("/status/queue", s.handleQueueHealth)
		auth.GET("/status/retention", s.handleRetentionStatus)

		auth.POST("/admin/flush", s.handleForceFlush)
		auth.POST("/admin/cleanup", s.handleForceCleanup)

		// Live updates for one agent.
		auth.GET("/ws/agents/:id", s.hub.ViewerWS)
	}
}

// RegisterDataRoutes wires up the data-plane API on the given engine.
// All routes except the probe require a valid Bearer agent token.
func (s *Server) RegisterDataRoutes(r *gin.Engine) {
	r.GET("/ws/agent", s.auth.AgentTokenMiddleware(), s.hub.AgentWS)

	// Data-plane health (no auth — used by load-balancers / k8s probes)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

// ── Handlers ──────────────────────────────────────────────────────────────────

// handleLogin accepts username + password and returns a signed JWT.
func (s *Server) handleLogin(c *gin.Context) {
	var body struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password required"})
		return
	}

	if !s.auth.CheckCredentials(body.Username, body.Password) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, err := s.auth.GenerateJWT(body.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_in": 86400, // seconds
		"type":       "Bearer",
	})
}

// handleAgents lists the fleet registry.
func (s *Server) handleAgents(c *gin.Context) {
	agents, err := s.store.Agents(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": agents})
}

func (s *Server) handleConnectionStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": s.hub.Registry().Stats()})
}

func (s *Server) handleBufferStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": s.buf.Stats()})
}

func (s *Server) handleQueueHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	c.JSON(http.StatusOK, gin.H{"data": s.queue.GetHealth(ctx)})
}

func (s *Server) handleRetentionStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": s.ret.GetRetentionPolicy()})
}

// handleForceFlush drains the write buffer immediately.
func (s *Server) handleForceFlush(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()
	if err := s.buf.Flush(ctx, true); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"flushed": true})
}

// handleForceCleanup runs one retention pass out of schedule.
func (s *Server) handleForceCleanup(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Minute)
	defer cancel()
	c.JSON(http.StatusOK, gin.H{"data": s.ret.RunOnce(ctx)})
}
