package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/vesaa/openflock/internal/models"
	"github.com/vesaa/openflock/internal/queue"
)

// Ingestor is the publish side of the durable queue (or its pass-through).
type Ingestor interface {
	PublishMetrics(ctx context.Context, sourceID string, points []models.MetricPoint, loadAvg float64, side *queue.SideChannel) bool
}

// AgentStore is the slice of the storage engine the handlers touch
// directly: registry rows and log lines, which bypass the metric buffer.
type AgentStore interface {
	UpsertAgent(ctx context.Context, hs models.Handshake, addr string) error
	InsertLogLines(ctx context.Context, sourceID string, lines []models.LogLine) (int64, error)
	MarkOffline(ctx context.Context, sourceIDs []string) error
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsConn adapts *websocket.Conn to the registry's Conn. Gorilla allows one
// concurrent writer, so writes are serialized here.
type wsConn struct {
	mu sync.Mutex
	c  *websocket.Conn
}

func (w *wsConn) WriteJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.c.WriteJSON(v)
}

func (w *wsConn) Close() error       { return w.c.Close() }
func (w *wsConn) RemoteAddr() string { return w.c.RemoteAddr().String() }

const handshakeTimeout = 10 * time.Second

// Handler owns the websocket endpoints on both planes.
type Handler struct {
	reg    *Registry
	ingest Ingestor
	store  AgentStore
	log    *slog.Logger
}

// NewHandler wires the websocket endpoints to the registry and pipeline.
func NewHandler(reg *Registry, ingest Ingestor, store AgentStore, log *slog.Logger) *Handler {
	return &Handler{reg: reg, ingest: ingest, store: store, log: log.With("component", "hub")}
}

// Registry exposes the underlying registry (status endpoints, sweeper).
func (h *Handler) Registry() *Registry { return h.reg }

// AgentWS handles GET /ws/agent on the data plane. Admission is checked
// before the upgrade so a rejected agent gets a clean JSON answer with a
// retry hint instead of a dropped socket.
func (h *Handler) AgentWS(c *gin.Context) {
	if d := h.reg.CanAdmit(c.Request.RemoteAddr, RoleAgent, ""); !d.Allow {
		c.JSON(http.StatusTooManyRequests, d)
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("agent upgrade failed", "error", err)
		return
	}
	conn := &wsConn{c: ws}

	// First frame must be the handshake.
	_ = ws.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var hs models.Handshake
	if err := ws.ReadJSON(&hs); err != nil || hs.SourceID == "" {
		h.log.Warn("bad handshake", "addr", conn.RemoteAddr(), "error", err)
		_ = conn.Close()
		return
	}
	_ = ws.SetReadDeadline(time.Time{})

	if d := h.reg.AdmitAgent(hs.SourceID, conn); !d.Allow {
		_ = conn.WriteJSON(d)
		_ = conn.Close()
		return
	}
	if err := h.store.UpsertAgent(c.Request.Context(), hs, conn.RemoteAddr()); err != nil {
		h.log.Error("agent upsert failed", "source", hs.SourceID, "error", err)
	}

	// A reconnecting agent re-joins mid-stream if it already has viewers.
	if h.reg.ViewersOf(hs.SourceID) > 0 {
		_ = conn.WriteJSON(models.Control{Type: models.ControlStartStream})
	}

	h.readLoop(hs.SourceID, ws, conn)
}

// readLoop consumes heartbeats until the socket dies or is taken over.
func (h *Handler) readLoop(sourceID string, ws *websocket.Conn, conn Conn) {
	defer h.reg.DisconnectAgentConn(sourceID, conn)

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		h.reg.RecordMessage(sourceID, true, len(raw))

		start := time.Now()
		h.handleFrame(sourceID, raw)
		if took := time.Since(start); took > h.reg.SlowThreshold() {
			h.reg.RecordSlowHandler(sourceID, took)
		}
	}
}

// handleFrame processes one heartbeat frame: publish the points into the
// pipeline, persist side-channel log lines, fan the update out to viewers.
func (h *Handler) handleFrame(sourceID string, raw []byte) {
	var hb models.Heartbeat
	if err := json.Unmarshal(raw, &hb); err != nil {
		h.log.Warn("undecodable heartbeat", "source", sourceID, "error", err)
		return
	}
	if hb.SourceID == "" {
		hb.SourceID = sourceID
	}

	ctx := context.Background()
	var side *queue.SideChannel
	if hb.Hostname != "" || len(hb.Processes) > 0 {
		side = &queue.SideChannel{Hostname: hb.Hostname, Status: hb.Status, Processes: hb.Processes}
	}
	if len(hb.Points) > 0 || side != nil {
		h.ingest.PublishMetrics(ctx, sourceID, hb.Points, hb.LoadAvg, side)
	}

	if len(hb.Logs) > 0 {
		if _, err := h.store.InsertLogLines(ctx, sourceID, hb.Logs); err != nil {
			h.log.Error("log insert failed", "source", sourceID, "error", err)
		}
	}

	if h.reg.ViewersOf(sourceID) > 0 {
		h.reg.BroadcastToViewers(sourceID, models.ViewerUpdate{
			SourceID: sourceID,
			Status:   models.AgentStatusOnline,
			Points:   hb.Points,
			LoadAvg:  hb.LoadAvg,
			SentAt:   time.Now(),
		})
	}
}

// ViewerWS handles GET /api/ws/agents/:id on the control plane. The viewer
// receives broadcast updates; its own frames are drained and ignored.
func (h *Handler) ViewerWS(c *gin.Context) {
	sourceID := c.Param("id")
	if d := h.reg.CanAdmit(c.Request.RemoteAddr, RoleViewer, sourceID); !d.Allow {
		c.JSON(http.StatusTooManyRequests, d)
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("viewer upgrade failed", "error", err)
		return
	}
	conn := &wsConn{c: ws}
	viewerID := uuid.NewString()

	if d := h.reg.AdmitViewer(sourceID, viewerID, conn); !d.Allow {
		_ = conn.WriteJSON(d)
		_ = conn.Close()
		return
	}
	defer h.reg.DisconnectViewer(sourceID, viewerID)

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return // silent disconnect; bookkeeping in the deferred call
		}
	}
}

// RunSweeper periodically evicts agents whose heartbeat went stale,
// marking them offline in storage before dropping the socket.
func (h *Handler) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stale := h.reg.TimedOutAgents()
			if len(stale) == 0 {
				continue
			}
			h.log.Info("evicting timed-out agents", "count", len(stale))
			if err := h.store.MarkOffline(ctx, stale); err != nil {
				h.log.Error("mark offline failed", "error", err)
			}
			for _, id := range stale {
				h.reg.DisconnectAgent(id)
			}
		}
	}
}
