// Package hub tracks every live agent and viewer connection: admission
// under global/per-IP/per-source caps, per-connection counters, heartbeat
// timeout detection, and viewer fan-out. The registry owns its records;
// callers interact through source ids, never raw sockets.
package hub

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/vesaa/openflock/internal/metrics"
	"github.com/vesaa/openflock/internal/models"
)

// Role distinguishes the two connection kinds the registry tracks.
type Role string

const (
	RoleAgent  Role = "agent"
	RoleViewer Role = "viewer"
)

// Conn is the slice of a websocket connection the registry needs. The
// gorilla adapter lives in handler.go; tests substitute fakes.
type Conn interface {
	WriteJSON(v any) error
	Close() error
	RemoteAddr() string
}

// Config carries the admission caps and thresholds.
type Config struct {
	MaxConnections     int
	MaxPerIP           int
	MaxViewersPerAgent int
	SlowHandler        time.Duration
	AgentTimeout       time.Duration
}

// Decision is the admission verdict. A rejection carries a retry hint in
// seconds; it is a capacity condition, never a fault.
type Decision struct {
	Allow      bool   `json:"allow"`
	Reason     string `json:"reason,omitempty"`
	RetryAfter int    `json:"retry_after_seconds,omitempty"`
}

// Record is the registry's view of one live socket.
type Record struct {
	SourceID    string    `json:"source_id"`
	Role        Role      `json:"role"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
	LastActive  time.Time `json:"last_active"`

	MsgsIn       uint64 `json:"msgs_in"`
	MsgsOut      uint64 `json:"msgs_out"`
	BytesIn      uint64 `json:"bytes_in"`
	BytesOut     uint64 `json:"bytes_out"`
	SlowHandlers uint64 `json:"slow_handlers"`

	viewerID string
	conn     Conn
}

// Stats is the connection snapshot for the status endpoint.
type Stats struct {
	Total    int            `json:"total"`
	Agents   int            `json:"agents"`
	Viewers  int            `json:"viewers"`
	PerIP    map[string]int `json:"per_ip"`
	Detail   []Record       `json:"detail"`
	Rejected uint64         `json:"rejected"`
}

// Registry is the connection admission gate and bookkeeper. One mutex
// guards all maps; it is never held across a socket write or close.
type Registry struct {
	cfg  Config
	log  *slog.Logger
	prom *metrics.Pipeline

	mu       sync.Mutex
	agents   map[string]*Record
	viewers  map[string]map[string]*Record // source id → viewer id → record
	ipCounts map[string]int
	total    int
	rejected uint64
	closed   bool
}

// NewRegistry creates an empty registry with the given caps.
func NewRegistry(cfg Config, log *slog.Logger, prom *metrics.Pipeline) *Registry {
	return &Registry{
		cfg:      cfg,
		log:      log.With("component", "hub"),
		prom:     prom,
		agents:   make(map[string]*Record),
		viewers:  make(map[string]map[string]*Record),
		ipCounts: make(map[string]int),
	}
}

func ipOf(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}

// CanAdmit evaluates the caps for a prospective connection without
// registering anything: global cap, then per-IP cap, then (for viewers)
// the per-source viewer cap.
func (r *Registry) CanAdmit(remoteAddr string, role Role, sourceID string) Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.canAdmitLocked(remoteAddr, role, sourceID)
}

func (r *Registry) canAdmitLocked(remoteAddr string, role Role, sourceID string) Decision {
	if r.closed {
		return Decision{Reason: "shutting down", RetryAfter: 30}
	}
	if r.cfg.MaxConnections > 0 && r.total >= r.cfg.MaxConnections {
		return Decision{Reason: "server at connection capacity", RetryAfter: 60}
	}
	if r.cfg.MaxPerIP > 0 && r.ipCounts[ipOf(remoteAddr)] >= r.cfg.MaxPerIP {
		return Decision{Reason: "too many connections from this address", RetryAfter: 30}
	}
	if role == RoleViewer && r.cfg.MaxViewersPerAgent > 0 &&
		len(r.viewers[sourceID]) >= r.cfg.MaxViewersPerAgent {
		return Decision{Reason: "too many viewers for this agent", RetryAfter: 15}
	}
	return Decision{Allow: true}
}

func (r *Registry) reject(role Role, d Decision) Decision {
	r.rejected++
	if r.prom != nil {
		r.prom.AdmissionsRejected.WithLabelValues(d.Reason).Inc()
	}
	r.log.Info("connection rejected", "role", role, "reason", d.Reason, "retry_after", d.RetryAfter)
	return d
}

// AdmitAgent registers an agent connection, replacing any prior socket for
// the same source id (a reconnection): the old socket is closed and its IP
// accounting entry decremented. A rejection registers nothing.
func (r *Registry) AdmitAgent(sourceID string, conn Conn) Decision {
	addr := conn.RemoteAddr()

	r.mu.Lock()
	prior := r.agents[sourceID]
	if prior == nil {
		if d := r.canAdmitLocked(addr, RoleAgent, sourceID); !d.Allow {
			defer r.mu.Unlock()
			return r.reject(RoleAgent, d)
		}
		r.total++
	} else {
		// Takeover: the slot is already paid for, but a reconnect from a
		// new address still counts against that address's cap.
		if ip := ipOf(addr); ip != ipOf(prior.RemoteAddr) &&
			r.cfg.MaxPerIP > 0 && r.ipCounts[ip] >= r.cfg.MaxPerIP {
			defer r.mu.Unlock()
			return r.reject(RoleAgent, Decision{Reason: "too many connections from this address", RetryAfter: 30})
		}
		r.ipDecLocked(ipOf(prior.RemoteAddr))
		delete(r.agents, sourceID)
	}
	now := time.Now()
	r.agents[sourceID] = &Record{
		SourceID:    sourceID,
		Role:        RoleAgent,
		RemoteAddr:  addr,
		ConnectedAt: now,
		LastActive:  now,
		conn:        conn,
	}
	r.ipCounts[ipOf(addr)]++
	r.mu.Unlock()

	if prior != nil {
		_ = prior.conn.Close()
		r.log.Info("agent reconnected, prior socket closed", "source", sourceID, "addr", addr)
	} else {
		r.log.Info("agent connected", "source", sourceID, "addr", addr)
	}
	if r.prom != nil {
		r.prom.ConnectionsActive.WithLabelValues(string(RoleAgent)).Set(float64(r.AgentCount()))
	}
	return Decision{Allow: true}
}

// AdmitViewer registers a viewer for sourceID and, when it is the first
// viewer, signals the agent to start streaming.
func (r *Registry) AdmitViewer(sourceID, viewerID string, conn Conn) Decision {
	addr := conn.RemoteAddr()

	r.mu.Lock()
	if d := r.canAdmitLocked(addr, RoleViewer, sourceID); !d.Allow {
		defer r.mu.Unlock()
		return r.reject(RoleViewer, d)
	}
	now := time.Now()
	rec := &Record{
		SourceID:    sourceID,
		Role:        RoleViewer,
		RemoteAddr:  addr,
		ConnectedAt: now,
		LastActive:  now,
		viewerID:    viewerID,
		conn:        conn,
	}
	if r.viewers[sourceID] == nil {
		r.viewers[sourceID] = make(map[string]*Record)
	}
	first := len(r.viewers[sourceID]) == 0
	r.viewers[sourceID][viewerID] = rec
	r.ipCounts[ipOf(addr)]++
	r.total++
	var agentConn Conn
	if a := r.agents[sourceID]; a != nil {
		agentConn = a.conn
	}
	r.mu.Unlock()

	r.log.Info("viewer connected", "source", sourceID, "viewer", viewerID, "addr", addr)
	if first && agentConn != nil {
		_ = agentConn.WriteJSON(models.Control{Type: models.ControlStartStream})
	}
	if r.prom != nil {
		r.prom.ConnectionsActive.WithLabelValues(string(RoleViewer)).Set(float64(r.ViewerCount()))
	}
	return Decision{Allow: true}
}

// DisconnectAgent removes an agent record and closes its socket. Safe to
// call for an already-removed source.
func (r *Registry) DisconnectAgent(sourceID string) {
	r.mu.Lock()
	rec := r.agents[sourceID]
	if rec != nil {
		delete(r.agents, sourceID)
		r.ipDecLocked(ipOf(rec.RemoteAddr))
		r.total--
	}
	r.mu.Unlock()

	if rec != nil {
		_ = rec.conn.Close()
		r.log.Info("agent disconnected", "source", sourceID)
		if r.prom != nil {
			r.prom.ConnectionsActive.WithLabelValues(string(RoleAgent)).Set(float64(r.AgentCount()))
		}
	}
}

// DisconnectAgentConn removes the agent only if conn is still its live
// socket. A read loop whose socket was taken over by a reconnection uses
// this so it cannot tear down the successor's record.
func (r *Registry) DisconnectAgentConn(sourceID string, conn Conn) {
	r.mu.Lock()
	rec := r.agents[sourceID]
	if rec == nil || rec.conn != conn {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	r.DisconnectAgent(sourceID)
}

// DisconnectViewer removes one viewer and, when it was the last for its
// source, signals the agent to stop streaming.
func (r *Registry) DisconnectViewer(sourceID, viewerID string) {
	r.mu.Lock()
	var rec *Record
	if vs := r.viewers[sourceID]; vs != nil {
		rec = vs[viewerID]
		if rec != nil {
			delete(vs, viewerID)
			r.ipDecLocked(ipOf(rec.RemoteAddr))
			r.total--
		}
		if len(vs) == 0 {
			delete(r.viewers, sourceID)
		}
	}
	last := r.viewers[sourceID] == nil
	var agentConn Conn
	if a := r.agents[sourceID]; a != nil {
		agentConn = a.conn
	}
	r.mu.Unlock()

	if rec == nil {
		return
	}
	_ = rec.conn.Close()
	r.log.Info("viewer disconnected", "source", sourceID, "viewer", viewerID)
	if last && agentConn != nil {
		_ = agentConn.WriteJSON(models.Control{Type: models.ControlStopStream})
	}
	if r.prom != nil {
		r.prom.ConnectionsActive.WithLabelValues(string(RoleViewer)).Set(float64(r.ViewerCount()))
	}
}

func (r *Registry) ipDecLocked(ip string) {
	if n := r.ipCounts[ip]; n > 1 {
		r.ipCounts[ip] = n - 1
	} else {
		delete(r.ipCounts, ip)
	}
}

// RecordMessage bumps the per-connection traffic counters. Inbound
// traffic also refreshes the heartbeat timestamp.
func (r *Registry) RecordMessage(sourceID string, inbound bool, bytes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.agents[sourceID]
	if rec == nil {
		return
	}
	if inbound {
		rec.MsgsIn++
		rec.BytesIn += uint64(bytes)
		rec.LastActive = time.Now()
	} else {
		rec.MsgsOut++
		rec.BytesOut += uint64(bytes)
	}
}

// RecordSlowHandler counts (and logs) a handler that exceeded the
// threshold. Slow handling is observed, not punished.
func (r *Registry) RecordSlowHandler(sourceID string, took time.Duration) {
	r.mu.Lock()
	if rec := r.agents[sourceID]; rec != nil {
		rec.SlowHandlers++
	}
	r.mu.Unlock()

	if r.prom != nil {
		r.prom.SlowHandlers.Inc()
	}
	r.log.Warn("slow message handler", "source", sourceID, "took", took, "threshold", r.cfg.SlowHandler)
}

// SlowThreshold exposes the configured slow-handler duration.
func (r *Registry) SlowThreshold() time.Duration { return r.cfg.SlowHandler }

// TimedOutAgents returns the source ids whose last activity is older than
// the agent timeout. The caller marks them offline and disconnects them.
func (r *Registry) TimedOutAgents() []string {
	cutoff := time.Now().Add(-r.cfg.AgentTimeout)
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for id, rec := range r.agents {
		if rec.LastActive.Before(cutoff) {
			out = append(out, id)
		}
	}
	return out
}

// BroadcastToViewers fans a payload out to every viewer of a source.
// Viewers whose send fails are dropped on the spot.
func (r *Registry) BroadcastToViewers(sourceID string, payload any) {
	r.mu.Lock()
	targets := make([]*Record, 0, len(r.viewers[sourceID]))
	for _, rec := range r.viewers[sourceID] {
		targets = append(targets, rec)
	}
	r.mu.Unlock()

	for _, rec := range targets {
		if err := rec.conn.WriteJSON(payload); err != nil {
			r.DisconnectViewer(sourceID, rec.viewerID)
		}
	}
}

// AgentCount returns the number of live agent connections.
func (r *Registry) AgentCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.agents)
}

// ViewerCount returns the number of live viewer connections.
func (r *Registry) ViewerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, vs := range r.viewers {
		n += len(vs)
	}
	return n
}

// ViewersOf returns how many viewers currently watch a source.
func (r *Registry) ViewersOf(sourceID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.viewers[sourceID])
}

// Stats returns the full connection snapshot.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Stats{
		Agents:   len(r.agents),
		Total:    r.total,
		PerIP:    make(map[string]int, len(r.ipCounts)),
		Rejected: r.rejected,
	}
	for ip, n := range r.ipCounts {
		s.PerIP[ip] = n
	}
	for _, rec := range r.agents {
		s.Detail = append(s.Detail, *rec)
	}
	for _, vs := range r.viewers {
		s.Viewers += len(vs)
		for _, rec := range vs {
			s.Detail = append(s.Detail, *rec)
		}
	}
	return s
}

// CloseAll rejects future admissions and closes every socket. Used at
// shutdown, before the background loops are cancelled.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	r.closed = true
	conns := make([]Conn, 0, r.total)
	for _, rec := range r.agents {
		conns = append(conns, rec.conn)
	}
	for _, vs := range r.viewers {
		for _, rec := range vs {
			conns = append(conns, rec.conn)
		}
	}
	r.agents = make(map[string]*Record)
	r.viewers = make(map[string]map[string]*Record)
	r.ipCounts = make(map[string]int)
	r.total = 0
	r.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}
