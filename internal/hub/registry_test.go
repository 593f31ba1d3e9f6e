package hub

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vesaa/openflock/internal/models"
)

// fakeConn is an in-memory Conn recording writes.
type fakeConn struct {
	mu         sync.Mutex
	addr       string
	writes     []any
	failWrites bool
	closed     bool
}

func newFakeConn(addr string) *fakeConn { return &fakeConn{addr: addr} }

func (f *fakeConn) WriteJSON(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return errors.New("broken pipe")
	}
	f.writes = append(f.writes, v)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) RemoteAddr() string { return f.addr }

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) lastWrite() any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.writes) == 0 {
		return nil
	}
	return f.writes[len(f.writes)-1]
}

func testRegistry(cfg Config) *Registry {
	if cfg.SlowHandler == 0 {
		cfg.SlowHandler = 500 * time.Millisecond
	}
	if cfg.AgentTimeout == 0 {
		cfg.AgentTimeout = time.Minute
	}
	return NewRegistry(cfg, slog.Default(), nil)
}

func TestGlobalCapEnforced(t *testing.T) {
	r := testRegistry(Config{MaxConnections: 2, MaxPerIP: 10})

	require.True(t, r.AdmitAgent("a1", newFakeConn("10.0.0.1:1001")).Allow)
	require.True(t, r.AdmitAgent("a2", newFakeConn("10.0.0.2:1001")).Allow)

	d := r.AdmitAgent("a3", newFakeConn("10.0.0.3:1001"))
	assert.False(t, d.Allow)
	assert.Greater(t, d.RetryAfter, 0)
	assert.Equal(t, 2, r.Stats().Total)
}

func TestPerIPCapEnforced(t *testing.T) {
	r := testRegistry(Config{MaxConnections: 100, MaxPerIP: 2})

	require.True(t, r.AdmitAgent("a1", newFakeConn("10.0.0.1:1001")).Allow)
	require.True(t, r.AdmitAgent("a2", newFakeConn("10.0.0.1:1002")).Allow)
	assert.False(t, r.AdmitAgent("a3", newFakeConn("10.0.0.1:1003")).Allow)

	// A different address is unaffected.
	assert.True(t, r.AdmitAgent("a4", newFakeConn("10.0.0.9:1001")).Allow)
}

func TestViewerCapPerSource(t *testing.T) {
	r := testRegistry(Config{MaxConnections: 100, MaxPerIP: 100, MaxViewersPerAgent: 2})
	require.True(t, r.AdmitAgent("a1", newFakeConn("10.0.0.1:1001")).Allow)

	require.True(t, r.AdmitViewer("a1", "v1", newFakeConn("10.1.0.1:2001")).Allow)
	require.True(t, r.AdmitViewer("a1", "v2", newFakeConn("10.1.0.2:2001")).Allow)
	assert.False(t, r.AdmitViewer("a1", "v3", newFakeConn("10.1.0.3:2001")).Allow)

	// Caps are per source, not global.
	require.True(t, r.AdmitAgent("a2", newFakeConn("10.0.0.2:1001")).Allow)
	assert.True(t, r.AdmitViewer("a2", "v4", newFakeConn("10.1.0.4:2001")).Allow)
}

func TestConcurrentAdmissionNeverExceedsCaps(t *testing.T) {
	const maxConns = 50
	r := testRegistry(Config{MaxConnections: maxConns, MaxPerIP: 10})

	var wg sync.WaitGroup
	var admitted sync.Map
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			addr := fmt.Sprintf("10.0.%d.%d:5000", i%25, i)
			if r.AdmitAgent(fmt.Sprintf("agent-%d", i), newFakeConn(addr)).Allow {
				admitted.Store(i, true)
			}
		}(i)
	}
	wg.Wait()

	s := r.Stats()
	assert.LessOrEqual(t, s.Total, maxConns)
	assert.Equal(t, s.Total, s.Agents)
	for ip, n := range s.PerIP {
		assert.LessOrEqualf(t, n, 10, "ip %s over per-IP cap", ip)
	}
}

func TestReconnectionTakeover(t *testing.T) {
	r := testRegistry(Config{MaxConnections: 1, MaxPerIP: 5})

	old := newFakeConn("10.0.0.1:1001")
	require.True(t, r.AdmitAgent("a1", old).Allow)

	// Same source reconnects from a new socket even though the global cap
	// is already reached: takeover, not a second connection.
	neu := newFakeConn("10.0.0.2:1001")
	require.True(t, r.AdmitAgent("a1", neu).Allow)

	assert.True(t, old.isClosed())
	s := r.Stats()
	assert.Equal(t, 1, s.Total)
	assert.Equal(t, 1, s.PerIP["10.0.0.2"])
	_, oldIPTracked := s.PerIP["10.0.0.1"]
	assert.False(t, oldIPTracked, "stale IP entry survived takeover")
}

func TestTakeoverFromSaturatedIPRejected(t *testing.T) {
	r := testRegistry(Config{MaxConnections: 10, MaxPerIP: 2})

	old := newFakeConn("10.0.0.1:1001")
	require.True(t, r.AdmitAgent("a1", old).Allow)
	require.True(t, r.AdmitAgent("b1", newFakeConn("10.0.0.2:1001")).Allow)
	require.True(t, r.AdmitAgent("b2", newFakeConn("10.0.0.2:1002")).Allow)

	// a1 reconnects from 10.0.0.2, which is already at its cap: the
	// takeover must not push that address past the limit.
	d := r.AdmitAgent("a1", newFakeConn("10.0.0.2:1003"))
	assert.False(t, d.Allow)

	// The prior socket stays live and the accounting is untouched.
	assert.False(t, old.isClosed())
	s := r.Stats()
	assert.Equal(t, 2, s.PerIP["10.0.0.2"])
	assert.Equal(t, 1, s.PerIP["10.0.0.1"])

	// A same-IP reconnect is still a plain takeover.
	require.True(t, r.AdmitAgent("a1", newFakeConn("10.0.0.1:1002")).Allow)
	assert.True(t, old.isClosed())
	assert.Equal(t, 1, r.Stats().PerIP["10.0.0.1"])
}

func TestIPAccountingNeverNegative(t *testing.T) {
	r := testRegistry(Config{MaxConnections: 10, MaxPerIP: 5})
	require.True(t, r.AdmitAgent("a1", newFakeConn("10.0.0.1:1001")).Allow)

	r.DisconnectAgent("a1")
	r.DisconnectAgent("a1") // double disconnect is a no-op

	s := r.Stats()
	assert.Empty(t, s.PerIP)
	assert.Equal(t, 0, s.Total)
}

func TestViewerPresenceDrivesStreamControl(t *testing.T) {
	r := testRegistry(Config{MaxConnections: 10, MaxPerIP: 10, MaxViewersPerAgent: 5})
	agent := newFakeConn("10.0.0.1:1001")
	require.True(t, r.AdmitAgent("a1", agent).Allow)

	v1 := newFakeConn("10.1.0.1:2001")
	require.True(t, r.AdmitViewer("a1", "v1", v1).Allow)
	assert.Equal(t, models.Control{Type: models.ControlStartStream}, agent.lastWrite())

	// Second viewer: no duplicate start.
	writes := len(agent.writes)
	require.True(t, r.AdmitViewer("a1", "v2", newFakeConn("10.1.0.2:2001")).Allow)
	assert.Len(t, agent.writes, writes)

	r.DisconnectViewer("a1", "v1")
	assert.Len(t, agent.writes, writes)

	// Last viewer leaving stops the stream.
	r.DisconnectViewer("a1", "v2")
	assert.Equal(t, models.Control{Type: models.ControlStopStream}, agent.lastWrite())
}

func TestBroadcastDropsDeadViewers(t *testing.T) {
	r := testRegistry(Config{MaxConnections: 10, MaxPerIP: 10, MaxViewersPerAgent: 5})
	require.True(t, r.AdmitAgent("a1", newFakeConn("10.0.0.1:1001")).Allow)

	ok := newFakeConn("10.1.0.1:2001")
	dead := newFakeConn("10.1.0.2:2001")
	dead.failWrites = true
	require.True(t, r.AdmitViewer("a1", "v-ok", ok).Allow)
	require.True(t, r.AdmitViewer("a1", "v-dead", dead).Allow)

	r.BroadcastToViewers("a1", models.ViewerUpdate{SourceID: "a1"})

	assert.Equal(t, 1, r.ViewersOf("a1"))
	assert.True(t, dead.isClosed())
	require.NotNil(t, ok.lastWrite())
}

func TestTimedOutAgents(t *testing.T) {
	r := testRegistry(Config{MaxConnections: 10, MaxPerIP: 10, AgentTimeout: 50 * time.Millisecond})
	require.True(t, r.AdmitAgent("stale", newFakeConn("10.0.0.1:1001")).Allow)
	require.True(t, r.AdmitAgent("fresh", newFakeConn("10.0.0.2:1001")).Allow)

	time.Sleep(80 * time.Millisecond)
	r.RecordMessage("fresh", true, 64)

	stale := r.TimedOutAgents()
	assert.Equal(t, []string{"stale"}, stale)
}

func TestDisconnectAgentConnIgnoresTakenOverSocket(t *testing.T) {
	r := testRegistry(Config{MaxConnections: 10, MaxPerIP: 10})
	old := newFakeConn("10.0.0.1:1001")
	require.True(t, r.AdmitAgent("a1", old).Allow)
	neu := newFakeConn("10.0.0.1:1002")
	require.True(t, r.AdmitAgent("a1", neu).Allow)

	// The old read loop exits and tries to clean up; the successor's
	// record must survive.
	r.DisconnectAgentConn("a1", old)
	assert.Equal(t, 1, r.AgentCount())

	r.DisconnectAgentConn("a1", neu)
	assert.Equal(t, 0, r.AgentCount())
}

func TestMessageAndSlowHandlerCounters(t *testing.T) {
	r := testRegistry(Config{MaxConnections: 10, MaxPerIP: 10})
	require.True(t, r.AdmitAgent("a1", newFakeConn("10.0.0.1:1001")).Allow)

	r.RecordMessage("a1", true, 128)
	r.RecordMessage("a1", false, 64)
	r.RecordSlowHandler("a1", time.Second)

	s := r.Stats()
	require.Len(t, s.Detail, 1)
	rec := s.Detail[0]
	assert.Equal(t, uint64(1), rec.MsgsIn)
	assert.Equal(t, uint64(128), rec.BytesIn)
	assert.Equal(t, uint64(1), rec.MsgsOut)
	assert.Equal(t, uint64(1), rec.SlowHandlers)
}

func TestCloseAllRejectsNewConnections(t *testing.T) {
	r := testRegistry(Config{MaxConnections: 10, MaxPerIP: 10})
	c := newFakeConn("10.0.0.1:1001")
	require.True(t, r.AdmitAgent("a1", c).Allow)

	r.CloseAll()
	assert.True(t, c.isClosed())
	assert.False(t, r.AdmitAgent("a2", newFakeConn("10.0.0.2:1001")).Allow)
}
