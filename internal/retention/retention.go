// Package retention implements the cleanup engine that bounds storage:
// per-table time windows, a global size cap enforced by oldest-first
// eviction, and a disk-space panic check. Each scheduled pass runs the
// three phases in order; the panic check is advisory only and never
// deletes data itself.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/vesaa/openflock/internal/metrics"
	"github.com/vesaa/openflock/internal/models"
	"github.com/vesaa/openflock/internal/storage"
)

// timeColumn is shared by every raw table the engine manages.
const timeColumn = "reported_at"

// Store is the slice of the storage engine the engine consumes.
type Store interface {
	DeleteOlderThan(ctx context.Context, table, timeColumn string, cutoff time.Time) (int64, error)
	DeleteOldestBatch(ctx context.Context, table string, limit int) (int64, error)
	StorageSize(ctx context.Context) (int64, error)
	RowCounts(ctx context.Context, tables []string) (map[string]int64, error)
}

// Config carries the retention policy. It is set at construction (or by a
// config reload building a new engine) and never mutated by the loop.
type Config struct {
	// Tables maps every raw table to its window. Callers resolve defaults
	// before construction so the policy here is always complete.
	Tables map[string]time.Duration

	Interval     time.Duration
	StartupDelay time.Duration

	MaxStorageBytes  int64
	SizeBatch        int
	SizeIterationCap int

	// DataDir is the path whose filesystem the panic check measures.
	DataDir      string
	MinFreeBytes uint64
	MinFreePct   float64
}

// TableResult is the outcome of one table's time-based cleanup.
type TableResult struct {
	Table       string        `json:"table"`
	RowsDeleted int64         `json:"rows_deleted"`
	Duration    time.Duration `json:"duration"`
	Error       string        `json:"error,omitempty"`
}

// RunResult is the record of one full cleanup pass. Only the most recent
// result is retained, for operational visibility.
type RunResult struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Tables       []TableResult `json:"tables"`
	TotalDeleted int64         `json:"total_deleted"`

	SizeDeleted    int64 `json:"size_deleted"`
	SizeIterations int   `json:"size_iterations"`
	StorageBytes   int64 `json:"storage_bytes"`

	DiskFreeBytes  uint64  `json:"disk_free_bytes"`
	DiskTotalBytes uint64  `json:"disk_total_bytes"`
	DiskFreePct    float64 `json:"disk_free_pct"`
	DiskPanic      bool    `json:"disk_panic"`
}

// PolicySnapshot is the introspection payload for the status endpoint.
type PolicySnapshot struct {
	Tables           map[string]string `json:"tables"` // table → window
	MaxStorageBytes  int64             `json:"max_storage_bytes"`
	MinFreeBytes     uint64            `json:"min_free_bytes"`
	MinFreePct       float64           `json:"min_free_pct"`
	CheckInterval    string            `json:"check_interval"`
	DiskFreeBytes    uint64            `json:"disk_free_bytes"`
	DiskTotalBytes   uint64            `json:"disk_total_bytes"`
	DiskFreePct      float64           `json:"disk_free_pct"`
	LastRun          *RunResult        `json:"last_run,omitempty"`
}

// diskProbe measures the filesystem holding path. Tests substitute fakes.
type diskProbe func(path string) (*disk.UsageStat, error)

// Engine runs the scheduled cleanup loop.
type Engine struct {
	store Store
	cfg   Config
	log   *slog.Logger
	prom  *metrics.Pipeline
	probe diskProbe

	mu      sync.Mutex
	lastRun *RunResult
}

// New creates an Engine over store with the given policy.
func New(store Store, cfg Config, log *slog.Logger, prom *metrics.Pipeline) *Engine {
	if cfg.SizeIterationCap <= 0 {
		cfg.SizeIterationCap = 50
	}
	return &Engine{
		store: store,
		cfg:   cfg,
		log:   log.With("component", "retention"),
		prom:  prom,
		probe: disk.Usage,
	}
}

// Run executes cleanup passes on the configured schedule until ctx is
// cancelled. The first pass waits out the startup delay so a booting
// service is not immediately busy deleting.
func (e *Engine) Run(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(e.cfg.StartupDelay):
	}

	e.RunOnce(ctx)
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.RunOnce(ctx)
		}
	}
}

// RunOnce performs one full pass: time windows, size cap, disk check.
// Phase failures are recorded and do not stop later phases.
func (e *Engine) RunOnce(ctx context.Context) RunResult {
	res := RunResult{StartedAt: time.Now()}

	e.timePhase(ctx, &res)
	e.sizePhase(ctx, &res)
	e.diskPhase(&res)

	res.FinishedAt = time.Now()
	e.mu.Lock()
	e.lastRun = &res
	e.mu.Unlock()

	if e.prom != nil {
		e.prom.CleanupRuns.Inc()
	}
	e.log.Info("cleanup pass finished",
		"deleted", res.TotalDeleted+res.SizeDeleted,
		"took", res.FinishedAt.Sub(res.StartedAt),
		"storage_bytes", res.StorageBytes,
		"disk_free_pct", fmt.Sprintf("%.1f", res.DiskFreePct))
	return res
}

// timePhase deletes rows older than each table's window. Tables are
// independent: one failing table never blocks the others.
func (e *Engine) timePhase(ctx context.Context, res *RunResult) {
	for _, table := range models.RawTables() {
		window, ok := e.cfg.Tables[table]
		if !ok || window <= 0 {
			continue
		}
		start := time.Now()
		tr := TableResult{Table: table}
		n, err := e.store.DeleteOlderThan(ctx, table, timeColumn, time.Now().Add(-window))
		tr.RowsDeleted = n
		tr.Duration = time.Since(start)
		if err != nil {
			tr.Error = err.Error()
			e.log.Error("time-based cleanup failed", "table", table, "error", err)
			if e.prom != nil {
				e.prom.CleanupErrors.WithLabelValues("time").Inc()
			}
		} else {
			res.TotalDeleted += n
			if e.prom != nil && n > 0 {
				e.prom.CleanupRowsDeleted.WithLabelValues(table).Add(float64(n))
			}
		}
		res.Tables = append(res.Tables, tr)
	}
}

// sizePhase enforces the global byte cap: while storage exceeds the cap,
// delete the oldest batch from the highest-cardinality raw table, moving
// to the next table once deletions fall under half a batch (the table is
// nearly drained), re-measuring after every batch, up to a hard iteration
// cap. A backend without size introspection skips this phase.
func (e *Engine) sizePhase(ctx context.Context, res *RunResult) {
	if e.cfg.MaxStorageBytes <= 0 {
		return
	}
	size, err := e.store.StorageSize(ctx)
	if errors.Is(err, storage.ErrUnsupported) {
		return
	}
	if err != nil {
		e.log.Error("storage size check failed", "error", err)
		if e.prom != nil {
			e.prom.CleanupErrors.WithLabelValues("size").Inc()
		}
		return
	}
	res.StorageBytes = size
	if size <= e.cfg.MaxStorageBytes {
		return
	}

	e.log.Warn("storage over size cap, evicting oldest rows",
		"bytes", size, "cap", e.cfg.MaxStorageBytes)

	tables := models.RawTables()
	tableIdx := 0
	for res.SizeIterations < e.cfg.SizeIterationCap && size > e.cfg.MaxStorageBytes {
		res.SizeIterations++
		n, err := e.store.DeleteOldestBatch(ctx, tables[tableIdx], e.cfg.SizeBatch)
		if errors.Is(err, storage.ErrUnsupported) {
			return
		}
		if err != nil {
			e.log.Error("size-based cleanup failed", "table", tables[tableIdx], "error", err)
			if e.prom != nil {
				e.prom.CleanupErrors.WithLabelValues("size").Inc()
			}
			return
		}
		res.SizeDeleted += n
		if e.prom != nil && n > 0 {
			e.prom.CleanupRowsDeleted.WithLabelValues(tables[tableIdx]).Add(float64(n))
		}

		// Nearly drained: rotate to the next-largest table.
		if n < int64(e.cfg.SizeBatch)/2 {
			tableIdx++
			if tableIdx >= len(tables) {
				e.log.Warn("all raw tables drained but storage still over cap")
				break
			}
		}

		size, err = e.store.StorageSize(ctx)
		if err != nil {
			e.log.Error("storage size re-measure failed", "error", err)
			return
		}
		res.StorageBytes = size
	}
}

// diskPhase raises the panic condition when free space drops under either
// minimum. It only alerts: cleanup happened in the earlier phases, and an
// operator has to decide between "grow the disk" and "shrink the policy".
func (e *Engine) diskPhase(res *RunResult) {
	usage, err := e.probe(e.cfg.DataDir)
	if err != nil {
		e.log.Error("disk usage probe failed", "path", e.cfg.DataDir, "error", err)
		if e.prom != nil {
			e.prom.CleanupErrors.WithLabelValues("disk").Inc()
		}
		return
	}
	res.DiskFreeBytes = usage.Free
	res.DiskTotalBytes = usage.Total
	if usage.Total > 0 {
		res.DiskFreePct = float64(usage.Free) / float64(usage.Total) * 100
	}
	if e.prom != nil {
		e.prom.DiskFreeBytes.Set(float64(usage.Free))
	}

	lowBytes := e.cfg.MinFreeBytes > 0 && usage.Free < e.cfg.MinFreeBytes
	lowPct := e.cfg.MinFreePct > 0 && res.DiskFreePct < e.cfg.MinFreePct
	if lowBytes || lowPct {
		res.DiskPanic = true
		if e.prom != nil {
			e.prom.DiskPanics.Inc()
		}
		e.log.Error("DISK SPACE CRITICAL: free space under configured minimum",
			"path", e.cfg.DataDir,
			"free_bytes", usage.Free,
			"free_pct", fmt.Sprintf("%.1f", res.DiskFreePct),
			"min_free_bytes", e.cfg.MinFreeBytes,
			"min_free_pct", e.cfg.MinFreePct)
	}
}

// GetRetentionPolicy returns the configured windows, a fresh disk
// snapshot, and the last run's result without triggering a cleanup.
func (e *Engine) GetRetentionPolicy() PolicySnapshot {
	snap := PolicySnapshot{
		Tables:          make(map[string]string, len(e.cfg.Tables)),
		MaxStorageBytes: e.cfg.MaxStorageBytes,
		MinFreeBytes:    e.cfg.MinFreeBytes,
		MinFreePct:      e.cfg.MinFreePct,
		CheckInterval:   e.cfg.Interval.String(),
	}
	for table, window := range e.cfg.Tables {
		snap.Tables[table] = window.String()
	}
	if usage, err := e.probe(e.cfg.DataDir); err == nil {
		snap.DiskFreeBytes = usage.Free
		snap.DiskTotalBytes = usage.Total
		if usage.Total > 0 {
			snap.DiskFreePct = float64(usage.Free) / float64(usage.Total) * 100
		}
	}
	e.mu.Lock()
	snap.LastRun = e.lastRun
	e.mu.Unlock()
	return snap
}
