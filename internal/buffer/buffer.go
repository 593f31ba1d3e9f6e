// Package buffer implements the batched write buffer between ingestion and
// the storage engine. Producers append points per source; a background loop
// flushes the whole backlog on a timer, and a size threshold forces an
// early flush. A failed flush re-merges its snapshot instead of dropping.
package buffer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vesaa/openflock/internal/metrics"
	"github.com/vesaa/openflock/internal/models"
)

// Sink is the slice of the storage engine the buffer consumes.
type Sink interface {
	BulkInsertMetrics(ctx context.Context, sourceID string, points []models.MetricPoint, loadAvg float64) (int64, error)
}

// Config carries the buffer tunables.
type Config struct {
	FlushInterval       time.Duration
	MaxBufferSize       int // total pending points that force a flush
	BackpressureSize    int // total pending points that raise a warning
	SmallFleetThreshold int // below this many active sources, write through
	// AlwaysBatch disables the small-fleet write-through. The pipeline sets
	// it when the durable queue is enabled, since queue consumers already
	// amortize writes.
	AlwaysBatch   bool
	InsertTimeout time.Duration
}

// Stats is the operational snapshot exposed by the status endpoint.
type Stats struct {
	Inserts              uint64  `json:"inserts"`
	Flushes              uint64  `json:"flushes"`
	RowsFlushed          uint64  `json:"rows_flushed"`
	FlushErrors          uint64  `json:"flush_errors"`
	AvgFlushMillis       float64 `json:"avg_flush_ms"`
	Backlog              int     `json:"backlog"`
	MaxBacklog           int     `json:"max_backlog"`
	BackpressureWarnings uint64  `json:"backpressure_warnings"`
	Mode                 string  `json:"mode"` // "buffered" or "immediate"
}

type entry struct {
	points  []models.MetricPoint
	loadAvg float64
}

// Buffer accumulates points per source until flushed.
type Buffer struct {
	sink Sink
	cfg  Config
	log  *slog.Logger
	prom *metrics.Pipeline

	mu      sync.Mutex
	backlog map[string]*entry
	total   int

	inserts     uint64
	flushes     uint64
	rowsFlushed uint64
	flushErrors uint64
	flushNanos  int64
	maxBacklog  int
	warnings    uint64

	// activeSources reports live agent connections; nil means unknown (batch).
	activeSources func() int

	flushCh chan struct{}
	done    chan struct{}
}

// New creates a Buffer writing into sink. prom may be shared across components.
func New(sink Sink, cfg Config, log *slog.Logger, prom *metrics.Pipeline) *Buffer {
	if cfg.InsertTimeout <= 0 {
		cfg.InsertTimeout = 30 * time.Second
	}
	return &Buffer{
		sink:    sink,
		cfg:     cfg,
		log:     log.With("component", "buffer"),
		prom:    prom,
		backlog: make(map[string]*entry),
		flushCh: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// SetActiveSourceCount wires the live agent count used by the small-fleet
// write-through heuristic.
func (b *Buffer) SetActiveSourceCount(fn func() int) { b.activeSources = fn }

// immediateMode reports whether calls should write straight through. This
// is an operational optimization for tiny fleets, not a semantic guarantee.
func (b *Buffer) immediateMode() bool {
	if b.cfg.AlwaysBatch || b.activeSources == nil {
		return false
	}
	return b.activeSources() < b.cfg.SmallFleetThreshold
}

// AddMetrics appends points to the source's backlog (or writes through in
// immediate mode) and returns the number of points accepted. Producers are
// never blocked: backpressure is advisory only.
func (b *Buffer) AddMetrics(sourceID string, points []models.MetricPoint, loadAvg float64) int {
	if len(points) == 0 {
		return 0
	}

	if b.immediateMode() {
		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.InsertTimeout)
		defer cancel()
		if err := b.InsertNow(ctx, sourceID, points, loadAvg); err == nil {
			return len(points)
		}
		// Storage hiccup on the write-through path: fall back to the
		// backlog so the points survive to the next flush.
	}

	b.mu.Lock()
	e, ok := b.backlog[sourceID]
	if !ok {
		e = &entry{}
		b.backlog[sourceID] = e
	}
	e.points = append(e.points, points...)
	e.loadAvg = loadAvg
	b.total += len(points)
	b.inserts += uint64(len(points))
	if b.total > b.maxBacklog {
		b.maxBacklog = b.total
	}
	total := b.total
	warn := b.cfg.BackpressureSize > 0 && total > b.cfg.BackpressureSize
	if warn {
		b.warnings++
	}
	b.mu.Unlock()

	if b.prom != nil {
		b.prom.PointsBuffered.Add(float64(len(points)))
		b.prom.BacklogSize.Set(float64(total))
		if warn {
			b.prom.BackpressureWarnings.Inc()
		}
	}
	if warn {
		b.log.Warn("backpressure: backlog over threshold",
			"backlog", total, "threshold", b.cfg.BackpressureSize)
	}

	if b.cfg.MaxBufferSize > 0 && total >= b.cfg.MaxBufferSize {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}
	return len(points)
}

// InsertNow bypasses the backlog entirely. It is the immediate-mode path
// and the durable queue's fallback target.
func (b *Buffer) InsertNow(ctx context.Context, sourceID string, points []models.MetricPoint, loadAvg float64) error {
	rows, err := b.sink.BulkInsertMetrics(ctx, sourceID, points, loadAvg)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.inserts += uint64(len(points))
	b.rowsFlushed += uint64(rows)
	b.mu.Unlock()
	if b.prom != nil {
		b.prom.RowsFlushed.Add(float64(rows))
	}
	return nil
}

// Flush writes the current backlog to storage, one bulk insert per source.
// The backlog is swapped out under the lock so producers never wait on
// storage. Failed sources are re-merged for the next cycle.
func (b *Buffer) Flush(ctx context.Context, force bool) error {
	b.mu.Lock()
	if b.total == 0 && !force {
		b.mu.Unlock()
		return nil
	}
	snapshot := b.backlog
	b.backlog = make(map[string]*entry)
	b.total = 0
	b.mu.Unlock()

	if len(snapshot) == 0 {
		return nil
	}

	start := time.Now()
	var firstErr error
	var rows int64
	for sourceID, e := range snapshot {
		ictx, cancel := context.WithTimeout(ctx, b.cfg.InsertTimeout)
		n, err := b.sink.BulkInsertMetrics(ictx, sourceID, e.points, e.loadAvg)
		cancel()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			b.requeue(sourceID, e)
			continue
		}
		rows += n
	}
	elapsed := time.Since(start)

	b.mu.Lock()
	b.flushes++
	b.flushNanos += elapsed.Nanoseconds()
	b.rowsFlushed += uint64(rows)
	if firstErr != nil {
		b.flushErrors++
	}
	total := b.total
	b.mu.Unlock()

	if b.prom != nil {
		b.prom.FlushesTotal.Inc()
		b.prom.RowsFlushed.Add(float64(rows))
		b.prom.FlushSeconds.Observe(elapsed.Seconds())
		b.prom.BacklogSize.Set(float64(total))
		if firstErr != nil {
			b.prom.FlushErrors.Inc()
		}
	}

	if firstErr != nil {
		b.log.Error("flush failed, snapshot re-queued", "error", firstErr, "backlog", total)
		return firstErr
	}
	b.log.Debug("flushed", "rows", rows, "took", elapsed)
	return nil
}

// requeue puts an unwritten snapshot entry back at the head of the live
// backlog, preserving per-source insertion order.
func (b *Buffer) requeue(sourceID string, e *entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	// Points appended while the flush was in flight are already counted
	// in total; only the snapshot's own points come back.
	requeued := len(e.points)
	if live, ok := b.backlog[sourceID]; ok {
		e.points = append(e.points, live.points...)
		e.loadAvg = live.loadAvg
	}
	b.backlog[sourceID] = e
	b.total += requeued
	if b.total > b.maxBacklog {
		b.maxBacklog = b.total
	}
}

// Run drives the periodic flush until ctx is cancelled, then performs one
// final forced flush so shutdown never strands buffered points.
func (b *Buffer) Run(ctx context.Context) {
	defer close(b.done)
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.Background(), b.cfg.InsertTimeout)
			_ = b.Flush(fctx, true)
			cancel()
			return
		case <-ticker.C:
			_ = b.Flush(ctx, false)
		case <-b.flushCh:
			_ = b.Flush(ctx, false)
		}
	}
}

// Wait blocks until Run has exited.
func (b *Buffer) Wait() { <-b.done }

// Backlog returns the current pending point count.
func (b *Buffer) Backlog() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// Stats returns the operational snapshot.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Stats{
		Inserts:              b.inserts,
		Flushes:              b.flushes,
		RowsFlushed:          b.rowsFlushed,
		FlushErrors:          b.flushErrors,
		Backlog:              b.total,
		MaxBacklog:           b.maxBacklog,
		BackpressureWarnings: b.warnings,
		Mode:                 "buffered",
	}
	if b.flushes > 0 {
		s.AvgFlushMillis = float64(b.flushNanos) / float64(b.flushes) / 1e6
	}
	if b.immediateMode() {
		s.Mode = "immediate"
	}
	return s
}
