// Package storage defines the storage-engine contract the pipeline writes
// through, plus one implementation per backend. The pipeline never probes
// for optional capabilities at call time: a backend either implements an
// operation or returns ErrUnsupported, decided at construction.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vesaa/openflock/internal/config"
	"github.com/vesaa/openflock/internal/models"
)

// ErrUnsupported is returned by a backend for operations it cannot serve
// (e.g. byte-size introspection on a remote time-series store). Callers
// that can degrade should branch on it with errors.Is.
var ErrUnsupported = errors.New("storage: operation not supported by backend")

// Store is the full surface the ingestion-to-retention pipeline needs.
// Bulk inserts must be idempotent-safe for retried batches: re-inserting
// the same points is at worst a harmless duplicate, never an error.
type Store interface {
	// BulkInsertMetrics writes one source's points (and their nested disk
	// lists) in a single batched call. Returns rows written.
	BulkInsertMetrics(ctx context.Context, sourceID string, points []models.MetricPoint, loadAvg float64) (int64, error)

	// InsertLogLines writes log records streamed alongside metrics.
	InsertLogLines(ctx context.Context, sourceID string, lines []models.LogLine) (int64, error)

	// DeleteOlderThan removes rows from table whose timeColumn is before
	// cutoff. Returns rows deleted.
	DeleteOlderThan(ctx context.Context, table, timeColumn string, cutoff time.Time) (int64, error)

	// DeleteOldestBatch removes up to limit oldest rows from table.
	DeleteOldestBatch(ctx context.Context, table string, limit int) (int64, error)

	// StorageSize reports total bytes held by the backend.
	StorageSize(ctx context.Context) (int64, error)

	// RowCounts reports per-table row counts for the given tables.
	RowCounts(ctx context.Context, tables []string) (map[string]int64, error)

	// UpsertAgent creates or refreshes the registry row for a source.
	UpsertAgent(ctx context.Context, hs models.Handshake, addr string) error

	// MarkOffline flags the given sources offline (heartbeat timeout).
	MarkOffline(ctx context.Context, sourceIDs []string) error

	// Agents returns the full registry, newest-seen first.
	Agents(ctx context.Context) ([]models.Agent, error)

	Close() error
}

// Open constructs the backend selected by cfg.StorageDriver.
func Open(cfg *config.Config) (Store, error) {
	switch cfg.StorageDriver {
	case "sqlite", "":
		return openGorm(cfg)
	case "influx":
		return openInflux(cfg)
	default:
		return nil, fmt.Errorf("unsupported storage_driver %q (use 'sqlite' or 'influx')", cfg.StorageDriver)
	}
}

// validTable guards table names interpolated into SQL / delete predicates.
func validTable(table string) bool {
	for _, t := range models.RawTables() {
		if t == table {
			return true
		}
	}
	return false
}
