package retention

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vesaa/openflock/internal/models"
	"github.com/vesaa/openflock/internal/storage"
)

// fakeStore simulates the storage engine with a byte size that shrinks as
// rows are deleted.
type fakeStore struct {
	rows        map[string][]time.Time // table → row timestamps, oldest first
	bytesPerRow int64
	baseBytes   int64

	sizeErr   error
	deleteErr error

	timeCutoffs map[string]time.Time
	batchCalls  []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rows:        make(map[string][]time.Time),
		bytesPerRow: 100,
		timeCutoffs: make(map[string]time.Time),
	}
}

func (f *fakeStore) addRows(table string, n int, age time.Duration) {
	ts := time.Now().Add(-age)
	for i := 0; i < n; i++ {
		f.rows[table] = append(f.rows[table], ts)
	}
}

func (f *fakeStore) DeleteOlderThan(_ context.Context, table, _ string, cutoff time.Time) (int64, error) {
	if f.deleteErr != nil {
		return 0, f.deleteErr
	}
	f.timeCutoffs[table] = cutoff
	var kept []time.Time
	var deleted int64
	for _, ts := range f.rows[table] {
		if ts.Before(cutoff) {
			deleted++
		} else {
			kept = append(kept, ts)
		}
	}
	f.rows[table] = kept
	return deleted, nil
}

func (f *fakeStore) DeleteOldestBatch(_ context.Context, table string, limit int) (int64, error) {
	if f.deleteErr != nil {
		return 0, f.deleteErr
	}
	f.batchCalls = append(f.batchCalls, table)
	n := limit
	if n > len(f.rows[table]) {
		n = len(f.rows[table])
	}
	f.rows[table] = f.rows[table][n:]
	return int64(n), nil
}

func (f *fakeStore) StorageSize(context.Context) (int64, error) {
	if f.sizeErr != nil {
		return 0, f.sizeErr
	}
	size := f.baseBytes
	for _, rows := range f.rows {
		size += int64(len(rows)) * f.bytesPerRow
	}
	return size, nil
}

func (f *fakeStore) RowCounts(_ context.Context, tables []string) (map[string]int64, error) {
	out := make(map[string]int64)
	for _, t := range tables {
		out[t] = int64(len(f.rows[t]))
	}
	return out, nil
}

func healthyProbe(free, total uint64) diskProbe {
	return func(string) (*disk.UsageStat, error) {
		return &disk.UsageStat{Free: free, Total: total, Used: total - free}, nil
	}
}

func testEngine(store Store, cfg Config) *Engine {
	if cfg.Tables == nil {
		cfg.Tables = map[string]time.Duration{}
	}
	e := New(store, cfg, slog.Default(), nil)
	e.probe = healthyProbe(500<<30, 1000<<30) // plenty free
	return e
}

func TestTimePhaseDeletesOnlyExpiredRows(t *testing.T) {
	f := newFakeStore()
	// Ages: 1h, 6d, 8d, 30d with a 7-day window.
	f.addRows(models.TableMetricPoints, 1, time.Hour)
	f.addRows(models.TableMetricPoints, 1, 6*24*time.Hour)
	f.addRows(models.TableMetricPoints, 1, 8*24*time.Hour)
	f.addRows(models.TableMetricPoints, 1, 30*24*time.Hour)

	e := testEngine(f, Config{
		Tables: map[string]time.Duration{models.TableMetricPoints: 7 * 24 * time.Hour},
	})
	res := e.RunOnce(context.Background())

	assert.Equal(t, int64(2), res.TotalDeleted)
	assert.Len(t, f.rows[models.TableMetricPoints], 2)
}

func TestTimePhaseTablesIndependent(t *testing.T) {
	f := newFakeStore()
	f.addRows(models.TableMetricPoints, 3, 48*time.Hour)
	f.addRows(models.TableLogLines, 2, 48*time.Hour)

	e := testEngine(f, Config{Tables: map[string]time.Duration{
		models.TableMetricPoints: 24 * time.Hour,
		models.TableLogLines:     24 * time.Hour,
	}})
	res := e.RunOnce(context.Background())

	assert.Equal(t, int64(5), res.TotalDeleted)
	// Both tables show up in the per-table outcomes.
	tables := map[string]bool{}
	for _, tr := range res.Tables {
		tables[tr.Table] = true
		assert.Empty(t, tr.Error)
	}
	assert.True(t, tables[models.TableMetricPoints])
	assert.True(t, tables[models.TableLogLines])
}

func TestSizePhaseEvictsUntilUnderCap(t *testing.T) {
	f := newFakeStore()
	f.addRows(models.TableMetricPoints, 100, time.Hour) // 10_000 bytes

	e := testEngine(f, Config{
		MaxStorageBytes:  5_000,
		SizeBatch:        10, // 1_000 bytes per batch
		SizeIterationCap: 50,
	})
	res := e.RunOnce(context.Background())

	size, _ := f.StorageSize(context.Background())
	assert.LessOrEqual(t, size, int64(5_000))
	assert.Greater(t, res.SizeDeleted, int64(0))
	assert.LessOrEqual(t, res.SizeIterations, 50)
}

func TestSizePhaseRespectsIterationCap(t *testing.T) {
	f := newFakeStore()
	f.baseBytes = 1 << 40 // size never drops under the cap
	f.addRows(models.TableMetricPoints, 1_000_000, time.Hour)

	e := testEngine(f, Config{
		MaxStorageBytes:  1_000,
		SizeBatch:        10,
		SizeIterationCap: 7,
	})
	res := e.RunOnce(context.Background())
	assert.Equal(t, 7, res.SizeIterations)
}

func TestSizePhaseRotatesToNextTableWhenDrained(t *testing.T) {
	f := newFakeStore()
	f.baseBytes = 10_000
	f.addRows(models.TableMetricPoints, 3, time.Hour) // under half a batch
	f.addRows(models.TableDiskPoints, 50, time.Hour)

	e := testEngine(f, Config{
		MaxStorageBytes:  1_000,
		SizeBatch:        10,
		SizeIterationCap: 20,
	})
	e.RunOnce(context.Background())

	// First batch drains metric_points (3 < 5), so the engine moves on.
	assert.Contains(t, f.batchCalls, models.TableMetricPoints)
	assert.Contains(t, f.batchCalls, models.TableDiskPoints)
}

func TestSizePhaseSkippedWhenUnsupported(t *testing.T) {
	f := newFakeStore()
	f.sizeErr = storage.ErrUnsupported
	f.addRows(models.TableMetricPoints, 100, time.Hour)

	e := testEngine(f, Config{MaxStorageBytes: 1, SizeBatch: 10})
	res := e.RunOnce(context.Background())

	assert.Zero(t, res.SizeDeleted)
	assert.Empty(t, f.batchCalls)
}

func TestDiskPanicRaisedAfterCleanupRuns(t *testing.T) {
	f := newFakeStore()
	f.addRows(models.TableMetricPoints, 2, 48*time.Hour)

	e := testEngine(f, Config{
		Tables:       map[string]time.Duration{models.TableMetricPoints: 24 * time.Hour},
		MinFreeBytes: 10 << 30,
		MinFreePct:   5,
	})
	e.probe = healthyProbe(1<<30, 1000<<30) // 1 GiB free of 1 TiB

	res := e.RunOnce(context.Background())
	assert.True(t, res.DiskPanic)
	// The preceding phases still ran to completion.
	assert.Equal(t, int64(2), res.TotalDeleted)
	// The panic check deleted nothing itself.
	assert.Zero(t, res.SizeDeleted)
}

func TestDiskPanicByPercentage(t *testing.T) {
	f := newFakeStore()
	e := testEngine(f, Config{MinFreePct: 10})
	e.probe = healthyProbe(40<<30, 1000<<30) // 4% free

	res := e.RunOnce(context.Background())
	assert.True(t, res.DiskPanic)
	assert.InDelta(t, 4.0, res.DiskFreePct, 0.1)
}

func TestTimePhaseErrorDoesNotBlockOtherPhases(t *testing.T) {
	f := newFakeStore()
	f.deleteErr = errors.New("table locked")
	e := testEngine(f, Config{
		Tables:     map[string]time.Duration{models.TableMetricPoints: time.Hour},
		MinFreePct: 5,
	})
	e.probe = healthyProbe(1<<20, 1000<<30)

	res := e.RunOnce(context.Background())
	require.NotEmpty(t, res.Tables)
	assert.NotEmpty(t, res.Tables[0].Error)
	// Disk phase still ran and raised its condition.
	assert.True(t, res.DiskPanic)
}

func TestGetRetentionPolicy(t *testing.T) {
	f := newFakeStore()
	e := testEngine(f, Config{
		Tables: map[string]time.Duration{
			models.TableMetricPoints: 720 * time.Hour,
			models.TableLogLines:     168 * time.Hour,
		},
		Interval:        time.Hour,
		MaxStorageBytes: 8 << 30,
	})

	snap := e.GetRetentionPolicy()
	assert.Equal(t, "720h0m0s", snap.Tables[models.TableMetricPoints])
	assert.Equal(t, "168h0m0s", snap.Tables[models.TableLogLines])
	assert.Nil(t, snap.LastRun)

	e.RunOnce(context.Background())
	snap = e.GetRetentionPolicy()
	require.NotNil(t, snap.LastRun)
	assert.False(t, snap.LastRun.FinishedAt.IsZero())
}
