package storage

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vesaa/openflock/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestStore(t *testing.T) *gormStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Agent{}, &models.MetricPoint{}, &models.DiskPoint{}, &models.LogLine{},
	))
	return newGormStoreForTest(db)
}

func samplePoints(base time.Time, n int) []models.MetricPoint {
	pts := make([]models.MetricPoint, n)
	for i := range pts {
		pts[i] = models.MetricPoint{
			ReportedAt: base.Add(time.Duration(i) * time.Second),
			CPUUsage:   float64(10 + i),
			MemUsage:   42.5,
			DiskUsage:  61.2,
			RxBps:      1000,
			TxBps:      500,
		}
	}
	return pts
}

func TestBulkInsertMetrics(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pts := samplePoints(time.Now(), 5)
	pts[0].Disks = []models.DiskPoint{
		{Mount: "/", UsedPct: 70, UsedBytes: 7 << 30, TotalBytes: 10 << 30},
		{Mount: "/data", UsedPct: 20, UsedBytes: 2 << 30, TotalBytes: 10 << 30},
	}

	written, err := s.BulkInsertMetrics(ctx, "agent-1", pts, 1.5)
	require.NoError(t, err)
	assert.Equal(t, int64(7), written) // 5 points + 2 disk rows

	counts, err := s.RowCounts(ctx, models.RawTables())
	require.NoError(t, err)
	assert.Equal(t, int64(5), counts[models.TableMetricPoints])
	assert.Equal(t, int64(2), counts[models.TableDiskPoints])
}

func TestBulkInsertIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pts := samplePoints(time.Unix(1_700_000_000, 0), 3)

	_, err := s.BulkInsertMetrics(ctx, "agent-1", pts, 0)
	require.NoError(t, err)

	// Replaying the identical batch (queue redelivery) must not error and
	// must not grow the table.
	written, err := s.BulkInsertMetrics(ctx, "agent-1", pts, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), written)

	counts, err := s.RowCounts(ctx, []string{models.TableMetricPoints})
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts[models.TableMetricPoints])
}

func TestDeleteOlderThan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	ages := []time.Duration{time.Hour, 6 * 24 * time.Hour, 8 * 24 * time.Hour, 30 * 24 * time.Hour}
	for i, age := range ages {
		pts := []models.MetricPoint{{ReportedAt: now.Add(-age), CPUUsage: float64(i)}}
		_, err := s.BulkInsertMetrics(ctx, "agent-1", pts, 0)
		require.NoError(t, err)
	}

	// 7-day window: exactly the 8d and 30d rows go.
	deleted, err := s.DeleteOlderThan(ctx, models.TableMetricPoints, "reported_at", now.Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	counts, err := s.RowCounts(ctx, []string{models.TableMetricPoints})
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[models.TableMetricPoints])
}

func TestDeleteOldestBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	_, err := s.BulkInsertMetrics(ctx, "agent-1", samplePoints(base, 10), 0)
	require.NoError(t, err)

	deleted, err := s.DeleteOldestBatch(ctx, models.TableMetricPoints, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(4), deleted)

	// The survivors are the newest six.
	var min time.Time
	err = s.db.Table(models.TableMetricPoints).Select("min(reported_at)").Scan(&min).Error
	require.NoError(t, err)
	assert.WithinDuration(t, base.Add(4*time.Second), min, time.Second)
}

func TestDeleteUnknownTableRejected(t *testing.T) {
	s := newTestStore(t)
	_, err := s.DeleteOlderThan(context.Background(), "agents; DROP TABLE agents", "reported_at", time.Now())
	assert.Error(t, err)
	_, err = s.DeleteOldestBatch(context.Background(), "nope", 10)
	assert.Error(t, err)
}

func TestStorageSize(t *testing.T) {
	s := newTestStore(t)
	size, err := s.StorageSize(context.Background())
	require.NoError(t, err)
	assert.Greater(t, size, int64(0))
}

func TestUpsertAgentAndMarkOffline(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	hs := models.Handshake{SourceID: "agent-1", Hostname: "web01", OS: "debian 12", AgentVer: "v0.1.0"}
	require.NoError(t, s.UpsertAgent(ctx, hs, "10.0.0.5:41002"))

	// Second handshake updates in place, no duplicate row.
	hs.Hostname = "web01.internal"
	require.NoError(t, s.UpsertAgent(ctx, hs, "10.0.0.5:41010"))

	agents, err := s.Agents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "web01.internal", agents[0].Hostname)
	assert.Equal(t, models.AgentStatusOnline, agents[0].Status)

	require.NoError(t, s.MarkOffline(ctx, []string{"agent-1"}))
	agents, err = s.Agents(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusOffline, agents[0].Status)
}

func TestInsertLogLines(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n, err := s.InsertLogLines(ctx, "agent-1", []models.LogLine{
		{Level: "error", Line: "oom killed process 1234"},
		{Level: "info", Line: "service restarted"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
