package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/vesaa/openflock/internal/config"
	"github.com/vesaa/openflock/internal/models"
)

// influxStore is the time-series-native backend. InfluxDB has no cheap
// byte-size or row-count introspection and its buckets carry their own
// retention, so StorageSize, RowCounts and DeleteOldestBatch report
// ErrUnsupported; the retention engine degrades accordingly.
//
// The agent registry is operational state, not telemetry, so this backend
// keeps it in memory rather than forcing registry rows into a TSDB.
type influxStore struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
	delete api.DeleteAPI
	org    string
	bucket string

	mu     sync.RWMutex
	agents map[string]models.Agent
}

func openInflux(cfg *config.Config) (*influxStore, error) {
	client := influxdb2.NewClient(cfg.InfluxURL, cfg.InfluxToken)
	ok, err := client.Ping(context.Background())
	if err != nil || !ok {
		client.Close()
		return nil, fmt.Errorf("influx ping %s: %w", cfg.InfluxURL, err)
	}
	slog.Info("database opened", "driver", "influx", "url", cfg.InfluxURL, "bucket", cfg.InfluxBucket)
	return &influxStore{
		client: client,
		write:  client.WriteAPIBlocking(cfg.InfluxOrg, cfg.InfluxBucket),
		delete: client.DeleteAPI(),
		org:    cfg.InfluxOrg,
		bucket: cfg.InfluxBucket,
		agents: make(map[string]models.Agent),
	}, nil
}

func (s *influxStore) BulkInsertMetrics(ctx context.Context, sourceID string, points []models.MetricPoint, loadAvg float64) (int64, error) {
	if len(points) == 0 {
		return 0, nil
	}
	var written int64
	for _, p := range points {
		ts := p.ReportedAt
		if ts.IsZero() {
			ts = time.Now()
		}
		pt := influxdb2.NewPoint(models.TableMetricPoints,
			map[string]string{"source_id": sourceID},
			map[string]interface{}{
				"cpu_usage":       p.CPUUsage,
				"mem_usage":       p.MemUsage,
				"disk_usage":      p.DiskUsage,
				"rx_bps":          p.RxBps,
				"tx_bps":          p.TxBps,
				"tcp_connections": p.TCPConnections,
				"udp_connections": p.UDPConnections,
				"temperature_c":   p.TemperatureC,
				"load_avg":        loadAvg,
			}, ts)
		if err := s.write.WritePoint(ctx, pt); err != nil {
			return written, fmt.Errorf("influx write: %w", err)
		}
		written++
		for _, d := range p.Disks {
			dp := influxdb2.NewPoint(models.TableDiskPoints,
				map[string]string{"source_id": sourceID, "mount": d.Mount},
				map[string]interface{}{
					"used_pct":    d.UsedPct,
					"used_bytes":  int64(d.UsedBytes),
					"total_bytes": int64(d.TotalBytes),
				}, ts)
			if err := s.write.WritePoint(ctx, dp); err != nil {
				return written, fmt.Errorf("influx write: %w", err)
			}
			written++
		}
	}
	return written, nil
}

func (s *influxStore) InsertLogLines(ctx context.Context, sourceID string, lines []models.LogLine) (int64, error) {
	var written int64
	for _, l := range lines {
		ts := l.ReportedAt
		if ts.IsZero() {
			ts = time.Now()
		}
		pt := influxdb2.NewPoint(models.TableLogLines,
			map[string]string{"source_id": sourceID, "level": l.Level},
			map[string]interface{}{"line": l.Line}, ts)
		if err := s.write.WritePoint(ctx, pt); err != nil {
			return written, fmt.Errorf("influx write: %w", err)
		}
		written++
	}
	return written, nil
}

func (s *influxStore) DeleteOlderThan(ctx context.Context, table, _ string, cutoff time.Time) (int64, error) {
	if !validTable(table) {
		return 0, fmt.Errorf("delete: unknown table %q", table)
	}
	// Influx deletes by time range + predicate; it does not report a count.
	start := time.Unix(0, 0)
	pred := fmt.Sprintf(`_measurement="%s"`, table)
	if err := s.delete.DeleteWithName(ctx, s.org, s.bucket, start, cutoff, pred); err != nil {
		return 0, fmt.Errorf("influx delete %s: %w", table, err)
	}
	return 0, nil
}

func (s *influxStore) DeleteOldestBatch(ctx context.Context, table string, limit int) (int64, error) {
	return 0, ErrUnsupported
}

func (s *influxStore) StorageSize(ctx context.Context) (int64, error) {
	return 0, ErrUnsupported
}

func (s *influxStore) RowCounts(ctx context.Context, tables []string) (map[string]int64, error) {
	return nil, ErrUnsupported
}

func (s *influxStore) UpsertAgent(_ context.Context, hs models.Handshake, addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.agents[hs.SourceID]
	a.SourceID = hs.SourceID
	a.Hostname = hs.Hostname
	a.OS = hs.OS
	a.AgentVer = hs.AgentVer
	a.ConnAddr = addr
	a.Status = models.AgentStatusOnline
	a.LastSeen = time.Now()
	s.agents[hs.SourceID] = a
	return nil
}

func (s *influxStore) MarkOffline(_ context.Context, sourceIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range sourceIDs {
		if a, ok := s.agents[id]; ok {
			a.Status = models.AgentStatusOffline
			s.agents[id] = a
		}
	}
	return nil
}

func (s *influxStore) Agents(_ context.Context) ([]models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a)
	}
	return out, nil
}

func (s *influxStore) Close() error {
	s.client.Close()
	return nil
}
