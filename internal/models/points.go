package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Raw-table names, in descending cardinality order. The retention engine
// relies on this ordering when it evicts oldest rows under the size cap.
const (
	TableMetricPoints = "metric_points"
	TableDiskPoints   = "disk_points"
	TableLogLines     = "log_lines"
)

// RawTables lists every raw table the pipeline writes, largest first.
func RawTables() []string {
	return []string{TableMetricPoints, TableDiskPoints, TableLogLines}
}

// MetricPoint is one measurement sample for one source. Raw tables carry
// no soft-delete column: retention issues hard deletes.
//
// DedupKey makes re-inserts from queue redelivery harmless: it is derived
// from source, timestamp and content, and carries a unique index that the
// bulk-insert path pairs with ON CONFLICT DO NOTHING.
type MetricPoint struct {
	ID       uint   `gorm:"primarykey" json:"-"`
	SourceID string `gorm:"index:idx_metric_source;not null" json:"source_id"`
	DedupKey string `gorm:"uniqueIndex;size:64" json:"-"`

	ReportedAt time.Time `gorm:"index" json:"reported_at"`
	CreatedAt  time.Time `json:"-"`

	CPUUsage  float64 `json:"cpu_usage"`  // percent 0-100
	MemUsage  float64 `json:"mem_usage"`  // percent 0-100
	DiskUsage float64 `json:"disk_usage"` // percent 0-100 (worst mount)

	RxBps int64 `json:"rx_bps"`
	TxBps int64 `json:"tx_bps"`

	TCPConnections int `json:"tcp_connections"`
	UDPConnections int `json:"udp_connections"`

	TemperatureC float64 `json:"temperature_c"`

	Load1  float64 `json:"load1"`
	Load5  float64 `json:"load5"`
	Load15 float64 `json:"load15"`

	// Disks is the per-mount detail reported with this sample. It is
	// persisted to disk_points, not serialized into this row.
	Disks []DiskPoint `gorm:"-" json:"disks,omitempty"`
}

// FillDedupKey computes and sets DedupKey for a point owned by sourceID.
func (p *MetricPoint) FillDedupKey(sourceID string) {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%.4f|%.4f|%.4f|%d|%d",
		sourceID, p.ReportedAt.UnixNano(), p.CPUUsage, p.MemUsage, p.DiskUsage, p.RxBps, p.TxBps)
	p.DedupKey = hex.EncodeToString(h.Sum(nil))[:64]
}

// DiskPoint is one mount's usage at a point in time.
type DiskPoint struct {
	ID       uint   `gorm:"primarykey" json:"-"`
	SourceID string `gorm:"index;not null" json:"source_id"`

	ReportedAt time.Time `gorm:"index" json:"reported_at"`
	CreatedAt  time.Time `json:"-"`

	Mount      string  `json:"mount"`
	UsedPct    float64 `json:"used_pct"`
	UsedBytes  uint64  `json:"used_bytes"`
	TotalBytes uint64  `json:"total_bytes"`
}

// LogLine is one log record streamed by an agent alongside its metrics.
type LogLine struct {
	ID       uint   `gorm:"primarykey" json:"-"`
	SourceID string `gorm:"index;not null" json:"source_id"`

	ReportedAt time.Time `gorm:"index" json:"reported_at"`
	CreatedAt  time.Time `json:"-"`

	Level string `gorm:"size:16" json:"level"`
	Line  string `json:"line"`
}
