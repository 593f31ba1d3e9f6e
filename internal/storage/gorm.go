package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/vesaa/openflock/internal/config"
	"github.com/vesaa/openflock/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// gormStore is the relational backend (SQLite via the pure-Go driver).
type gormStore struct {
	db *gorm.DB
}

func openGorm(cfg *config.Config) (*gormStore, error) {
	db, err := gorm.Open(sqlite.Open(cfg.DBPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.AutoMigrate(
		&models.Agent{},
		&models.MetricPoint{},
		&models.DiskPoint{},
		&models.LogLine{},
	); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}

	slog.Info("database opened", "driver", "sqlite", "path", cfg.DBPath)
	return &gormStore{db: db}, nil
}

// newGormStoreForTest wraps an already-open DB; used by package tests.
func newGormStoreForTest(db *gorm.DB) *gormStore { return &gormStore{db: db} }

func (s *gormStore) BulkInsertMetrics(ctx context.Context, sourceID string, points []models.MetricPoint, loadAvg float64) (int64, error) {
	if len(points) == 0 {
		return 0, nil
	}

	rows := make([]models.MetricPoint, 0, len(points))
	var disks []models.DiskPoint
	for _, p := range points {
		p.SourceID = sourceID
		if p.ReportedAt.IsZero() {
			p.ReportedAt = time.Now()
		}
		if p.Load1 == 0 && loadAvg > 0 {
			p.Load1 = loadAvg
		}
		p.FillDedupKey(sourceID)
		for _, d := range p.Disks {
			d.SourceID = sourceID
			d.ReportedAt = p.ReportedAt
			disks = append(disks, d)
		}
		p.Disks = nil
		rows = append(rows, p)
	}

	// ON CONFLICT DO NOTHING on the dedup key makes queue redelivery a no-op.
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(&rows, 200)
	if res.Error != nil {
		return 0, fmt.Errorf("bulk insert %s: %w", models.TableMetricPoints, res.Error)
	}
	written := res.RowsAffected

	if len(disks) > 0 {
		dres := s.db.WithContext(ctx).CreateInBatches(&disks, 200)
		if dres.Error != nil {
			return written, fmt.Errorf("bulk insert %s: %w", models.TableDiskPoints, dres.Error)
		}
		written += dres.RowsAffected
	}
	return written, nil
}

func (s *gormStore) InsertLogLines(ctx context.Context, sourceID string, lines []models.LogLine) (int64, error) {
	if len(lines) == 0 {
		return 0, nil
	}
	rows := make([]models.LogLine, 0, len(lines))
	for _, l := range lines {
		l.SourceID = sourceID
		if l.ReportedAt.IsZero() {
			l.ReportedAt = time.Now()
		}
		rows = append(rows, l)
	}
	res := s.db.WithContext(ctx).CreateInBatches(&rows, 500)
	if res.Error != nil {
		return 0, fmt.Errorf("insert %s: %w", models.TableLogLines, res.Error)
	}
	return res.RowsAffected, nil
}

func (s *gormStore) DeleteOlderThan(ctx context.Context, table, timeColumn string, cutoff time.Time) (int64, error) {
	if !validTable(table) {
		return 0, fmt.Errorf("delete: unknown table %q", table)
	}
	res := s.db.WithContext(ctx).Exec(
		fmt.Sprintf("DELETE FROM %s WHERE %s < ?", table, timeColumn), cutoff)
	if res.Error != nil {
		return 0, fmt.Errorf("delete older than from %s: %w", table, res.Error)
	}
	return res.RowsAffected, nil
}

func (s *gormStore) DeleteOldestBatch(ctx context.Context, table string, limit int) (int64, error) {
	if !validTable(table) {
		return 0, fmt.Errorf("delete: unknown table %q", table)
	}
	res := s.db.WithContext(ctx).Exec(fmt.Sprintf(
		"DELETE FROM %s WHERE id IN (SELECT id FROM %s ORDER BY reported_at ASC LIMIT ?)",
		table, table), limit)
	if res.Error != nil {
		return 0, fmt.Errorf("delete oldest batch from %s: %w", table, res.Error)
	}
	return res.RowsAffected, nil
}

func (s *gormStore) StorageSize(ctx context.Context) (int64, error) {
	var pageCount, pageSize int64
	if err := s.db.WithContext(ctx).Raw("PRAGMA page_count").Scan(&pageCount).Error; err != nil {
		return 0, fmt.Errorf("page_count: %w", err)
	}
	if err := s.db.WithContext(ctx).Raw("PRAGMA page_size").Scan(&pageSize).Error; err != nil {
		return 0, fmt.Errorf("page_size: %w", err)
	}
	return pageCount * pageSize, nil
}

func (s *gormStore) RowCounts(ctx context.Context, tables []string) (map[string]int64, error) {
	counts := make(map[string]int64, len(tables))
	for _, t := range tables {
		if !validTable(t) {
			return nil, fmt.Errorf("row counts: unknown table %q", t)
		}
		var n int64
		if err := s.db.WithContext(ctx).Table(t).Count(&n).Error; err != nil {
			return nil, fmt.Errorf("count %s: %w", t, err)
		}
		counts[t] = n
	}
	return counts, nil
}

func (s *gormStore) UpsertAgent(ctx context.Context, hs models.Handshake, addr string) error {
	now := time.Now()
	var agent models.Agent
	err := s.db.WithContext(ctx).Where("source_id = ?", hs.SourceID).First(&agent).Error
	if err == gorm.ErrRecordNotFound {
		agent = models.Agent{
			SourceID: hs.SourceID,
			Hostname: hs.Hostname,
			OS:       hs.OS,
			AgentVer: hs.AgentVer,
			ConnAddr: addr,
			Status:   models.AgentStatusOnline,
			LastSeen: now,
		}
		return s.db.WithContext(ctx).Create(&agent).Error
	} else if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&agent).Updates(map[string]any{
		"hostname":  hs.Hostname,
		"os":        hs.OS,
		"agent_ver": hs.AgentVer,
		"conn_addr": addr,
		"status":    models.AgentStatusOnline,
		"last_seen": now,
	}).Error
}

func (s *gormStore) MarkOffline(ctx context.Context, sourceIDs []string) error {
	if len(sourceIDs) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Model(&models.Agent{}).
		Where("source_id IN ?", sourceIDs).
		Update("status", models.AgentStatusOffline).Error
}

func (s *gormStore) Agents(ctx context.Context) ([]models.Agent, error) {
	var agents []models.Agent
	err := s.db.WithContext(ctx).Order("last_seen desc").Find(&agents).Error
	return agents, err
}

func (s *gormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
