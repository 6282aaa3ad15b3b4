/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/glebarez/sqlite" // Pure Go SQLite driver (no CGO required)
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/kube-freezer/kube-freezer/internal/exemption"
	"github.com/kube-freezer/kube-freezer/internal/history"
)

// GormArchive implements Archive using GORM
type GormArchive struct {
	db      *gorm.DB
	dialect string
}

// ConnectionPoolConfig holds connection pool settings
type ConnectionPoolConfig struct {
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// NewGormArchive creates a new GORM-based archive
func NewGormArchive(dialect string, dsn string) (*GormArchive, error) {
	return NewGormArchiveWithPool(dialect, dsn, ConnectionPoolConfig{})
}

// NewGormArchiveWithPool creates a new GORM-based archive with connection
// pool settings
func NewGormArchiveWithPool(dialect string, dsn string, pool ConnectionPoolConfig) (*GormArchive, error) {
	var dialector gorm.Dialector
	switch dialect {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported dialect: %s", dialect)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Connection pooling does not apply to SQLite's single file handle.
	if dialect != "sqlite" && (pool.MaxIdleConns > 0 || pool.MaxOpenConns > 0 || pool.ConnMaxLifetime > 0 || pool.ConnMaxIdleTime > 0) {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sql.DB for pool config: %w", err)
		}

		if pool.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(pool.MaxIdleConns)
		}
		if pool.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(pool.MaxOpenConns)
		}
		if pool.ConnMaxLifetime > 0 {
			sqlDB.SetConnMaxLifetime(pool.ConnMaxLifetime)
		}
		if pool.ConnMaxIdleTime > 0 {
			sqlDB.SetConnMaxIdleTime(pool.ConnMaxIdleTime)
		}
	}

	return &GormArchive{db: db, dialect: dialect}, nil
}

// Init initializes the archive (creates tables via auto-migration)
func (s *GormArchive) Init() error {
	return s.db.AutoMigrate(&FreezeEvent{}, &ExemptionRecord{})
}

// Close closes the archive and releases resources
func (s *GormArchive) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RecordEvent stores a history event. Events carry a unique id, so a
// replay (ring flush plus live sink) inserts at most once.
func (s *GormArchive) RecordEvent(ctx context.Context, e history.Event) error {
	row := newFreezeEvent(e)
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_id"}},
			DoNothing: true,
		}).Create(&row).Error
}

// ListEvents returns archived events with filtering and pagination
func (s *GormArchive) ListEvents(ctx context.Context, q EventQuery) ([]FreezeEvent, int64, error) {
	var events []FreezeEvent
	var total int64

	db := s.db.WithContext(ctx).Model(&FreezeEvent{})

	if q.Since != nil {
		db = db.Where("occurred_at >= ?", *q.Since)
	}
	if q.Type != "" {
		db = db.Where("event_type = ?", q.Type)
	}
	if q.Namespace != "" {
		db = db.Where("namespace = ?", q.Namespace)
	}

	// Get count first (before pagination)
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if q.Limit > 0 {
		db = db.Limit(q.Limit)
	}
	if q.Offset > 0 {
		db = db.Offset(q.Offset)
	}

	err := db.Order("occurred_at DESC, id DESC").Find(&events).Error
	return events, total, err
}

// EventCount returns the total number of archived events
func (s *GormArchive) EventCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&FreezeEvent{}).Count(&count).Error
	return count, err
}

// PruneEvents removes archived events older than the given time
func (s *GormArchive) PruneEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("occurred_at < ?", olderThan).
		Delete(&FreezeEvent{})
	return result.RowsAffected, result.Error
}

// SaveExemption persists an exemption using upsert, so consumption
// updates land on the row created at grant time
func (s *GormArchive) SaveExemption(ctx context.Context, e exemption.Exemption) error {
	row := newExemptionRecord(e)
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "exemption_id"}},
			UpdateAll: true,
		}).Create(&row).Error
}

// DeleteExemption removes an exemption record
func (s *GormArchive) DeleteExemption(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).
		Where("exemption_id = ?", id).
		Delete(&ExemptionRecord{}).Error
}

// ListActiveExemptions returns exemptions still usable at the given
// instant, oldest first, for rebuilding the in-memory store on startup
func (s *GormArchive) ListActiveExemptions(ctx context.Context, at time.Time) ([]exemption.Exemption, error) {
	var records []ExemptionRecord
	err := s.db.WithContext(ctx).
		Where("expires_at > ? AND used = ?", at, false).
		Order("created_at, id").
		Find(&records).Error
	if err != nil {
		return nil, err
	}

	out := make([]exemption.Exemption, 0, len(records))
	for i := range records {
		out = append(out, records[i].ToExemption())
	}
	return out, nil
}

// Health checks if the archive is healthy
func (s *GormArchive) Health(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
