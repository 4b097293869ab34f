// Package store keeps a local sqlite log of emitted reports.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/itohio/goemon/pkg/meter"
)

// Repository stores reports in a sqlite database.
type Repository struct {
	db *gorm.DB
}

// New opens (or creates) the database at path and migrates the schema.
func New(path string) (*Repository, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.AutoMigrate(&StoredReport{}, &StoredChannel{})
	if err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return &Repository{
		db: db,
	}, nil
}

// Name returns the sink name.
func (r *Repository) Name() string {
	return "store"
}

// Write stores a report stamped with the current time.
func (r *Repository) Write(ctx context.Context, report *meter.Report) error {
	_, err := r.AddReport(ctx, report, time.Now().UTC())
	return err
}

// AddReport stores a report and its channel rows in one transaction and
// returns the generated report id.
func (r *Repository) AddReport(ctx context.Context, report *meter.Report, ts time.Time) (uuid.UUID, error) {
	stored, channels := newStoredReport(report, ts)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&stored).Error; err != nil {
			return err
		}
		if len(channels) == 0 {
			return nil
		}
		return tx.Create(&channels).Error
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("store report %d: %w", report.Seq, err)
	}
	return stored.ID, nil
}

// GetReports returns up to limit reports, newest first.
func (r *Repository) GetReports(ctx context.Context, limit int) ([]StoredReport, error) {
	var reports []StoredReport
	result := r.db.WithContext(ctx).Limit(limit).Order("time desc, seq desc").Find(&reports)
	if result.Error != nil {
		return nil, result.Error
	}
	return reports, nil
}

// GetChannels returns the channel rows of a report: voltages, then pulses,
// then currents.
func (r *Repository) GetChannels(ctx context.Context, reportID uuid.UUID) ([]StoredChannel, error) {
	var channels []StoredChannel
	result := r.db.WithContext(ctx).
		Where("report_id = ?", reportID).
		Order("kind desc, channel asc").
		Find(&channels)
	if result.Error != nil {
		return nil, result.Error
	}
	return channels, nil
}

// LatestPulseCounts returns the pulse counts of the newest report of meterID
// that carried any, or nil when there is none.
func (r *Repository) LatestPulseCounts(ctx context.Context, meterID uuid.UUID) ([]uint64, error) {
	var channels []StoredChannel
	latest := r.db.Model(&StoredChannel{}).
		Select("stored_channels.report_id").
		Joins("JOIN stored_reports ON stored_reports.id = stored_channels.report_id").
		Where("stored_channels.kind = ? AND stored_reports.meter_id = ?", KindPulse, meterID).
		Order("stored_reports.time desc, stored_reports.seq desc").
		Limit(1)
	result := r.db.WithContext(ctx).
		Where("kind = ? AND report_id = (?)", KindPulse, latest).
		Order("channel asc").
		Find(&channels)
	if result.Error != nil {
		return nil, fmt.Errorf("load pulse counts: %w", result.Error)
	}
	if len(channels) == 0 {
		return nil, nil
	}

	counts := make([]uint64, channels[len(channels)-1].Channel+1)
	for _, c := range channels {
		counts[c.Channel] = c.Count
	}
	return counts, nil
}

// DeleteBefore removes reports older than t together with their channels.
func (r *Repository) DeleteBefore(ctx context.Context, t time.Time) (int64, error) {
	var deleted int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		old := tx.Model(&StoredReport{}).Select("id").Where("time < ?", t)
		if err := tx.Where("report_id IN (?)", old).Delete(&StoredChannel{}).Error; err != nil {
			return err
		}
		result := tx.Where("time < ?", t).Delete(&StoredReport{})
		deleted = result.RowsAffected
		return result.Error
	})
	return deleted, err
}

// Close closes the underlying database.
func (r *Repository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
