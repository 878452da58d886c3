// Package datastore keeps a local log of detections in SQLite. The local log
// is the field operator's view of what the sensor has heard, independent of
// whether the backend upload has gone through yet.
package datastore

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/tphakala/birdsense-go/internal/conf"
	"github.com/tphakala/birdsense-go/internal/errors"
	"github.com/tphakala/birdsense-go/internal/logging"
)

// Detection is one local detection record.
type Detection struct {
	ID             uint      `gorm:"primaryKey"`
	JobID          string    `gorm:"uniqueIndex"`
	Timestamp      time.Time `gorm:"index"`
	Species        string
	ScientificName string
	CommonName     string
	Confidence     float64
	Latitude       float64
	Longitude      float64
	ModelName      string
	AudioPath      string
}

// Interface is the datastore abstraction the sensor and CLI use.
type Interface interface {
	Open() error
	Save(detection *Detection) error
	GetLastDetections(limit int) ([]Detection, error)
	CountSince(since time.Time) (int64, error)
	Close() error
}

// SQLiteStore implements Interface on a SQLite database file.
type SQLiteStore struct {
	DB     *gorm.DB
	path   string
	debug  bool
	logger *slog.Logger
}

// New creates a SQLite store from settings. Call Open before use.
func New(settings *conf.Settings) *SQLiteStore {
	logger := logging.ForService("datastore")
	if logger == nil {
		logger = slog.Default().With("service", "datastore")
	}

	return &SQLiteStore{
		path:   settings.Output.SQLite.Path,
		debug:  settings.Debug,
		logger: logger,
	}
}

// Open connects to the database file and migrates the schema.
func (s *SQLiteStore) Open() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "create-database-directory").
			Build()
	}

	logMode := gormlogger.Silent
	if s.debug {
		logMode = gormlogger.Info
	}

	db, err := gorm.Open(sqlite.Open(s.path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(logMode),
	})
	if err != nil {
		return errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "open-database").
			Context("path", s.path).
			Build()
	}

	if err := db.AutoMigrate(&Detection{}); err != nil {
		return errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "migrate-schema").
			Build()
	}

	s.DB = db
	s.logger.Info("Detection log opened", "path", s.path)
	return nil
}

// Save inserts a detection record.
func (s *SQLiteStore) Save(detection *Detection) error {
	if s.DB == nil {
		return errors.Newf("datastore is not open").
			Component("datastore").
			Category(errors.CategoryState).
			Build()
	}

	if err := s.DB.Create(detection).Error; err != nil {
		return errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "save-detection").
			Context("job_id", detection.JobID).
			Build()
	}
	return nil
}

// GetLastDetections returns the most recent detections, newest first.
func (s *SQLiteStore) GetLastDetections(limit int) ([]Detection, error) {
	if s.DB == nil {
		return nil, errors.Newf("datastore is not open").
			Component("datastore").
			Category(errors.CategoryState).
			Build()
	}

	var detections []Detection
	err := s.DB.Order("timestamp DESC").Limit(limit).Find(&detections).Error
	if err != nil {
		return nil, errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "get-last-detections").
			Build()
	}
	return detections, nil
}

// CountSince returns how many detections were recorded at or after since.
func (s *SQLiteStore) CountSince(since time.Time) (int64, error) {
	if s.DB == nil {
		return 0, errors.Newf("datastore is not open").
			Component("datastore").
			Category(errors.CategoryState).
			Build()
	}

	var count int64
	err := s.DB.Model(&Detection{}).Where("timestamp >= ?", since).Count(&count).Error
	if err != nil {
		return 0, errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "count-detections").
			Build()
	}
	return count, nil
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s.DB == nil {
		return nil
	}
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
