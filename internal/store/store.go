// Copyright 2024 The accuchek authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

// Package store persists downloaded readings in a SQLite database.
package store

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/lumberbarons/accuchek"
)

// Reading is one persisted glucose result. Sequence restarts per
// session, so the meter serial plus sequence plus timestamp identify a
// record across repeated downloads.
type Reading struct {
	ID           uint   `gorm:"primaryKey"`
	DeviceSerial string `gorm:"index:idx_reading,unique"`
	Sequence     uint32 `gorm:"index:idx_reading,unique"`
	Epoch        int64  `gorm:"index:idx_reading,unique"`
	MgPerDL      uint16
	MmolPerL     float64
	DownloadedAt time.Time
}

// Store wraps the readings database.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) the database at path and migrates the
// schema.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	if err := db.AutoMigrate(&Reading{}); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Insert stores one reading. Re-downloading the same record is a no-op.
func (s *Store) Insert(serial string, r accuchek.Reading) error {
	row := Reading{
		DeviceSerial: serial,
		Sequence:     r.ID,
		Epoch:        r.Epoch,
		MgPerDL:      r.MgPerDL,
		MmolPerL:     r.MmolPerL,
		DownloadedAt: time.Now(),
	}
	return s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

// Readings returns all rows for one meter, oldest first.
func (s *Store) Readings(serial string) ([]Reading, error) {
	var rows []Reading
	err := s.db.Where("device_serial = ?", serial).
		Order("epoch, sequence").Find(&rows).Error
	return rows, err
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
