package database

import (
	"fmt"

	"github.com/ksred/ordersync-api/internal/database/migrations"
	"github.com/ksred/ordersync-api/internal/replication"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDatabase initializes and returns a new GORM DB connection for the
// durable store. Pass "file::memory:?cache=shared" for a throwaway database.
func NewDatabase(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	// Run migrations
	if err := migrations.AddFillUniqueIndex(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	// Auto-migrate other schemas
	err = db.AutoMigrate(
		&replication.Order{},
		&replication.AuditLog{},
		&replication.Checkpoint{},
	)
	if err != nil {
		return nil, err
	}

	return db, nil
}
