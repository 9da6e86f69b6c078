package migrations

import (
	"github.com/ksred/ordersync-api/internal/replication"
	"gorm.io/gorm"
)

// AddFillUniqueIndex creates the fills table and makes sure the composite
// unique index on (order_id, exec_id) exists, since replay idempotence
// depends on it even for databases created before the index was declared.
func AddFillUniqueIndex(db *gorm.DB) error {
	if err := db.AutoMigrate(&replication.Fill{}); err != nil {
		return err
	}

	if !db.Migrator().HasIndex(&replication.Fill{}, "idx_fills_order_exec") {
		if err := db.Migrator().CreateIndex(&replication.Fill{}, "idx_fills_order_exec"); err != nil {
			return err
		}
	}

	return nil
}
