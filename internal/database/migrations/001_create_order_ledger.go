package migrations

import (
	"github.com/ksred/klear-exec/internal/ledger"
	"gorm.io/gorm"
)

// CreateOrderLedger creates the order ledger table and its lookup indexes
func CreateOrderLedger(db *gorm.DB) error {
	if err := ledger.Migrate(db); err != nil {
		return err
	}

	indexes := []string{
		// listing by symbol, newest first
		`CREATE INDEX IF NOT EXISTS idx_order_ledger_symbol_created
		 ON order_ledger(symbol, created_at)`,

		`CREATE INDEX IF NOT EXISTS idx_order_ledger_created_at
		 ON order_ledger(created_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
