package migrations

import (
	"github.com/ksred/klear-exec/internal/positions"
	"gorm.io/gorm"
)

// CreatePositions creates the positions table
func CreatePositions(db *gorm.DB) error {
	if err := positions.Migrate(db); err != nil {
		return err
	}

	return db.Exec(`CREATE INDEX IF NOT EXISTS idx_positions_mode ON positions(mode)`).Error
}
