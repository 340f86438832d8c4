package database

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ksred/klear-exec/internal/config"
	"github.com/ksred/klear-exec/internal/database/migrations"
	zlog "github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Migration is one schema step, applied in order on every start
type Migration struct {
	Name string
	Run  func(*gorm.DB) error
}

// Migrations lists every schema step. Each must be safe to re-run.
var Migrations = []Migration{
	{Name: "001_create_order_ledger", Run: migrations.CreateOrderLedger},
	{Name: "002_create_positions", Run: migrations.CreatePositions},
}

// NewDatabase opens the configured database and runs migrations
func NewDatabase(cfg config.DatabaseConfig, debug bool) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	level := logger.Warn
	if debug {
		level = logger.Info
	}
	gormLogger := logger.New(log.New(os.Stdout, "\r\n", log.LstdFlags), logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  level,
		IgnoreRecordNotFoundError: true,
	})

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// sqlite serialises writers; one connection keeps transactions from
	// failing with SQLITE_BUSY under concurrent submissions
	if cfg.Driver == "sqlite" {
		sqlDB.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

// Migrate applies every migration in order
func Migrate(db *gorm.DB) error {
	for _, m := range Migrations {
		if err := m.Run(db); err != nil {
			return fmt.Errorf("failed to run migration %s: %w", m.Name, err)
		}
		zlog.Debug().Str("migration", m.Name).Msg("migration applied")
	}
	return nil
}
