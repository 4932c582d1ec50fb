package client

import (
	"fmt"
	"payment-reconciler/internal/config"
	"payment-reconciler/internal/model"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func InitDBClient(cfg config.Database) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "mysql":
		dialector = mysql.Open(cfg.URL)
	case "sqlite", "":
		dialector = sqlite.Open(sqliteDSN(cfg.URL))
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	// Connection pool (important for webhooks)
	if cfg.Driver == "mysql" {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetConnMaxLifetime(time.Hour)
	} else {
		// sqlite allows one writer; a single connection makes writers queue
		// instead of failing with SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&model.Deal{},
		&model.Milestone{},
		&model.PaymentIntent{},
		&model.WebhookEvent{},
		&model.RefundRecord{},
		&model.LedgerSnapshot{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func sqliteDSN(url string) string {
	sep := "?"
	if strings.Contains(url, "?") {
		sep = "&"
	}
	return url + sep + "_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=1"
}
