package db

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/cobaltlane/bridgebot/db/models"
)

// Open connects to the configured database, applies pool settings, and
// migrates the schema when AutoMigrate is set.
func Open(cfg Config) (*gorm.DB, error) {
	driver := strings.TrimSpace(strings.ToLower(cfg.Driver))
	if driver != "" && driver != "sqlite" {
		return nil, fmt.Errorf("unsupported db driver %q", cfg.Driver)
	}

	dsn, err := ResolveSQLiteDSN(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("resolve sqlite dsn: %w", err)
	}
	dsn = applySQLiteOptions(dsn, cfg.SQLite)

	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	if cfg.Pool.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.Pool.MaxOpenConns)
	}
	if cfg.Pool.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.Pool.MaxIdleConns)
	}
	if cfg.Pool.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.Pool.ConnMaxLifetime)
	}

	if cfg.AutoMigrate {
		if err := gdb.AutoMigrate(
			&models.ThreadConfig{},
			&models.CachedMessage{},
			&models.UserPreference{},
		); err != nil {
			return nil, fmt.Errorf("auto migrate: %w", err)
		}
	}
	return gdb, nil
}

// applySQLiteOptions appends driver pragmas to the DSN unless the caller
// already set them explicitly.
func applySQLiteOptions(dsn string, cfg SQLiteConfig) string {
	params := url.Values{}
	if cfg.BusyTimeoutMs > 0 && !strings.Contains(dsn, "_busy_timeout") {
		params.Set("_busy_timeout", strconv.Itoa(cfg.BusyTimeoutMs))
	}
	if cfg.WAL && !strings.Contains(dsn, "_journal_mode") {
		params.Set("_journal_mode", "WAL")
	}
	if cfg.ForeignKeys && !strings.Contains(dsn, "_foreign_keys") {
		params.Set("_foreign_keys", "on")
	}
	if len(params) == 0 {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + params.Encode()
}
