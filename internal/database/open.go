package database

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/kobosync/internal/registrations"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var (
	errUnsupportedDriver = errors.New("database: unsupported driver")
	errMissingPath       = errors.New("database: sqlite path is required")
	errMissingDSN        = errors.New("database: postgres dsn is required")
)

// Config selects and configures the backing store.
type Config struct {
	Driver string
	// DSN is the postgres connection string.
	DSN string
	// Path is the sqlite database file.
	Path string
	// PersonTable is created on sqlite when missing; on postgres it is owned by the registration system.
	PersonTable string
	Logger      *zap.Logger
}

// Open connects to the configured store and applies schema migrations.
func Open(cfg Config) (*gorm.DB, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gormConfig := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}

	var (
		db         *gorm.DB
		err        error
		migrations []migrationDefinition
		target     string
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case DriverSQLite, "":
		if strings.TrimSpace(cfg.Path) == "" {
			return nil, errMissingPath
		}
		db, err = gorm.Open(sqlite.Open(cfg.Path), gormConfig)
		if err != nil {
			return nil, newStoreError("open", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, newStoreError("open", err)
		}
		sqlDB.SetMaxOpenConns(1)
		if table := strings.TrimSpace(cfg.PersonTable); table != "" {
			migrations = append(migrations, createPersonTableMigration(table))
		}
		target = cfg.Path
	case DriverPostgres:
		if strings.TrimSpace(cfg.DSN) == "" {
			return nil, errMissingDSN
		}
		db, err = gorm.Open(postgres.Open(cfg.DSN), gormConfig)
		if err != nil {
			return nil, newStoreError("open", err)
		}
		target = "postgres"
	default:
		return nil, fmt.Errorf("%w: %q", errUnsupportedDriver, cfg.Driver)
	}

	if err := db.AutoMigrate(&registrations.RelayEvent{}, &migrationRecord{}); err != nil {
		return nil, newStoreError("migrate", err)
	}
	if err := applyMigrations(db, logger, migrations); err != nil {
		return nil, newStoreError("migrate", err)
	}

	logger.Info("database initialized", zap.String("driver", db.Dialector.Name()), zap.String("target", target))
	return db, nil
}
