package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const migrationCreatePersonTablePrefix = "2026-10-01_create_person_table:"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger, migrations []migrationDefinition) error {
	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// createPersonTableMigration creates a local registration table with the
// column names the registration form writes.
func createPersonTableMigration(table string) migrationDefinition {
	return migrationDefinition{
		name: migrationCreatePersonTablePrefix + table,
		apply: func(db *gorm.DB) error {
			if db.Migrator().HasTable(table) {
				return nil
			}
			return db.Exec(
				"CREATE TABLE ? (id INTEGER PRIMARY KEY AUTOINCREMENT, ? TEXT NOT NULL, ? TEXT NOT NULL, ? TEXT, created_at DATETIME DEFAULT CURRENT_TIMESTAMP)",
				clause.Table{Name: table},
				clause.Column{Name: ColumnGivenName},
				clause.Column{Name: ColumnPaternalSurname},
				clause.Column{Name: ColumnMaternalSurname},
			).Error
		},
	}
}
