package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/MarcoPoloResearchLab/kobosync/internal/people"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	// DefaultPersonTable is the registration table written by the webhook.
	DefaultPersonTable = "KoboOptionUpdateTest"

	ColumnGivenName       = "nombre"
	ColumnPaternalSurname = "apellido paterno"
	ColumnMaternalSurname = "apellido materno"
)

// ErrStore marks every failure of the backing store.
var ErrStore = errors.New("database: store failure")

var (
	errMissingDatabase   = errors.New("database handle is required")
	errNoMatchingColumns = errors.New("no submission field matches a table column")
)

// StoreError carries the failed operation and its cause. It matches ErrStore.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("database: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() []error {
	return []error{ErrStore, e.Err}
}

func newStoreError(op string, cause error) error {
	return &StoreError{Op: op, Err: cause}
}

// PersonStoreConfig describes the collaborators of a PersonStore.
type PersonStoreConfig struct {
	Database *gorm.DB
	Table    string
	Logger   *zap.Logger
}

// PersonStore reads and appends people in the registration table.
type PersonStore struct {
	db     *gorm.DB
	table  string
	logger *zap.Logger
}

// NewPersonStore constructs a PersonStore.
func NewPersonStore(cfg PersonStoreConfig) (*PersonStore, error) {
	if cfg.Database == nil {
		return nil, newStoreError("new", errMissingDatabase)
	}
	table := strings.TrimSpace(cfg.Table)
	if table == "" {
		table = DefaultPersonTable
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PersonStore{db: cfg.Database, table: table, logger: logger}, nil
}

// QueryAllPersonRecords returns every row of the table in storage order.
func (s *PersonStore) QueryAllPersonRecords(ctx context.Context) ([]people.PersonRecord, error) {
	rows, err := s.db.WithContext(ctx).
		Table(s.table).
		Select("?, ?, ?",
			clause.Column{Name: ColumnGivenName},
			clause.Column{Name: ColumnPaternalSurname},
			clause.Column{Name: ColumnMaternalSurname}).
		Rows()
	if err != nil {
		return nil, newStoreError("query_people", err)
	}
	defer rows.Close()

	records := make([]people.PersonRecord, 0)
	for rows.Next() {
		var givenName, paternal, maternal sql.NullString
		if err := rows.Scan(&givenName, &paternal, &maternal); err != nil {
			return nil, newStoreError("scan_person", err)
		}
		record := people.PersonRecord{GivenName: givenName.String, PaternalSurname: paternal.String}
		if maternal.Valid {
			value := maternal.String
			record.MaternalSurname = &value
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, newStoreError("query_people", err)
	}
	return records, nil
}

// PersonExists reports whether a stored person has the given match key.
// Keys are compared after Unicode case folding, which SQL LOWER does not
// provide on every backend, so the comparison happens here.
func (s *PersonStore) PersonExists(ctx context.Context, matchKey string) (bool, error) {
	records, err := s.QueryAllPersonRecords(ctx)
	if err != nil {
		return false, err
	}
	for _, record := range records {
		if record.MatchKey() == matchKey {
			return true, nil
		}
	}
	return false, nil
}

// InsertRegistration stores a submission, binding only the fields whose
// normalized name is a column of the table.
func (s *PersonStore) InsertRegistration(ctx context.Context, fields map[string]string) error {
	columnTypes, err := s.db.WithContext(ctx).Migrator().ColumnTypes(s.table)
	if err != nil {
		return newStoreError("discover_columns", err)
	}
	columns := make(map[string]struct{}, len(columnTypes))
	for _, columnType := range columnTypes {
		columns[columnType.Name()] = struct{}{}
	}

	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	// A key spelled exactly like its column wins over other spellings.
	values := make(map[string]any, len(fields))
	for _, key := range keys {
		column := NormalizeColumnName(key)
		if _, ok := columns[column]; !ok {
			continue
		}
		if _, taken := values[column]; taken && key != column {
			continue
		}
		values[column] = fields[key]
	}
	if len(values) == 0 {
		return newStoreError("insert_registration", errNoMatchingColumns)
	}

	if err := s.db.WithContext(ctx).Table(s.table).Create(values).Error; err != nil {
		return newStoreError("insert_registration", err)
	}
	s.logger.Debug("registration inserted", zap.String("table", s.table), zap.Int("columns", len(values)))
	return nil
}

// NormalizeColumnName maps a submission field name onto the column naming of
// the registration table.
func NormalizeColumnName(key string) string {
	return strings.ToLower(strings.ReplaceAll(key, "_", " "))
}
