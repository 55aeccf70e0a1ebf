package tracking

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/larrabee/ecssync/storage"
	_ "github.com/lib/pq"
	"github.com/samber/lo"
	_ "modernc.org/sqlite"
)

// Database drivers.
const (
	DriverSqlite   = "sqlite"
	DriverPostgres = "postgres"
)

// DefaultTable is used when no table name is configured.
const DefaultTable = "sync_objects"

const (
	maxOpenConns    = 25
	maxIdleConns    = 25
	connMaxLifetime = 5 * time.Minute
)

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var baseColumns = []string{
	"source_id", "target_id", "is_directory", "size", "mtime", "status",
	"transfer_start", "transfer_complete", "verify_start", "verify_complete",
	"retry_count", "error_message", "is_source_deleted", "synced_at",
}

const schema = `CREATE TABLE IF NOT EXISTS %s (
	source_id         VARCHAR(750) NOT NULL PRIMARY KEY,
	target_id         VARCHAR(750),
	is_directory      BOOLEAN NOT NULL,
	size              BIGINT,
	mtime             BIGINT,
	status            VARCHAR(32) NOT NULL,
	transfer_start    BIGINT,
	transfer_complete BIGINT,
	verify_start      BIGINT,
	verify_complete   BIGINT,
	retry_count       INTEGER NOT NULL DEFAULT 0,
	error_message     VARCHAR(2048),
	is_source_deleted BOOLEAN NOT NULL,
	synced_at         BIGINT
)`

// ValidateIdentifier checks that name can be used as a table or column name.
func ValidateIdentifier(name string) error {
	if !identifierRe.MatchString(name) {
		return storage.ConfigErrorf("invalid database identifier %q", name)
	}
	return nil
}

// DriverFor return the driver name for dsn. Postgres URLs select lib/pq, anything else is a sqlite file.
func DriverFor(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return DriverPostgres
	}
	return DriverSqlite
}

// DBService stores records in a SQL table.
type DBService struct {
	db              *sqlx.DB
	table           string
	metadataColumns []string
	locks           *keyLocks
	now             func() time.Time
}

// Open connects to dsn and creates the table if needed.
func Open(dsn, table string, metadataColumns []string) (*DBService, error) {
	table, metadataColumns, err := validateSchema(table, metadataColumns)
	if err != nil {
		return nil, err
	}

	driver := DriverFor(dsn)
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to tracking db: %w", err)
	}

	if driver == DriverSqlite {
		// sqlite allows a single writer
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{"PRAGMA journal_mode = WAL", "PRAGMA busy_timeout = 5000"} {
			if _, err := db.Exec(pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("%s: %w", pragma, err)
			}
		}
	} else {
		db.SetMaxOpenConns(maxOpenConns)
		db.SetMaxIdleConns(maxIdleConns)
		db.SetConnMaxLifetime(connMaxLifetime)
	}

	s, err := newDBService(db, table, metadataColumns)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewDBService wraps an open connection.
func NewDBService(db *sqlx.DB, table string, metadataColumns []string) (*DBService, error) {
	table, metadataColumns, err := validateSchema(table, metadataColumns)
	if err != nil {
		return nil, err
	}
	return newDBService(db, table, metadataColumns)
}

func validateSchema(table string, metadataColumns []string) (string, []string, error) {
	if table == "" {
		table = DefaultTable
	}
	if err := ValidateIdentifier(table); err != nil {
		return "", nil, err
	}
	metadataColumns = lo.Uniq(metadataColumns)
	for _, col := range metadataColumns {
		if err := ValidateIdentifier(col); err != nil {
			return "", nil, err
		}
		if lo.Contains(baseColumns, strings.ToLower(col)) {
			return "", nil, storage.ConfigErrorf("metadata column %q conflicts with a tracking column", col)
		}
	}
	return table, metadataColumns, nil
}

func newDBService(db *sqlx.DB, table string, metadataColumns []string) (*DBService, error) {
	s := &DBService{
		db:              db,
		table:           table,
		metadataColumns: metadataColumns,
		locks:           newKeyLocks(),
		now:             time.Now,
	}
	if err := s.createTable(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *DBService) createTable() error {
	if _, err := s.db.Exec(fmt.Sprintf(schema, s.table)); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}

	rows, err := s.db.Queryx(fmt.Sprintf("SELECT * FROM %s WHERE 1 = 0", s.table))
	if err != nil {
		return fmt.Errorf("inspect table %s: %w", s.table, err)
	}
	existing, err := rows.Columns()
	rows.Close()
	if err != nil {
		return fmt.Errorf("inspect table %s: %w", s.table, err)
	}
	existing = lo.Map(existing, func(c string, _ int) string { return strings.ToLower(c) })

	for _, col := range s.metadataColumns {
		if lo.Contains(existing, strings.ToLower(col)) {
			continue
		}
		storage.Log.Infof("Adding metadata column %s to tracking table %s", col, s.table)
		if _, err := s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s VARCHAR(1024)", s.table, col)); err != nil {
			return fmt.Errorf("add column %s: %w", col, err)
		}
	}
	return nil
}

func (s *DBService) Lock(identifier string) {
	s.locks.Lock(identifier)
}

func (s *DBService) Unlock(identifier string) {
	s.locks.Unlock(identifier)
}

func (s *DBService) GetRecord(ctx context.Context, identifier string) (*SyncRecord, error) {
	records, err := s.query(ctx, "WHERE source_id = ?", identifier)
	if err != nil || len(records) == 0 {
		return nil, err
	}
	return records[0], nil
}

func (s *DBService) AllRecords(ctx context.Context) ([]*SyncRecord, error) {
	return s.query(ctx, "ORDER BY source_id")
}

func (s *DBService) Errors(ctx context.Context) ([]*SyncRecord, error) {
	return s.query(ctx, "WHERE status = ? ORDER BY source_id", string(StatusError))
}

func (s *DBService) Retries(ctx context.Context) ([]*SyncRecord, error) {
	return s.query(ctx, "WHERE retry_count > 0 ORDER BY source_id")
}

// SetStatus upserts the record of update.SourceID.
func (s *DBService) SetStatus(ctx context.Context, update *Update) error {
	now := s.now().UnixMilli()
	cols := []string{"source_id", "target_id", "is_directory", "size", "mtime", "status", "retry_count",
		"error_message", "is_source_deleted", "synced_at"}
	args := []interface{}{update.SourceID, nullString(update.TargetID), update.Directory, update.Size,
		nullTime(update.Mtime), string(update.Status), int64(update.RetryCount),
		nullString(truncateError(update.Error)), update.SourceDeleted, now}
	sets := []string{
		fmt.Sprintf("target_id = COALESCE(excluded.target_id, %s.target_id)", s.table),
		"is_directory = excluded.is_directory",
		"size = excluded.size",
		fmt.Sprintf("mtime = COALESCE(excluded.mtime, %s.mtime)", s.table),
		"status = excluded.status",
		"retry_count = excluded.retry_count",
		fmt.Sprintf("error_message = COALESCE(excluded.error_message, %s.error_message)", s.table),
		"is_source_deleted = excluded.is_source_deleted",
		"synced_at = excluded.synced_at",
	}
	if col := update.Status.dateColumn(); col != "" {
		cols = append(cols, col)
		args = append(args, now)
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", col, col))
	}
	for _, col := range s.metadataColumns {
		if v, ok := update.Metadata[col]; ok {
			cols = append(cols, col)
			args = append(args, v)
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", col, col))
		}
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (source_id) DO UPDATE SET %s",
		s.table, strings.Join(cols, ", "), strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "),
		strings.Join(sets, ", "))
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("update tracking record %s: %w", update.SourceID, err)
	}
	return nil
}

func (s *DBService) Close() error {
	return s.db.Close()
}

func (s *DBService) query(ctx context.Context, clause string, args ...interface{}) ([]*SyncRecord, error) {
	rows, err := s.db.QueryxContext(ctx, s.db.Rebind(fmt.Sprintf("SELECT * FROM %s %s", s.table, clause)), args...)
	if err != nil {
		return nil, fmt.Errorf("query tracking table %s: %w", s.table, err)
	}
	defer rows.Close()

	records := make([]*SyncRecord, 0)
	for rows.Next() {
		row := make(map[string]interface{})
		if err := rows.MapScan(row); err != nil {
			return nil, fmt.Errorf("scan tracking record: %w", err)
		}
		records = append(records, s.toRecord(row))
	}
	return records, rows.Err()
}

func (s *DBService) toRecord(row map[string]interface{}) *SyncRecord {
	// postgres folds unquoted identifiers to lower case
	get := func(col string) interface{} {
		if v, ok := row[col]; ok {
			return v
		}
		return row[strings.ToLower(col)]
	}
	rec := &SyncRecord{
		SourceID:         asString(get("source_id")),
		TargetID:         asString(get("target_id")),
		IsDirectory:      asBool(get("is_directory")),
		Size:             asInt64(get("size")),
		Mtime:            asTime(get("mtime")),
		Status:           Status(asString(get("status"))),
		TransferStart:    asTime(get("transfer_start")),
		TransferComplete: asTime(get("transfer_complete")),
		VerifyStart:      asTime(get("verify_start")),
		VerifyComplete:   asTime(get("verify_complete")),
		RetryCount:       uint(asInt64(get("retry_count"))),
		ErrorMessage:     asString(get("error_message")),
		IsSourceDeleted:  asBool(get("is_source_deleted")),
		SyncedAt:         asTime(get("synced_at")),
	}
	if len(s.metadataColumns) > 0 {
		rec.Metadata = make(map[string]string, len(s.metadataColumns))
		for _, col := range s.metadataColumns {
			if v := get(col); v != nil {
				rec.Metadata[col] = asString(v)
			}
		}
	}
	return rec
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullInt64 {
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: !t.IsZero()}
}

func asString(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}

func asInt64(v interface{}) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case int32:
		return int64(x)
	case int:
		return int64(x)
	case float64:
		return int64(x)
	case bool:
		if x {
			return 1
		}
		return 0
	case string, []byte:
		n, _ := strconv.ParseInt(asString(x), 10, 64)
		return n
	default:
		return 0
	}
}

func asBool(v interface{}) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string, []byte:
		b, err := strconv.ParseBool(asString(x))
		if err != nil {
			return asInt64(x) != 0
		}
		return b
	default:
		return asInt64(x) != 0
	}
}

func asTime(v interface{}) time.Time {
	if v == nil {
		return time.Time{}
	}
	return time.UnixMilli(asInt64(v))
}
