// Package store is the SQLite side of warcdb: it owns the store handle,
// widens record tables on demand and inserts rows idempotently.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/warcdb/warcdb/internal/errors"
	"github.com/warcdb/warcdb/internal/migrate"
	"github.com/warcdb/warcdb/internal/schema"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Column is one column value of a row. A nil Value is stored as NULL.
type Column struct {
	Name  string
	Value interface{}
}

// Row is one record ready to be written.
type Row struct {
	Table   string
	Key     string
	Columns []Column
}

// BatchResult summarizes one WriteBatch call.
type BatchResult struct {
	Inserted int
	Ignored  int
	// Widened lists "table.column" for every column added by the batch.
	Widened []string
	// PerTable counts inserted rows by table.
	PerTable map[string]int
}

// HeaderRow is one row of the flattened response header view.
type HeaderRow struct {
	RecordID string
	Name     string
	Value    string
}

// Store is a single-writer SQLite store. All writes, including migrations
// and table introspection done for a write, are serialized.
type Store struct {
	db       *sql.DB
	path     string
	mu       sync.Mutex
	registry *migrate.Registry
	logger   *zap.Logger
}

// Open opens or creates the store at path. The schema is not touched until
// Migrate is called.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.NewStorageError(errors.CodeOpenFailed,
				fmt.Sprintf("failed to create directory for %s", path), err)
		}
	}

	// Foreign keys stay advisory: a parent may arrive later or never.
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=0")
	if err != nil {
		return nil, errors.NewStorageError(errors.CodeOpenFailed,
			fmt.Sprintf("failed to open store %s", path), err)
	}
	db.SetMaxOpenConns(1) // Single writer
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.NewStorageError(errors.CodeOpenFailed,
			fmt.Sprintf("failed to open store %s", path), err)
	}

	return &Store{
		db:       db,
		path:     path,
		registry: migrate.Default().WithLogger(logger),
		logger:   logger,
	}, nil
}

// OpenExisting opens the store at path without creating it. Read-only
// commands use it so a mistyped path is reported instead of becoming an
// empty store.
func OpenExisting(path string, logger *zap.Logger) (*Store, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewStorageError(errors.CodeStoreMissing,
				fmt.Sprintf("store %s does not exist", path), err)
		}
		return nil, errors.NewStorageError(errors.CodeOpenFailed,
			fmt.Sprintf("failed to stat store %s", path), err)
	}
	if info.IsDir() {
		return nil, errors.NewStorageError(errors.CodeOpenFailed,
			fmt.Sprintf("store %s is a directory", path), nil)
	}
	return Open(path, logger)
}

// Path returns the file the store was opened from.
func (s *Store) Path() string {
	return s.path
}

// DB exposes the underlying handle for read-only inspection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies every pending schema step and returns the names applied.
func (s *Store) Migrate(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.Apply(ctx, s.db)
}

// MigrationStatus lists the known schema steps and whether each is applied.
func (s *Store) MigrationStatus(ctx context.Context) ([]migrate.StepStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.Status(ctx, s.db)
}

// Put writes a single row.
func (s *Store) Put(ctx context.Context, row Row) (BatchResult, error) {
	return s.WriteBatch(ctx, []Row{row})
}

// WriteBatch writes rows in one transaction. Tables are introspected first
// and widened with ALTER TABLE for any column they lack; rows whose key is
// already present are ignored, never overwritten.
func (s *Store) WriteBatch(ctx context.Context, rows []Row) (BatchResult, error) {
	result := BatchResult{PerTable: make(map[string]int)}
	if len(rows) == 0 {
		return result, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, errors.NewStorageError(errors.CodeWriteFailed, "failed to begin batch", err)
	}
	defer tx.Rollback()

	widened, err := widen(ctx, tx, rows)
	if err != nil {
		return result, err
	}
	result.Widened = widened

	stmts := make(map[string]*sql.Stmt)
	defer func() {
		for _, stmt := range stmts {
			stmt.Close()
		}
	}()

	for _, row := range rows {
		query, args := insertSQL(row)
		stmt, ok := stmts[query]
		if !ok {
			stmt, err = tx.PrepareContext(ctx, query)
			if err != nil {
				return result, errors.NewStorageError(errors.CodeWriteFailed,
					fmt.Sprintf("failed to prepare insert into %s", row.Table), err)
			}
			stmts[query] = stmt
		}
		res, err := stmt.ExecContext(ctx, args...)
		if err != nil {
			return result, errors.NewStorageError(errors.CodeWriteFailed,
				fmt.Sprintf("failed to insert %s into %s", row.Key, row.Table), err).
				WithDetails(map[string]interface{}{"table": row.Table, "record_id": row.Key})
		}
		n, err := res.RowsAffected()
		if err != nil {
			return result, errors.NewStorageError(errors.CodeWriteFailed, "failed to read rows affected", err)
		}
		if n == 0 {
			result.Ignored++
			continue
		}
		result.Inserted++
		result.PerTable[row.Table]++
	}

	if err := tx.Commit(); err != nil {
		return result, errors.NewStorageError(errors.CodeWriteFailed, "failed to commit batch", err)
	}

	s.logger.Debug("wrote batch",
		zap.Int("rows", len(rows)),
		zap.Int("inserted", result.Inserted),
		zap.Int("ignored", result.Ignored),
		zap.Strings("widened", result.Widened),
		zap.Duration("elapsed", time.Since(start)),
	)
	return result, nil
}

// widen adds every column referenced by rows that its table lacks.
func widen(ctx context.Context, tx *sql.Tx, rows []Row) ([]string, error) {
	wanted := make(map[string][]string)
	var order []string
	seen := make(map[string]map[string]bool)
	for _, row := range rows {
		if _, ok := seen[row.Table]; !ok {
			seen[row.Table] = make(map[string]bool)
			order = append(order, row.Table)
		}
		for _, col := range row.Columns {
			if !seen[row.Table][col.Name] {
				seen[row.Table][col.Name] = true
				wanted[row.Table] = append(wanted[row.Table], col.Name)
			}
		}
	}

	var widened []string
	for _, table := range order {
		existing, err := tableColumns(ctx, tx, table)
		if err != nil {
			return nil, err
		}
		if len(existing) == 0 {
			return nil, errors.NewStorageError(errors.CodeTableMissing,
				fmt.Sprintf("table %s does not exist; run init first", table), nil)
		}
		for _, col := range wanted[table] {
			if existing[col] {
				continue
			}
			if !schema.ValidateColumnName(col) {
				return nil, errors.NewStorageError(errors.CodeWidenFailed,
					fmt.Sprintf("invalid column name %q for table %s", col, table), nil)
			}
			stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", table, schema.ColumnDef(quote(col), col))
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return nil, errors.NewStorageError(errors.CodeWidenFailed,
					fmt.Sprintf("failed to add column %s to %s", col, table), err)
			}
			existing[col] = true
			widened = append(widened, table+"."+col)
		}
	}
	return widened, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

type columnDef struct {
	Name string
	Type string
}

// tableInfo returns the columns of table in declaration order; an empty
// result means the table does not exist.
func tableInfo(ctx context.Context, q queryer, table string) ([]columnDef, error) {
	if !knownTable(table) {
		return nil, errors.NewStorageError(errors.CodeTableMissing,
			fmt.Sprintf("unknown table %q", table), nil)
	}
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, errors.NewStorageError(errors.CodeWriteFailed,
			fmt.Sprintf("failed to inspect table %s", table), err)
	}
	defer rows.Close()

	var cols []columnDef
	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return nil, fmt.Errorf("store: failed to scan table info: %w", err)
		}
		cols = append(cols, columnDef{Name: name, Type: colType})
	}
	return cols, rows.Err()
}

func tableColumns(ctx context.Context, q queryer, table string) (map[string]bool, error) {
	info, err := tableInfo(ctx, q, table)
	if err != nil {
		return nil, err
	}
	cols := make(map[string]bool, len(info))
	for _, c := range info {
		cols[c.Name] = true
	}
	return cols, nil
}

func knownTable(name string) bool {
	for _, t := range migrate.Tables {
		if t.Name == name {
			return true
		}
	}
	return false
}

// quote guards column names that collide with SQL keywords, e.g. a header
// named "Order".
func quote(name string) string {
	return `"` + name + `"`
}

func insertSQL(row Row) (string, []interface{}) {
	names := make([]string, 0, len(row.Columns)+1)
	args := make([]interface{}, 0, len(row.Columns)+1)
	names = append(names, schema.ColumnRecordID)
	args = append(args, row.Key)
	for _, col := range row.Columns {
		names = append(names, quote(col.Name))
		if v, ok := col.Value.(string); ok {
			// A value that does not convert is bound as the original text.
			coerced, _ := schema.Coerce(col.Name, v)
			args = append(args, coerced)
			continue
		}
		args = append(args, col.Value)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(names)), ", ")
	query := fmt.Sprintf("INSERT OR IGNORE INTO %s (%s) VALUES (%s)",
		row.Table, strings.Join(names, ", "), placeholders)
	return query, args
}

// Tables returns the record tables present in the store.
func (s *Store) Tables(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' AND name != ? ORDER BY name",
		migrate.BookkeepingTable)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("store: failed to scan table name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Columns returns the column names of table, sorted.
func (s *Store) Columns(ctx context.Context, table string) ([]string, error) {
	cols, err := tableColumns(ctx, s.db, table)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(cols))
	for name := range cols {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Count returns the number of rows in table.
func (s *Store) Count(ctx context.Context, table string) (int64, error) {
	if !knownTable(table) {
		return 0, errors.NewStorageError(errors.CodeTableMissing, fmt.Sprintf("unknown table %q", table), nil)
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: failed to count %s: %w", table, err)
	}
	return n, nil
}

// Get returns the non-null columns of one row, or nil when recordID is not
// in table.
func (s *Store) Get(ctx context.Context, table, recordID string) (map[string]interface{}, error) {
	rows, err := s.scan(ctx, table, "WHERE record_id = ?", recordID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// Dump returns every row of table ordered by record_id, with NULL columns
// omitted.
func (s *Store) Dump(ctx context.Context, table string) ([]map[string]interface{}, error) {
	return s.scan(ctx, table, "ORDER BY record_id")
}

func (s *Store) scan(ctx context.Context, table, clause string, args ...interface{}) ([]map[string]interface{}, error) {
	info, err := tableInfo(ctx, s.db, table)
	if err != nil {
		return nil, err
	}
	if len(info) == 0 {
		return nil, errors.NewStorageError(errors.CodeTableMissing,
			fmt.Sprintf("table %s does not exist", table), nil)
	}

	exprs := make([]string, len(info))
	for i, c := range info {
		exprs[i] = quote(c.Name)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+strings.Join(exprs, ", ")+" FROM "+table+" "+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("store: failed to query %s: %w", table, err)
	}
	defer rows.Close()

	var out []map[string]interface{}
	for rows.Next() {
		vals := make([]interface{}, len(info))
		ptrs := make([]interface{}, len(info))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("store: failed to scan %s row: %w", table, err)
		}
		row := make(map[string]interface{}, len(info))
		for i, c := range info {
			if vals[i] != nil {
				row[c.Name] = vals[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// HeaderRows returns the flattened HTTP headers of one response.
func (s *Store) HeaderRows(ctx context.Context, recordID string) ([]HeaderRow, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT record_id, header_name, header_value FROM "+migrate.HeaderView+
			" WHERE record_id = ? ORDER BY header_name, header_value", recordID)
	if err != nil {
		return nil, fmt.Errorf("store: failed to query header view: %w", err)
	}
	defer rows.Close()

	var out []HeaderRow
	for rows.Next() {
		var h HeaderRow
		if err := rows.Scan(&h.RecordID, &h.Name, &h.Value); err != nil {
			return nil, fmt.Errorf("store: failed to scan header row: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
