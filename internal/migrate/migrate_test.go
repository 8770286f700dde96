package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	_ "github.com/mattn/go-sqlite3"
	"github.com/warcdb/warcdb/internal/errors"
)

func newTestDB(t *testing.T) (*sql.DB, func()) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.db")
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	return db, func() { db.Close() }
}

func tableNames(t *testing.T, db *sql.DB, kind string) []string {
	t.Helper()
	rows, err := db.Query("SELECT name FROM sqlite_master WHERE type = ? AND name NOT LIKE 'sqlite_%' ORDER BY name", kind)
	if err != nil {
		t.Fatalf("failed to list %ss: %v", kind, err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			t.Fatal(err)
		}
		names = append(names, n)
	}
	return names
}

func TestApply_FreshStore(t *testing.T) {
	db, cleanup := newTestDB(t)
	defer cleanup()
	ctx := context.Background()

	ran, err := Default().Apply(ctx, db)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if diff := cmp.Diff(Default().Steps(), ran); diff != "" {
		t.Errorf("applied steps mismatch (-want +got):\n%s", diff)
	}

	wantTables := []string{BookkeepingTable, "metadata", "request", "resource", "response", "warcinfo"}
	if diff := cmp.Diff(wantTables, tableNames(t, db, "table")); diff != "" {
		t.Errorf("tables mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{HeaderView}, tableNames(t, db, "view")); diff != "" {
		t.Errorf("views mismatch (-want +got):\n%s", diff)
	}

	applied, err := Default().Applied(ctx, db)
	if err != nil {
		t.Fatalf("Applied failed: %v", err)
	}
	if diff := cmp.Diff(Default().Steps(), applied); diff != "" {
		t.Errorf("Applied mismatch (-want +got):\n%s", diff)
	}
}

func TestApply_Idempotent(t *testing.T) {
	db, cleanup := newTestDB(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := Default().Apply(ctx, db); err != nil {
		t.Fatalf("first Apply failed: %v", err)
	}
	if _, err := db.Exec("INSERT INTO warcinfo (record_id, warc_filename) VALUES ('<urn:uuid:a>', 'a.warc')"); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	ran, err := Default().Apply(ctx, db)
	if err != nil {
		t.Fatalf("second Apply failed: %v", err)
	}
	if len(ran) != 0 {
		t.Errorf("second Apply ran %v, want nothing", ran)
	}

	var count int
	db.QueryRow("SELECT COUNT(*) FROM warcinfo").Scan(&count)
	if count != 1 {
		t.Errorf("warcinfo rows = %d, want 1", count)
	}
	db.QueryRow("SELECT COUNT(*) FROM " + BookkeepingTable).Scan(&count)
	if count != len(Default().Steps()) {
		t.Errorf("bookkeeping rows = %d, want %d", count, len(Default().Steps()))
	}
}

func TestApply_OlderStoreGetsMissingStepsOnly(t *testing.T) {
	db, cleanup := newTestDB(t)
	defer cleanup()
	ctx := context.Background()

	older := New(Default().steps[0])
	if _, err := older.Apply(ctx, db); err != nil {
		t.Fatalf("older Apply failed: %v", err)
	}
	if views := tableNames(t, db, "view"); len(views) != 0 {
		t.Fatalf("older registry should not create views, got %v", views)
	}

	ran, err := Default().Apply(ctx, db)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if diff := cmp.Diff([]string{"m002_response_http_headers_view"}, ran); diff != "" {
		t.Errorf("ran mismatch (-want +got):\n%s", diff)
	}
}

func TestApply_NewerStoreIsRejected(t *testing.T) {
	db, cleanup := newTestDB(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := Default().Apply(ctx, db); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if _, err := db.Exec("INSERT INTO "+BookkeepingTable+" (id, name, applied_at) VALUES (99, 'm099_future', 0)"); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	_, err := Default().Apply(ctx, db)
	if errors.GetCategory(err) != errors.ErrCategorySchemaVersion {
		t.Fatalf("expected schema version error, got %v", err)
	}
	if !errors.IsFatal(err) {
		t.Error("schema version errors must be fatal")
	}
	if _, err := Default().Status(ctx, db); errors.GetCode(err) != errors.CodeUnknownMigration {
		t.Errorf("Status should also reject the store, got %v", err)
	}
}

func TestApply_MismatchedNameIsRejected(t *testing.T) {
	db, cleanup := newTestDB(t)
	defer cleanup()
	ctx := context.Background()

	other := New(Step{Name: "m001_something_else", Up: func(context.Context, *sql.Tx) error { return nil }})
	if _, err := other.Apply(ctx, db); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if _, err := Default().Apply(ctx, db); errors.GetCode(err) != errors.CodeUnknownMigration {
		t.Errorf("expected unknown migration error, got %v", err)
	}
}

func TestApply_FailedStepRollsBack(t *testing.T) {
	db, cleanup := newTestDB(t)
	defer cleanup()
	ctx := context.Background()

	reg := New(
		Step{Name: "m001_ok", Up: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS first (id INTEGER)")
			return err
		}},
		Step{Name: "m002_broken", Up: func(ctx context.Context, tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS second (id INTEGER)"); err != nil {
				return err
			}
			return fmt.Errorf("boom")
		}},
	)

	ran, err := reg.Apply(ctx, db)
	if err == nil {
		t.Fatal("expected error from broken step")
	}
	if errors.GetCode(err) != errors.CodeMigrationFailed {
		t.Errorf("code = %s, want %s", errors.GetCode(err), errors.CodeMigrationFailed)
	}
	if diff := cmp.Diff([]string{"m001_ok"}, ran); diff != "" {
		t.Errorf("ran mismatch (-want +got):\n%s", diff)
	}

	tables := tableNames(t, db, "table")
	for _, name := range tables {
		if name == "second" {
			t.Error("table from failed step should have been rolled back")
		}
	}
	applied, _ := reg.Applied(ctx, db)
	if diff := cmp.Diff([]string{"m001_ok"}, applied); diff != "" {
		t.Errorf("applied mismatch (-want +got):\n%s", diff)
	}
}

func TestStatus(t *testing.T) {
	db, cleanup := newTestDB(t)
	defer cleanup()
	ctx := context.Background()

	status, err := Default().Status(ctx, db)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	for _, s := range status {
		if s.Applied {
			t.Errorf("step %s should be pending on an empty store", s.Name)
		}
	}
	if tables := tableNames(t, db, "table"); len(tables) != 0 {
		t.Errorf("Status must not write to the store, found tables %v", tables)
	}

	New(Default().steps[0]).Apply(ctx, db)
	status, err = Default().Status(ctx, db)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if !status[0].Applied || status[1].Applied {
		t.Errorf("unexpected status %+v", status)
	}
}

func TestForeignKeysDeclared(t *testing.T) {
	db, cleanup := newTestDB(t)
	defer cleanup()

	if _, err := Default().Apply(context.Background(), db); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	want := map[string]map[string]string{
		"warcinfo": {},
		"request":  {"warc_warcinfo_id": "warcinfo"},
		"response": {"warc_warcinfo_id": "warcinfo", "warc_concurrent_to": "request"},
		"metadata": {"warc_warcinfo_id": "warcinfo", "warc_concurrent_to": "response"},
		"resource": {"warc_warcinfo_id": "warcinfo", "warc_concurrent_to": "metadata"},
	}
	for table, edges := range want {
		rows, err := db.Query(fmt.Sprintf("PRAGMA foreign_key_list(%s)", table))
		if err != nil {
			t.Fatalf("foreign_key_list(%s) failed: %v", table, err)
		}
		cols, _ := rows.Columns()
		got := make(map[string]string)
		for rows.Next() {
			vals := make([]interface{}, len(cols))
			ptrs := make([]interface{}, len(cols))
			for i := range vals {
				ptrs[i] = &vals[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				t.Fatal(err)
			}
			var from, to string
			for i, c := range cols {
				switch c {
				case "from":
					from = asString(vals[i])
				case "table":
					to = asString(vals[i])
				}
			}
			got[from] = to
		}
		rows.Close()
		if diff := cmp.Diff(edges, got); diff != "" {
			t.Errorf("%s foreign keys mismatch (-want +got):\n%s", table, diff)
		}
	}
}

func asString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprint(v)
	}
}

func TestTableFor(t *testing.T) {
	for _, tbl := range Tables {
		if len(tbl.Columns) == 0 {
			t.Errorf("table %s has no columns", tbl.Name)
		}
	}
	if _, ok := TableFor(0); ok {
		t.Error("unsupported type should have no table")
	}
}
