// Package migrate applies the ordered list of schema steps to a store and
// records which steps have run.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/warcdb/warcdb/internal/errors"
	"go.uber.org/zap"
)

// BookkeepingTable records applied step names in application order.
const BookkeepingTable = "_warcdb_migrations"

const bookkeepingSQL = `
CREATE TABLE IF NOT EXISTS ` + BookkeepingTable + ` (
    id INTEGER PRIMARY KEY,
    name TEXT NOT NULL UNIQUE,
    applied_at INTEGER NOT NULL
)`

// Step is one named schema change. Up runs inside a transaction together
// with the bookkeeping insert, so a step is either fully applied or not at
// all. Bodies must tolerate running against a store that already has their
// objects (CREATE ... IF NOT EXISTS).
type Step struct {
	Name string
	Up   func(ctx context.Context, tx *sql.Tx) error
}

// StepStatus reports whether a known step has been applied.
type StepStatus struct {
	Name      string
	Applied   bool
	AppliedAt time.Time
}

// Registry is an ordered list of steps.
type Registry struct {
	steps  []Step
	logger *zap.Logger
}

// New creates a registry from steps in order.
func New(steps ...Step) *Registry {
	return &Registry{steps: steps, logger: zap.NewNop()}
}

// Default returns the registry of every step warcdb knows about.
func Default() *Registry {
	return New(
		Step{Name: "m001_initial", Up: createTables},
		Step{Name: "m002_response_http_headers_view", Up: createHeaderView},
	)
}

// WithLogger sets the logger used to report applied steps.
func (r *Registry) WithLogger(logger *zap.Logger) *Registry {
	if logger != nil {
		r.logger = logger
	}
	return r
}

// Steps returns the known step names in order.
func (r *Registry) Steps() []string {
	names := make([]string, len(r.steps))
	for i, s := range r.steps {
		names[i] = s.Name
	}
	return names
}

// Applied returns the names of steps recorded in db, in application order.
// A store without a bookkeeping table has applied nothing.
func (r *Registry) Applied(ctx context.Context, db *sql.DB) ([]string, error) {
	status, err := r.applied(ctx, db)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(status))
	for i, s := range status {
		names[i] = s.Name
	}
	return names, nil
}

func (r *Registry) applied(ctx context.Context, db *sql.DB) ([]StepStatus, error) {
	var n int
	err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", BookkeepingTable,
	).Scan(&n)
	if err != nil {
		return nil, errors.NewStorageError(errors.CodeOpenFailed, "migrate: failed to inspect store", err)
	}
	if n == 0 {
		return nil, nil
	}

	rows, err := db.QueryContext(ctx,
		"SELECT name, applied_at FROM "+BookkeepingTable+" ORDER BY id ASC")
	if err != nil {
		return nil, errors.NewStorageError(errors.CodeOpenFailed, "migrate: failed to read applied steps", err)
	}
	defer rows.Close()

	var applied []StepStatus
	for rows.Next() {
		var name string
		var at int64
		if err := rows.Scan(&name, &at); err != nil {
			return nil, fmt.Errorf("migrate: failed to scan applied step: %w", err)
		}
		applied = append(applied, StepStatus{Name: name, Applied: true, AppliedAt: time.Unix(at, 0)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("migrate: error iterating applied steps: %w", err)
	}
	return applied, nil
}

// Status lists every known step with its applied state.
func (r *Registry) Status(ctx context.Context, db *sql.DB) ([]StepStatus, error) {
	applied, err := r.applied(ctx, db)
	if err != nil {
		return nil, err
	}
	if err := r.checkPrefix(applied); err != nil {
		return nil, err
	}
	status := make([]StepStatus, len(r.steps))
	for i, s := range r.steps {
		if i < len(applied) {
			status[i] = applied[i]
			continue
		}
		status[i] = StepStatus{Name: s.Name}
	}
	return status, nil
}

// checkPrefix fails when the store has steps this registry does not know,
// which means the store was written by a newer warcdb.
func (r *Registry) checkPrefix(applied []StepStatus) error {
	if len(applied) > len(r.steps) {
		var unknown []string
		for _, s := range applied[len(r.steps):] {
			unknown = append(unknown, s.Name)
		}
		return errors.NewSchemaVersionError(errors.CodeUnknownMigration,
			fmt.Sprintf("store has migrations this version does not know: %s", strings.Join(unknown, ", ")), nil)
	}
	for i, s := range applied {
		if s.Name != r.steps[i].Name {
			return errors.NewSchemaVersionError(errors.CodeUnknownMigration,
				fmt.Sprintf("store migration %d is %q, expected %q", i+1, s.Name, r.steps[i].Name), nil)
		}
	}
	return nil
}

// Apply runs every step not yet recorded in db and returns their names.
// Applying to an up-to-date store is a no-op.
func (r *Registry) Apply(ctx context.Context, db *sql.DB) ([]string, error) {
	applied, err := r.applied(ctx, db)
	if err != nil {
		return nil, err
	}
	if err := r.checkPrefix(applied); err != nil {
		return nil, err
	}

	if _, err := db.ExecContext(ctx, bookkeepingSQL); err != nil {
		return nil, errors.NewStorageError(errors.CodeWriteFailed, "migrate: failed to create bookkeeping table", err)
	}

	var ran []string
	for i := len(applied); i < len(r.steps); i++ {
		if err := ctx.Err(); err != nil {
			return ran, err
		}
		step := r.steps[i]
		if err := r.applyStep(ctx, db, i+1, step); err != nil {
			return ran, err
		}
		r.logger.Info("applied migration", zap.String("name", step.Name), zap.Int("id", i+1))
		ran = append(ran, step.Name)
	}
	return ran, nil
}

func (r *Registry) applyStep(ctx context.Context, db *sql.DB, id int, step Step) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewSchemaVersionError(errors.CodeMigrationFailed,
			fmt.Sprintf("failed to begin migration %s", step.Name), err)
	}
	defer tx.Rollback()

	if err := step.Up(ctx, tx); err != nil {
		return errors.NewSchemaVersionError(errors.CodeMigrationFailed,
			fmt.Sprintf("migration %s failed", step.Name), err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO "+BookkeepingTable+" (id, name, applied_at) VALUES (?, ?, ?)",
		id, step.Name, time.Now().Unix(),
	); err != nil {
		return errors.NewSchemaVersionError(errors.CodeMigrationFailed,
			fmt.Sprintf("failed to record migration %s", step.Name), err)
	}
	if err := tx.Commit(); err != nil {
		return errors.NewSchemaVersionError(errors.CodeMigrationFailed,
			fmt.Sprintf("failed to commit migration %s", step.Name), err)
	}
	return nil
}

func createTables(ctx context.Context, tx *sql.Tx) error {
	for _, t := range Tables {
		if _, err := tx.ExecContext(ctx, t.CreateSQL()); err != nil {
			return fmt.Errorf("migrate: failed to create table %s: %w", t.Name, err)
		}
		for _, stmt := range t.IndexSQL() {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("migrate: failed to index table %s: %w", t.Name, err)
			}
		}
	}
	return nil
}

func createHeaderView(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, headerViewSQL); err != nil {
		return fmt.Errorf("migrate: failed to create view %s: %w", HeaderView, err)
	}
	return nil
}
