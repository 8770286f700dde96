// Package ingest drives an import run: it resolves sources, decodes their
// records in order, dispatches each one and writes the rows to the store in
// batches.
package ingest

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/warcdb/warcdb/internal/dispatch"
	"github.com/warcdb/warcdb/internal/errors"
	"github.com/warcdb/warcdb/internal/observability"
	"github.com/warcdb/warcdb/internal/source"
	"github.com/warcdb/warcdb/internal/store"
	"github.com/warcdb/warcdb/internal/warc"
	"go.uber.org/zap"
)

// Policy decides what happens to records of an unsupported type.
type Policy string

const (
	// PolicyAbort ends the run at the first unsupported record.
	PolicyAbort Policy = "abort"
	// PolicySkip counts and logs unsupported records and carries on.
	PolicySkip Policy = "skip"
)

// ParsePolicy parses an on_unsupported value.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicyAbort, PolicySkip:
		return p, nil
	default:
		return "", errors.NewConfigError(fmt.Sprintf("invalid on_unsupported policy %q (must be abort or skip)", s))
	}
}

// DefaultBatchSize is the number of rows written per transaction.
const DefaultBatchSize = 1000

// Options configures an import run.
type Options struct {
	BatchSize     int
	OnUnsupported Policy
	// Progress enables per-source progress bars on ProgressWriter.
	Progress       bool
	ProgressWriter io.Writer
}

// DefaultOptions returns the default import options.
func DefaultOptions() Options {
	return Options{
		BatchSize:      DefaultBatchSize,
		OnUnsupported:  PolicyAbort,
		Progress:       true,
		ProgressWriter: os.Stderr,
	}
}

// Summary describes a finished (or interrupted) import run.
type Summary struct {
	RunID string
	// Sources counts archive streams opened, including container entries.
	Sources  int
	Records  int64
	Inserted int64
	Ignored  int64
	Skipped  int64
	// Coerced counts values kept as text because they did not convert to
	// their column's declared type.
	Coerced int64
	// CoercedColumns lists the columns with the most coercion misses.
	CoercedColumns []observability.ColumnStat
	PerTable       map[string]int64
	Widened        []string
	Elapsed        time.Duration
}

// Tables returns the tables with inserted rows, sorted.
func (s Summary) Tables() []string {
	tables := make([]string, 0, len(s.PerTable))
	for t := range s.PerTable {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	return tables
}

// Importer imports archives into a store.
type Importer struct {
	store  *store.Store
	opener *source.Opener
	opts   Options
	logger *zap.Logger
}

// New creates an importer. The store must already be migrated.
func New(st *store.Store, opener *source.Opener, opts Options, logger *zap.Logger) *Importer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opener == nil {
		opener = source.NewOpener(source.DefaultOptions(), logger)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.OnUnsupported == "" {
		opts.OnUnsupported = PolicyAbort
	}
	return &Importer{store: st, opener: opener, opts: opts, logger: logger}
}

// run is the state of one Import call.
type run struct {
	summary    Summary
	batch      *batcher
	dispatcher *dispatch.Dispatcher
	progress   *progress
	logger     *zap.Logger
}

// Import imports every locator in order. Sources are processed one at a
// time and records in decode order. On error or cancellation the rows
// already dispatched are flushed before returning; the summary reflects what
// was written.
func (im *Importer) Import(ctx context.Context, locators ...string) (Summary, error) {
	locs := make([]source.Locator, 0, len(locators))
	for _, raw := range locators {
		loc, err := source.ParseLocator(raw)
		if err != nil {
			return Summary{}, err
		}
		locs = append(locs, loc)
	}

	runID := uuid.New().String()
	r := &run{
		summary:  Summary{RunID: runID, PerTable: make(map[string]int64)},
		progress: newProgress(im.opts.Progress, im.opts.ProgressWriter),
		logger:   im.logger.With(zap.String("run_id", runID)),
	}
	r.batch = newBatcher(im.store, im.opts.BatchSize, &r.summary, r.logger)
	r.dispatcher = dispatch.New(r.batch, r.logger)

	start := time.Now()
	r.logger.Info("import started", zap.Int("sources", len(locs)), zap.String("store", im.store.Path()))

	var runErr error
	for _, loc := range locs {
		runErr = im.opener.Each(ctx, loc, func(s *source.Stream) error {
			return im.importStream(ctx, r, s)
		})
		if runErr != nil {
			break
		}
	}

	// Flush regardless of ctx so dispatched rows are not dropped on cancel.
	if err := r.batch.Flush(context.WithoutCancel(ctx)); err != nil && runErr == nil {
		runErr = fmt.Errorf("ingest: failed to flush final batch: %w", err)
	}
	r.summary.Coerced = r.dispatcher.Coercions()
	r.summary.CoercedColumns = r.dispatcher.Stats().TopCoercions(5)
	for _, c := range r.summary.CoercedColumns {
		r.logger.Info("values kept as text",
			zap.String("column", c.Key()),
			zap.Int64("count", c.Frequency),
			zap.String("sample", c.Sample),
		)
	}
	r.summary.Elapsed = time.Since(start)

	fields := []zap.Field{
		zap.Int("sources", r.summary.Sources),
		zap.Int64("records", r.summary.Records),
		zap.Int64("inserted", r.summary.Inserted),
		zap.Int64("ignored", r.summary.Ignored),
		zap.Int64("skipped", r.summary.Skipped),
		zap.Int64("coerced", r.summary.Coerced),
		zap.Duration("elapsed", r.summary.Elapsed),
	}
	if runErr != nil {
		r.logger.Error("import failed", append(fields, zap.Error(runErr))...)
		return r.summary, runErr
	}
	r.logger.Info("import finished", fields...)
	return r.summary, nil
}

// importStream decodes one stream to its end.
func (im *Importer) importStream(ctx context.Context, r *run, s *source.Stream) error {
	rc, compression, err := s.Open(r.progress.start(s))
	if err != nil {
		r.progress.finish()
		return fmt.Errorf("ingest: failed to open %s: %w", s.Name, err)
	}
	defer rc.Close()
	defer r.progress.finish()

	r.summary.Sources++
	logger := r.logger.With(zap.String("source", s.Name))
	logger.Info("importing source", zap.String("compression", compression.String()), zap.Int64("bytes", s.Size))

	reader := warc.NewReader(rc)
	var records, skipped int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		offset := reader.Offset()
		rec, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("ingest: %s: %w", s.Name, err)
		}
		r.summary.Records++
		records++

		if err := r.dispatcher.Ingest(ctx, rec); err != nil {
			if errors.GetCategory(err) == errors.ErrCategoryClassification && im.opts.OnUnsupported == PolicySkip {
				r.summary.Skipped++
				skipped++
				logger.Warn("skipped unsupported record",
					zap.String("record_type", rec.TypeName),
					zap.String("record_id", rec.ID()),
					zap.Int64("offset", offset),
				)
				continue
			}
			if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return fmt.Errorf("ingest: %s: record %s at offset %d: %w", s.Name, rec.ID(), offset, err)
		}
	}

	logger.Info("imported source", zap.Int64("records", records), zap.Int64("skipped", skipped))
	return nil
}
