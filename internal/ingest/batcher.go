package ingest

import (
	"context"

	"github.com/warcdb/warcdb/internal/store"
	"go.uber.org/zap"
)

// batcher buffers built rows and writes them to the store in transactions of
// at most size rows. It implements dispatch.Sink.
type batcher struct {
	store   *store.Store
	size    int
	rows    []store.Row
	summary *Summary
	logger  *zap.Logger
}

func newBatcher(st *store.Store, size int, summary *Summary, logger *zap.Logger) *batcher {
	if size < 1 {
		size = 1
	}
	return &batcher{
		store:   st,
		size:    size,
		rows:    make([]store.Row, 0, size),
		summary: summary,
		logger:  logger,
	}
}

// Add buffers row and flushes once the batch is full.
func (b *batcher) Add(ctx context.Context, row store.Row) error {
	b.rows = append(b.rows, row)
	if len(b.rows) >= b.size {
		return b.Flush(ctx)
	}
	return nil
}

// Pending returns the number of buffered rows.
func (b *batcher) Pending() int {
	return len(b.rows)
}

// Flush writes every buffered row in one transaction. On failure the rows
// stay buffered, so a batch interrupted by cancellation can be flushed again
// with a fresh context.
func (b *batcher) Flush(ctx context.Context) error {
	if len(b.rows) == 0 {
		return nil
	}

	res, err := b.store.WriteBatch(ctx, b.rows)
	if err != nil {
		return err
	}
	b.rows = b.rows[:0]

	b.summary.Inserted += int64(res.Inserted)
	b.summary.Ignored += int64(res.Ignored)
	for table, n := range res.PerTable {
		b.summary.PerTable[table] += int64(n)
	}
	for _, col := range res.Widened {
		b.logger.Info("widened table", zap.String("column", col))
		b.summary.Widened = append(b.summary.Widened, col)
	}
	return nil
}
