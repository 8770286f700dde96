// Package observability tracks per-column statistics of an import run: how
// often each header column is populated and which columns hold values that
// do not match their declared type.
package observability

import (
	"sort"
	"sync"
	"time"
)

// ColumnStats counts column occurrences and coercion misses by table.
type ColumnStats struct {
	mu       sync.RWMutex
	seen     map[string]*ColumnStat
	coercion map[string]*ColumnStat
}

// ColumnStat holds statistics for one table column.
type ColumnStat struct {
	Table     string
	Column    string
	Frequency int64
	LastSeen  time.Time
	// Sample is the first value recorded, kept for coercion misses only.
	Sample string
}

// Key returns "table.column".
func (s ColumnStat) Key() string {
	return s.Table + "." + s.Column
}

// NewColumnStats creates an empty tracker.
func NewColumnStats() *ColumnStats {
	return &ColumnStats{
		seen:     make(map[string]*ColumnStat),
		coercion: make(map[string]*ColumnStat),
	}
}

// RecordColumn records that a row for table populated column.
// This method is O(1) and thread-safe.
func (c *ColumnStats) RecordColumn(table, column string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	record(c.seen, table, column, "")
}

// RecordCoercion records a value of column that will be kept as text
// because it does not convert to the column's declared type.
func (c *ColumnStats) RecordCoercion(table, column, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	record(c.coercion, table, column, value)
}

func record(m map[string]*ColumnStat, table, column, value string) {
	key := table + "." + column
	stat, exists := m[key]
	if !exists {
		stat = &ColumnStat{Table: table, Column: column, Sample: value}
		m[key] = stat
	}
	stat.Frequency++
	stat.LastSeen = time.Now()
}

// TopColumns returns the n most frequently populated columns.
func (c *ColumnStats) TopColumns(n int) []ColumnStat {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return top(c.seen, n)
}

// TopCoercions returns the n columns with the most coercion misses.
func (c *ColumnStats) TopCoercions(n int) []ColumnStat {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return top(c.coercion, n)
}

// Coercions returns the total number of coercion misses.
func (c *ColumnStats) Coercions() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var total int64
	for _, s := range c.coercion {
		total += s.Frequency
	}
	return total
}

// top returns copies sorted by frequency descending, then by key.
func top(m map[string]*ColumnStat, n int) []ColumnStat {
	if n <= 0 || len(m) == 0 {
		return []ColumnStat{}
	}

	stats := make([]ColumnStat, 0, len(m))
	for _, s := range m {
		stats = append(stats, *s)
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Frequency != stats[j].Frequency {
			return stats[i].Frequency > stats[j].Frequency
		}
		return stats[i].Key() < stats[j].Key()
	})

	if n > len(stats) {
		n = len(stats)
	}
	return stats[:n]
}
