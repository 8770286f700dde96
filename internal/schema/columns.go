// Package schema normalizes archive header names into column identifiers
// and declares the storage type of each known column.
package schema

import (
	"strconv"
	"strings"
	"time"

	"github.com/warcdb/warcdb/internal/errors"
	"github.com/warcdb/warcdb/pkg/record"
)

// Logical column types. Conversion happens in Coerce at insert time; the
// SQLite declaration of each type (see SQLType) never rewrites a value.
const (
	TypeText      = "TEXT"
	TypeInteger   = "INTEGER"
	TypeTimestamp = "TIMESTAMP"
	TypeBlob      = "BLOB"
)

// Well-known column names.
const (
	ColumnRecordID       = "record_id"
	ColumnWarcRecordID   = "warc_record_id"
	ColumnWarcinfoID     = "warc_warcinfo_id"
	ColumnConcurrentTo   = "warc_concurrent_to"
	ColumnPayload        = "payload"
	ColumnHTTPHeaders    = "http_headers"
	ColumnHTTPStatusLine = "http_status_line"
)

// declaredTypes is the coercion table. Columns not listed are TEXT.
var declaredTypes = map[string]string{
	"content_length":            TypeInteger,
	"warc_segment_number":       TypeInteger,
	"warc_segment_total_length": TypeInteger,
	"warc_date":                 TypeTimestamp,
	"warc_refers_to_date":       TypeTimestamp,
	ColumnPayload:               TypeBlob,
}

// Field is one normalized header.
type Field struct {
	Column string
	Value  string
}

// Key converts an archive header name to a column identifier:
// "WARC-Record-ID" -> "warc_record_id".
func Key(name string) string {
	key := strings.ToLower(strings.TrimSpace(name))
	key = strings.ReplaceAll(key, "-", "_")
	key = strings.ReplaceAll(key, " ", "_")
	if !ValidateColumnName(key) {
		key = sanitize(key)
	}
	return key
}

// Fields normalizes a header list. Every header is kept; when two names
// collide after normalization the later value wins and the column keeps the
// position of its first appearance.
func Fields(headers record.Headers) []Field {
	fields := make([]Field, 0, len(headers))
	index := make(map[string]int, len(headers))
	for _, h := range headers {
		col := Key(h.Name)
		if i, ok := index[col]; ok {
			fields[i].Value = h.Value
			continue
		}
		index[col] = len(fields)
		fields = append(fields, Field{Column: col, Value: h.Value})
	}
	return fields
}

// DeclaredType returns the logical type of a column.
func DeclaredType(column string) string {
	if t, ok := declaredTypes[column]; ok {
		return t
	}
	return TypeText
}

// SQLType returns the type a column is declared with in SQLite. INTEGER
// columns are declared without a type: INTEGER or NUMERIC affinity would turn
// a text value such as "1e2" into a number. Timestamps are stored as text.
func SQLType(column string) string {
	switch DeclaredType(column) {
	case TypeInteger:
		return ""
	case TypeBlob:
		return TypeBlob
	default:
		return TypeText
	}
}

// ColumnDef returns the column definition used by CREATE and ALTER TABLE.
// The name is written as given.
func ColumnDef(name, column string) string {
	if t := SQLType(column); t != "" {
		return name + " " + t
	}
	return name
}

// Coerce converts value to the bind value of column: an int64 for INTEGER
// columns, the string itself otherwise. When value does not convert it is
// returned unchanged alongside a coercion error, which is informational only.
func Coerce(column, value string) (interface{}, error) {
	switch DeclaredType(column) {
	case TypeInteger:
		n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return value, errors.NewCoercionError(column, value, TypeInteger)
		}
		return n, nil
	case TypeTimestamp:
		if _, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(value)); err != nil {
			return value, errors.NewCoercionError(column, value, TypeTimestamp)
		}
	}
	return value, nil
}

// Check reports whether value converts to the column's declared type.
// A non-nil result is a coercion error: the value is still written, as text.
func Check(column, value string) error {
	_, err := Coerce(column, value)
	return err
}

// ValidateColumnName checks if a column name is a lowercase SQLite identifier.
func ValidateColumnName(name string) bool {
	if len(name) == 0 || len(name) > 100 {
		return false
	}
	// First character must be a letter or underscore
	first := name[0]
	if (first < 'a' || first > 'z') && first != '_' {
		return false
	}
	// Subsequent characters can be letters, digits, or underscores
	for i := 1; i < len(name); i++ {
		c := name[i]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '_' {
			return false
		}
	}
	return true
}

// sanitize replaces every byte that is not allowed in an identifier.
func sanitize(name string) string {
	if len(name) > 100 {
		name = name[:100]
	}
	b := []byte(name)
	for i, c := range b {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '_' {
			b[i] = '_'
		}
	}
	if len(b) == 0 || (b[0] >= '0' && b[0] <= '9') {
		b = append([]byte{'_'}, b...)
		if len(b) > 100 {
			b = b[:100]
		}
	}
	return string(b)
}
