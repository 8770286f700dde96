// Package dispatch turns decoded records into store rows: it picks the
// table, copies the record's own references into foreign-key columns and
// reads the payload exactly once.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/warcdb/warcdb/internal/errors"
	"github.com/warcdb/warcdb/internal/migrate"
	"github.com/warcdb/warcdb/internal/observability"
	"github.com/warcdb/warcdb/internal/schema"
	"github.com/warcdb/warcdb/internal/store"
	"github.com/warcdb/warcdb/pkg/record"
	"go.uber.org/zap"
)

// Sink receives built rows. The ingestion driver's batcher is the usual
// sink; a *store.Store can be adapted with StoreSink.
type Sink interface {
	Add(ctx context.Context, row store.Row) error
}

// StoreSink writes every row straight to a store.
type StoreSink struct {
	Store *store.Store
}

// Add implements Sink.
func (s StoreSink) Add(ctx context.Context, row store.Row) error {
	_, err := s.Store.Put(ctx, row)
	return err
}

// reserved columns are filled by the dispatcher itself. A header that
// normalizes to one of them is stored under a header_ prefix instead.
var reserved = map[string]bool{
	schema.ColumnRecordID:       true,
	schema.ColumnPayload:        true,
	schema.ColumnHTTPHeaders:    true,
	schema.ColumnHTTPStatusLine: true,
}

// httpHeader is the JSON shape of one HTTP header in the http_headers column.
type httpHeader struct {
	Header string `json:"header"`
	Value  string `json:"value"`
}

// scratch holds the values derived while building one row. It lives for a
// single Build call.
type scratch struct {
	rec       *record.Record
	table     string
	fields    []schema.Field
	payload   []byte
	uncoerced []string
}

// Dispatcher builds rows from records and hands them to a sink.
type Dispatcher struct {
	sink   Sink
	logger *zap.Logger
	stats  *observability.ColumnStats
}

// New creates a dispatcher writing to sink.
func New(sink Sink, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{sink: sink, logger: logger, stats: observability.NewColumnStats()}
}

// Coercions returns how many values so far will be kept as text because they
// do not convert to their column's declared type.
func (d *Dispatcher) Coercions() int64 {
	return d.stats.Coercions()
}

// Stats returns the column statistics gathered from every built row.
func (d *Dispatcher) Stats() *observability.ColumnStats {
	return d.stats
}

// Ingest builds the row for rec and passes it to the sink.
func (d *Dispatcher) Ingest(ctx context.Context, rec *record.Record) error {
	row, err := d.Build(ctx, rec)
	if err != nil {
		return err
	}
	return d.sink.Add(ctx, row)
}

// Build converts rec into a row. Unsupported record types yield a
// classification error; a missing record id or an unreadable payload yields
// a decode error.
func (d *Dispatcher) Build(ctx context.Context, rec *record.Record) (store.Row, error) {
	if err := ctx.Err(); err != nil {
		return store.Row{}, err
	}

	var table string
	switch rec.Type {
	case record.TypeWarcinfo, record.TypeRequest, record.TypeResponse, record.TypeMetadata, record.TypeResource:
		t, ok := migrate.TableFor(rec.Type)
		if !ok {
			return store.Row{}, errors.NewInternalError(fmt.Sprintf("no table for record type %s", rec.Type), nil)
		}
		table = t.Name
	case record.TypeUnsupported:
		return store.Row{}, errors.NewClassificationError(rec.TypeName).
			WithDetails(map[string]interface{}{"record_type": rec.TypeName, "record_id": rec.ID()})
	default:
		return store.Row{}, errors.NewInternalError(fmt.Sprintf("unhandled record type %d", int(rec.Type)), nil)
	}

	id := rec.ID()
	if id == "" {
		return store.Row{}, errors.NewDecodeError(errors.CodeMissingRecordID,
			fmt.Sprintf("%s record has no WARC-Record-ID", rec.Type), nil)
	}

	sc := &scratch{rec: rec, table: table, fields: schema.Fields(rec.Headers)}

	payload, err := rec.Payload()
	if err != nil {
		return store.Row{}, errors.NewDecodeError(errors.CodePayloadRead,
			fmt.Sprintf("failed to read payload of %s", id), err)
	}
	sc.payload = payload

	row, err := d.row(sc, id)
	if err != nil {
		return store.Row{}, err
	}

	if len(sc.uncoerced) > 0 {
		d.logger.Debug("values kept as text",
			zap.String("record_id", id),
			zap.String("table", table),
			zap.Strings("columns", sc.uncoerced),
		)
	}
	return row, nil
}

func (d *Dispatcher) row(sc *scratch, id string) (store.Row, error) {
	cols := make([]store.Column, 0, len(sc.fields)+3)
	// Renaming reserved names can collide with a header already named
	// header_<name>; the later value wins in place.
	index := make(map[string]int, len(sc.fields))
	for _, f := range sc.fields {
		name := f.Column
		if name == schema.ColumnWarcRecordID {
			continue
		}
		if reserved[name] {
			name = "header_" + name
		}
		if i, ok := index[name]; ok {
			cols[i].Value = f.Value
			continue
		}
		index[name] = len(cols)
		cols = append(cols, store.Column{Name: name, Value: f.Value})
	}
	for _, col := range cols {
		value := col.Value.(string)
		d.stats.RecordColumn(sc.table, col.Name)
		if err := schema.Check(col.Name, value); err != nil {
			sc.uncoerced = append(sc.uncoerced, col.Name)
			d.stats.RecordCoercion(sc.table, col.Name, value)
		}
	}

	if http := sc.rec.HTTP; http != nil {
		encoded, err := encodeHTTPHeaders(http.Headers)
		if err != nil {
			return store.Row{}, errors.NewInternalError(fmt.Sprintf("failed to encode HTTP headers of %s", id), err)
		}
		cols = append(cols,
			store.Column{Name: schema.ColumnHTTPStatusLine, Value: http.StatusLine},
			store.Column{Name: schema.ColumnHTTPHeaders, Value: encoded},
		)
	}

	cols = append(cols, store.Column{Name: schema.ColumnPayload, Value: sc.payload})
	return store.Row{Table: sc.table, Key: id, Columns: cols}, nil
}

// encodeHTTPHeaders serializes headers as an ordered JSON array of
// {"header", "value"} objects.
func encodeHTTPHeaders(headers record.Headers) (string, error) {
	list := make([]httpHeader, len(headers))
	for i, h := range headers {
		list[i] = httpHeader{Header: h.Name, Value: h.Value}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(list); err != nil {
		return "", err
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}
