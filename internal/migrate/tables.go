package migrate

import (
	"fmt"
	"strings"

	"github.com/warcdb/warcdb/internal/schema"
	"github.com/warcdb/warcdb/pkg/record"
)

// HeaderView is the name of the view flattening response HTTP headers.
const HeaderView = "response_http_headers"

// ForeignKey is an advisory reference from a column to another table's
// record_id.
type ForeignKey struct {
	Column     string
	References string
}

// Table describes one record-type table as created by the initial migration.
// Columns beyond these are added on demand by the store.
type Table struct {
	Name        string
	Columns     []string
	ForeignKeys []ForeignKey
}

// common columns carried by every record table, after record_id.
var common = []string{
	"warc_type",
	"warc_date",
	"content_type",
	"content_length",
	"warc_block_digest",
}

// Tables lists the record tables in creation order.
var Tables = []Table{
	{
		Name:    record.TypeWarcinfo.String(),
		Columns: withCommon("warc_filename", schema.ColumnPayload),
	},
	{
		Name: record.TypeRequest.String(),
		Columns: withCommon(
			schema.ColumnWarcinfoID,
			"warc_target_uri",
			"warc_ip_address",
			"warc_payload_digest",
			schema.ColumnHTTPStatusLine,
			schema.ColumnHTTPHeaders,
			schema.ColumnPayload,
		),
		ForeignKeys: []ForeignKey{
			{Column: schema.ColumnWarcinfoID, References: record.TypeWarcinfo.String()},
		},
	},
	{
		Name: record.TypeResponse.String(),
		Columns: withCommon(
			schema.ColumnWarcinfoID,
			schema.ColumnConcurrentTo,
			"warc_target_uri",
			"warc_ip_address",
			"warc_payload_digest",
			"warc_identified_payload_type",
			schema.ColumnHTTPStatusLine,
			schema.ColumnHTTPHeaders,
			schema.ColumnPayload,
		),
		ForeignKeys: []ForeignKey{
			{Column: schema.ColumnWarcinfoID, References: record.TypeWarcinfo.String()},
			{Column: schema.ColumnConcurrentTo, References: record.TypeRequest.String()},
		},
	},
	{
		Name: record.TypeMetadata.String(),
		Columns: withCommon(
			schema.ColumnWarcinfoID,
			schema.ColumnConcurrentTo,
			"warc_target_uri",
			schema.ColumnPayload,
		),
		ForeignKeys: []ForeignKey{
			{Column: schema.ColumnWarcinfoID, References: record.TypeWarcinfo.String()},
			{Column: schema.ColumnConcurrentTo, References: record.TypeResponse.String()},
		},
	},
	{
		Name: record.TypeResource.String(),
		Columns: withCommon(
			schema.ColumnWarcinfoID,
			schema.ColumnConcurrentTo,
			"warc_target_uri",
			"warc_payload_digest",
			schema.ColumnPayload,
		),
		ForeignKeys: []ForeignKey{
			{Column: schema.ColumnWarcinfoID, References: record.TypeWarcinfo.String()},
			{Column: schema.ColumnConcurrentTo, References: record.TypeMetadata.String()},
		},
	},
}

func withCommon(columns ...string) []string {
	out := make([]string, 0, len(common)+len(columns))
	out = append(out, common...)
	return append(out, columns...)
}

// TableFor returns the table a record type is stored in.
func TableFor(t record.Type) (Table, bool) {
	for _, tbl := range Tables {
		if tbl.Name == t.String() {
			return tbl, true
		}
	}
	return Table{}, false
}

// CreateSQL returns the CREATE TABLE statement for t.
func (t Table) CreateSQL() string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", t.Name)
	fmt.Fprintf(&b, "    %s TEXT PRIMARY KEY", schema.ColumnRecordID)
	for _, col := range t.Columns {
		fmt.Fprintf(&b, ",\n    %s", schema.ColumnDef(col, col))
	}
	for _, fk := range t.ForeignKeys {
		fmt.Fprintf(&b, ",\n    FOREIGN KEY (%s) REFERENCES %s(%s)", fk.Column, fk.References, schema.ColumnRecordID)
	}
	b.WriteString("\n)")
	return b.String()
}

// IndexSQL returns one CREATE INDEX statement per foreign-key column.
func (t Table) IndexSQL() []string {
	stmts := make([]string, 0, len(t.ForeignKeys))
	for _, fk := range t.ForeignKeys {
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s(%s)",
			t.Name, fk.Column, t.Name, fk.Column))
	}
	return stmts
}

const headerViewSQL = `
CREATE VIEW IF NOT EXISTS ` + HeaderView + ` AS
SELECT
    r.record_id AS record_id,
    lower(json_extract(h.value, '$.header')) AS header_name,
    json_extract(h.value, '$.value') AS header_value
FROM response AS r, json_each(r.http_headers) AS h
WHERE r.http_headers IS NOT NULL
`
