// Package warctest builds small WARC archives for tests.
package warctest

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
)

// Well-known ids of the sample archive.
const (
	WarcinfoID = "<urn:uuid:00000000-0000-4000-8000-000000000001>"
	RequestID  = "<urn:uuid:00000000-0000-4000-8000-000000000002>"
	ResponseID = "<urn:uuid:00000000-0000-4000-8000-000000000003>"
	MetadataID = "<urn:uuid:00000000-0000-4000-8000-000000000004>"
	ResourceID = "<urn:uuid:00000000-0000-4000-8000-000000000005>"
	RevisitID  = "<urn:uuid:00000000-0000-4000-8000-000000000006>"

	TargetURI = "http://example.com/"
	Date      = "2023-04-01T12:00:00Z"
	Body      = "<html><body>hello</body></html>"
)

// Header is one WARC header line.
type Header struct {
	Name  string
	Value string
}

// Builder accumulates WARC records. Content-Length is always computed.
type Builder struct {
	buf     bytes.Buffer
	version string
}

// NewBuilder returns a builder writing WARC/1.0 records.
func NewBuilder() *Builder {
	return &Builder{version: "WARC/1.0"}
}

// Version changes the version line of records added afterwards.
func (b *Builder) Version(v string) *Builder {
	b.version = v
	return b
}

// Record appends a record with the given headers and block.
func (b *Builder) Record(headers []Header, block string) *Builder {
	fmt.Fprintf(&b.buf, "%s\r\n", b.version)
	for _, h := range headers {
		fmt.Fprintf(&b.buf, "%s: %s\r\n", h.Name, h.Value)
	}
	fmt.Fprintf(&b.buf, "Content-Length: %d\r\n\r\n", len(block))
	b.buf.WriteString(block)
	b.buf.WriteString("\r\n\r\n")
	return b
}

// Warcinfo appends a warcinfo record.
func (b *Builder) Warcinfo(id string) *Builder {
	return b.Record([]Header{
		{"WARC-Type", "warcinfo"},
		{"WARC-Record-ID", id},
		{"WARC-Date", Date},
		{"WARC-Filename", "sample.warc.gz"},
		{"Content-Type", "application/warc-fields"},
	}, "software: warctest\r\nformat: WARC File Format 1.0\r\n")
}

// Request appends a GET request for uri.
func (b *Builder) Request(id, warcinfoID, uri string) *Builder {
	host := strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(uri, "https://"), "http://"), "/")
	return b.Record([]Header{
		{"WARC-Type", "request"},
		{"WARC-Record-ID", id},
		{"WARC-Warcinfo-ID", warcinfoID},
		{"WARC-Date", Date},
		{"WARC-Target-URI", uri},
		{"Content-Type", "application/http; msgtype=request"},
	}, "GET / HTTP/1.1\r\nHost: "+host+"\r\nUser-Agent: warctest\r\n\r\n")
}

// Response appends an HTTP 200 response for uri answering requestID. The
// HTTP headers are written in the order given.
func (b *Builder) Response(id, warcinfoID, requestID, uri string, httpHeaders []Header, body string) *Builder {
	var block strings.Builder
	block.WriteString("HTTP/1.1 200 OK\r\n")
	for _, h := range httpHeaders {
		fmt.Fprintf(&block, "%s: %s\r\n", h.Name, h.Value)
	}
	block.WriteString("\r\n")
	block.WriteString(body)

	return b.Record([]Header{
		{"WARC-Type", "response"},
		{"WARC-Record-ID", id},
		{"WARC-Warcinfo-ID", warcinfoID},
		{"WARC-Concurrent-To", requestID},
		{"WARC-Date", Date},
		{"WARC-Target-URI", uri},
		{"Content-Type", "application/http; msgtype=response"},
	}, block.String())
}

// Metadata appends a metadata record annotating responseID.
func (b *Builder) Metadata(id, warcinfoID, responseID, uri string) *Builder {
	return b.Record([]Header{
		{"WARC-Type", "metadata"},
		{"WARC-Record-ID", id},
		{"WARC-Warcinfo-ID", warcinfoID},
		{"WARC-Concurrent-To", responseID},
		{"WARC-Date", Date},
		{"WARC-Target-URI", uri},
		{"Content-Type", "application/warc-fields"},
	}, "outlink: http://example.com/about\r\n")
}

// Resource appends a resource record.
func (b *Builder) Resource(id, warcinfoID, metadataID, uri, body string) *Builder {
	return b.Record([]Header{
		{"WARC-Type", "resource"},
		{"WARC-Record-ID", id},
		{"WARC-Warcinfo-ID", warcinfoID},
		{"WARC-Concurrent-To", metadataID},
		{"WARC-Date", Date},
		{"WARC-Target-URI", uri},
		{"Content-Type", "text/plain"},
	}, body)
}

// Revisit appends a revisit record, a type warcdb does not store.
func (b *Builder) Revisit(id, warcinfoID, uri string) *Builder {
	return b.Record([]Header{
		{"WARC-Type", "revisit"},
		{"WARC-Record-ID", id},
		{"WARC-Warcinfo-ID", warcinfoID},
		{"WARC-Date", Date},
		{"WARC-Target-URI", uri},
		{"WARC-Profile", "http://netpreserve.org/warc/1.0/revisit/identical-payload-digest"},
	}, "")
}

// Bytes returns the archive written so far.
func (b *Builder) Bytes() []byte {
	return append([]byte(nil), b.buf.Bytes()...)
}

// ResponseHeaders are the HTTP headers of the sample response.
var ResponseHeaders = []Header{
	{"Content-Type", "text/html"},
	{"Set-Cookie", "a=b"},
}

// Sample returns an archive with a warcinfo record, a request referencing it
// and a response referencing both.
func Sample() []byte {
	return NewBuilder().
		Warcinfo(WarcinfoID).
		Request(RequestID, WarcinfoID, TargetURI).
		Response(ResponseID, WarcinfoID, RequestID, TargetURI, ResponseHeaders, Body).
		Bytes()
}

// Full returns Sample followed by a metadata and a resource record.
func Full() []byte {
	return NewBuilder().
		Warcinfo(WarcinfoID).
		Request(RequestID, WarcinfoID, TargetURI).
		Response(ResponseID, WarcinfoID, RequestID, TargetURI, ResponseHeaders, Body).
		Metadata(MetadataID, WarcinfoID, ResponseID, TargetURI).
		Resource(ResourceID, WarcinfoID, MetadataID, "urn:warctest:note", "plain note").
		Bytes()
}

// Gzip compresses data as a single gzip member.
func Gzip(data []byte) []byte {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write(data)
	zw.Close()
	return buf.Bytes()
}

// Snappy compresses data with the snappy framing format.
func Snappy(data []byte) []byte {
	var buf bytes.Buffer
	sw := snappy.NewBufferedWriter(&buf)
	sw.Write(data)
	sw.Close()
	return buf.Bytes()
}

// Entry is one file of a zip container.
type Entry struct {
	Name string
	Data []byte
}

// Zip builds a zip container holding entries in order.
func Zip(entries ...Entry) []byte {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.Create(e.Name)
		if err != nil {
			panic(err)
		}
		w.Write(e.Data)
	}
	zw.Close()
	return buf.Bytes()
}

// ARC returns a version 1 ARC file with a filedesc record and one HTTP
// response.
func ARC() []byte {
	filedesc := "1 0 warctest\nURL IP-address Archive-date Content-type Archive-length\n"
	response := "HTTP/1.0 200 OK\r\nContent-Type: text/html\r\n\r\n" + Body

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "filedesc://sample.arc 0.0.0.0 19960923142103 text/plain %d\n%s\n", len(filedesc), filedesc)
	fmt.Fprintf(&buf, "http://example.com/ 93.184.216.34 19960923142104 text/html %d\n%s\n", len(response), response)
	return buf.Bytes()
}
