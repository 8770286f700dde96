// Package record provides the in-memory model of one decoded archive record.
package record

import (
	"fmt"
	"io"
	"strings"
)

// Type is the closed set of record types warcdb knows about.
type Type int

const (
	// TypeUnsupported covers every WARC-Type outside the five stored kinds
	// (revisit, conversion, continuation, vendor extensions).
	TypeUnsupported Type = iota
	TypeWarcinfo
	TypeRequest
	TypeResponse
	TypeMetadata
	TypeResource
)

// Supported lists the stored types in table creation order.
var Supported = []Type{TypeWarcinfo, TypeRequest, TypeResponse, TypeMetadata, TypeResource}

// ParseType maps a WARC-Type header value onto a Type.
func ParseType(s string) Type {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "warcinfo":
		return TypeWarcinfo
	case "request":
		return TypeRequest
	case "response":
		return TypeResponse
	case "metadata":
		return TypeMetadata
	case "resource":
		return TypeResource
	default:
		return TypeUnsupported
	}
}

// String returns the WARC-Type spelling of t.
func (t Type) String() string {
	switch t {
	case TypeWarcinfo:
		return "warcinfo"
	case TypeRequest:
		return "request"
	case TypeResponse:
		return "response"
	case TypeMetadata:
		return "metadata"
	case TypeResource:
		return "resource"
	default:
		return "unsupported"
	}
}

// Header is a single name/value pair in the order it appeared.
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered header list. Lookups are case-insensitive.
type Headers []Header

// Get returns the value of the last header named name, or "".
func (h Headers) Get(name string) string {
	v, _ := h.Lookup(name)
	return v
}

// Lookup is Get with a presence flag.
func (h Headers) Lookup(name string) (string, bool) {
	for i := len(h) - 1; i >= 0; i-- {
		if strings.EqualFold(h[i].Name, name) {
			return h[i].Value, true
		}
	}
	return "", false
}

// HTTPBlock is the sub-protocol header set embedded in a request or
// response record.
type HTTPBlock struct {
	// StatusLine is the request line or status line, without CRLF.
	StatusLine string
	Headers    Headers
}

// Record is one decoded archive record.
//
// The payload is backed by a single-consumption stream. Payload reads it to
// completion the first time and serves the owned buffer afterwards.
type Record struct {
	// Version is the format marker, e.g. "WARC/1.0" or "ARC/1".
	Version string
	Type    Type
	// TypeName is the WARC-Type value as written by the producer.
	TypeName string
	Headers  Headers
	// HTTP is nil when the record carries no sub-protocol headers.
	HTTP *HTTPBlock

	body     io.Reader
	payload  []byte
	consumed bool
	readErr  error
}

// New creates a record whose payload will be read from body.
func New(version, typeName string, headers Headers, http *HTTPBlock, body io.Reader) *Record {
	if body == nil {
		body = strings.NewReader("")
	}
	return &Record{
		Version:  version,
		Type:     ParseType(typeName),
		TypeName: typeName,
		Headers:  headers,
		HTTP:     http,
		body:     body,
	}
}

// ID returns the producer-assigned WARC-Record-ID.
func (r *Record) ID() string {
	return r.Headers.Get("WARC-Record-ID")
}

// Payload reads the payload stream exactly once and returns the buffered
// bytes on every call. A read failure is remembered and returned again.
func (r *Record) Payload() ([]byte, error) {
	if r.consumed {
		return r.payload, r.readErr
	}
	r.consumed = true
	data, err := io.ReadAll(r.body)
	if err != nil {
		r.readErr = fmt.Errorf("record: failed to read payload of %s: %w", r.ID(), err)
		return nil, r.readErr
	}
	r.payload = data
	r.body = nil
	return r.payload, nil
}

// Consumed reports whether the payload stream has been read.
func (r *Record) Consumed() bool {
	return r.consumed
}
