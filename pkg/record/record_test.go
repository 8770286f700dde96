package record

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

// onceReader yields its content once and then nothing, like a decoded
// archive payload stream.
type onceReader struct {
	data  []byte
	reads int
}

func (o *onceReader) Read(p []byte) (int, error) {
	o.reads++
	if len(o.data) == 0 {
		return 0, io.EOF
	}
	n := copy(p, o.data)
	o.data = o.data[n:]
	return n, nil
}

func TestParseType(t *testing.T) {
	tests := []struct {
		in   string
		want Type
	}{
		{"warcinfo", TypeWarcinfo},
		{"request", TypeRequest},
		{"Response", TypeResponse},
		{" metadata ", TypeMetadata},
		{"resource", TypeResource},
		{"revisit", TypeUnsupported},
		{"conversion", TypeUnsupported},
		{"", TypeUnsupported},
	}
	for _, tt := range tests {
		if got := ParseType(tt.in); got != tt.want {
			t.Errorf("ParseType(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestTypeString_RoundTrip(t *testing.T) {
	for _, typ := range Supported {
		if got := ParseType(typ.String()); got != typ {
			t.Errorf("ParseType(%q) = %v, want %v", typ.String(), got, typ)
		}
	}
}

func TestHeaders_LookupIsCaseInsensitiveAndLastWins(t *testing.T) {
	h := Headers{
		{Name: "WARC-Type", Value: "response"},
		{Name: "Content-Length", Value: "10"},
		{Name: "content-length", Value: "12"},
	}

	if got := h.Get("CONTENT-LENGTH"); got != "12" {
		t.Errorf("Get = %q, want %q", got, "12")
	}
	if _, ok := h.Lookup("WARC-Target-URI"); ok {
		t.Error("Lookup should report missing header")
	}
}

func TestRecord_PayloadReadOnce(t *testing.T) {
	body := &onceReader{data: []byte("hello payload")}
	rec := New("WARC/1.0", "resource", Headers{{Name: "WARC-Record-ID", Value: "<urn:uuid:1>"}}, nil, body)

	if rec.Consumed() {
		t.Fatal("new record should not be consumed")
	}

	first, err := rec.Payload()
	if err != nil {
		t.Fatalf("Payload failed: %v", err)
	}
	readsAfterFirst := body.reads

	second, err := rec.Payload()
	if err != nil {
		t.Fatalf("second Payload failed: %v", err)
	}

	if !bytes.Equal(first, second) || string(second) != "hello payload" {
		t.Errorf("payload mismatch: %q vs %q", first, second)
	}
	if body.reads != readsAfterFirst {
		t.Error("second Payload call must not touch the stream")
	}
	if !rec.Consumed() {
		t.Error("record should be consumed after Payload")
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("disk gone") }

func TestRecord_PayloadErrorIsSticky(t *testing.T) {
	rec := New("WARC/1.0", "response", nil, nil, failingReader{})

	if _, err := rec.Payload(); err == nil {
		t.Fatal("expected payload error")
	}
	if _, err := rec.Payload(); err == nil {
		t.Fatal("expected payload error on second call")
	}
}

func TestRecord_NilBodyIsEmpty(t *testing.T) {
	rec := New("WARC/1.1", "warcinfo", nil, nil, nil)
	data, err := rec.Payload()
	if err != nil {
		t.Fatalf("Payload failed: %v", err)
	}
	if len(data) != 0 {
		t.Errorf("expected empty payload, got %q", data)
	}
	if rec.Type != TypeWarcinfo {
		t.Errorf("Type = %v, want warcinfo", rec.Type)
	}
}
