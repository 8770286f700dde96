// Package warc decodes WARC and ARC byte streams into records.
//
// The reader is lazy and forward-only: each call to Next returns one record
// whose payload stream is valid until the following call. Input must already
// be decompressed; the source package takes care of gzip and snappy.
package warc

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/warcdb/warcdb/internal/errors"
	"github.com/warcdb/warcdb/pkg/record"
)

type format int

const (
	formatUnknown format = iota
	formatWARC
	formatARC
)

// Reader decodes records from a WARC or ARC stream. The format is detected
// from the first non-blank line.
type Reader struct {
	cr     *countingReader
	br     *bufio.Reader
	format format
	block  *blockReader

	// arcInfoID is the record id given to the ARC filedesc record, used as
	// the warcinfo reference of the records that follow it.
	arcInfoID string
	records   int64
}

// NewReader creates a reader over an uncompressed archive stream.
func NewReader(r io.Reader) *Reader {
	cr := &countingReader{r: r}
	return &Reader{
		cr: cr,
		br: bufio.NewReaderSize(cr, 64*1024),
	}
}

// Offset returns the number of input bytes consumed so far.
func (r *Reader) Offset() int64 {
	return r.cr.n - int64(r.br.Buffered())
}

// Records returns how many records have been decoded.
func (r *Reader) Records() int64 {
	return r.records
}

// Next decodes the next record. It returns io.EOF when the stream ends
// cleanly between records. Any unread payload of the previous record is
// discarded first.
func (r *Reader) Next() (*record.Record, error) {
	if err := r.finishBlock(); err != nil {
		return nil, err
	}

	start := r.Offset()
	line, err := r.nextNonBlankLine()
	if err != nil {
		return nil, err
	}

	if r.format == formatUnknown {
		switch {
		case strings.HasPrefix(line, "WARC/"):
			r.format = formatWARC
		case strings.HasPrefix(line, "filedesc://"):
			r.format = formatARC
		default:
			return nil, errors.NewDecodeError(errors.CodeUnknownFormat,
				fmt.Sprintf("unrecognized archive format at offset %d: %q", start, truncate(line, 40)), nil)
		}
	}

	var rec *record.Record
	switch r.format {
	case formatWARC:
		rec, err = r.readWARC(line, start)
	case formatARC:
		rec, err = r.readARC(line, start)
	}
	if err != nil {
		return nil, err
	}
	r.records++
	return rec, nil
}

func (r *Reader) readWARC(versionLine string, start int64) (*record.Record, error) {
	if !strings.HasPrefix(versionLine, "WARC/") {
		return nil, malformed(start, "expected WARC version line, got %q", truncate(versionLine, 40))
	}

	var headers record.Headers
	for {
		line, err := r.readLine()
		if err == io.EOF {
			return nil, errors.NewDecodeError(errors.CodeTruncatedRecord,
				fmt.Sprintf("record at offset %d ends inside its header block", start), nil)
		}
		if err != nil {
			return nil, errors.NewDecodeError(errors.CodeMalformedRecord, "failed to read header", err)
		}
		if line == "" {
			break
		}
		if (line[0] == ' ' || line[0] == '\t') && len(headers) > 0 {
			last := &headers[len(headers)-1]
			last.Value = strings.TrimSpace(last.Value + " " + strings.TrimSpace(line))
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, malformed(start, "invalid header line %q", truncate(line, 60))
		}
		headers = append(headers, record.Header{Name: strings.TrimSpace(name), Value: strings.TrimSpace(value)})
	}

	length, err := strconv.ParseInt(headers.Get("Content-Length"), 10, 64)
	if err != nil || length < 0 {
		return nil, malformed(start, "missing or invalid Content-Length %q", headers.Get("Content-Length"))
	}

	r.block = &blockReader{r: r.br, n: length}
	body := bufio.NewReader(r.block)
	typeName := headers.Get("WARC-Type")

	var http *record.HTTPBlock
	if carriesHTTP(record.ParseType(typeName), body) {
		http, err = readHTTPBlock(body)
		if err != nil {
			return nil, errors.NewDecodeError(errors.CodeMalformedRecord,
				fmt.Sprintf("failed to read HTTP headers of record at offset %d", start), err)
		}
	}

	return record.New(versionLine, typeName, headers, http, body), nil
}

// finishBlock drains what is left of the current record block.
func (r *Reader) finishBlock() error {
	if r.block == nil {
		return nil
	}
	block := r.block
	r.block = nil
	if _, err := io.Copy(io.Discard, block); err != nil {
		return errors.NewDecodeError(errors.CodeTruncatedRecord,
			fmt.Sprintf("record block ends early near offset %d", r.Offset()), err)
	}
	return nil
}

func (r *Reader) nextNonBlankLine() (string, error) {
	for {
		line, err := r.readLine()
		if line != "" {
			return line, nil
		}
		if err != nil {
			return "", err
		}
	}
}

// readLine returns one line without its terminator. A final unterminated
// line is returned with a nil error; io.EOF follows on the next call.
func (r *Reader) readLine() (string, error) {
	line, err := r.br.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func malformed(offset int64, format string, args ...interface{}) error {
	return errors.NewDecodeError(errors.CodeMalformedRecord,
		fmt.Sprintf("record at offset %d: ", offset)+fmt.Sprintf(format, args...), nil).
		WithDetails(map[string]interface{}{"offset": offset})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// blockReader exposes exactly n bytes of the record block and reports
// io.ErrUnexpectedEOF when the stream ends first.
type blockReader struct {
	r io.Reader
	n int64
}

func (b *blockReader) Read(p []byte) (int, error) {
	if b.n <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > b.n {
		p = p[:b.n]
	}
	n, err := b.r.Read(p)
	b.n -= int64(n)
	if err == io.EOF && b.n > 0 {
		err = io.ErrUnexpectedEOF
	}
	if err == io.EOF && b.n == 0 {
		err = nil
	}
	return n, err
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
