package source

import (
	"bufio"
	"bytes"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/warcdb/warcdb/internal/errors"
)

// Compression is the detected encoding of a stream.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionGzip
	CompressionSnappy
)

func (c Compression) String() string {
	switch c {
	case CompressionGzip:
		return "gzip"
	case CompressionSnappy:
		return "snappy"
	default:
		return "none"
	}
}

var (
	gzipMagic   = []byte{0x1f, 0x8b}
	snappyMagic = []byte("\xff\x06\x00\x00sNaPpY")
	zipMagic    = []byte("PK\x03\x04")
)

// Sniff detects the compression of data from its leading bytes.
func Sniff(data []byte) Compression {
	switch {
	case bytes.HasPrefix(data, gzipMagic):
		return CompressionGzip
	case bytes.HasPrefix(data, snappyMagic):
		return CompressionSnappy
	default:
		return CompressionNone
	}
}

func isZip(data []byte) bool {
	return bytes.HasPrefix(data, zipMagic)
}

// Decompress wraps r in the decoder its content calls for. Detection is by
// content; names and extensions are not consulted. Gzip input may consist of
// several members, as in per-record compressed WARC files.
func Decompress(r io.Reader) (io.ReadCloser, Compression, error) {
	br := bufio.NewReader(r)
	magic, _ := br.Peek(len(snappyMagic))

	switch c := Sniff(magic); c {
	case CompressionGzip:
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, c, errors.NewDecodeError(errors.CodeUnknownFormat, "invalid gzip stream", err)
		}
		return zr, c, nil
	case CompressionSnappy:
		return io.NopCloser(snappy.NewReader(br)), c, nil
	default:
		return io.NopCloser(br), CompressionNone, nil
	}
}
