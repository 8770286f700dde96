package warc

import (
	"bufio"
	"bytes"
	"io"
	"strings"

	"github.com/warcdb/warcdb/pkg/record"
)

// peekSize bounds how far into a block we look for an HTTP start line.
const peekSize = 4096

// carriesHTTP reports whether a request or response block starts with an
// HTTP message. Detection is by content: the Content-Type header is not
// consulted since producers do not set it consistently.
func carriesHTTP(typ record.Type, body *bufio.Reader) bool {
	if typ != record.TypeRequest && typ != record.TypeResponse {
		return false
	}
	return looksLikeHTTP(firstLine(body))
}

func firstLine(body *bufio.Reader) string {
	data, _ := body.Peek(peekSize)
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		data = data[:i]
	}
	return strings.TrimRight(string(data), "\r")
}

// looksLikeHTTP matches a status line ("HTTP/1.1 200 OK") or a request line
// ("GET / HTTP/1.1").
func looksLikeHTTP(line string) bool {
	if strings.HasPrefix(line, "HTTP/") {
		return true
	}
	fields := strings.Fields(line)
	return len(fields) == 3 && strings.HasPrefix(fields[2], "HTTP/")
}

// readHTTPBlock consumes the start line and header section of an HTTP
// message, leaving body positioned at the HTTP entity. Header lines without
// a colon are skipped.
func readHTTPBlock(body *bufio.Reader) (*record.HTTPBlock, error) {
	start, err := body.ReadString('\n')
	if err != nil && err != io.EOF {
		return nil, err
	}
	block := &record.HTTPBlock{StatusLine: strings.TrimRight(start, "\r\n")}
	if err == io.EOF {
		return block, nil
	}

	for {
		line, err := body.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			return block, nil
		}
		if (line[0] == ' ' || line[0] == '\t') && len(block.Headers) > 0 {
			last := &block.Headers[len(block.Headers)-1]
			last.Value = strings.TrimSpace(last.Value + " " + strings.TrimSpace(line))
		} else if name, value, ok := strings.Cut(line, ":"); ok && strings.TrimSpace(name) != "" {
			block.Headers = append(block.Headers, record.Header{
				Name:  strings.TrimSpace(name),
				Value: strings.TrimSpace(value),
			})
		}
		if err == io.EOF {
			return block, nil
		}
	}
}
