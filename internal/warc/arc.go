package warc

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/warcdb/warcdb/internal/errors"
	"github.com/warcdb/warcdb/pkg/record"
)

// arcVersion is reported as the format marker of records read from ARC files.
const arcVersion = "ARC/1"

// readARC decodes one ARC record from its URL line. Version 1 lines have
// five fields and version 2 lines ten; in both the content type is the
// fourth and the archive length the last.
//
// The filedesc record becomes a warcinfo record and every other record a
// response, so ARC input lands in the same tables as WARC input.
func (r *Reader) readARC(line string, start int64) (*record.Record, error) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return nil, malformed(start, "invalid ARC header line %q", truncate(line, 60))
	}
	length, err := strconv.ParseInt(fields[len(fields)-1], 10, 64)
	if err != nil || length < 0 {
		return nil, malformed(start, "invalid ARC archive length %q", fields[len(fields)-1])
	}

	uri, ip, date, contentType := fields[0], fields[1], fields[2], fields[3]
	id := arcRecordID(uri, date, start)

	r.block = &blockReader{r: r.br, n: length}
	body := bufio.NewReader(r.block)

	headers := record.Headers{
		{Name: "WARC-Record-ID", Value: id},
		{Name: "WARC-Date", Value: arcDate(date)},
	}

	if strings.HasPrefix(uri, "filedesc://") {
		r.arcInfoID = id
		headers = append(headers,
			record.Header{Name: "WARC-Type", Value: "warcinfo"},
			record.Header{Name: "WARC-Filename", Value: strings.TrimPrefix(uri, "filedesc://")},
			record.Header{Name: "Content-Type", Value: contentType},
			record.Header{Name: "Content-Length", Value: strconv.FormatInt(length, 10)},
		)
		return record.New(arcVersion, "warcinfo", headers, nil, body), nil
	}

	headers = append(headers, record.Header{Name: "WARC-Type", Value: "response"})
	if r.arcInfoID != "" {
		headers = append(headers, record.Header{Name: "WARC-Warcinfo-ID", Value: r.arcInfoID})
	}
	headers = append(headers,
		record.Header{Name: "WARC-Target-URI", Value: uri},
		record.Header{Name: "WARC-IP-Address", Value: ip},
	)

	var http *record.HTTPBlock
	if looksLikeHTTP(firstLine(body)) {
		contentType = "application/http; msgtype=response"
		http, err = readHTTPBlock(body)
		if err != nil {
			return nil, errors.NewDecodeError(errors.CodeMalformedRecord,
				fmt.Sprintf("failed to read HTTP headers of ARC record at offset %d", start), err)
		}
	}
	headers = append(headers,
		record.Header{Name: "Content-Type", Value: contentType},
		record.Header{Name: "Content-Length", Value: strconv.FormatInt(length, 10)},
	)
	return record.New(arcVersion, "response", headers, http, body), nil
}

// arcRecordID derives a stable record id so that re-importing an ARC file
// produces the same primary keys.
func arcRecordID(uri, date string, offset int64) string {
	name := fmt.Sprintf("arc:%s:%s:%d", uri, date, offset)
	return "<urn:uuid:" + uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String() + ">"
}

// arcDate converts the 14-digit ARC timestamp to RFC 3339. Anything else is
// passed through unchanged.
func arcDate(s string) string {
	t, err := time.Parse("20060102150405", s)
	if err != nil {
		return s
	}
	return t.UTC().Format(time.RFC3339)
}
