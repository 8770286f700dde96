package source

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/warcdb/warcdb/internal/errors"
	"github.com/warcdb/warcdb/internal/storage"
	"github.com/warcdb/warcdb/internal/warctest"
)

func TestParseLocator(t *testing.T) {
	tests := []struct {
		raw    string
		kind   Kind
		path   string
		bucket string
		key    string
		prefix bool
	}{
		{raw: "crawl.warc.gz", kind: KindLocal, path: "crawl.warc.gz"},
		{raw: "/data/crawl.warc", kind: KindLocal, path: "/data/crawl.warc"},
		{raw: "file:///data/crawl.warc", kind: KindLocal, path: "/data/crawl.warc"},
		{raw: "https://example.com/a.warc.gz", kind: KindHTTP, path: "https://example.com/a.warc.gz"},
		{raw: "s3://bucket/crawls/a.warc.gz", kind: KindS3, bucket: "bucket", key: "crawls/a.warc.gz"},
		{raw: "s3://bucket/crawls/", kind: KindS3, bucket: "bucket", key: "crawls/", prefix: true},
		{raw: "s3://bucket", kind: KindS3, bucket: "bucket", prefix: true},
	}
	for _, tt := range tests {
		loc, err := ParseLocator(tt.raw)
		if err != nil {
			t.Errorf("ParseLocator(%q) failed: %v", tt.raw, err)
			continue
		}
		if loc.Kind != tt.kind || loc.Path != tt.path || loc.Bucket != tt.bucket || loc.Key != tt.key {
			t.Errorf("ParseLocator(%q) = %+v", tt.raw, loc)
		}
		if loc.IsPrefix() != tt.prefix {
			t.Errorf("ParseLocator(%q).IsPrefix() = %v, want %v", tt.raw, loc.IsPrefix(), tt.prefix)
		}
		if loc.String() != tt.raw {
			t.Errorf("String() = %q, want %q", loc.String(), tt.raw)
		}
	}

	for _, bad := range []string{"", "   ", "s3:///key", "ftp://example.com/a.warc", "http://"} {
		if _, err := ParseLocator(bad); errors.GetCode(err) != errors.CodeInvalidLocator {
			t.Errorf("ParseLocator(%q) should fail with invalid locator, got %v", bad, err)
		}
	}
}

func TestNames(t *testing.T) {
	archives := []string{"a.warc", "a.WARC.GZ", "x/y/b.arc", "c.arc.gz"}
	for _, n := range archives {
		if !IsArchiveName(n) {
			t.Errorf("%q should be an archive name", n)
		}
	}
	for _, n := range []string{"datapackage.json", "index.cdx.gz", "a.warc.bak"} {
		if IsArchiveName(n) {
			t.Errorf("%q should not be an archive name", n)
		}
	}
	if !IsContainerName("crawl.wacz") || !IsContainerName("bundle.ZIP") {
		t.Error("container names not recognized")
	}

	loc, _ := ParseLocator("https://example.com/files/a.warc.gz?sig=1")
	if loc.Name() != "a.warc.gz" {
		t.Errorf("Name() = %q", loc.Name())
	}
}

func TestDecompress(t *testing.T) {
	plain := warctest.Sample()
	tests := []struct {
		name string
		data []byte
		want Compression
	}{
		{"plain", plain, CompressionNone},
		{"gzip", warctest.Gzip(plain), CompressionGzip},
		{"snappy", warctest.Snappy(plain), CompressionSnappy},
		{"multi-member gzip", append(warctest.Gzip(plain[:100]), warctest.Gzip(plain[100:])...), CompressionGzip},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc, c, err := Decompress(bytes.NewReader(tt.data))
			if err != nil {
				t.Fatalf("Decompress failed: %v", err)
			}
			defer rc.Close()
			if c != tt.want {
				t.Errorf("compression = %s, want %s", c, tt.want)
			}
			got, err := io.ReadAll(rc)
			if err != nil {
				t.Fatalf("read failed: %v", err)
			}
			if !bytes.Equal(got, plain) {
				t.Error("decompressed content differs from original")
			}
		})
	}
}

// collect reads every stream loc resolves to and returns name -> content.
func collect(t *testing.T, o *Opener, raw string) ([]string, map[string][]byte) {
	t.Helper()
	loc, err := ParseLocator(raw)
	if err != nil {
		t.Fatalf("ParseLocator failed: %v", err)
	}
	var names []string
	content := make(map[string][]byte)
	err = o.Each(context.Background(), loc, func(s *Stream) error {
		rc, _, err := s.Open(nil)
		if err != nil {
			return err
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			return err
		}
		names = append(names, s.Name)
		content[s.Name] = data
		return nil
	})
	if err != nil {
		t.Fatalf("Each(%s) failed: %v", raw, err)
	}
	return names, content
}

func TestEach_LocalFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "crawl.warc.gz")
	os.WriteFile(path, warctest.Gzip(warctest.Sample()), 0644)

	names, content := collect(t, NewOpener(DefaultOptions(), nil), path)
	if diff := cmp.Diff([]string{path}, names); diff != "" {
		t.Errorf("names mismatch (-want +got):\n%s", diff)
	}
	if !bytes.Equal(content[path], warctest.Sample()) {
		t.Error("content mismatch")
	}
}

func TestEach_LocalDirectory(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "b.warc"), warctest.Sample(), 0644)
	os.WriteFile(filepath.Join(dir, "a.warc"), warctest.Sample(), 0644)
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip me"), 0644)

	names, _ := collect(t, NewOpener(DefaultOptions(), nil), dir)
	want := []string{filepath.Join(dir, "a.warc"), filepath.Join(dir, "b.warc")}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("names mismatch (-want +got):\n%s", diff)
	}
}

func TestEach_MissingFile(t *testing.T) {
	loc, _ := ParseLocator(filepath.Join(t.TempDir(), "nope.warc"))
	err := NewOpener(DefaultOptions(), nil).Each(context.Background(), loc, func(*Stream) error { return nil })
	if errors.GetCode(err) != errors.CodeObjectNotFound {
		t.Errorf("expected object not found, got %v", err)
	}
}

func TestEach_Container(t *testing.T) {
	bundle := warctest.Zip(
		warctest.Entry{Name: "datapackage.json", Data: []byte("{}")},
		warctest.Entry{Name: "archive/data-1.warc.gz", Data: warctest.Gzip(warctest.Sample())},
		warctest.Entry{Name: "indexes/index.cdx", Data: []byte("cdx")},
		warctest.Entry{Name: "archive/data-2.warc", Data: warctest.Full()},
	)
	dir := t.TempDir()
	// No container extension: detection falls back to content.
	path := filepath.Join(dir, "bundle.bin")
	os.WriteFile(path, bundle, 0644)

	names, content := collect(t, NewOpener(DefaultOptions(), nil), path)
	want := []string{path + "!archive/data-1.warc.gz", path + "!archive/data-2.warc"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Fatalf("entries mismatch (-want +got):\n%s", diff)
	}
	if !bytes.Equal(content[want[0]], warctest.Sample()) || !bytes.Equal(content[want[1]], warctest.Full()) {
		t.Error("entry content mismatch")
	}
}

func TestEach_BadContainer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.wacz")
	os.WriteFile(path, []byte("not a zip at all"), 0644)

	loc, _ := ParseLocator(path)
	err := NewOpener(DefaultOptions(), nil).Each(context.Background(), loc, func(*Stream) error { return nil })
	if errors.GetCode(err) != errors.CodeBadContainer {
		t.Errorf("expected bad container error, got %v", err)
	}
}

func TestEach_HTTP(t *testing.T) {
	archive := warctest.Gzip(warctest.Sample())
	bundle := warctest.Zip(warctest.Entry{Name: "archive/a.warc", Data: warctest.Sample()})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/crawl.warc.gz":
			w.Write(archive)
		case "/crawl.wacz":
			w.Write(bundle)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	opts := DefaultOptions()
	opts.TempDir = t.TempDir()
	o := NewOpener(opts, nil)

	url := srv.URL + "/crawl.warc.gz"
	_, content := collect(t, o, url)
	if !bytes.Equal(content[url], warctest.Sample()) {
		t.Error("remote content mismatch")
	}

	names, content := collect(t, o, srv.URL+"/crawl.wacz")
	if len(names) != 1 || !bytes.Equal(content[names[0]], warctest.Sample()) {
		t.Errorf("remote container entries = %v", names)
	}
	spooled, _ := os.ReadDir(opts.TempDir)
	if len(spooled) != 0 {
		t.Errorf("spool files should be removed, found %d", len(spooled))
	}

	loc, _ := ParseLocator(srv.URL + "/missing.warc")
	err := o.Each(context.Background(), loc, func(*Stream) error { return nil })
	if errors.GetCode(err) != errors.CodeObjectNotFound {
		t.Errorf("expected object not found for 404, got %v", err)
	}
}

func TestEach_S3Prefix(t *testing.T) {
	base := t.TempDir()
	st, err := storage.NewLocalStorage(base)
	if err != nil {
		t.Fatal(err)
	}
	for name, data := range map[string][]byte{
		"crawls/2023/b.warc.gz": warctest.Gzip(warctest.Sample()),
		"crawls/2023/a.warc":    warctest.Sample(),
		"crawls/2023/README":    []byte("skip"),
		"crawls/2024/c.wacz":    warctest.Zip(warctest.Entry{Name: "archive/c.warc", Data: warctest.Sample()}),
		"other/c.warc":          warctest.Sample(),
	} {
		full := filepath.Join(base, filepath.FromSlash(name))
		os.MkdirAll(filepath.Dir(full), 0755)
		os.WriteFile(full, data, 0644)
	}

	opts := DefaultOptions()
	opts.TempDir = t.TempDir()
	o := NewOpener(opts, nil).WithBucket("archive", st)
	names, content := collect(t, o, "s3://archive/crawls/")
	want := []string{
		"s3://archive/crawls/2023/a.warc",
		"s3://archive/crawls/2023/b.warc.gz",
		"s3://archive/crawls/2024/c.wacz!archive/c.warc",
	}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("names mismatch (-want +got):\n%s", diff)
	}
	for _, n := range want {
		if !bytes.Equal(content[n], warctest.Sample()) {
			t.Errorf("%s content mismatch", n)
		}
	}

	loc, _ := ParseLocator("s3://archive/crawls/missing.warc")
	err = o.Each(context.Background(), loc, func(*Stream) error { return nil })
	if errors.GetCode(err) != errors.CodeObjectNotFound {
		t.Errorf("expected object not found, got %v", err)
	}
}

func TestStream_OpenOnce(t *testing.T) {
	s := &Stream{Name: "x", open: func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(warctest.Sample())), nil
	}}
	rc, _, err := s.Open(nil)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	rc.Close()
	if _, _, err := s.Open(nil); err == nil {
		t.Error("second Open should fail")
	}
}

func TestStream_WrapSeesRawBytes(t *testing.T) {
	compressed := warctest.Gzip(warctest.Sample())
	s := &Stream{Name: "x", open: func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(compressed)), nil
	}}
	var counted int64
	rc, _, err := s.Open(func(r io.Reader) io.Reader {
		return &countingReader{r: r, n: &counted}
	})
	if err != nil {
		t.Fatal(err)
	}
	io.ReadAll(rc)
	rc.Close()
	if counted != int64(len(compressed)) {
		t.Errorf("wrap saw %d bytes, want %d", counted, len(compressed))
	}
}

type countingReader struct {
	r io.Reader
	n *int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	*c.n += int64(n)
	return n, err
}
