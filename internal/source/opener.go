package source

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/klauspost/compress/zip"
	"github.com/warcdb/warcdb/internal/errors"
	"github.com/warcdb/warcdb/internal/storage"
	"go.uber.org/zap"
)

// Options configures how sources are fetched.
type Options struct {
	// HTTPTimeout bounds the wait for response headers; zero disables it.
	HTTPTimeout time.Duration
	// HTTPRetries is the number of retries of a failed HTTP request.
	HTTPRetries int
	// S3 configures clients for s3:// locators.
	S3 storage.S3Config
	// TempDir holds spooled copies of remote containers; empty means the
	// system default.
	TempDir string
}

// DefaultOptions returns the default fetch options.
func DefaultOptions() Options {
	return Options{
		HTTPTimeout: 30 * time.Second,
		HTTPRetries: 3,
		S3:          storage.DefaultS3Config(),
	}
}

// Stream is one archive byte stream: a file, an object, a URL or a
// container entry. It can be opened once.
type Stream struct {
	// Name identifies the stream in logs and errors. Container entries are
	// named "container!entry".
	Name string
	// Size is the number of raw bytes, or -1 when unknown.
	Size int64

	once sync.Once
	open func() (io.ReadCloser, error)
}

// Open returns the decompressed stream. wrap, when non-nil, is applied to the
// raw bytes before decompression; progress bars hook in there.
func (s *Stream) Open(wrap func(io.Reader) io.Reader) (io.ReadCloser, Compression, error) {
	var (
		raw io.ReadCloser
		err = fmt.Errorf("source: stream %s already opened", s.Name)
	)
	s.once.Do(func() { raw, err = s.open() })
	if err != nil {
		return nil, CompressionNone, err
	}

	var r io.Reader = raw
	if wrap != nil {
		r = wrap(raw)
	}
	dec, c, err := Decompress(r)
	if err != nil {
		raw.Close()
		return nil, c, err
	}
	return &multiCloser{Reader: dec, closers: []io.Closer{dec, raw}}, c, nil
}

type multiCloser struct {
	io.Reader
	closers []io.Closer
}

func (m *multiCloser) Close() error {
	var first error
	for _, c := range m.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Opener resolves locators into streams.
type Opener struct {
	opts    Options
	http    *retryablehttp.Client
	logger  *zap.Logger
	mu      sync.Mutex
	buckets map[string]storage.ObjectStorage
}

// NewOpener creates an opener.
func NewOpener(opts Options, logger *zap.Logger) *Opener {
	if logger == nil {
		logger = zap.NewNop()
	}

	client := retryablehttp.NewClient()
	client.RetryMax = opts.HTTPRetries
	client.Logger = leveledLogger{logger.Sugar()}
	if t, ok := client.HTTPClient.Transport.(*http.Transport); ok && opts.HTTPTimeout > 0 {
		t.ResponseHeaderTimeout = opts.HTTPTimeout
	}

	return &Opener{
		opts:    opts,
		http:    client,
		logger:  logger,
		buckets: make(map[string]storage.ObjectStorage),
	}
}

// WithBucket serves s3://bucket locators from st instead of an S3 client.
func (o *Opener) WithBucket(bucket string, st storage.ObjectStorage) *Opener {
	o.mu.Lock()
	o.buckets[bucket] = st
	o.mu.Unlock()
	return o
}

func (o *Opener) bucket(ctx context.Context, name string) (storage.ObjectStorage, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if st, ok := o.buckets[name]; ok {
		return st, nil
	}
	st, err := storage.NewS3Storage(ctx, name, o.opts.S3)
	if err != nil {
		return nil, errors.NewSourceError(errors.CodeFetchFailed,
			fmt.Sprintf("failed to create S3 client for bucket %s", name), err)
	}
	o.buckets[name] = st
	return st, nil
}

// Each calls fn for every archive stream loc resolves to, in order. S3
// prefixes and local directories expand to their archive files in lexical
// order; containers expand to their archive entries in directory order.
func (o *Opener) Each(ctx context.Context, loc Locator, fn func(*Stream) error) error {
	locs, err := o.expand(ctx, loc)
	if err != nil {
		return err
	}
	for _, l := range locs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.eachObject(ctx, l, fn); err != nil {
			return err
		}
	}
	return nil
}

func (o *Opener) expand(ctx context.Context, loc Locator) ([]Locator, error) {
	switch {
	case loc.IsPrefix():
		st, err := o.bucket(ctx, loc.Bucket)
		if err != nil {
			return nil, err
		}
		keys, err := st.ListObjects(ctx, loc.Key)
		if err != nil {
			return nil, errors.NewSourceError(errors.CodeFetchFailed,
				fmt.Sprintf("failed to list %s", loc), err)
		}
		sort.Strings(keys)
		var out []Locator
		for _, k := range keys {
			if IsArchiveName(k) || IsContainerName(k) {
				out = append(out, Locator{
					Raw:    "s3://" + loc.Bucket + "/" + k,
					Kind:   KindS3,
					Bucket: loc.Bucket,
					Key:    k,
				})
			}
		}
		o.logger.Info("expanded prefix", zap.String("source", loc.String()), zap.Int("objects", len(out)))
		return out, nil

	case loc.Kind == KindS3:
		st, err := o.bucket(ctx, loc.Bucket)
		if err != nil {
			return nil, err
		}
		ok, err := st.Exists(ctx, loc.Key)
		if err != nil {
			return nil, errors.NewSourceError(errors.CodeFetchFailed, fmt.Sprintf("failed to stat %s", loc), err)
		}
		if !ok {
			return nil, errors.NewSourceError(errors.CodeObjectNotFound, fmt.Sprintf("%s does not exist", loc), nil)
		}
		return []Locator{loc}, nil

	case loc.Kind == KindLocal:
		info, err := os.Stat(loc.Path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, errors.NewSourceError(errors.CodeObjectNotFound,
					fmt.Sprintf("%s does not exist", loc), err)
			}
			return nil, errors.NewSourceError(errors.CodeFetchFailed, fmt.Sprintf("failed to stat %s", loc), err)
		}
		if !info.IsDir() {
			return []Locator{loc}, nil
		}
		var out []Locator
		err = filepath.Walk(loc.Path, func(p string, fi os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if !fi.IsDir() && (IsArchiveName(p) || IsContainerName(p)) {
				out = append(out, Locator{Raw: p, Kind: KindLocal, Path: p})
			}
			return nil
		})
		if err != nil {
			return nil, errors.NewSourceError(errors.CodeFetchFailed, fmt.Sprintf("failed to walk %s", loc), err)
		}
		return out, nil
	}
	return []Locator{loc}, nil
}

// openRaw returns the undecoded bytes of one object and their size.
func (o *Opener) openRaw(ctx context.Context, loc Locator) (io.ReadCloser, int64, error) {
	switch loc.Kind {
	case KindHTTP:
		req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, loc.Path, nil)
		if err != nil {
			return nil, 0, errors.NewSourceError(errors.CodeInvalidLocator,
				fmt.Sprintf("invalid request for %s", loc), err)
		}
		resp, err := o.http.Do(req)
		if err != nil {
			return nil, 0, errors.NewSourceError(errors.CodeFetchFailed,
				fmt.Sprintf("failed to fetch %s", loc), err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			code := errors.CodeFetchFailed
			if resp.StatusCode == http.StatusNotFound {
				code = errors.CodeObjectNotFound
			}
			return nil, 0, errors.NewSourceError(code,
				fmt.Sprintf("fetching %s returned %s", loc, resp.Status), nil)
		}
		return resp.Body, resp.ContentLength, nil

	case KindS3:
		st, err := o.bucket(ctx, loc.Bucket)
		if err != nil {
			return nil, 0, err
		}
		rc, size, err := st.Open(ctx, loc.Key)
		if err != nil {
			code := errors.CodeFetchFailed
			if err == storage.ErrObjectNotFound {
				code = errors.CodeObjectNotFound
			}
			return nil, 0, errors.NewSourceError(code, fmt.Sprintf("failed to open %s", loc), err)
		}
		return rc, size, nil

	default:
		f, err := os.Open(loc.Path)
		if err != nil {
			code := errors.CodeFetchFailed
			if os.IsNotExist(err) {
				code = errors.CodeObjectNotFound
			}
			return nil, 0, errors.NewSourceError(code, fmt.Sprintf("failed to open %s", loc), err)
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, 0, errors.NewSourceError(errors.CodeFetchFailed, fmt.Sprintf("failed to stat %s", loc), err)
		}
		return f, info.Size(), nil
	}
}

func (o *Opener) eachObject(ctx context.Context, loc Locator, fn func(*Stream) error) error {
	if loc.Kind == KindS3 && IsContainerName(loc.Key) {
		path, cleanup, err := o.download(ctx, loc)
		if err != nil {
			return err
		}
		defer cleanup()
		return o.eachEntry(ctx, loc, path, fn)
	}

	raw, size, err := o.openRaw(ctx, loc)
	if err != nil {
		return err
	}
	defer raw.Close()

	br := bufio.NewReader(raw)
	magic, _ := br.Peek(len(zipMagic))
	if isZip(magic) || IsContainerName(loc.Name()) {
		path, cleanup, err := o.spool(loc, br)
		if err != nil {
			return err
		}
		defer cleanup()
		return o.eachEntry(ctx, loc, path, fn)
	}

	stream := &Stream{
		Name: loc.String(),
		Size: size,
		open: func() (io.ReadCloser, error) {
			return struct {
				io.Reader
				io.Closer
			}{br, raw}, nil
		},
	}
	return fn(stream)
}

// spool makes a container available as a local file, since zip needs random
// access. Local files are used in place.
func (o *Opener) spool(loc Locator, r io.Reader) (string, func(), error) {
	if loc.Kind == KindLocal {
		return loc.Path, func() {}, nil
	}

	f, err := os.CreateTemp(o.opts.TempDir, "warcdb-*.zip")
	if err != nil {
		return "", nil, errors.NewSourceError(errors.CodeFetchFailed, "failed to create spool file", err)
	}
	cleanup := func() { os.Remove(f.Name()) }

	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		cleanup()
		return "", nil, errors.NewSourceError(errors.CodeFetchFailed,
			fmt.Sprintf("failed to spool %s", loc), err)
	}
	o.logger.Debug("spooled container", zap.String("source", loc.String()), zap.Int64("bytes", n))
	return f.Name(), cleanup, nil
}

// download fetches a named S3 container straight to a spool file.
func (o *Opener) download(ctx context.Context, loc Locator) (string, func(), error) {
	st, err := o.bucket(ctx, loc.Bucket)
	if err != nil {
		return "", nil, err
	}
	f, err := os.CreateTemp(o.opts.TempDir, "warcdb-*.zip")
	if err != nil {
		return "", nil, errors.NewSourceError(errors.CodeFetchFailed, "failed to create spool file", err)
	}
	f.Close()
	cleanup := func() { os.Remove(f.Name()) }

	if err := st.Download(ctx, loc.Key, f.Name()); err != nil {
		cleanup()
		code := errors.CodeFetchFailed
		if err == storage.ErrObjectNotFound {
			code = errors.CodeObjectNotFound
		}
		return "", nil, errors.NewSourceError(code, fmt.Sprintf("failed to download %s", loc), err)
	}
	o.logger.Debug("downloaded container", zap.String("source", loc.String()))
	return f.Name(), cleanup, nil
}

func (o *Opener) eachEntry(ctx context.Context, loc Locator, path string, fn func(*Stream) error) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return errors.NewSourceError(errors.CodeBadContainer,
			fmt.Sprintf("%s is not a readable zip container", loc), err)
	}
	defer zr.Close()

	var n int
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		if f.FileInfo().IsDir() || !IsArchiveName(f.Name) {
			continue
		}
		n++
		entry := f
		stream := &Stream{
			Name: loc.String() + "!" + entry.Name,
			Size: int64(entry.CompressedSize64),
			open: func() (io.ReadCloser, error) {
				rc, err := entry.Open()
				if err != nil {
					return nil, errors.NewSourceError(errors.CodeBadContainer,
						fmt.Sprintf("failed to open entry %s of %s", entry.Name, loc), err)
				}
				return rc, nil
			},
		}
		if err := fn(stream); err != nil {
			return err
		}
	}
	if n == 0 {
		o.logger.Warn("container holds no archive entries", zap.String("source", loc.String()))
	}
	return nil
}

// leveledLogger routes retryablehttp logging to zap.
type leveledLogger struct {
	s *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }

var _ retryablehttp.LeveledLogger = leveledLogger{}

// describe renders a short human label for progress output.
func describe(name string) string {
	if i := strings.LastIndex(name, "/"); i >= 0 && i < len(name)-1 {
		return name[i+1:]
	}
	return name
}

// Label returns the short name shown next to a stream's progress bar.
func (s *Stream) Label() string {
	return describe(s.Name)
}
