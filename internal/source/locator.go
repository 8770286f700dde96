// Package source resolves input locators into archive byte streams: local
// files and directories, HTTP(S) URLs, S3 objects and prefixes, and zip
// containers such as WACZ bundles.
package source

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/warcdb/warcdb/internal/errors"
)

// Kind identifies where a locator points.
type Kind int

const (
	KindLocal Kind = iota
	KindHTTP
	KindS3
)

func (k Kind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindHTTP:
		return "http"
	case KindS3:
		return "s3"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Locator is a parsed input source.
type Locator struct {
	Raw  string
	Kind Kind
	// Path is the filesystem path for local sources and the URL for HTTP.
	Path string
	// Bucket and Key are set for S3 sources.
	Bucket string
	Key    string
}

// ParseLocator parses a local path, file://, http(s):// or s3:// locator.
func ParseLocator(raw string) (Locator, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Locator{}, errors.NewSourceError(errors.CodeInvalidLocator, "empty source locator", nil)
	}

	lower := strings.ToLower(s)
	switch {
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		u, err := url.Parse(s)
		if err != nil || u.Host == "" {
			return Locator{}, errors.NewSourceError(errors.CodeInvalidLocator,
				fmt.Sprintf("invalid URL %q", raw), err)
		}
		return Locator{Raw: raw, Kind: KindHTTP, Path: u.String()}, nil

	case strings.HasPrefix(lower, "s3://"):
		rest := s[len("s3://"):]
		bucket, key, _ := strings.Cut(rest, "/")
		if bucket == "" {
			return Locator{}, errors.NewSourceError(errors.CodeInvalidLocator,
				fmt.Sprintf("missing bucket in %q", raw), nil)
		}
		return Locator{Raw: raw, Kind: KindS3, Bucket: bucket, Key: key}, nil

	case strings.HasPrefix(lower, "file://"):
		u, err := url.Parse(s)
		if err != nil || u.Path == "" {
			return Locator{}, errors.NewSourceError(errors.CodeInvalidLocator,
				fmt.Sprintf("invalid file URL %q", raw), err)
		}
		return Locator{Raw: raw, Kind: KindLocal, Path: u.Path}, nil

	case strings.Contains(s, "://"):
		return Locator{}, errors.NewSourceError(errors.CodeInvalidLocator,
			fmt.Sprintf("unsupported scheme in %q", raw), nil)
	}
	return Locator{Raw: raw, Kind: KindLocal, Path: s}, nil
}

// String returns the locator as given by the user.
func (l Locator) String() string {
	return l.Raw
}

// Name is the last path element, used for extension checks.
func (l Locator) Name() string {
	switch l.Kind {
	case KindS3:
		return path.Base(l.Key)
	case KindHTTP:
		if u, err := url.Parse(l.Path); err == nil {
			return path.Base(u.Path)
		}
	}
	return path.Base(strings.ReplaceAll(l.Path, "\\", "/"))
}

// IsPrefix reports whether an S3 locator names a prefix rather than an
// object.
func (l Locator) IsPrefix() bool {
	return l.Kind == KindS3 && (l.Key == "" || strings.HasSuffix(l.Key, "/"))
}

var archiveSuffixes = []string{".warc", ".warc.gz", ".arc", ".arc.gz"}

var containerSuffixes = []string{".wacz", ".zip"}

// IsArchiveName reports whether name follows the archive naming convention.
func IsArchiveName(name string) bool {
	return hasSuffix(name, archiveSuffixes)
}

// IsContainerName reports whether name looks like a zip container.
func IsContainerName(name string) bool {
	return hasSuffix(name, containerSuffixes)
}

func hasSuffix(name string, suffixes []string) bool {
	lower := strings.ToLower(name)
	for _, s := range suffixes {
		if strings.HasSuffix(lower, s) {
			return true
		}
	}
	return false
}
