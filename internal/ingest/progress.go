package ingest

import (
	"io"

	progressbar "github.com/cheggaaa/pb/v3"
	"github.com/warcdb/warcdb/internal/source"
)

// progress draws one bar per stream over the raw (compressed) bytes read.
type progress struct {
	w   io.Writer
	bar *progressbar.ProgressBar
}

func newProgress(enabled bool, w io.Writer) *progress {
	if !enabled || w == nil {
		return nil
	}
	return &progress{w: w}
}

// start begins a bar for s and returns the reader wrapper to pass to
// Stream.Open. A nil progress returns a nil wrapper.
func (p *progress) start(s *source.Stream) func(io.Reader) io.Reader {
	if p == nil {
		return nil
	}
	size := s.Size
	if size < 0 {
		size = 0
	}
	p.bar = progressbar.New64(size).SetWriter(p.w)
	p.bar.Set(progressbar.Bytes, true)
	p.bar.Set("prefix", s.Label()+" ")
	p.bar.Start()

	bar := p.bar
	return func(r io.Reader) io.Reader {
		return bar.NewProxyReader(r)
	}
}

func (p *progress) finish() {
	if p == nil || p.bar == nil {
		return
	}
	p.bar.Finish()
	p.bar = nil
}
