package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/blacktop/fusdl/pkg/fus"
)

// Fetcher returns the ciphertext bytes [offset, offset+length) of an archive
type Fetcher interface {
	Fetch(ctx context.Context, offset, length int64) (io.ReadCloser, error)
}

// RangeFetcher fetches archive ranges from the FUS download host
type RangeFetcher struct {
	t      *fus.Transport
	path   string
	header http.Header
}

// NewRangeFetcher creates a fetcher for the archive described by info. The
// session header is copied so workers never observe a later rotation.
func NewRangeFetcher(t *fus.Transport, s *fus.Session, info *fus.BinaryInfo) *RangeFetcher {
	return &RangeFetcher{
		t:      t,
		path:   fus.DownloadPath(info),
		header: s.Header().Clone(),
	}
}

// Fetch implements Fetcher
func (f *RangeFetcher) Fetch(ctx context.Context, offset, length int64) (io.ReadCloser, error) {
	resp, err := f.t.SendRanged(ctx, f.path, f.header, offset, offset+length)
	if err != nil {
		return nil, err
	}
	if resp.ContentLength >= 0 && resp.ContentLength != length {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: range %d+%d returned %d bytes", fus.ErrProtocol, offset, length, resp.ContentLength)
	}
	return resp.Body, nil
}

// FileFetcher serves ranges of a local encrypted archive
type FileFetcher struct {
	f    *os.File
	size int64
}

// NewFileFetcher opens the archive at path
func NewFileFetcher(path string) (*FileFetcher, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fus.Classify(fus.ErrIO, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fus.Classify(fus.ErrIO, err)
	}
	return &FileFetcher{f: f, size: fi.Size()}, nil
}

// Size is the size of the archive on disk
func (f *FileFetcher) Size() int64 {
	return f.size
}

// Fetch implements Fetcher
func (f *FileFetcher) Fetch(ctx context.Context, offset, length int64) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if offset < 0 || offset+length > f.size {
		return nil, fmt.Errorf("%w: range %d+%d is outside of %s (%d bytes)", fus.ErrProtocol, offset, length, f.f.Name(), f.size)
	}
	return io.NopCloser(io.NewSectionReader(f.f, offset, length)), nil
}

// Close closes the archive
func (f *FileFetcher) Close() error {
	return f.f.Close()
}
