// Package archive reads files out of gzip-compressed tar archives.
package archive

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// DefaultMaxSize bounds the decompressed size of an archive (100 MiB).
const DefaultMaxSize int64 = 100 << 20

var (
	// ErrMalformedArchive is returned when the gzip or tar framing is invalid.
	ErrMalformedArchive = errors.New("malformed archive")

	// ErrArchiveTooLarge is returned when the decompressed archive exceeds
	// the configured maximum size.
	ErrArchiveTooLarge = errors.New("archive too large")
)

type options struct {
	maxSize int64
}

// Option configures ExtractFile.
type Option func(*options)

// WithMaxSize sets the maximum decompressed size. Values <= 0 disable the limit.
func WithMaxSize(n int64) Option {
	return func(o *options) {
		o.maxSize = n
	}
}

// ExtractFile decompresses r fully into memory and returns the content of the
// first regular entry whose name satisfies match. found is false when the
// archive holds no such entry.
func ExtractFile(r io.Reader, match func(name string) bool, opts ...Option) (content []byte, found bool, err error) {
	o := options{maxSize: DefaultMaxSize}
	for _, opt := range opts {
		opt(&o)
	}

	tarData, err := decompress(r, o.maxSize)
	if err != nil {
		return nil, false, err
	}

	tr := tar.NewReader(bytes.NewReader(tarData))
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, fmt.Errorf("%w: reading tar entry: %v", ErrMalformedArchive, err)
		}

		if header.Typeflag == tar.TypeDir || !match(header.Name) {
			continue
		}

		content, err := io.ReadAll(tr)
		if err != nil {
			return nil, false, fmt.Errorf("%w: reading %s: %v", ErrMalformedArchive, header.Name, err)
		}
		return content, true, nil
	}
}

func decompress(r io.Reader, maxSize int64) ([]byte, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedArchive, err)
	}
	defer gz.Close()

	var src io.Reader = gz
	if maxSize > 0 {
		// One extra byte tells an archive of exactly maxSize from a larger one.
		src = io.LimitReader(gz, maxSize+1)
	}

	data, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("%w: decompressing: %v", ErrMalformedArchive, err)
	}
	if maxSize > 0 && int64(len(data)) > maxSize {
		return nil, fmt.Errorf("%w: decompressed size exceeds %d bytes", ErrArchiveTooLarge, maxSize)
	}
	return data, nil
}
