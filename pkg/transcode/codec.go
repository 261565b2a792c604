// Package transcode compresses intercepted media bodies and serves byte ranges of the
// compressed representation.
package transcode

import (
	"compress/gzip"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
)

// Codec produces one HTTP content-coding.
type Codec interface {
	// Name is the Content-Encoding token, "identity" for none.
	Name() string
	NewWriter(w io.Writer) (io.WriteCloser, error)
}

// NewCodec returns the codec registered under name. quality uses the brotli scale
// (0-11) and is mapped onto gzip levels.
func NewCodec(name string, quality int) (Codec, error) {
	switch strings.ToLower(name) {
	case "br", "brotli":
		return brotliCodec{quality: clamp(quality, brotli.BestSpeed, brotli.BestCompression)}, nil
	case "gzip":
		return gzipCodec{level: gzipLevel(quality)}, nil
	case "identity", "":
		return identityCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

type brotliCodec struct {
	quality int
}

func (brotliCodec) Name() string { return "br" }

func (c brotliCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return brotli.NewWriterLevel(w, c.quality), nil
}

type gzipCodec struct {
	level int
}

func (gzipCodec) Name() string { return "gzip" }

func (c gzipCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return gzip.NewWriterLevel(w, c.level)
}

type identityCodec struct{}

func (identityCodec) Name() string { return "identity" }

func (identityCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return nopWriteCloser{w}, nil
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

func gzipLevel(quality int) int {
	// 0..11 onto 1..9
	return clamp(1+quality*8/11, gzip.BestSpeed, gzip.BestCompression)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
