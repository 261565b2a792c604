package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/kisy/kipepeo/pkg/stats"
)

var (
	ErrRangeNotSatisfiable = errors.New("transcode: range not satisfiable")
	ErrClosed              = errors.New("transcode: engine closed")

	// ErrRangeUnbounded means the range is relative to an end the stream cannot know
	// because the source is streamed through with an unknown length.
	ErrRangeUnbounded = errors.New("transcode: range needs a known length")

	errOversize = errors.New("transcode: source exceeds buffer limit")
)

// Passthrough reasons.
const (
	ReasonCodecError = "codec_error"
	ReasonNoGain     = "no_gain"
	ReasonOversize   = "oversize"
	ReasonIdentity   = "identity"
)

const (
	DefaultChunkSize = 32 << 10
	DefaultMaxBuffer = 32 << 20
)

// Recorder receives the single ledger posting of every stream. *stats.Ledger
// implements it.
type Recorder interface {
	Begin() stats.Epoch
	RecordIn(epoch stats.Epoch, original, actual uint64) bool
	AbortIn(epoch stats.Epoch) bool
}

type Config struct {
	Codec      Codec
	ChunkSize  int
	MaxBuffer  int64
	CacheBytes int64
}

// Output is a finalized representation of one resource. It is immutable once built
// and may be shared between streams through the cache.
type Output struct {
	Data        []byte
	Original    int64
	Encoding    string // Empty for passthrough
	Passthrough bool
	Reason      string
}

type Stats struct {
	Builds       uint64 `json:"builds"`
	CacheHits    uint64 `json:"cache_hits"`
	Passthroughs uint64 `json:"passthroughs"`
	CodecErrors  uint64 `json:"codec_errors"`
	Streamed     uint64 `json:"streamed"`
	CacheEntries int    `json:"cache_entries"`
	CacheBytes   int64  `json:"cache_bytes"`
}

type Engine struct {
	log   *slog.Logger
	cfg   Config
	rec   Recorder
	cache *outputCache
	group singleflight.Group

	closed atomic.Bool

	builds       atomic.Uint64
	cacheHits    atomic.Uint64
	passthroughs atomic.Uint64
	codecErrors  atomic.Uint64
	streamed     atomic.Uint64
}

// New creates an engine. rec may be nil, in which case streams only post to
// recorders given through WithRecorder.
func New(cfg Config, rec Recorder, log *slog.Logger) *Engine {
	if cfg.Codec == nil {
		cfg.Codec = brotliCodec{quality: 5}
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.MaxBuffer <= 0 {
		cfg.MaxBuffer = DefaultMaxBuffer
	}
	return &Engine{
		log:   log,
		cfg:   cfg,
		rec:   rec,
		cache: newOutputCache(cfg.CacheBytes),
	}
}

func (e *Engine) Codec() Codec { return e.cfg.Codec }

func (e *Engine) MaxBuffer() int64 { return e.cfg.MaxBuffer }

// Transcode returns a lazy stream over the transcoded representation of src. Nothing
// is read from src until the stream is first read or resolved. The stream owns src
// and closes it if it is an io.Closer.
func (e *Engine) Transcode(ctx context.Context, src io.Reader, opts ...Option) *Stream {
	s := &Stream{
		e:        e,
		ctx:      ctx,
		src:      src,
		rec:      e.rec,
		sizeHint: -1,
		reqEnd:   -1,
		total:    -1,
		end:      -1,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.rec != nil {
		s.epoch = s.rec.Begin()
	}
	return s
}

// Invalidate drops a cached output so the next stream for key rebuilds it.
func (e *Engine) Invalidate(key string) {
	e.cache.remove(key)
}

func (e *Engine) Stats() Stats {
	entries, size := e.cache.stats()
	return Stats{
		Builds:       e.builds.Load(),
		CacheHits:    e.cacheHits.Load(),
		Passthroughs: e.passthroughs.Load(),
		CodecErrors:  e.codecErrors.Load(),
		Streamed:     e.streamed.Load(),
		CacheEntries: entries,
		CacheBytes:   size,
	}
}

// Close rejects new work and releases the cache. Streams already resolved keep
// their output.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	e.cache.purge()
	return nil
}

// output returns the finalized output for src, consulting the cache when key is set.
// On errOversize the returned prefix holds what was already consumed from src.
func (e *Engine) output(ctx context.Context, key string, src io.Reader) (out *Output, prefix []byte, cached bool, err error) {
	if key == "" {
		out, prefix, err = e.build(ctx, src)
		return out, prefix, false, err
	}

	if out, ok := e.cache.get(key); ok {
		e.cacheHits.Add(1)
		return out, nil, true, nil
	}

	owner := new(byte)
	ch := e.group.DoChan(key, func() (any, error) {
		out, p, err := e.build(ctx, src)
		if err == nil {
			e.cache.add(key, out)
		}
		return &built{out: out, prefix: p, owner: owner}, err
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, nil, false, ctx.Err()
	case res = <-ch:
	}

	b := res.Val.(*built)
	if b.owner == owner {
		if res.Err != nil {
			return nil, b.prefix, false, res.Err
		}
		return b.out, nil, false, nil
	}

	// Another stream built it. Its failure says nothing about our own source.
	if res.Err != nil {
		out, prefix, err = e.build(ctx, src)
		return out, prefix, false, err
	}
	e.cacheHits.Add(1)
	return b.out, nil, true, nil
}

// built is the shared result of one singleflight build. owner tells the stream that
// ran the build apart from the ones that joined it.
type built struct {
	out    *Output
	prefix []byte
	owner  *byte
}

func (e *Engine) build(ctx context.Context, src io.Reader) (*Output, []byte, error) {
	e.builds.Add(1)

	identity := e.cfg.Codec.Name() == "identity"

	var orig, enc bytes.Buffer
	var w io.WriteCloser
	var codecErr error
	if !identity {
		w, codecErr = e.cfg.Codec.NewWriter(&enc)
	}

	buf := make([]byte, e.cfg.ChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			orig.Write(buf[:n])
			if int64(orig.Len()) > e.cfg.MaxBuffer {
				return nil, orig.Bytes(), errOversize
			}
			if w != nil && codecErr == nil {
				if _, err := w.Write(buf[:n]); err != nil {
					codecErr = err
				}
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return nil, nil, fmt.Errorf("read source: %w", rerr)
		}
	}

	original := int64(orig.Len())
	if identity {
		return e.passthrough(orig.Bytes(), ReasonIdentity), nil, nil
	}
	if codecErr == nil {
		codecErr = w.Close()
	}
	if codecErr != nil {
		e.codecErrors.Add(1)
		e.log.Warn("codec failed, passing original bytes through",
			"codec", e.cfg.Codec.Name(), "bytes", original, "error", codecErr)
		return e.passthrough(orig.Bytes(), ReasonCodecError), nil, nil
	}
	if int64(enc.Len()) >= original {
		e.log.Debug("encoded output did not shrink, passing through",
			"codec", e.cfg.Codec.Name(), "original", original, "encoded", enc.Len())
		return e.passthrough(orig.Bytes(), ReasonNoGain), nil, nil
	}

	return &Output{
		Data:     enc.Bytes(),
		Original: original,
		Encoding: e.cfg.Codec.Name(),
	}, nil, nil
}

func (e *Engine) passthrough(data []byte, reason string) *Output {
	e.passthroughs.Add(1)
	return &Output{
		Data:        data,
		Original:    int64(len(data)),
		Passthrough: true,
		Reason:      reason,
	}
}
