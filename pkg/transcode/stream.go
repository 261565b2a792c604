package transcode

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/bits"
	"sync"

	"github.com/kisy/kipepeo/pkg/stats"
)

var errStreamClosed = errors.New("transcode: read on closed stream")

type Option func(*Stream)

// WithKey identifies the resource so its finalized output can be cached and shared.
func WithKey(key string) Option {
	return func(s *Stream) { s.key = key }
}

// WithRange limits the stream to bytes [start, end) of the transcoded representation.
// A negative end means through the last byte. A negative start selects the last -start
// bytes.
func WithRange(start, end int64) Option {
	return func(s *Stream) {
		s.rangeSet = true
		s.reqStart = start
		s.reqEnd = end
	}
}

// WithRecorder overrides the engine's recorder for this stream. nil disables posting.
func WithRecorder(r Recorder) Option {
	return func(s *Stream) { s.rec = r }
}

// WithSizeHint passes the declared source length. Sources declared larger than the
// buffer limit are streamed through without buffering.
func WithSizeHint(n int64) Option {
	return func(s *Stream) { s.sizeHint = n }
}

// WithPassthrough streams the source through unmodified without buffering it.
func WithPassthrough() Option {
	return func(s *Stream) { s.forceStream = true }
}

// Summary describes what a stream delivered.
type Summary struct {
	Encoding    string
	Passthrough bool
	Reason      string
	Cached      bool

	// Original is the share of the source size attributed to the delivered bytes.
	Original uint64
	Actual   uint64

	Start int64
	End   int64 // Exclusive, -1 when unknown
	Total int64 // Size of the full representation, -1 when unknown
}

// Stream yields the transcoded representation in chunks. It posts to its recorder
// exactly once: a record at EOF or an abort if it fails or is closed first. A stream
// that resolves to ErrRangeUnbounded delivers nothing and posts nothing, leaving the
// exchange to whoever serves the range instead.
type Stream struct {
	e   *Engine
	ctx context.Context
	src io.Reader

	key         string
	rec         Recorder
	epoch       stats.Epoch
	sizeHint    int64
	forceStream bool

	rangeSet bool
	reqStart int64
	reqEnd   int64

	mu       sync.Mutex
	resolved bool
	err      error
	out      *Output
	cached   bool
	body     io.Reader // Set for streamed passthrough
	total    int64
	start    int64
	end      int64
	off      int64
	posted   bool
	done     bool
	closed   bool
}

// Resolve builds or fetches the output without consuming any of it. It is called
// implicitly by the first Read.
func (s *Stream) Resolve() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolveLocked()
}

func (s *Stream) resolveLocked() error {
	if s.resolved {
		return s.err
	}
	s.resolved = true
	err := s.resolve()
	switch {
	case errors.Is(err, ErrRangeUnbounded):
		s.err = err
		s.posted = true
	case err != nil:
		s.failLocked(err)
	}
	return s.err
}

func (s *Stream) resolve() error {
	if s.e.closed.Load() {
		return ErrClosed
	}
	if err := s.ctx.Err(); err != nil {
		return err
	}

	if s.forceStream || s.sizeHint > s.e.cfg.MaxBuffer {
		s.streamThrough(s.src)
		return s.applyRange()
	}

	out, prefix, cached, err := s.e.output(s.ctx, s.key, s.src)
	if errors.Is(err, errOversize) {
		s.streamThrough(io.MultiReader(bytes.NewReader(prefix), s.src))
		return s.applyRange()
	}
	if err != nil {
		return err
	}

	s.out = out
	s.cached = cached
	s.total = int64(len(out.Data))
	return s.applyRange()
}

func (s *Stream) streamThrough(r io.Reader) {
	s.e.streamed.Add(1)
	s.e.passthroughs.Add(1)
	s.body = r
	s.total = -1
	if s.sizeHint >= 0 {
		s.total = s.sizeHint
	}
	s.out = &Output{Original: s.total, Passthrough: true, Reason: ReasonOversize}
	s.e.log.Debug("streaming oversize source through", "size_hint", s.sizeHint)
}

func (s *Stream) applyRange() error {
	n := s.total
	if !s.rangeSet {
		s.start, s.end = 0, n
		return nil
	}

	start, end := s.reqStart, s.reqEnd
	if n < 0 && (start < 0 || end < 0) {
		return ErrRangeUnbounded
	}
	if start < 0 {
		start = max(0, n+start)
		end = n
	}
	if n >= 0 {
		if start >= n {
			return ErrRangeNotSatisfiable
		}
		if end < 0 || end > n {
			end = n
		}
	}
	if end >= 0 && end <= start {
		return ErrRangeNotSatisfiable
	}
	s.start, s.end = start, end

	if s.body != nil && start > 0 {
		skipped, err := io.CopyN(io.Discard, s.body, start)
		if err == io.EOF || skipped < start {
			return ErrRangeNotSatisfiable
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, errStreamClosed
	}
	if err := s.resolveLocked(); err != nil {
		return 0, err
	}
	if s.done {
		return 0, io.EOF
	}
	if err := s.ctx.Err(); err != nil {
		s.failLocked(err)
		return 0, err
	}

	if len(p) > s.e.cfg.ChunkSize {
		p = p[:s.e.cfg.ChunkSize]
	}

	if s.body != nil {
		return s.readBody(p)
	}

	rest := s.out.Data[s.start+s.off : s.end]
	if len(rest) == 0 {
		s.finishLocked()
		return 0, io.EOF
	}
	n := copy(p, rest)
	s.off += int64(n)
	return n, nil
}

func (s *Stream) readBody(p []byte) (int, error) {
	if s.end >= 0 {
		remaining := s.end - s.start - s.off
		if remaining <= 0 {
			s.finishLocked()
			return 0, io.EOF
		}
		if int64(len(p)) > remaining {
			p = p[:remaining]
		}
	}

	n, err := s.body.Read(p)
	s.off += int64(n)
	switch {
	case err == io.EOF:
		if s.end >= 0 && s.start+s.off < s.end {
			s.failLocked(io.ErrUnexpectedEOF)
			return n, io.ErrUnexpectedEOF
		}
		s.finishLocked()
		return n, io.EOF
	case err != nil:
		s.failLocked(err)
		return n, err
	}
	return n, nil
}

// ReadAt reads from the stream's range at offset off without moving the read
// position or posting to the recorder. Streamed passthrough sources do not support it.
func (s *Stream) ReadAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.resolveLocked(); err != nil {
		return 0, err
	}
	if s.body != nil {
		return 0, errors.New("transcode: ReadAt on streamed passthrough")
	}
	if off < 0 {
		return 0, errors.New("transcode: negative offset")
	}

	length := s.end - s.start
	if off >= length {
		return 0, io.EOF
	}
	n := copy(p, s.out.Data[s.start+off:s.end])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Close releases the source. A stream closed before EOF posts an abort.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if !s.posted {
		s.postLocked(false)
	}
	if c, ok := s.src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Err returns the error that ended the stream, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := Summary{
		Cached: s.cached,
		Actual: uint64(s.off),
		Start:  s.start,
		End:    s.end,
		Total:  s.total,
	}
	if s.out != nil {
		sum.Encoding = s.out.Encoding
		sum.Passthrough = s.out.Passthrough
		sum.Reason = s.out.Reason
	}
	sum.Original = s.attributedLocked()
	return sum
}

func (s *Stream) finishLocked() {
	s.done = true
	s.postLocked(true)
}

func (s *Stream) failLocked(err error) {
	if s.err == nil {
		s.err = err
	}
	s.postLocked(false)
}

func (s *Stream) postLocked(complete bool) {
	if s.posted {
		return
	}
	s.posted = true
	if s.rec == nil {
		return
	}
	if complete {
		s.rec.RecordIn(s.epoch, s.attributedLocked(), uint64(s.off))
	} else {
		s.rec.AbortIn(s.epoch)
	}
}

// attributedLocked returns the share of the original size that the delivered bytes
// stand for, rounded half up.
func (s *Stream) attributedLocked() uint64 {
	if s.out == nil || s.body != nil || s.total <= 0 {
		return uint64(s.off)
	}
	return attribute(uint64(s.out.Original), uint64(s.off), uint64(s.total))
}

func attribute(original, part, total uint64) uint64 {
	if total == 0 || part > total {
		return 0
	}
	hi, lo := bits.Mul64(original, part)
	q, r := bits.Div64(hi, lo, total)
	if r >= total-r {
		q++
	}
	return q
}
