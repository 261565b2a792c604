package proxy

import (
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kisy/kipepeo/model"
	"github.com/kisy/kipepeo/pkg/transcode"
)

// SessionSink receives finished sessions. It must not block.
type SessionSink interface {
	RecordSession(rec model.SessionRecord)
}

// SinkFunc adapts a function to SessionSink.
type SinkFunc func(rec model.SessionRecord)

func (f SinkFunc) RecordSession(rec model.SessionRecord) { f(rec) }

// session is one intercepted exchange. It is owned by the RoundTrip that created it
// until its body is handed to the client.
type session struct {
	mu  sync.Mutex
	rec model.SessionRecord
}

func newSession(url string) *session {
	return &session{rec: model.SessionRecord{
		ID:        uuid.NewString(),
		URL:       url,
		State:     model.SessionPending,
		StartTime: time.Now(),
	}}
}

func (s *session) ID() string { return s.rec.ID }

func (s *session) streaming(sum transcode.Summary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec.State != model.SessionPending {
		return
	}
	s.rec.State = model.SessionStreaming
	s.apply(sum)
}

// finish moves the session to its terminal state once and returns the record.
func (s *session) finish(sum transcode.Summary, completed bool, reason string) (model.SessionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec.State == model.SessionCompleted || s.rec.State == model.SessionFailed {
		return s.rec, false
	}
	s.apply(sum)
	s.rec.State = model.SessionFailed
	if completed {
		s.rec.State = model.SessionCompleted
	}
	if reason != "" {
		s.rec.Reason = reason
	}
	s.rec.FinishTime = time.Now()
	return s.rec, true
}

func (s *session) apply(sum transcode.Summary) {
	s.rec.Encoding = sum.Encoding
	s.rec.Passthrough = sum.Passthrough
	if sum.Reason != "" {
		s.rec.Reason = sum.Reason
	}
	s.rec.OriginalBytes = sum.Original
	s.rec.ActualBytes = sum.Actual
	s.rec.RangeStart = sum.Start
	if sum.End > 0 {
		s.rec.RangeEnd = sum.End
	}
}

// sessionBody hands the transcoded stream to the client and reports the session when
// the client closes it.
type sessionBody struct {
	stream *transcode.Stream
	sess   *session
	sink   SessionSink

	mu  sync.Mutex
	eof bool
}

func (b *sessionBody) Read(p []byte) (int, error) {
	n, err := b.stream.Read(p)
	if err == io.EOF {
		b.mu.Lock()
		b.eof = true
		b.mu.Unlock()
	}
	return n, err
}

func (b *sessionBody) Close() error {
	err := b.stream.Close()

	b.mu.Lock()
	eof := b.eof
	b.mu.Unlock()

	reason := ""
	if !eof {
		reason = "client closed before end of stream"
		if serr := b.stream.Err(); serr != nil {
			reason = serr.Error()
		}
	}
	if rec, ok := b.sess.finish(b.stream.Summary(), eof, reason); ok && b.sink != nil {
		b.sink.RecordSession(rec)
	}
	return err
}
