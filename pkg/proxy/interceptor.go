// Package proxy is the interception point: an http.RoundTripper that transcodes
// eligible media responses and a local forward proxy built on it.
package proxy

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/kisy/kipepeo/pkg/classify"
	"github.com/kisy/kipepeo/pkg/transcode"
)

const SessionHeader = "X-Kipepeo-Session"

// Gate tells the interceptor whether the engine is active.
type Gate interface {
	Active() bool
}

// GateFunc adapts a function to Gate.
type GateFunc func() bool

func (f GateFunc) Active() bool { return f() }

type InterceptorStats struct {
	Intercepted uint64 `json:"intercepted"`
	Bypassed    uint64 `json:"bypassed"`
	Failed      uint64 `json:"failed"`
}

// Interceptor wraps next and rewrites eligible responses. Everything else passes
// through untouched.
type Interceptor struct {
	log        *slog.Logger
	next       http.RoundTripper
	gate       Gate
	classifier *classify.Classifier
	engine     *transcode.Engine
	sink       SessionSink

	intercepted atomic.Uint64
	bypassed    atomic.Uint64
	failed      atomic.Uint64
}

func NewInterceptor(next http.RoundTripper, gate Gate, classifier *classify.Classifier, engine *transcode.Engine, sink SessionSink, log *slog.Logger) *Interceptor {
	if next == nil {
		next = http.DefaultTransport
	}
	return &Interceptor{
		log:        log,
		next:       next,
		gate:       gate,
		classifier: classifier,
		engine:     engine,
		sink:       sink,
	}
}

func (i *Interceptor) Stats() InterceptorStats {
	return InterceptorStats{
		Intercepted: i.intercepted.Load(),
		Bypassed:    i.bypassed.Load(),
		Failed:      i.failed.Load(),
	}
}

func (i *Interceptor) bypass(req *http.Request) (*http.Response, error) {
	i.bypassed.Add(1)
	return i.next.RoundTrip(req)
}

func (i *Interceptor) RoundTrip(req *http.Request) (*http.Response, error) {
	if !i.gate.Active() || req.Method != http.MethodGet {
		return i.bypass(req)
	}

	creq := classify.FromHTTP(req)
	if creq.Handled {
		return i.bypass(req)
	}
	urlEligible := i.classifier.Classify(creq) == classify.Eligible

	codec := i.engine.Codec().Name()
	if !acceptsEncoding(req.Header.Get("Accept-Encoding"), codec) {
		return i.bypass(req)
	}

	rng, hasRange, ok := parseRange(req.Header.Get("Range"))
	if !ok || (hasRange && !urlEligible) {
		// Multiple ranges, or a range we could only serve after reading the full body
		return i.bypass(req)
	}

	out := req.Clone(req.Context())
	classify.MarkHandled(out)
	if urlEligible {
		out.Header.Del("Range")
		out.Header.Set("Accept-Encoding", "identity")
	}

	resp, err := i.next.RoundTrip(out)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK || !identityEncoded(resp.Header) {
		return resp, nil
	}
	if !urlEligible && !i.classifier.Rules().MatchMIME(resp.Header.Get("Content-Type")) {
		return resp, nil
	}

	if hasRange && resp.ContentLength > i.engine.MaxBuffer() {
		// Too big to transcode; let the origin serve the range itself
		resp.Body.Close()
		return i.forwardRange(req)
	}

	return i.transcode(req, resp, rng, hasRange)
}

// forwardRange re-issues the client's range request unchanged and accounts it as a
// passthrough session.
func (i *Interceptor) forwardRange(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	classify.MarkHandled(out)

	resp, err := i.next.RoundTrip(out)
	if err != nil {
		return nil, err
	}
	sess := newSession(req.URL.String())
	stream := i.engine.Transcode(req.Context(), resp.Body,
		transcode.WithPassthrough(), transcode.WithSizeHint(resp.ContentLength))
	if err := stream.Resolve(); err != nil {
		stream.Close()
		i.failed.Add(1)
		return nil, err
	}
	sess.streaming(stream.Summary())
	i.intercepted.Add(1)

	resp.Header.Set(SessionHeader, sess.ID())
	resp.Body = &sessionBody{stream: stream, sess: sess, sink: i.sink}
	return resp, nil
}

func (i *Interceptor) transcode(req *http.Request, resp *http.Response, rng byteRange, hasRange bool) (*http.Response, error) {
	sess := newSession(req.URL.String())

	opts := []transcode.Option{transcode.WithSizeHint(resp.ContentLength)}
	if key := cacheKey(req, resp); key != "" {
		opts = append(opts, transcode.WithKey(key))
	}
	if hasRange {
		opts = append(opts, transcode.WithRange(rng.start, rng.end))
	}

	stream := i.engine.Transcode(req.Context(), resp.Body, opts...)
	err := stream.Resolve()
	if errors.Is(err, transcode.ErrRangeUnbounded) {
		// Oversize body of unknown length; the origin serves the range itself
		stream.Close()
		return i.forwardRange(req)
	}
	if err != nil {
		sum := stream.Summary()
		stream.Close()
		rec, _ := sess.finish(sum, false, err.Error())
		if i.sink != nil {
			i.sink.RecordSession(rec)
		}
		if errors.Is(err, transcode.ErrRangeNotSatisfiable) {
			return rangeNotSatisfiable(req, sum.Total), nil
		}
		i.failed.Add(1)
		i.log.Warn("transcode failed", "url", req.URL.Redacted(), "session", sess.ID(), "error", err)
		return nil, err
	}

	sum := stream.Summary()
	sess.streaming(sum)
	i.intercepted.Add(1)

	h := resp.Header.Clone()
	h.Del("Content-Length")
	h.Del("Content-Range")
	h.Del("Content-Encoding")
	if !sum.Passthrough {
		h.Set("Content-Encoding", sum.Encoding)
		h.Del("ETag")
	}
	h.Add("Vary", "Accept-Encoding")
	h.Set("Accept-Ranges", "bytes")
	h.Set(SessionHeader, sess.ID())

	out := &http.Response{
		Status:        resp.Status,
		StatusCode:    resp.StatusCode,
		Proto:         resp.Proto,
		ProtoMajor:    resp.ProtoMajor,
		ProtoMinor:    resp.ProtoMinor,
		Header:        h,
		Body:          &sessionBody{stream: stream, sess: sess, sink: i.sink},
		ContentLength: -1,
		Request:       req,
	}
	if sum.End >= 0 {
		out.ContentLength = sum.End - sum.Start
		h.Set("Content-Length", strconv.FormatInt(out.ContentLength, 10))
	}
	if hasRange {
		out.StatusCode = http.StatusPartialContent
		out.Status = "206 Partial Content"
		h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%s", sum.Start, sum.End-1, totalString(sum.Total)))
	}

	i.log.Debug("intercepted response",
		"url", req.URL.Redacted(), "session", sess.ID(),
		"encoding", sum.Encoding, "passthrough", sum.Passthrough, "reason", sum.Reason,
		"cached", sum.Cached, "start", sum.Start, "end", sum.End, "total", sum.Total)
	return out, nil
}

func rangeNotSatisfiable(req *http.Request, total int64) *http.Response {
	h := make(http.Header)
	h.Set("Content-Range", "bytes */"+totalString(total))
	h.Set("Content-Length", "0")
	return &http.Response{
		Status:        "416 Requested Range Not Satisfiable",
		StatusCode:    http.StatusRequestedRangeNotSatisfiable,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          http.NoBody,
		ContentLength: 0,
		Request:       req,
	}
}

func totalString(total int64) string {
	if total < 0 {
		return "*"
	}
	return strconv.FormatInt(total, 10)
}

// cacheKey identifies a representation by URL and validators. Responses without
// validators are not cached.
func cacheKey(req *http.Request, resp *http.Response) string {
	etag := resp.Header.Get("ETag")
	lastMod := resp.Header.Get("Last-Modified")
	if etag == "" && lastMod == "" {
		return ""
	}
	return strings.Join([]string{req.URL.String(), etag, lastMod, strconv.FormatInt(resp.ContentLength, 10)}, "|")
}

func identityEncoded(h http.Header) bool {
	ce := strings.TrimSpace(strings.ToLower(h.Get("Content-Encoding")))
	return ce == "" || ce == "identity"
}

// acceptsEncoding reports whether an Accept-Encoding header admits coding.
func acceptsEncoding(header, coding string) bool {
	if coding == "identity" {
		return true
	}
	for _, part := range strings.Split(header, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		name = strings.ToLower(strings.TrimSpace(name))
		if name != coding && name != "*" {
			continue
		}
		if q, ok := strings.CutPrefix(strings.TrimSpace(params), "q="); ok {
			if v, err := strconv.ParseFloat(q, 64); err == nil && v == 0 {
				return false
			}
		}
		return true
	}
	return false
}

// byteRange is a transcode range: end is exclusive, -1 means open. A negative start
// is a suffix length.
type byteRange struct {
	start, end int64
}

// parseRange parses a single byte range. ok is false for multi-range requests.
// Malformed headers are ignored as if absent.
func parseRange(h string) (r byteRange, present, ok bool) {
	h = strings.TrimSpace(h)
	if h == "" {
		return r, false, true
	}
	ranges, found := strings.CutPrefix(h, "bytes=")
	if !found {
		return r, false, true
	}
	if strings.Contains(ranges, ",") {
		return r, true, false
	}

	first, last, found := strings.Cut(strings.TrimSpace(ranges), "-")
	if !found {
		return r, false, true
	}
	first, last = strings.TrimSpace(first), strings.TrimSpace(last)

	if first == "" {
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n <= 0 {
			return r, false, true
		}
		return byteRange{start: -n, end: -1}, true, true
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return r, false, true
	}
	if last == "" {
		return byteRange{start: start, end: -1}, true, true
	}
	end, err := strconv.ParseInt(last, 10, 64)
	if err != nil || end < start {
		return r, false, true
	}
	return byteRange{start: start, end: end + 1}, true, true
}
