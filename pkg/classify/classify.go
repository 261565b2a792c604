// Package classify decides whether an outgoing request is a candidate for interception.
package classify

import (
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync/atomic"
)

// HandledHeader marks requests re-issued by the engine itself so they are never
// intercepted a second time.
const HandledHeader = "X-Kipepeo-Handled"

type Verdict int

const (
	NotEligible Verdict = iota
	Eligible
)

func (v Verdict) String() string {
	if v == Eligible {
		return "eligible"
	}
	return "not_eligible"
}

// Request is the subset of an outgoing request the classifier looks at.
type Request struct {
	URL       string
	Extension string // Overrides the URL path extension when set
	MIMEType  string
	Handled   bool
}

// FromHTTP builds a classifier request. The MIME type comes from the declared
// Content-Type if the caller set one on the request.
func FromHTTP(r *http.Request) Request {
	req := Request{
		MIMEType: r.Header.Get("Content-Type"),
		Handled:  r.Header.Get(HandledHeader) != "",
	}
	if r.URL != nil {
		req.URL = r.URL.String()
	}
	return req
}

// MarkHandled tags r so that Classify treats it as already processed.
func MarkHandled(r *http.Request) {
	r.Header.Set(HandledHeader, "1")
}

type RuleSet struct {
	extensions map[string]struct{}
	mimeTypes  map[string]struct{}
	prefixes   []string
}

// NewRuleSet builds an immutable rule set. Entries are normalised to lower case and a
// leading dot on extensions is ignored.
func NewRuleSet(extensions, mimeTypes, mimePrefixes []string) *RuleSet {
	rs := &RuleSet{
		extensions: make(map[string]struct{}, len(extensions)),
		mimeTypes:  make(map[string]struct{}, len(mimeTypes)),
	}
	for _, e := range extensions {
		e = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(e)), ".")
		if e != "" {
			rs.extensions[e] = struct{}{}
		}
	}
	for _, m := range mimeTypes {
		if m = normalizeMIME(m); m != "" {
			rs.mimeTypes[m] = struct{}{}
		}
	}
	for _, p := range mimePrefixes {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			rs.prefixes = append(rs.prefixes, p)
		}
	}
	return rs
}

func (rs *RuleSet) MatchExtension(ext string) bool {
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	if ext == "" {
		return false
	}
	_, ok := rs.extensions[ext]
	return ok
}

func (rs *RuleSet) MatchMIME(m string) bool {
	m = normalizeMIME(m)
	if m == "" {
		return false
	}
	if _, ok := rs.mimeTypes[m]; ok {
		return true
	}
	for _, p := range rs.prefixes {
		if strings.HasPrefix(m, p) {
			return true
		}
	}
	return false
}

func normalizeMIME(m string) string {
	m = strings.TrimSpace(m)
	if m == "" {
		return ""
	}
	if mt, _, err := mime.ParseMediaType(m); err == nil {
		return mt
	}
	if i := strings.IndexByte(m, ';'); i >= 0 {
		m = m[:i]
	}
	return strings.ToLower(strings.TrimSpace(m))
}

// Classifier evaluates requests against a RuleSet. It keeps verdict counters for metrics
// but is otherwise stateless.
type Classifier struct {
	rules *RuleSet

	eligible    atomic.Uint64
	notEligible atomic.Uint64
	malformed   atomic.Uint64
}

func New(rules *RuleSet) *Classifier {
	return &Classifier{rules: rules}
}

func (c *Classifier) Rules() *RuleSet { return c.rules }

func (c *Classifier) Classify(req Request) Verdict {
	v := c.classify(req)
	if v == Eligible {
		c.eligible.Add(1)
	} else {
		c.notEligible.Add(1)
	}
	return v
}

func (c *Classifier) classify(req Request) Verdict {
	if req.Handled {
		return NotEligible
	}

	u, err := url.Parse(req.URL)
	if err != nil || u.Host == "" {
		c.malformed.Add(1)
		return NotEligible
	}
	if s := strings.ToLower(u.Scheme); s != "http" && s != "https" {
		return NotEligible
	}

	ext := req.Extension
	if ext == "" {
		ext = path.Ext(u.Path)
	}
	if c.rules.MatchExtension(ext) {
		return Eligible
	}
	if c.rules.MatchMIME(req.MIMEType) {
		return Eligible
	}
	return NotEligible
}

// Counts returns the number of eligible, not eligible and malformed classifications so far.
// Malformed requests are also counted as not eligible.
func (c *Classifier) Counts() (eligible, notEligible, malformed uint64) {
	return c.eligible.Load(), c.notEligible.Load(), c.malformed.Load()
}
