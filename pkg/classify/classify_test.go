package classify

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClassifier() *Classifier {
	return New(NewRuleSet(
		[]string{"mp4", ".M3U8", "ts", "mov", "webm"},
		[]string{"video/mp4", "application/vnd.apple.mpegurl"},
		[]string{"video/"},
	))
}

func TestClassify(t *testing.T) {
	c := newTestClassifier()

	tests := []struct {
		name string
		req  Request
		want Verdict
	}{
		{"mp4 extension", Request{URL: "https://cdn.example.com/v/clip.mp4"}, Eligible},
		{"upper-case extension", Request{URL: "https://cdn.example.com/v/CLIP.MP4"}, Eligible},
		{"playlist with query", Request{URL: "http://cdn.example.com/live/index.m3u8?token=abc"}, Eligible},
		{"declared extension wins", Request{URL: "https://cdn.example.com/stream", Extension: "WEBM"}, Eligible},
		{"declared mime", Request{URL: "https://cdn.example.com/stream", MIMEType: "Video/MP4; codecs=avc1"}, Eligible},
		{"mime prefix", Request{URL: "https://cdn.example.com/stream", MIMEType: "video/x-matroska"}, Eligible},
		{"html page", Request{URL: "https://example.com/index.html", MIMEType: "text/html"}, NotEligible},
		{"no extension no mime", Request{URL: "https://example.com/api/items"}, NotEligible},
		{"malformed url", Request{URL: "://bad url"}, NotEligible},
		{"missing host", Request{URL: "/relative/clip.mp4"}, NotEligible},
		{"non http scheme", Request{URL: "ftp://example.com/clip.mp4"}, NotEligible},
		{"already handled", Request{URL: "https://cdn.example.com/v/clip.mp4", Handled: true}, NotEligible},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Classify(tt.req))
		})
	}
}

func TestClassify_HandledIsIdempotent(t *testing.T) {
	c := newTestClassifier()

	r, err := http.NewRequest(http.MethodGet, "https://cdn.example.com/v/clip.mp4", nil)
	require.NoError(t, err)
	assert.Equal(t, Eligible, c.Classify(FromHTTP(r)))

	MarkHandled(r)
	for i := 0; i < 3; i++ {
		assert.Equal(t, NotEligible, c.Classify(FromHTTP(r)))
	}
}

func TestClassify_Counts(t *testing.T) {
	c := newTestClassifier()
	c.Classify(Request{URL: "https://a.example/x.mp4"})
	c.Classify(Request{URL: "https://a.example/x.html"})
	c.Classify(Request{URL: "%zz"})

	eligible, notEligible, malformed := c.Counts()
	assert.Equal(t, uint64(1), eligible)
	assert.Equal(t, uint64(2), notEligible)
	assert.Equal(t, uint64(1), malformed)
}

func TestRuleSet_MatchMIME(t *testing.T) {
	rs := NewRuleSet(nil, []string{"application/x-mpegURL"}, nil)
	assert.True(t, rs.MatchMIME("application/x-mpegurl"))
	assert.True(t, rs.MatchMIME(" APPLICATION/X-MPEGURL ; charset=utf-8"))
	assert.False(t, rs.MatchMIME("video/mp4"))
	assert.False(t, rs.MatchMIME(""))
}
