package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kisy/kipepeo/pkg/transcode"
)

func startProxy(t *testing.T, rt http.RoundTripper) *url.URL {
	t.Helper()
	srv := NewServer("127.0.0.1:0", rt, discardLogger())
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})
	u, err := url.Parse("http://" + srv.Addr())
	require.NoError(t, err)
	return u
}

func TestServer_ForwardsThroughInterceptor(t *testing.T) {
	f := newFixture(t, transcode.Config{})
	proxyURL := startProxy(t, f.ic)

	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}
	req, err := http.NewRequest(http.MethodGet, f.origin.URL+"/v/clip.mp4", nil)
	require.NoError(t, err)
	req.Header.Set("Accept-Encoding", "br")

	resp, err := client.Do(req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "br", resp.Header.Get("Content-Encoding"))
	assert.NotEmpty(t, resp.Header.Get(SessionHeader))
	assert.Equal(t, sample, decodeBrotli(t, body))

	assert.Eventually(t, func() bool {
		return f.ledger.Snapshot().Samples == 1
	}, time.Second, 10*time.Millisecond)
}

func TestServer_TunnelsConnect(t *testing.T) {
	origin := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		io.WriteString(w, "secret bytes")
	}))
	defer origin.Close()

	f := newFixture(t, transcode.Config{})
	proxyURL := startProxy(t, f.ic)

	tr := origin.Client().Transport.(*http.Transport).Clone()
	tr.Proxy = http.ProxyURL(proxyURL)
	client := &http.Client{Transport: tr}

	resp, err := client.Get(origin.URL + "/clip.mp4")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, "secret bytes", string(body))
	assert.Empty(t, resp.Header.Get(SessionHeader))
	assert.Zero(t, f.ledger.Snapshot().Samples)
}

func TestServer_RejectsOriginForm(t *testing.T) {
	srv := NewServer("127.0.0.1:0", http.DefaultTransport, discardLogger())

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/clip.mp4", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_UpstreamError(t *testing.T) {
	f := newFixture(t, transcode.Config{})
	f.origin.Close()

	srv := NewServer("127.0.0.1:0", f.ic, discardLogger())
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, f.origin.URL+"/v/clip.mp4", nil)
	req.Header.Set("Accept-Encoding", "br")
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestRemoveHopHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "keep-alive, X-Custom")
	h.Set("X-Custom", "1")
	h.Set("Keep-Alive", "timeout=5")
	h.Set("Content-Type", "video/mp4")

	removeHopHeaders(h)
	assert.Empty(t, h.Get("Connection"))
	assert.Empty(t, h.Get("X-Custom"))
	assert.Empty(t, h.Get("Keep-Alive"))
	assert.Equal(t, "video/mp4", h.Get("Content-Type"))
}
