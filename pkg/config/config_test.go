package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kipepeo.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeFile(t, `
listen = "127.0.0.1:9000"

[transcode]
codec = "gzip"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Listen)
	assert.Equal(t, "127.0.0.1:8118", cfg.ProxyListen)
	assert.Equal(t, "gzip", cfg.Transcode.Codec)
	assert.Equal(t, 32*1024, cfg.Transcode.ChunkSize)
	assert.Equal(t, time.Second, cfg.Interval())
	assert.Equal(t, 10*time.Second, cfg.ActivateTimeout())
	assert.Contains(t, cfg.Rules.Extensions, "m3u8")
	assert.Contains(t, cfg.Rules.MIMETypes, "application/vnd.apple.mpegurl")
}

func TestLoad_MissingFile(t *testing.T) {
	t.Run("explicit path must exist", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
		assert.Error(t, err)
	})

	t.Run("default path may be absent", func(t *testing.T) {
		t.Chdir(t.TempDir())
		cfg, err := Load(DefaultFile)
		require.NoError(t, err)
		assert.Equal(t, "auto", cfg.Privilege)
	})
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad toml", `listen = `},
		{"bad privilege", `privilege = "admin"`},
		{"bad codec", "[transcode]\ncodec = \"av1\""},
		{"quality too high", "[transcode]\nquality = 12"},
		{"negative quality", "[transcode]\nquality = -1"},
		{"same listeners", "listen = \"127.0.0.1:1\"\nproxy_listen = \"127.0.0.1:1\""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_NormalisesValues(t *testing.T) {
	path := writeFile(t, `
privilege = " Root "

[transcode]
codec = "Brotli"
quality = 0
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "root", cfg.Privilege)
	assert.Equal(t, "br", cfg.Transcode.Codec)
	assert.Equal(t, 0, cfg.Transcode.QualityLevel())
	assert.Equal(t, 5, Default().Transcode.QualityLevel())
}

func TestEncode_RoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Probe.Interface = "wlan0"

	var buf bytes.Buffer
	require.NoError(t, cfg.Encode(&buf))

	var decoded Config
	_, err := toml.Decode(buf.String(), &decoded)
	require.NoError(t, err)
	assert.Equal(t, *cfg, decoded)
}
