package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultFile is used when no --config flag is given. A missing default file is not an error.
const DefaultFile = "kipepeo.toml"

type Config struct {
	Listen       string `toml:"listen"`           // Control API
	ProxyListen  string `toml:"proxy_listen"`     // Local interception proxy
	PollInterval int    `toml:"interval"`         // Seconds between UI metric pushes
	ActivateSecs int    `toml:"activate_timeout"` // Seconds
	Privilege    string `toml:"privilege"`        // auto, root, user

	Rules     RulesConfig     `toml:"rules"`
	Transcode TranscodeConfig `toml:"transcode"`
	Probe     ProbeConfig     `toml:"probe"`
	Store     StoreConfig     `toml:"store"`
	Log       LogConfig       `toml:"log"`
}

type RulesConfig struct {
	Extensions []string `toml:"extensions"`
	MIMETypes  []string `toml:"mime_types"`
	MIMEPrefix []string `toml:"mime_prefixes"`
}

type TranscodeConfig struct {
	Codec      string `toml:"codec"`   // br, gzip, identity
	Quality    *int   `toml:"quality"` // 0..11, defaults to 5
	ChunkSize  int    `toml:"chunk_size"`
	MaxBuffer  int64  `toml:"max_buffer"`
	CacheBytes int64  `toml:"cache_bytes"`
}

type ProbeConfig struct {
	Interface    string `toml:"interface"`
	PollInterval int    `toml:"interval"` // Seconds between conntrack dumps
}

type StoreConfig struct {
	DSN             string `toml:"dsn"`
	PersistInterval int    `toml:"persist_interval"` // Seconds
	HistoryLimit    int    `toml:"history_limit"`
}

type LogConfig struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"` // console, json
	Output     string `toml:"output"` // stdout, stderr, or a file path
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.ApplyDefaults()
	return c
}

// Load decodes path into a config. When path is the default file and it does not exist,
// defaults are returned instead.
func Load(path string) (*Config, error) {
	var c Config
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &c); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) || path != DefaultFile {
		return nil, fmt.Errorf("config file not found: %s", path)
	}
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
	if c.ProxyListen == "" {
		c.ProxyListen = "127.0.0.1:8118"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 1
	}
	if c.ActivateSecs <= 0 {
		c.ActivateSecs = 10
	}
	c.Privilege = strings.ToLower(strings.TrimSpace(c.Privilege))
	if c.Privilege == "" {
		c.Privilege = "auto"
	}

	if len(c.Rules.Extensions) == 0 {
		c.Rules.Extensions = []string{"mp4", "m3u8", "ts", "mov", "webm", "m4s", "mkv"}
	}
	if len(c.Rules.MIMETypes) == 0 {
		c.Rules.MIMETypes = []string{
			"video/mp4",
			"video/webm",
			"video/quicktime",
			"video/mp2t",
			"application/vnd.apple.mpegurl",
			"application/x-mpegurl",
		}
	}
	if len(c.Rules.MIMEPrefix) == 0 {
		c.Rules.MIMEPrefix = []string{"video/"}
	}

	c.Transcode.Codec = strings.ToLower(strings.TrimSpace(c.Transcode.Codec))
	switch c.Transcode.Codec {
	case "":
		c.Transcode.Codec = "br"
	case "brotli":
		c.Transcode.Codec = "br"
	}
	if c.Transcode.Quality == nil {
		q := 5
		c.Transcode.Quality = &q
	}
	if c.Transcode.ChunkSize <= 0 {
		c.Transcode.ChunkSize = 32 * 1024
	}
	if c.Transcode.MaxBuffer <= 0 {
		c.Transcode.MaxBuffer = 32 << 20
	}
	if c.Transcode.CacheBytes <= 0 {
		c.Transcode.CacheBytes = 128 << 20
	}

	if c.Probe.PollInterval <= 0 {
		c.Probe.PollInterval = 1
	}

	if c.Store.DSN == "" {
		c.Store.DSN = "kipepeo.db"
	}
	if c.Store.PersistInterval <= 0 {
		c.Store.PersistInterval = 30
	}
	if c.Store.HistoryLimit <= 0 {
		c.Store.HistoryLimit = 100
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stdout"
	}
	if c.Log.MaxSizeMB <= 0 {
		c.Log.MaxSizeMB = 10
	}
	if c.Log.MaxBackups <= 0 {
		c.Log.MaxBackups = 3
	}
}

func (c *Config) Validate() error {
	switch strings.ToLower(c.Privilege) {
	case "auto", "root", "user":
	default:
		return fmt.Errorf("invalid privilege %q (want auto, root or user)", c.Privilege)
	}
	switch strings.ToLower(c.Transcode.Codec) {
	case "br", "brotli", "gzip", "identity":
	default:
		return fmt.Errorf("invalid codec %q (want br, gzip or identity)", c.Transcode.Codec)
	}
	if q := c.Transcode.QualityLevel(); q < 0 || q > 11 {
		return fmt.Errorf("invalid codec quality %d (want 0 to 11)", q)
	}
	if c.Listen == c.ProxyListen {
		return fmt.Errorf("listen and proxy_listen must differ (both %s)", c.Listen)
	}
	return nil
}

// QualityLevel returns the configured codec quality, 5 when unset.
func (t TranscodeConfig) QualityLevel() int {
	if t.Quality == nil {
		return 5
	}
	return *t.Quality
}

func (c *Config) Interval() time.Duration {
	return time.Duration(c.PollInterval) * time.Second
}

func (c *Config) ActivateTimeout() time.Duration {
	return time.Duration(c.ActivateSecs) * time.Second
}

func (c *Config) PersistEvery() time.Duration {
	return time.Duration(c.Store.PersistInterval) * time.Second
}

func (c *Config) ProbeInterval() time.Duration {
	return time.Duration(c.Probe.PollInterval) * time.Second
}

// Encode writes the effective configuration as TOML.
func (c *Config) Encode(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}
