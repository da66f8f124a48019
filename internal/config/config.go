package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("config: invalid")

type Config struct {
	App struct {
		// dev | prod
		Env      string `yaml:"env"`
		LogLevel string `yaml:"log_level"`
	} `yaml:"app"`

	Editor struct {
		BaseURL      string `yaml:"base_url"`
		CommandAlias string `yaml:"command_alias"`
		// Document is the JSON file the editor reads and writes.
		Document  string `yaml:"document"`
		UserAgent string `yaml:"user_agent"`
		// Verbose re-downloads every upload to check it.
		Verbose bool `yaml:"verbose"`
	} `yaml:"editor"`

	Blob struct {
		BaseURL       string        `yaml:"base_url"`
		Timeout       time.Duration `yaml:"timeout"`
		MaxObjectSize int64         `yaml:"max_object_size"`
	} `yaml:"blob"`

	Relay struct {
		BaseURL   string        `yaml:"base_url"`
		WSBaseURL string        `yaml:"ws_base_url"`
		Timeout   time.Duration `yaml:"timeout"`
	} `yaml:"relay"`

	Identity struct {
		Dir        string `yaml:"dir"`
		Passphrase string `yaml:"passphrase"`
	} `yaml:"identity"`

	Trust struct {
		Driver string `yaml:"driver"` // file | mongo
		File   string `yaml:"file"`
		Mongo  struct {
			URI      string `yaml:"uri"`
			Database string `yaml:"database"`
		} `yaml:"mongo"`
	} `yaml:"trust"`

	Sessions struct {
		Driver string        `yaml:"driver"` // memory | redis
		TTL    time.Duration `yaml:"ttl"`
	} `yaml:"sessions"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Prefix   string `yaml:"prefix"`
	} `yaml:"redis"`

	Liveness struct {
		HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
		CheckInterval    time.Duration `yaml:"check_interval"`
		IdleTimeout      time.Duration `yaml:"idle_timeout"`
		MaxBadFrames     int           `yaml:"max_bad_frames"`
	} `yaml:"liveness"`

	Metrics struct {
		// Addr serves /metrics from the console process; empty disables it.
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`

	Server struct {
		Addr        string        `yaml:"addr"`
		BlobStorage string        `yaml:"blob_storage"` // memory | redis
		BlobTTL     time.Duration `yaml:"blob_ttl"`
	} `yaml:"server"`
}

// LoadEnvFile loads KEY=VALUE pairs from path without overriding variables
// that are already set. A missing file is not an error.
func LoadEnvFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return godotenv.Load(path)
}

// Load reads the YAML file at path (defaults only when path is empty), then
// applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}

	c.setDefaults()
	c.applyEnvOverrides()

	if err := c.Validate(); err != nil {
		return nil, err
	}

	// relative paths resolve against the config file
	if path != "" {
		base := filepath.Dir(path)
		c.Identity.Dir = resolve(base, c.Identity.Dir)
		c.Trust.File = resolve(base, c.Trust.File)
		c.Editor.Document = resolve(base, c.Editor.Document)
	}
	return &c, nil
}

func (c *Config) setDefaults() {
	if c.App.Env == "" {
		c.App.Env = "dev"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.Editor.BaseURL == "" {
		c.Editor.BaseURL = "http://localhost:8090/editor"
	}
	if c.Editor.CommandAlias == "" {
		c.Editor.CommandAlias = "editor"
	}
	if c.Editor.Document == "" {
		c.Editor.Document = "./data/config.json"
	}
	if c.Editor.UserAgent == "" {
		c.Editor.UserAgent = "web-editor/1"
	}
	if c.Blob.BaseURL == "" {
		c.Blob.BaseURL = "http://localhost:8090/blob"
	}
	if c.Blob.Timeout == 0 {
		c.Blob.Timeout = 10 * time.Second
	}
	if c.Blob.MaxObjectSize == 0 {
		c.Blob.MaxObjectSize = 8 << 20
	}
	if c.Relay.BaseURL == "" {
		c.Relay.BaseURL = "http://localhost:8090/relay"
	}
	if c.Relay.Timeout == 0 {
		c.Relay.Timeout = 10 * time.Second
	}
	if c.Identity.Dir == "" {
		c.Identity.Dir = "./data/identity"
	}
	if c.Trust.Driver == "" {
		c.Trust.Driver = "file"
	}
	if c.Trust.File == "" {
		c.Trust.File = "./data/trusted_keys.json"
	}
	if c.Trust.Mongo.Database == "" {
		c.Trust.Mongo.Database = "web_editor"
	}
	if c.Sessions.Driver == "" {
		c.Sessions.Driver = "memory"
	}
	if c.Sessions.TTL == 0 {
		c.Sessions.TTL = time.Hour
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "web-editor:"
	}
	if c.Liveness.HandshakeTimeout == 0 {
		c.Liveness.HandshakeTimeout = 60 * time.Second
	}
	if c.Liveness.CheckInterval == 0 {
		c.Liveness.CheckInterval = 30 * time.Second
	}
	if c.Liveness.IdleTimeout == 0 {
		c.Liveness.IdleTimeout = 120 * time.Second
	}
	if c.Liveness.MaxBadFrames == 0 {
		c.Liveness.MaxBadFrames = 16
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8090"
	}
	if c.Server.BlobStorage == "" {
		c.Server.BlobStorage = "memory"
	}
	if c.Server.BlobTTL == 0 {
		c.Server.BlobTTL = 24 * time.Hour
	}
}

// Validate rejects unknown drivers and non-positive durations.
func (c *Config) Validate() error {
	switch c.Trust.Driver {
	case "file", "mongo":
	default:
		return fmt.Errorf("%w: trust.driver %q", ErrInvalidConfig, c.Trust.Driver)
	}
	if c.Trust.Driver == "mongo" && c.Trust.Mongo.URI == "" {
		return fmt.Errorf("%w: trust.mongo.uri is required", ErrInvalidConfig)
	}
	switch c.Sessions.Driver {
	case "memory", "redis":
	default:
		return fmt.Errorf("%w: sessions.driver %q", ErrInvalidConfig, c.Sessions.Driver)
	}
	switch c.Server.BlobStorage {
	case "memory", "redis":
	default:
		return fmt.Errorf("%w: server.blob_storage %q", ErrInvalidConfig, c.Server.BlobStorage)
	}

	durations := map[string]time.Duration{
		"blob.timeout":               c.Blob.Timeout,
		"relay.timeout":              c.Relay.Timeout,
		"sessions.ttl":               c.Sessions.TTL,
		"liveness.handshake_timeout": c.Liveness.HandshakeTimeout,
		"liveness.check_interval":    c.Liveness.CheckInterval,
		"liveness.idle_timeout":      c.Liveness.IdleTimeout,
		"server.blob_ttl":            c.Server.BlobTTL,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, name)
		}
	}
	if c.Blob.MaxObjectSize < 0 {
		return fmt.Errorf("%w: blob.max_object_size must not be negative", ErrInvalidConfig)
	}
	if c.Liveness.MaxBadFrames < 0 {
		return fmt.Errorf("%w: liveness.max_bad_frames must not be negative", ErrInvalidConfig)
	}
	return nil
}

func (c *Config) IsProd() bool {
	return strings.EqualFold(c.App.Env, "prod")
}

// ---- env helpers ----

func getEnvStr(key string) (string, bool) {
	v := os.Getenv(key)
	return v, v != ""
}

func getEnvInt(key string) (int, bool) {
	if s, ok := getEnvStr(key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return i, true
		}
	}
	return 0, false
}

func getEnvBool(key string) (bool, bool) {
	if s, ok := getEnvStr(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
			return b, true
		}
	}
	return false, false
}

func getEnvDur(key string) (time.Duration, bool) {
	if s, ok := getEnvStr(key); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(s)); err == nil {
			return d, true
		}
	}
	return 0, false
}

func (c *Config) applyEnvOverrides() {
	if v, ok := getEnvStr("APP_ENV"); ok {
		c.App.Env = strings.ToLower(v)
	}
	if v, ok := getEnvStr("LOG_LEVEL"); ok {
		c.App.LogLevel = strings.ToLower(v)
	}

	if v, ok := getEnvStr("EDITOR_BASE_URL"); ok {
		c.Editor.BaseURL = v
	}
	if v, ok := getEnvStr("EDITOR_DOCUMENT"); ok {
		c.Editor.Document = v
	}
	if v, ok := getEnvBool("EDITOR_VERBOSE"); ok {
		c.Editor.Verbose = v
	}

	if v, ok := getEnvStr("BLOB_BASE_URL"); ok {
		c.Blob.BaseURL = v
	}
	if v, ok := getEnvStr("RELAY_BASE_URL"); ok {
		c.Relay.BaseURL = v
	}
	if v, ok := getEnvStr("RELAY_WS_URL"); ok {
		c.Relay.WSBaseURL = v
	}

	if v, ok := getEnvStr("IDENTITY_DIR"); ok {
		c.Identity.Dir = v
	}
	if v, ok := getEnvStr("IDENTITY_PASSPHRASE"); ok {
		c.Identity.Passphrase = v
	}

	if v, ok := getEnvStr("TRUST_DRIVER"); ok {
		c.Trust.Driver = strings.ToLower(v)
	}
	if v, ok := getEnvStr("TRUST_MONGO_URI"); ok {
		c.Trust.Mongo.URI = v
	}
	if v, ok := getEnvStr("TRUST_MONGO_DATABASE"); ok {
		c.Trust.Mongo.Database = v
	}

	if v, ok := getEnvStr("SESSIONS_DRIVER"); ok {
		c.Sessions.Driver = strings.ToLower(v)
	}
	if v, ok := getEnvDur("SESSIONS_TTL"); ok {
		c.Sessions.TTL = v
	}

	if v, ok := getEnvStr("REDIS_ADDR"); ok {
		c.Redis.Addr = v
	}
	if v, ok := getEnvStr("REDIS_PASSWORD"); ok {
		c.Redis.Password = v
	}
	if v, ok := getEnvInt("REDIS_DB"); ok {
		c.Redis.DB = v
	}
	if v, ok := getEnvStr("REDIS_PREFIX"); ok {
		c.Redis.Prefix = v
	}

	if v, ok := getEnvStr("METRICS_ADDR"); ok {
		c.Metrics.Addr = v
	}
	if v, ok := getEnvStr("SERVER_ADDR"); ok {
		c.Server.Addr = v
	}
	if v, ok := getEnvStr("SERVER_BLOB_STORAGE"); ok {
		c.Server.BlobStorage = strings.ToLower(v)
	}
}

func resolve(base, p string) string {
	p = strings.TrimSpace(p)
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Clean(filepath.Join(base, p))
}
