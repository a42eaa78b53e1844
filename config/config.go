// Package config loads traitserve settings from a TOML or YAML file, a .env
// file and TRAITKIT_* environment variables, in increasing priority.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/vinayprograms/traitkit/bus"
	"github.com/vinayprograms/traitkit/errors"
	"github.com/vinayprograms/traitkit/loader"
	"github.com/vinayprograms/traitkit/ratelimit"
)

// ErrInsecurePermissions is returned when a file holding an S3 secret is
// readable by group or others.
var ErrInsecurePermissions = fmt.Errorf("config file has insecure permissions")

// Config is the complete traitserve configuration.
type Config struct {
	Server ServerConfig `toml:"server" yaml:"server"`
	Loader LoaderConfig `toml:"loader" yaml:"loader"`
	Bus    BusConfig    `toml:"bus" yaml:"bus"`
	Log    LogConfig    `toml:"log" yaml:"log"`
	Diag   DiagConfig   `toml:"diag" yaml:"diag"`
}

// ServerConfig configures the renderer endpoint.
type ServerConfig struct {
	Addr            string        `toml:"addr" yaml:"addr"`
	Path            string        `toml:"path" yaml:"path"`
	Origins         []string      `toml:"origins" yaml:"origins"`
	CallTimeout     time.Duration `toml:"call_timeout" yaml:"call_timeout"`
	PingInterval    time.Duration `toml:"ping_interval" yaml:"ping_interval"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout" yaml:"shutdown_timeout"`

	// SubmitLimit bounds submit calls per page view and publishes per
	// remote host within SubmitWindow. Zero disables the limit.
	SubmitLimit  int           `toml:"submit_limit" yaml:"submit_limit"`
	SubmitWindow time.Duration `toml:"submit_window" yaml:"submit_window"`
}

// RateLimit converts the submit limit for ratelimit.NewMemoryLimiter.
func (c ServerConfig) RateLimit() ratelimit.Config {
	return ratelimit.Config{Capacity: c.SubmitLimit, Window: c.SubmitWindow}
}

// LoaderConfig selects where shards are loaded from. At most one of Dir and
// S3.Bucket may be set; neither means page views are fed by the bus only.
type LoaderConfig struct {
	Dir         string   `toml:"dir" yaml:"dir"`
	S3          S3Config `toml:"s3" yaml:"s3"`
	Concurrency int      `toml:"concurrency" yaml:"concurrency"`
	CacheSize   int      `toml:"cache_size" yaml:"cache_size"`

	// MaxRetries applies to transient source failures. Negative disables
	// retries.
	MaxRetries   int           `toml:"max_retries" yaml:"max_retries"`
	RetryBackoff time.Duration `toml:"retry_backoff" yaml:"retry_backoff"`
}

// S3Config locates shards in an S3 compatible bucket.
type S3Config struct {
	Endpoint  string `toml:"endpoint" yaml:"endpoint"`
	Region    string `toml:"region" yaml:"region"`
	Bucket    string `toml:"bucket" yaml:"bucket"`
	Prefix    string `toml:"prefix" yaml:"prefix"`
	AccessKey string `toml:"access_key" yaml:"access_key"`
	SecretKey string `toml:"secret_key" yaml:"secret_key"`
	UseSSL    bool   `toml:"use_ssl" yaml:"use_ssl"`
}

// BusConfig configures shard intake. An empty URL uses an in-process bus.
type BusConfig struct {
	URL         string `toml:"url" yaml:"url"`
	Subject     string `toml:"subject" yaml:"subject"`
	DiagSubject string `toml:"diag_subject" yaml:"diag_subject"`
}

// LogConfig configures console logging.
type LogConfig struct {
	Level string `toml:"level" yaml:"level"`
}

// DiagConfig configures the diagnostic file. Empty disables it.
type DiagConfig struct {
	File string `toml:"file" yaml:"file"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	def := loader.DefaultConfig()
	rl := ratelimit.DefaultConfig()
	return Config{
		Server: ServerConfig{
			Addr:            ":8090",
			Path:            "/ws",
			CallTimeout:     10 * time.Second,
			PingInterval:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			SubmitLimit:     rl.Capacity,
			SubmitWindow:    rl.Window,
		},
		Loader: LoaderConfig{
			Concurrency:  def.Concurrency,
			CacheSize:    def.CacheSize,
			MaxRetries:   def.MaxRetries,
			RetryBackoff: def.RetryBackoff,
			S3:           S3Config{Region: "us-east-1", UseSSL: true},
		},
		Bus: BusConfig{
			Subject:     "traitkit.shards",
			DiagSubject: "traitkit.diag",
		},
		Log: LogConfig{Level: "info"},
	}
}

// StandardPaths returns the config file locations in order of priority.
func StandardPaths() []string {
	paths := []string{"traitkit.toml", "traitkit.yaml", "traitkit.yml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "traitkit", "traitkit.toml"))
	}
	return paths
}

// Load reads .env, then the file at path (or the first standard path that
// exists when path is empty), then environment overrides. It returns the
// file actually read, empty when defaults were used.
func Load(path string) (*Config, string, error) {
	_ = godotenv.Load()

	if path == "" {
		for _, p := range StandardPaths() {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}

	cfg := Default()
	if path != "" {
		loaded, err := LoadFile(path)
		if err != nil {
			return nil, path, err
		}
		cfg = *loaded
	}

	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, path, err
	}
	return &cfg, path, nil
}

// LoadFile decodes one file over the defaults. The format follows the
// extension.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound("config file not found: " + path)
		}
		return nil, errors.Wrap(err, "read config "+path)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&cfg); err != nil {
			return nil, errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "decode "+path)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "decode "+path)
		}
	default:
		return nil, errors.InvalidInput("unsupported config format: " + path)
	}

	if cfg.Loader.S3.SecretKey != "" {
		if err := checkPermissions(path); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// checkPermissions rejects secret-bearing files readable beyond the owner.
func checkPermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return errors.Wrap(err, "stat config "+path)
	}
	if mode := info.Mode().Perm(); mode&0077 != 0 {
		return fmt.Errorf("%w: %s has mode %04o (must not be group or world readable)",
			ErrInsecurePermissions, path, mode)
	}
	return nil
}

// ApplyEnv overrides fields from TRAITKIT_* variables read through getenv.
// Unparsable numbers and booleans are ignored.
func (c *Config) ApplyEnv(getenv func(string) string) {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if n, err := strconv.Atoi(strings.TrimSpace(getenv(key))); err == nil {
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if b, err := strconv.ParseBool(strings.TrimSpace(getenv(key))); err == nil {
			*dst = b
		}
	}

	str("TRAITKIT_ADDR", &c.Server.Addr)
	if port := strings.TrimSpace(getenv("PORT")); port != "" && getenv("TRAITKIT_ADDR") == "" {
		c.Server.Addr = ":" + strings.TrimPrefix(port, ":")
	}
	num("TRAITKIT_SUBMIT_LIMIT", &c.Server.SubmitLimit)
	str("TRAITKIT_LOADER_DIR", &c.Loader.Dir)
	num("TRAITKIT_LOADER_CONCURRENCY", &c.Loader.Concurrency)
	num("TRAITKIT_LOADER_CACHE_SIZE", &c.Loader.CacheSize)
	num("TRAITKIT_LOADER_MAX_RETRIES", &c.Loader.MaxRetries)
	str("TRAITKIT_S3_ENDPOINT", &c.Loader.S3.Endpoint)
	str("TRAITKIT_S3_REGION", &c.Loader.S3.Region)
	str("TRAITKIT_S3_BUCKET", &c.Loader.S3.Bucket)
	str("TRAITKIT_S3_PREFIX", &c.Loader.S3.Prefix)
	str("TRAITKIT_S3_ACCESS_KEY", &c.Loader.S3.AccessKey)
	str("TRAITKIT_S3_SECRET_KEY", &c.Loader.S3.SecretKey)
	flag("TRAITKIT_S3_USE_SSL", &c.Loader.S3.UseSSL)
	str("TRAITKIT_NATS_URL", &c.Bus.URL)
	str("TRAITKIT_BUS_SUBJECT", &c.Bus.Subject)
	str("TRAITKIT_LOG_LEVEL", &c.Log.Level)
	str("TRAITKIT_DIAG_FILE", &c.Diag.File)
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return errors.InvalidInput("server.addr is required")
	}
	if !strings.HasPrefix(c.Server.Path, "/") {
		return errors.InvalidInput("server.path must start with /")
	}
	if c.Server.SubmitLimit > 0 && c.Server.SubmitWindow <= 0 {
		return errors.InvalidInput("server.submit_window must be positive with a submit limit")
	}
	if c.Loader.Dir != "" && c.Loader.S3.Bucket != "" {
		return errors.InvalidInput("loader.dir and loader.s3.bucket are mutually exclusive")
	}
	if c.Loader.S3.Bucket != "" && c.Loader.S3.Endpoint == "" {
		return errors.InvalidInput("loader.s3.endpoint is required with a bucket")
	}
	if c.Loader.Concurrency < 0 || c.Loader.CacheSize < 0 {
		return errors.InvalidInput("loader.concurrency and loader.cache_size must not be negative")
	}
	if c.Loader.RetryBackoff < 0 {
		return errors.InvalidInput("loader.retry_backoff must not be negative")
	}
	if err := bus.ValidateSubject(c.Bus.Subject); err != nil {
		return errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "bus.subject")
	}
	if c.Bus.DiagSubject != "" {
		if err := bus.ValidateSubject(c.Bus.DiagSubject); err != nil {
			return errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "bus.diag_subject")
		}
	}
	return nil
}

// LoaderS3 converts the S3 section for loader.NewS3Source.
func (c LoaderConfig) LoaderS3() loader.S3Config {
	return loader.S3Config{
		Endpoint:  c.S3.Endpoint,
		Region:    c.S3.Region,
		AccessKey: c.S3.AccessKey,
		SecretKey: c.S3.SecretKey,
		Bucket:    c.S3.Bucket,
		Prefix:    c.S3.Prefix,
		UseSSL:    c.S3.UseSSL,
	}
}

// Source builds the shard source selected by the section, or nil when none
// is configured.
func (c LoaderConfig) Source() (loader.Source, error) {
	switch {
	case c.Dir != "":
		return loader.NewDirSource(c.Dir), nil
	case c.S3.Bucket != "":
		src, err := loader.NewS3Source(c.LoaderS3())
		if err != nil {
			return nil, err
		}
		return src, nil
	}
	return nil, nil
}
