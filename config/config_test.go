package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tkerrors "github.com/vinayprograms/traitkit/errors"
	"github.com/vinayprograms/traitkit/loader"
)

func writeFile(t *testing.T, name, content string, mode os.FileMode) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), mode))
	return p
}

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, ":8090", cfg.Server.Addr)
	assert.Equal(t, "/ws", cfg.Server.Path)
	assert.Equal(t, 8, cfg.Loader.Concurrency)
	assert.Equal(t, 2, cfg.Loader.MaxRetries)
	assert.Equal(t, "traitkit.shards", cfg.Bus.Subject)
	assert.True(t, cfg.Server.RateLimit().Enabled())
	assert.NoError(t, cfg.Validate())
}

func TestStandardPaths(t *testing.T) {
	paths := StandardPaths()
	require.GreaterOrEqual(t, len(paths), 3)
	assert.Equal(t, "traitkit.toml", paths[0])
}

func TestLoadFile_TOML(t *testing.T) {
	p := writeFile(t, "traitkit.toml", `
[server]
addr = ":9000"
origins = ["https://docs.example.org"]
call_timeout = "2s"

[loader]
dir = "/srv/docs/implementors"
concurrency = 4
max_retries = 5
retry_backoff = "50ms"

[bus]
url = "nats://localhost:4222"

[log]
level = "debug"
`, 0644)

	cfg, err := LoadFile(p)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, []string{"https://docs.example.org"}, cfg.Server.Origins)
	assert.Equal(t, 2*time.Second, cfg.Server.CallTimeout)
	assert.Equal(t, "/srv/docs/implementors", cfg.Loader.Dir)
	assert.Equal(t, 4, cfg.Loader.Concurrency)
	assert.Equal(t, 5, cfg.Loader.MaxRetries)
	assert.Equal(t, 50*time.Millisecond, cfg.Loader.RetryBackoff)
	assert.Equal(t, "nats://localhost:4222", cfg.Bus.URL)
	assert.Equal(t, "debug", cfg.Log.Level)

	// Unset keys keep their defaults.
	assert.Equal(t, "/ws", cfg.Server.Path)
	assert.Equal(t, 1024, cfg.Loader.CacheSize)
}

func TestLoadFile_YAML(t *testing.T) {
	p := writeFile(t, "traitkit.yaml", `
server:
  addr: ":9100"
  shutdown_timeout: 5s
loader:
  s3:
    endpoint: minio:9000
    bucket: rustdoc
    prefix: implementors
    use_ssl: false
diag:
  file: /var/log/traitkit/diag.jsonl
`, 0644)

	cfg, err := LoadFile(p)
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.Server.Addr)
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "rustdoc", cfg.Loader.S3.Bucket)
	assert.False(t, cfg.Loader.S3.UseSSL)
	assert.Equal(t, "us-east-1", cfg.Loader.S3.Region)
	assert.Equal(t, "/var/log/traitkit/diag.jsonl", cfg.Diag.File)

	s3 := cfg.Loader.LoaderS3()
	assert.Equal(t, loader.S3Config{
		Endpoint: "minio:9000",
		Region:   "us-east-1",
		Bucket:   "rustdoc",
		Prefix:   "implementors",
	}, s3)
}

func TestLoadFile_Errors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.toml"))
	assert.True(t, tkerrors.Is(err, tkerrors.ErrCodeNotFound), "got %v", err)

	_, err = LoadFile(writeFile(t, "traitkit.ini", "addr=1", 0644))
	assert.True(t, tkerrors.Is(err, tkerrors.ErrCodeInvalidInput), "got %v", err)

	_, err = LoadFile(writeFile(t, "bad.toml", "[server\naddr=", 0644))
	assert.True(t, tkerrors.Is(err, tkerrors.ErrCodeInvalidInput), "got %v", err)

	_, err = LoadFile(writeFile(t, "bad.yaml", "server: [", 0644))
	assert.True(t, tkerrors.Is(err, tkerrors.ErrCodeInvalidInput), "got %v", err)
}

func TestLoadFile_SecretPermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not enforced on windows")
	}
	content := `
[loader.s3]
endpoint = "minio:9000"
bucket = "rustdoc"
secret_key = "shh"
`
	_, err := LoadFile(writeFile(t, "open.toml", content, 0644))
	assert.True(t, errors.Is(err, ErrInsecurePermissions), "got %v", err)

	cfg, err := LoadFile(writeFile(t, "closed.toml", content, 0600))
	require.NoError(t, err)
	assert.Equal(t, "shh", cfg.Loader.S3.SecretKey)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	cfg.ApplyEnv(env(map[string]string{
		"TRAITKIT_ADDR":               ":7000",
		"TRAITKIT_LOADER_DIR":         "/docs",
		"TRAITKIT_LOADER_CONCURRENCY": "3",
		"TRAITKIT_LOADER_CACHE_SIZE":  "not-a-number",
		"TRAITKIT_S3_USE_SSL":         "false",
		"TRAITKIT_NATS_URL":           "nats://bus:4222",
		"TRAITKIT_LOG_LEVEL":          "warn",
		"TRAITKIT_SUBMIT_LIMIT":       "0",
		"PORT":                        "8080",
	}))

	assert.Equal(t, ":7000", cfg.Server.Addr, "TRAITKIT_ADDR wins over PORT")
	assert.Equal(t, "/docs", cfg.Loader.Dir)
	assert.Equal(t, 3, cfg.Loader.Concurrency)
	assert.Equal(t, 1024, cfg.Loader.CacheSize)
	assert.False(t, cfg.Loader.S3.UseSSL)
	assert.Equal(t, "nats://bus:4222", cfg.Bus.URL)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.False(t, cfg.Server.RateLimit().Enabled())

	cfg = Default()
	cfg.ApplyEnv(env(map[string]string{"PORT": "8080"}))
	assert.Equal(t, ":8080", cfg.Server.Addr)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty addr", func(c *Config) { c.Server.Addr = "" }},
		{"relative path", func(c *Config) { c.Server.Path = "ws" }},
		{"two sources", func(c *Config) { c.Loader.Dir = "/docs"; c.Loader.S3.Bucket = "b"; c.Loader.S3.Endpoint = "e" }},
		{"bucket without endpoint", func(c *Config) { c.Loader.S3.Bucket = "b" }},
		{"limit without window", func(c *Config) { c.Server.SubmitWindow = 0 }},
		{"negative concurrency", func(c *Config) { c.Loader.Concurrency = -1 }},
		{"negative backoff", func(c *Config) { c.Loader.RetryBackoff = -time.Second }},
		{"bad subject", func(c *Config) { c.Bus.Subject = "traitkit..shards" }},
		{"bad diag subject", func(c *Config) { c.Bus.DiagSubject = "a b" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			assert.True(t, tkerrors.Is(err, tkerrors.ErrCodeInvalidInput), "got %v", err)
		})
	}
}

func TestLoad(t *testing.T) {
	p := writeFile(t, "traitkit.toml", "[server]\naddr = \":9000\"\n", 0644)
	t.Setenv("TRAITKIT_LOG_LEVEL", "error")

	cfg, used, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, p, used)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "error", cfg.Log.Level)

	t.Setenv("TRAITKIT_BUS_SUBJECT", "bad subject")
	_, _, err = Load(p)
	assert.Error(t, err)
}

func TestLoaderSource(t *testing.T) {
	src, err := LoaderConfig{}.Source()
	require.NoError(t, err)
	assert.Nil(t, src)

	src, err = LoaderConfig{Dir: t.TempDir()}.Source()
	require.NoError(t, err)
	assert.IsType(t, &loader.DirSource{}, src)

	_, err = LoaderConfig{S3: S3Config{Bucket: "b"}}.Source()
	assert.Error(t, err)
}
