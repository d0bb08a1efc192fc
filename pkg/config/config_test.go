package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_DefaultsWithFileSource(t *testing.T) {
	path := writeConfig(t, `
source:
  type: file
  file:
    path: /data/image.tif
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, "stderr", cfg.Logging.Output)
	assert.Equal(t, "file", cfg.Source.Type)
	assert.Equal(t, "/data/image.tif", cfg.Source.File.Path)
	assert.False(t, cfg.Cache.Enabled)
	assert.Zero(t, cfg.RateLimit.RequestsPerSecond)
}

func TestLoad_S3Source(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: debug
source:
  type: s3
  s3:
    bucket: imagery
    key: scenes/scene1.tif
    endpoint: http://localhost:9000
    use_path_style: true
cache:
  enabled: true
  max_entry_size: 65536
rate_limit:
  requests_per_second: 50
  burst: 10
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	// log level is normalized to uppercase
	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.Equal(t, "imagery", cfg.Source.S3.Bucket)
	assert.Equal(t, "scenes/scene1.tif", cfg.Source.S3.Key)
	assert.Equal(t, "us-east-1", cfg.Source.S3.Region)
	assert.True(t, cfg.Source.S3.UsePathStyle)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, uint64(65536), cfg.Cache.MaxEntrySize)
	assert.Equal(t, uint(50), cfg.RateLimit.RequestsPerSecond)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	// no config file anywhere: defaults apply, but the default file source
	// has no path, which validation rejects
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	_, err := Load("")
	assert.Error(t, err)
}

func TestLoad_EnvironmentOverride(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: info
source:
  type: file
  file:
    path: /data/image.tif
`)
	t.Setenv("LAZYTIFF_LOGGING_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "WARN", cfg.Logging.Level)
}

func TestValidate_Rules(t *testing.T) {
	base := func() *Config {
		var cfg Config
		ApplyDefaults(&cfg)
		cfg.Source.File.Path = "/data/image.tif"
		return &cfg
	}

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, Validate(base()))
	})

	t.Run("unknown source type", func(t *testing.T) {
		cfg := base()
		cfg.Source.Type = "ftp"
		assert.Error(t, Validate(cfg))
	})

	t.Run("file source without path", func(t *testing.T) {
		cfg := base()
		cfg.Source.File.Path = ""
		assert.Error(t, Validate(cfg))
	})

	t.Run("s3 source without bucket", func(t *testing.T) {
		cfg := base()
		cfg.Source.Type = "s3"
		cfg.Source.S3.Key = "k"
		assert.Error(t, Validate(cfg))
	})

	t.Run("s3 credentials must pair", func(t *testing.T) {
		cfg := base()
		cfg.Source.Type = "s3"
		cfg.Source.S3.Bucket = "b"
		cfg.Source.S3.Key = "k"
		cfg.Source.S3.AccessKey = "AKIA"
		assert.Error(t, Validate(cfg))
	})

	t.Run("burst without rate", func(t *testing.T) {
		cfg := base()
		cfg.RateLimit.Burst = 5
		assert.Error(t, Validate(cfg))
	})

	t.Run("bad log level", func(t *testing.T) {
		cfg := base()
		cfg.Logging.Level = "VERBOSE"
		assert.Error(t, Validate(cfg))
	})
}

func TestInitConfig(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	path, err := InitConfig(false)
	require.NoError(t, err)
	assert.FileExists(t, path)

	// a second init refuses to clobber, force overwrites
	_, err = InitConfig(false)
	assert.Error(t, err)
	_, err = InitConfig(true)
	assert.NoError(t, err)
}
