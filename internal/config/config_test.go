package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "livesync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "0.0.0.0:4001", cfg.WSAddr())
	assert.Equal(t, "0.0.0.0:4000", cfg.HTTPAddr())
	assert.Equal(t, 100*time.Millisecond, cfg.Debounce.Notify)
	assert.Equal(t, 10*time.Millisecond, cfg.Debounce.Batch)
	assert.Equal(t, 30*time.Second, cfg.Backoff.Max)
}

func TestLoad_MissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
host: 127.0.0.1
ws_port: 9001
database: /tmp/notes.db
debounce:
  notify: 250ms
backoff:
  max: 5s
session:
  jwt_secret: "0123456789abcdef0123"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9001", cfg.WSAddr())
	assert.Equal(t, 4000, cfg.HTTPPort, "unset fields keep defaults")
	assert.Equal(t, "/tmp/notes.db", cfg.Database)
	assert.Equal(t, 250*time.Millisecond, cfg.Debounce.Notify)
	assert.Equal(t, 10*time.Millisecond, cfg.Debounce.Batch)
	assert.Equal(t, 5*time.Second, cfg.Backoff.Max)
	assert.Equal(t, "0123456789abcdef0123", cfg.Session.JWTSecret)
}

func TestLoad_ParseError(t *testing.T) {
	path := writeConfig(t, "ws_port: [not, a, number]\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestValidate_ReportsEveryField(t *testing.T) {
	cfg := Default()
	cfg.Host = ""
	cfg.WSPort = 70000
	cfg.Debounce.Batch = 0
	cfg.Backoff.Max = time.Millisecond
	cfg.Session.JWTSecret = "short"

	err := cfg.Validate()
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	assert.Contains(t, verr.Fields, "host")
	assert.Contains(t, verr.Fields, "ws_port")
	assert.Contains(t, verr.Fields, "debounce.batch")
	assert.Contains(t, verr.Fields, "backoff.max")
	assert.Contains(t, verr.Fields, "session.jwt_secret")
	assert.NotContains(t, verr.Fields, "http_port")
	assert.Contains(t, err.Error(), "invalid config: ")
}

func TestValidate_PortsMustDiffer(t *testing.T) {
	cfg := Default()
	cfg.HTTPPort = cfg.WSPort

	var verr *ValidationError
	require.ErrorAs(t, cfg.Validate(), &verr)
	assert.Equal(t, "must differ from ws_port", verr.Fields["http_port"])
}

func TestLoad_InvalidFile(t *testing.T) {
	path := writeConfig(t, "http_port: 0\n")
	_, err := Load(path)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "http_port")
}
