package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValidOnceJIDSet(t *testing.T) {
	cfg := DefaultConfig()
	assert.Error(t, cfg.Validate(), "missing jid must be rejected")

	cfg.Account.JID = "alice@example.com"
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 90*time.Second, cfg.Keepalive.MinInterval.Duration)
	assert.Equal(t, 30*time.Minute, cfg.Keepalive.MaxInterval.Duration)
	assert.Equal(t, 500*time.Millisecond, cfg.Connection.JoinTimeout.Duration)
	assert.Equal(t, 3, cfg.Connection.AuthFailureLimit)
	assert.Equal(t, 10, cfg.Connection.ReconnectFailureLimit)
}

func TestValidateRejectsInvertedBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Account.JID = "alice@example.com"
	cfg.Keepalive.MinInterval = D(time.Hour)

	assert.Error(t, cfg.Validate())
}

func TestLoadFileTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	data := `
[account]
jid = "bob@example.org"
password = "secret"

[keepalive]
min_interval = "2m"
default_interval = "10m"

[idle]
inactive_delay = "45s"
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "bob@example.org", cfg.Account.JID)
	assert.Equal(t, 2*time.Minute, cfg.Keepalive.MinInterval.Duration)
	assert.Equal(t, 10*time.Minute, cfg.Keepalive.DefaultInterval.Duration)
	assert.Equal(t, 45*time.Second, cfg.Idle.InactiveDelay.Duration)
	// untouched values keep their defaults
	assert.Equal(t, 30*time.Minute, cfg.Keepalive.MaxInterval.Duration)
	assert.Equal(t, 5222, cfg.Account.Port)
}

func TestLoadFileYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
account:
  jid: carol@example.net
connection:
  auth_failure_limit: 5
keepalive:
  slow_probe_timeout: 12s
upload:
  backend: s3
  bucket: media
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "carol@example.net", cfg.Account.JID)
	assert.Equal(t, 5, cfg.Connection.AuthFailureLimit)
	assert.Equal(t, 12*time.Second, cfg.Keepalive.SlowProbe.Duration)
	assert.Equal(t, "s3", cfg.Upload.Backend)
	require.NoError(t, cfg.Validate())
}

func TestSaveRoundTripsDurations(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg := DefaultConfig()
	cfg.Account.JID = "dave@example.com"
	cfg.Idle.IdleTimeout = D(15 * time.Minute)
	require.NoError(t, Save(cfg, path))

	loaded, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, loaded.Idle.IdleTimeout.Duration)
	assert.Equal(t, cfg.Keepalive, loaded.Keepalive)
}
