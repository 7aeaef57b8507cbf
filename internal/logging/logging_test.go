package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitInstallsDefault(t *testing.T) {
	t.Cleanup(func() { defaultLogger = nil })
	assert.Equal(t, logrus.StandardLogger(), L())

	path := filepath.Join(t.TempDir(), "logs", "beacon.log")
	l, err := Init(Config{Level: "debug", File: path})
	require.NoError(t, err)
	defer l.Close()

	assert.Equal(t, l, L())
	assert.Equal(t, logrus.DebugLevel, l.GetLevel())

	L().WithField("component", "test").Info("hello")
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "component=test")
}

func TestParseLevelFallsBack(t *testing.T) {
	assert.Equal(t, logrus.InfoLevel, ParseLevel("loud"))
	assert.Equal(t, logrus.WarnLevel, ParseLevel("warn"))
}

func TestDiscardWritesNothing(t *testing.T) {
	l, ok := Discard().(*logrus.Logger)
	require.True(t, ok)
	assert.NotPanics(t, func() { l.Error("dropped") })
}
