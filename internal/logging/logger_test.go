package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileCores(t *testing.T) {
	dir := t.TempDir()
	log, err := New(Options{Directory: dir, Level: "info"})
	require.NoError(t, err)

	log.Debug("hidden")
	log.Info("session started")
	log.Warn("store slow")
	require.NoError(t, log.Sync())

	all, err := os.ReadFile(filepath.Join(dir, "vision-trainer.log"))
	require.NoError(t, err)
	assert.Contains(t, string(all), `"message":"session started"`)
	assert.NotContains(t, string(all), "hidden")

	errs, err := os.ReadFile(filepath.Join(dir, "vision-trainer-error.log"))
	require.NoError(t, err)
	assert.Contains(t, string(errs), "store slow")
	assert.NotContains(t, string(errs), "session started")
}

func TestConsoleOnly(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(Options{Console: true, Stderr: &buf, Level: "debug"})
	require.NoError(t, err)
	log.Debug("tick")
	assert.True(t, strings.Contains(buf.String(), "tick"))
}

func TestBadLevel(t *testing.T) {
	_, err := New(Options{Level: "loud"})
	assert.Error(t, err)
}

func TestNoOutputIsNop(t *testing.T) {
	log, err := New(Options{})
	require.NoError(t, err)
	log.Info("nowhere")
}
