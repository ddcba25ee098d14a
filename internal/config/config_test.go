package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wnbd-go/wnbd/internal/logging"
)

func TestReloadAppliesLogLevel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wnbd.ini")
	require.NoError(t, os.WriteFile(path, []byte("[log]\nlevel = debug\n"), 0o644))

	s := New(path)
	s.Reload()
	require.Equal(t, logging.LevelDebug, s.Level())
}

func TestReloadMissingFileKeepsDefault(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "missing.ini"))
	s.Reload()
	require.Equal(t, logging.LevelInfo, s.Level())
}
