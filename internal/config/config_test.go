package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDecodesKnownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("no-replace: true\nverbose: true\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.True(t, cfg.NoReplace)
	require.True(t, cfg.Verbose)
	require.False(t, cfg.OneStep)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bogus: true\n"), 0644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestApplyDefaultsSkipsExplicitlySetFlags(t *testing.T) {
	cfg := &File{NoReplace: true, Verbose: true}
	dst := &Flags{NoReplace: false, Verbose: false}

	ApplyDefaults(dst, cfg, map[string]bool{"no-replace": true})

	require.False(t, dst.NoReplace, "explicitly-set flag must not be overridden by config")
	require.True(t, dst.Verbose, "unset flag should take the config file's value")
}
