package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOperatorPrefsMissingFileYieldsZeroValues(t *testing.T) {
	p, err := LoadOperatorPrefs(t.TempDir())
	require.NoError(t, err)
	require.Empty(t, p.DefaultScanMode)
	require.Empty(t, p.Theme)
}

func TestOperatorPrefsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	want := &OperatorPrefs{DefaultScanMode: "short", Theme: "dark"}
	require.NoError(t, want.Save(dir))

	got, err := LoadOperatorPrefs(dir)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestOperatorPrefsMalformedFileErrors(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "operator.yaml"), []byte("default_scan_mode: [unclosed"), 0o644))

	_, err := LoadOperatorPrefs(dir)
	require.Error(t, err)
}
