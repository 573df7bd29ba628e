package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVersion(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())
	require.Equal(t, version+"\n", out.String())
}

func TestRun_MissingConfig(t *testing.T) {
	rootCmd.SetArgs([]string{"run", "--config", filepath.Join(t.TempDir(), "missing.yaml")})
	require.Error(t, rootCmd.Execute())
}
