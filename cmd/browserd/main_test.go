package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Equal(t, Version+"\n", out.String())
}

func TestServeRejectsInvalidConfig(t *testing.T) {
	file := filepath.Join(t.TempDir(), "browserd.yaml")
	require.NoError(t, os.WriteFile(file, []byte("limits:\n  max_sessions: -1\n"), 0o600))

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"serve", "--config", file})
	assert.Error(t, root.Execute())
}
