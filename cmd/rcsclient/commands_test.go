package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rcs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"user:\n  public_uri: \"sip:+33600000001@ims.example.com\"\n"+
			"network:\n  registrar: \"sip:ims.example.com\"\n  transport: tcp\n"), 0o600))

	out, err := execute(t, "validate", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "VALID: sip:+33600000001@ims.example.com via sip:ims.example.com (tcp)")

	_, err = execute(t, "validate", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "dev\n", out)
}

func TestSubscribe_RequiresURI(t *testing.T) {
	_, err := execute(t, "subscribe")
	assert.Error(t, err)
}
