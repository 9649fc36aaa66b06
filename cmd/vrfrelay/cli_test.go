package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tatchi/internal/relay"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cfgFile, keyOut, keyFile, retireID, force = "", "", "", "", false

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "vrfrelay dev")
}

func TestKeyLifecycle(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TATCHI_HOME", dir)
	path := filepath.Join(dir, "keys", "relay.json")

	out, err := run(t, "keygen", "--out", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Current key:")

	kf, err := relay.LoadKeyFile(path)
	require.NoError(t, err)
	first := kf.Current.ID
	assert.Empty(t, kf.Grace)

	_, err = run(t, "keygen", "--out", path)
	assert.ErrorContains(t, err, "already exists")

	_, err = run(t, "rotate", "--key-file", path)
	require.NoError(t, err)
	kf, err = relay.LoadKeyFile(path)
	require.NoError(t, err)
	require.Len(t, kf.Grace, 1)
	assert.Equal(t, first, kf.Grace[0].ID)
	assert.NotEqual(t, first, kf.Current.ID)

	_, err = run(t, "retire", "--key-file", path, "--id", kf.Current.ID)
	assert.ErrorContains(t, err, "current key")

	_, err = run(t, "retire", "--key-file", path, "--id", "missing")
	assert.Error(t, err)

	_, err = run(t, "retire", "--key-file", path, "--id", first)
	require.NoError(t, err)
	kf, err = relay.LoadKeyFile(path)
	require.NoError(t, err)
	assert.Empty(t, kf.Grace)

	// the default key file comes from the data directory
	_, err = run(t, "keygen")
	require.NoError(t, err)
	_, err = relay.LoadKeyFile(filepath.Join(dir, "relay-keys.json"))
	assert.NoError(t, err)
}
