package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tatchi/internal/keymanager"
	"tatchi/internal/store"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cfgFile = ""

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
	assert.Contains(t, out, "vrfworker dev")
}

func TestAccounts(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TATCHI_HOME", dir)

	out, err := run(t, "accounts", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No accounts stored.")

	st, err := store.Open(filepath.Join(dir, "accounts.db"))
	require.NoError(t, err)
	require.NoError(t, st.PutEncryptedKeypair("alice.test", "pkA",
		&keymanager.EncryptedVrfKeypair{Ciphertext: "Y3Q", Nonce: "bm9uY2U"}))
	require.NoError(t, st.Close())

	out, err = run(t, "accounts", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "alice.test")
	assert.Contains(t, out, "pkA")

	out, err = run(t, "accounts", "delete", "alice.test")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted alice.test")

	out, err = run(t, "accounts", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No accounts stored.")

	_, err = run(t, "accounts", "delete")
	assert.Error(t, err)
}
