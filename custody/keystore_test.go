package custody

import (
	"path/filepath"
	"testing"

	"github.com/dhenz14/hivepoa/crypto"
	"github.com/stretchr/testify/require"
)

func TestSaveUnlockRoundTrip(t *testing.T) {
	priv, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "keystore.json")
	require.NoError(t, Save(path, "correct horse", priv))
	require.True(t, Exists(path))

	got, err := Unlock(path, "correct horse")
	require.NoError(t, err)
	require.Equal(t, priv, got)
}

func TestUnlockWrongPassword(t *testing.T) {
	priv, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "keystore.json")
	require.NoError(t, Save(path, "correct horse", priv))

	_, err = Unlock(path, "wrong password")
	require.ErrorIs(t, err, ErrWrongPassword)
}

func TestExistsFalseForMissingFile(t *testing.T) {
	require.False(t, Exists(filepath.Join(t.TempDir(), "nope.json")))
}
