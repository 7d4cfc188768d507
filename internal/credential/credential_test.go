package credential

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func TestKeyFromKeyring(t *testing.T) {
	keyring.MockInit()
	require.NoError(t, keyring.Set("semindex-test", "api-key", "secret-123"))

	src := New("semindex-test", "api-key")

	key, err := src.Key()
	require.NoError(t, err)
	assert.Equal(t, "secret-123", key)
}

func TestKeyIgnoresEnvironment(t *testing.T) {
	keyring.MockInit()
	require.NoError(t, keyring.Set("semindex-test", "api-key", "keyring-value"))
	t.Setenv("SEMINDEX_API_KEY", "env-value")

	src := New("semindex-test", "api-key")

	// Only the keyring is consulted; environment variables never carry
	// credentials.
	key, err := src.Key()
	require.NoError(t, err)
	assert.Equal(t, "keyring-value", key)
}

func TestKeyMissing(t *testing.T) {
	keyring.MockInit()

	src := New("semindex-test", "absent")

	_, err := src.Key()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestKeyResolvedOnce(t *testing.T) {
	keyring.MockInit()
	require.NoError(t, keyring.Set("semindex-test", "api-key", "first"))

	src := New("semindex-test", "api-key")

	key, err := src.Key()
	require.NoError(t, err)
	require.Equal(t, "first", key)

	// A later keyring change is not observed: the value is cached.
	require.NoError(t, keyring.Set("semindex-test", "api-key", "second"))

	key, err = src.Key()
	require.NoError(t, err)
	assert.Equal(t, "first", key)
}
