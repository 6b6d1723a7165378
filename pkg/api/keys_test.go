package api

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssargent/skalddb/pkg/connector/memory"
	"github.com/ssargent/skalddb/pkg/engine"
)

func newKeyStore(t *testing.T) (*KeyStore, *engine.Database) {
	t.Helper()
	db, err := engine.Open(memory.New())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	ks, err := OpenKeyStore(db)
	require.NoError(t, err)
	return ks, db
}

func TestKeyStore(t *testing.T) {
	ks, db := newKeyStore(t)

	key, err := ks.Create("deploy", 0)
	require.NoError(t, err)
	id, secret, ok := strings.Cut(key.Token, ".")
	require.True(t, ok)
	assert.Equal(t, key.ID, id)
	assert.Len(t, secret, 64)

	valid, err := ks.Validate(key.Token)
	require.NoError(t, err)
	assert.True(t, valid)

	for _, token := range []string{"", key.ID, key.ID + ".", key.ID + ".wrong", "unknown." + secret} {
		valid, err := ks.Validate(token)
		require.NoError(t, err)
		assert.False(t, valid, token)
	}

	// Only the hash is stored.
	table, err := db.Table(keysTable)
	require.NoError(t, err)
	for row, err := range table.Scan() {
		require.NoError(t, err)
		assert.NotContains(t, string(row[1].Blob()), secret)
	}

	// Reopening the store binds to the existing table.
	again, err := OpenKeyStore(db)
	require.NoError(t, err)
	listed, err := again.List()
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "deploy", listed[0].Description)

	require.NoError(t, ks.Revoke(key.ID))
	valid, err = ks.Validate(key.Token)
	require.NoError(t, err)
	assert.False(t, valid)
	got, err := ks.Get(key.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)

	require.NoError(t, ks.Delete(key.ID))
	_, err = ks.Get(key.ID)
	assert.ErrorIs(t, err, engine.ErrNotFound)
	assert.ErrorIs(t, ks.Delete(key.ID), engine.ErrNotFound)
	assert.ErrorIs(t, ks.Revoke(key.ID), engine.ErrNotFound)
}

func TestKeyStoreExpiry(t *testing.T) {
	ks, _ := newKeyStore(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ks.now = func() time.Time { return now }

	key, err := ks.Create("temp", time.Hour)
	require.NoError(t, err)
	require.NotNil(t, key.ExpiresAt)
	assert.Equal(t, now.Add(time.Hour), *key.ExpiresAt)

	valid, err := ks.Validate(key.Token)
	require.NoError(t, err)
	assert.True(t, valid)

	now = now.Add(time.Hour)
	valid, err = ks.Validate(key.Token)
	require.NoError(t, err)
	assert.False(t, valid)
}
