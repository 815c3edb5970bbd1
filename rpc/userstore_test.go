package rpc

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *UserStore {
	t.Helper()
	store, err := NewUserStore(filepath.Join(t.TempDir(), "users.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCreateAndAuthenticate(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	user, err := store.Create(ctx, "Alice", "correct horse battery")
	require.NoError(t, err)
	require.Equal(t, "alice", user.Username, "usernames are case-folded")
	require.Equal(t, "user:"+user.ID, user.Wallet)

	got, err := store.Authenticate(ctx, "ALICE", "correct horse battery")
	require.NoError(t, err)
	require.Equal(t, user.ID, got.ID)

	_, err = store.Authenticate(ctx, "alice", "wrong password")
	require.ErrorIs(t, err, ErrBadCredentials)
	_, err = store.Authenticate(ctx, "nobody", "correct horse battery")
	require.ErrorIs(t, err, ErrBadCredentials)
}

func TestCreateRejectsDuplicatesAndWeakInput(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	_, err := store.Create(ctx, "alice", "correct horse battery")
	require.NoError(t, err)
	_, err = store.Create(ctx, "alice", "another password!")
	require.ErrorIs(t, err, ErrUsernameTaken)

	_, err = store.Create(ctx, "al", "correct horse battery")
	require.Error(t, err, "short usernames rejected")
	_, err = store.Create(ctx, "bob", "short")
	require.Error(t, err, "short passwords rejected")
}

func TestGetUser(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	user, err := store.Create(ctx, "alice", "correct horse battery")
	require.NoError(t, err)

	got, err := store.Get(ctx, user.ID)
	require.NoError(t, err)
	require.Equal(t, user.Username, got.Username)

	_, err = store.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrUserNotFound)
}

func TestAPIKeys(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	user, err := store.Create(ctx, "alice", "correct horse battery")
	require.NoError(t, err)

	plaintext, key, err := store.CreateAPIKey(ctx, user.ID)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(plaintext, "gmk_"))
	require.Equal(t, user.ID, key.UserID)

	got, err := store.AuthenticateKey(ctx, plaintext)
	require.NoError(t, err)
	require.Equal(t, user.ID, got.ID)

	_, err = store.AuthenticateKey(ctx, "gmk_not-a-key")
	require.ErrorIs(t, err, ErrBadCredentials)
	_, _, err = store.CreateAPIKey(ctx, "missing-user")
	require.ErrorIs(t, err, ErrUserNotFound)

	keys, err := store.ListAPIKeys(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, keys, 1)

	require.NoError(t, store.RevokeAPIKey(ctx, key.ID))
	_, err = store.AuthenticateKey(ctx, plaintext)
	require.ErrorIs(t, err, ErrBadCredentials)
	require.ErrorIs(t, store.RevokeAPIKey(ctx, key.ID), ErrAPIKeyNotFound)
}
