package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func setupTestStore(t *testing.T) *AccountStore {
	t.Helper()
	db, err := Open(context.Background(), zaptest.NewLogger(t), Config{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := NewAccountStore(db)
	store.now = func() time.Time { return time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC) }
	return store
}

func TestOpen(t *testing.T) {
	t.Run("Unsupported", func(t *testing.T) {
		db, err := Open(context.Background(), zaptest.NewLogger(t), Config{Driver: "mysql", DSN: "x"})
		assert.Error(t, err)
		assert.Nil(t, db)
	})

	t.Run("MissingDSN", func(t *testing.T) {
		_, err := Open(context.Background(), zaptest.NewLogger(t), Config{Driver: "sqlite3"})
		assert.Error(t, err)
	})

	t.Run("SQLite", func(t *testing.T) {
		db, err := Open(context.Background(), zaptest.NewLogger(t), Config{Driver: "sqlite", DSN: ":memory:"})
		require.NoError(t, err)
		assert.Equal(t, "sqlite3", db.Driver())
		assert.NoError(t, db.Ping(context.Background()))
		assert.NoError(t, db.Close())
	})
}

func TestDB_Rebind(t *testing.T) {
	pg := &DB{driver: "postgres"}
	assert.Equal(t, "UPDATE a SET x = $1 WHERE y = $2", pg.rebind("UPDATE a SET x = ? WHERE y = ?"))

	lite := &DB{driver: "sqlite3"}
	assert.Equal(t, "SELECT ? FROM a", lite.rebind("SELECT ? FROM a"))
}

func TestAccountStore_CreateAndGet(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateAccount(ctx, "alice", "$2a$10$hash"))
	assert.ErrorIs(t, store.CreateAccount(ctx, "alice", "$2a$10$other"), ErrAccountExists)
	assert.Error(t, store.CreateAccount(ctx, "", "hash"))

	a, err := store.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", a.Identity)
	assert.Equal(t, "$2a$10$hash", a.PasswordHash)
	assert.Zero(t, a.FailedLoginCount)
	assert.True(t, a.LockedUntil.IsZero())
	assert.False(t, a.Banned)
	assert.Equal(t, store.now(), a.CreatedAt)

	_, err = store.GetAccount(ctx, "nobody")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestAccountStore_LoginFields(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateAccount(ctx, "bob", "hash"))

	for i := 0; i < 3; i++ {
		require.NoError(t, store.RecordLoginFailure(ctx, "bob"))
	}
	a, err := store.GetAccount(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 3, a.FailedLoginCount)

	until := store.now().Add(30 * time.Minute)
	require.NoError(t, store.LockAccount(ctx, "bob", until))
	a, err = store.GetAccount(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, until, a.LockedUntil)
	assert.True(t, a.Locked(store.now()))
	assert.False(t, a.Locked(until))

	require.NoError(t, store.ResetLoginFailures(ctx, "bob"))
	a, _ = store.GetAccount(ctx, "bob")
	assert.Zero(t, a.FailedLoginCount)
	assert.True(t, a.Locked(store.now()))

	require.NoError(t, store.RecordLoginFailure(ctx, "bob"))
	require.NoError(t, store.UnlockAccount(ctx, "bob"))
	a, _ = store.GetAccount(ctx, "bob")
	assert.Zero(t, a.FailedLoginCount)
	assert.False(t, a.Locked(store.now()))

	// updates for unknown identities are silent
	assert.NoError(t, store.RecordLoginFailure(ctx, "ghost"))
	assert.NoError(t, store.LockAccount(ctx, "ghost", until))
}

func TestAccountStore_BanAndPassword(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateAccount(ctx, "carol", "old"))

	require.NoError(t, store.SetBanned(ctx, "carol", true))
	a, _ := store.GetAccount(ctx, "carol")
	assert.True(t, a.Banned)

	require.NoError(t, store.SetBanned(ctx, "carol", false))
	a, _ = store.GetAccount(ctx, "carol")
	assert.False(t, a.Banned)

	require.NoError(t, store.SetPasswordHash(ctx, "carol", "new"))
	a, _ = store.GetAccount(ctx, "carol")
	assert.Equal(t, "new", a.PasswordHash)

	assert.ErrorIs(t, store.SetBanned(ctx, "ghost", true), ErrAccountNotFound)
	assert.ErrorIs(t, store.SetPasswordHash(ctx, "ghost", "x"), ErrAccountNotFound)
}

func TestAccountStore_ListAccounts(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"zed", "amy", "kim"} {
		require.NoError(t, store.CreateAccount(ctx, id, "hash"))
	}
	accounts, err := store.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 3)
	assert.Equal(t, "amy", accounts[0].Identity)
	assert.Equal(t, "zed", accounts[2].Identity)
}
