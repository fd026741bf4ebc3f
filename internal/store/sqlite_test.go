package store_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ideanote/ideabot/internal/store"
	"github.com/ideanote/ideabot/internal/store/storetest"
)

func newSQLite(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "ideabot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestSQLiteStore(t *testing.T) {
	storetest.Run(t, newSQLite)
}

func TestSQLiteStore_MigrateIsIdempotent(t *testing.T) {
	s := newSQLite(t)
	assert.NoError(t, s.Migrate(context.Background()))
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := store.Open(context.Background(), "mongo", "")
	assert.Error(t, err)
}

func TestParseCategory(t *testing.T) {
	c, ok := store.ParseCategory(" personal ")
	assert.True(t, ok)
	assert.Equal(t, store.CategoryPersonal, c)

	_, ok = store.ParseCategory("gardening")
	assert.False(t, ok)
}
