package blob

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStore_RoundTrip(t *testing.T) {
	store, err := NewLocalStore(t.TempDir(), "")
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "snapshots/a.png", []byte("png-bytes"), "image/png"))

	path := filepath.Join(store.Dir(), "snapshots", "a.png")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), data)

	assert.True(t, strings.HasPrefix(store.URL("snapshots/a.png"), "file://"))
	assert.True(t, strings.HasSuffix(store.URL("snapshots/a.png"), "/snapshots/a.png"))

	require.NoError(t, store.Delete(ctx, "snapshots/a.png"))
	require.NoError(t, store.Delete(ctx, "snapshots/a.png"), "deleting twice is fine")

	assert.NoFileExists(t, path)

	// No temp files left behind
	entries, err := os.ReadDir(filepath.Join(store.Dir(), "snapshots"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLocalStore_URLWithBase(t *testing.T) {
	store, err := NewLocalStore(t.TempDir(), "https://cdn.example.com/canvas/")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/canvas/snapshots/x_thumb.png", store.URL("snapshots/x_thumb.png"))
}

func TestLocalStore_RejectsEscapingKeys(t *testing.T) {
	store, err := NewLocalStore(t.TempDir(), "")
	require.NoError(t, err)
	ctx := context.Background()

	for _, key := range []string{"", "../outside.png", "a/../../outside.png", "/etc/passwd", ".."} {
		err := store.Put(ctx, key, []byte("x"), "")
		assert.ErrorIs(t, err, ErrInvalidKey, key)
	}
}
