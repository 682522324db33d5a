package cache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"
)

func TestSourceDefinitionsRoundTrip(t *testing.T) {
	root := t.TempDir()
	cacheFile := filepath.Join(root, "cache", "definitions.json")
	require.NoError(t, os.WriteFile(filepath.Join(root, "storage.c"), []byte("int storage_init(void) {}\n"), 0o644))

	defs := NewSourceDefinitions(log.NewNopLogger(), root, cacheFile)
	_, ok := defs.Get("storage_init")
	require.False(t, ok)

	defs.Add("storage_init", "storage.c:1")
	def, ok := defs.Get("storage_init")
	require.True(t, ok)
	require.Equal(t, "storage.c:1", def)
	require.False(t, defs.IsInvalidated("storage_init"))
	require.NoError(t, defs.Close())

	// A fresh instance reads everything back from the file.
	reloaded := NewSourceDefinitions(log.NewNopLogger(), root, cacheFile)
	require.Equal(t, 1, reloaded.Len())
	def, ok = reloaded.Get("storage_init")
	require.True(t, ok)
	require.Equal(t, "storage.c:1", def)
	require.False(t, reloaded.IsInvalidated("storage_init"))
}

func TestSourceDefinitionsInvalidation(t *testing.T) {
	root := t.TempDir()
	source := filepath.Join(root, "storage.c")
	require.NoError(t, os.WriteFile(source, []byte("int storage_init(void) {}\n"), 0o644))

	defs := NewSourceDefinitions(log.NewNopLogger(), root, "")
	defs.Add("storage_init", "storage.c:1")
	require.False(t, defs.IsInvalidated("storage_init"))

	// Any edit in the file invalidates the definition, even on other lines.
	require.NoError(t, os.WriteFile(source, []byte("// comment\nint storage_init(void) {}\n"), 0o644))
	require.True(t, defs.IsInvalidated("storage_init"))
}

func TestSourceDefinitionsNegativeResult(t *testing.T) {
	defs := NewSourceDefinitions(log.NewNopLogger(), t.TempDir(), "")

	// An empty definition is a cached miss; it has no file to fingerprint
	// and never invalidates.
	defs.Add("unknown_symbol", "")
	def, ok := defs.Get("unknown_symbol")
	require.True(t, ok)
	require.Equal(t, "", def)
	require.False(t, defs.IsInvalidated("unknown_symbol"))
}

func TestSourceDefinitionsUnknownSymbol(t *testing.T) {
	defs := NewSourceDefinitions(log.NewNopLogger(), t.TempDir(), "")
	require.False(t, defs.IsInvalidated("never_seen"))
}

func TestSourceDefinitionsCorruptFile(t *testing.T) {
	root := t.TempDir()
	cacheFile := filepath.Join(root, "definitions.json")
	require.NoError(t, os.WriteFile(cacheFile, []byte("{not json"), 0o644))

	defs := NewSourceDefinitions(log.NewNopLogger(), root, cacheFile)
	require.Equal(t, 0, defs.Len())
}

func TestBoolMemo(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "memo.json")

	memo := NewBoolMemo(log.NewNopLogger(), path)
	calls := 0
	compute := func() bool {
		calls++
		return true
	}
	require.True(t, memo.Do("storage.c:1", compute))
	require.True(t, memo.Do("storage.c:1", compute))
	require.Equal(t, 1, calls)
	require.NoError(t, memo.Close())

	// Persisted answers are never recomputed.
	reloaded := NewBoolMemo(log.NewNopLogger(), path)
	require.True(t, reloaded.Do("storage.c:1", func() bool {
		t.Fatal("should not recompute")
		return false
	}))
}
