package indexer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legal-rag/backend/internal/embedding"
)

func TestWatcherIndexesEachContentOnce(t *testing.T) {
	dir := t.TempDir()
	ix, cat, _ := setup(t, embedding.NewHashing(dim))

	w := NewWatcher(ix, dir)
	w.settle = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// fsnotify needs the watch registered before files appear.
	time.Sleep(100 * time.Millisecond)

	content := []byte(lease(2))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ihtar.txt"), content, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ihtar-kopya.txt"), content, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "not.png"), []byte("x"), 0o644))

	require.Eventually(t, func() bool {
		docs, _ := cat.Documents(context.Background())
		return len(docs) == 1
	}, 3*time.Second, 20*time.Millisecond)

	// give any duplicate a chance to land
	time.Sleep(150 * time.Millisecond)
	docs, err := cat.Documents(context.Background())
	require.NoError(t, err)
	assert.Len(t, docs, 1)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatcherSkipsMarkedContent(t *testing.T) {
	dir := t.TempDir()
	ix, cat, _ := setup(t, embedding.NewHashing(dim))
	w := NewWatcher(ix, dir)

	content := []byte(lease(1))
	w.MarkIndexed(content)

	path := filepath.Join(dir, "seed.txt")
	require.NoError(t, os.WriteFile(path, content, 0o644))
	w.handle(context.Background(), path)

	docs, err := cat.Documents(context.Background())
	require.NoError(t, err)
	assert.Empty(t, docs)
}
