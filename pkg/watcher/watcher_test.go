package watcher_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poltergeist/cmakectl/pkg/watcher"
)

func startWatcher(t *testing.T, root string, opts ...watcher.Option) <-chan []string {
	t.Helper()
	opts = append([]watcher.Option{watcher.WithDebounce(50 * time.Millisecond)}, opts...)
	w, err := watcher.New(root, []string{"CMakeLists.txt", "*.cmake"}, opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	batches := make(chan []string, 8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx, func(paths []string) { batches <- paths })
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		w.Close()
	})
	return batches
}

func write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func nextBatch(t *testing.T, batches <-chan []string) []string {
	t.Helper()
	select {
	case b := <-batches:
		return b
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for changes")
		return nil
	}
}

func TestWatcher_ReportsMatchingFiles(t *testing.T) {
	root := t.TempDir()
	write(t, filepath.Join(root, "CMakeLists.txt"), "project(x)\n")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "cmake"), 0o755))

	batches := startWatcher(t, root)

	write(t, filepath.Join(root, "main.cpp"), "int main() {}\n")
	write(t, filepath.Join(root, "CMakeLists.txt"), "project(y)\n")
	write(t, filepath.Join(root, "cmake", "Deps.cmake"), "# deps\n")

	got := map[string]bool{}
	for len(got) < 2 {
		for _, p := range nextBatch(t, batches) {
			got[p] = true
		}
	}
	assert.True(t, got["CMakeLists.txt"])
	assert.True(t, got["cmake/Deps.cmake"])
	assert.False(t, got["main.cpp"])
}

func TestWatcher_DebouncesBursts(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "CMakeLists.txt")
	write(t, path, "project(x)\n")

	batches := startWatcher(t, root)
	for i := 0; i < 5; i++ {
		write(t, path, "project(x)\n")
	}

	assert.Equal(t, []string{"CMakeLists.txt"}, nextBatch(t, batches))
}

func TestWatcher_SkipsExcludedDirectories(t *testing.T) {
	root := t.TempDir()
	build := filepath.Join(root, "build")
	require.NoError(t, os.MkdirAll(filepath.Join(build, "CMakeFiles"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".git"), 0o755))

	batches := startWatcher(t, root, watcher.WithExcludedDir(build))

	write(t, filepath.Join(build, "generated.cmake"), "# generated\n")
	write(t, filepath.Join(root, ".git", "hooks.cmake"), "# hook\n")
	write(t, filepath.Join(root, "CMakeLists.txt"), "project(x)\n")

	assert.Equal(t, []string{"CMakeLists.txt"}, nextBatch(t, batches))
}

func TestNew_RequiresDirectory(t *testing.T) {
	_, err := watcher.New(filepath.Join(t.TempDir(), "missing"), nil)
	assert.Error(t, err)
}
