package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_DebouncesChanges(t *testing.T) {
	root := t.TempDir()
	path := writeFile(t, root, "stanza.yaml", "host: a\n")

	cfg := &ProjectConfig{Root: root, Source: path}
	w := NewWatcher(cfg, zerolog.New(nil).Level(zerolog.Disabled))
	w.SetDebounce(100 * time.Millisecond)

	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Watch(ctx, func() { calls.Add(1) }))
	defer w.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte("host: b\n"), 0o644))
		time.Sleep(10 * time.Millisecond)
	}

	assert.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 20*time.Millisecond)
	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWatcher_NoChangeAfterClose(t *testing.T) {
	root := t.TempDir()
	path := writeFile(t, root, "stanza.yaml", "host: a\n")

	cfg := &ProjectConfig{Root: root, Source: path}
	w := NewWatcher(cfg, zerolog.New(nil).Level(zerolog.Disabled))
	w.SetDebounce(100 * time.Millisecond)

	var calls atomic.Int32
	require.NoError(t, w.Watch(context.Background(), func() { calls.Add(1) }))

	require.NoError(t, os.WriteFile(path, []byte("host: b\n"), 0o644))
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, w.Close())

	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load(), "a pending change is dropped on close")
}

func TestWatcher_IgnoresUnrelatedFiles(t *testing.T) {
	root := t.TempDir()
	path := writeFile(t, root, "stanza.yaml", "host: a\n")

	cfg := &ProjectConfig{Root: root, Source: path}
	w := NewWatcher(cfg, zerolog.New(nil).Level(zerolog.Disabled))
	w.SetDebounce(50 * time.Millisecond)

	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Watch(ctx, func() { calls.Add(1) }))
	defer w.Close()

	writeFile(t, root, "README.md", "hello")
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())

	writeFile(t, root, DotEnvFile, "SERVER_HOST=x\n")
	assert.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 20*time.Millisecond)
}

func TestWatcher_ConfigDirectory(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "config", "nested"), 0o755))

	cfg := &ProjectConfig{Root: root}
	w := NewWatcher(cfg, zerolog.New(nil).Level(zerolog.Disabled))
	w.SetDebounce(50 * time.Millisecond)

	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Watch(ctx, func() { calls.Add(1) }))
	defer w.Close()

	writeFile(t, root, "config/nested/values.json", "{}")
	assert.Eventually(t, func() bool { return calls.Load() >= 1 }, 2*time.Second, 20*time.Millisecond)
}
