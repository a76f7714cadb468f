package redeploy

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/require"

	"github.com/Sh00ty/flowdeploy/internal/models"
)

func TestWatcherPublishesOnContentChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deploy.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"v":1}`), 0o644))

	out := make(chan models.AbnormalEvent, 4)
	w, err := NewWatcher("node-1", Config{Path: path, Debounce: 50 * time.Millisecond}, out)
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// same bytes
	require.NoError(t, os.WriteFile(path, []byte(`{"v":1}`), 0o644))
	select {
	case event := <-out:
		t.Fatalf("unexpected event %+v", event)
	case <-time.After(300 * time.Millisecond):
	}

	// several writes inside one debounce window give one event
	require.NoError(t, os.WriteFile(path, []byte(`{"v":2`), 0o644))
	require.NoError(t, os.WriteFile(path, []byte(`{"v":2}`), 0o644))
	select {
	case event := <-out:
		require.Equal(t, models.RedeployRequested, event.Type)
		require.Equal(t, models.NodeID("node-1"), event.NodeID)
		require.Equal(t, strconv.FormatUint(xxhash.Sum64([]byte(`{"v":2}`)), 16), event.Detail)
	case <-time.After(3 * time.Second):
		t.Fatal("content change was not published")
	}
	select {
	case event := <-out:
		t.Fatalf("unexpected second event %+v", event)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcherToleratesMissingFile(t *testing.T) {
	dir := t.TempDir()
	out := make(chan models.AbnormalEvent, 1)
	w, err := NewWatcher("node-1", Config{Path: filepath.Join(dir, "later.json")}, out)
	require.NoError(t, err)
	require.Zero(t, w.digest)
	require.Equal(t, defaultDebounce, w.debounce)
	require.NoError(t, w.Close())
}
