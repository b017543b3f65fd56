package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePolicy(t *testing.T, path, version string) {
	t.Helper()
	body := strings.Replace(samplePolicy, `"2026-10-01"`, `"`+version+`"`, 1)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestWatcherReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	writePolicy(t, path, "v1")

	p, err := LoadFile(path)
	require.NoError(t, err)
	v := NewValidator(p)

	var events []ReloadEvent
	w := NewWatcher(path, v, nil, nil, func(_ context.Context, ev ReloadEvent) { events = append(events, ev) })

	writePolicy(t, path, "v2")
	ev := w.Reload(context.Background())
	require.NoError(t, ev.Err)
	assert.Equal(t, "v1", ev.PreviousVersion)
	assert.Equal(t, "v2", v.Policy().Version())

	require.NoError(t, os.WriteFile(path, []byte("version: [broken"), 0o600))
	ev = w.Reload(context.Background())
	assert.Error(t, ev.Err)
	assert.Equal(t, "v2", v.Policy().Version(), "invalid file keeps the current snapshot")

	assert.Len(t, events, 2)
}

func TestWatcherRunPicksUpChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	writePolicy(t, path, "v1")

	p, err := LoadFile(path)
	require.NoError(t, err)
	v := NewValidator(p)

	var mu sync.Mutex
	var versions []string
	w := NewWatcher(path, v, nil, nil, func(_ context.Context, ev ReloadEvent) {
		mu.Lock()
		defer mu.Unlock()
		versions = append(versions, ev.Version)
	})
	w.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	writePolicy(t, path, "v2")
	// Unrelated files in the same directory are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x"), 0o600))

	assert.Eventually(t, func() bool { return v.Policy().Version() == "v2" }, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, versions, "v2")
}

func TestValidatorSwap(t *testing.T) {
	p1, err := Parse([]byte(samplePolicy))
	require.NoError(t, err)
	p2, err := Compile(DefaultConfig())
	require.NoError(t, err)

	v := NewValidator(p1)
	assert.Same(t, p1, v.Swap(p2))
	assert.Same(t, p2, v.Policy())

	d := v.Authorize(AccessContext{Role: RoleResearcher, Purpose: PurposeResearch}, ResourceDescriptor{Type: "patient"}, []string{"name"}, ActionRead)
	assert.Equal(t, "builtin-1", d.PolicyVersion)
}
