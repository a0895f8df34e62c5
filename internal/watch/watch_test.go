// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ManuGH/vaflow/internal/model"
	"github.com/ManuGH/vaflow/internal/pool"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mu       sync.Mutex
	next     int
	acquired []string
	released []string
}

func (r *recorder) AcquireSlot(_ context.Context, desc model.SourceDescriptor) (*pool.Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.acquired = append(r.acquired, desc.Locator)
	return &pool.Slot{ID: fmt.Sprint(r.next), Source: model.SourceID(fmt.Sprintf("src-%d", r.next)), Locator: desc.Locator}, nil
}

func (r *recorder) ReleaseSlot(_ context.Context, slot *pool.Slot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = append(r.released, slot.Locator)
	return nil
}

func (r *recorder) snapshot() ([]string, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.acquired...), append([]string(nil), r.released...)
}

func TestWatcherFollowsDirectory(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "existing.mp4")
	require.NoError(t, os.WriteFile(existing, []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden.mp4"), []byte("x"), 0o600))

	rec := &recorder{}
	w, err := New(Config{Dir: dir, Extensions: []string{".MP4", ".mkv"}, Debounce: 50 * time.Millisecond, AcquireRate: 1000}, rec, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	require.Eventually(t, func() bool { return len(w.Active()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{existing}, w.Active())

	added := filepath.Join(dir, "new.mkv")
	require.NoError(t, os.WriteFile(added, []byte("frames"), 0o600))
	require.Eventually(t, func() bool { return len(w.Active()) == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Remove(existing))
	require.Eventually(t, func() bool { return len(w.Active()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{added}, w.Active())

	acquired, released := rec.snapshot()
	require.Equal(t, []string{"file://" + existing, "file://" + added}, acquired)
	require.Equal(t, []string{"file://" + existing}, released)
}

func TestNewRequiresDir(t *testing.T) {
	_, err := New(Config{}, &recorder{}, zerolog.Nop())
	require.Error(t, err)
}

func TestRunFailsOnMissingDir(t *testing.T) {
	w, err := New(Config{Dir: filepath.Join(t.TempDir(), "missing")}, &recorder{}, zerolog.Nop())
	require.NoError(t, err)
	require.Error(t, w.Run(context.Background()))
}
