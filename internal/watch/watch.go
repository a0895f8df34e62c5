// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package watch turns video files in a directory into pooled sources.
//
// A file becomes a source once no write has been seen for the debounce
// window; removing or renaming it away releases the slot.
package watch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	xglog "github.com/ManuGH/vaflow/internal/log"
	"github.com/ManuGH/vaflow/internal/model"
	"github.com/ManuGH/vaflow/internal/pool"
	"github.com/ManuGH/vaflow/internal/source"
)

// Slots is the pool surface the watcher needs.
type Slots interface {
	AcquireSlot(ctx context.Context, desc model.SourceDescriptor) (*pool.Slot, error)
	ReleaseSlot(ctx context.Context, slot *pool.Slot) error
}

// Config configures a Watcher.
type Config struct {
	Dir        string
	Extensions []string
	Debounce   time.Duration
	// AcquireRate bounds slot requests per second when many files land at
	// once. Zero means 10.
	AcquireRate float64
}

// Watcher maps files to slots.
type Watcher struct {
	cfg     Config
	slots   Slots
	logger  zerolog.Logger
	limiter *rate.Limiter

	mu      sync.Mutex
	pending map[string]time.Time
	active  map[string]*pool.Slot
}

// New validates cfg and builds a watcher. It does not touch the directory
// until Run. logger should already carry the component field.
func New(cfg Config, slots Slots, logger zerolog.Logger) (*Watcher, error) {
	if cfg.Dir == "" {
		return nil, errors.New("watch: directory is required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	if cfg.AcquireRate <= 0 {
		cfg.AcquireRate = 10
	}
	exts := make([]string, 0, len(cfg.Extensions))
	for _, e := range cfg.Extensions {
		exts = append(exts, strings.ToLower(e))
	}
	cfg.Extensions = exts
	return &Watcher{
		cfg:     cfg,
		slots:   slots,
		logger:  logger.With().Str(xglog.FieldPath, cfg.Dir).Logger(),
		limiter: rate.NewLimiter(rate.Limit(cfg.AcquireRate), 1),
		pending: map[string]time.Time{},
		active:  map[string]*pool.Slot{},
	}, nil
}

// Run watches until ctx ends. Slots stay leased on return; the pool owner
// releases them during shutdown.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify.NewWatcher: %w", err)
	}
	defer func() {
		_ = fw.Close()
	}()
	if err := fw.Add(w.cfg.Dir); err != nil {
		return fmt.Errorf("watch directory %s: %w", w.cfg.Dir, err)
	}

	if err := w.scan(); err != nil {
		return err
	}

	tick := w.cfg.Debounce / 2
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	w.logger.Info().Str(xglog.FieldEvent, "watch.started").Msg("watching directory for sources")
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return errors.New("watcher channel closed")
			}
			w.onEvent(ctx, ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return errors.New("watcher error channel closed")
			}
			w.logger.Warn().Err(err).Msg("fsnotify watcher error")
		case now := <-ticker.C:
			w.flush(ctx, now)
		}
	}
}

// scan queues files already present at startup.
func (w *Watcher) scan() error {
	entries, err := os.ReadDir(w.cfg.Dir)
	if err != nil {
		return fmt.Errorf("scan %s: %w", w.cfg.Dir, err)
	}
	now := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, e := range entries {
		p := filepath.Join(w.cfg.Dir, e.Name())
		if !e.IsDir() && w.accepts(p) {
			w.pending[p] = now.Add(-w.cfg.Debounce)
		}
	}
	return nil
}

func (w *Watcher) accepts(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	if len(w.cfg.Extensions) == 0 {
		return true
	}
	return slices.Contains(w.cfg.Extensions, strings.ToLower(filepath.Ext(base)))
}

func (w *Watcher) onEvent(ctx context.Context, ev fsnotify.Event) {
	if !w.accepts(ev.Name) {
		return
	}
	switch {
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		w.release(ctx, ev.Name)
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		w.mu.Lock()
		if _, ok := w.active[ev.Name]; !ok {
			w.pending[ev.Name] = time.Now()
		}
		w.mu.Unlock()
	}
}

// flush acquires slots for files that have been quiet for the debounce
// window.
func (w *Watcher) flush(ctx context.Context, now time.Time) {
	w.mu.Lock()
	var ready []string
	for p, last := range w.pending {
		if now.Sub(last) >= w.cfg.Debounce {
			ready = append(ready, p)
			delete(w.pending, p)
		}
	}
	w.mu.Unlock()
	slices.Sort(ready)

	for _, p := range ready {
		if info, err := os.Stat(p); err != nil || info.IsDir() || info.Size() == 0 {
			continue
		}
		if err := w.limiter.Wait(ctx); err != nil {
			return
		}
		w.acquire(ctx, p)
	}
}

func (w *Watcher) acquire(ctx context.Context, path string) {
	desc := model.SourceDescriptor{
		Locator: (&url.URL{Scheme: "file", Path: path}).String(),
		Config:  map[string]string{"origin": "watch"},
	}
	slot, err := w.slots.AcquireSlot(ctx, desc)
	if err != nil {
		lvl := w.logger.Error()
		if errors.Is(err, pool.ErrPoolExhausted) {
			lvl = w.logger.Warn()
		}
		lvl.Err(err).
			Str(xglog.FieldEvent, "watch.acquire_failed").
			Str(xglog.FieldLocator, desc.Locator).
			Msg("could not start source for file")
		return
	}

	w.mu.Lock()
	w.active[path] = slot
	w.mu.Unlock()
	w.logger.Info().
		Str(xglog.FieldEvent, "watch.source_added").
		Str(xglog.FieldSourceID, string(slot.Source)).
		Str(xglog.FieldLocator, desc.Locator).
		Msg("file source added")
}

func (w *Watcher) release(ctx context.Context, path string) {
	w.mu.Lock()
	delete(w.pending, path)
	slot, ok := w.active[path]
	delete(w.active, path)
	w.mu.Unlock()
	if !ok {
		return
	}

	err := w.slots.ReleaseSlot(ctx, slot)
	switch {
	case err == nil:
	case errors.Is(err, source.ErrForcedRemoval):
		w.logger.Warn().Err(err).Str(xglog.FieldSourceID, string(slot.Source)).Msg("file source removed without drain")
	default:
		w.logger.Error().Err(err).Str(xglog.FieldSourceID, string(slot.Source)).Msg("release file source")
		return
	}
	w.logger.Info().
		Str(xglog.FieldEvent, "watch.source_removed").
		Str(xglog.FieldSourceID, string(slot.Source)).
		Str(xglog.FieldPath, path).
		Msg("file source removed")
}

// Active returns the watched files that currently hold a slot.
func (w *Watcher) Active() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.active))
	for p := range w.active {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}
