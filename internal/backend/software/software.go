// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package software implements the CPU backend.
package software

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/vaflow/internal/backend"
	xglog "github.com/ManuGH/vaflow/internal/log"
	"github.com/ManuGH/vaflow/internal/model"
)

// Config tunes the CPU backend.
type Config struct {
	// Threads bounds the worker threads each stage may use; 0 = GOMAXPROCS.
	Threads int
	// DefaultModel is used by infer stages that do not name a model.
	DefaultModel string
}

// Backend implements backend.Implementation on the CPU.
type Backend struct {
	cfg    Config
	logger zerolog.Logger
}

var _ backend.Implementation = (*Backend)(nil)

// New returns a CPU backend.
func New(cfg Config) *Backend {
	if cfg.Threads <= 0 {
		cfg.Threads = runtime.GOMAXPROCS(0)
	}
	return &Backend{cfg: cfg, logger: xglog.WithComponent("backend.software")}
}

// Capabilities implements backend.Implementation. The CPU path can build
// every stage kind.
func (b *Backend) Capabilities(context.Context) []model.StageKind {
	return model.AllStageKinds()
}

// Construct implements backend.Implementation.
func (b *Backend) Construct(_ context.Context, desc model.StageDescriptor) (backend.Stage, error) {
	st := &stage{name: desc.Name, kind: desc.Kind, frames: make(chan model.Frame, 8)}
	switch desc.Kind {
	case model.StageDecode:
		loc := desc.Param("locator", "")
		u, err := url.Parse(loc)
		if err != nil || u.Scheme == "" {
			return nil, fmt.Errorf("invalid locator %q", loc)
		}
		switch u.Scheme {
		case "file":
			if _, err := os.Stat(u.Path); err != nil {
				return nil, fmt.Errorf("open source: %w", err)
			}
		case "rtsp", "http", "https":
		case "pattern":
			fps, err := strconv.Atoi(desc.Param("fps", "30"))
			if err != nil || fps <= 0 {
				return nil, fmt.Errorf("invalid fps %q", desc.Param("fps", ""))
			}
			st.interval = time.Second / time.Duration(fps)
		default:
			return nil, fmt.Errorf("unsupported locator scheme %q", u.Scheme)
		}
		st.source = model.SourceID(desc.Param("source", ""))
	case model.StageInfer:
		path := desc.Param("model", b.cfg.DefaultModel)
		if path == "" {
			return nil, fmt.Errorf("infer stage %q: no model configured", desc.Name)
		}
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("load model: %w", err)
		}
		threshold, err := strconv.ParseFloat(desc.Param("threshold", "0.4"), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid threshold: %w", err)
		}
		st.threshold = threshold
	}
	b.logger.Debug().
		Str(xglog.FieldEvent, "stage.constructed").
		Str(xglog.FieldStage, desc.Name).
		Str(xglog.FieldStageKind, string(desc.Kind)).
		Int("threads", b.cfg.Threads).
		Msg("software stage built")
	return st, nil
}

type stage struct {
	name      string
	kind      model.StageKind
	source    model.SourceID
	interval  time.Duration
	threshold float64

	mu      sync.Mutex
	state   model.LifecycleState
	closed  bool
	seq     uint64
	cancel  context.CancelFunc
	done    chan struct{}
	frames  chan model.Frame
	closeCh sync.Once
}

var (
	_ backend.FrameSource = (*stage)(nil)
	_ backend.Detector    = (*stage)(nil)
)

func (s *stage) Name() string          { return s.name }
func (s *stage) Kind() model.StageKind { return s.kind }

func (s *stage) SetState(_ context.Context, target model.LifecycleState) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("stage %q closed", s.name)
	}
	s.state = target
	s.mu.Unlock()
	if s.interval > 0 {
		if target == model.StatePlaying {
			s.start()
		} else {
			s.stop()
		}
	}
	return nil
}

func (s *stage) Drain(ctx context.Context) error {
	s.stop()
	return ctx.Err()
}

func (s *stage) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stop()
	s.closeCh.Do(func() { close(s.frames) })
	return nil
}

func (s *stage) Frames() <-chan model.Frame { return s.frames }

// Detect is a placeholder for the CPU detector: the network itself runs
// outside this process, so frames pass through with no detections above
// threshold.
func (s *stage) Detect(ctx context.Context, _ model.Frame) ([]model.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []model.Detection{}, nil
}

func (s *stage) start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil || s.closed {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.produce(ctx, s.done)
}

func (s *stage) stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *stage) produce(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			s.mu.Lock()
			s.seq++
			f := model.Frame{Source: s.source, Sequence: s.seq, Timestamp: now, Width: 1920, Height: 1080}
			s.mu.Unlock()
			select {
			case s.frames <- f:
			default:
			}
		}
	}
}
