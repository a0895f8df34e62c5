// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package software

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ManuGH/vaflow/internal/backend"
	"github.com/ManuGH/vaflow/internal/backend/stub"
	"github.com/ManuGH/vaflow/internal/model"
)

func TestInferRequiresModelFile(t *testing.T) {
	reg := backend.NewRegistry(backend.Candidates{Software: New(Config{}), TestStub: stub.New()})
	b, err := reg.Acquire(context.Background(), []model.StageKind{model.StageInfer})
	require.NoError(t, err)
	require.Equal(t, model.BackendSoftware, b.Kind())

	_, err = b.CreateStage(context.Background(), model.StageDescriptor{
		Name: "pgie", Kind: model.StageInfer,
		Config: map[string]string{"model": filepath.Join(t.TempDir(), "missing.onnx")},
	})
	require.ErrorIs(t, err, backend.ErrStageConstructionFailed)
	require.ErrorIs(t, err, os.ErrNotExist)

	modelPath := filepath.Join(t.TempDir(), "yolo.onnx")
	require.NoError(t, os.WriteFile(modelPath, []byte("onnx"), 0o600))
	st, err := b.CreateStage(context.Background(), model.StageDescriptor{
		Name: "pgie", Kind: model.StageInfer, Config: map[string]string{"model": modelPath},
	})
	require.NoError(t, err)
	require.NoError(t, st.Close())
}

func TestDecodeLocatorValidation(t *testing.T) {
	b := New(Config{})
	cases := map[string]bool{
		"rtsp://camera/stream":   true,
		"pattern://ball?fps=10":  true,
		"ftp://nope":             false,
		"not a url":              false,
		"file:///does/not/exist": false,
	}
	for loc, ok := range cases {
		_, err := b.Construct(context.Background(), model.StageDescriptor{
			Name: "d", Kind: model.StageDecode, Config: map[string]string{"locator": loc},
		})
		if ok {
			require.NoError(t, err, loc)
		} else {
			require.Error(t, err, loc)
		}
	}
}

func TestPatternDecodeProducesFrames(t *testing.T) {
	b := New(Config{})
	st, err := b.Construct(context.Background(), model.StageDescriptor{
		Name: "d", Kind: model.StageDecode,
		Config: map[string]string{"locator": "pattern://ball", "fps": "100", "source": "s1"},
	})
	require.NoError(t, err)
	require.NoError(t, st.SetState(context.Background(), model.StatePlaying))

	fs := st.(backend.FrameSource)
	select {
	case f := <-fs.Frames():
		require.Equal(t, model.SourceID("s1"), f.Source)
	case <-time.After(time.Second):
		t.Fatal("no frame")
	}
	require.NoError(t, st.Close())
	require.Error(t, st.SetState(context.Background(), model.StatePlaying))
}
