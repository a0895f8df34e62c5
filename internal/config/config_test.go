// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/vaflow/internal/model"
	"github.com/ManuGH/vaflow/internal/validate"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vaflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg, err := NewLoader("", "test").withEnv(nil).Load()
	require.NoError(t, err)
	assert.Equal(t, "test", cfg.Version)
	assert.Equal(t, 8, cfg.Pool.Capacity)
	assert.Equal(t, 5*time.Second, cfg.Pipeline.TransitionTimeout)

	pref, err := cfg.Backend.PreferenceKinds()
	require.NoError(t, err)
	assert.Equal(t, []model.BackendKind{model.BackendHardware, model.BackendSoftware, model.BackendTestStub}, pref)
}

func TestFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
backend:
  preference: [software, teststub]
pipeline:
  count: 2
  transitionTimeout: 2s
  trunk:
    - {name: mux, kind: mux}
    - {name: sink, kind: sink}
sources:
  syncTimeout: 1500ms
  removal:
    timeout: 250ms
    force: true
  initial:
    - id: cam-1
      locator: rtsp://10.0.0.5/cam1
pool:
  capacity: 4
`)
	cfg, err := NewLoader(path, "").withEnv(nil).Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, []string{"software", "teststub"}, cfg.Backend.Preference)
	assert.Equal(t, 2, cfg.Pipeline.Count)
	assert.Equal(t, 2*time.Second, cfg.Pipeline.TransitionTimeout)
	assert.Len(t, cfg.Pipeline.Trunk, 2)
	assert.Equal(t, 1500*time.Millisecond, cfg.Sources.SyncTimeout)
	assert.True(t, cfg.Sources.Removal.Force)
	assert.Equal(t, 250*time.Millisecond, cfg.Sources.Removal.Timeout)
	require.Len(t, cfg.Sources.Initial, 1)
	assert.Equal(t, model.SourceID("cam-1"), cfg.Sources.Initial[0].ID)
	assert.Equal(t, 4, cfg.Pool.Capacity)
	// untouched sections keep defaults
	assert.Equal(t, ":8088", cfg.API.Listen)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "pool:\n  capacity: 4\n")
	cfg, err := NewLoader(path, "").withEnv(map[string]string{
		"VAFLOW_POOL_CAPACITY":      "12",
		"VAFLOW_BACKEND_PREFERENCE": "teststub, software",
		"VAFLOW_SYNC_TIMEOUT":       "750ms",
		"VAFLOW_FORCE_REMOVAL":      "yes",
		"VAFLOW_PIPELINES":          "not-a-number",
	}).Load()
	require.NoError(t, err)

	assert.Equal(t, 12, cfg.Pool.Capacity)
	assert.Equal(t, []string{"teststub", "software"}, cfg.Backend.Preference)
	assert.Equal(t, 750*time.Millisecond, cfg.Sources.SyncTimeout)
	assert.True(t, cfg.Sources.Removal.Force)
	assert.Equal(t, 1, cfg.Pipeline.Count)
}

func TestStrictParsing(t *testing.T) {
	path := writeConfig(t, "pool:\n  capacity: 4\n  overcommit: true\n")
	_, err := NewLoader(path, "").withEnv(nil).Load()
	require.ErrorIs(t, err, ErrUnknownConfigField)

	path = writeConfig(t, "pool:\n  capacity: 4\n---\npool:\n  capacity: 5\n")
	_, err = NewLoader(path, "").withEnv(nil).Load()
	require.Error(t, err)

	_, err = NewLoader(filepath.Join(t.TempDir(), "vaflow.json"), "").withEnv(nil).Load()
	require.Error(t, err)
}

func TestEmptyFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader(writeConfig(t, ""), "").withEnv(nil).Load()
	require.NoError(t, err)
	assert.Equal(t, Defaults().Pool, cfg.Pool)
}

func TestValidateRejects(t *testing.T) {
	cfg := Defaults()
	cfg.Log.Level = "chatty"
	cfg.Backend.Preference = []string{"fpga"}
	cfg.Pool.Capacity = 1
	cfg.Pipeline.Detector.Kind = model.StageTrack
	cfg.Pipeline.Branch = []model.StageDescriptor{{Name: "dec", Kind: model.StageDecode}}
	cfg.Sources.Initial = []model.SourceDescriptor{
		{ID: "a", Locator: "rtsp://cam/a"},
		{ID: "a", Locator: "ftp://cam/b"},
	}

	err := Validate(cfg)
	require.Error(t, err)

	var ve validate.ValidationError
	require.ErrorAs(t, err, &ve)
	fields := map[string]bool{}
	for _, e := range ve.Errors() {
		fields[e.Field] = true
	}
	for _, f := range []string{
		"Log.Level",
		"Backend.Preference[0]",
		"Pipeline.Detector.Kind",
		"Pipeline.Branch[0].Kind",
		"Sources.Initial[1].Locator",
		"Sources.Initial[1].ID",
		"Sources.Initial",
	} {
		assert.True(t, fields[f], "expected error for %s", f)
	}
}

func TestUnknownEnvKeysReported(t *testing.T) {
	l := NewLoader("", "").withEnv(map[string]string{
		"VAFLOW_POOL_CAPACITY": "3",
		"VAFLOW_POOL_CAPACTY":  "3",
		"HOME":                 "/root",
	})
	_, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"VAFLOW_POOL_CAPACTY"}, l.env.unknownEnvKeys(l.environ()))
}

func TestSourceRecoveryConfig(t *testing.T) {
	cfg, err := NewLoader("", "").withEnv(map[string]string{
		"VAFLOW_SOURCE_RECOVERY_RETRIES": "5",
	}).Load()
	require.NoError(t, err)
	rc := cfg.Sources.Recovery
	assert.True(t, rc.Enabled)
	assert.Equal(t, 5, rc.MaxRetries)
	assert.Equal(t, time.Second, rc.InitialInterval)
	assert.Equal(t, time.Minute, rc.MaxInterval)

	cfg, err = NewLoader("", "").withEnv(map[string]string{"VAFLOW_SOURCE_RECOVERY": "false"}).Load()
	require.NoError(t, err)
	assert.False(t, cfg.Sources.Recovery.Enabled)

	cfg = Defaults()
	cfg.Sources.Recovery.MaxInterval = 100 * time.Millisecond
	cfg.Sources.Recovery.Jitter = 1.5
	var ve validate.ValidationError
	require.ErrorAs(t, Validate(cfg), &ve)
	fields := map[string]bool{}
	for _, e := range ve.Errors() {
		fields[e.Field] = true
	}
	assert.True(t, fields["Sources.Recovery.MaxInterval"])
	assert.True(t, fields["Sources.Recovery.Jitter"])

	cfg.Sources.Recovery.Enabled = false
	require.NoError(t, Validate(cfg))
}
