// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/vaflow/internal/model"
	"github.com/ManuGH/vaflow/internal/shutdown"
	"github.com/ManuGH/vaflow/internal/version"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, version.Version)
}

func TestConfigCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vaflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pool:\n  capacity: 3\n"), 0o600))

	out, err := execute(t, "--config", path, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "capacity: 3")

	out, err = execute(t, "--config", path, "config", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "configuration OK")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("pool:\n  size: 3\n"), 0o600))
	_, err = execute(t, "--config", bad, "config", "validate")
	require.Error(t, err)
}

func TestBackendsCommandReportsStub(t *testing.T) {
	out, err := execute(t, "backends", "--json")
	require.NoError(t, err)

	var rows []backendReport
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	var stubRow *backendReport
	for i := range rows {
		if rows[i].Kind == model.BackendTestStub {
			stubRow = &rows[i]
		}
	}
	require.NotNil(t, stubRow)
	assert.True(t, stubRow.Covers)
}

func TestCoversAll(t *testing.T) {
	assert.True(t, coversAll([]model.StageKind{model.StageDecode, model.StageInfer}, []model.StageKind{model.StageInfer}))
	assert.False(t, coversAll([]model.StageKind{model.StageDecode}, []model.StageKind{model.StageInfer}))
	assert.False(t, coversAll(nil, nil))
}

func TestSignalRaisesShutdownFlag(t *testing.T) {
	flag := &shutdown.Flag{}
	ctx, stop := notifyShutdown(context.Background(), flag)
	defer stop()

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGTERM))
	select {
	case <-flag.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown flag not raised by signal")
	}
	require.Error(t, ctx.Err())
}

func TestParentCancelLeavesShutdownFlag(t *testing.T) {
	flag := &shutdown.Flag{}
	parent, cancel := context.WithCancel(context.Background())
	ctx, stop := notifyShutdown(parent, flag)
	defer stop()

	cancel()
	<-ctx.Done()
	require.Never(t, flag.Requested, 100*time.Millisecond, 10*time.Millisecond)
}
