// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLifecycleOrdering(t *testing.T) {
	require.Less(t, StateNull, StateReady)
	require.Less(t, StateReady, StatePaused)
	require.Less(t, StatePaused, StatePlaying)
	require.False(t, LifecycleState(7).Valid())
}

func TestParseLifecycleState(t *testing.T) {
	for _, s := range []LifecycleState{StateNull, StateReady, StatePaused, StatePlaying} {
		got, err := ParseLifecycleState(s.String())
		require.NoError(t, err)
		require.Equal(t, s, got)
	}
	_, err := ParseLifecycleState("running")
	require.Error(t, err)
}

func TestParseKinds(t *testing.T) {
	k, err := ParseStageKind(" Infer ")
	require.NoError(t, err)
	require.Equal(t, StageInfer, k)
	_, err = ParseStageKind("encode")
	require.Error(t, err)

	b, err := ParseBackendKind("TESTSTUB")
	require.NoError(t, err)
	require.Equal(t, BackendTestStub, b)
	_, err = ParseBackendKind("fpga")
	require.Error(t, err)
}

func TestDecodeStageCarriesLocator(t *testing.T) {
	d := SourceDescriptor{ID: "cam-1", Locator: "rtsp://cam/1", Config: map[string]string{"fps": "15"}}
	st := d.DecodeStage()
	require.Equal(t, StageDecode, st.Kind)
	require.Equal(t, "decode-cam-1", st.Name)
	require.Equal(t, "rtsp://cam/1", st.Param("locator", ""))
	require.Equal(t, "15", st.Param("fps", ""))
	require.Equal(t, "x", st.Param("missing", "x"))
	// caller map untouched
	_, ok := d.Config["locator"]
	require.False(t, ok)
}

func TestNewSourceIDUnique(t *testing.T) {
	seen := map[SourceID]bool{}
	for i := 0; i < 100; i++ {
		id := NewSourceID()
		require.False(t, seen[id])
		seen[id] = true
	}
}
