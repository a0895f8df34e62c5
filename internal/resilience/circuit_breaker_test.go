// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockClock struct {
	now time.Time
}

func (m *mockClock) Now() time.Time { return m.now }

var errProbe = errors.New("sync failed")

func TestCircuitBreaker_OpensAtThreshold(t *testing.T) {
	clock := &mockClock{now: time.Now()}
	cb := NewCircuitBreaker("rtsp://cam-1", 3, 30*time.Second, WithClock(clock))

	for i := 0; i < 2; i++ {
		require.ErrorIs(t, cb.Execute(func() error { return errProbe }), errProbe)
	}
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 2, cb.Failures())

	require.ErrorIs(t, cb.Execute(func() error { return errProbe }), errProbe)
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	clock := &mockClock{now: time.Now()}
	cb := NewCircuitBreaker("file:///a.mp4", 1, 10*time.Second, WithClock(clock))

	cb.RecordFailure()
	require.ErrorIs(t, cb.Allow(), ErrCircuitOpen)

	clock.now = clock.now.Add(11 * time.Second)
	require.NoError(t, cb.Allow())
	assert.Equal(t, StateHalfOpen, cb.State())

	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())
	require.ErrorIs(t, cb.Allow(), ErrCircuitOpen)

	clock.now = clock.now.Add(11 * time.Second)
	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.Failures())
}

func TestCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker("x", 0, 0)
	assert.Equal(t, 3, cb.threshold)
	assert.Equal(t, 30*time.Second, cb.resetTimeout)
}

func TestSet_TracksOpenBreakers(t *testing.T) {
	clock := &mockClock{now: time.Now()}
	s := NewSet(1, time.Minute, WithClock(clock))

	a := s.Get("a")
	require.Same(t, a, s.Get("a"))
	s.Get("b").RecordSuccess()

	a.RecordFailure()
	assert.Equal(t, []string{"a"}, s.Open())

	clock.now = clock.now.Add(2 * time.Minute)
	a.RecordSuccess()
	assert.Empty(t, s.Open())
}
