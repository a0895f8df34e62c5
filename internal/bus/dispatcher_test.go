// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ManuGH/vaflow/internal/model"
	"github.com/ManuGH/vaflow/internal/shutdown"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *shutdown.Flag, func()) {
	t.Helper()
	flag := &shutdown.Flag{}
	d := New(WithShutdown(flag), WithLogger(zerolog.Nop()))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()
	return d, flag, func() {
		cancel()
		<-done
	}
}

type recorder struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan struct{}, 1024)}
}

func (r *recorder) handle(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	r.notify <- struct{}{}
}

func (r *recorder) wait(t *testing.T, n int) []Event {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.notify:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d/%d events", i, n)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func TestDispatcherDeliversInOrder(t *testing.T) {
	d, _, stop := newTestDispatcher(t)
	defer stop()

	rec := newRecorder()
	d.Subscribe(AllHandles(ClassAll), rec.handle)

	for i := 0; i < 50; i++ {
		d.Post(SourceSyncConfirmed(0, model.SourceID("s")))
	}
	got := rec.wait(t, 50)
	for i := 1; i < len(got); i++ {
		require.Less(t, got[i-1].Seq, got[i].Seq)
	}
}

func TestDispatcherFiltersByClassAndHandle(t *testing.T) {
	d, _, stop := newTestDispatcher(t)
	defer stop()

	fatal := newRecorder()
	state := newRecorder()
	d.Subscribe(AllHandles(ClassFatal), fatal.handle)
	d.Subscribe(ForHandle(1, ClassState), state.handle)

	d.Post(StateConfirmed(0, model.StateReady))
	d.Post(StateConfirmed(1, model.StateReady))
	d.Post(Error(2, "", errors.New("gpu lost"), true))
	d.Post(Error(1, "cam", errors.New("decode glitch"), false))

	s := state.wait(t, 1)
	require.Equal(t, model.HandleID(1), s[0].Handle)
	f := fatal.wait(t, 1)
	require.True(t, f[0].Fatal)
	require.Equal(t, model.HandleID(2), f[0].Handle)

	// nothing else arrives
	select {
	case <-state.notify:
		t.Fatal("unexpected state event")
	case <-fatal.notify:
		t.Fatal("unexpected fatal event")
	case <-time.After(30 * time.Millisecond):
	}
}

func TestEventClasses(t *testing.T) {
	require.Equal(t, ClassState, StateConfirmed(0, model.StatePaused).Classes())
	require.Equal(t, ClassStream, EndOfStream(0).Classes())
	require.Equal(t, ClassStream|ClassSource, SourceEndOfStream(0, "a").Classes())
	require.Equal(t, ClassSource, SourceSyncConfirmed(0, "a").Classes())
	require.Equal(t, ClassFatal, Error(0, "", errors.New("x"), true).Classes())
	require.Equal(t, ClassError|ClassSource, Error(0, "a", errors.New("x"), false).Classes())
}

func TestHandlerMayPostReentrantly(t *testing.T) {
	d, _, stop := newTestDispatcher(t)
	defer stop()

	rec := newRecorder()
	d.Subscribe(AllHandles(ClassState), func(e Event) {
		if e.State == model.StateReady {
			d.Post(StateConfirmed(e.Handle, model.StatePaused))
		}
		rec.handle(e)
	})
	d.Post(StateConfirmed(0, model.StateReady))
	got := rec.wait(t, 2)
	require.Equal(t, model.StatePaused, got[1].State)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	d, _, stop := newTestDispatcher(t)
	defer stop()

	rec := newRecorder()
	unsub := d.Subscribe(AllHandles(ClassAll), rec.handle)
	d.Post(EndOfStream(0))
	rec.wait(t, 1)
	unsub()
	unsub()

	marker := newRecorder()
	d.Subscribe(AllHandles(ClassAll), marker.handle)
	d.Post(EndOfStream(0))
	marker.wait(t, 1)
	require.Len(t, rec.events, 1)
}

func TestPanickingHandlerDoesNotKillLoop(t *testing.T) {
	d, _, stop := newTestDispatcher(t)
	defer stop()

	d.Subscribe(AllHandles(ClassAll), func(Event) { panic("boom") })
	rec := newRecorder()
	d.Subscribe(AllHandles(ClassAll), rec.handle)
	d.Post(EndOfStream(0))
	d.Post(EndOfStream(0))
	rec.wait(t, 2)
}

func TestShutdownStopsLoopAndWakesWaiters(t *testing.T) {
	flag := &shutdown.Flag{}
	d := New(WithShutdown(flag), WithLogger(zerolog.Nop()))
	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	p := NewPending[int]()
	waitErr := make(chan error, 1)
	go func() {
		_, err := Await(context.Background(), p, 0, flag)
		waitErr <- err
	}()

	flag.Request()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}
	select {
	case err := <-waitErr:
		require.ErrorIs(t, err, shutdown.ErrShutdown)
	case <-time.After(time.Second):
		t.Fatal("waiter not woken")
	}
	<-d.Stopped()
}

func TestRunTwiceFails(t *testing.T) {
	d, _, stop := newTestDispatcher(t)
	defer stop()
	require.Eventually(t, func() bool { return d.running.Load() }, time.Second, time.Millisecond)
	require.Error(t, d.Run(context.Background()))
}

func TestAwait(t *testing.T) {
	flag := &shutdown.Flag{}

	p := NewPending[string]()
	require.True(t, p.Resolve("ok"))
	require.False(t, p.Resolve("late"))
	v, err := Await(context.Background(), p, time.Second, flag)
	require.NoError(t, err)
	require.Equal(t, "ok", v)

	_, err = Await(context.Background(), NewPending[string](), 10*time.Millisecond, flag)
	require.ErrorIs(t, err, ErrWaitTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Await(ctx, NewPending[string](), time.Second, flag)
	require.ErrorIs(t, err, context.Canceled)
}

func TestTapDropsWhenFull(t *testing.T) {
	d, _, stop := newTestDispatcher(t)
	defer stop()

	tap := d.Tap("test", AllHandles(ClassStream), 1)
	rec := newRecorder()
	d.Subscribe(AllHandles(ClassStream), rec.handle)

	d.Post(EndOfStream(0))
	d.Post(EndOfStream(0))
	d.Post(EndOfStream(0))
	rec.wait(t, 3)

	got := <-tap.C()
	require.Equal(t, KindEndOfStream, got.Kind)
	require.NoError(t, tap.Close())
	require.NoError(t, tap.Close())
	_, ok := <-tap.C()
	require.False(t, ok)
}
