// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ManuGH/vaflow/internal/backend"
	"github.com/ManuGH/vaflow/internal/backend/stub"
	"github.com/ManuGH/vaflow/internal/bus"
	"github.com/ManuGH/vaflow/internal/metrics"
	"github.com/ManuGH/vaflow/internal/model"
	"github.com/ManuGH/vaflow/internal/shutdown"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testTrunk = []model.StageDescriptor{
	{Name: "mux", Kind: model.StageMux},
	{Name: "pgie", Kind: model.StageInfer},
	{Name: "sink", Kind: model.StageSink},
}

type harness struct {
	m    *Machine
	stub *stub.Backend
	disp *bus.Dispatcher
	flag *shutdown.Flag
}

func newHarness(t *testing.T, timeout time.Duration, opts ...stub.Option) *harness {
	t.Helper()
	flag := &shutdown.Flag{}
	d := bus.New(bus.WithShutdown(flag), bus.WithLogger(zerolog.Nop()))
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = d.Run(ctx) }()

	sb := stub.New(opts...)
	reg := backend.NewRegistry(backend.Candidates{TestStub: sb}, backend.WithLogger(zerolog.Nop()))
	be, err := reg.Acquire(ctx, nil)
	require.NoError(t, err)

	m, err := New(ctx, be, d, Config{Handle: 1, TransitionTimeout: timeout, Trunk: testTrunk},
		WithShutdown(flag), WithLogger(zerolog.Nop()))
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, m.Close())
		cancel()
		<-d.Stopped()
	})
	return &harness{m: m, stub: sb, disp: d, flag: flag}
}

func (h *harness) waitPending(t *testing.T, target model.LifecycleState) {
	t.Helper()
	require.Eventually(t, func() bool {
		h.m.mu.Lock()
		defer h.m.mu.Unlock()
		return h.m.pending != nil && h.m.pending.target == target
	}, 2*time.Second, time.Millisecond)
}

func TestPath(t *testing.T) {
	cases := []struct {
		from, to model.LifecycleState
		want     []model.LifecycleState
	}{
		{model.StateNull, model.StatePlaying, []model.LifecycleState{model.StateReady, model.StatePaused, model.StatePlaying}},
		{model.StatePlaying, model.StateReady, []model.LifecycleState{model.StatePaused, model.StateReady}},
		{model.StatePlaying, model.StateNull, []model.LifecycleState{model.StateNull}},
		{model.StatePaused, model.StatePaused, nil},
	}
	for _, tc := range cases {
		got, err := Path(tc.from, tc.to)
		require.NoError(t, err)
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Errorf("Path(%s, %s) mismatch (-want +got):\n%s", tc.from, tc.to, diff)
		}
		prev := tc.from
		for _, s := range got {
			require.True(t, IsEdge(prev, s), "%s -> %s", prev, s)
			prev = s
		}
	}
	_, err := Path(model.StateNull, model.LifecycleState(9))
	require.Error(t, err)
}

func TestSetStateVisitsIntermediateStates(t *testing.T) {
	h := newHarness(t, time.Second)

	require.NoError(t, h.m.SetState(context.Background(), model.StatePlaying))
	require.Equal(t, model.StatePlaying, h.m.State())

	var visited []model.LifecycleState
	for _, r := range h.m.History(0) {
		require.Empty(t, r.Error)
		visited = append(visited, r.To)
	}
	require.Equal(t, []model.LifecycleState{model.StateReady, model.StatePaused, model.StatePlaying}, visited)

	st, ok := h.stub.Stage("pgie")
	require.True(t, ok)
	require.Equal(t, model.StatePlaying, st.State())

	require.NoError(t, h.m.SetState(context.Background(), model.StatePlaying))
	require.Len(t, h.m.History(0), 3)
}

func TestTransitionTimeoutKeepsLastConfirmedState(t *testing.T) {
	h := newHarness(t, 2000*time.Millisecond,
		stub.WithStageBehavior("sink", stub.Behavior{Hold: []model.LifecycleState{model.StatePlaying}}))

	require.NoError(t, h.m.SetState(context.Background(), model.StatePaused))

	start := time.Now()
	err := h.m.SetState(context.Background(), model.StatePlaying)
	require.GreaterOrEqual(t, time.Since(start), 2000*time.Millisecond)

	var te *TransitionTimeoutError
	require.ErrorAs(t, err, &te)
	require.Equal(t, model.StatePlaying, te.Target)
	require.ErrorIs(t, err, ErrTransitionTimeout)
	require.ErrorIs(t, err, bus.ErrWaitTimeout)
	require.Equal(t, model.StatePaused, h.m.State())
}

func TestTimedOutTransitionNeverLandsLater(t *testing.T) {
	h := newHarness(t, 200*time.Millisecond,
		stub.WithKindBehavior(model.StageSink, stub.Behavior{StateDelay: 400 * time.Millisecond}))

	err := h.m.SetState(context.Background(), model.StateReady)
	require.ErrorIs(t, err, ErrTransitionTimeout)
	require.Equal(t, model.StateNull, h.m.State())

	time.Sleep(500 * time.Millisecond)
	require.Equal(t, model.StateNull, h.m.State())
	require.Len(t, h.m.History(0), 1)

	sink, ok := h.stub.Stage("sink")
	require.True(t, ok)
	require.NotEqual(t, model.StateReady, sink.State())
}

func TestStaleConfirmationIsIgnored(t *testing.T) {
	h := newHarness(t, time.Second)
	require.NoError(t, h.m.SetState(context.Background(), model.StateReady))

	h.disp.Post(bus.StateConfirmed(1, model.StatePlaying))
	h.disp.Post(bus.StateRegressed(1, model.StateReady, model.StateReady))
	require.Eventually(t, func() bool { return len(h.m.History(0)) == 2 }, time.Second, time.Millisecond)
	require.Equal(t, model.StateReady, h.m.State())
}

func TestRecoverableGraphErrorIsCounted(t *testing.T) {
	h := newHarness(t, time.Second)
	require.NoError(t, h.m.SetState(context.Background(), model.StatePlaying))

	c := metrics.PipelineErrorsTotal.WithLabelValues("1")
	before := counterValue(t, c)
	h.disp.Post(bus.Error(1, "", errors.New("qos dropped buffers"), false))

	require.Eventually(t, func() bool { return counterValue(t, c) == before+1 }, time.Second, time.Millisecond)
	require.NoError(t, h.m.Failed())
	require.Equal(t, model.StatePlaying, h.m.State())
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestRegressionDuringTransitionIsSurfaced(t *testing.T) {
	h := newHarness(t, 5*time.Second,
		stub.WithStageBehavior("sink", stub.Behavior{Hold: []model.LifecycleState{model.StatePlaying}}))
	require.NoError(t, h.m.SetState(context.Background(), model.StatePaused))

	errc := make(chan error, 1)
	go func() { errc <- h.m.SetState(context.Background(), model.StatePlaying) }()
	h.waitPending(t, model.StatePlaying)

	h.disp.Post(bus.StateRegressed(1, model.StatePaused, model.StateReady))

	err := <-errc
	var re *StateRegressionError
	require.ErrorAs(t, err, &re)
	require.Equal(t, model.StatePaused, re.From)
	require.Equal(t, model.StateReady, re.To)
	require.Equal(t, model.StateReady, h.m.State())
}

func TestUnsolicitedRegressionUpdatesState(t *testing.T) {
	h := newHarness(t, time.Second)
	require.NoError(t, h.m.SetState(context.Background(), model.StatePlaying))

	h.disp.Post(bus.StateRegressed(1, model.StatePlaying, model.StatePaused))
	require.Eventually(t, func() bool { return len(h.m.History(0)) == 4 }, time.Second, time.Millisecond)
	require.Equal(t, model.StatePaused, h.m.State())

	last := h.m.History(1)
	require.Len(t, last, 1)
	require.Equal(t, model.StatePaused, last[0].To)
	require.NotEmpty(t, last[0].Error)
}

func TestFatalErrorResolvesPendingAndForcesNull(t *testing.T) {
	h := newHarness(t, 5*time.Second,
		stub.WithStageBehavior("sink", stub.Behavior{Hold: []model.LifecycleState{model.StatePlaying}}))
	require.NoError(t, h.m.SetState(context.Background(), model.StatePaused))

	errc := make(chan error, 1)
	go func() { errc <- h.m.SetState(context.Background(), model.StatePlaying) }()
	h.waitPending(t, model.StatePlaying)

	ev := bus.Error(1, "", errors.New("device lost"), true)
	ev.Origin = "pgie"
	h.disp.Post(ev)

	err := <-errc
	var fe *FatalBackendError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, "pgie", fe.Origin)
	require.ErrorIs(t, err, ErrFatalBackend)

	require.Eventually(t, func() bool { return h.m.State() == model.StateNull }, time.Second, time.Millisecond)
	require.Error(t, h.m.Failed())
	require.False(t, h.m.CanAdmitSources())

	st, _ := h.stub.Stage("mux")
	require.Eventually(t, st.Closed, time.Second, time.Millisecond)

	require.ErrorIs(t, h.m.SetState(context.Background(), model.StatePlaying), ErrFatalBackend)
	require.NoError(t, h.m.SetState(context.Background(), model.StateNull))
}

func TestTrunkStateFailureIsFatal(t *testing.T) {
	h := newHarness(t, time.Second,
		stub.WithStageBehavior("mux", stub.Behavior{StateErr: errors.New("negotiation failed")}))

	err := h.m.SetState(context.Background(), model.StateReady)
	require.ErrorIs(t, err, ErrFatalBackend)
}

func TestEndOfStreamDrivesToNull(t *testing.T) {
	h := newHarness(t, time.Second)
	require.NoError(t, h.m.SetState(context.Background(), model.StatePlaying))

	done := make(chan error, 1)
	go func() { done <- h.m.Run(context.Background()) }()

	h.disp.Post(bus.EndOfStream(1))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not finish")
	}
	require.Equal(t, model.StateNull, h.m.State())
	require.False(t, h.m.ShouldContinue())
}

func TestSourceEndOfStreamDoesNotStopPipeline(t *testing.T) {
	h := newHarness(t, time.Second)
	require.NoError(t, h.m.SetState(context.Background(), model.StatePlaying))

	h.disp.Post(bus.SourceEndOfStream(1, "cam"))
	marker := make(chan struct{})
	unsub := h.disp.Subscribe(bus.AllHandles(bus.ClassStream), func(e bus.Event) {
		if e.Source == "marker" {
			close(marker)
		}
	})
	defer unsub()
	h.disp.Post(bus.SourceEndOfStream(1, "marker"))
	<-marker
	require.True(t, h.m.ShouldContinue())
}

func TestShutdownInterruptsTransition(t *testing.T) {
	h := newHarness(t, 10*time.Second,
		stub.WithStageBehavior("sink", stub.Behavior{Hold: []model.LifecycleState{model.StateReady}}))

	errc := make(chan error, 1)
	go func() { errc <- h.m.SetState(context.Background(), model.StateReady) }()
	h.waitPending(t, model.StateReady)

	h.flag.Request()
	select {
	case err := <-errc:
		require.ErrorIs(t, err, shutdown.ErrShutdown)
	case <-time.After(time.Second):
		t.Fatal("wait not interrupted")
	}
	require.Equal(t, model.StateNull, h.m.State())
}

func TestConcurrentSetStateIsSerialized(t *testing.T) {
	h := newHarness(t, time.Second, stub.WithKindBehavior(model.StageSink, stub.Behavior{StateDelay: 5 * time.Millisecond}))

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = h.m.SetState(context.Background(), model.StatePlaying)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, model.StatePlaying, h.m.State())
	require.Len(t, h.m.History(0), 3)
}

func TestAttachBranchRequiresPaused(t *testing.T) {
	h := newHarness(t, time.Second)
	require.NoError(t, h.m.SetState(context.Background(), model.StateReady))

	err := h.m.AttachBranch(context.Background(), model.SourceDescriptor{ID: "cam", Locator: "rtsp://x"})
	var ise *InvalidStateError
	require.ErrorAs(t, err, &ise)
	require.ErrorIs(t, err, ErrInvalidState)
	require.Empty(t, h.m.ActiveSources())

	require.NoError(t, h.m.SetState(context.Background(), model.StatePaused))
	require.NoError(t, h.m.AttachBranch(context.Background(), model.SourceDescriptor{ID: "cam", Locator: "rtsp://x"}))
	require.Equal(t, []model.SourceID{"cam"}, h.m.ActiveSources())

	require.NoError(t, h.m.UnlinkBranch("cam"))
	st, ok := h.stub.Stage("decode-cam")
	require.True(t, ok)
	require.True(t, st.Closed())
	require.Empty(t, h.m.ActiveSources())
}

func TestTrunkConstructionFailure(t *testing.T) {
	flag := &shutdown.Flag{}
	d := bus.New(bus.WithShutdown(flag), bus.WithLogger(zerolog.Nop()))
	sb := stub.New(stub.WithStageBehavior("pgie", stub.Behavior{ConstructErr: errors.New("engine file missing")}))
	reg := backend.NewRegistry(backend.Candidates{TestStub: sb}, backend.WithLogger(zerolog.Nop()))
	be, err := reg.Acquire(context.Background(), nil)
	require.NoError(t, err)

	_, err = New(context.Background(), be, d, Config{Handle: 3, Trunk: testTrunk}, WithShutdown(flag))
	require.ErrorIs(t, err, backend.ErrStageConstructionFailed)

	mux, _ := sb.Stage("mux")
	require.True(t, mux.Closed())
}

func TestHistoryRingWraps(t *testing.T) {
	h := newHistory(3)
	for i := 0; i < 5; i++ {
		h.add(TransitionRecord{Duration: time.Duration(i)})
	}
	got := h.recent(0)
	require.Len(t, got, 3)
	require.Equal(t, time.Duration(2), got[0].Duration)
	require.Equal(t, time.Duration(4), got[2].Duration)
	require.Len(t, h.recent(2), 2)
	require.Equal(t, time.Duration(3), h.recent(2)[0].Duration)
}
