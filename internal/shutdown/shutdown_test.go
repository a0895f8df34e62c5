// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package shutdown

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFlagRequestIsIdempotent(t *testing.T) {
	var f Flag
	require.False(t, f.Requested())

	var wg sync.WaitGroup
	var firsts int32
	var mu sync.Mutex
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.Request() {
				mu.Lock()
				firsts++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), firsts)
	require.True(t, f.Requested())
	require.False(t, f.Request())
}

func TestFlagDoneWakesWaiters(t *testing.T) {
	var f Flag
	woke := make(chan struct{})
	go func() {
		<-f.Done()
		close(woke)
	}()

	select {
	case <-woke:
		t.Fatal("woke before request")
	case <-time.After(20 * time.Millisecond):
	}

	f.Request()
	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("waiter not woken")
	}
}
