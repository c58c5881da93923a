package client

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/decred/slog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForcedExitGracefulPath(t *testing.T) {
	var ran atomic.Int32
	f := NewForcedExit(slog.Disabled, time.Hour, func() { ran.Add(1) })
	f.Arm()
	f.Trigger()

	select {
	case <-f.Done():
	case <-time.After(time.Second):
		t.Fatal("cleanup never ran")
	}
	assert.Equal(t, int32(1), ran.Load())
}

func TestForcedExitCeilingFires(t *testing.T) {
	// The graceful path hangs forever; the fallback timer must tear down
	// anyway, well inside the ceiling.
	var ran atomic.Int32
	f := NewForcedExit(slog.Disabled, 50*time.Millisecond, func() { ran.Add(1) })

	start := time.Now()
	f.Arm()
	// Nobody ever calls Trigger.
	select {
	case <-f.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("ceiling never fired")
	}
	require.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int32(1), ran.Load())
}

func TestForcedExitCleanupRunsOnce(t *testing.T) {
	var ran atomic.Int32
	f := NewForcedExit(slog.Disabled, 20*time.Millisecond, func() {
		time.Sleep(10 * time.Millisecond)
		ran.Add(1)
	})
	f.Arm()

	// Trigger races the timer and itself from several goroutines.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() { defer wg.Done(); f.Trigger() }()
	}
	wg.Wait()
	<-f.Done()
	time.Sleep(50 * time.Millisecond) // let a late timer fire, if it would

	assert.Equal(t, int32(1), ran.Load())
}

func TestForcedExitTriggerWithoutArm(t *testing.T) {
	var ran atomic.Int32
	f := NewForcedExit(slog.Disabled, time.Hour, func() { ran.Add(1) })
	f.Trigger()
	<-f.Done()
	assert.Equal(t, int32(1), ran.Load())
}
