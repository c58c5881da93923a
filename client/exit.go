package client

import (
	"sync"
	"time"

	"github.com/decred/slog"
)

// ForcedExit guarantees a room session ends within a fixed ceiling no
// matter what the graceful path does. Arm starts a fallback timer; the
// graceful path calls Trigger when it finishes, and if it never does the
// timer fires Trigger for it. Cleanup runs exactly once either way.
//
// The ceiling leaves room for one settlement call (10s) plus one retry
// round and slack, so a hung server cannot hold the UI hostage.
type ForcedExit struct {
	log     slog.Logger
	ceiling time.Duration
	cleanup func()

	armOnce  sync.Once
	fireOnce sync.Once
	timer    *time.Timer
	done     chan struct{}
}

func NewForcedExit(log slog.Logger, ceiling time.Duration, cleanup func()) *ForcedExit {
	return &ForcedExit{
		log:     log,
		ceiling: ceiling,
		cleanup: cleanup,
		done:    make(chan struct{}),
	}
}

// Arm starts the fallback timer. Calling Arm again is a no-op.
func (f *ForcedExit) Arm() {
	f.armOnce.Do(func() {
		f.timer = time.AfterFunc(f.ceiling, func() {
			f.log.Warnf("exit ceiling %s reached, forcing teardown", f.ceiling)
			f.fire()
		})
	})
}

// Trigger runs cleanup now if it has not run yet. Safe to call from any
// goroutine, any number of times, armed or not.
func (f *ForcedExit) Trigger() {
	if f.timer != nil {
		f.timer.Stop()
	}
	f.fire()
}

func (f *ForcedExit) fire() {
	f.fireOnce.Do(func() {
		f.cleanup()
		close(f.done)
	})
}

// Done closes once cleanup has run.
func (f *ForcedExit) Done() <-chan struct{} { return f.done }
