package client

import (
	"context"
	"sync"

	"github.com/decred/slog"
)

// Settler drives settlement from the client side. The server's durable
// receipt is the real idempotency guard; the local latch only stops one
// client from hammering the endpoint when several triggers fire at once
// (timeout observed, terminal event pushed, UI button). Manual Retry
// bypasses the latch so a user can always re-drive a failed settlement.
type Settler struct {
	log      slog.Logger
	finalize func(context.Context) (*FinalizeResult, error)

	mu        sync.Mutex
	attempted bool
	result    *FinalizeResult
	lastErr   error
}

func NewSettler(log slog.Logger, finalize func(context.Context) (*FinalizeResult, error)) *Settler {
	return &Settler{log: log, finalize: finalize}
}

// Auto triggers settlement once per session. Subsequent calls return the
// stored outcome without touching the network.
func (s *Settler) Auto(ctx context.Context) (*FinalizeResult, error) {
	s.mu.Lock()
	if s.attempted {
		res, err := s.result, s.lastErr
		s.mu.Unlock()
		return res, err
	}
	s.attempted = true
	s.mu.Unlock()

	return s.run(ctx)
}

// Retry re-drives settlement unconditionally. The server answers an
// already-settled room with the original receipt, so retrying a success
// is harmless.
func (s *Settler) Retry(ctx context.Context) (*FinalizeResult, error) {
	s.mu.Lock()
	s.attempted = true
	s.mu.Unlock()
	return s.run(ctx)
}

func (s *Settler) run(ctx context.Context) (*FinalizeResult, error) {
	res, err := s.finalize(ctx)
	s.mu.Lock()
	s.result, s.lastErr = res, err
	s.mu.Unlock()
	if err != nil {
		s.log.Warnf("settlement attempt failed: %v", err)
		return nil, err
	}
	if res.AlreadySettled {
		s.log.Debugf("settlement already recorded, winner %s", res.Winner)
	} else {
		s.log.Infof("settlement recorded, winner %s", res.Winner)
	}
	return res, nil
}

// Result returns the last outcome, if any attempt has completed.
func (s *Settler) Result() (*FinalizeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, s.lastErr
}
