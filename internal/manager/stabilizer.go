package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/zde37/chordring/pkg"
)

// Rounder runs one stabilization round.
type Rounder interface {
	StabilizeRound(ctx context.Context) error
}

// Stabilizer triggers stabilization rounds on a fixed interval.
type Stabilizer struct {
	rounder  Rounder
	clock    clock.Clock
	interval time.Duration
	logger   *pkg.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	err    error
	rounds int
}

// NewStabilizer creates a stabilizer for r. A nil clk uses the wall clock.
func NewStabilizer(r Rounder, clk clock.Clock, interval time.Duration, logger *pkg.Logger) (*Stabilizer, error) {
	if r == nil {
		return nil, fmt.Errorf("rounder cannot be nil")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("stabilize interval must be positive, got %s", interval)
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if clk == nil {
		clk = clock.New()
	}

	return &Stabilizer{
		rounder:  r,
		clock:    clk,
		interval: interval,
		logger:   logger.WithComponent("stabilizer"),
	}, nil
}

// Start begins ticking. The ticker exists once Start returns.
func (s *Stabilizer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != nil {
		return fmt.Errorf("stabilizer already started")
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	ticker := s.clock.Ticker(s.interval)

	go s.run(ctx, ticker)

	s.logger.Info().
		Dur("interval", s.interval).
		Msg("Stabilizer started")
	return nil
}

func (s *Stabilizer) run(ctx context.Context, ticker *clock.Ticker) {
	defer close(s.done)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.rounder.StabilizeRound(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Error().Err(err).Msg("Stabilization round failed")
				s.mu.Lock()
				s.err = err
				s.mu.Unlock()
				return
			}

			s.mu.Lock()
			s.rounds++
			rounds := s.rounds
			s.mu.Unlock()

			s.logger.Trace().Int("round", rounds).Msg("Stabilization round done")
		}
	}
}

// Rounds returns how many rounds completed.
func (s *Stabilizer) Rounds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rounds
}

// Done is closed when the stabilizer stops. It is nil before Start.
func (s *Stabilizer) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Stop halts the ticker, waits for an in-progress round and returns the
// error that stopped the stabilizer, if any.
func (s *Stabilizer) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if done == nil {
		return nil
	}
	cancel()
	<-done

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
