package auth

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

const sweepTimeout = 30 * time.Second

// Sweeper deletes expired sessions on a fixed interval as background
// maintenance, independent of request handling. Sweep failures are
// logged and swallowed.
type Sweeper struct {
	manager  *Manager
	interval time.Duration
	log      *logrus.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewSweeper constructs a sweeper running every interval (hourly when
// zero).
func NewSweeper(manager *Manager, interval time.Duration, log *logrus.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{
		manager:  manager,
		interval: interval,
		log:      log,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the sweep loop in its own goroutine.
func (s *Sweeper) Start() {
	go s.run()
}

// Stop signals the loop to exit and waits for it.
func (s *Sweeper) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Sweeper) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Do an initial sweep immediately
	s.sweep()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	count, err := s.manager.SweepExpired(ctx)
	if err != nil {
		s.log.WithError(err).Warn("session sweep failed")
		return
	}
	if count > 0 {
		s.log.WithField("count", count).Info("removed expired sessions")
	}
}
