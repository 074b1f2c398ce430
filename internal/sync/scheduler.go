package sync

import (
	"context"
	"sync"
	"time"

	"github.com/fieldops/sitesync/internal/logging"
)

// Scheduler drives the engine in the background: a periodic flush pass while
// online, plus an immediate pass whenever connectivity comes back.
type Scheduler struct {
	engine   *Engine
	signal   OnlineSignal
	interval time.Duration

	mu        sync.Mutex
	isRunning bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
	unsub     func()
}

// NewScheduler creates a Scheduler flushing every interval.
func NewScheduler(engine *Engine, signal OnlineSignal, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scheduler{
		engine:   engine,
		signal:   signal,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the background loop. Calling Start on a running scheduler is
// a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	wake := make(chan struct{}, 1)
	s.unsub = s.signal.Subscribe(func(online bool) {
		if online {
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	})

	s.wg.Add(1)
	go s.loop(ctx, wake)

	logging.Info("sync scheduler started", map[string]interface{}{"interval": s.interval.String()})
}

// Stop halts the loop and waits for an in-flight pass to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	if s.unsub != nil {
		s.unsub()
	}
	close(s.stopCh)
	s.wg.Wait()
	logging.Info("sync scheduler stopped", nil)
}

func (s *Scheduler) loop(ctx context.Context, wake <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
		case <-wake:
			// reconnected: flush immediately instead of waiting out the tick
		}

		if err := s.engine.SyncAll(ctx); err != nil && ctx.Err() == nil {
			logging.Error("background flush pass failed", err, nil)
		}
	}
}
