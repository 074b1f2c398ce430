// Package sync provides the sync engine: it drains the durable queue against
// the remote authority, classifies failures, raises conflicts on divergence
// and drives their resolution.
package sync

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/fieldops/sitesync/internal/logging"
)

// OnlineSignal reports device connectivity. The engine polls Online before a
// flush and subscribes to flips so reconnection triggers an immediate pass.
type OnlineSignal interface {
	Online() bool
	Subscribe(fn func(online bool)) (cancel func())
}

// ManualSignal is an OnlineSignal flipped by the caller: by a connectivity
// prober in the agent, or directly in tests.
type ManualSignal struct {
	mu     sync.Mutex
	online bool
	subs   map[int]func(bool)
	nextID int
}

// NewManualSignal creates a signal in the given initial state.
func NewManualSignal(online bool) *ManualSignal {
	return &ManualSignal{online: online, subs: make(map[int]func(bool))}
}

// Online implements OnlineSignal.
func (s *ManualSignal) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Set flips the signal and notifies subscribers on change.
func (s *ManualSignal) Set(online bool) {
	s.mu.Lock()
	changed := s.online != online
	s.online = online
	var fns []func(bool)
	if changed {
		for _, fn := range s.subs {
			fns = append(fns, fn)
		}
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(online)
	}
}

// Subscribe implements OnlineSignal.
func (s *ManualSignal) Subscribe(fn func(bool)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// Prober flips a ManualSignal based on periodic health checks against the
// authority.
type Prober struct {
	signal   *ManualSignal
	url      string
	interval time.Duration
	client   *http.Client
}

// NewProber creates a Prober hitting url every interval.
func NewProber(signal *ManualSignal, url string, interval time.Duration) *Prober {
	return &Prober{
		signal:   signal,
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

// Run probes until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.probe(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Prober) probe(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return
	}
	resp, err := p.client.Do(req)
	online := err == nil && resp.StatusCode < 500
	if err == nil {
		resp.Body.Close()
	}
	if online != p.signal.Online() {
		logging.Info("connectivity changed", map[string]interface{}{"online": online})
	}
	p.signal.Set(online)
}
