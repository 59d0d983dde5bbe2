// Package connectivity tracks whether the server is reachable.
//
// Transitions are edge-triggered: listeners run only when the state actually
// flips, never for a repeated observation of the same state.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Monitor is the online/offline signal consumed by the sync queue.
type Monitor interface {
	Online() bool
	// OnChange registers fn for every transition. The returned func unregisters it.
	OnChange(fn func(online bool)) (cancel func())
}

// state is the shared edge-detecting core of every monitor.
type state struct {
	mu        sync.Mutex
	online    bool
	nextID    int
	listeners map[int]func(bool)
}

func (s *state) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

func (s *state) OnChange(fn func(online bool)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listeners == nil {
		s.listeners = make(map[int]func(bool))
	}
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// set records online and notifies listeners outside the lock if it changed.
func (s *state) set(online bool) bool {
	s.mu.Lock()
	if s.online == online {
		s.mu.Unlock()
		return false
	}
	s.online = online
	fns := make([]func(bool), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(online)
	}
	return true
}

// Static is a monitor whose state is set by hand.
type Static struct {
	state
}

// NewStatic returns a monitor starting in the given state.
func NewStatic(online bool) *Static {
	s := &Static{}
	s.online = online
	return s
}

// Set changes the state, notifying listeners on a transition.
func (s *Static) Set(online bool) {
	s.set(online)
}

// Pinger checks reachability of the server.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Prober derives the online state by polling a Pinger.
type Prober struct {
	state
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
}

// NewProber creates a prober. It starts offline until the first probe succeeds.
func NewProber(p Pinger, interval, timeout time.Duration) *Prober {
	return &Prober{pinger: p, interval: interval, timeout: timeout}
}

// Probe runs one reachability check and updates the state.
func (p *Prober) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.pinger.Ping(ctx)
	online := err == nil
	if p.set(online) {
		if online {
			slog.Info("server reachable, going online")
		} else {
			slog.Warn("server unreachable, going offline", "error", err)
		}
	}
	return online
}

// Start probes immediately and then on every interval until ctx is done.
func (p *Prober) Start(ctx context.Context) {
	p.Probe(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}
