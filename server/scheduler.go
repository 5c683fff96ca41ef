package server

import (
	"sync"
	"time"
)

// Pollable is sampled periodically by a PollGroup.
type Pollable interface {
	Poll()
}

// Scheduler multiplexes the sampling of monitored items onto one
// PollGroup per distinct sampling interval.
type Scheduler struct {
	sync.Mutex
	srv        *Server
	pollGroups map[time.Duration]*PollGroup
}

// NewScheduler instantiates a new Scheduler.
func NewScheduler(srv *Server) *Scheduler {
	return &Scheduler{
		srv:        srv,
		pollGroups: make(map[time.Duration]*PollGroup),
	}
}

// GetPollGroup returns the PollGroup for the given sampling interval,
// creating it on first use.
func (s *Scheduler) GetPollGroup(interval time.Duration) *PollGroup {
	s.Lock()
	defer s.Unlock()
	if pg, ok := s.pollGroups[interval]; ok {
		return pg
	}
	pg := NewPollGroup(interval)
	s.pollGroups[interval] = pg
	return pg
}

// Close stops the tickers of all poll groups.
func (s *Scheduler) Close() {
	s.Lock()
	defer s.Unlock()
	for k, pg := range s.pollGroups {
		pg.close()
		delete(s.pollGroups, k)
	}
}

// PollGroup polls a set of listeners at a fixed interval on a shared
// ticker.
type PollGroup struct {
	sync.Mutex
	interval  time.Duration
	listeners []Pollable
	cancel    chan struct{}
	running   bool
}

// NewPollGroup instantiates a new PollGroup.
func NewPollGroup(interval time.Duration) *PollGroup {
	return &PollGroup{interval: interval}
}

// Subscribe adds a listener to the group, starting the ticker with the
// first listener.
func (g *PollGroup) Subscribe(listener Pollable) {
	g.Lock()
	defer g.Unlock()
	for _, l := range g.listeners {
		if l == listener {
			return
		}
	}
	g.listeners = append(g.listeners, listener)
	if !g.running {
		g.running = true
		g.cancel = make(chan struct{})
		go g.run(g.cancel)
	}
}

// Unsubscribe removes a listener from the group, stopping the ticker
// with the last listener.
func (g *PollGroup) Unsubscribe(listener Pollable) {
	g.Lock()
	defer g.Unlock()
	for i, l := range g.listeners {
		if l == listener {
			g.listeners = append(g.listeners[:i], g.listeners[i+1:]...)
			break
		}
	}
	if len(g.listeners) == 0 && g.running {
		g.running = false
		close(g.cancel)
		g.cancel = nil
	}
}

func (g *PollGroup) run(done chan struct{}) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			g.Lock()
			listeners := make([]Pollable, len(g.listeners))
			copy(listeners, g.listeners)
			g.Unlock()
			// poll outside the lock so a listener may unsubscribe
			// from its own callback.
			for _, l := range listeners {
				l.Poll()
			}
		}
	}
}

func (g *PollGroup) close() {
	g.Lock()
	defer g.Unlock()
	g.listeners = nil
	if g.running {
		g.running = false
		close(g.cancel)
		g.cancel = nil
	}
}
