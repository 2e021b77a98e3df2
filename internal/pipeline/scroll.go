package pipeline

import (
	"context"
	"sync"
	"time"
)

// scrollAggregator merges bursts of raw scroll deltas into one event
// per axis per burst window. Scaling is applied once, after summation.
// A sweeper flushes windows that age out without further input so a
// lone scroll never waits indefinitely.
type scrollAggregator struct {
	window time.Duration
	scale  float64
	now    func() time.Time
	flush  func(axis string, value int, at time.Time)

	mu      sync.Mutex
	windows map[string]*scrollWindow
}

type scrollWindow struct {
	accumulated int32
	openedAt    time.Time
}

func newScrollAggregator(window time.Duration, scale float64, now func() time.Time, flush func(axis string, value int, at time.Time)) *scrollAggregator {
	return &scrollAggregator{
		window:  window,
		scale:   scale,
		now:     now,
		flush:   flush,
		windows: make(map[string]*scrollWindow),
	}
}

// add feeds one raw delta into the axis accumulator. An expired window
// is flushed first and the delta seeds a new one.
func (s *scrollAggregator) add(axis string, delta int32, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[axis]
	if ok && at.Sub(w.openedAt) < s.window {
		w.accumulated += delta
		return
	}
	if ok {
		s.flushLocked(axis, w, at)
	}
	s.windows[axis] = &scrollWindow{accumulated: delta, openedAt: at}
}

// sweep flushes every window older than the burst window.
func (s *scrollAggregator) sweep() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for axis, w := range s.windows {
		if now.Sub(w.openedAt) >= s.window {
			s.flushLocked(axis, w, now)
			delete(s.windows, axis)
		}
	}
}

func (s *scrollAggregator) flushLocked(axis string, w *scrollWindow, at time.Time) {
	if w.accumulated == 0 {
		return
	}
	s.flush(axis, int(float64(w.accumulated)*s.scale), at)
}

// run drives the sweeper until ctx is cancelled.
func (s *scrollAggregator) run(ctx context.Context) {
	interval := s.window / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}
