package pipeline

import (
	"sync"
	"time"
)

// longPressTracker runs the long-press side branch. It observes key
// transitions independently of the filter stages: accepted downs arm a
// cancellable timer, any up for the same code (accepted or dropped)
// cancels it. A timer that elapses while the key is held fires exactly
// once per down/up cycle.
type longPressTracker struct {
	threshold time.Duration
	fire      func(keyCode string, held time.Duration)

	mu      sync.Mutex
	closed  bool
	pressed map[string]*press
}

type press struct {
	timer   *time.Timer
	started time.Time
}

func newLongPressTracker(threshold time.Duration, fire func(keyCode string, held time.Duration)) *longPressTracker {
	return &longPressTracker{
		threshold: threshold,
		fire:      fire,
		pressed:   make(map[string]*press),
	}
}

// keyDown arms (or restarts) the press timer for a key code.
func (t *longPressTracker) keyDown(keyCode string, at time.Time) {
	if t.threshold <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if p, ok := t.pressed[keyCode]; ok {
		p.timer.Stop()
	}
	p := &press{started: at}
	p.timer = time.AfterFunc(t.threshold, func() {
		t.elapsed(keyCode, p)
	})
	t.pressed[keyCode] = p
}

// keyUp cancels the pending timer for a key code, ending the cycle.
func (t *longPressTracker) keyUp(keyCode string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.pressed[keyCode]; ok {
		p.timer.Stop()
		delete(t.pressed, keyCode)
	}
}

func (t *longPressTracker) elapsed(keyCode string, p *press) {
	t.mu.Lock()
	if t.closed || t.pressed[keyCode] != p {
		t.mu.Unlock()
		return
	}
	// Key is still held. The entry stays until key-up; the timer has
	// already fired so the same hold cannot fire again.
	held := time.Since(p.started)
	t.mu.Unlock()
	t.fire(keyCode, held)
}

// Close stops every pending timer. No timer fires after Close returns.
func (t *longPressTracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for code, p := range t.pressed {
		p.timer.Stop()
		delete(t.pressed, code)
	}
}
