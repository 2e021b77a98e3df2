package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hidbridge/hidbridge/internal/devsvc"
)

// Pipeline processes one device's raw event stream. All temporal state
// (debounce, rate, press timers, scroll windows) is owned here and dies
// with the instance; nothing survives a device's deactivation.
//
// Key events pass a fixed chain of stages, each of which may drop an
// event but never reorders or duplicates the surviving stream:
// debounce, repeat filter, release filter, per-device rate limiter.
// Long-press detection is a side branch over the same stream; scroll
// events bypass the chain and go to the burst aggregator.
type Pipeline struct {
	log      *zap.Logger
	device   DeviceInfo
	settings Settings
	now      func() time.Time
	emit     func(CanonicalEvent)

	lastAccepted map[string]time.Time

	minInterval time.Duration
	lastPassed  time.Time
	hasPassed   bool

	longPress *longPressTracker
	scroll    *scrollAggregator
}

func New(log *zap.Logger, device DeviceInfo, settings Settings, now func() time.Time, emit func(CanonicalEvent)) *Pipeline {
	p := &Pipeline{
		log:          log,
		device:       device,
		settings:     settings,
		now:          now,
		emit:         emit,
		lastAccepted: make(map[string]time.Time),
	}
	if settings.RateLimitHz > 0 {
		p.minInterval = time.Second / time.Duration(settings.RateLimitHz)
	}
	p.longPress = newLongPressTracker(settings.LongPress, p.emitLongPress)
	p.scroll = newScrollAggregator(settings.ScrollBurstWindow, settings.ScrollScale, now, p.emitScroll)
	return p
}

// Run drives the scroll sweeper until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) {
	p.scroll.run(ctx)
}

// Handle feeds one raw event through the pipeline. Must be called from
// the single goroutine owning this device's stream.
func (p *Pipeline) Handle(raw devsvc.RawEvent) {
	n, ok := normalize(raw, p.settings.Keymap)
	if !ok {
		return
	}
	switch n.eventType {
	case EventTypeKey:
		p.handleKey(n)
	case EventTypeScroll:
		p.handleScroll(n)
	}
}

func (p *Pipeline) handleKey(n normalized) {
	// The long-press branch observes key releases before any filtering,
	// so a suppressed release still cancels the press timer.
	if n.keyState == KeyStateUp {
		p.longPress.keyUp(n.keyCode)
	}

	if !p.debounce(n.keyCode, n.raw.Time) {
		return
	}
	if p.settings.IgnoreKeyRepeat && n.keyState == KeyStateRepeat {
		return
	}
	if !p.settings.EmitReleaseEvents && n.keyState == KeyStateUp {
		return
	}
	if !p.allowRate(n.raw.Time) {
		return
	}

	if n.keyState == KeyStateDown {
		p.longPress.keyDown(n.keyCode, n.raw.Time)
	}

	p.emit(CanonicalEvent{
		DeviceID:   p.device.ID,
		DeviceName: p.device.Name,
		Source:     p.device.Source,
		EventType:  EventTypeKey,
		KeyCode:    n.keyCode,
		KeyState:   n.keyState,
		Value:      int(n.value),
		Timestamp:  Timestamp(p.now()),
	})
}

// debounce accepts the first event for a key code and every event at
// least Debounce after the last accepted one for that code.
func (p *Pipeline) debounce(keyCode string, at time.Time) bool {
	if p.settings.Debounce > 0 {
		if last, ok := p.lastAccepted[keyCode]; ok && at.Sub(last) < p.settings.Debounce {
			return false
		}
	}
	p.lastAccepted[keyCode] = at
	return true
}

// allowRate enforces a minimum spacing of 1/RateLimitHz between events
// leaving this device, which bounds the accepted rate in any rolling
// one second window. Excess events are dropped, never queued.
func (p *Pipeline) allowRate(at time.Time) bool {
	if p.minInterval == 0 {
		return true
	}
	if p.hasPassed && at.Sub(p.lastPassed) < p.minInterval {
		return false
	}
	p.lastPassed = at
	p.hasPassed = true
	return true
}

func (p *Pipeline) handleScroll(n normalized) {
	if p.settings.FilterScrolling {
		return
	}
	p.scroll.add(n.keyCode, n.value, n.raw.Time)
}

func (p *Pipeline) emitScroll(axis string, value int, at time.Time) {
	p.emit(CanonicalEvent{
		DeviceID:   p.device.ID,
		DeviceName: p.device.Name,
		Source:     p.device.Source,
		EventType:  EventTypeScroll,
		KeyCode:    axis,
		Value:      value,
		Timestamp:  Timestamp(p.now()),
	})
}

func (p *Pipeline) emitLongPress(keyCode string, held time.Duration) {
	p.emit(CanonicalEvent{
		DeviceID:   p.device.ID,
		DeviceName: p.device.Name,
		Source:     p.device.Source,
		EventType:  EventTypeLongPress,
		KeyCode:    keyCode,
		Value:      int(held.Milliseconds()),
		Timestamp:  Timestamp(p.now()),
	})
}

// Close cancels the press timers. Scroll sweeping stops with the Run
// context. No event is emitted after Close returns.
func (p *Pipeline) Close() {
	p.longPress.Close()
}
