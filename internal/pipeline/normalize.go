package pipeline

import (
	"github.com/hidbridge/hidbridge/internal/devsvc"
	"github.com/hidbridge/hidbridge/internal/evdev"
)

// normalized is the canonical view of one raw event before it enters
// the stateful stages.
type normalized struct {
	eventType string
	keyCode   string
	keyState  string
	value     int32
	raw       devsvc.RawEvent
}

// normalize classifies a raw event and applies the keymap override.
// Classification always uses the original code; the override is a pure
// rename of the symbolic key code applied afterwards. Events the bridge
// does not handle (non-wheel relative axes, absolute axes) return
// ok=false.
func normalize(raw devsvc.RawEvent, keymap map[string]string) (normalized, bool) {
	switch raw.Type {
	case evdev.EvKey:
		n := normalized{
			eventType: EventTypeKey,
			keyCode:   evdev.KeyName(raw.Code),
			value:     raw.Value,
			raw:       raw,
		}
		switch raw.Value {
		case evdev.KeyDown:
			n.keyState = KeyStateDown
		case evdev.KeyUp:
			n.keyState = KeyStateUp
		case evdev.KeyRepeat:
			n.keyState = KeyStateRepeat
		default:
			return normalized{}, false
		}
		if mapped, ok := keymap[n.keyCode]; ok {
			n.keyCode = mapped
		}
		return n, true
	case evdev.EvRel:
		if raw.Code != evdev.RelWheel && raw.Code != evdev.RelHWheel {
			return normalized{}, false
		}
		n := normalized{
			eventType: EventTypeScroll,
			keyCode:   evdev.AxisName(raw.Code),
			value:     raw.Value,
			raw:       raw,
		}
		if mapped, ok := keymap[n.keyCode]; ok {
			n.keyCode = mapped
		}
		return n, true
	default:
		return normalized{}, false
	}
}
