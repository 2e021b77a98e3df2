// Package pipeline turns raw input events into the canonical,
// rate-controlled event stream handed to the dispatcher. One Pipeline
// instance exists per monitored device and owns all of that device's
// temporal state.
package pipeline

import "time"

// Event types on the wire.
const (
	EventTypeKey       = "key"
	EventTypeScroll    = "scroll"
	EventTypeLongPress = "long_press"
)

// Key states on the wire.
const (
	KeyStateDown   = "down"
	KeyStateUp     = "up"
	KeyStateRepeat = "repeat"
)

// CanonicalEvent is the wire shape delivered to every sink. key_state
// is present for key events only.
type CanonicalEvent struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	Source     string `json:"source"`
	EventType  string `json:"event_type"`
	KeyCode    string `json:"key_code"`
	KeyState   string `json:"key_state,omitempty"`
	Value      int    `json:"value"`
	Timestamp  string `json:"timestamp"`
}

// Timestamp renders a wall clock time in the wire format: UTC ISO-8601
// with microsecond precision.
func Timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000Z")
}

// DeviceInfo is the static device context stamped onto every canonical
// event.
type DeviceInfo struct {
	ID     string
	Name   string
	Source string
}

// Settings are the per-device pipeline tunables, resolved from the
// bridge configuration when the device becomes active.
type Settings struct {
	Debounce          time.Duration
	IgnoreKeyRepeat   bool
	EmitReleaseEvents bool
	RateLimitHz       int
	LongPress         time.Duration
	ScrollScale       float64
	ScrollBurstWindow time.Duration
	FilterScrolling   bool
	Keymap            map[string]string
}
