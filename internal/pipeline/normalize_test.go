package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hidbridge/hidbridge/internal/devsvc"
	"github.com/hidbridge/hidbridge/internal/evdev"
)

func TestNormalize(t *testing.T) {
	at := time.Now()
	tests := []struct {
		name      string
		raw       devsvc.RawEvent
		keymap    map[string]string
		ok        bool
		eventType string
		keyCode   string
		keyState  string
		value     int32
	}{
		{
			name:      "key down",
			raw:       devsvc.RawEvent{Type: evdev.EvKey, Code: 115, Value: evdev.KeyDown, Time: at},
			ok:        true,
			eventType: EventTypeKey,
			keyCode:   "KEY_VOLUMEUP",
			keyState:  KeyStateDown,
			value:     1,
		},
		{
			name:      "key up",
			raw:       devsvc.RawEvent{Type: evdev.EvKey, Code: 115, Value: evdev.KeyUp, Time: at},
			ok:        true,
			eventType: EventTypeKey,
			keyCode:   "KEY_VOLUMEUP",
			keyState:  KeyStateUp,
			value:     0,
		},
		{
			name:      "key repeat",
			raw:       devsvc.RawEvent{Type: evdev.EvKey, Code: 28, Value: evdev.KeyRepeat, Time: at},
			ok:        true,
			eventType: EventTypeKey,
			keyCode:   "KEY_ENTER",
			keyState:  KeyStateRepeat,
			value:     2,
		},
		{
			name: "key with unknown state value",
			raw:  devsvc.RawEvent{Type: evdev.EvKey, Code: 115, Value: 3, Time: at},
			ok:   false,
		},
		{
			name:      "unknown key code gets numeric name",
			raw:       devsvc.RawEvent{Type: evdev.EvKey, Code: 700, Value: evdev.KeyDown, Time: at},
			ok:        true,
			eventType: EventTypeKey,
			keyCode:   "KEY_700",
			keyState:  KeyStateDown,
			value:     1,
		},
		{
			name:      "vertical wheel",
			raw:       devsvc.RawEvent{Type: evdev.EvRel, Code: evdev.RelWheel, Value: -2, Time: at},
			ok:        true,
			eventType: EventTypeScroll,
			keyCode:   "REL_WHEEL",
			value:     -2,
		},
		{
			name:      "horizontal wheel",
			raw:       devsvc.RawEvent{Type: evdev.EvRel, Code: evdev.RelHWheel, Value: 1, Time: at},
			ok:        true,
			eventType: EventTypeScroll,
			keyCode:   "REL_HWHEEL",
			value:     1,
		},
		{
			name: "pointer motion is not handled",
			raw:  devsvc.RawEvent{Type: evdev.EvRel, Code: evdev.RelX, Value: 5, Time: at},
			ok:   false,
		},
		{
			name: "absolute axis is not handled",
			raw:  devsvc.RawEvent{Type: evdev.EvAbs, Code: 0, Value: 100, Time: at},
			ok:   false,
		},
		{
			name:      "keymap renames after classification",
			raw:       devsvc.RawEvent{Type: evdev.EvKey, Code: 115, Value: evdev.KeyDown, Time: at},
			keymap:    map[string]string{"KEY_VOLUMEUP": "KEY_F13"},
			ok:        true,
			eventType: EventTypeKey,
			keyCode:   "KEY_F13",
			keyState:  KeyStateDown,
			value:     1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, ok := normalize(tt.raw, tt.keymap)
			require.Equal(t, tt.ok, ok)
			if !tt.ok {
				return
			}
			assert.Equal(t, tt.eventType, n.eventType)
			assert.Equal(t, tt.keyCode, n.keyCode)
			assert.Equal(t, tt.keyState, n.keyState)
			assert.Equal(t, tt.value, n.value)
		})
	}
}
