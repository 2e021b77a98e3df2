// Package evdev holds the subset of Linux input event codes the bridge
// needs to classify and name raw events (see linux/input-event-codes.h).
package evdev

import "fmt"

// Event types.
const (
	EvSyn uint16 = 0x00
	EvKey uint16 = 0x01
	EvRel uint16 = 0x02
	EvAbs uint16 = 0x03
)

// Relative axes.
const (
	RelX      uint16 = 0x00
	RelY      uint16 = 0x01
	RelHWheel uint16 = 0x06
	RelWheel  uint16 = 0x08
)

// Key event values.
const (
	KeyUp     int32 = 0
	KeyDown   int32 = 1
	KeyRepeat int32 = 2
)

// Bus types reported in sysfs id/bustype.
const (
	BusUSB       uint16 = 0x03
	BusBluetooth uint16 = 0x05
	BusVirtual   uint16 = 0x11
	BusI2C       uint16 = 0x19
)

// BusName maps a bus type to its wire representation. Unknown bus types
// report "unknown".
func BusName(bus uint16) string {
	switch bus {
	case BusUSB:
		return "usb"
	case BusBluetooth:
		return "bluetooth"
	case BusVirtual:
		return "virtual"
	case BusI2C:
		return "i2c"
	default:
		return "unknown"
	}
}

// AxisName maps a wheel axis code to its wire representation.
func AxisName(code uint16) string {
	if code == RelHWheel {
		return "REL_HWHEEL"
	}
	return "REL_WHEEL"
}

// keyNames covers the keys a remote or keyboard is likely to produce.
// Codes without an entry fall back to KEY_<code>.
var keyNames = map[uint16]string{
	1:   "KEY_ESC",
	2:   "KEY_1",
	3:   "KEY_2",
	4:   "KEY_3",
	5:   "KEY_4",
	6:   "KEY_5",
	7:   "KEY_6",
	8:   "KEY_7",
	9:   "KEY_8",
	10:  "KEY_9",
	11:  "KEY_0",
	14:  "KEY_BACKSPACE",
	15:  "KEY_TAB",
	16:  "KEY_Q",
	17:  "KEY_W",
	18:  "KEY_E",
	19:  "KEY_R",
	20:  "KEY_T",
	21:  "KEY_Y",
	22:  "KEY_U",
	23:  "KEY_I",
	24:  "KEY_O",
	25:  "KEY_P",
	28:  "KEY_ENTER",
	29:  "KEY_LEFTCTRL",
	30:  "KEY_A",
	31:  "KEY_S",
	32:  "KEY_D",
	33:  "KEY_F",
	34:  "KEY_G",
	35:  "KEY_H",
	36:  "KEY_J",
	37:  "KEY_K",
	38:  "KEY_L",
	42:  "KEY_LEFTSHIFT",
	44:  "KEY_Z",
	45:  "KEY_X",
	46:  "KEY_C",
	47:  "KEY_V",
	48:  "KEY_B",
	49:  "KEY_N",
	50:  "KEY_M",
	56:  "KEY_LEFTALT",
	57:  "KEY_SPACE",
	58:  "KEY_CAPSLOCK",
	59:  "KEY_F1",
	60:  "KEY_F2",
	61:  "KEY_F3",
	62:  "KEY_F4",
	63:  "KEY_F5",
	64:  "KEY_F6",
	65:  "KEY_F7",
	66:  "KEY_F8",
	67:  "KEY_F9",
	68:  "KEY_F10",
	87:  "KEY_F11",
	88:  "KEY_F12",
	102: "KEY_HOME",
	103: "KEY_UP",
	104: "KEY_PAGEUP",
	105: "KEY_LEFT",
	106: "KEY_RIGHT",
	107: "KEY_END",
	108: "KEY_DOWN",
	109: "KEY_PAGEDOWN",
	111: "KEY_DELETE",
	113: "KEY_MUTE",
	114: "KEY_VOLUMEDOWN",
	115: "KEY_VOLUMEUP",
	116: "KEY_POWER",
	119: "KEY_PAUSE",
	128: "KEY_STOP",
	139: "KEY_MENU",
	142: "KEY_SLEEP",
	158: "KEY_BACK",
	159: "KEY_FORWARD",
	163: "KEY_NEXTSONG",
	164: "KEY_PLAYPAUSE",
	165: "KEY_PREVIOUSSONG",
	166: "KEY_STOPCD",
	167: "KEY_RECORD",
	168: "KEY_REWIND",
	172: "KEY_HOMEPAGE",
	174: "KEY_EXIT",
	207: "KEY_PLAY",
	208: "KEY_FASTFORWARD",
	224: "KEY_BRIGHTNESSDOWN",
	225: "KEY_BRIGHTNESSUP",
	352: "KEY_OK",
	353: "KEY_SELECT",
	358: "KEY_INFO",
	362: "KEY_PROGRAM",
	365: "KEY_EPG",
	369: "KEY_SUBTITLE",
	398: "KEY_RED",
	399: "KEY_GREEN",
	400: "KEY_YELLOW",
	401: "KEY_BLUE",
	402: "KEY_CHANNELUP",
	403: "KEY_CHANNELDOWN",
}

// KeyName returns the symbolic name for a key code.
func KeyName(code uint16) string {
	if name, ok := keyNames[code]; ok {
		return name
	}
	return fmt.Sprintf("KEY_%d", code)
}
