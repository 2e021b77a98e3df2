package devsvc

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hidbridge/hidbridge/internal/evdev"
)

func TestIdentityFromUniq(t *testing.T) {
	desc := Descriptor{
		Path: "/dev/input/event3",
		Name: "Bluetooth Remote",
		Phys: "aa:bb:cc:dd:ee:01",
		Uniq: "aa:bb:cc:dd:ee:ff",
	}
	assert.Equal(t, "uniq_aa:bb:cc:dd:ee:ff", desc.Identity())
}

func TestIdentityFromNameAndPhys(t *testing.T) {
	desc := Descriptor{
		Path: "/dev/input/event3",
		Name: "USB Keyboard",
		Phys: "usb-0000:00:14.0-2/input0",
	}
	id := desc.Identity()
	assert.Regexp(t, "^hash_[0-9a-f]{12}$", id)

	// Different name or phys produces a different identity.
	other := desc
	other.Phys = "usb-0000:00:14.0-3/input0"
	assert.NotEqual(t, id, other.Identity())
}

func TestIdentityIgnoresPath(t *testing.T) {
	a := Descriptor{Path: "/dev/input/event3", Name: "USB Keyboard", Phys: "usb-1/input0"}
	b := Descriptor{Path: "/dev/input/event17", Name: "USB Keyboard", Phys: "usb-1/input0"}
	assert.Equal(t, a.Identity(), b.Identity())

	c := Descriptor{Path: "/dev/input/event3", Name: "Bluetooth Remote", Uniq: "aa:bb"}
	d := Descriptor{Path: "/dev/input/event9", Name: "Bluetooth Remote", Uniq: "aa:bb"}
	assert.Equal(t, c.Identity(), d.Identity())
}

func TestSource(t *testing.T) {
	assert.Equal(t, "usb", Descriptor{Bus: evdev.BusUSB}.Source())
	assert.Equal(t, "bluetooth", Descriptor{Bus: evdev.BusBluetooth}.Source())
	assert.Equal(t, "virtual", Descriptor{Bus: evdev.BusVirtual}.Source())
	assert.Equal(t, "unknown", Descriptor{Bus: 0x42}.Source())
}

func TestHasScroll(t *testing.T) {
	assert.False(t, Capabilities{}.HasScroll())
	assert.True(t, Capabilities{Wheel: true}.HasScroll())
	assert.True(t, Capabilities{HWheel: true}.HasScroll())
}
