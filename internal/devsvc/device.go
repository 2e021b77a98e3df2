// Package devsvc discovers input devices, derives stable identities and
// decides which devices are monitored.
package devsvc

import (
	"crypto/md5"
	"encoding/hex"
	"time"

	"github.com/hidbridge/hidbridge/internal/evdev"
)

// Descriptor is a read-only snapshot of a device taken at discovery
// time. The path is ephemeral; identity never depends on it.
type Descriptor struct {
	Path         string       `json:"path"`
	Name         string       `json:"name"`
	Phys         string       `json:"phys"`
	Uniq         string       `json:"uniq"`
	Bus          uint16       `json:"bus"`
	Capabilities Capabilities `json:"capabilities"`
}

// Capabilities is the set of event classes a device can produce, read
// from its sysfs capability bitmaps.
type Capabilities struct {
	Keys         bool `json:"keys"`
	MouseButtons bool `json:"mouseButtons"`
	RelX         bool `json:"relX"`
	RelY         bool `json:"relY"`
	Wheel        bool `json:"wheel"`
	HWheel       bool `json:"hwheel"`
}

func (c Capabilities) HasScroll() bool {
	return c.Wheel || c.HWheel
}

// Identity derives the stable identifier for a descriptor: the reported
// uniq when present (typically a Bluetooth MAC), otherwise a digest of
// name and phys. Survives re-enumeration and path reassignment.
func (d Descriptor) Identity() string {
	if d.Uniq != "" {
		return "uniq_" + d.Uniq
	}
	sum := md5.Sum([]byte(d.Name + "_" + d.Phys))
	return "hash_" + hex.EncodeToString(sum[:])[:12]
}

// Source reports the bus the device is attached to (usb, bluetooth,
// virtual, unknown).
func (d Descriptor) Source() string {
	return evdev.BusName(d.Bus)
}

// RawEvent is a single event read from a device, in device order. The
// timestamp is taken from the monotonic clock at read time.
type RawEvent struct {
	Type  uint16
	Code  uint16
	Value int32
	Time  time.Time
}
