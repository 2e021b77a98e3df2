// Package linux implements the devsvc.Backend interface on top of
// /dev/input event nodes, sysfs attributes and udev hotplug
// notifications.
package linux

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unsafe"

	"github.com/jochenvg/go-udev"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/hidbridge/hidbridge/internal/devsvc"
	"github.com/hidbridge/hidbridge/internal/evdev"
)

var defaultBackendOptions = backendOptions{
	pollInterval: 10 * time.Second,
	startupDelay: 0,
	devInputDir:  "/dev/input",
	sysInputDir:  "/sys/class/input",
}

type backendOptions struct {
	pollInterval time.Duration
	startupDelay time.Duration
	devInputDir  string
	sysInputDir  string
}

type Option func(*backendOptions)

func WithPollInterval(d time.Duration) Option {
	return func(o *backendOptions) {
		o.pollInterval = d
	}
}

// WithStartupDelay delays the first discovery pass, giving slow buses
// time to settle after boot.
func WithStartupDelay(d time.Duration) Option {
	return func(o *backendOptions) {
		o.startupDelay = d
	}
}

// Backend enumerates evdev devices and reads their raw event streams.
type Backend struct {
	log     *zap.Logger
	options backendOptions
	ready   chan struct{}

	udev      *udev.Udev
	publisher devsvc.BackendPublisher
}

func NewBackend(log *zap.Logger, opts ...Option) *Backend {
	options := defaultBackendOptions
	for _, opt := range opts {
		opt(&options)
	}
	return &Backend{
		log:     log,
		options: options,
		ready:   make(chan struct{}),
	}
}

func (b *Backend) Ready() <-chan struct{} {
	return b.ready
}

func (b *Backend) Start(ctx context.Context, publisher devsvc.BackendPublisher) error {
	b.publisher = publisher
	b.udev = &udev.Udev{}

	if b.options.startupDelay > 0 {
		b.log.Info("Waiting before first device scan", zap.Duration("delay", b.options.startupDelay))
		t := time.NewTimer(b.options.startupDelay)
		select {
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return nil
		case <-t.C:
		}
	}

	b.scanAndPublish(ctx)
	close(b.ready)
	b.log.Info("Linux input backend started")

	hotplug := b.hotplugChan(ctx)
	pollTicker := time.NewTicker(b.options.pollInterval)
	defer pollTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-pollTicker.C:
			b.scanAndPublish(ctx)
		case _, ok := <-hotplug:
			if !ok {
				hotplug = nil
				continue
			}
			b.scanAndPublish(ctx)
		}
	}
}

// hotplugChan subscribes to udev add/remove events on the input
// subsystem. Discovery falls back to the poll ticker when the netlink
// monitor cannot be set up.
func (b *Backend) hotplugChan(ctx context.Context) <-chan *udev.Device {
	monitor := b.udev.NewMonitorFromNetlink("udev")
	if monitor == nil {
		b.log.Warn("udev monitor unavailable, relying on polling")
		return nil
	}
	if err := monitor.FilterAddMatchSubsystem("input"); err != nil {
		b.log.Warn("failed to filter udev monitor", zap.Error(err))
	}
	ch, err := monitor.DeviceChan(ctx)
	if err != nil {
		b.log.Warn("failed to start udev monitor, relying on polling", zap.Error(err))
		return nil
	}
	return ch
}

func (b *Backend) scanAndPublish(ctx context.Context) {
	devices, err := b.enumerate()
	if err != nil {
		b.publisher(ctx, devsvc.BackendEvent{Err: err})
		return
	}
	b.publisher(ctx, devsvc.BackendEvent{Devices: devices})
}

func (b *Backend) enumerate() ([]devsvc.Descriptor, error) {
	paths, err := filepath.Glob(filepath.Join(b.options.devInputDir, "event*"))
	if err != nil {
		return nil, fmt.Errorf("failed to list input devices: %w", err)
	}
	sort.Strings(paths)
	var devices []devsvc.Descriptor
	for _, path := range paths {
		desc, err := b.readDescriptor(path)
		if err != nil {
			b.log.Debug("failed to read device info", zap.String("path", path), zap.Error(err))
			continue
		}
		devices = append(devices, desc)
	}
	return devices, nil
}

func (b *Backend) readDescriptor(path string) (devsvc.Descriptor, error) {
	eventName := filepath.Base(path)
	if !strings.HasPrefix(eventName, "event") {
		return devsvc.Descriptor{}, fmt.Errorf("not an event node: %s", path)
	}
	sysfs := filepath.Join(b.options.sysInputDir, eventName, "device")
	if _, err := os.Stat(sysfs); err != nil {
		return devsvc.Descriptor{}, fmt.Errorf("sysfs node missing for %s: %w", eventName, err)
	}

	name := readSysfs(sysfs, "name")
	if name == "" {
		name = "Unknown"
	}
	bustype, _ := strconv.ParseUint(readSysfs(filepath.Join(sysfs, "id"), "bustype"), 16, 16)

	caps, err := readCapabilities(sysfs)
	if err != nil {
		return devsvc.Descriptor{}, err
	}

	return devsvc.Descriptor{
		Path:         path,
		Name:         name,
		Phys:         readSysfs(sysfs, "phys"),
		Uniq:         readSysfs(sysfs, "uniq"),
		Bus:          uint16(bustype),
		Capabilities: caps,
	}, nil
}

func readSysfs(base, attr string) string {
	data, err := os.ReadFile(filepath.Join(base, attr))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Mouse button range in the key capability bitmap (BTN_MOUSE..BTN_TASK).
const (
	btnMouseFirst = 0x110
	btnMouseLast  = 0x117
)

func readCapabilities(sysfs string) (devsvc.Capabilities, error) {
	var caps devsvc.Capabilities
	capsDir := filepath.Join(sysfs, "capabilities")
	evMask, err := parseBitmap(readSysfs(capsDir, "ev"))
	if err != nil {
		return caps, fmt.Errorf("failed to parse ev capabilities: %w", err)
	}
	if evMask.test(uint(evdev.EvKey)) {
		keyMask, err := parseBitmap(readSysfs(capsDir, "key"))
		if err != nil {
			return caps, fmt.Errorf("failed to parse key capabilities: %w", err)
		}
		for code := 0; code < btnMouseFirst; code++ {
			if keyMask.test(uint(code)) {
				caps.Keys = true
				break
			}
		}
		for code := btnMouseFirst; code <= btnMouseLast; code++ {
			if keyMask.test(uint(code)) {
				caps.MouseButtons = true
				break
			}
		}
		if !caps.Keys {
			// Keys above the mouse button range still count as keys.
			for code := btnMouseLast + 1; code < len(keyMask)*64; code++ {
				if keyMask.test(uint(code)) {
					caps.Keys = true
					break
				}
			}
		}
	}
	if evMask.test(uint(evdev.EvRel)) {
		relMask, err := parseBitmap(readSysfs(capsDir, "rel"))
		if err != nil {
			return caps, fmt.Errorf("failed to parse rel capabilities: %w", err)
		}
		caps.RelX = relMask.test(uint(evdev.RelX))
		caps.RelY = relMask.test(uint(evdev.RelY))
		caps.Wheel = relMask.test(uint(evdev.RelWheel))
		caps.HWheel = relMask.test(uint(evdev.RelHWheel))
	}
	return caps, nil
}

// bitmap is a sysfs capability bitmap: space-separated 64-bit hex
// words, most significant word first.
type bitmap []uint64

func parseBitmap(s string) (bitmap, error) {
	if s == "" {
		return nil, nil
	}
	words := strings.Fields(s)
	mask := make(bitmap, len(words))
	for i, word := range words {
		v, err := strconv.ParseUint(word, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid bitmap word %q: %w", word, err)
		}
		// sysfs prints high words first
		mask[len(words)-1-i] = v
	}
	return mask, nil
}

func (m bitmap) test(bit uint) bool {
	word := bit / 64
	if int(word) >= len(m) {
		return false
	}
	return m[word]&(1<<(bit%64)) != 0
}

const eventSize = int(unsafe.Sizeof(unix.InputEvent{}))

// Open opens an event node and starts its read loop. The returned
// handle's channel is closed when the device becomes unreadable.
func (b *Backend) Open(path string) (devsvc.DeviceHandle, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	h := &evdevHandle{
		log:    b.log,
		path:   path,
		f:      f,
		events: make(chan devsvc.RawEvent, 64),
		done:   make(chan struct{}),
	}
	go h.readLoop()
	return h, nil
}

type evdevHandle struct {
	log       *zap.Logger
	path      string
	f         *os.File
	events    chan devsvc.RawEvent
	done      chan struct{}
	closeOnce sync.Once
}

func (h *evdevHandle) Events() <-chan devsvc.RawEvent {
	return h.events
}

func (h *evdevHandle) Close() error {
	// Release the read loop even when it is parked on a full events
	// channel with nobody left to drain it.
	h.closeOnce.Do(func() { close(h.done) })
	return h.f.Close()
}

func (h *evdevHandle) readLoop() {
	defer close(h.events)
	buf := make([]byte, eventSize)
	for {
		if _, err := io.ReadFull(h.f, buf); err != nil {
			if !os.IsNotExist(err) && err != io.EOF && !strings.Contains(err.Error(), "file already closed") {
				h.log.Debug("device read terminated", zap.String("path", h.path), zap.Error(err))
			}
			return
		}
		ev := *(*unix.InputEvent)(unsafe.Pointer(&buf[0]))
		if ev.Type == evdev.EvSyn {
			continue
		}
		select {
		case h.events <- devsvc.RawEvent{
			Type:  ev.Type,
			Code:  ev.Code,
			Value: ev.Value,
			Time:  time.Now(),
		}:
		case <-h.done:
			return
		}
	}
}
