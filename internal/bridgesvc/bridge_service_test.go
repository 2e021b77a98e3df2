package bridgesvc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hidbridge/hidbridge/internal/configsvc"
	"github.com/hidbridge/hidbridge/internal/devsvc"
	"github.com/hidbridge/hidbridge/internal/dispatch"
	"github.com/hidbridge/hidbridge/internal/evdev"
	"github.com/hidbridge/hidbridge/internal/pipeline"
)

type captureSink struct {
	mu     sync.Mutex
	events []pipeline.CanonicalEvent
}

func (s *captureSink) Name() string { return "capture" }

func (s *captureSink) Publish(ctx context.Context, event pipeline.CanonicalEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *captureSink) all() []pipeline.CanonicalEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]pipeline.CanonicalEvent, len(s.events))
	copy(out, s.events)
	return out
}

type fakeBackend struct {
	ready   chan struct{}
	started chan devsvc.BackendPublisher
	opened  chan *fakeHandle
	// Published before ready is signalled, like the first enumeration
	// pass of the real backend.
	initial []devsvc.Descriptor
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		ready:   make(chan struct{}),
		started: make(chan devsvc.BackendPublisher, 1),
		opened:  make(chan *fakeHandle, 4),
	}
}

func (f *fakeBackend) Start(ctx context.Context, pub devsvc.BackendPublisher) error {
	if f.initial != nil {
		pub(ctx, devsvc.BackendEvent{Devices: f.initial})
	}
	f.started <- pub
	close(f.ready)
	<-ctx.Done()
	return nil
}

func (f *fakeBackend) Ready() <-chan struct{} {
	return f.ready
}

func (f *fakeBackend) Open(path string) (devsvc.DeviceHandle, error) {
	h := &fakeHandle{
		events: make(chan devsvc.RawEvent, 16),
		closed: make(chan struct{}),
	}
	f.opened <- h
	return h, nil
}

type fakeHandle struct {
	events    chan devsvc.RawEvent
	closed    chan struct{}
	closeOnce sync.Once
}

func (h *fakeHandle) Events() <-chan devsvc.RawEvent { return h.events }

func (h *fakeHandle) Close() error {
	h.closeOnce.Do(func() { close(h.closed) })
	return nil
}

var remoteDesc = devsvc.Descriptor{
	Path:         "/dev/input/event3",
	Name:         "Bluetooth Remote",
	Phys:         "aa:bb:cc:dd:ee:01",
	Uniq:         "aa:bb:cc:dd:ee:ff",
	Bus:          evdev.BusBluetooth,
	Capabilities: devsvc.Capabilities{Keys: true, Wheel: true},
}

type bridgeFixture struct {
	backend *fakeBackend
	store   *devsvc.Store
	sink    *captureSink
	bridge  *Service
	pub     devsvc.BackendPublisher
}

func startBridge(t *testing.T, cfg configsvc.BridgeConfig) (*bridgeFixture, context.Context) {
	return startBridgeWith(t, cfg, nil)
}

// startBridgeWith runs prep against the store and backend before the
// services start, for scenarios that depend on pre-existing state.
func startBridgeWith(t *testing.T, cfg configsvc.BridgeConfig, prep func(*devsvc.Store, *fakeBackend)) (*bridgeFixture, context.Context) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	opts := badger.DefaultOptions(t.TempDir())
	opts.Logger = nil
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	store := devsvc.NewStore(db)
	backend := newFakeBackend()
	if prep != nil {
		prep(store, backend)
	}
	devSvc := devsvc.New(store, zap.NewNop(), time.Now, backend)
	devSvc.SetFilter(ctx, devsvc.NewFilter(cfg.DenySet(), cfg.FilterMouseDevices))

	sink := &captureSink{}
	dispatcher := dispatch.New(zap.NewNop(), sink)
	bridge := New(zap.NewNop(), devSvc, dispatcher, cfg, time.Now)

	go func() { _ = devSvc.Start(ctx) }()
	go func() { _ = bridge.Start(ctx) }()

	var pub devsvc.BackendPublisher
	select {
	case pub = <-backend.started:
	case <-time.After(time.Second):
		t.Fatal("backend never started")
	}
	select {
	case <-bridge.Ready():
	case <-time.After(time.Second):
		t.Fatal("bridge never became ready")
	}
	return &bridgeFixture{
		backend: backend,
		store:   store,
		sink:    sink,
		bridge:  bridge,
		pub:     pub,
	}, ctx
}

func (f *bridgeFixture) attachRemote(t *testing.T, ctx context.Context) *fakeHandle {
	t.Helper()
	require.NoError(t, f.store.Select(remoteDesc.Identity()))
	f.pub(ctx, devsvc.BackendEvent{Devices: []devsvc.Descriptor{remoteDesc}})
	select {
	case h := <-f.backend.opened:
		return h
	case <-time.After(time.Second):
		t.Fatal("device was never opened")
		return nil
	}
}

func TestRemoteKeyPressIsDispatched(t *testing.T) {
	f, ctx := startBridge(t, configsvc.DefaultBridgeConfig())
	handle := f.attachRemote(t, ctx)

	now := time.Now()
	handle.events <- devsvc.RawEvent{Type: evdev.EvKey, Code: 115, Value: evdev.KeyDown, Time: now}
	handle.events <- devsvc.RawEvent{Type: evdev.EvKey, Code: 115, Value: evdev.KeyUp, Time: now.Add(100 * time.Millisecond)}

	require.Eventually(t, func() bool {
		return len(f.sink.all()) == 2
	}, time.Second, 10*time.Millisecond)

	events := f.sink.all()
	assert.Equal(t, "uniq_aa:bb:cc:dd:ee:ff", events[0].DeviceID)
	assert.Equal(t, "Bluetooth Remote", events[0].DeviceName)
	assert.Equal(t, "bluetooth", events[0].Source)
	assert.Equal(t, "KEY_VOLUMEUP", events[0].KeyCode)
	assert.Equal(t, pipeline.KeyStateDown, events[0].KeyState)
	assert.Equal(t, pipeline.KeyStateUp, events[1].KeyState)
}

func TestDeviceSelectedBeforeStartupIsMonitored(t *testing.T) {
	// A device selected on a previous run and enumerated before the
	// bridge subscribes must still be opened.
	f, _ := startBridgeWith(t, configsvc.DefaultBridgeConfig(), func(store *devsvc.Store, backend *fakeBackend) {
		require.NoError(t, store.Select(remoteDesc.Identity()))
		backend.initial = []devsvc.Descriptor{remoteDesc}
	})

	var handle *fakeHandle
	select {
	case handle = <-f.backend.opened:
	case <-time.After(time.Second):
		t.Fatal("pre-selected device was never opened")
	}

	handle.events <- devsvc.RawEvent{Type: evdev.EvKey, Code: 115, Value: evdev.KeyDown, Time: time.Now()}
	require.Eventually(t, func() bool {
		return len(f.sink.all()) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestDetachStopsMonitoring(t *testing.T) {
	f, ctx := startBridge(t, configsvc.DefaultBridgeConfig())
	handle := f.attachRemote(t, ctx)

	f.pub(ctx, devsvc.BackendEvent{Devices: nil})

	select {
	case <-handle.closed:
	case <-time.After(time.Second):
		t.Fatal("handle was not closed on detach")
	}
	assert.Empty(t, f.sink.all())
}

func TestStreamEndIsIsolated(t *testing.T) {
	f, ctx := startBridge(t, configsvc.DefaultBridgeConfig())
	handle := f.attachRemote(t, ctx)

	// The device becomes unreadable mid-stream.
	close(handle.events)

	select {
	case <-handle.closed:
	case <-time.After(time.Second):
		t.Fatal("handle was not closed after stream end")
	}
}

func TestReattachUsesFreshPipeline(t *testing.T) {
	cfg := configsvc.DefaultBridgeConfig()
	cfg.DebounceMs = 200
	f, ctx := startBridge(t, cfg)

	handle := f.attachRemote(t, ctx)
	now := time.Now()
	handle.events <- devsvc.RawEvent{Type: evdev.EvKey, Code: 115, Value: evdev.KeyDown, Time: now}

	require.Eventually(t, func() bool {
		return len(f.sink.all()) == 1
	}, time.Second, 10*time.Millisecond)

	// Detach and re-attach: debounce state must not survive.
	f.pub(ctx, devsvc.BackendEvent{Devices: nil})
	select {
	case <-handle.closed:
	case <-time.After(time.Second):
		t.Fatal("handle was not closed on detach")
	}

	f.pub(ctx, devsvc.BackendEvent{Devices: []devsvc.Descriptor{remoteDesc}})
	var fresh *fakeHandle
	select {
	case fresh = <-f.backend.opened:
	case <-time.After(time.Second):
		t.Fatal("device was never re-opened")
	}

	// Inside the old pipeline's debounce interval, but a fresh pipeline
	// accepts it.
	fresh.events <- devsvc.RawEvent{Type: evdev.EvKey, Code: 115, Value: evdev.KeyDown, Time: now.Add(50 * time.Millisecond)}
	require.Eventually(t, func() bool {
		return len(f.sink.all()) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestSettingsFor(t *testing.T) {
	cfg := configsvc.DefaultBridgeConfig()
	cfg.DebounceMs = 40
	cfg.LongPressMsDefault = 500
	cfg.LongPressOverrides = map[string]int{
		"Bluetooth Remote": 900,
		"uniq_cc:dd":       700,
	}
	cfg.KeymapOverride = map[string]string{"KEY_VOLUMEUP": "KEY_F13"}

	t.Run("override by device name", func(t *testing.T) {
		s := settingsFor(cfg, "uniq_aa:bb", devsvc.Descriptor{Name: "Bluetooth Remote"})
		assert.Equal(t, 900*time.Millisecond, s.LongPress)
	})

	t.Run("override by identity", func(t *testing.T) {
		s := settingsFor(cfg, "uniq_cc:dd", devsvc.Descriptor{Name: "Other Remote"})
		assert.Equal(t, 700*time.Millisecond, s.LongPress)
	})

	t.Run("default threshold", func(t *testing.T) {
		s := settingsFor(cfg, "uniq_ee:ff", devsvc.Descriptor{Name: "Plain Keyboard"})
		assert.Equal(t, 500*time.Millisecond, s.LongPress)
	})

	t.Run("remaining settings resolved", func(t *testing.T) {
		s := settingsFor(cfg, "uniq_aa:bb", devsvc.Descriptor{Name: "Bluetooth Remote"})
		assert.Equal(t, 40*time.Millisecond, s.Debounce)
		assert.Equal(t, 50, s.RateLimitHz)
		assert.Equal(t, 120*time.Millisecond, s.ScrollBurstWindow)
		assert.Equal(t, 1.0, s.ScrollScale)
		assert.Equal(t, map[string]string{"KEY_VOLUMEUP": "KEY_F13"}, s.Keymap)
	})
}
