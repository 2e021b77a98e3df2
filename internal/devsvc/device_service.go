package devsvc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/hidbridge/hidbridge/pkg/bus"
)

type (
	// BackendEvent carries one full enumeration snapshot, or the error
	// of a failed discovery pass.
	BackendEvent struct {
		Devices []Descriptor
		Err     error
	}
	BackendBus       = bus.Bus[string, BackendEvent]
	BackendPublisher = bus.Publisher[BackendEvent]

	DeviceEventType uint8
	// DeviceEvent announces a monitored device appearing or going away.
	// The bus key is the device identity.
	DeviceEvent struct {
		Type       DeviceEventType
		Descriptor Descriptor
	}
	DeviceBus        = bus.Bus[string, DeviceEvent]
	DeviceSubscriber = func(ctx context.Context) <-chan bus.Message[string, DeviceEvent]
)

const (
	DeviceAttached DeviceEventType = iota
	DeviceDetached
)

// Backend supplies device enumeration and raw event streams. It
// publishes a snapshot on every discovery pass (startup, poll tick,
// hotplug notification).
type Backend interface {
	Start(ctx context.Context, pub BackendPublisher) error
	Ready() <-chan struct{}
	Open(path string) (DeviceHandle, error)
}

// DeviceHandle is a live raw event stream. Events is closed when the
// device becomes unreadable.
type DeviceHandle interface {
	Events() <-chan RawEvent
	Close() error
}

var defaultOptions = serviceOptions{
	backoffTimeout: 5 * time.Second,
}

type serviceOptions struct {
	backoffTimeout time.Duration
}

type Option func(*serviceOptions)

func WithBackoffTimeout(d time.Duration) Option {
	return func(o *serviceOptions) {
		o.backoffTimeout = d
	}
}

// Service is the device registry. It tracks present devices by
// identity, consults the persisted selection on every discovery pass
// and announces attach/detach transitions on the device bus. Selection
// membership is checked by identity, never by path, so monitoring
// survives re-enumeration.
type Service struct {
	log     *zap.Logger
	store   *Store
	backend Backend
	options serviceOptions
	now     func() time.Time
	ready   chan struct{}

	backendBus *BackendBus
	deviceBus  *DeviceBus

	// mu serializes discovery passes and filter updates. Attach/detach
	// decisions never run concurrently.
	mu           sync.Mutex
	filter       Filter
	lastSnapshot []Descriptor
	active       *xsync.MapOf[string, Descriptor]
	present      *xsync.MapOf[string, Descriptor]
}

func New(store *Store, log *zap.Logger, now func() time.Time, backend Backend, opts ...Option) *Service {
	options := defaultOptions
	for _, opt := range opts {
		opt(&options)
	}
	return &Service{
		log:        log,
		store:      store,
		backend:    backend,
		options:    options,
		now:        now,
		ready:      make(chan struct{}),
		backendBus: bus.NewBus[string, BackendEvent](log),
		deviceBus:  bus.NewBus[string, DeviceEvent](log),
		active:     xsync.NewMapOf[string, Descriptor](),
		present:    xsync.NewMapOf[string, Descriptor](),
	}
}

func (s *Service) Start(ctx context.Context) error {
	if err := s.backendBus.Start(ctx); err != nil {
		return fmt.Errorf("failed to start backend bus: %w", err)
	}
	if err := s.deviceBus.Start(ctx); err != nil {
		return fmt.Errorf("failed to start device bus: %w", err)
	}

	// Subscribe before the backend starts, so even a snapshot published
	// immediately cannot slip past the consumer.
	backendEvents := s.backendBus.Subscribe(ctx)
	go s.consumeBackendEvents(ctx, backendEvents)
	go s.runBackend(ctx)

	select {
	case <-ctx.Done():
		return nil
	case <-s.backend.Ready():
	}
	close(s.ready)
	s.log.Info("Device service started")
	<-ctx.Done()
	return nil
}

func (s *Service) Ready() <-chan struct{} {
	return s.ready
}

func (s *Service) runBackend(ctx context.Context) {
	for {
		err := s.backend.Start(ctx, s.backendBus.CreatePublisher("backend"))
		if err != nil {
			s.log.Error("backend failed", zap.Error(err))
		}
		t := time.NewTimer(s.options.backoffTimeout)
		select {
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return
		case <-t.C:
		}
	}
}

func (s *Service) consumeBackendEvents(ctx context.Context, ch <-chan bus.Message[string, BackendEvent]) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if msg.Message.Err != nil {
				// Discovery failure is retried on the next pass and
				// never tears down devices discovered earlier.
				s.log.Error("device discovery failed", zap.Error(msg.Message.Err))
				continue
			}
			s.applySnapshot(ctx, msg.Message.Devices)
		}
	}
}

// SetFilter installs the filter derived from the current configuration
// and re-evaluates the last enumeration snapshot against it.
func (s *Service) SetFilter(ctx context.Context, filter Filter) {
	s.mu.Lock()
	s.filter = filter
	snapshot := s.lastSnapshot
	s.mu.Unlock()
	if snapshot != nil {
		s.applySnapshot(ctx, snapshot)
	}
}

// applySnapshot diffs one enumeration pass against the active set.
// Running it twice with no physical change produces no events.
func (s *Service) applySnapshot(ctx context.Context, descriptors []Descriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSnapshot = descriptors

	selection, err := s.store.Selection()
	if err != nil {
		s.log.Error("failed to load selection", zap.Error(err))
		return
	}

	now := s.now()
	seen := make(map[string]Descriptor, len(descriptors))
	for _, desc := range descriptors {
		identity := desc.Identity()
		seen[identity] = desc
		if _, err := s.store.RecordSighting(desc, now); err != nil {
			s.log.Warn("failed to record device sighting", zap.String("identity", identity), zap.Error(err))
		}
	}

	s.present.Clear()
	for identity, desc := range seen {
		s.present.Store(identity, desc)
	}

	for identity, desc := range seen {
		eligible := s.filter.Eligible(desc)
		_, selected := selection[identity]
		current, wasActive := s.active.Load(identity)
		shouldBeActive := eligible && selected
		switch {
		case shouldBeActive && !wasActive:
			s.attach(ctx, identity, desc)
		case !shouldBeActive && wasActive:
			s.detach(ctx, identity, current)
		case wasActive && current.Path != desc.Path:
			// Same identity re-enumerated under a new path: restart the
			// stream, never carry state across the boundary.
			s.detach(ctx, identity, current)
			s.attach(ctx, identity, desc)
		}
	}

	s.active.Range(func(identity string, desc Descriptor) bool {
		if _, ok := seen[identity]; !ok {
			s.detach(ctx, identity, desc)
		}
		return true
	})
}

func (s *Service) attach(ctx context.Context, identity string, desc Descriptor) {
	s.active.Store(identity, desc)
	s.log.Info("device attached",
		zap.String("identity", identity),
		zap.String("name", desc.Name),
		zap.String("source", desc.Source()))
	s.deviceBus.Publish(ctx, identity, DeviceEvent{Type: DeviceAttached, Descriptor: desc})
}

func (s *Service) detach(ctx context.Context, identity string, desc Descriptor) {
	s.active.Delete(identity)
	s.log.Info("device detached",
		zap.String("identity", identity),
		zap.String("name", desc.Name))
	s.deviceBus.Publish(ctx, identity, DeviceEvent{Type: DeviceDetached, Descriptor: desc})
}

// Subscribe returns the stream of attach/detach events. The active set
// at subscription time is replayed as attach events first, so a
// subscriber that starts after discovery has already run still sees
// every monitored device. Consumers must treat a repeated attach for
// the same identity as a restart.
func (s *Service) Subscribe(ctx context.Context) <-chan bus.Message[string, DeviceEvent] {
	// Taking mu excludes discovery passes, so the replayed snapshot and
	// the live stream line up without a gap.
	s.mu.Lock()
	live := s.deviceBus.Subscribe(ctx)
	replay := make(map[string]Descriptor)
	s.active.Range(func(identity string, desc Descriptor) bool {
		replay[identity] = desc
		return true
	})
	s.mu.Unlock()

	out := make(chan bus.Message[string, DeviceEvent])
	go func() {
		defer close(out)
		for identity, desc := range replay {
			select {
			case <-ctx.Done():
				return
			case out <- bus.Message[string, DeviceEvent]{
				Key:     identity,
				Message: DeviceEvent{Type: DeviceAttached, Descriptor: desc},
			}:
			}
		}
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-live:
				if !ok {
					return
				}
				select {
				case <-ctx.Done():
					return
				case out <- msg:
				}
			}
		}
	}()
	return out
}

// OpenDevice opens the raw event stream of an active device.
func (s *Service) OpenDevice(identity string) (DeviceHandle, error) {
	desc, ok := s.active.Load(identity)
	if !ok {
		return nil, fmt.Errorf("device not active: %s", identity)
	}
	handle, err := s.backend.Open(desc.Path)
	if err != nil {
		return nil, fmt.Errorf("error opening device %s: %w", identity, err)
	}
	return handle, nil
}

// PresentDevices lists the devices seen on the most recent pass along
// with their eligibility.
func (s *Service) PresentDevices() map[string]Descriptor {
	out := make(map[string]Descriptor)
	s.present.Range(func(identity string, desc Descriptor) bool {
		out[identity] = desc
		return true
	})
	return out
}
