// Package bridgesvc binds the device registry to the event pipelines:
// for every attached device it runs one goroutine that reads the raw
// stream and drives that device's pipeline, and it tears the pipeline
// down when the device goes away. Device contexts share no mutable
// state with each other.
package bridgesvc

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hidbridge/hidbridge/internal/configsvc"
	"github.com/hidbridge/hidbridge/internal/devsvc"
	"github.com/hidbridge/hidbridge/internal/dispatch"
	"github.com/hidbridge/hidbridge/internal/pipeline"
)

type Service struct {
	log        *zap.Logger
	devices    *devsvc.Service
	dispatcher *dispatch.Dispatcher
	now        func() time.Time
	ready      chan struct{}

	configMu sync.RWMutex
	config   configsvc.BridgeConfig

	// runners is only touched from the event loop goroutine.
	runners map[string]*deviceRunner
}

type deviceRunner struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func New(log *zap.Logger, devices *devsvc.Service, dispatcher *dispatch.Dispatcher, config configsvc.BridgeConfig, now func() time.Time) *Service {
	return &Service{
		log:        log,
		devices:    devices,
		dispatcher: dispatcher,
		now:        now,
		ready:      make(chan struct{}),
		config:     config,
		runners:    make(map[string]*deviceRunner),
	}
}

func (s *Service) Ready() <-chan struct{} {
	return s.ready
}

// UpdateConfig installs a new configuration revision. Pipelines started
// after the update use it; already running pipelines keep the settings
// they were created with.
func (s *Service) UpdateConfig(config configsvc.BridgeConfig) {
	s.configMu.Lock()
	s.config = config
	s.configMu.Unlock()
}

// Config returns the configuration revision currently in effect.
func (s *Service) Config() configsvc.BridgeConfig {
	s.configMu.RLock()
	defer s.configMu.RUnlock()
	return s.config
}

func (s *Service) Start(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-s.devices.Ready():
	}
	events := s.devices.Subscribe(ctx)
	close(s.ready)
	s.log.Info("Bridge service started")
	for {
		select {
		case <-ctx.Done():
			for identity := range s.runners {
				s.stopDevice(identity)
			}
			return nil
		case msg, ok := <-events:
			if !ok {
				return nil
			}
			switch msg.Message.Type {
			case devsvc.DeviceAttached:
				s.startDevice(ctx, msg.Key, msg.Message.Descriptor)
			case devsvc.DeviceDetached:
				s.stopDevice(msg.Key)
			}
		}
	}
}

func (s *Service) startDevice(ctx context.Context, identity string, desc devsvc.Descriptor) {
	// A stale runner can linger when the stream died before the
	// registry noticed; replace it.
	s.stopDevice(identity)

	handle, err := s.devices.OpenDevice(identity)
	if err != nil {
		s.log.Error("failed to open device",
			zap.String("identity", identity),
			zap.String("name", desc.Name),
			zap.Error(err))
		return
	}

	devCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.runners[identity] = &deviceRunner{cancel: cancel, done: done}

	cfg := s.Config()
	settings := settingsFor(cfg, identity, desc)
	log := s.log.With(zap.String("identity", identity), zap.String("name", desc.Name))
	pl := pipeline.New(log, pipeline.DeviceInfo{
		ID:     identity,
		Name:   desc.Name,
		Source: desc.Source(),
	}, settings, s.now, func(event pipeline.CanonicalEvent) {
		s.dispatcher.Dispatch(devCtx, event)
	})

	go func() {
		defer close(done)
		defer handle.Close()
		defer pl.Close()
		go pl.Run(devCtx)
		log.Info("monitoring started")
		for {
			select {
			case <-devCtx.Done():
				return
			case raw, ok := <-handle.Events():
				if !ok {
					// Device became unreadable; the registry notices on
					// the next discovery pass. Other devices are not
					// affected.
					log.Info("device stream ended")
					return
				}
				pl.Handle(raw)
			}
		}
	}()
}

// stopDevice cancels a device's context and waits for its loop to
// finish, so no event from a removed device is processed afterwards.
func (s *Service) stopDevice(identity string) {
	runner, ok := s.runners[identity]
	if !ok {
		return
	}
	delete(s.runners, identity)
	runner.cancel()
	<-runner.done
	s.log.Info("monitoring stopped", zap.String("identity", identity))
}

// settingsFor resolves pipeline settings for one device, including the
// long-press override looked up by device name or identity.
func settingsFor(cfg configsvc.BridgeConfig, identity string, desc devsvc.Descriptor) pipeline.Settings {
	longPress := cfg.LongPressMsDefault
	if ms, ok := cfg.LongPressOverrides[desc.Name]; ok {
		longPress = ms
	} else if ms, ok := cfg.LongPressOverrides[identity]; ok {
		longPress = ms
	}
	return pipeline.Settings{
		Debounce:          time.Duration(cfg.DebounceMs) * time.Millisecond,
		IgnoreKeyRepeat:   cfg.IgnoreKeyRepeat,
		EmitReleaseEvents: cfg.EmitReleaseEvents,
		RateLimitHz:       cfg.RateLimitPerDeviceHz,
		LongPress:         time.Duration(longPress) * time.Millisecond,
		ScrollScale:       cfg.ScrollStepScale,
		ScrollBurstWindow: time.Duration(cfg.ScrollBurstWindowMs) * time.Millisecond,
		FilterScrolling:   cfg.FilterScrolling,
		Keymap:            cfg.KeymapOverride,
	}
}
