package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/hidbridge/hidbridge/internal/bridgesvc"
	"github.com/hidbridge/hidbridge/internal/configsvc"
	"github.com/hidbridge/hidbridge/internal/devsvc"
	"github.com/hidbridge/hidbridge/internal/devsvc/linux"
	"github.com/hidbridge/hidbridge/internal/dispatch"
)

type Agent struct {
	config Config
	log    *zap.Logger

	db         *badger.DB
	configSvc  *configsvc.Service
	store      *devsvc.Store
	devSvc     *devsvc.Service
	dispatcher *dispatch.Dispatcher
	bridgeSvc  *bridgesvc.Service
	mqttSink   *dispatch.MQTTSink

	// runCtx is the lifetime of Run; configuration reload callbacks use
	// it when re-evaluating devices against a new filter.
	runCtx context.Context
}

func NewAgent(config Config) (*Agent, error) {
	loggerConfig := zap.NewDevelopmentConfig()
	loggerConfig.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000000000")
	loggerConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logger, err := loggerConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	dbOptions := badger.DefaultOptions(filepath.Join(config.DataDir, "db"))
	dbOptions.Logger = &badgerLogger{l: logger.Named("badger")}

	db, err := badger.Open(dbOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	a := &Agent{
		config: config,
		log:    logger,
		db:     db,
	}

	a.configSvc = configsvc.New(logger.Named("config"))
	bridgeConfig, err := configsvc.Register(a.configSvc, config.BridgeConfig, configsvc.DefaultBridgeConfig(), a.onConfigChange)
	if err != nil {
		return nil, fmt.Errorf("failed to load bridge config: %w", err)
	}
	if err := normalizeConfig(&bridgeConfig, logger); err != nil {
		return nil, err
	}

	backend := linux.NewBackend(logger.Named("devices.linux"),
		linux.WithStartupDelay(time.Duration(bridgeConfig.StartupDelaySec)*time.Second))
	a.store = devsvc.NewStore(db)
	a.devSvc = devsvc.New(a.store, logger.Named("devices"), time.Now, backend)

	var sinks []dispatch.Sink
	if bridgeConfig.SendEvents {
		sinks = append(sinks, dispatch.NewHomeAssistantSink(logger.Named("sink.ha"),
			dispatch.DefaultSupervisorEventURL, os.Getenv("SUPERVISOR_TOKEN")))
	}
	if bridgeConfig.SendMQTT {
		a.mqttSink = dispatch.NewMQTTSink(logger.Named("sink.mqtt"), dispatch.MQTTConfig{
			Host:     bridgeConfig.MQTTHost,
			Port:     bridgeConfig.MQTTPort,
			Username: bridgeConfig.MQTTUser,
			Password: bridgeConfig.MQTTPass,
			Topic:    bridgeConfig.MQTTTopic,
			QoS:      bridgeConfig.MQTTQoS,
			Retain:   bridgeConfig.MQTTRetain,
		})
		sinks = append(sinks, a.mqttSink)
	}
	if len(sinks) == 0 {
		logger.Warn("No event sinks enabled, events will be processed and dropped")
	}
	a.dispatcher = dispatch.New(logger.Named("dispatch"), sinks...)
	a.bridgeSvc = bridgesvc.New(logger.Named("bridge"), a.devSvc, a.dispatcher, bridgeConfig, time.Now)
	return a, nil
}

func (a *Agent) Close() error {
	if a.mqttSink != nil {
		a.mqttSink.Close()
	}
	return a.db.Close()
}

type badgerLogger struct {
	l *zap.Logger
}

func (l badgerLogger) Errorf(msg string, args ...any) {
	l.l.Error(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Warningf(msg string, args ...any) {
	l.l.Warn(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Infof(msg string, args ...any) {
	l.l.Info(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Debugf(msg string, args ...any) {
	l.l.Debug(fmt.Sprintf(msg, args...))
}

// normalizeConfig applies environment overrides, clamps numeric values
// into their documented ranges and validates the keymap.
func normalizeConfig(cfg *configsvc.BridgeConfig, log *zap.Logger) error {
	cfg.ApplyEnv(log)
	cfg.Clamp(log)
	if err := configsvc.ValidateKeymap(cfg.KeymapOverride); err != nil {
		return fmt.Errorf("invalid keymap_override: %w", err)
	}
	return nil
}

// onConfigChange applies a live-reloaded configuration revision. An
// unreadable or invalid revision is discarded and the last valid one
// stays in effect.
func (a *Agent) onConfigChange(cfg configsvc.BridgeConfig, err error) {
	if err != nil {
		a.log.Warn("Config reload failed, keeping previous revision", zap.Error(err))
		return
	}
	if err := normalizeConfig(&cfg, a.log); err != nil {
		a.log.Warn("Config reload rejected, keeping previous revision", zap.Error(err))
		return
	}
	a.bridgeSvc.UpdateConfig(cfg)
	if a.runCtx != nil {
		a.devSvc.SetFilter(a.runCtx, devsvc.NewFilter(cfg.DenySet(), cfg.FilterMouseDevices))
	}
	a.log.Info("Config reloaded")
}

// Run starts the agent and blocks until the context is cancelled.
// Agent startup will fail if the configuration is not valid.
// In case configuration becomes invalid after the startup, it will remain running with the last valid configuration.
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.runCtx = ctx

	a.devSvc.SetFilter(ctx, a.currentFilter())

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return a.configSvc.Start(groupCtx)
	})
	group.Go(func() error {
		return a.devSvc.Start(groupCtx)
	})
	group.Go(func() error {
		return a.bridgeSvc.Start(groupCtx)
	})

	err := group.Wait()
	if err != nil {
		return fmt.Errorf("agent failed: %w", err)
	}
	return nil
}

func (a *Agent) currentFilter() devsvc.Filter {
	cfg := a.bridgeSvc.Config()
	return devsvc.NewFilter(cfg.DenySet(), cfg.FilterMouseDevices)
}

func (a *Agent) Devices() *devsvc.Service {
	return a.devSvc
}

func (a *Agent) Store() *devsvc.Store {
	return a.store
}
