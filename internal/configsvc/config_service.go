// Package configsvc watches configuration files and notifies clients of
// changes. A revision that fails to parse is reported alongside the
// previous value so clients can keep the last valid configuration.
package configsvc

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/ghodss/yaml"
	"go.uber.org/zap"
)

type subscriber func(event fsnotify.Event)

type Service struct {
	log *zap.Logger

	watcher     *fsnotify.Watcher
	mu          sync.Mutex
	watchDirs   []string
	subscribers []subscriber
	ready       chan struct{}
}

func New(log *zap.Logger) *Service {
	return &Service{
		log:   log,
		ready: make(chan struct{}),
	}
}

func (s *Service) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()
	s.mu.Lock()
	s.watcher = watcher
	for _, dir := range s.watchDirs {
		if err := watcher.Add(dir); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("failed to add path to watcher %s: %w", dir, err)
		}
	}
	s.mu.Unlock()
	close(s.ready)
	s.log.Info("Config service started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-s.watcher.Events:
			if !ok {
				return nil
			}
			s.mu.Lock()
			for _, sub := range s.subscribers {
				sub(event)
			}
			s.mu.Unlock()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Error("Watcher error", zap.Error(err))
		}
	}
}

func (s *Service) Ready() <-chan struct{} {
	return s.ready
}

// Register watches a configuration file and calls fn with each new
// revision. It returns the initial configuration. A missing file is not
// an error; the defaults are returned and the file is picked up once it
// appears. Service instance is a parameter instead of the method
// receiver to enable generic types.
func Register[T any](s *Service, path string, def T, fn func(config T, err error)) (T, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return def, fmt.Errorf("failed to get absolute path for %s: %w", path, err)
	}
	config := def
	if _, statErr := os.Stat(absPath); statErr == nil {
		config, err = readConfig(absPath, def)
		if err != nil {
			return def, fmt.Errorf("failed to read config: %w", err)
		}
	}

	dir := filepath.Dir(absPath)
	s.mu.Lock()
	if s.watcher != nil {
		if err := s.watcher.Add(dir); err != nil {
			s.mu.Unlock()
			return def, fmt.Errorf("failed to add path to watcher %s: %w", path, err)
		}
	} else {
		// Start has not run yet; the directory is added to the watcher
		// when it does.
		s.watchDirs = append(s.watchDirs, dir)
	}
	s.subscribers = append(s.subscribers, func(event fsnotify.Event) {
		if event.Name == absPath && (event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
			newConfig, err := readConfig(absPath, def)
			fn(newConfig, err)
		}
	})
	s.mu.Unlock()

	return config, nil
}

func readConfig[T any](path string, def T) (T, error) {
	yamlB, err := os.ReadFile(path)
	if err != nil {
		return def, fmt.Errorf("failed to read config file: %w", err)
	}

	jsonB, err := yaml.YAMLToJSON(yamlB)
	if err != nil {
		return def, fmt.Errorf("failed to convert yaml to json: %w", err)
	}
	err = json.Unmarshal(jsonB, &def)
	if err != nil {
		return def, fmt.Errorf("failed to unmarshal json: %w", err)
	}
	return def, nil
}
