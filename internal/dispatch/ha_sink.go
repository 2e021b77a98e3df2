package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/hidbridge/hidbridge/internal/pipeline"
)

// DefaultSupervisorEventURL is the Home Assistant Supervisor proxy
// endpoint that fires an event on the core event bus.
const DefaultSupervisorEventURL = "http://supervisor/core/api/events/hid_remote_event"

// HomeAssistantSink publishes canonical events onto the Home Assistant
// event bus through the Supervisor API.
type HomeAssistantSink struct {
	log    *zap.Logger
	client *http.Client
	url    string
	token  string
}

func NewHomeAssistantSink(log *zap.Logger, url, token string) *HomeAssistantSink {
	if url == "" {
		url = DefaultSupervisorEventURL
	}
	return &HomeAssistantSink{
		log:    log,
		client: &http.Client{Timeout: 5 * time.Second},
		url:    url,
		token:  token,
	}
}

func (s *HomeAssistantSink) Name() string {
	return "homeassistant"
}

func (s *HomeAssistantSink) Publish(ctx context.Context, event pipeline.CanonicalEvent) error {
	if s.token == "" {
		return fmt.Errorf("supervisor token not available")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send event: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	s.log.Debug("event sent",
		zap.String("eventType", event.EventType),
		zap.String("keyCode", event.KeyCode))
	return nil
}
