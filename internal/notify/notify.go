// Package notify delivers structured alert events. Dispatch is
// fire-and-forget and never sits on the evaluation path.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"crypto-sentinel/internal/config"
)

// EventType represents the type of an alert event.
type EventType string

const (
	EventCircuitOpen      EventType = "circuit_open"
	EventDrawdownWarning  EventType = "drawdown_warning"
	EventRegimeChange     EventType = "regime_change"
	EventLargeLoss        EventType = "large_loss"
	EventStopLossAlert    EventType = "stop_loss_alert"
	EventForcedExit       EventType = "forced_exit"
	EventVenueUnhealthy   EventType = "venue_unhealthy"
)

// Event is a structured alert.
type Event struct {
	Type      EventType              `json:"type"`
	Symbol    string                 `json:"symbol,omitempty"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Sink receives alert events.
type Sink interface {
	Publish(event Event)
	Close()
}

// Channel delivers an event to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, event Event) error
}

// AsyncSink fans events out to its channels from a single background worker.
// Publish never blocks: when the buffer is full the event is dropped and
// counted, because stalling the evaluation loop is worse than losing an
// alert.
type AsyncSink struct {
	logger   zerolog.Logger
	channels []Channel

	events  chan Event
	done    chan struct{}
	once    sync.Once
	dropped int64
	mu      sync.Mutex
}

// NewSink builds a sink from configuration: a log channel always, a webhook
// channel when configured.
func NewSink(cfg config.NotificationConfig, logger zerolog.Logger) *AsyncSink {
	channels := []Channel{&logChannel{logger: logger}}
	if cfg.Enabled && cfg.Webhook.Enabled && cfg.Webhook.URL != "" {
		channels = append(channels, &webhookChannel{
			url:    cfg.Webhook.URL,
			client: &http.Client{Timeout: 10 * time.Second},
		})
	}

	s := &AsyncSink{
		logger:   logger.With().Str("component", "notify").Logger(),
		channels: channels,
		events:   make(chan Event, 256),
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

// Publish enqueues an event without blocking.
func (s *AsyncSink) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case s.events <- event:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
	}
}

// Close drains pending events and stops the worker.
func (s *AsyncSink) Close() {
	s.once.Do(func() {
		close(s.events)
		<-s.done
	})
}

// Dropped returns the number of events dropped due to a full buffer.
func (s *AsyncSink) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for event := range s.events {
		for _, ch := range s.channels {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := ch.Send(ctx, event); err != nil {
				s.logger.Warn().Err(err).Str("channel", ch.Name()).Str("event", string(event.Type)).
					Msg("Alert delivery failed")
			}
			cancel()
		}
	}
}

// logChannel writes events to the structured log.
type logChannel struct {
	logger zerolog.Logger
}

func (c *logChannel) Name() string { return "log" }

func (c *logChannel) Send(_ context.Context, event Event) error {
	c.logger.Warn().
		Str("event", string(event.Type)).
		Str("symbol", event.Symbol).
		Interface("data", event.Data).
		Msg(event.Message)
	return nil
}

// webhookChannel POSTs events as JSON.
type webhookChannel struct {
	url    string
	client *http.Client
}

func (c *webhookChannel) Name() string { return "webhook" }

func (c *webhookChannel) Send(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// NopSink discards all events, for tests.
type NopSink struct{}

func (NopSink) Publish(Event) {}
func (NopSink) Close()        {}
