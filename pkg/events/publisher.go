// Package events publishes circuit breaker transitions and presence counts to
// Google Cloud Pub/Sub so other services can react to throttling and load.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/coder/quartz"
	"github.com/illmade-knight/go-quotaguard/pkg/breaker"
	"github.com/illmade-knight/go-quotaguard/pkg/presence"
	"github.com/rs/zerolog"
)

// Event types, also set as the "event_type" message attribute.
const (
	TypeBreakerOpened   = "breaker.opened"
	TypeBreakerClosed   = "breaker.closed"
	TypePresenceSummary = "presence.summary"
)

// PresenceCounts is the published form of a presence summary. Individual
// records are not published.
type PresenceCounts struct {
	OperatorsOnline int `json:"operatorsOnline"`
	AdminsOnline    int `json:"adminsOnline"`
	Total           int `json:"total"`
}

// Event is the JSON payload of every message.
type Event struct {
	Type       string          `json:"type"`
	Source     string          `json:"source"`
	OccurredAt time.Time       `json:"occurredAt"`
	Breaker    *breaker.State  `json:"breaker,omitempty"`
	Presence   *PresenceCounts `json:"presence,omitempty"`
}

// PublisherConfig holds configuration for the Pub/Sub publisher.
type PublisherConfig struct {
	ProjectID string
	TopicID   string
	// Source identifies this process in every event.
	Source                     string
	BatchDelay                 time.Duration
	TopicExistsTimeout         time.Duration
	PublishConfirmationTimeout time.Duration
}

// NewPublisherDefaults provides a config with sensible defaults.
func NewPublisherDefaults() *PublisherConfig {
	return &PublisherConfig{
		Source:                     "quotaguard",
		BatchDelay:                 100 * time.Millisecond,
		TopicExistsTimeout:         15 * time.Second,
		PublishConfirmationTimeout: 20 * time.Second,
	}
}

// Publisher publishes events to a single topic. Publishing never blocks the
// caller on the broker; results are confirmed asynchronously and failures
// are logged.
type Publisher struct {
	topic               *pubsub.Topic
	source              string
	confirmationTimeout time.Duration
	clock               quartz.Clock
	logger              zerolog.Logger

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

// NewPublisher creates a publisher. It validates the topic's existence
// before returning.
func NewPublisher(
	ctx context.Context,
	cfg *PublisherConfig,
	client *pubsub.Client,
	clock quartz.Clock,
	logger zerolog.Logger,
) (*Publisher, error) {
	if client == nil {
		return nil, errors.New("pubsub client cannot be nil for publisher")
	}
	def := NewPublisherDefaults()
	if cfg.TopicExistsTimeout <= 0 {
		cfg.TopicExistsTimeout = def.TopicExistsTimeout
	}
	if cfg.PublishConfirmationTimeout <= 0 {
		cfg.PublishConfirmationTimeout = def.PublishConfirmationTimeout
	}
	if cfg.Source == "" {
		cfg.Source = def.Source
	}

	topic := client.Topic(cfg.TopicID)
	topic.PublishSettings.DelayThreshold = cfg.BatchDelay
	topic.PublishSettings.Timeout = 10 * time.Second

	existsCtx, cancel := context.WithTimeout(ctx, cfg.TopicExistsTimeout)
	defer cancel()
	exists, err := topic.Exists(existsCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to check for topic %s: %w", cfg.TopicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %s does not exist", cfg.TopicID)
	}

	logger.Info().Str("topic_id", cfg.TopicID).Msg("Event publisher initialized successfully.")
	return &Publisher{
		topic:               topic,
		source:              cfg.Source,
		confirmationTimeout: cfg.PublishConfirmationTimeout,
		clock:               clock,
		logger:              logger.With().Str("component", "EventPublisher").Str("topic_id", cfg.TopicID).Logger(),
	}, nil
}

// Publish sends ev. Type, Source and OccurredAt are filled in if empty.
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	if ev.Source == "" {
		ev.Source = p.source
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = p.clock.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", ev.Type, err)
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return errors.New("event publisher is stopped")
	}
	p.wg.Add(1)
	p.mu.Unlock()

	res := p.topic.Publish(ctx, &pubsub.Message{
		Data:       payload,
		Attributes: map[string]string{"event_type": ev.Type, "source": ev.Source},
	})
	go p.confirmPublish(res, ev.Type)
	return nil
}

func (p *Publisher) confirmPublish(res *pubsub.PublishResult, eventType string) {
	defer p.wg.Done()
	getCtx, cancel := context.WithTimeout(context.Background(), p.confirmationTimeout)
	defer cancel()

	msgID, err := res.Get(getCtx)
	if err != nil {
		p.logger.Error().Err(err).Str("event_type", eventType).Msg("Failed to get publish result.")
		return
	}
	p.logger.Debug().Str("event_type", eventType).Str("pubsub_msg_id", msgID).Msg("Event published successfully.")
}

// PublishBreakerState publishes an open or close transition.
func (p *Publisher) PublishBreakerState(ctx context.Context, st breaker.State) error {
	typ := TypeBreakerClosed
	if st.IsOpen {
		typ = TypeBreakerOpened
	}
	return p.Publish(ctx, Event{Type: typ, Breaker: &st})
}

// PublishPresence publishes the counts of a presence summary.
func (p *Publisher) PublishPresence(ctx context.Context, s presence.Summary) error {
	return p.Publish(ctx, Event{
		Type:       TypePresenceSummary,
		OccurredAt: s.UpdatedAt,
		Presence: &PresenceCounts{
			OperatorsOnline: s.OperatorsOnline,
			AdminsOnline:    s.AdminsOnline,
			Total:           s.Total,
		},
	})
}

// BreakerListener adapts the publisher to breaker.Subscribe.
func (p *Publisher) BreakerListener(ctx context.Context) breaker.Listener {
	return func(st breaker.State) {
		if err := p.PublishBreakerState(ctx, st); err != nil {
			p.logger.Warn().Err(err).Msg("Failed to publish breaker transition.")
		}
	}
}

// PresenceListener adapts the publisher to presence.Aggregator.Subscribe.
func (p *Publisher) PresenceListener(ctx context.Context) func(presence.Summary) {
	return func(s presence.Summary) {
		if err := p.PublishPresence(ctx, s); err != nil {
			p.logger.Warn().Err(err).Msg("Failed to publish presence summary.")
		}
	}
}

// Stop stops accepting events, waits for outstanding confirmations and
// flushes the topic, respecting the provided context's timeout.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	p.logger.Info().Msg("Flushing remaining events and stopping Pub/Sub topic...")
	stopDone := make(chan struct{})
	go func() {
		p.topic.Stop()
		p.wg.Wait()
		close(stopDone)
	}()
	select {
	case <-stopDone:
		p.logger.Info().Msg("Event publisher stopped gracefully.")
		return nil
	case <-ctx.Done():
		p.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for Pub/Sub topic to flush and stop.")
		return ctx.Err()
	}
}
