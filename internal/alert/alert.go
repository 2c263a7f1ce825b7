// Package alert delivers operational notifications (balance warnings,
// seeding failures, upload rejections) to an operator-configured webhook
// and an optional Kafka paging topic.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/permachain/attest-writer/internal/platform/kafka"
)

// Severity classifies how urgently an alert needs operator attention.
type Severity string

const (
	SeverityWarn     Severity = "warn"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Event is the structured payload delivered to both the webhook and the
// Kafka sink.
type Event struct {
	ID       string            `json:"id"`
	Title    string            `json:"title"`
	Detail   string            `json:"detail"`
	Severity Severity          `json:"severity"`
	Fields   map[string]string `json:"fields,omitempty"`
	SentAt   time.Time         `json:"sent_at"`
}

// Alerter delivers an Event. Satisfies internal/verifier's Alerter
// interface.
type Alerter interface {
	Alert(ctx context.Context, title, detail, severity string, fields map[string]string) error
}

// Dispatcher fires alerts at a webhook, with an optional Kafka paging
// topic as a secondary sink. An unconfigured webhook degrades to logging
// only, per the component's contract.
type Dispatcher struct {
	webhookURL string
	httpClient *http.Client
	kafka      *kgo.Client
	kafkaTopic string
	logger     *slog.Logger
}

// Config configures a Dispatcher.
type Config struct {
	WebhookURL string
	Timeout    time.Duration
	KafkaTopic string // empty disables the Kafka sink
}

// DefaultConfig returns sensible defaults; WebhookURL is left empty since
// it is always operator-provided.
func DefaultConfig() Config {
	return Config{
		Timeout:    10 * time.Second,
		KafkaTopic: kafka.DefaultTopicConfigs()[0].Name,
	}
}

// New returns a Dispatcher. kafkaClient may be nil to disable the
// secondary sink entirely.
func New(cfg Config, kafkaClient *kgo.Client, logger *slog.Logger) *Dispatcher {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		webhookURL: cfg.WebhookURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		kafka:      kafkaClient,
		kafkaTopic: cfg.KafkaTopic,
		logger:     logger.With("component", "alert"),
	}
}

// Alert builds and dispatches an Event. Delivery is fire-and-forget: a
// webhook or Kafka failure is logged, never returned as a hard error, so a
// flaky alert channel never blocks the write path.
func (d *Dispatcher) Alert(ctx context.Context, title, detail, severity string, fields map[string]string) error {
	event := Event{
		ID:       uuid.NewString(),
		Title:    title,
		Detail:   detail,
		Severity: Severity(severity),
		Fields:   fields,
		SentAt:   time.Now(),
	}

	if d.webhookURL == "" {
		d.logger.Log(ctx, severityLevel(event.Severity), event.Title, "detail", event.Detail, "fields", event.Fields)
	} else if err := d.postWebhook(ctx, event); err != nil {
		d.logger.Error("webhook delivery failed", "title", event.Title, "err", err)
	}

	if d.kafka != nil && d.kafkaTopic != "" {
		if err := d.publishKafka(ctx, event); err != nil {
			d.logger.Warn("kafka alert sink failed", "title", event.Title, "err", err)
		}
	}

	return nil
}

func severityLevel(s Severity) slog.Level {
	switch s {
	case SeverityCritical, SeverityError:
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

func (d *Dispatcher) postWebhook(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) publishKafka(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	record := &kgo.Record{
		Topic: d.kafkaTopic,
		Key:   []byte(event.ID),
		Value: body,
		Headers: []kgo.RecordHeader{
			{Key: "severity", Value: []byte(event.Severity)},
		},
	}

	results := d.kafka.ProduceSync(ctx, record)
	if err := results.FirstErr(); err != nil {
		return fmt.Errorf("kafka produce: %w", err)
	}
	return nil
}
