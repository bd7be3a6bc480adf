// Package alert fans supervisory events out to operators over NATS. Alerts
// are advisory; the halt records in the Signal Store remain the source of
// truth, so a lost alert never loosens enforcement.
package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/waved/internal/alert"

// DefaultSubjectPrefix namespaces alert subjects.
const DefaultSubjectPrefix = "waved.alerts"

// Severity grades an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is one published alert.
type Event struct {
	Source    string         `json:"source"` // emitting component, e.g. "budget"
	Kind      string         `json:"kind"`   // event name within the source
	Severity  Severity       `json:"severity"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Publisher publishes alerts to NATS subjects of the form
// <prefix>.<source>.<kind>.
type Publisher struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
	now    func() time.Time

	publishCount metric.Int64Counter
}

// Connect dials NATS with reconnect-friendly options and returns a
// publisher over the connection.
func Connect(url, subjectPrefix string, logger *zap.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	return NewPublisher(nc, subjectPrefix, logger)
}

// NewPublisher wraps an existing NATS connection.
func NewPublisher(nc *nats.Conn, subjectPrefix string, logger *zap.Logger) (*Publisher, error) {
	if nc == nil {
		return nil, errors.New("nats connection is required")
	}
	if subjectPrefix == "" {
		subjectPrefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Publisher{
		nc:     nc,
		prefix: subjectPrefix,
		logger: logger,
		now:    time.Now,
	}

	meter := otel.Meter(instrumentationName)
	var err error
	p.publishCount, err = meter.Int64Counter(
		"waved.alerts.published_total",
		metric.WithDescription("Total number of alerts published"),
		metric.WithUnit("{alert}"),
	)
	if err != nil {
		logger.Warn("failed to create publish counter", zap.Error(err))
	}

	return p, nil
}

// Publish sends one alert. Publish errors are logged and returned but
// callers on enforcement paths should not let them block the enforcement
// itself.
func (p *Publisher) Publish(ctx context.Context, event Event) error {
	if event.Source == "" || event.Kind == "" {
		return errors.New("alert source and kind are required")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = p.now()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling alert: %w", err)
	}

	subject := fmt.Sprintf("%s.%s.%s", p.prefix, event.Source, event.Kind)
	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Error("alert publish failed",
			zap.String("subject", subject), zap.Error(err))
		return fmt.Errorf("publishing alert to %s: %w", subject, err)
	}

	if p.publishCount != nil {
		p.publishCount.Add(ctx, 1, metric.WithAttributes(
			attribute.String("source", event.Source),
			attribute.String("severity", string(event.Severity)),
		))
	}
	p.logger.Debug("alert published",
		zap.String("subject", subject),
		zap.String("severity", string(event.Severity)))
	return nil
}

// Close flushes and closes the underlying connection.
func (p *Publisher) Close() {
	if err := p.nc.Flush(); err != nil {
		p.logger.Warn("flushing NATS connection", zap.Error(err))
	}
	p.nc.Close()
}
