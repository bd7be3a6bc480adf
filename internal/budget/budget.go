// Package budget enforces a hard spend ceiling over the pipeline. Crossing
// the ceiling latches an exceeded state and writes the fleet-wide halt
// marker; warning and critical crossings raise alerts without halting.
package budget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/waved/internal/emergency"
	"github.com/fyrsmithlabs/waved/internal/signalstore"
)

const instrumentationName = "github.com/fyrsmithlabs/waved/internal/budget"

// Zone classifies spend relative to the limit.
type Zone string

const (
	ZoneOK       Zone = "ok"
	ZoneWarning  Zone = "warning"  // >= warning threshold of the limit
	ZoneCritical Zone = "critical" // >= critical threshold of the limit
	ZoneExceeded Zone = "exceeded" // >= the limit itself; latched
)

// Config tunes the enforcer.
type Config struct {
	// Limit is the hard spend ceiling in dollars. Must be positive.
	Limit float64
	// WarningThreshold and CriticalThreshold are fractions of Limit
	// (defaults 0.7 and 0.9). Warning must stay below critical, and
	// critical must not exceed 1.0.
	WarningThreshold  float64
	CriticalThreshold float64
}

// DefaultConfig returns the enforcer defaults with the given limit.
func DefaultConfig(limit float64) *Config {
	return &Config{Limit: limit, WarningThreshold: 0.7, CriticalThreshold: 0.9}
}

// Validate checks threshold ordering.
func (c *Config) Validate() error {
	if c.Limit <= 0 {
		return errors.New("budget limit must be positive")
	}
	if c.WarningThreshold <= 0 || c.WarningThreshold >= c.CriticalThreshold {
		return errors.New("warning threshold must be positive and below critical")
	}
	if c.CriticalThreshold > 1.0 {
		return errors.New("critical threshold must not exceed 1.0")
	}
	return nil
}

// Alert is raised on every check that lands in a non-ok zone. Alerts are
// deliberately not deduplicated; repeated warnings are a feature when a
// spend is still climbing.
type Alert struct {
	Zone       Zone      `json:"zone"`
	Spent      float64   `json:"spent"`
	Limit      float64   `json:"limit"`
	Percentage float64   `json:"percentage"`
	Timestamp  time.Time `json:"timestamp"`
	Context    string    `json:"context,omitempty"`
}

// Notifier receives budget alerts. A nil notifier drops them.
type Notifier func(ctx context.Context, alert Alert)

// haltPayload is what gets persisted under the fleet-wide halt marker when
// the budget is exceeded.
type haltPayload struct {
	Level      emergency.EscalationLevel `json:"level"`
	Scope      string                    `json:"scope"`
	Reason     string                    `json:"reason"`
	Timestamp  time.Time                 `json:"timestamp"`
	Spent      float64                   `json:"spent"`
	Limit      float64                   `json:"limit"`
	Percentage float64                   `json:"percentage"`
	Context    string                    `json:"context,omitempty"`
}

// Enforcer evaluates spend against the configured ceiling.
type Enforcer struct {
	config *Config
	store  signalstore.Store
	logger *zap.Logger
	notify Notifier
	now    func() time.Time

	mu       sync.Mutex
	exceeded bool // latched once the limit is crossed

	tracer     trace.Tracer
	spendGauge metric.Float64Gauge
	haltCount  metric.Int64Counter
}

// NewEnforcer creates a budget enforcer.
func NewEnforcer(cfg *Config, store signalstore.Store, notify Notifier, logger *zap.Logger) (*Enforcer, error) {
	if cfg == nil {
		return nil, errors.New("budget config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("signal store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Enforcer{
		config: cfg,
		store:  store,
		logger: logger,
		notify: notify,
		now:    time.Now,
		tracer: otel.Tracer(instrumentationName),
	}

	meter := otel.Meter(instrumentationName)
	var err error
	e.spendGauge, err = meter.Float64Gauge(
		"waved.budget.spend_ratio",
		metric.WithDescription("Current spend as a fraction of the budget limit"),
	)
	if err != nil {
		logger.Warn("failed to create spend gauge", zap.Error(err))
	}
	e.haltCount, err = meter.Int64Counter(
		"waved.budget.halts_total",
		metric.WithDescription("Total number of budget-exceeded halts written"),
		metric.WithUnit("{halt}"),
	)
	if err != nil {
		logger.Warn("failed to create halt counter", zap.Error(err))
	}

	return e, nil
}

// Classify returns the zone for a spend amount without side effects.
func (e *Enforcer) Classify(spent float64) Zone {
	switch {
	case spent >= e.config.Limit:
		return ZoneExceeded
	case spent >= e.config.Limit*e.config.CriticalThreshold:
		return ZoneCritical
	case spent >= e.config.Limit*e.config.WarningThreshold:
		return ZoneWarning
	default:
		return ZoneOK
	}
}

// CheckBudget evaluates current spend, raises alerts for non-ok zones, and
// halts the fleet the first time the limit is crossed. The halt write is
// idempotent: repeated exceeded checks after the latch do not rewrite the
// marker, so a manually investigated halt record is never clobbered.
func (e *Enforcer) CheckBudget(ctx context.Context, spent float64, spendContext string) (Zone, error) {
	ctx, span := e.tracer.Start(ctx, "budget.check")
	defer span.End()

	pct := spent / e.config.Limit
	zone := e.Classify(spent)
	span.SetAttributes(
		attribute.Float64("spent", spent),
		attribute.String("zone", string(zone)),
	)
	if e.spendGauge != nil {
		e.spendGauge.Record(ctx, pct)
	}

	if zone != ZoneOK && e.notify != nil {
		e.notify(ctx, Alert{
			Zone: zone, Spent: spent, Limit: e.config.Limit,
			Percentage: pct, Timestamp: e.now(), Context: spendContext,
		})
	}

	switch zone {
	case ZoneWarning:
		e.logger.Warn("budget warning threshold crossed",
			zap.Float64("spent", spent), zap.Float64("limit", e.config.Limit))
	case ZoneCritical:
		e.logger.Warn("budget critical threshold crossed",
			zap.Float64("spent", spent), zap.Float64("limit", e.config.Limit))
	case ZoneExceeded:
		if err := e.halt(ctx, spent, pct, spendContext); err != nil {
			return zone, err
		}
	}

	return zone, nil
}

// halt latches the exceeded state and writes the fleet-wide halt marker
// exactly once per excursion.
func (e *Enforcer) halt(ctx context.Context, spent, pct float64, spendContext string) error {
	e.mu.Lock()
	if e.exceeded {
		e.mu.Unlock()
		return nil
	}
	e.exceeded = true
	e.mu.Unlock()

	payload := haltPayload{
		Level:      emergency.LevelE4,
		Scope:      "fleet",
		Reason:     fmt.Sprintf("budget exceeded: $%.2f of $%.2f spent", spent, e.config.Limit),
		Timestamp:  e.now(),
		Spent:      spent,
		Limit:      e.config.Limit,
		Percentage: pct,
		Context:    spendContext,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling budget halt: %w", err)
	}

	op := func() error {
		return e.store.Put(ctx, emergency.FleetHaltKey, data)
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		// Unlatch so the next check retries the halt write.
		e.mu.Lock()
		e.exceeded = false
		e.mu.Unlock()
		return fmt.Errorf("writing budget halt: %w", err)
	}

	if e.haltCount != nil {
		e.haltCount.Add(ctx, 1)
	}
	e.logger.Error("budget exceeded, fleet halted",
		zap.Float64("spent", spent),
		zap.Float64("limit", e.config.Limit),
		zap.Float64("percentage", pct))
	return nil
}

// Exceeded reports whether the exceeded latch is set.
func (e *Enforcer) Exceeded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exceeded
}

// Reset clears the exceeded latch and removes the halt marker, restoring
// normal operation after the budget has been raised or the excursion
// investigated. Requires explicit confirmation.
func (e *Enforcer) Reset(ctx context.Context, confirm bool) error {
	if !confirm {
		return errors.New("budget reset requires explicit confirmation")
	}

	if err := e.store.Delete(ctx, emergency.FleetHaltKey); err != nil && !errors.Is(err, signalstore.ErrNotFound) {
		return fmt.Errorf("clearing budget halt: %w", err)
	}

	e.mu.Lock()
	e.exceeded = false
	e.mu.Unlock()

	e.logger.Info("budget latch reset")
	return nil
}
