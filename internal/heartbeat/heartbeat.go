// Package heartbeat tracks worker liveness. Workers record heartbeats into
// the Signal Store; the monitor loop classifies each worker as healthy,
// warning, or stale and optionally restarts stale ones.
package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/waved/internal/signalstore"
)

const instrumentationName = "github.com/fyrsmithlabs/waved/internal/heartbeat"

const keyPrefix = "heartbeat:"

// Health classifies a worker's heartbeat freshness.
type Health string

const (
	HealthHealthy    Health = "healthy"
	HealthWarning    Health = "warning" // past the warning threshold, not yet stale
	HealthStale      Health = "stale"   // past the timeout
	HealthRestarting Health = "restarting"
)

// Config tunes the monitor.
type Config struct {
	// Timeout marks a worker stale (default 60s).
	Timeout time.Duration
	// Warning marks a worker as degrading (default 45s). Must be below
	// Timeout.
	Warning time.Duration
	// CheckInterval is the monitor loop period (default 10s).
	CheckInterval time.Duration
	// AutoRestart enables restart requests for stale workers.
	AutoRestart bool
	// MaxRestarts caps restarts per worker while stale (default 3).
	MaxRestarts int
	// RestartCooldown is the minimum gap between restart requests for the
	// same worker (default 2m).
	RestartCooldown time.Duration
}

// DefaultConfig returns the monitor defaults.
func DefaultConfig() *Config {
	return &Config{
		Timeout:         60 * time.Second,
		Warning:         45 * time.Second,
		CheckInterval:   10 * time.Second,
		MaxRestarts:     3,
		RestartCooldown: 2 * time.Minute,
	}
}

// Validate checks threshold ordering.
func (c *Config) Validate() error {
	if c.Timeout <= 0 || c.Warning <= 0 || c.CheckInterval <= 0 {
		return errors.New("heartbeat durations must be positive")
	}
	if c.Warning >= c.Timeout {
		return errors.New("warning threshold must be below the stale timeout")
	}
	return nil
}

// Beat is one persisted heartbeat.
type Beat struct {
	WorkerID  string    `json:"worker_id"`
	Timestamp time.Time `json:"timestamp"`
	Wave      int       `json:"wave,omitempty"`
	Story     string    `json:"story,omitempty"`
}

// WorkerStatus is the monitor's view of one worker.
type WorkerStatus struct {
	WorkerID string        `json:"worker_id"`
	Health   Health        `json:"health"`
	LastBeat time.Time     `json:"last_beat"`
	Age      time.Duration `json:"age"`
	Restarts int           `json:"restarts"`
}

// Notification is raised when a worker crosses into warning or stale, once
// per excursion. A fresh heartbeat re-arms both notifications.
type Notification struct {
	WorkerID string    `json:"worker_id"`
	Health   Health    `json:"health"`
	LastBeat time.Time `json:"last_beat"`
	At       time.Time `json:"at"`
}

// Notifier receives health notifications. Nil drops them.
type Notifier func(ctx context.Context, n Notification)

// Restarter is asked to restart a stale worker. Nil disables restarts even
// when AutoRestart is set.
type Restarter func(ctx context.Context, workerID string) error

// workerState is the monitor's in-memory excursion bookkeeping.
type workerState struct {
	warnedAt    bool
	staledAt    bool
	restarts    int
	lastRestart time.Time
	restarting  bool
}

// Manager records and classifies heartbeats.
type Manager struct {
	config  *Config
	store   signalstore.Store
	logger  *zap.Logger
	notify  Notifier
	restart Restarter
	now     func() time.Time

	mu     sync.Mutex
	states map[string]*workerState

	tracer     trace.Tracer
	staleGauge metric.Int64Gauge
}

// NewManager creates a heartbeat manager.
func NewManager(cfg *Config, store signalstore.Store, notify Notifier, restart Restarter, logger *zap.Logger) (*Manager, error) {
	if cfg == nil {
		cfg = DefaultConfig()
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

	m := &Manager{
		config:  cfg,
		store:   store,
		logger:  logger,
		notify:  notify,
		restart: restart,
		now:     time.Now,
		states:  map[string]*workerState{},
		tracer:  otel.Tracer(instrumentationName),
	}

	meter := otel.Meter(instrumentationName)
	var err error
	m.staleGauge, err = meter.Int64Gauge(
		"waved.heartbeat.stale_workers",
		metric.WithDescription("Number of workers currently past the stale timeout"),
		metric.WithUnit("{worker}"),
	)
	if err != nil {
		logger.Warn("failed to create stale gauge", zap.Error(err))
	}

	return m, nil
}

func beatKey(workerID string) string {
	return keyPrefix + workerID
}

// RecordHeartbeat persists a worker's heartbeat and re-arms its warning and
// stale notifications.
func (m *Manager) RecordHeartbeat(ctx context.Context, beat Beat) error {
	if beat.WorkerID == "" {
		return errors.New("worker id is required")
	}
	if beat.Timestamp.IsZero() {
		beat.Timestamp = m.now()
	}

	data, err := json.Marshal(beat)
	if err != nil {
		return fmt.Errorf("marshaling heartbeat: %w", err)
	}
	if err := m.store.Put(ctx, beatKey(beat.WorkerID), data); err != nil {
		return fmt.Errorf("writing heartbeat: %w", err)
	}

	m.mu.Lock()
	if st, ok := m.states[beat.WorkerID]; ok {
		st.warnedAt = false
		st.staledAt = false
		st.restarting = false
	}
	m.mu.Unlock()

	m.logger.Debug("heartbeat recorded", zap.String("worker", beat.WorkerID))
	return nil
}

// classify maps a heartbeat age to a health state.
func (m *Manager) classify(age time.Duration) Health {
	switch {
	case age >= m.config.Timeout:
		return HealthStale
	case age >= m.config.Warning:
		return HealthWarning
	default:
		return HealthHealthy
	}
}

// loadBeats reads every persisted heartbeat, skipping corrupt records.
func (m *Manager) loadBeats(ctx context.Context) ([]Beat, error) {
	keys, err := m.store.List(ctx, keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing heartbeats: %w", err)
	}

	beats := make([]Beat, 0, len(keys))
	for _, key := range keys {
		data, err := m.store.Get(ctx, key)
		if errors.Is(err, signalstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var b Beat
		if err := json.Unmarshal(data, &b); err != nil {
			m.logger.Warn("skipping corrupt heartbeat record",
				zap.String("key", key), zap.Error(err))
			continue
		}
		if b.WorkerID == "" {
			b.WorkerID = strings.TrimPrefix(key, keyPrefix)
		}
		beats = append(beats, b)
	}
	return beats, nil
}

// GetHealthStatus returns the classified status of every known worker,
// sorted by worker ID.
func (m *Manager) GetHealthStatus(ctx context.Context) ([]WorkerStatus, error) {
	ctx, span := m.tracer.Start(ctx, "heartbeat.health_status")
	defer span.End()

	beats, err := m.loadBeats(ctx)
	if err != nil {
		return nil, err
	}

	now := m.now()
	statuses := make([]WorkerStatus, 0, len(beats))

	m.mu.Lock()
	for _, b := range beats {
		age := now.Sub(b.Timestamp)
		health := m.classify(age)
		st := m.states[b.WorkerID]
		restarts := 0
		if st != nil {
			restarts = st.restarts
			// A restart request holds the worker in restarting only for the
			// cooldown window. Past it the worker is re-evaluated as stale,
			// so a worker that exhausted its restarts cannot hide there.
			if st.restarting && health == HealthStale &&
				now.Sub(st.lastRestart) < m.config.RestartCooldown {
				health = HealthRestarting
			}
		}
		statuses = append(statuses, WorkerStatus{
			WorkerID: b.WorkerID,
			Health:   health,
			LastBeat: b.Timestamp,
			Age:      age,
			Restarts: restarts,
		})
	}
	m.mu.Unlock()

	sort.Slice(statuses, func(i, j int) bool { return statuses[i].WorkerID < statuses[j].WorkerID })
	return statuses, nil
}

// GetStaleAgents returns the IDs of workers past the stale timeout.
func (m *Manager) GetStaleAgents(ctx context.Context) ([]string, error) {
	statuses, err := m.GetHealthStatus(ctx)
	if err != nil {
		return nil, err
	}
	var stale []string
	for _, s := range statuses {
		if s.Health == HealthStale || s.Health == HealthRestarting {
			stale = append(stale, s.WorkerID)
		}
	}
	return stale, nil
}

// Check runs one monitor pass: classify every worker, raise at most one
// warning and one stale notification per excursion, and request restarts
// for stale workers when enabled.
func (m *Manager) Check(ctx context.Context) error {
	ctx, span := m.tracer.Start(ctx, "heartbeat.check")
	defer span.End()

	beats, err := m.loadBeats(ctx)
	if err != nil {
		return err
	}

	now := m.now()
	staleCount := 0

	for _, b := range beats {
		age := now.Sub(b.Timestamp)
		health := m.classify(age)

		m.mu.Lock()
		st, ok := m.states[b.WorkerID]
		if !ok {
			st = &workerState{}
			m.states[b.WorkerID] = st
		}

		var fire *Notification
		switch health {
		case HealthWarning:
			if !st.warnedAt {
				st.warnedAt = true
				fire = &Notification{WorkerID: b.WorkerID, Health: HealthWarning, LastBeat: b.Timestamp, At: now}
			}
		case HealthStale:
			staleCount++
			if !st.staledAt {
				st.staledAt = true
				fire = &Notification{WorkerID: b.WorkerID, Health: HealthStale, LastBeat: b.Timestamp, At: now}
			}
		}
		m.mu.Unlock()

		if fire != nil {
			m.logger.Warn("worker heartbeat degraded",
				zap.String("worker", b.WorkerID),
				zap.String("health", string(fire.Health)),
				zap.Duration("age", age))
			if m.notify != nil {
				m.notify(ctx, *fire)
			}
		}

		if health == HealthStale {
			m.maybeRestart(ctx, b.WorkerID, now)
		}
	}

	if m.staleGauge != nil {
		m.staleGauge.Record(ctx, int64(staleCount), metric.WithAttributes(
			attribute.Int("workers", len(beats)),
		))
	}
	return nil
}

// maybeRestart requests a restart for a stale worker, honoring the restart
// cap and cooldown.
func (m *Manager) maybeRestart(ctx context.Context, workerID string, now time.Time) {
	if !m.config.AutoRestart || m.restart == nil {
		return
	}

	m.mu.Lock()
	st := m.states[workerID]
	if st.restarts >= m.config.MaxRestarts {
		m.mu.Unlock()
		return
	}
	if !st.lastRestart.IsZero() && now.Sub(st.lastRestart) < m.config.RestartCooldown {
		m.mu.Unlock()
		return
	}
	st.restarts++
	st.lastRestart = now
	st.restarting = true
	attempt := st.restarts
	m.mu.Unlock()

	m.logger.Warn("requesting worker restart",
		zap.String("worker", workerID),
		zap.Int("attempt", attempt),
		zap.Int("max", m.config.MaxRestarts))

	if err := m.restart(ctx, workerID); err != nil {
		m.logger.Error("worker restart request failed",
			zap.String("worker", workerID), zap.Error(err))
	}
}

// Run drives Check on the configured interval until the context ends.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.Check(ctx); err != nil {
				m.logger.Error("heartbeat check failed", zap.Error(err))
			}
		}
	}
}

// Deregister removes a worker's heartbeat record and monitor state. Used
// when a worker is retired on purpose, so it stops showing up stale.
func (m *Manager) Deregister(ctx context.Context, workerID string) error {
	if workerID == "" {
		return errors.New("worker id is required")
	}

	if err := m.store.Delete(ctx, beatKey(workerID)); err != nil && !errors.Is(err, signalstore.ErrNotFound) {
		return fmt.Errorf("removing heartbeat record: %w", err)
	}

	m.mu.Lock()
	delete(m.states, workerID)
	m.mu.Unlock()

	m.logger.Info("worker deregistered", zap.String("worker", workerID))
	return nil
}

// KnownWorkers lists every worker with a persisted heartbeat. Shaped to
// plug into the emergency handler's fleet enumeration.
func (m *Manager) KnownWorkers(ctx context.Context) ([]string, error) {
	keys, err := m.store.List(ctx, keyPrefix)
	if err != nil {
		return nil, err
	}
	workers := make([]string, 0, len(keys))
	for _, key := range keys {
		workers = append(workers, strings.TrimPrefix(key, keyPrefix))
	}
	sort.Strings(workers)
	return workers, nil
}
