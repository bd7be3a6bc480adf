// Package supervisor runs the periodic enforcement loop: heartbeat checks,
// kill-criteria evaluation over live work items, and the resulting halts
// and alerts.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/waved/internal/alert"
	"github.com/fyrsmithlabs/waved/internal/approval"
	"github.com/fyrsmithlabs/waved/internal/emergency"
	"github.com/fyrsmithlabs/waved/internal/gate"
	"github.com/fyrsmithlabs/waved/internal/heartbeat"
	"github.com/fyrsmithlabs/waved/internal/retry"
)

const instrumentationName = "github.com/fyrsmithlabs/waved/internal/supervisor"

// Alerter publishes supervisory alerts. Nil drops them; alerts never gate
// enforcement.
type Alerter interface {
	Publish(ctx context.Context, event alert.Event) error
}

// Config tunes the loop.
type Config struct {
	// TickInterval is the enforcement loop period (default 15s).
	TickInterval time.Duration
	// MaxRetries is the retry ceiling for steps without a per-step kill
	// criteria entry. Zero keeps the built-in default.
	MaxRetries int
	// WorkerForItem maps a work item to the worker responsible for it, for
	// targeted E1 halts on kills. Nil falls back to the item ID.
	WorkerForItem func(item *gate.WorkItem) string
}

// DefaultConfig returns the loop defaults.
func DefaultConfig() *Config {
	return &Config{TickInterval: 15 * time.Second}
}

// Supervisor drives periodic enforcement across the control plane.
type Supervisor struct {
	config    *Config
	gates     *gate.Manager
	retries   *retry.Tracker
	emergency *emergency.Handler
	beats     *heartbeat.Manager
	approvals *approval.Enforcer
	alerter   Alerter
	logger    *zap.Logger

	// pendingAlerted tracks which approval requests were already surfaced,
	// so each request alerts once. Tick is single-threaded.
	pendingAlerted map[string]bool

	tracer      trace.Tracer
	killCounter metric.Int64Counter
}

// New creates a supervisor over the given enforcers. The heartbeat manager,
// approval enforcer, and alerter are optional; everything else is required.
func New(cfg *Config, gates *gate.Manager, retries *retry.Tracker, em *emergency.Handler, beats *heartbeat.Manager, approvals *approval.Enforcer, alerter Alerter, logger *zap.Logger) (*Supervisor, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.TickInterval <= 0 {
		return nil, errors.New("tick interval must be positive")
	}
	if gates == nil || retries == nil || em == nil {
		return nil, errors.New("gate manager, retry tracker, and emergency handler are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Supervisor{
		config:         cfg,
		gates:          gates,
		retries:        retries,
		emergency:      em,
		beats:          beats,
		approvals:      approvals,
		alerter:        alerter,
		logger:         logger,
		pendingAlerted: map[string]bool{},
		tracer:         otel.Tracer(instrumentationName),
	}

	meter := otel.Meter(instrumentationName)
	var err error
	s.killCounter, err = meter.Int64Counter(
		"waved.supervisor.kills_total",
		metric.WithDescription("Total number of work items killed by the enforcement loop"),
		metric.WithUnit("{kill}"),
	)
	if err != nil {
		logger.Warn("failed to create kill counter", zap.Error(err))
	}

	return s, nil
}

// Tick runs one enforcement pass.
func (s *Supervisor) Tick(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "supervisor.tick")
	defer span.End()

	if s.beats != nil {
		if err := s.beats.Check(ctx); err != nil {
			s.logger.Error("heartbeat check failed", zap.Error(err))
		}
	}

	s.surfacePendingApprovals(ctx)

	// Under an active fleet halt the pipeline is already stopped; skip
	// kill evaluation so the halt record, not the loop, stays the story.
	if halted, rec, err := s.haltedFleetWide(ctx); err != nil {
		return err
	} else if halted {
		s.logger.Warn("fleet halt active, enforcement pass skipped",
			zap.String("level", string(rec.Level)),
			zap.String("reason", rec.Reason))
		return nil
	}

	return s.enforceKillCriteria(ctx)
}

// surfacePendingApprovals raises one alert per approval request waiting on
// a human. A request alerts again only after it was granted or withdrawn
// and re-filed.
func (s *Supervisor) surfacePendingApprovals(ctx context.Context) {
	if s.approvals == nil {
		return
	}

	pending, err := s.approvals.PendingRequests(ctx)
	if err != nil {
		s.logger.Error("listing pending approvals failed", zap.Error(err))
		return
	}

	current := map[string]bool{}
	for _, p := range pending {
		current[p.Key] = true
		if s.pendingAlerted[p.Key] {
			continue
		}
		s.pendingAlerted[p.Key] = true

		s.logger.Info("approval pending",
			zap.String("key", p.Key),
			zap.String("operation", p.Record.Operation),
			zap.String("requester", p.Record.Requester))
		if s.alerter != nil {
			if err := s.alerter.Publish(ctx, alert.Event{
				Source:   "supervisor",
				Kind:     "approval_pending",
				Severity: alert.SeverityWarning,
				Message:  "approval request awaiting a human decision",
				Fields: map[string]any{
					"key":       p.Key,
					"operation": p.Record.Operation,
					"requester": p.Record.Requester,
				},
			}); err != nil {
				s.logger.Warn("approval alert publish failed", zap.Error(err))
			}
		}
	}

	for key := range s.pendingAlerted {
		if !current[key] {
			delete(s.pendingAlerted, key)
		}
	}
}

// haltedFleetWide reports whether the fleet-wide marker is set.
func (s *Supervisor) haltedFleetWide(ctx context.Context) (bool, *emergency.HaltRecord, error) {
	halted, rec, err := s.emergency.CheckHalt(ctx, "", -1)
	if err != nil {
		return false, nil, fmt.Errorf("checking fleet halt: %w", err)
	}
	return halted, rec, nil
}

// killable statuses are the non-terminal ones the transition table allows
// into killed.
func killable(status gate.Status) bool {
	switch status {
	case gate.StatusValidating, gate.StatusBlocked, gate.StatusHold, gate.StatusPendingHumanReview:
		return true
	default:
		return false
	}
}

// enforceKillCriteria evaluates every live work item against its step's
// kill criteria and retires the ones that fail.
func (s *Supervisor) enforceKillCriteria(ctx context.Context) error {
	items, err := s.gates.List(ctx)
	if err != nil {
		return fmt.Errorf("listing work items: %w", err)
	}

	for _, item := range items {
		if !killable(item.Status) {
			continue
		}

		count := s.retries.GetRetryCount(ctx, item.ID)
		decision := gate.ShouldKillWithDefault(item.Step, count, nil, s.config.MaxRetries)
		if err := s.gates.RecordDecision(ctx, item.ID, decision); err != nil {
			s.logger.Error("recording kill decision failed",
				zap.String("item", item.ID), zap.Error(err))
			continue
		}
		if !decision.Kill {
			continue
		}

		s.kill(ctx, item, decision)
	}
	return nil
}

// kill retires one work item: gate transition, targeted E1 halt, alert.
func (s *Supervisor) kill(ctx context.Context, item *gate.WorkItem, decision gate.KillDecision) {
	if _, err := s.gates.Transition(ctx, item.ID, gate.StatusKilled); err != nil {
		s.logger.Error("kill transition failed",
			zap.String("item", item.ID), zap.Error(err))
		return
	}

	if s.killCounter != nil {
		s.killCounter.Add(ctx, 1)
	}
	s.logger.Warn("work item killed",
		zap.String("item", item.ID),
		zap.String("step", item.Step),
		zap.String("reason", decision.Reason))

	worker := item.ID
	if s.config.WorkerForItem != nil {
		worker = s.config.WorkerForItem(item)
	}
	if worker != "" {
		if err := s.emergency.TriggerWorker(ctx, worker, decision.Reason, "supervisor"); err != nil {
			s.logger.Error("E1 halt for killed item failed",
				zap.String("worker", worker), zap.Error(err))
		}
	}

	if s.alerter != nil {
		if err := s.alerter.Publish(ctx, alert.Event{
			Source:   "supervisor",
			Kind:     "item_killed",
			Severity: alert.SeverityCritical,
			Message:  decision.Reason,
			Fields: map[string]any{
				"item": item.ID,
				"step": item.Step,
				"wave": item.Wave,
			},
		}); err != nil {
			s.logger.Warn("kill alert publish failed", zap.Error(err))
		}
	}
}

// Run drives Tick on the configured interval until the context ends.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	s.logger.Info("supervisor started",
		zap.Duration("tick_interval", s.config.TickInterval))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.Error("enforcement pass failed", zap.Error(err))
			}
		}
	}
}
