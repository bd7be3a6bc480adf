package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/waved/internal/signalstore"
)

const instrumentationName = "github.com/fyrsmithlabs/waved/internal/approval"

// Config tunes the enforcer.
type Config struct {
	// Timeout is how long an approval record stays valid (default 24h).
	Timeout time.Duration
	// Strict requires the record's operation to match the requested one.
	Strict bool
}

// DefaultConfig returns the enforcer defaults.
func DefaultConfig() *Config {
	return &Config{Timeout: 24 * time.Hour}
}

// Enforcer validates approval records from the Signal Store.
type Enforcer struct {
	config *Config
	store  signalstore.Store
	logger *zap.Logger
	now    func() time.Time

	tracer        trace.Tracer
	denialCounter metric.Int64Counter
}

// NewEnforcer creates an approval enforcer.
func NewEnforcer(cfg *Config, store signalstore.Store, logger *zap.Logger) (*Enforcer, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Timeout <= 0 {
		return nil, errors.New("approval timeout must be positive")
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
		now:    time.Now,
		tracer: otel.Tracer(instrumentationName),
	}

	meter := otel.Meter(instrumentationName)
	var err error
	e.denialCounter, err = meter.Int64Counter(
		"waved.approval.denials_total",
		metric.WithDescription("Total number of denied approval checks"),
		metric.WithUnit("{denial}"),
	)
	if err != nil {
		logger.Warn("failed to create denial counter", zap.Error(err))
	}

	return e, nil
}

// recordKey is the canonical key for a (wave, tier) approval record.
func recordKey(wave int, level Level) string {
	return fmt.Sprintf("approval:wave-%d:%s", wave, level)
}

// neededKey is the request-variant key a human process later replaces with
// the approved record under the canonical key.
func neededKey(wave int, level Level) string {
	return recordKey(wave, level) + "-NEEDED"
}

// CheckApproval validates the approval record for an operation at a given
// tier within a wave. L5 is allowed with no I/O; L0 is refused
// unconditionally.
func (e *Enforcer) CheckApproval(ctx context.Context, wave int, level Level, operation string) Decision {
	ctx, span := e.tracer.Start(ctx, "approval.check")
	defer span.End()
	span.SetAttributes(
		attribute.Int("wave", wave),
		attribute.String("level", string(level)),
		attribute.String("operation", operation),
	)

	switch level {
	case LevelAutoAllowed:
		return Decision{Allowed: true, Reason: ReasonAutoAllowed, Level: level, Operation: operation}
	case LevelForbidden:
		return e.deny(ctx, Decision{
			Reason: ReasonForbiddenOperation, Level: level, Operation: operation,
			Message: fmt.Sprintf("operation %q is forbidden at any tier", operation),
		})
	}

	data, err := e.store.Get(ctx, recordKey(wave, level))
	if errors.Is(err, signalstore.ErrNotFound) {
		return e.deny(ctx, Decision{
			Reason: ReasonApprovalRequired, Level: level, Operation: operation,
			Message: fmt.Sprintf("no approval record for wave %d tier %s", wave, level),
		})
	}
	if err != nil {
		// Store errors on authorization reads fail closed.
		e.logger.Error("approval record read failed", zap.Error(err))
		return e.deny(ctx, Decision{
			Reason: ReasonApprovalRequired, Level: level, Operation: operation,
			Message: "approval record unreadable",
		})
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		e.logger.Warn("malformed approval record, treating as absent",
			zap.Int("wave", wave), zap.String("level", string(level)), zap.Error(err))
		return e.deny(ctx, Decision{
			Reason: ReasonApprovalRequired, Level: level, Operation: operation,
			Message: "approval record malformed",
		})
	}

	if rec.Approver == "" || rec.Timestamp.IsZero() {
		return e.deny(ctx, Decision{
			Reason: ReasonInvalidApproval, Level: level, Operation: operation,
			Message: "approval record missing approver or timestamp",
		})
	}
	if e.now().Sub(rec.Timestamp) > e.config.Timeout {
		return e.deny(ctx, Decision{
			Reason: ReasonApprovalExpired, Level: level, Operation: operation,
			Message: fmt.Sprintf("approval from %s is older than %s", rec.Timestamp.Format(time.RFC3339), e.config.Timeout),
		})
	}
	if e.config.Strict && rec.Operation != operation {
		return e.deny(ctx, Decision{
			Reason: ReasonInvalidApproval, Level: level, Operation: operation,
			Message: fmt.Sprintf("approval covers %q, not %q", rec.Operation, operation),
		})
	}

	return Decision{Allowed: true, Reason: ReasonApproved, Level: level, Operation: operation}
}

// RequireApproval classifies the operation into its tier and returns a
// single pass/fail decision with a machine-readable reason code.
func (e *Enforcer) RequireApproval(ctx context.Context, wave int, operation string) Decision {
	level := GetApprovalLevel(operation)
	return e.CheckApproval(ctx, wave, level, operation)
}

// ValidateApprovalChain validates every record in a chain. With enforceSoD,
// any record whose approver equals its requester fails the whole chain with
// separation_of_duties_violation, regardless of how many other records are
// individually valid.
func (e *Enforcer) ValidateApprovalChain(ctx context.Context, chain []Record, enforceSoD bool) Decision {
	if enforceSoD {
		for _, rec := range chain {
			if rec.Requester != "" && rec.Approver == rec.Requester {
				return e.deny(ctx, Decision{
					Reason:    ReasonSeparationOfDuties,
					Operation: rec.Operation,
					Message:   fmt.Sprintf("approver %q approved their own request", rec.Approver),
				})
			}
		}
	}

	for _, rec := range chain {
		if rec.Approver == "" || rec.Timestamp.IsZero() {
			return e.deny(ctx, Decision{
				Reason:    ReasonInvalidApproval,
				Operation: rec.Operation,
				Message:   "chain record missing approver or timestamp",
			})
		}
		if e.now().Sub(rec.Timestamp) > e.config.Timeout {
			return e.deny(ctx, Decision{
				Reason:    ReasonApprovalExpired,
				Operation: rec.Operation,
				Message:   "chain record expired",
			})
		}
	}

	return Decision{Allowed: true, Reason: ReasonApproved}
}

// RequestApproval writes the *-NEEDED variant key that a human or approving
// process later replaces with the approved record under the canonical key.
func (e *Enforcer) RequestApproval(ctx context.Context, wave int, operation, requester string) error {
	level := GetApprovalLevel(operation)
	if level == LevelForbidden {
		return fmt.Errorf("operation %q is forbidden and cannot be requested", operation)
	}
	if level == LevelAutoAllowed {
		return nil
	}

	req := Record{
		Requester: requester,
		Timestamp: e.now(),
		Operation: operation,
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshaling approval request: %w", err)
	}
	if err := e.store.Put(ctx, neededKey(wave, level), data); err != nil {
		return fmt.Errorf("writing approval request: %w", err)
	}

	e.logger.Info("approval requested",
		zap.Int("wave", wave),
		zap.String("level", string(level)),
		zap.String("operation", operation),
		zap.String("requester", requester))
	return nil
}

// Grant records an approval under the canonical key and clears any pending
// request. Intended for the approving process, not for workers.
func (e *Enforcer) Grant(ctx context.Context, wave int, level Level, rec Record) error {
	if rec.Approver == "" {
		return errors.New("approval record requires an approver")
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = e.now()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling approval record: %w", err)
	}
	if err := e.store.Put(ctx, recordKey(wave, level), data); err != nil {
		return fmt.Errorf("writing approval record: %w", err)
	}
	if err := e.store.Delete(ctx, neededKey(wave, level)); err != nil {
		e.logger.Warn("failed to clear approval request key", zap.Error(err))
	}

	e.logger.Info("approval granted",
		zap.Int("wave", wave),
		zap.String("level", string(level)),
		zap.String("approver", rec.Approver),
		zap.String("operation", rec.Operation))
	return nil
}

// PendingRequest is one approval request awaiting a grant.
type PendingRequest struct {
	Key    string `json:"key"`
	Record Record `json:"record"`
}

// PendingRequests lists every request-variant key currently in the store so
// a supervisor can surface approvals waiting on a human. Malformed requests
// are skipped.
func (e *Enforcer) PendingRequests(ctx context.Context) ([]PendingRequest, error) {
	keys, err := e.store.List(ctx, "approval:")
	if err != nil {
		return nil, fmt.Errorf("listing approval requests: %w", err)
	}

	var pending []PendingRequest
	for _, key := range keys {
		if !strings.HasSuffix(key, "-NEEDED") {
			continue
		}
		data, err := e.store.Get(ctx, key)
		if errors.Is(err, signalstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			e.logger.Warn("skipping malformed approval request",
				zap.String("key", key), zap.Error(err))
			continue
		}
		pending = append(pending, PendingRequest{Key: key, Record: rec})
	}
	return pending, nil
}

func (e *Enforcer) deny(ctx context.Context, d Decision) Decision {
	d.Allowed = false
	if e.denialCounter != nil {
		e.denialCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("reason", string(d.Reason)),
		))
	}
	e.logger.Info("approval denied",
		zap.String("operation", d.Operation),
		zap.String("level", string(d.Level)),
		zap.String("reason", string(d.Reason)))
	return d
}
