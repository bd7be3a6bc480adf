package emergency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/waved/internal/signalstore"
)

const instrumentationName = "github.com/fyrsmithlabs/waved/internal/emergency"

// Halt record key space (spec'd contract shared with every worker).
const (
	FleetHaltKey    = "EMERGENCY-STOP"
	workerKeyPrefix = "stop:"
	waveKeyPrefix   = "stop:wave:"
)

// WorkerKey returns the per-worker halt key.
func WorkerKey(workerID string) string {
	return workerKeyPrefix + workerID
}

// WaveKey returns the per-wave halt key.
func WaveKey(wave int) string {
	return waveKeyPrefix + strconv.Itoa(wave)
}

// Config declares the fleet topology for scoped escalations.
type Config struct {
	// Domains maps a functional domain name to its worker IDs.
	Domains map[string][]string
	// Waves maps a pipeline wave number to its worker IDs.
	Waves map[int][]string
	// KnownWorkers optionally supplies additional live workers (e.g. from
	// heartbeat records) so E4 reaches workers outside declared groups.
	KnownWorkers func(ctx context.Context) ([]string, error)
}

// Handler cascades halt instructions through the Signal Store.
type Handler struct {
	config *Config
	store  signalstore.Store
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	history []AuditEntry

	tracer      trace.Tracer
	haltCounter metric.Int64Counter
}

// NewHandler creates an escalation handler.
func NewHandler(cfg *Config, store signalstore.Store, logger *zap.Logger) (*Handler, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if store == nil {
		return nil, errors.New("signal store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	h := &Handler{
		config: cfg,
		store:  store,
		logger: logger,
		now:    time.Now,
		tracer: otel.Tracer(instrumentationName),
	}

	meter := otel.Meter(instrumentationName)
	var err error
	h.haltCounter, err = meter.Int64Counter(
		"waved.emergency.halts_total",
		metric.WithDescription("Total number of halt records written"),
		metric.WithUnit("{halt}"),
	)
	if err != nil {
		logger.Warn("failed to create halt counter", zap.Error(err))
	}

	return h, nil
}

// parseEntries decodes a halt payload. Both the stacked entries envelope
// and a flat single-record payload (the budget enforcer writes one) are
// accepted; anything else is malformed.
func parseEntries(data []byte) ([]HaltRecord, bool) {
	var st haltState
	if err := json.Unmarshal(data, &st); err == nil && len(st.Entries) > 0 {
		return st.Entries, true
	}
	var rec HaltRecord
	if err := json.Unmarshal(data, &rec); err == nil && rec.Level != "" {
		return []HaltRecord{rec}, true
	}
	return nil, false
}

// addHalt merges one level's halt entry into the record under key. Levels
// stack: entries from other levels are preserved, an existing entry for
// the same level is replaced. Halt writes are safety-critical, so store
// errors are retried with exponential backoff before being escalated to
// the caller.
func (h *Handler) addHalt(ctx context.Context, key string, rec HaltRecord) error {
	entries := []HaltRecord{rec}
	if data, err := h.store.Get(ctx, key); err == nil {
		if existing, ok := parseEntries(data); ok {
			merged := make([]HaltRecord, 0, len(existing)+1)
			for _, e := range existing {
				if e.Level != rec.Level {
					merged = append(merged, e)
				}
			}
			entries = append(merged, rec)
		} else {
			h.logger.Warn("replacing malformed halt record", zap.String("key", key))
		}
	} else if !errors.Is(err, signalstore.ErrNotFound) {
		return fmt.Errorf("reading halt record %s: %w", key, err)
	}

	data, err := json.Marshal(haltState{Entries: entries})
	if err != nil {
		return fmt.Errorf("marshaling halt record: %w", err)
	}

	op := func() error {
		return h.store.Put(ctx, key, data)
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return fmt.Errorf("writing halt record %s: %w", key, err)
	}

	if h.haltCounter != nil {
		h.haltCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("level", string(rec.Level)),
		))
	}
	return nil
}

func (h *Handler) audit(action string, level EscalationLevel, scope, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.history = append(h.history, AuditEntry{
		ID:        uuid.New().String(),
		Action:    action,
		Level:     level,
		Scope:     scope,
		Reason:    reason,
		Timestamp: h.now(),
	})
}

// History returns a copy of the in-memory audit history.
func (h *Handler) History() []AuditEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]AuditEntry, len(h.history))
	copy(out, h.history)
	return out
}

// TriggerWorker escalates E1: halt a single worker.
func (h *Handler) TriggerWorker(ctx context.Context, workerID, reason, triggeredBy string) error {
	ctx, span := h.tracer.Start(ctx, "emergency.trigger_e1")
	defer span.End()
	span.SetAttributes(attribute.String("worker", workerID))

	if workerID == "" {
		return errors.New("worker id is required")
	}

	rec := HaltRecord{Level: LevelE1, Scope: workerID, Reason: reason, Timestamp: h.now(), TriggeredBy: triggeredBy}
	if err := h.addHalt(ctx, WorkerKey(workerID), rec); err != nil {
		return err
	}

	h.audit("trigger", LevelE1, workerID, reason)
	h.logger.Warn("E1 halt triggered", zap.String("worker", workerID), zap.String("reason", reason))
	return nil
}

// TriggerDomain escalates E2: halt every worker in a pre-declared domain.
// Existing lower-level halts are left in place; escalation is additive.
func (h *Handler) TriggerDomain(ctx context.Context, domain, reason, triggeredBy string) error {
	ctx, span := h.tracer.Start(ctx, "emergency.trigger_e2")
	defer span.End()
	span.SetAttributes(attribute.String("domain", domain))

	workers, ok := h.config.Domains[domain]
	if !ok {
		return fmt.Errorf("unknown domain %q", domain)
	}

	for _, w := range workers {
		rec := HaltRecord{Level: LevelE2, Scope: domain, Reason: reason, Timestamp: h.now(), TriggeredBy: triggeredBy}
		if err := h.addHalt(ctx, WorkerKey(w), rec); err != nil {
			return err
		}
	}

	h.audit("trigger", LevelE2, domain, reason)
	h.logger.Warn("E2 halt triggered",
		zap.String("domain", domain), zap.Int("workers", len(workers)), zap.String("reason", reason))
	return nil
}

// TriggerWave escalates E3: halt a pipeline wave. Writes one record per
// wave worker plus the scope-level wave record.
func (h *Handler) TriggerWave(ctx context.Context, wave int, reason, triggeredBy string) error {
	ctx, span := h.tracer.Start(ctx, "emergency.trigger_e3")
	defer span.End()
	span.SetAttributes(attribute.Int("wave", wave))

	workers, ok := h.config.Waves[wave]
	if !ok {
		return fmt.Errorf("unknown wave %d", wave)
	}

	scope := strconv.Itoa(wave)
	rec := HaltRecord{Level: LevelE3, Scope: scope, Reason: reason, Timestamp: h.now(), TriggeredBy: triggeredBy}
	if err := h.addHalt(ctx, WaveKey(wave), rec); err != nil {
		return err
	}
	for _, w := range workers {
		if err := h.addHalt(ctx, WorkerKey(w), rec); err != nil {
			return err
		}
	}

	h.audit("trigger", LevelE3, scope, reason)
	h.logger.Warn("E3 halt triggered",
		zap.Int("wave", wave), zap.Int("workers", len(workers)), zap.String("reason", reason))
	return nil
}

// TriggerFleet escalates E4: halt the entire fleet. The fleet-wide marker
// is written first so a partial failure still halts every polling worker;
// per-worker records follow for diagnostics. A non-empty reason is
// mandatory for system-wide halts.
func (h *Handler) TriggerFleet(ctx context.Context, reason, triggeredBy string) error {
	ctx, span := h.tracer.Start(ctx, "emergency.trigger_e4")
	defer span.End()

	if reason == "" {
		return errors.New("fleet-wide halt requires a non-empty reason")
	}

	rec := HaltRecord{Level: LevelE4, Scope: "fleet", Reason: reason, Timestamp: h.now(), TriggeredBy: triggeredBy}
	if err := h.addHalt(ctx, FleetHaltKey, rec); err != nil {
		return err
	}

	workers, err := h.allWorkers(ctx)
	if err != nil {
		h.logger.Error("fleet halt marker written but worker enumeration failed", zap.Error(err))
	}
	for _, w := range workers {
		if err := h.addHalt(ctx, WorkerKey(w), rec); err != nil {
			return err
		}
	}

	h.audit("trigger", LevelE4, "fleet", reason)
	h.logger.Error("E4 fleet-wide halt triggered",
		zap.String("reason", reason), zap.Int("workers", len(workers)))
	return nil
}

// TriggerSecurityHalt escalates E5: a human-reviewed security-incident halt
// on the fleet-wide marker.
func (h *Handler) TriggerSecurityHalt(ctx context.Context, reason, triggeredBy string) error {
	if reason == "" {
		return errors.New("security halt requires a non-empty reason")
	}

	rec := HaltRecord{Level: LevelE5, Scope: "fleet", Reason: reason, Timestamp: h.now(), TriggeredBy: triggeredBy}
	if err := h.addHalt(ctx, FleetHaltKey, rec); err != nil {
		return err
	}

	h.audit("trigger", LevelE5, "fleet", reason)
	h.logger.Error("E5 security halt triggered", zap.String("reason", reason))
	return nil
}

// allWorkers returns the union of declared groups and live workers.
func (h *Handler) allWorkers(ctx context.Context) ([]string, error) {
	seen := map[string]bool{}
	for _, ws := range h.config.Domains {
		for _, w := range ws {
			seen[w] = true
		}
	}
	for _, ws := range h.config.Waves {
		for _, w := range ws {
			seen[w] = true
		}
	}

	var enumErr error
	if h.config.KnownWorkers != nil {
		live, err := h.config.KnownWorkers(ctx)
		if err != nil {
			enumErr = err
		}
		for _, w := range live {
			seen[w] = true
		}
	}

	workers := make([]string, 0, len(seen))
	for w := range seen {
		workers = append(workers, w)
	}
	sort.Strings(workers)
	return workers, enumErr
}

// readEntries loads every active level entry under key. Presence of a key
// with a malformed payload still counts as a halt; a record that cannot be
// parsed must fail closed, not open.
func (h *Handler) readEntries(ctx context.Context, key string) ([]HaltRecord, bool, error) {
	data, err := h.store.Get(ctx, key)
	if errors.Is(err, signalstore.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	entries, ok := parseEntries(data)
	if !ok {
		h.logger.Warn("malformed halt record, failing closed", zap.String("key", key))
		return []HaltRecord{{Reason: "malformed halt record"}}, true, nil
	}
	return entries, true, nil
}

// readHalt loads the halt record under key and reports its highest active
// level.
func (h *Handler) readHalt(ctx context.Context, key string) (*HaltRecord, bool, error) {
	entries, halted, err := h.readEntries(ctx, key)
	if err != nil || !halted {
		return nil, false, err
	}

	top := entries[0]
	for _, e := range entries[1:] {
		if e.Level.Rank() > top.Level.Rank() {
			top = e
		}
	}
	return &top, true, nil
}

// CheckHalt is the worker-side poll. The fleet-wide marker is checked
// before anything else, including the worker's own record.
func (h *Handler) CheckHalt(ctx context.Context, workerID string, wave int) (bool, *HaltRecord, error) {
	if rec, halted, err := h.readHalt(ctx, FleetHaltKey); err != nil {
		return false, nil, err
	} else if halted {
		return true, rec, nil
	}

	if rec, halted, err := h.readHalt(ctx, WaveKey(wave)); err != nil {
		return false, nil, err
	} else if halted {
		return true, rec, nil
	}

	if rec, halted, err := h.readHalt(ctx, WorkerKey(workerID)); err != nil {
		return false, nil, err
	} else if halted {
		return true, rec, nil
	}

	return false, nil, nil
}

// GetStatus reports the highest currently active level and the affected
// worker set. Levels are evaluated in fixed ascending order so the highest
// active level wins regardless of insertion order.
func (h *Handler) GetStatus(ctx context.Context) (*Status, error) {
	ctx, span := h.tracer.Start(ctx, "emergency.status")
	defer span.End()

	status := &Status{}
	affected := map[string]bool{}

	keys, err := h.store.List(ctx, workerKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing halt records: %w", err)
	}

	consider := func(rec *HaltRecord) {
		status.Active = true
		status.Records = append(status.Records, *rec)
		if rec.Level.Rank() > status.CurrentLevel.Rank() {
			status.CurrentLevel = rec.Level
		}
	}

	for _, key := range keys {
		entries, halted, err := h.readEntries(ctx, key)
		if err != nil {
			return nil, err
		}
		if !halted {
			continue
		}
		for i := range entries {
			consider(&entries[i])
		}
		if !isWaveKey(key) {
			affected[key[len(workerKeyPrefix):]] = true
		}
	}

	if entries, halted, err := h.readEntries(ctx, FleetHaltKey); err != nil {
		return nil, err
	} else if halted {
		for i := range entries {
			consider(&entries[i])
		}
		all, _ := h.allWorkers(ctx)
		for _, w := range all {
			affected[w] = true
		}
	}

	for w := range affected {
		status.AffectedWorkers = append(status.AffectedWorkers, w)
	}
	sort.Strings(status.AffectedWorkers)
	return status, nil
}

func isWaveKey(key string) bool {
	return len(key) >= len(waveKeyPrefix) && key[:len(waveKeyPrefix)] == waveKeyPrefix
}

// Clear removes exactly the halt records the given level created for the
// given scope. It requires explicit confirmation and never touches records
// written by other levels, so clearing E1 under an active E4 leaves the
// worker halted.
func (h *Handler) Clear(ctx context.Context, level EscalationLevel, scope string, confirm bool) error {
	ctx, span := h.tracer.Start(ctx, "emergency.clear")
	defer span.End()
	span.SetAttributes(attribute.String("level", string(level)), attribute.String("scope", scope))

	if !confirm {
		return errors.New("clearing a halt requires explicit confirmation")
	}

	switch level {
	case LevelE1:
		if err := h.clearIfLevel(ctx, WorkerKey(scope), LevelE1); err != nil {
			return err
		}
	case LevelE2:
		workers, ok := h.config.Domains[scope]
		if !ok {
			return fmt.Errorf("unknown domain %q", scope)
		}
		for _, w := range workers {
			if err := h.clearIfLevel(ctx, WorkerKey(w), LevelE2); err != nil {
				return err
			}
		}
	case LevelE3:
		wave, err := strconv.Atoi(scope)
		if err != nil {
			return fmt.Errorf("invalid wave scope %q: %w", scope, err)
		}
		if err := h.clearIfLevel(ctx, WaveKey(wave), LevelE3); err != nil {
			return err
		}
		for _, w := range h.config.Waves[wave] {
			if err := h.clearIfLevel(ctx, WorkerKey(w), LevelE3); err != nil {
				return err
			}
		}
	case LevelE4, LevelE5:
		if err := h.clearIfLevel(ctx, FleetHaltKey, level); err != nil {
			return err
		}
		all, _ := h.allWorkers(ctx)
		for _, w := range all {
			if err := h.clearIfLevel(ctx, WorkerKey(w), level); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unknown escalation level %q", level)
	}

	h.audit("clear", level, scope, "")
	h.logger.Info("halt cleared", zap.String("level", string(level)), zap.String("scope", scope))
	return nil
}

// clearIfLevel removes the given level's entry from the record under key,
// deleting the key only when no other level remains active. Entries from
// other levels are left untouched, so clearing E1 under an active E2 or E4
// leaves the worker halted. Malformed records are never cleared implicitly.
func (h *Handler) clearIfLevel(ctx context.Context, key string, level EscalationLevel) error {
	data, err := h.store.Get(ctx, key)
	if errors.Is(err, signalstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	entries, ok := parseEntries(data)
	if !ok {
		h.logger.Warn("refusing to clear malformed halt record", zap.String("key", key))
		return nil
	}

	remaining := make([]HaltRecord, 0, len(entries))
	for _, e := range entries {
		if e.Level != level {
			remaining = append(remaining, e)
		}
	}
	if len(remaining) == len(entries) {
		return nil
	}
	if len(remaining) == 0 {
		if err := h.store.Delete(ctx, key); err != nil {
			return fmt.Errorf("clearing halt record %s: %w", key, err)
		}
		return nil
	}

	out, err := json.Marshal(haltState{Entries: remaining})
	if err != nil {
		return fmt.Errorf("marshaling halt record: %w", err)
	}
	if err := h.store.Put(ctx, key, out); err != nil {
		return fmt.Errorf("rewriting halt record %s: %w", key, err)
	}
	return nil
}
