package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/waved/internal/signalstore"
)

const instrumentationName = "github.com/fyrsmithlabs/waved/internal/gate"

const keyPrefix = "gate:"

// WorkItem is one identifiable unit of pipeline progress. Items are never
// physically deleted; terminal items simply stop transitioning.
type WorkItem struct {
	ID           string       `json:"id"`
	Step         string       `json:"step"`
	Wave         int          `json:"wave"`
	Status       Status       `json:"status"`
	HoldReasons  []HoldReason `json:"hold_reasons,omitempty"`
	LastDecision KillDecision `json:"last_decision,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Manager persists work items and enforces the legal-transition table on
// every status mutation.
type Manager struct {
	store  signalstore.Store
	logger *zap.Logger
	now    func() time.Time

	tracer            trace.Tracer
	transitionCounter metric.Int64Counter
}

// NewManager creates a work item manager over the given store.
func NewManager(store signalstore.Store, logger *zap.Logger) (*Manager, error) {
	if store == nil {
		return nil, errors.New("signal store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		store:  store,
		logger: logger,
		now:    time.Now,
		tracer: otel.Tracer(instrumentationName),
	}

	meter := otel.Meter(instrumentationName)
	var err error
	m.transitionCounter, err = meter.Int64Counter(
		"waved.gate.transitions_total",
		metric.WithDescription("Total number of gate status transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		logger.Warn("failed to create transition counter", zap.Error(err))
	}

	return m, nil
}

func itemKey(id string) string {
	return keyPrefix + id
}

// Create registers a new work item in the idle status. Creating an item
// that already exists is an error; existing lifecycle state must never be
// silently reset.
func (m *Manager) Create(ctx context.Context, id, step string, wave int) (*WorkItem, error) {
	if id == "" || step == "" {
		return nil, errors.New("work item id and step are required")
	}

	if _, err := m.Get(ctx, id); err == nil {
		return nil, fmt.Errorf("work item %s already exists", id)
	} else if !errors.Is(err, signalstore.ErrNotFound) {
		return nil, err
	}

	item := &WorkItem{
		ID:        id,
		Step:      step,
		Wave:      wave,
		Status:    StatusIdle,
		CreatedAt: m.now(),
		UpdatedAt: m.now(),
	}
	if err := m.put(ctx, item); err != nil {
		return nil, err
	}

	m.logger.Info("created work item",
		zap.String("item", id), zap.String("step", step), zap.Int("wave", wave))
	return item, nil
}

// Get loads a work item. A malformed persisted record is reported as
// signalstore.ErrNotFound after logging, so corrupt data cannot crash
// callers.
func (m *Manager) Get(ctx context.Context, id string) (*WorkItem, error) {
	data, err := m.store.Get(ctx, itemKey(id))
	if err != nil {
		return nil, err
	}

	var item WorkItem
	if err := json.Unmarshal(data, &item); err != nil || item.ID == "" {
		m.logger.Warn("malformed work item record, treating as absent",
			zap.String("item", id), zap.Error(err))
		return nil, signalstore.ErrNotFound
	}
	return &item, nil
}

// Transition moves a work item to a new status, enforcing the legal
// transition table. The updated record is written with atomic replace.
func (m *Manager) Transition(ctx context.Context, id string, to Status) (*WorkItem, error) {
	ctx, span := m.tracer.Start(ctx, "gate.transition")
	defer span.End()
	span.SetAttributes(
		attribute.String("item", id),
		attribute.String("to", string(to)),
	)

	item, err := m.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading work item %s: %w", id, err)
	}

	if err := CheckTransition(item.Status, to); err != nil {
		span.RecordError(err)
		return nil, err
	}

	from := item.Status
	item.Status = to
	item.UpdatedAt = m.now()
	if to != StatusHold {
		item.HoldReasons = nil
	}

	if err := m.put(ctx, item); err != nil {
		return nil, err
	}

	if m.transitionCounter != nil {
		m.transitionCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("from", string(from)),
			attribute.String("to", string(to)),
		))
	}
	m.logger.Info("gate transition",
		zap.String("item", id),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	return item, nil
}

// Hold transitions the item to hold and records the reasons that put it
// there, so resumption can re-check each one.
func (m *Manager) Hold(ctx context.Context, id string, reasons []HoldReason) (*WorkItem, error) {
	if len(reasons) == 0 {
		return nil, errors.New("hold requires at least one reason")
	}

	item, err := m.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading work item %s: %w", id, err)
	}
	if err := CheckTransition(item.Status, StatusHold); err != nil {
		return nil, err
	}

	item.Status = StatusHold
	item.HoldReasons = reasons
	item.UpdatedAt = m.now()
	if err := m.put(ctx, item); err != nil {
		return nil, err
	}

	m.logger.Info("work item held",
		zap.String("item", id), zap.Int("reasons", len(reasons)))
	return item, nil
}

// Resume moves a held item back to validating, but only when every recorded
// hold reason is marked resolved.
func (m *Manager) Resume(ctx context.Context, id string, resolved map[string]bool) (*WorkItem, error) {
	item, err := m.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading work item %s: %w", id, err)
	}
	if item.Status != StatusHold {
		return nil, fmt.Errorf("work item %s is not held (status %s)", id, item.Status)
	}
	if !CanResumeFromHold(item.HoldReasons, resolved) {
		return nil, fmt.Errorf("work item %s has unresolved hold reasons", id)
	}
	return m.Transition(ctx, id, StatusValidating)
}

// RecordDecision stores the last evaluated kill decision on the item.
func (m *Manager) RecordDecision(ctx context.Context, id string, decision KillDecision) error {
	item, err := m.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("loading work item %s: %w", id, err)
	}
	item.LastDecision = decision
	item.UpdatedAt = m.now()
	return m.put(ctx, item)
}

// List returns all persisted work items, skipping malformed records.
func (m *Manager) List(ctx context.Context) ([]*WorkItem, error) {
	keys, err := m.store.List(ctx, keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing work items: %w", err)
	}

	items := make([]*WorkItem, 0, len(keys))
	for _, key := range keys {
		item, err := m.Get(ctx, key[len(keyPrefix):])
		if errors.Is(err, signalstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func (m *Manager) put(ctx context.Context, item *WorkItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshaling work item %s: %w", item.ID, err)
	}
	if err := m.store.Put(ctx, itemKey(item.ID), data); err != nil {
		return fmt.Errorf("persisting work item %s: %w", item.ID, err)
	}
	return nil
}
