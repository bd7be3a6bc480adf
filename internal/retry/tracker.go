// Package retry maintains a deletion-resistant retry counter. Each count is
// written to two independent Signal Store locations; reads take the maximum
// of both copies, so deleting one copy never resets the count.
package retry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/waved/internal/signalstore"
)

const instrumentationName = "github.com/fyrsmithlabs/waved/internal/retry"

const keyPrefix = "retry:"

// DefaultMaxRetries applies when a caller does not supply a limit.
const DefaultMaxRetries = 3

// Attempt is one recorded retry.
type Attempt struct {
	Count     int       `json:"count"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

// record is the persisted counter state, identical in both copies.
type record struct {
	StoryID string    `json:"id"`
	Wave    int       `json:"wave"`
	Count   int       `json:"count"`
	History []Attempt `json:"history,omitempty"`
	Updated time.Time `json:"updated"`
}

// Tracker counts retries across two stores.
type Tracker struct {
	primary signalstore.Store
	backup  signalstore.Store
	logger  *zap.Logger
	now     func() time.Time
	tracer  trace.Tracer
}

// NewTracker creates a retry tracker over two independent stores. The
// stores must not share a backing directory or the duplication is
// worthless.
func NewTracker(primary, backup signalstore.Store, logger *zap.Logger) (*Tracker, error) {
	if primary == nil || backup == nil {
		return nil, errors.New("both primary and backup stores are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		primary: primary,
		backup:  backup,
		logger:  logger,
		now:     time.Now,
		tracer:  otel.Tracer(instrumentationName),
	}, nil
}

func countKey(storyID string) string {
	return keyPrefix + storyID
}

// read loads one copy. A missing or corrupt copy reads as zero; corruption
// in one copy must not mask a surviving count in the other.
func (t *Tracker) read(ctx context.Context, store signalstore.Store, storyID string) record {
	data, err := store.Get(ctx, countKey(storyID))
	if errors.Is(err, signalstore.ErrNotFound) {
		return record{StoryID: storyID}
	}
	if err != nil {
		t.logger.Warn("retry copy unreadable, treating as zero",
			zap.String("story", storyID), zap.Error(err))
		return record{StoryID: storyID}
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		t.logger.Warn("retry copy corrupt, treating as zero",
			zap.String("story", storyID), zap.Error(err))
		return record{StoryID: storyID}
	}
	return rec
}

// reconcile merges both copies: the higher count wins, and its history
// comes along with it.
func (t *Tracker) reconcile(ctx context.Context, storyID string) record {
	p := t.read(ctx, t.primary, storyID)
	b := t.read(ctx, t.backup, storyID)
	if b.Count > p.Count {
		return b
	}
	return p
}

// GetRetryCount returns the effective count: the maximum of both copies,
// with a missing copy reading as zero.
func (t *Tracker) GetRetryCount(ctx context.Context, storyID string) int {
	return t.reconcile(ctx, storyID).Count
}

// IncrementRetryCount bumps the counter to max(both copies)+1 and writes
// the merged record back to both stores. The returned count is the new
// effective value.
func (t *Tracker) IncrementRetryCount(ctx context.Context, storyID string, wave int, reason string) (int, error) {
	ctx, span := t.tracer.Start(ctx, "retry.increment")
	defer span.End()
	span.SetAttributes(attribute.String("story", storyID), attribute.Int("wave", wave))

	if storyID == "" {
		return 0, errors.New("story id is required")
	}

	rec := t.reconcile(ctx, storyID)
	rec.StoryID = storyID
	rec.Wave = wave
	rec.Count++
	rec.Updated = t.now()
	rec.History = append(rec.History, Attempt{
		Count:     rec.Count,
		Timestamp: rec.Updated,
		Reason:    reason,
	})

	data, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("marshaling retry record: %w", err)
	}

	// Backup first: if the primary write then fails, the higher count
	// still survives in the copy a worker is least likely to touch.
	if err := t.backup.Put(ctx, countKey(storyID), data); err != nil {
		return 0, fmt.Errorf("writing backup retry copy: %w", err)
	}
	if err := t.primary.Put(ctx, countKey(storyID), data); err != nil {
		return rec.Count, fmt.Errorf("writing primary retry copy: %w", err)
	}

	t.logger.Info("retry recorded",
		zap.String("story", storyID),
		zap.Int("wave", wave),
		zap.Int("count", rec.Count),
		zap.String("reason", reason))
	return rec.Count, nil
}

// IsMaxRetriesExceeded reports whether the effective count has reached the
// limit. A non-positive limit falls back to DefaultMaxRetries.
func (t *Tracker) IsMaxRetriesExceeded(ctx context.Context, storyID string, maxRetries int) bool {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return t.GetRetryCount(ctx, storyID) >= maxRetries
}

// History returns the merged attempt history for a story.
func (t *Tracker) History(ctx context.Context, storyID string) []Attempt {
	return t.reconcile(ctx, storyID).History
}

// Reset deletes both copies. It requires explicit confirmation: resetting
// a retry counter erases evidence of repeated failure and must never
// happen as a side effect.
func (t *Tracker) Reset(ctx context.Context, storyID string, confirm bool) error {
	if !confirm {
		return errors.New("retry reset requires explicit confirmation")
	}

	key := countKey(storyID)
	if err := t.primary.Delete(ctx, key); err != nil && !errors.Is(err, signalstore.ErrNotFound) {
		return fmt.Errorf("resetting primary retry copy: %w", err)
	}
	if err := t.backup.Delete(ctx, key); err != nil && !errors.Is(err, signalstore.ErrNotFound) {
		return fmt.Errorf("resetting backup retry copy: %w", err)
	}

	t.logger.Info("retry counter reset", zap.String("story", storyID))
	return nil
}
