package heartbeat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/waved/internal/signalstore"
)

type notifyRecorder struct {
	mu    sync.Mutex
	notes []Notification
}

func (r *notifyRecorder) notify(_ context.Context, n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *notifyRecorder) all() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.notes))
	copy(out, r.notes)
	return out
}

type restartRecorder struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (r *restartRecorder) restart(_ context.Context, workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, workerID)
	return r.err
}

func (r *restartRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newTestManager(t *testing.T, cfg *Config) (*Manager, *notifyRecorder, *restartRecorder) {
	t.Helper()
	store, err := signalstore.NewFileStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	notes := &notifyRecorder{}
	restarts := &restartRecorder{}
	m, err := NewManager(cfg, store, notes.notify, restarts.restart, zap.NewNop())
	require.NoError(t, err)
	return m, notes, restarts
}

// setNow pins the manager's clock.
func setNow(m *Manager, at time.Time) {
	m.now = func() time.Time { return at }
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.Warning = bad.Timeout
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.CheckInterval = 0
	assert.Error(t, bad.Validate())
}

func TestClassifyThresholds(t *testing.T) {
	m, _, _ := newTestManager(t, nil)

	assert.Equal(t, HealthHealthy, m.classify(0))
	assert.Equal(t, HealthHealthy, m.classify(44*time.Second))
	assert.Equal(t, HealthWarning, m.classify(45*time.Second))
	assert.Equal(t, HealthWarning, m.classify(59*time.Second))
	assert.Equal(t, HealthStale, m.classify(60*time.Second))
	assert.Equal(t, HealthStale, m.classify(70*time.Second))
}

func TestGetHealthStatus(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	ctx := context.Background()
	base := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	require.NoError(t, m.RecordHeartbeat(ctx, Beat{WorkerID: "fresh", Timestamp: base.Add(-10 * time.Second)}))
	require.NoError(t, m.RecordHeartbeat(ctx, Beat{WorkerID: "slow", Timestamp: base.Add(-50 * time.Second)}))
	require.NoError(t, m.RecordHeartbeat(ctx, Beat{WorkerID: "gone", Timestamp: base.Add(-70 * time.Second)}))
	setNow(m, base)

	statuses, err := m.GetHealthStatus(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 3)

	byID := map[string]WorkerStatus{}
	for _, s := range statuses {
		byID[s.WorkerID] = s
	}
	assert.Equal(t, HealthHealthy, byID["fresh"].Health)
	assert.Equal(t, HealthWarning, byID["slow"].Health)
	assert.Equal(t, HealthStale, byID["gone"].Health)

	stale, err := m.GetStaleAgents(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"gone"}, stale)
}

func TestCheck_NotifiesOncePerExcursion(t *testing.T) {
	m, notes, _ := newTestManager(t, nil)
	ctx := context.Background()
	base := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	require.NoError(t, m.RecordHeartbeat(ctx, Beat{WorkerID: "w1", Timestamp: base.Add(-70 * time.Second)}))
	setNow(m, base)

	require.NoError(t, m.Check(ctx))
	require.NoError(t, m.Check(ctx))
	require.NoError(t, m.Check(ctx))

	got := notes.all()
	require.Len(t, got, 1)
	assert.Equal(t, "w1", got[0].WorkerID)
	assert.Equal(t, HealthStale, got[0].Health)
}

func TestCheck_FreshBeatReArmsNotifications(t *testing.T) {
	m, notes, _ := newTestManager(t, nil)
	ctx := context.Background()
	base := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	require.NoError(t, m.RecordHeartbeat(ctx, Beat{WorkerID: "w1", Timestamp: base.Add(-70 * time.Second)}))
	setNow(m, base)
	require.NoError(t, m.Check(ctx))
	require.Len(t, notes.all(), 1)

	// Worker recovers, then goes stale again: a second notification fires.
	require.NoError(t, m.RecordHeartbeat(ctx, Beat{WorkerID: "w1", Timestamp: base}))
	setNow(m, base.Add(70*time.Second))
	require.NoError(t, m.Check(ctx))

	got := notes.all()
	require.Len(t, got, 2)
	assert.Equal(t, HealthStale, got[1].Health)
}

func TestCheck_WarningThenStaleFiresBoth(t *testing.T) {
	m, notes, _ := newTestManager(t, nil)
	ctx := context.Background()
	base := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	require.NoError(t, m.RecordHeartbeat(ctx, Beat{WorkerID: "w1", Timestamp: base}))

	setNow(m, base.Add(50*time.Second))
	require.NoError(t, m.Check(ctx))
	setNow(m, base.Add(70*time.Second))
	require.NoError(t, m.Check(ctx))

	got := notes.all()
	require.Len(t, got, 2)
	assert.Equal(t, HealthWarning, got[0].Health)
	assert.Equal(t, HealthStale, got[1].Health)
}

func TestCheck_AutoRestartDisabledByDefault(t *testing.T) {
	m, _, restarts := newTestManager(t, nil)
	ctx := context.Background()
	base := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	require.NoError(t, m.RecordHeartbeat(ctx, Beat{WorkerID: "w1", Timestamp: base.Add(-120 * time.Second)}))
	setNow(m, base)

	require.NoError(t, m.Check(ctx))
	assert.Zero(t, restarts.count())
}

func TestCheck_AutoRestartHonorsCapAndCooldown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoRestart = true
	cfg.MaxRestarts = 2
	cfg.RestartCooldown = time.Minute
	m, _, restarts := newTestManager(t, cfg)
	ctx := context.Background()
	base := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	require.NoError(t, m.RecordHeartbeat(ctx, Beat{WorkerID: "w1", Timestamp: base.Add(-10 * time.Minute)}))

	setNow(m, base)
	require.NoError(t, m.Check(ctx))
	assert.Equal(t, 1, restarts.count())

	// Within the cooldown: no second request.
	setNow(m, base.Add(30*time.Second))
	require.NoError(t, m.Check(ctx))
	assert.Equal(t, 1, restarts.count())

	// Past the cooldown: second and final request.
	setNow(m, base.Add(2*time.Minute))
	require.NoError(t, m.Check(ctx))
	assert.Equal(t, 2, restarts.count())

	// Cap reached: no more.
	setNow(m, base.Add(10*time.Minute))
	require.NoError(t, m.Check(ctx))
	assert.Equal(t, 2, restarts.count())
}

func TestCheck_RestartingStatusVisible(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoRestart = true
	m, _, _ := newTestManager(t, cfg)
	ctx := context.Background()
	base := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	require.NoError(t, m.RecordHeartbeat(ctx, Beat{WorkerID: "w1", Timestamp: base.Add(-5 * time.Minute)}))
	setNow(m, base)
	require.NoError(t, m.Check(ctx))

	statuses, err := m.GetHealthStatus(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, HealthRestarting, statuses[0].Health)
	assert.Equal(t, 1, statuses[0].Restarts)
}

func TestCheck_RestartingExpiresAfterCooldown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoRestart = true
	cfg.MaxRestarts = 1
	cfg.RestartCooldown = time.Minute
	m, _, restarts := newTestManager(t, cfg)
	ctx := context.Background()
	base := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	require.NoError(t, m.RecordHeartbeat(ctx, Beat{WorkerID: "w1", Timestamp: base.Add(-5 * time.Minute)}))
	setNow(m, base)
	require.NoError(t, m.Check(ctx))
	require.Equal(t, 1, restarts.count())

	// Within the cooldown the worker reads as restarting.
	setNow(m, base.Add(30*time.Second))
	statuses, err := m.GetHealthStatus(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, HealthRestarting, statuses[0].Health)

	// Cooldown elapsed and the restart cap is spent: the worker is stale
	// again, not restarting forever.
	setNow(m, base.Add(2*time.Minute))
	require.NoError(t, m.Check(ctx))
	assert.Equal(t, 1, restarts.count())

	statuses, err = m.GetHealthStatus(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, HealthStale, statuses[0].Health)
	assert.Equal(t, 1, statuses[0].Restarts)

	stale, err := m.GetStaleAgents(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"w1"}, stale)
}

func TestCheck_SkipsCorruptRecords(t *testing.T) {
	m, notes, _ := newTestManager(t, nil)
	ctx := context.Background()
	base := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	store, err := signalstore.NewFileStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	m.store = store

	require.NoError(t, store.Put(ctx, "heartbeat:bad", []byte("{broken")))
	require.NoError(t, m.RecordHeartbeat(ctx, Beat{WorkerID: "good", Timestamp: base.Add(-70 * time.Second)}))
	setNow(m, base)

	require.NoError(t, m.Check(ctx))
	got := notes.all()
	require.Len(t, got, 1)
	assert.Equal(t, "good", got[0].WorkerID)
}

func TestDeregister_RemovesWorker(t *testing.T) {
	m, notes, _ := newTestManager(t, nil)
	ctx := context.Background()
	base := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	require.NoError(t, m.RecordHeartbeat(ctx, Beat{WorkerID: "w1", Timestamp: base.Add(-70 * time.Second)}))
	setNow(m, base)
	require.NoError(t, m.Check(ctx))
	require.Len(t, notes.all(), 1)

	require.NoError(t, m.Deregister(ctx, "w1"))

	statuses, err := m.GetHealthStatus(ctx)
	require.NoError(t, err)
	assert.Empty(t, statuses)

	// Deregistering twice is harmless.
	require.NoError(t, m.Deregister(ctx, "w1"))
}

func TestKnownWorkers(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	ctx := context.Background()

	require.NoError(t, m.RecordHeartbeat(ctx, Beat{WorkerID: "b"}))
	require.NoError(t, m.RecordHeartbeat(ctx, Beat{WorkerID: "a"}))

	workers, err := m.KnownWorkers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, workers)
}
