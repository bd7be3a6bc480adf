package signalstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWatcher_ObservesPutAndDelete(t *testing.T) {
	store := newTestStore(t)
	w, err := NewWatcher(store, zap.NewNop())
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	require.NoError(t, store.Put(ctx, "EMERGENCY-STOP", []byte(`{"level":"E4"}`)))

	waitForEvent(t, w, "EMERGENCY-STOP", OpPut)

	require.NoError(t, store.Delete(ctx, "EMERGENCY-STOP"))
	waitForEvent(t, w, "EMERGENCY-STOP", OpDelete)
}

func waitForEvent(t *testing.T, w *Watcher, key string, op EventOp) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-w.Events():
			require.True(t, ok, "event channel closed before %s %s", op, key)
			if ev.Key == key && ev.Op == op {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s %s", op, key)
		}
	}
}
