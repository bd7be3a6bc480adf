package alert

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// startTestNATSServer starts an embedded NATS server for testing.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1, // Random port
		NoLog:  true,
		NoSigs: true,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
	})
	return server
}

func newTestPublisher(t *testing.T) (*Publisher, *nats.Conn) {
	t.Helper()
	server := startTestNATSServer(t)

	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	sub, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	t.Cleanup(sub.Close)

	p, err := NewPublisher(nc, "", zap.NewNop())
	require.NoError(t, err)
	return p, sub
}

func TestNewPublisher_RequiresConnection(t *testing.T) {
	_, err := NewPublisher(nil, "", zap.NewNop())
	assert.Error(t, err)
}

func TestPublish_RequiresSourceAndKind(t *testing.T) {
	p, _ := newTestPublisher(t)

	assert.Error(t, p.Publish(context.Background(), Event{Kind: "halt"}))
	assert.Error(t, p.Publish(context.Background(), Event{Source: "budget"}))
}

func TestPublish_DeliversOnNamespacedSubject(t *testing.T) {
	p, sub := newTestPublisher(t)
	ctx := context.Background()

	ch := make(chan *nats.Msg, 1)
	_, err := sub.ChanSubscribe("waved.alerts.budget.exceeded", ch)
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	require.NoError(t, p.Publish(ctx, Event{
		Source:   "budget",
		Kind:     "exceeded",
		Severity: SeverityCritical,
		Message:  "budget exceeded",
		Fields:   map[string]any{"spent": 120.0, "limit": 100.0},
	}))

	select {
	case msg := <-ch:
		var got Event
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, "budget", got.Source)
		assert.Equal(t, SeverityCritical, got.Severity)
		assert.Equal(t, "budget exceeded", got.Message)
		assert.False(t, got.Timestamp.IsZero())
		assert.Equal(t, 120.0, got.Fields["spent"])
	case <-time.After(5 * time.Second):
		t.Fatal("alert not received")
	}
}

func TestPublish_DefaultsSeverityToInfo(t *testing.T) {
	p, sub := newTestPublisher(t)

	ch := make(chan *nats.Msg, 1)
	_, err := sub.ChanSubscribe("waved.alerts.heartbeat.>", ch)
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	require.NoError(t, p.Publish(context.Background(), Event{
		Source: "heartbeat", Kind: "recovered", Message: "worker back",
	}))

	select {
	case msg := <-ch:
		var got Event
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, SeverityInfo, got.Severity)
	case <-time.After(5 * time.Second):
		t.Fatal("alert not received")
	}
}

func TestPublisher_CustomPrefix(t *testing.T) {
	server := startTestNATSServer(t)

	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	p, err := NewPublisher(nc, "ops.wave", zap.NewNop())
	require.NoError(t, err)

	ch := make(chan *nats.Msg, 1)
	_, err = nc.ChanSubscribe("ops.wave.emergency.triggered", ch)
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	require.NoError(t, p.Publish(context.Background(), Event{
		Source: "emergency", Kind: "triggered", Severity: SeverityCritical,
	}))

	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("alert not received")
	}
}
