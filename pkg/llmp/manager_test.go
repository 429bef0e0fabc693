package llmp

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/cuemby/swarmfuzz/pkg/broker"
	"github.com/cuemby/swarmfuzz/pkg/event"
	"github.com/cuemby/swarmfuzz/pkg/feedback"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSink() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

func newBrokerAndClient(t *testing.T) (*Manager, *Manager, *broker.StatsRegistry) {
	t.Helper()
	registry := broker.NewStatsRegistry()

	b, err := NewOnPort(registry, testSink(), "127.0.0.1:0")
	require.NoError(t, err)
	// NewOnPort binds whatever addr is given; for a loopback ephemeral port
	// we need the listener's actual address for the client to dial.
	addr := b.listener.Addr().String()
	t.Cleanup(func() { b.Close() })

	c, err := NewOnPort(registry, testSink(), addr)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	require.True(t, b.IsBroker())
	require.False(t, c.IsBroker())
	return b, c, registry
}

func TestRoleAssignedByBindSuccess(t *testing.T) {
	b, c, _ := newBrokerAndClient(t)
	assert.Equal(t, RoleBroker, b.role)
	assert.Equal(t, RoleClient, c.role)
	assert.NotZero(t, c.clientID)
}

func TestDescribeIsClientOnly(t *testing.T) {
	b, c, _ := newBrokerAndClient(t)

	_, err := b.Describe()
	assert.ErrorIs(t, err, ErrWrongRole)

	d, err := c.Describe()
	require.NoError(t, err)
	assert.Equal(t, c.clientID, d.ClientID)
	assert.NotEmpty(t, d.BrokerAddr)
}

func TestBrokerLoopFailsFastOnClient(t *testing.T) {
	_, c, _ := newBrokerAndClient(t)
	err := c.BrokerLoop(context.Background())
	assert.ErrorIs(t, err, ErrWrongRole)
}

func TestProcessFailsFastOnBroker(t *testing.T) {
	b, _, _ := newBrokerAndClient(t)
	_, err := b.Process(feedback.NewCoverageState(), feedback.NewQueueScheduler(), nil)
	assert.ErrorIs(t, err, ErrWrongRole)
}

// TestSoloBrokerPing checks, at the wire level, that a client's
// UpdateStats reaches the broker's registry and is not forwarded back
// out.
func TestSoloBrokerPing(t *testing.T) {
	b, c, registry := newBrokerAndClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.BrokerLoop(ctx)

	err := c.Fire(&event.Event{Variant: event.VariantUpdateStats, UpdateStats: &event.UpdateStats{Executions: 99}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stats, ok := registry.Get(c.clientID)
		return ok && stats.Executions == 99
	}, time.Second, 5*time.Millisecond)

	select {
	case rf := <-c.recv:
		t.Fatalf("UpdateStats must not be echoed back to sender, got %v", rf)
	case <-time.After(30 * time.Millisecond):
	}
}

// TestTestcaseFanOut checks that a client's NewTestcase is forwarded back
// out by the broker, including to the originating sender (see SPEC_FULL.md's
// Open Question decisions).
func TestTestcaseFanOut(t *testing.T) {
	b, c, _ := newBrokerAndClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.BrokerLoop(ctx)

	err := c.Fire(&event.Event{
		Variant:     event.VariantNewTestcase,
		NewTestcase: &event.NewTestcase{Input: []byte{1, 2, 3}, CorpusSize: 1, Executions: 1},
	})
	require.NoError(t, err)

	select {
	case rf := <-c.recv:
		assert.Equal(t, event.TagToBoth, rf.tag)
		ev, decodeErr := event.Decode(rf.payload)
		require.NoError(t, decodeErr)
		assert.Equal(t, []byte{1, 2, 3}, ev.NewTestcase.Input)
	case <-time.After(time.Second):
		t.Fatal("expected the broker to forward NewTestcase back to the sender")
	}
}

// TestIllegalInboundIsProtocolViolation exercises S4 at the manager level:
// a client sends the broker a frame tagged EVENT_TO_BROKER, and BrokerLoop
// must treat it as a per-message error, logging it and continuing rather
// than terminating.
func TestIllegalInboundIsProtocolViolation(t *testing.T) {
	b, c, _ := newBrokerAndClient(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- b.BrokerLoop(ctx) }()

	payload, err := event.Encode(&event.Event{Variant: event.VariantLog, Log: &event.Log{Message: "x"}})
	require.NoError(t, err)
	require.NoError(t, writeFrame(c.conn, frame{tag: uint32(event.TagToBroker), senderID: c.clientID, payload: payload}))

	select {
	case <-errCh:
		t.Fatal("BrokerLoop must log and continue, not terminate, on an illegal inbound tag")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAwaitRestartSafeReturnsOnAck(t *testing.T) {
	b, c, _ := newBrokerAndClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.BrokerLoop(ctx)

	awaitCtx, awaitCancel := context.WithTimeout(context.Background(), time.Second)
	defer awaitCancel()
	require.NoError(t, c.AwaitRestartSafe(awaitCtx))
}

func TestAwaitRestartSafeNoOpOnBroker(t *testing.T) {
	b, _, _ := newBrokerAndClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	assert.NoError(t, b.AwaitRestartSafe(ctx))
}

func TestToEnvRoundTripsThroughExistingClientFromEnv(t *testing.T) {
	b, c, registry := newBrokerAndClient(t)
	env, err := c.ToEnv()
	require.NoError(t, err)
	require.Contains(t, env, EnvFuzzerBrokerClient)

	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
	reattached, err := ExistingClientFromEnv(lookup, testSink())
	require.NoError(t, err)
	defer reattached.Close()

	assert.Equal(t, c.clientID, reattached.clientID)
	assert.False(t, reattached.IsBroker())
	_ = b
	_ = registry
}
