package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/swarmfuzz/pkg/broker"
	"github.com/cuemby/swarmfuzz/pkg/llmp"
	"github.com/cuemby/swarmfuzz/pkg/shmem"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSink() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

func testProvider(t *testing.T) *shmem.Provider {
	t.Helper()
	return shmem.NewProvider(t.TempDir())
}

func parseEnv(env []string) map[string]string {
	m := make(map[string]string, len(env))
	for _, kv := range env {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				m[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return m
}

func lookupFrom(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

type campaignState struct {
	Count int
}

// fakeSpawner simulates one worker generation in-process, exactly as a
// re-exec'd child would, without forking a real OS process. workerFn
// receives the attachment and decides how the generation ends: calling
// OnRestart before returning (a clean restart) or returning without one
// (a crash that loses the snapshot).
type fakeSpawner struct {
	provider *shmem.Provider
	workerFn func(t *testing.T, attachment *WorkerAttachment, state *campaignState) error
	t        *testing.T
	calls    int32
}

func (f *fakeSpawner) Spawn(ctx context.Context, env []string) error {
	atomic.AddInt32(&f.calls, 1)
	lookup := lookupFrom(parseEnv(env))

	var state campaignState
	attachment, err := AttachWorker(f.provider, lookup, &state, testSink())
	if err != nil {
		return err
	}
	defer attachment.Manager.Close()
	defer attachment.Snapshot.Close()

	return f.workerFn(f.t, attachment, &state)
}

func newBrokerAndClientManager(t *testing.T) (*llmp.Manager, *llmp.Manager, string) {
	t.Helper()
	registry := broker.NewStatsRegistry()
	b, err := llmp.NewOnPort(registry, testSink(), "127.0.0.1:0")
	require.NoError(t, err)
	addr, err := b.Addr()
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go b.BrokerLoop(ctx)

	c, err := llmp.NewOnPort(registry, testSink(), addr)
	require.NoError(t, err)
	return b, c, addr
}

// TestRestartCyclePreservesState checks that generation 1 publishing
// state{count:7} via on_restart is observed by generation 2's worker.
func TestRestartCyclePreservesState(t *testing.T) {
	_, client, _ := newBrokerAndClientManager(t)
	provider := testProvider(t)

	var mu sync.Mutex
	var observedOnGen2 *campaignState
	done := make(chan struct{})

	spawner := &fakeSpawner{
		provider: provider,
		t:        t,
		workerFn: func(t *testing.T, attachment *WorkerAttachment, state *campaignState) error {
			switch {
			case !attachment.Resumed && state.Count == 0:
				// generation 1: first run, publish state before exiting.
				state.Count = 7
				return OnRestart(attachment.Snapshot, attachment.Manager, state)
			case attachment.Resumed:
				// generation 2: observe the resumed state and stop the test.
				mu.Lock()
				cp := *state
				observedOnGen2 = &cp
				mu.Unlock()
				close(done)
				return fmt.Errorf("generation 2 stopping the loop deliberately")
			default:
				return nil
			}
		},
	}

	sv := New(provider, nil, "", spawner, testSink())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go sv.respawnLoop(ctx, client)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("generation 2 never observed resumed state")
	}

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, observedOnGen2)
	assert.Equal(t, 7, observedOnGen2.Count)
	assert.GreaterOrEqual(t, int(atomic.LoadInt32(&spawner.calls)), 2)
}

// TestLostSnapshotAborts checks that a worker which exits without calling
// on_restart leaves the page empty, and the supervisor aborts with
// ErrSnapshotMissing instead of spawning again.
func TestLostSnapshotAborts(t *testing.T) {
	_, client, _ := newBrokerAndClientManager(t)
	provider := testProvider(t)

	spawner := &fakeSpawner{
		provider: provider,
		t:        t,
		workerFn: func(t *testing.T, attachment *WorkerAttachment, state *campaignState) error {
			// Simulate a crash: exit without publishing a snapshot.
			return nil
		},
	}

	sv := New(provider, nil, "", spawner, testSink())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := sv.respawnLoop(ctx, client)
	require.ErrorIs(t, err, ErrSnapshotMissing)
	assert.Equal(t, int32(1), atomic.LoadInt32(&spawner.calls))
}

func TestIsWorkerDiscriminator(t *testing.T) {
	empty := map[string]string{}
	assert.False(t, IsWorker(lookupFrom(empty)))

	withSender := map[string]string{EnvFuzzerSender: "abc"}
	assert.True(t, IsWorker(lookupFrom(withSender)))
}

func TestAttachWorkerRejectsMismatchedPages(t *testing.T) {
	provider := testProvider(t)
	snap, err := shmem.NewSnapshot(provider)
	require.NoError(t, err)
	defer snap.Remove()

	env := map[string]string{
		EnvFuzzerSender:   snap.ID(),
		EnvFuzzerReceiver: filepath.Base(t.TempDir()), // deliberately different id
	}
	var state campaignState
	_, err = AttachWorker(provider, lookupFrom(env), &state, testSink())
	assert.Error(t, err)
}
