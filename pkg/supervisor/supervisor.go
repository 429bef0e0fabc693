// Package supervisor implements the restart supervisor: the parent loop
// that constructs an event manager, runs the broker forever if it bound
// the rendezvous port, or else spawns and respawns a worker across
// crashes, handing each generation the same snapshot page so state
// survives the restart.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/cuemby/swarmfuzz/pkg/broker"
	"github.com/cuemby/swarmfuzz/pkg/llmp"
	"github.com/cuemby/swarmfuzz/pkg/log"
	"github.com/cuemby/swarmfuzz/pkg/metrics"
	"github.com/cuemby/swarmfuzz/pkg/shmem"
	"github.com/rs/zerolog"
)

// ErrSnapshotMissing means a generation ended without publishing a
// snapshot, so resuming the respawn loop would lose state. The supervisor
// aborts rather than guess.
var ErrSnapshotMissing = errors.New("supervisor: generation ended without a snapshot")

// ErrShuttingDown means the broker loop (or the respawn loop's governing
// context) exited cleanly. Callers should treat this as the top-level
// terminal signal, not a failure.
var ErrShuttingDown = errors.New("supervisor: shutting down")

// Spawner spawns one generation of the worker and blocks until it
// terminates. A fork-based personality is conceivable alongside this
// re-exec-based one, but is not implemented (see DESIGN.md: Go cannot
// fork a multi-threaded runtime and preserve goroutines or GC state).
type Spawner interface {
	Spawn(ctx context.Context, env []string) error
}

// ReExecSpawner re-invokes the current binary with the same arguments,
// carrying the supervisor-assigned environment so the child discovers its
// worker role via EnvFuzzerSender's presence (AttachWorker).
type ReExecSpawner struct{}

func (ReExecSpawner) Spawn(ctx context.Context, env []string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("supervisor: resolve executable path: %w", err)
	}
	cmd := exec.CommandContext(ctx, exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	return cmd.Run()
}

// Supervisor drives one campaign process's bind-or-respawn lifecycle.
// Construct one per fuzzing campaign process; Run blocks until shutdown
// or a fatal error.
type Supervisor struct {
	provider *shmem.Provider
	registry *broker.StatsRegistry
	addr     string
	spawner  Spawner
	log      zerolog.Logger

	generation uint64
}

// New returns a Supervisor. A nil spawner defaults to ReExecSpawner.
func New(provider *shmem.Provider, registry *broker.StatsRegistry, addr string, spawner Spawner, log zerolog.Logger) *Supervisor {
	if spawner == nil {
		spawner = ReExecSpawner{}
	}
	return &Supervisor{provider: provider, registry: registry, addr: addr, spawner: spawner, log: log}
}

// Generation reports the current restart generation counter.
func (sv *Supervisor) Generation() uint64 { return sv.generation }

// Run drives the bind-or-respawn decision. Exactly one process calling Run
// against the same addr becomes the broker and never returns from
// BrokerLoop except on shutdown; every other caller drives the respawn
// loop and never itself becomes a worker (workers are the re-exec'd child
// processes, bootstrapped by AttachWorker).
func (sv *Supervisor) Run(ctx context.Context) error {
	manager, err := llmp.NewOnPort(sv.registry, sv.log, sv.addr)
	if err != nil {
		return fmt.Errorf("supervisor: construct event manager: %w", err)
	}
	defer manager.Close()

	if manager.IsBroker() {
		sv.log.Info().Str("addr", sv.addr).Msg("bound rendezvous port, running as broker")
		err := manager.BrokerLoop(ctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return ErrShuttingDown
		}
		return err
	}

	sv.log.Info().Str("addr", sv.addr).Msg("connected as client, running respawn loop")
	return sv.respawnLoop(ctx, manager)
}

func (sv *Supervisor) respawnLoop(ctx context.Context, manager *llmp.Manager) error {
	clientEnv, err := manager.ToEnv()
	if err != nil {
		return fmt.Errorf("supervisor: export client descriptor: %w", err)
	}

	snap, err := shmem.NewSnapshot(sv.provider)
	if err != nil {
		return fmt.Errorf("supervisor: create snapshot channel: %w", err)
	}
	defer snap.Remove()
	snap.Reset()

	for {
		select {
		case <-ctx.Done():
			return ErrShuttingDown
		default:
		}

		env := workerEnv(clientEnv, snap.ID())
		genLog := log.WithGeneration(sv.log, sv.generation)
		genLog.Info().Msg("spawning worker generation")

		if err := sv.spawner.Spawn(ctx, env); err != nil {
			genLog.Warn().Err(err).Msg("worker exited with error")
		}

		if !snap.HasSnapshot() {
			return fmt.Errorf("supervisor: generation %d: %w", sv.generation, ErrSnapshotMissing)
		}

		// The next generation's AttachWorker resets the page itself, right
		// after reading this snapshot. Resetting here would erase the
		// message before it is ever read.
		sv.generation++ // wraps on uint64 overflow; generations are never compared across a wrap
		metrics.RestartGenerations.Inc()
	}
}

func workerEnv(clientEnv map[string]string, snapshotID string) []string {
	env := make([]string, 0, len(clientEnv)+2)
	for k, v := range clientEnv {
		env = append(env, k+"="+v)
	}
	env = append(env, EnvFuzzerSender+"="+snapshotID, EnvFuzzerReceiver+"="+snapshotID)
	return env
}

// Environment variable names the snapshot channel's two endpoints are
// exported under. Both name the same physical page (see
// pkg/shmem.Snapshot's doc comment).
const (
	EnvFuzzerSender   = "_AFL_ENV_FUZZER_SENDER"
	EnvFuzzerReceiver = "_AFL_ENV_FUZZER_RECEIVER"
)

// WorkerAttachment is what AttachWorker returns: the reconstructed event
// manager, the snapshot channel (ready to OnRestart on the next planned
// exit), and whether a prior generation's state was recovered.
type WorkerAttachment struct {
	Manager  *llmp.Manager
	Snapshot *shmem.Snapshot
	Resumed  bool
}

// IsWorker reports whether the environment carries the supervisor's
// handshake, i.e. whether this process is a spawned worker rather than
// the original supervisor invocation. Presence of _AFL_ENV_FUZZER_SENDER
// is the discriminator.
func IsWorker(lookup func(string) (string, bool)) bool {
	_, ok := lookup(EnvFuzzerSender)
	return ok
}

// AttachWorker reattaches the snapshot endpoints from the environment,
// attempts a recv, and reconstructs the event manager either fresh (first
// run) or from the recovered descriptor (post-restart). state must be a
// pointer to the concrete type the worker passes to Snapshot.OnRestart.
func AttachWorker(provider *shmem.Provider, lookup func(string) (string, bool), state any, sink zerolog.Logger) (*WorkerAttachment, error) {
	senderID, ok := lookup(EnvFuzzerSender)
	if !ok {
		return nil, fmt.Errorf("supervisor: %s not set; AttachWorker called outside a spawned worker", EnvFuzzerSender)
	}
	receiverID, ok := lookup(EnvFuzzerReceiver)
	if !ok {
		return nil, fmt.Errorf("supervisor: %s not set", EnvFuzzerReceiver)
	}
	if senderID != receiverID {
		return nil, fmt.Errorf("supervisor: sender/receiver page identity mismatch (%s != %s)", senderID, receiverID)
	}

	snap, err := shmem.ExistingSnapshot(provider, senderID)
	if err != nil {
		return nil, fmt.Errorf("supervisor: reattach snapshot page %s: %w", senderID, err)
	}

	var descriptor llmp.EndpointDescriptor
	recvErr := snap.RecvBuf(state, &descriptor)
	switch {
	case errors.Is(recvErr, shmem.ErrNoSnapshot):
		manager, err := llmp.ExistingClientFromEnv(lookup, sink)
		if err != nil {
			snap.Close()
			return nil, fmt.Errorf("supervisor: construct fresh manager: %w", err)
		}
		snap.Reset()
		return &WorkerAttachment{Manager: manager, Snapshot: snap, Resumed: false}, nil

	case recvErr != nil:
		snap.Close()
		return nil, fmt.Errorf("supervisor: decode snapshot: %w", recvErr)

	default:
		manager, err := llmp.ExistingClientFromDescriptor(descriptor, sink)
		if err != nil {
			snap.Close()
			return nil, fmt.Errorf("supervisor: reconstruct manager from descriptor: %w", err)
		}
		snap.Reset()
		return &WorkerAttachment{Manager: manager, Snapshot: snap, Resumed: true}, nil
	}
}

// OnRestart publishes state immediately before a planned worker exit,
// serializing (state, manager.Describe()) into the snapshot page so the
// next generation can resume.
func OnRestart(snap *shmem.Snapshot, manager *llmp.Manager, state any) error {
	descriptor, err := manager.Describe()
	if err != nil {
		return fmt.Errorf("supervisor: describe endpoint for snapshot: %w", err)
	}
	if err := snap.OnRestart(state, &descriptor); err != nil {
		return fmt.Errorf("supervisor: write snapshot: %w", err)
	}
	return nil
}
