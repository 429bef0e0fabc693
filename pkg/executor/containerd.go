package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/swarmfuzz/pkg/feedback"
)

// DefaultNamespace isolates swarmfuzz's harness containers from anything
// else running on the same containerd daemon.
const DefaultNamespace = "swarmfuzz"

// DefaultSocketPath is containerd's conventional control socket.
const DefaultSocketPath = "/run/containerd/containerd.sock"

// Config describes the sandbox image and harness entrypoint to execute.
type Config struct {
	SocketPath string
	Namespace  string
	Image      string
	// Harness is the argv of the instrumented binary inside Image. Each Run
	// executes it fresh, feeding the candidate input on stdin.
	Harness []string
	// Timeout bounds a single execution; exceeding it is reported as
	// feedback.ExitTimeout.
	Timeout time.Duration
}

// ContainerdExecutor runs Config.Harness inside one persistent container per
// Executor instance, via containerd's exec API, so the (relatively) costly
// container and snapshot setup happens once per campaign rather than once
// per input.
type ContainerdExecutor struct {
	client    *containerd.Client
	namespace string
	container containerd.Container
	task      containerd.Task
	harness   []string
	timeout   time.Duration
}

// NewContainerdExecutor connects to containerd, pulls Config.Image, and
// starts the long-lived sandbox container. The returned Executor must be
// closed with Close when the campaign ends.
func NewContainerdExecutor(ctx context.Context, cfg Config) (*ContainerdExecutor, error) {
	if cfg.SocketPath == "" {
		cfg.SocketPath = DefaultSocketPath
	}
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if len(cfg.Harness) == 0 {
		return nil, fmt.Errorf("executor: Config.Harness must name at least the binary to run")
	}

	client, err := containerd.New(cfg.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("executor: connect to containerd at %s: %w", cfg.SocketPath, err)
	}

	ctx = namespaces.WithNamespace(ctx, cfg.Namespace)
	image, err := client.Pull(ctx, cfg.Image, containerd.WithPullUnpack)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("executor: pull harness image %s: %w", cfg.Image, err)
	}

	id := "swarmfuzz-harness-" + uuid.NewString()
	container, err := client.NewContainer(ctx, id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(oci.WithImageConfig(image), oci.WithProcessArgs("sleep", "infinity")),
	)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("executor: create harness container: %w", err)
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		container.Delete(ctx, containerd.WithSnapshotCleanup)
		client.Close()
		return nil, fmt.Errorf("executor: create harness task: %w", err)
	}
	if err := task.Start(ctx); err != nil {
		task.Delete(ctx)
		container.Delete(ctx, containerd.WithSnapshotCleanup)
		client.Close()
		return nil, fmt.Errorf("executor: start harness task: %w", err)
	}

	return &ContainerdExecutor{
		client:    client,
		namespace: cfg.Namespace,
		container: container,
		task:      task,
		harness:   cfg.Harness,
		timeout:   cfg.Timeout,
	}, nil
}

// Run executes the harness against input inside the sandbox container,
// satisfying feedback.Executor.
func (e *ContainerdExecutor) Run(ctx context.Context, input []byte) (feedback.ExitKind, error) {
	ctx = namespaces.WithNamespace(ctx, e.namespace)
	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	baseSpec, err := e.container.Spec(runCtx)
	if err != nil {
		return feedback.ExitCrash, fmt.Errorf("executor: load container spec: %w", err)
	}
	procSpec := *baseSpec.Process
	procSpec.Args = e.harness
	procSpec.Terminal = false

	execID := "run-" + uuid.NewString()
	proc, err := e.task.Exec(runCtx, execID, &procSpec,
		cio.NewCreator(cio.WithStreams(bytes.NewReader(input), io.Discard, io.Discard)))
	if err != nil {
		return feedback.ExitCrash, fmt.Errorf("executor: exec harness: %w", err)
	}
	defer proc.Delete(context.Background())

	statusC, err := proc.Wait(runCtx)
	if err != nil {
		return feedback.ExitCrash, fmt.Errorf("executor: wait on harness exec: %w", err)
	}
	if err := proc.Start(runCtx); err != nil {
		return feedback.ExitCrash, fmt.Errorf("executor: start harness exec: %w", err)
	}

	select {
	case status := <-statusC:
		code, _, err := status.Result()
		if err != nil {
			return feedback.ExitCrash, fmt.Errorf("executor: harness exec result: %w", err)
		}
		return exitKindFromCode(code), nil
	case <-runCtx.Done():
		_ = proc.Kill(context.Background(), syscall.SIGKILL)
		return feedback.ExitTimeout, nil
	}
}

// exitKindFromCode maps a process exit status to ExitKind. An exit code of
// 128+signal (the shell convention containerd also reports) in the set of
// classically fatal signals is a crash; any other non-zero status is also
// treated conservatively as a crash rather than silently discarded.
func exitKindFromCode(code uint32) feedback.ExitKind {
	if code == 0 {
		return feedback.ExitOk
	}
	if code > 128 {
		switch syscall.Signal(code - 128) {
		case syscall.SIGSEGV, syscall.SIGABRT, syscall.SIGBUS, syscall.SIGILL, syscall.SIGFPE:
			return feedback.ExitCrash
		}
	}
	return feedback.ExitCrash
}

// Close deletes the sandbox task and container and closes the client.
func (e *ContainerdExecutor) Close() error {
	ctx := namespaces.WithNamespace(context.Background(), e.namespace)
	if e.task != nil {
		if err := e.task.Kill(ctx, syscall.SIGKILL); err == nil {
			if statusC, err := e.task.Wait(ctx); err == nil {
				<-statusC
			}
		}
		_, _ = e.task.Delete(ctx)
	}
	if e.container != nil {
		_ = e.container.Delete(ctx, containerd.WithSnapshotCleanup)
	}
	return e.client.Close()
}

var _ feedback.Executor = (*ContainerdExecutor)(nil)
