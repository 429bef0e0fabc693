package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/swarmfuzz/pkg/broker"
	"github.com/cuemby/swarmfuzz/pkg/executor"
	"github.com/cuemby/swarmfuzz/pkg/log"
	"github.com/cuemby/swarmfuzz/pkg/metrics"
	"github.com/cuemby/swarmfuzz/pkg/shmem"
	"github.com/cuemby/swarmfuzz/pkg/supervisor"
	"github.com/spf13/cobra"
)

var superviseCmd = &cobra.Command{
	Use:   "supervise",
	Short: "Run the restart supervisor: bind-or-connect, then spawn/respawn a worker",
	Long: `The production entrypoint. Exactly one process per --addr wins the
rendezvous race and runs the broker forever; every other invocation drives
a respawn loop that re-execs this same binary as a worker, handing each
generation the same snapshot page so fuzzing state survives a crash.

A re-exec'd worker is this same command, discovered by the presence of
the supervisor's environment handshake rather than a distinct subcommand.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if supervisor.IsWorker(os.LookupEnv) {
			return runWorker(cmd, args)
		}
		return runSupervisor(cmd, args)
	},
}

func init() {
	superviseCmd.Flags().String("addr", "127.0.0.1:7878", "Rendezvous address")
	superviseCmd.Flags().String("shmem-dir", "", "Directory backing shared-memory segments (default: /dev/shm or temp dir)")
	superviseCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Prometheus /metrics listen address (empty to disable)")
	addHarnessFlags(superviseCmd)
}

func runSupervisor(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	shmemDir, _ := cmd.Flags().GetString("shmem-dir")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	logger := log.WithComponent("supervisor")
	provider := shmem.NewProvider(shmemDir)
	registry := broker.NewStatsRegistry()

	sv := supervisor.New(provider, registry, addr, nil, logger)

	collector := metrics.NewCollector(registry)
	collector.Start()
	defer collector.Stop()

	serveMetrics(metricsAddr)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	fmt.Printf("swarmfuzz supervise: racing for %s\n", addr)
	err := sv.Run(ctx)
	if errors.Is(err, supervisor.ErrShuttingDown) {
		fmt.Println("supervisor shutting down")
		return nil
	}
	if errors.Is(err, supervisor.ErrSnapshotMissing) {
		return fmt.Errorf("worker generation %d crashed without publishing a snapshot: %w", sv.Generation(), err)
	}
	return err
}

// runWorker is the body of a re-exec'd generation: attach to the snapshot
// page and event manager the supervisor prepared, fuzz until signaled, and
// publish a restart snapshot before exiting so the next generation resumes.
func runWorker(cmd *cobra.Command, args []string) error {
	logger := log.WithComponent("worker")
	shmemDir, _ := cmd.Flags().GetString("shmem-dir")
	mapSize, _ := cmd.Flags().GetInt("map-size")
	statsInterval, _ := cmd.Flags().GetDuration("stats-interval")

	provider := shmem.NewProvider(shmemDir)
	cstate := &campaignState{}

	attachment, err := supervisor.AttachWorker(provider, os.LookupEnv, cstate, logger)
	if err != nil {
		return fmt.Errorf("attach worker: %w", err)
	}
	defer attachment.Snapshot.Close()
	manager := attachment.Manager
	defer manager.Close()

	if attachment.Resumed {
		logger.Info().Uint64("executions", cstate.Executions).Uint64("corpus_size", cstate.CorpusSize).Msg("resumed from prior generation's snapshot")
	} else {
		logger.Info().Msg("starting fresh, no prior snapshot")
	}

	dataDir, _ := cmd.Flags().GetString("data-dir")
	cfg := executorConfigFromFlags(cmd)
	stopSandbox, err := ensureContainerdSocket(context.Background(), dataDir, &cfg)
	if err != nil {
		return err
	}
	defer stopSandbox()

	exec, err := executor.NewContainerdExecutor(context.Background(), cfg)
	if err != nil {
		return fmt.Errorf("start harness executor: %w", err)
	}
	defer exec.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return runLoop(ctx, logger, manager, exec, mapSize, statsInterval, cstate, func() error {
		logger.Info().Msg("publishing restart snapshot before exit")
		if err := supervisor.OnRestart(attachment.Snapshot, manager, cstate); err != nil {
			return fmt.Errorf("publish restart snapshot: %w", err)
		}
		awaitCtx, awaitCancel := context.WithTimeout(context.Background(), defaultAwaitTimeout)
		defer awaitCancel()
		if err := manager.AwaitRestartSafe(awaitCtx); err != nil {
			logger.Warn().Err(err).Msg("await_restart_safe failed during restart")
		}
		return nil
	})
}
