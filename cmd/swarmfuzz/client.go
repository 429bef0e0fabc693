package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/cuemby/swarmfuzz/pkg/broker"
	"github.com/cuemby/swarmfuzz/pkg/executor"
	"github.com/cuemby/swarmfuzz/pkg/llmp"
	"github.com/cuemby/swarmfuzz/pkg/log"
	"github.com/spf13/cobra"
)

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Run a single unsupervised fuzzer client",
	Long: `Connect to a running broker and fuzz until interrupted, with no
Restart Supervisor attached: a crash here simply ends the process.

Use this for manual testing of the event bus; "swarmfuzz supervise" is
the production entrypoint that also survives harness crashes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		mapSize, _ := cmd.Flags().GetInt("map-size")
		statsInterval, _ := cmd.Flags().GetDuration("stats-interval")

		logger := log.WithComponent("client")
		manager, err := llmp.NewOnPort(broker.NewStatsRegistry(), logger, addr)
		if err != nil {
			return fmt.Errorf("construct event manager: %w", err)
		}
		if manager.IsBroker() {
			manager.Close()
			return fmt.Errorf("%s had no broker listening, so this process bound it instead; run \"swarmfuzz broker\" first", addr)
		}

		dataDir, _ := cmd.Flags().GetString("data-dir")
		cfg := executorConfigFromFlags(cmd)
		stopSandbox, err := ensureContainerdSocket(context.Background(), dataDir, &cfg)
		if err != nil {
			manager.Close()
			return err
		}
		defer stopSandbox()

		exec, err := executor.NewContainerdExecutor(context.Background(), cfg)
		if err != nil {
			manager.Close()
			return fmt.Errorf("start harness executor: %w", err)
		}
		defer exec.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		fmt.Printf("swarmfuzz client connected to %s\n", addr)

		cstate := &campaignState{}
		err = runLoop(ctx, logger, manager, exec, mapSize, statsInterval, cstate, func() error {
			awaitCtx, awaitCancel := context.WithTimeout(context.Background(), defaultAwaitTimeout)
			defer awaitCancel()
			if err := manager.AwaitRestartSafe(awaitCtx); err != nil {
				logger.Warn().Err(err).Msg("await_restart_safe failed during shutdown")
			}
			return manager.Close()
		})
		if err != nil {
			return err
		}
		fmt.Println("client shut down cleanly")
		return nil
	},
}

func init() {
	clientCmd.Flags().String("addr", "127.0.0.1:7878", "Broker rendezvous address")
	addHarnessFlags(clientCmd)
}
