package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/cuemby/swarmfuzz/pkg/broker"
	"github.com/cuemby/swarmfuzz/pkg/llmp"
	"github.com/cuemby/swarmfuzz/pkg/log"
	"github.com/cuemby/swarmfuzz/pkg/metrics"
	"github.com/spf13/cobra"
)

var brokerCmd = &cobra.Command{
	Use:   "broker",
	Short: "Run a standalone broker, without a respawn loop",
	Long: `Bind the rendezvous address and run broker_loop forever, forwarding
events between whatever workers connect as clients.

This is the bare event bus with no restart supervisor attached; use it
when workers are supervised independently (e.g. one "swarmfuzz
supervise" per worker, all pointed at this broker's --addr).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		logger := log.WithComponent("broker")
		registry := broker.NewStatsRegistry()

		collector := metrics.NewCollector(registry)
		collector.Start()
		defer collector.Stop()

		manager, err := llmp.NewOnPort(registry, logger, addr)
		if err != nil {
			return fmt.Errorf("construct event manager: %w", err)
		}
		defer manager.Close()
		if !manager.IsBroker() {
			return fmt.Errorf("%s is already bound by another process; this command must win the rendezvous race", addr)
		}

		resolved, _ := manager.Addr()
		logger.Info().Str("addr", resolved).Msg("broker bound, waiting for clients")
		fmt.Printf("swarmfuzz broker listening on %s\n", resolved)

		serveMetrics(metricsAddr)

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		err = manager.BrokerLoop(ctx)
		if err == context.Canceled {
			fmt.Println("broker shutting down")
			return nil
		}
		return err
	},
}

func init() {
	brokerCmd.Flags().String("addr", "127.0.0.1:7878", "Rendezvous address to bind")
	brokerCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Prometheus /metrics listen address (empty to disable)")
}
