package main

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"time"

	"github.com/cuemby/swarmfuzz/pkg/event"
	"github.com/cuemby/swarmfuzz/pkg/executor"
	"github.com/cuemby/swarmfuzz/pkg/feedback"
	"github.com/cuemby/swarmfuzz/pkg/llmp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// defaultAwaitTimeout bounds how long a shutting-down client waits for
// the broker to acknowledge await_restart_safe before giving up and
// closing anyway.
const defaultAwaitTimeout = 5 * time.Second

// addHarnessFlags registers the flags shared by every subcommand that runs
// an Executor against a target: per-target harness loading and compilation
// are out of scope, so these flags point at an already-built, already
// containerized binary rather than compiling one.
func addHarnessFlags(cmd *cobra.Command) {
	cmd.Flags().String("image", "", "Container image holding the harness binary")
	cmd.Flags().StringSlice("harness", nil, "Harness argv inside the image")
	cmd.Flags().String("containerd-socket", "", "containerd socket path (auto-detected if empty)")
	cmd.Flags().Duration("timeout", 5*time.Second, "Per-execution timeout")
	cmd.Flags().Int("map-size", 4096, "Coverage map size shared with the harness's observer layout")
	cmd.Flags().Duration("stats-interval", 2*time.Second, "UpdateStats publish cadence")
	cmd.Flags().String("data-dir", "./swarmfuzz-data", "Data directory (used to host the Lima sandbox VM on macOS)")
}

func executorConfigFromFlags(cmd *cobra.Command) executor.Config {
	image, _ := cmd.Flags().GetString("image")
	harness, _ := cmd.Flags().GetStringSlice("harness")
	socket, _ := cmd.Flags().GetString("containerd-socket")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	return executor.Config{
		SocketPath: socket,
		Image:      image,
		Harness:    harness,
		Timeout:    timeout,
	}
}

// campaignState is the (state, manager.Describe()) pair AttachWorker and
// OnRestart serialize through the snapshot page across a restart. It is
// deliberately narrow: just enough for the next generation to pick up
// where this one left off, not a full engine state dump (corpus/feedback
// internals are out of this module's scope).
type campaignState struct {
	Executions uint64
	CorpusSize uint64
}

// runLoop drives one worker generation's fuzz loop: generate an input,
// execute it, evaluate and publish it if interesting, periodically report
// throughput, until ctx is done. onShutdown runs once, after the loop
// observes cancellation and before runLoop returns, so callers can publish
// a restart snapshot or simply note a clean exit.
func runLoop(ctx context.Context, log zerolog.Logger, manager *llmp.Manager, exec *executor.ContainerdExecutor, mapSize int, statsInterval time.Duration, cstate *campaignState, onShutdown func() error) error {
	state := feedback.NewCoverageState()
	scheduler := feedback.NewQueueScheduler()
	newObservers := func() feedback.ObserverSet { return feedback.NewMapObserver(mapSize) }

	lastStats := time.Now()

	for {
		select {
		case <-ctx.Done():
			if onShutdown != nil {
				return onShutdown()
			}
			return nil
		default:
		}

		if _, err := manager.Process(state, scheduler, newObservers); err != nil {
			log.Warn().Err(err).Msg("processing inbound events failed")
		}

		input := make([]byte, 64)
		if _, err := rand.Read(input); err != nil {
			return err
		}

		kind, err := exec.Run(ctx, input)
		if err != nil {
			log.Error().Err(err).Msg("execution failed")
			continue
		}
		cstate.Executions++

		observers := newObservers().(*feedback.MapObserver)
		hash := sha256.Sum256(input)
		for i := 0; i < len(hash) && i < mapSize; i++ {
			observers.Map[i] = hash[i]
		}

		fitness, err := state.IsInteresting(input, observers, kind)
		if err != nil {
			log.Warn().Err(err).Msg("is_interesting failed")
			continue
		}
		if fitness > 0 {
			corpusID, added, err := state.AddIfInteresting(input, fitness, scheduler)
			if err != nil {
				log.Warn().Err(err).Msg("add_if_interesting failed")
				continue
			}
			if added {
				cstate.CorpusSize++
				obsBuf, err := observers.Encode()
				if err != nil {
					log.Warn().Err(err).Msg("encode observers failed")
					continue
				}
				ev := &event.Event{
					Variant: event.VariantNewTestcase,
					NewTestcase: &event.NewTestcase{
						Input:        input,
						ClientConfig: corpusID,
						CorpusSize:   cstate.CorpusSize,
						ObserversBuf: obsBuf,
						Time:         time.Now().UnixNano(),
						Executions:   cstate.Executions,
					},
				}
				if err := manager.Fire(ev); err != nil {
					log.Warn().Err(err).Msg("fire NewTestcase failed")
				}
			}
		}

		if kind == feedback.ExitCrash {
			ev := &event.Event{
				Variant:   event.VariantObjective,
				Objective: &event.Objective{ObjectiveSize: 1},
			}
			if err := manager.Fire(ev); err != nil {
				log.Warn().Err(err).Msg("fire Objective failed")
			}
		}

		if time.Since(lastStats) >= statsInterval {
			ev := &event.Event{
				Variant:     event.VariantUpdateStats,
				UpdateStats: &event.UpdateStats{Time: time.Now().UnixNano(), Executions: cstate.Executions},
			}
			if err := manager.Fire(ev); err != nil {
				log.Warn().Err(err).Msg("fire UpdateStats failed")
			}
			lastStats = time.Now()
		}
	}
}
