// Package fuzzclient implements the client-side event handler: decoding a
// peer's NewTestcase, re-scoring it against local feedback, and adopting
// it into the local corpus.
package fuzzclient

import (
	"errors"
	"fmt"

	"github.com/cuemby/swarmfuzz/pkg/event"
	"github.com/cuemby/swarmfuzz/pkg/feedback"
	"github.com/cuemby/swarmfuzz/pkg/metrics"
)

// ErrUnexpectedEvent marks a non-NewTestcase variant arriving on the
// client receive path, a protocol violation.
var ErrUnexpectedEvent = errors.New("fuzzclient: unexpected event on client receive path")

// ObserverFactory constructs the observer shape a harness build compiles,
// ready to be populated by Decode. Each worker process supplies one that
// matches its own harness.
type ObserverFactory func() feedback.ObserverSet

// Result reports what HandleInClient did with a NewTestcase, for test
// assertions and metrics.
type Result struct {
	Fitness  int
	CorpusID string
	Adopted  bool
}

// HandleInClient decodes, scores, and conditionally adopts a peer's
// NewTestcase. Only NewTestcase is legal on this path; everything else is
// a protocol violation. The client never re-executes the input; fitness
// is derived purely from the received observers (ExitKind is assumed Ok;
// see DESIGN.md's Open Question decision).
func HandleInClient(state feedback.State, senderID uint32, ev *event.Event, scheduler feedback.Scheduler, newObservers ObserverFactory) (Result, error) {
	if ev.Variant != event.VariantNewTestcase {
		return Result{}, fmt.Errorf("%w: got %s from sender %d", ErrUnexpectedEvent, ev.Name(), senderID)
	}
	nt := ev.NewTestcase

	observers := newObservers()
	if err := observers.Decode(nt.ObserversBuf); err != nil {
		return Result{}, fmt.Errorf("fuzzclient: decode observers from sender %d: %w", senderID, err)
	}

	fitness, err := state.IsInteresting(nt.Input, observers, feedback.ExitOk)
	if err != nil {
		return Result{}, fmt.Errorf("fuzzclient: is_interesting: %w", err)
	}
	if fitness <= 0 {
		return Result{Fitness: fitness}, nil
	}

	corpusID, added, err := state.AddIfInteresting(nt.Input, fitness, scheduler)
	if err != nil {
		return Result{Fitness: fitness}, fmt.Errorf("fuzzclient: add_if_interesting: %w", err)
	}
	if added {
		metrics.ClientAdoptionsTotal.Inc()
	}
	return Result{Fitness: fitness, CorpusID: corpusID, Adopted: added}, nil
}
