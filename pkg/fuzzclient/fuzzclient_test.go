package fuzzclient

import (
	"testing"

	"github.com/cuemby/swarmfuzz/pkg/event"
	"github.com/cuemby/swarmfuzz/pkg/feedback"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mapObserverFactory() ObserverFactory {
	return func() feedback.ObserverSet { return feedback.NewMapObserver(4) }
}

// TestTestcaseFanOut checks that a NewTestcase with a fresh edge is
// adopted exactly once.
func TestTestcaseFanOut(t *testing.T) {
	state := feedback.NewCoverageState()
	sched := feedback.NewQueueScheduler()

	coverage := make([]byte, 4)
	coverage[2] = 1
	ev := &event.Event{
		Variant: event.VariantNewTestcase,
		NewTestcase: &event.NewTestcase{
			Input:        []byte{0x01, 0x02},
			CorpusSize:   1,
			ObserversBuf: coverage,
			Executions:   1,
		},
	}

	result, err := HandleInClient(state, 2, ev, sched, mapObserverFactory())
	require.NoError(t, err)
	assert.Greater(t, result.Fitness, 0)
	assert.True(t, result.Adopted)
	assert.Equal(t, 1, state.CorpusSize())
}

func TestTestcaseNotInterestingIsNotAdopted(t *testing.T) {
	state := feedback.NewCoverageState()
	sched := feedback.NewQueueScheduler()

	ev := &event.Event{
		Variant: event.VariantNewTestcase,
		NewTestcase: &event.NewTestcase{
			Input:        []byte{0x01},
			ObserversBuf: make([]byte, 4), // all-zero map, no edges hit
		},
	}

	result, err := HandleInClient(state, 2, ev, sched, mapObserverFactory())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Fitness)
	assert.False(t, result.Adopted)
	assert.Equal(t, 0, state.CorpusSize())
}

// TestIllegalInboundIsProtocolViolation checks that a non-NewTestcase
// variant on the client receive path is surfaced, not silently dropped.
func TestIllegalInboundIsProtocolViolation(t *testing.T) {
	state := feedback.NewCoverageState()
	sched := feedback.NewQueueScheduler()

	ev := &event.Event{Variant: event.VariantUpdateStats, UpdateStats: &event.UpdateStats{Executions: 1}}

	_, err := HandleInClient(state, 2, ev, sched, mapObserverFactory())
	assert.ErrorIs(t, err, ErrUnexpectedEvent)
}
