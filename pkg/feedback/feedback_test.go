package feedback

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoverageStateIsInterestingNewEdge(t *testing.T) {
	state := NewCoverageState()
	obs := NewMapObserver(4)
	obs.Map[1] = 1

	fitness, err := state.IsInteresting([]byte("a"), obs, ExitOk)
	require.NoError(t, err)
	assert.Equal(t, 1, fitness)

	// same edge again: no longer novel
	fitness, err = state.IsInteresting([]byte("b"), obs, ExitOk)
	require.NoError(t, err)
	assert.Equal(t, 0, fitness)
}

func TestCoverageStateAddIfInterestingAdoptsOncePerInput(t *testing.T) {
	state := NewCoverageState()
	sched := NewQueueScheduler()

	id, added, err := state.AddIfInteresting([]byte("input"), 1, sched)
	require.NoError(t, err)
	assert.True(t, added)
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, state.CorpusSize())

	// duplicate input is not re-adopted
	id2, added2, err := state.AddIfInteresting([]byte("input"), 1, sched)
	require.NoError(t, err)
	assert.False(t, added2)
	assert.Equal(t, id, id2)
	assert.Equal(t, 1, state.CorpusSize())
}

func TestCoverageStateAddIfInterestingSkipsZeroFitness(t *testing.T) {
	state := NewCoverageState()
	_, added, err := state.AddIfInteresting([]byte("input"), 0, NewQueueScheduler())
	require.NoError(t, err)
	assert.False(t, added)
	assert.Equal(t, 0, state.CorpusSize())
}

func TestQueueSchedulerRoundRobinWraps(t *testing.T) {
	sched := NewQueueScheduler()
	require.NoError(t, sched.OnAdd("a"))
	require.NoError(t, sched.OnAdd("b"))

	first, err := sched.Next()
	require.NoError(t, err)
	second, err := sched.Next()
	require.NoError(t, err)
	third, err := sched.Next()
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "a"}, []string{first, second, third})
	assert.Equal(t, uint64(1), sched.Cycles())
}

func TestQueueSchedulerNextOnEmptyErrors(t *testing.T) {
	_, err := NewQueueScheduler().Next()
	assert.Error(t, err)
}
