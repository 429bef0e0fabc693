package shmem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testState struct {
	Executions uint64
	CorpusSize uint64
}

type testDescriptor struct {
	SenderID uint32
}

func TestSnapshotRoundTrip(t *testing.T) {
	provider := NewProvider(t.TempDir())

	snap, err := NewSnapshot(provider)
	require.NoError(t, err)
	defer snap.Remove()

	assert.False(t, snap.HasSnapshot())

	in := &testState{Executions: 10, CorpusSize: 3}
	desc := &testDescriptor{SenderID: 7}
	require.NoError(t, snap.OnRestart(in, desc))

	assert.True(t, snap.HasSnapshot())

	out := &testState{}
	outDesc := &testDescriptor{}
	require.NoError(t, snap.RecvBuf(out, outDesc))
	assert.Equal(t, in, out)
	assert.Equal(t, desc, outDesc)
}

func TestSnapshotWriteOnceUntilReset(t *testing.T) {
	provider := NewProvider(t.TempDir())

	snap, err := NewSnapshot(provider)
	require.NoError(t, err)
	defer snap.Remove()

	require.NoError(t, snap.OnRestart(&testState{Executions: 1}, &testDescriptor{}))
	err = snap.OnRestart(&testState{Executions: 2}, &testDescriptor{})
	assert.ErrorIs(t, err, ErrAlreadyWritten)

	snap.Reset()
	assert.False(t, snap.HasSnapshot())
	require.NoError(t, snap.OnRestart(&testState{Executions: 2}, &testDescriptor{}))

	out := &testState{}
	require.NoError(t, snap.RecvBuf(out, &testDescriptor{}))
	assert.Equal(t, uint64(2), out.Executions)
}

func TestSnapshotRecvBufWithoutWriteFails(t *testing.T) {
	provider := NewProvider(t.TempDir())

	snap, err := NewSnapshot(provider)
	require.NoError(t, err)
	defer snap.Remove()

	err = snap.RecvBuf(&testState{}, &testDescriptor{})
	assert.ErrorIs(t, err, ErrNoSnapshot)
}

func TestExistingSnapshotReattaches(t *testing.T) {
	provider := NewProvider(t.TempDir())

	first, err := NewSnapshot(provider)
	require.NoError(t, err)
	defer first.Remove()

	require.NoError(t, first.OnRestart(&testState{Executions: 5}, &testDescriptor{SenderID: 2}))
	require.NoError(t, first.Close())

	second, err := ExistingSnapshot(provider, first.ID())
	require.NoError(t, err)
	defer second.Close()

	out := &testState{}
	outDesc := &testDescriptor{}
	require.NoError(t, second.RecvBuf(out, outDesc))
	assert.Equal(t, uint64(5), out.Executions)
	assert.Equal(t, uint32(2), outDesc.SenderID)
}

func TestCloneRefIsIndependentHandle(t *testing.T) {
	provider := NewProvider(t.TempDir())

	snap, err := NewSnapshot(provider)
	require.NoError(t, err)
	defer snap.Remove()

	clone, err := provider.CloneRef(snap.m)
	require.NoError(t, err)

	require.NoError(t, snap.OnRestart(&testState{Executions: 9}, &testDescriptor{}))
	assert.True(t, clone.data != nil)
	require.NoError(t, clone.Close())

	assert.True(t, snap.HasSnapshot())
}
