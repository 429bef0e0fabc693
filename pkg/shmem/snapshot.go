package shmem

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/cuemby/swarmfuzz/pkg/event"
)

// ErrNoSnapshot is returned by RecvBuf when the page carries no message.
var ErrNoSnapshot = errors.New("shmem: no snapshot present")

// ErrAlreadyWritten is returned by an on-restart write that would overwrite
// a message in the current generation without an intervening Reset. The
// page is a ring of capacity one per generation.
var ErrAlreadyWritten = errors.New("shmem: snapshot page already written this generation")

// snapshotPageSize is generous for a single (State, EndpointDescriptor)
// JSON-encoded pair; state payloads for realistic fuzzing campaigns (corpus
// counters, seen-edge sets) comfortably fit in a few MiB.
const snapshotPageSize = 16 << 20

const headerSize = 8 // 4 bytes size_used + 4 bytes tag

// Snapshot is the single-page sender/receiver pair reused across restart
// generations. Both ends wrap the same physical Map: our
// provider's pages are bidirectional MAP_SHARED memory, so there is no
// separate read-only/write-only half to model. Both _AFL_ENV_FUZZER_SENDER
// and _AFL_ENV_FUZZER_RECEIVER are exported with this Map's id.
type Snapshot struct {
	m *Map
}

// NewSnapshot allocates a fresh snapshot page.
func NewSnapshot(provider *Provider) (*Snapshot, error) {
	m, err := provider.NewMap(snapshotPageSize)
	if err != nil {
		return nil, fmt.Errorf("shmem: new snapshot page: %w", err)
	}
	return &Snapshot{m: m}, nil
}

// ExistingSnapshot reattaches a snapshot page created by a prior generation.
func ExistingSnapshot(provider *Provider, id string) (*Snapshot, error) {
	m, err := provider.ExistingFromID(id, snapshotPageSize)
	if err != nil {
		return nil, fmt.Errorf("shmem: reattach snapshot page %s: %w", id, err)
	}
	return &Snapshot{m: m}, nil
}

// ID returns the underlying page's identifier, exported to
// _AFL_ENV_FUZZER_SENDER / _AFL_ENV_FUZZER_RECEIVER.
func (s *Snapshot) ID() string { return s.m.ID() }

func (s *Snapshot) sizeUsedPtr() *uint32 {
	return (*uint32)(unsafe.Pointer(&s.m.data[0]))
}

func (s *Snapshot) tagPtr() *uint32 {
	return (*uint32)(unsafe.Pointer(&s.m.data[4]))
}

// Reset zeroes the write cursor, beginning a new generation. Called by the
// supervisor before the first spawn, and by a freshly-reattached worker
// before it sends.
func (s *Snapshot) Reset() {
	atomic.StoreUint32(s.sizeUsedPtr(), 0)
	atomic.StoreUint32(s.tagPtr(), uint32(event.TagNoRestart))
}

// OnRestart serializes (state, descriptor) and writes the single RESTART
// message for this generation. state and descriptor must be pointers to
// JSON-marshalable values; descriptor is the worker's LLMP endpoint identity
// so its successor can reattach without renegotiating with the broker.
func (s *Snapshot) OnRestart(state, descriptor any) error {
	if atomic.LoadUint32(s.sizeUsedPtr()) != 0 {
		return ErrAlreadyWritten
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	if err := enc.Encode(state); err != nil {
		return fmt.Errorf("shmem: encode snapshot state: %w", err)
	}
	if err := enc.Encode(descriptor); err != nil {
		return fmt.Errorf("shmem: encode snapshot descriptor: %w", err)
	}
	b := buf.Bytes()
	if len(b) > len(s.m.Bytes())-headerSize {
		return fmt.Errorf("shmem: snapshot of %d bytes exceeds page capacity", len(b))
	}

	copy(s.m.Bytes()[headerSize:], b)
	atomic.StoreUint32(s.tagPtr(), uint32(event.TagRestart))
	atomic.StoreUint32(s.sizeUsedPtr(), uint32(len(b)))
	return nil
}

// RecvBuf decodes the most recently written message into state and
// descriptor (pointers to the same types passed to OnRestart), or returns
// ErrNoSnapshot if size_used == 0 — observed via an atomic volatile read
// so a concurrently-writing worker's partial state is never read.
func (s *Snapshot) RecvBuf(state, descriptor any) error {
	n := atomic.LoadUint32(s.sizeUsedPtr())
	if n == 0 {
		return ErrNoSnapshot
	}
	data := s.m.Bytes()[headerSize : headerSize+int(n)]
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(state); err != nil {
		return fmt.Errorf("shmem: decode snapshot state: %w", err)
	}
	if err := dec.Decode(descriptor); err != nil {
		return fmt.Errorf("shmem: decode snapshot descriptor: %w", err)
	}
	return nil
}

// HasSnapshot reports size_used > 0 without decoding, the presence check
// the supervisor uses to distinguish a clean on_restart exit from a lost
// generation.
func (s *Snapshot) HasSnapshot() bool {
	return atomic.LoadUint32(s.sizeUsedPtr()) > 0
}

// Close releases this process's mapping without destroying the segment.
func (s *Snapshot) Close() error { return s.m.Close() }

// Remove destroys the segment; call only when no future generation will
// reattach it.
func (s *Snapshot) Remove() error { return s.m.Remove() }
