// Package feedback defines the narrow state/scheduler/executor contracts the
// event layer invokes on the fuzzing engine proper (corpus, feedback,
// scheduler, executor are out of this module's scope; only the interfaces
// the client-side handler needs are specified here), plus a small concrete
// coverage-map implementation exercised by the tests and the default CLI.
package feedback

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// ExitKind classifies how a harness run ended. NewTestcase carries no
// ExitKind on the wire (see DESIGN.md's Open Question decision);
// client-side feedback always evaluates received testcases as ExitOk.
type ExitKind uint8

const (
	ExitOk ExitKind = iota
	ExitCrash
	ExitTimeout
	ExitOOM
)

// ObserverSet decodes and exposes the opaque observers_buf a peer attaches
// to a NewTestcase. Decoding uses a type known to all workers running the
// same harness; peers with a mismatched shape should reject the buffer.
type ObserverSet interface {
	// Reset clears per-run state before a local execution.
	Reset() error
	// PostExec is called by an Executor after a local run to snapshot
	// coverage. It has no role on the receive path, where Decode is used
	// instead.
	PostExec() error
	// Decode populates the observer set from a peer's encoded buffer.
	Decode(buf []byte) error
	// Encode serializes the observer set's current snapshot for publishing
	// alongside a NewTestcase.
	Encode() ([]byte, error)
}

// Scheduler decides which corpus entry a fuzzing loop executes next. The
// event layer only ever calls OnAdd, when a peer's testcase is adopted.
type Scheduler interface {
	OnAdd(corpusID string) error
	Next() (string, error)
}

// State is the subset of engine state the client-side handler consults.
type State interface {
	// IsInteresting scores input against observers, returning a
	// non-negative fitness; > 0 means "worth adopting."
	IsInteresting(input []byte, observers ObserverSet, exitKind ExitKind) (fitness int, err error)
	// AddIfInteresting adopts input into the local corpus if fitness
	// warrants it, returning the assigned corpus id.
	AddIfInteresting(input []byte, fitness int, scheduler Scheduler) (corpusID string, added bool, err error)
}

// Executor runs the harness against an input and reports how it exited.
// Workers execute locally-generated inputs through an Executor; received
// peer testcases are never re-executed (fitness is derived purely from the
// received observers).
type Executor interface {
	Run(ctx context.Context, input []byte) (ExitKind, error)
}

// MapObserver is a coverage-bitmap ObserverSet: a fixed-size byte map where
// a non-zero entry means the corresponding edge was hit.
type MapObserver struct {
	mu  sync.Mutex
	Map []byte
}

// NewMapObserver allocates a coverage map of the given size.
func NewMapObserver(size int) *MapObserver {
	return &MapObserver{Map: make([]byte, size)}
}

func (o *MapObserver) Reset() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range o.Map {
		o.Map[i] = 0
	}
	return nil
}

func (o *MapObserver) PostExec() error { return nil }

func (o *MapObserver) Decode(buf []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Map = append([]byte(nil), buf...)
	return nil
}

func (o *MapObserver) Encode() ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]byte(nil), o.Map...), nil
}

// QueueScheduler walks the corpus round-robin, the same AFL-like queue
// discipline as a classic coverage-guided scheduler: new entries are
// appended and drained in FIFO order, with the queue wrapping once
// exhausted.
type QueueScheduler struct {
	mu       sync.Mutex
	queue    []string
	cursor   int
	cycles   uint64
	runsInCy uint64
}

func NewQueueScheduler() *QueueScheduler {
	return &QueueScheduler{}
}

func (s *QueueScheduler) OnAdd(corpusID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, corpusID)
	return nil
}

func (s *QueueScheduler) Next() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return "", errEmptyCorpus
	}
	id := s.queue[s.cursor]
	s.cursor++
	s.runsInCy++
	if s.cursor >= len(s.queue) {
		s.cursor = 0
		s.cycles++
		s.runsInCy = 0
	}
	return id, nil
}

// Cycles reports how many full passes the scheduler has made over the
// queue, mirroring HasQueueCycles in the corpus scheduler this is grounded
// on.
func (s *QueueScheduler) Cycles() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cycles
}

var errEmptyCorpus = &emptyCorpusError{}

type emptyCorpusError struct{}

func (*emptyCorpusError) Error() string {
	return "feedback: no entries in corpus; the target may not be instrumented"
}

// CoverageState is a minimal State implementation: an input is interesting
// if it exercises at least one edge the cumulative map has not yet seen.
// Fitness is the count of newly-seen edges.
type CoverageState struct {
	mu     sync.Mutex
	seen   map[int]struct{}
	corpus map[string][]byte
}

func NewCoverageState() *CoverageState {
	return &CoverageState{
		seen:   make(map[int]struct{}),
		corpus: make(map[string][]byte),
	}
}

func (s *CoverageState) IsInteresting(_ []byte, observers ObserverSet, _ ExitKind) (int, error) {
	mo, ok := observers.(*MapObserver)
	if !ok {
		// Unknown observer shape: treat conservatively as never
		// interesting rather than guessing at its layout.
		return 0, nil
	}

	mo.mu.Lock()
	defer mo.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	fitness := 0
	for i, v := range mo.Map {
		if v == 0 {
			continue
		}
		if _, ok := s.seen[i]; !ok {
			s.seen[i] = struct{}{}
			fitness++
		}
	}
	return fitness, nil
}

func (s *CoverageState) AddIfInteresting(input []byte, fitness int, scheduler Scheduler) (string, bool, error) {
	if fitness <= 0 {
		return "", false, nil
	}

	s.mu.Lock()
	id := corpusID(input)
	if _, exists := s.corpus[id]; exists {
		s.mu.Unlock()
		return id, false, nil
	}
	s.corpus[id] = append([]byte(nil), input...)
	s.mu.Unlock()

	if scheduler != nil {
		if err := scheduler.OnAdd(id); err != nil {
			return "", false, err
		}
	}
	return id, true, nil
}

// CorpusSize reports how many testcases have been adopted.
func (s *CoverageState) CorpusSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.corpus)
}

func corpusID(input []byte) string {
	sum := sha256.Sum256(input)
	return hex.EncodeToString(sum[:8])
}
