// Package shmem provides the shared-memory provider used to back the state
// snapshot page: named, process-shared memory segments that a supervisor
// creates and a worker reattaches by id across restarts.
//
// LLMP's own ring pages and wait-loops are out of scope here; this
// package only implements the single shared-memory page the restart
// channel requires.
package shmem

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// Provider creates, reattaches, and releases shared memory segments. Map
// creation is serialized behind a single lock; no other operation takes
// it.
type Provider struct {
	mu  sync.Mutex
	dir string
}

// NewProvider returns a Provider backed by files under dir. An empty dir
// defaults to /dev/shm on Linux (true shared memory, tmpfs-backed) and the
// process temp directory elsewhere.
func NewProvider(dir string) *Provider {
	if dir == "" {
		dir = defaultShmDir()
	}
	return &Provider{dir: dir}
}

func defaultShmDir() string {
	if _, err := os.Stat("/dev/shm"); err == nil {
		return "/dev/shm"
	}
	return os.TempDir()
}

// Map is a single mapped shared-memory segment.
type Map struct {
	id   string
	path string
	file *os.File
	data []byte
}

// ID returns the identifier another process needs to reattach this
// segment via ExistingFromID.
func (m *Map) ID() string { return m.id }

// Bytes returns the mapped memory. Mutations through this slice are
// visible to every process mapping the same id.
func (m *Map) Bytes() []byte { return m.data }

// Close unmaps the segment and closes the file descriptor without
// unlinking the backing file, so peers that still hold the id can reattach.
func (m *Map) Close() error {
	if m.data != nil {
		if err := unix.Munmap(m.data); err != nil {
			return fmt.Errorf("shmem: munmap %s: %w", m.id, err)
		}
		m.data = nil
	}
	if m.file != nil {
		return m.file.Close()
	}
	return nil
}

// Remove unmaps and unlinks the backing file. Call this once no generation
// will ever reattach the id again.
func (m *Map) Remove() error {
	if err := m.Close(); err != nil {
		return err
	}
	return os.Remove(m.path)
}

// NewMap allocates a fresh segment of the given size, identified by a new
// random id.
func (p *Provider) NewMap(size int) (*Map, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := uuid.NewString()
	return p.createAt(id, size)
}

func (p *Provider) createAt(id string, size int) (*Map, error) {
	path := filepath.Join(p.dir, "swarmfuzz-"+id)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("shmem: create %s: %w", path, err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("shmem: truncate %s: %w", path, err)
	}
	return mapFile(id, path, f, size)
}

// ExistingFromID reattaches a previously created segment by its id. size
// must match (or be no larger than) the original allocation.
func (p *Provider) ExistingFromID(id string, size int) (*Map, error) {
	path := filepath.Join(p.dir, "swarmfuzz-"+id)
	f, err := os.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("shmem: open existing %s: %w", path, err)
	}
	return mapFile(id, path, f, size)
}

func mapFile(id, path string, f *os.File, size int) (*Map, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shmem: mmap %s: %w", path, err)
	}
	return &Map{id: id, path: path, file: f, data: data}, nil
}

// CloneRef returns an independent handle onto the same physical segment as
// m, the shared-memory analogue of cloning a reference-counted handle
// across a fork. Unmapping the clone does not affect m.
func (p *Provider) CloneRef(m *Map) (*Map, error) {
	return p.ExistingFromID(m.id, len(m.data))
}
