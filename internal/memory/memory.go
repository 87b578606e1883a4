// Package memory implements MemoryProvider: allocation and import of
// shared-memory regions used as the backing store for slot and queue
// memory. It generalizes the teacher's /dev/shm mmap idiom (see
// AlephTX-aleph-tx/feeder/shm) into the allocate/map split the handshake
// protocol needs.
package memory

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync/atomic"
	"syscall"

	"github.com/alephtx/ipc-core/internal/ipcerr"
)

// Technology selects the concrete shared-memory provider. Selection is
// static per channel (spec.md §4.1).
type Technology int

const (
	TechSharedMemory Technology = iota
	TechPhysicallyContiguous
)

// AccessMode is the access right carried by an ExchangeHandle.
type AccessMode int

const (
	AccessReadOnly AccessMode = iota
	AccessReadWrite
)

func (m AccessMode) String() string {
	if m == AccessReadWrite {
		return "rw"
	}
	return "ro"
}

// ExchangeHandle is an opaque, serializable capability describing a shared
// memory region: its identity, mappable size and intended access mode.
// On this single-host implementation the "OS-mediated hand-off" is a
// /dev/shm path; the wire format (MarshalBinary) treats it as an opaque
// blob per spec.md §6, so a future OS-abstraction layer can swap the
// identifier scheme without touching the handshake codec.
type ExchangeHandle struct {
	Path string
	Size uint64
	Mode AccessMode
}

// MarshalBinary encodes the handle as the length-prefixed opaque blob the
// handshake wire format expects: 1 byte mode, 8 bytes size, 4 byte path
// length, path bytes.
func (h ExchangeHandle) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 1+8+4+len(h.Path))
	buf[0] = byte(h.Mode)
	binary.LittleEndian.PutUint64(buf[1:9], h.Size)
	binary.LittleEndian.PutUint32(buf[9:13], uint32(len(h.Path)))
	copy(buf[13:], h.Path)
	return buf, nil
}

// UnmarshalBinary decodes a handle previously produced by MarshalBinary.
func (h *ExchangeHandle) UnmarshalBinary(data []byte) error {
	if len(data) < 13 {
		return fmt.Errorf("memory: truncated exchange handle (%d bytes)", len(data))
	}
	h.Mode = AccessMode(data[0])
	h.Size = binary.LittleEndian.Uint64(data[1:9])
	n := binary.LittleEndian.Uint32(data[9:13])
	if uint32(len(data)-13) < n {
		return fmt.Errorf("memory: truncated exchange handle path")
	}
	h.Path = string(data[13 : 13+n])
	return nil
}

// pageSize is the technology's internal minimum alignment: mmap-backed
// regions are always at least page aligned.
var pageSize = uint(os.Getpagesize())

// OwnedReadWritableMemory exclusively owns an allocated shared region.
// Closing it unmaps and releases the backing /dev/shm object. Descriptors
// and queue endpoints built on top of Bytes() are non-owning views; the
// caller must keep the OwnedReadWritableMemory alive for at least as long
// as any view derived from it.
type OwnedReadWritableMemory struct {
	file   *os.File
	data   []byte
	path   string
	closed atomic.Bool
}

func (m *OwnedReadWritableMemory) Bytes() []byte { return m.data }

// Handle produces an exchange handle for exporting this region to a peer.
// mode lets the caller advertise read-only access; per spec.md §4.1 and §9,
// this label is advisory only — an uncooperative OS, or a protocol that
// itself requires the remote side to write into the region (as the queue
// handshake does), may still grant the remote write access in practice.
func (m *OwnedReadWritableMemory) Handle(mode AccessMode) ExchangeHandle {
	return ExchangeHandle{Path: m.path, Size: uint64(len(m.data)), Mode: mode}
}

func (m *OwnedReadWritableMemory) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := syscall.Munmap(m.data)
	cerr := m.file.Close()
	rerr := os.Remove(m.path)
	if err != nil {
		return fmt.Errorf("memory: munmap %s: %w", m.path, err)
	}
	if cerr != nil {
		return fmt.Errorf("memory: close %s: %w", m.path, cerr)
	}
	_ = rerr // best-effort: another process may already have unlinked it
	return nil
}

// OwnedReadableMemory is a non-owning peer's import of a remote region.
// Despite the name (and spec.md §4.1's access-mode vocabulary), it is
// mapped read-write whenever the importing role must mutate a field inside
// it (the queue handshake's consumer-owned tail) —
// see DESIGN.md's resolution of the read-only exchange-handle open
// question. Close unmaps but never unlinks: the exporter owns the file.
type OwnedReadableMemory struct {
	file   *os.File
	data   []byte
	path   string
	closed atomic.Bool
}

func (m *OwnedReadableMemory) Bytes() []byte { return m.data }

func (m *OwnedReadableMemory) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := syscall.Munmap(m.data)
	cerr := m.file.Close()
	if err != nil {
		return fmt.Errorf("memory: munmap %s: %w", m.path, err)
	}
	if cerr != nil {
		return fmt.Errorf("memory: close %s: %w", m.path, cerr)
	}
	return nil
}

// Provider is implemented by each supported MemoryTechnology.
type Provider interface {
	// Allocate creates a fresh shared region of at least size bytes,
	// aligned to at least align and to the technology's internal minimum.
	Allocate(size uint64, align uint64) (*OwnedReadWritableMemory, error)
	// Map imports a region described by a remote-supplied handle, mapping
	// it read-write when rw is true (see OwnedReadableMemory's doc comment
	// for why the handle's own Mode label is not always authoritative).
	Map(handle ExchangeHandle, rw bool) (*OwnedReadableMemory, error)
}

// NewProvider selects the concrete provider for tech. prefix namespaces the
// /dev/shm paths this process creates (so multiple channels in one process,
// or concurrent test runs, don't collide).
func NewProvider(tech Technology, prefix string) Provider {
	base := &shmProvider{prefix: prefix}
	if tech == TechPhysicallyContiguous {
		return &contiguousProvider{shmProvider: base}
	}
	return base
}

type shmProvider struct {
	prefix string
	seq    atomic.Uint64
}

func (p *shmProvider) nextPath() string {
	n := p.seq.Add(1)
	return fmt.Sprintf("/dev/shm/%s-%d-%d", p.prefix, os.Getpid(), n)
}

func (p *shmProvider) Allocate(size uint64, align uint64) (*OwnedReadWritableMemory, error) {
	if align > uint64(pageSize) {
		return nil, ipcerr.New(ipcerr.MemoryError, "allocate",
			fmt.Errorf("requested alignment %d exceeds page size %d", align, pageSize))
	}
	path := p.nextPath()
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, ipcerr.New(ipcerr.MemoryError, "allocate", fmt.Errorf("open %s: %w", path, err))
	}
	defer f.Close()

	if err := f.Truncate(int64(size)); err != nil {
		os.Remove(path)
		return nil, ipcerr.New(ipcerr.MemoryError, "allocate", fmt.Errorf("truncate: %w", err))
	}

	data, err := syscall.Mmap(int(f.Fd()), 0, int(size), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		os.Remove(path)
		return nil, ipcerr.New(ipcerr.MemoryError, "allocate", fmt.Errorf("mmap: %w", err))
	}

	// Keep our own fd open for the region's lifetime (separate from the
	// deferred close above, which only releases f's descriptor).
	owner, err := os.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		syscall.Munmap(data)
		os.Remove(path)
		return nil, ipcerr.New(ipcerr.MemoryError, "allocate", fmt.Errorf("reopen: %w", err))
	}

	return &OwnedReadWritableMemory{file: owner, data: data, path: path}, nil
}

func (p *shmProvider) Map(handle ExchangeHandle, rw bool) (*OwnedReadableMemory, error) {
	flag := os.O_RDONLY
	prot := syscall.PROT_READ
	if rw {
		flag = os.O_RDWR
		prot |= syscall.PROT_WRITE
	}
	f, err := os.OpenFile(handle.Path, flag, 0)
	if err != nil {
		return nil, ipcerr.New(ipcerr.MemoryError, "map", fmt.Errorf("open %s: %w", handle.Path, err))
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, ipcerr.New(ipcerr.MemoryError, "map", fmt.Errorf("stat %s: %w", handle.Path, err))
	}
	if uint64(info.Size()) < handle.Size {
		f.Close()
		return nil, ipcerr.New(ipcerr.MemoryError, "map",
			fmt.Errorf("region %s is %d bytes, handle declares %d", handle.Path, info.Size(), handle.Size))
	}

	data, err := syscall.Mmap(int(f.Fd()), 0, int(handle.Size), prot, syscall.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, ipcerr.New(ipcerr.MemoryError, "map", fmt.Errorf("mmap %s: %w", handle.Path, err))
	}

	return &OwnedReadableMemory{file: f, data: data, path: handle.Path}, nil
}

// contiguousProvider models the DMA-capable physically-contiguous
// technology. No portable stdlib primitive requests contiguous shared
// memory, so on platforms without a dedicated allocator (this one) it
// delegates to the plain shm provider — the caller still gets a working
// region, just without the contiguity guarantee a DMA peer would want.
// See SPEC_FULL.md §3 and DESIGN.md for why this is a documented
// degradation rather than a silent one.
type contiguousProvider struct {
	*shmProvider
}
