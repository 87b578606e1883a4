// Package spscqueue implements the bounded single-producer
// single-consumer index queue (spec.md §4.4) that coordinates slot
// visibility between a server and one client. Indices are stored modulo
// 2*capacity in shared memory. The cachedHead/cachedTail fields follow the
// in-process SPSC queue in the hayabusa-cloud-lfq reference repo
// (spsc.go), but here they only record the peer index observed by the
// latest operation: every Push/Peek still performs a fresh atomic load of
// the peer's index. Capacity need not be a power of two.
package spscqueue

import (
	"sync/atomic"
	"unsafe"

	"github.com/alephtx/ipc-core/internal/ipcerr"
	"github.com/alephtx/ipc-core/internal/layout"
)

// ProducerEnd is the producer side of one SPSC index queue: it owns head,
// reads tail, and writes the index buffer.
type ProducerEnd struct {
	head       *uint32
	tail       *uint32
	buffer     []uint32
	capacity   uint32
	cachedTail uint32
}

// ConsumerEnd is the consumer side of the same queue: it owns tail, reads
// head, and reads the index buffer.
type ConsumerEnd struct {
	head       *uint32
	tail       *uint32
	buffer     []uint32
	capacity   uint32
	cachedHead uint32
}

func fieldPtr(view []byte, offset uint64) *uint32 {
	return (*uint32)(unsafe.Pointer(&view[offset]))
}

func bufferSlice(view []byte, cfg layout.QueueMemoryConfig, capacity uint32) []uint32 {
	base := unsafe.Pointer(&view[cfg.BufferOffset])
	return unsafe.Slice((*uint32)(base), capacity)
}

// NewProducerEnd constructs the producer side of a queue instance over
// view at the offsets described by cfg. The caller must have already
// validated cfg against view with layout.IsReadableQueueMemoryConfigValid.
// Only the producer-owned head index is initialized (zeroed); a queue must
// not be used until both ends have been constructed (spec.md §4.2).
func NewProducerEnd(view []byte, cfg layout.QueueMemoryConfig, capacity uint32) *ProducerEnd {
	p := &ProducerEnd{
		head:     fieldPtr(view, cfg.HeadOffset),
		tail:     fieldPtr(view, cfg.TailOffset),
		buffer:   bufferSlice(view, cfg, capacity),
		capacity: capacity,
	}
	atomic.StoreUint32(p.head, 0)
	return p
}

// NewConsumerEnd constructs the consumer side of a queue instance. Only
// the consumer-owned tail index is initialized (zeroed).
func NewConsumerEnd(view []byte, cfg layout.QueueMemoryConfig, capacity uint32) *ConsumerEnd {
	c := &ConsumerEnd{
		head:     fieldPtr(view, cfg.HeadOffset),
		tail:     fieldPtr(view, cfg.TailOffset),
		buffer:   bufferSlice(view, cfg, capacity),
		capacity: capacity,
	}
	atomic.StoreUint32(c.tail, 0)
	return c
}

// twoC is the modulus indices wrap at (spec.md §4.4).
func (p *ProducerEnd) twoC() uint32 { return 2 * p.capacity }
func (c *ConsumerEnd) twoC() uint32 { return 2 * c.capacity }

// Push enqueues slot index i (producer side only). It returns false
// without enqueuing when the queue is full, and an error if the observed
// head/tail relationship is inconsistent with a cooperating peer (shared
// memory corruption).
func (p *ProducerEnd) Push(i uint32) (bool, error) {
	twoC := p.twoC()
	head := atomic.LoadUint32(p.head)
	if head >= twoC {
		return false, ipcerr.New(ipcerr.QueueError, "push", errCorruptIndex("head", head, twoC))
	}

	tail := atomic.LoadUint32(p.tail) // acquire: see the consumer's most recent release
	if tail >= twoC {
		return false, ipcerr.New(ipcerr.QueueError, "push", errCorruptIndex("tail", tail, twoC))
	}
	p.cachedTail = tail

	count := (head + twoC - p.cachedTail) % twoC
	if count > p.capacity {
		return false, ipcerr.New(ipcerr.QueueError, "push", errCorruptCount(count, p.capacity))
	}
	if count == p.capacity {
		return false, nil // full: caller decides backpressure
	}

	p.buffer[head%p.capacity] = i
	newHead := (head + 1) % twoC
	atomic.StoreUint32(p.head, newHead) // release: publish buffer write + advance
	return true, nil
}

// Peek returns the index at the head of the queue (consumer side) without
// advancing tail. ok is false when the queue is empty.
func (c *ConsumerEnd) Peek() (i uint32, ok bool, err error) {
	twoC := c.twoC()
	tail := atomic.LoadUint32(c.tail)
	if tail >= twoC {
		return 0, false, ipcerr.New(ipcerr.QueueError, "peek", errCorruptIndex("tail", tail, twoC))
	}

	head := atomic.LoadUint32(c.head) // acquire: see the producer's most recent release
	if head >= twoC {
		return 0, false, ipcerr.New(ipcerr.QueueError, "peek", errCorruptIndex("head", head, twoC))
	}
	c.cachedHead = head

	count := (c.cachedHead + twoC - tail) % twoC
	if count > c.capacity {
		return 0, false, ipcerr.New(ipcerr.QueueError, "peek", errCorruptCount(count, c.capacity))
	}
	if count == 0 {
		return 0, false, nil
	}

	return c.buffer[tail%c.capacity], true, nil
}

// Pop removes and returns the index at the head of the queue (consumer
// side). Semantics as Peek, then advances tail by one.
func (c *ConsumerEnd) Pop() (i uint32, ok bool, err error) {
	i, ok, err = c.Peek()
	if err != nil || !ok {
		return i, ok, err
	}
	tail := atomic.LoadUint32(c.tail)
	newTail := (tail + 1) % c.twoC()
	atomic.StoreUint32(c.tail, newTail) // release
	return i, true, nil
}

// Cap returns the queue's capacity (NumSlots).
func (p *ProducerEnd) Cap() int { return int(p.capacity) }
func (c *ConsumerEnd) Cap() int { return int(c.capacity) }

func errCorruptIndex(field string, value, twoC uint32) error {
	return &corruptError{field: field, value: value, bound: twoC}
}
func errCorruptCount(count, capacity uint32) error {
	return &corruptError{field: "count", value: count, bound: capacity}
}

type corruptError struct {
	field string
	value uint32
	bound uint32
}

func (e *corruptError) Error() string {
	return "spscqueue: " + e.field + " " + itoa(e.value) + " inconsistent with bound " + itoa(e.bound)
}

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
