// Package layout computes the shared-memory byte layout for slot and
// queue regions (spec.md §4.2, §6) and constructs typed views — slot
// descriptors and validated QueueMemoryConfig values — over raw memory.
// A Layout is built once from (NumSlots, SlotContentSize,
// SlotContentAlignment, MaxNumberReceivers) and is immutable thereafter,
// so two independently constructed layouts for the same parameters always
// agree (spec.md §8 property 1).
package layout

import (
	"math"
	"math/bits"
	"unsafe"

	"github.com/alephtx/ipc-core/internal/slot"
)

const (
	// FlagFieldSize is the storage size of a slot's visibility flag: the
	// flag itself is a 4-byte uint32 (0 or 1, accessed atomically) but is
	// kept 8-byte aligned and padded to a full 8-byte field so the next
	// field in the slot (or the next slot) starts on an atomic-friendly
	// boundary.
	FlagFieldSize = 8
	// IndexFieldSize is the storage size of a queue's head or tail index:
	// a 4-byte uint32 value padded to 8 bytes for the same reason.
	IndexFieldSize = 8
	// IndexEntrySize is the size of one slot index stored in a queue's
	// index buffer.
	IndexEntrySize = 4
	// maxQueueBufferBytes is the internal limit from spec.md §3/§4.4: a
	// queue's index buffer must not exceed UINT32_MAX/2 bytes so that
	// modular arithmetic on 32-bit indices (wrapping at 2*capacity)
	// remains unambiguous.
	maxQueueBufferBytes = math.MaxUint32 / 2
)

// Config are the parameters a Layout is planned from.
type Config struct {
	NumSlots             uint32
	SlotContentSize      uint32
	SlotContentAlignment uint32
	MaxNumberReceivers   uint32
}

// QueueMemoryConfig is the object peers exchange at connect time: the
// offsets and sizes of one queue instance's head, tail and index buffer
// within some memory region (spec.md §3, §6).
type QueueMemoryConfig struct {
	HeadOffset   uint64
	HeadSize     uint64
	TailOffset   uint64
	TailSize     uint64
	BufferOffset uint64
	BufferSize   uint64
}

// Layout is the immutable, pre-planned set of offsets and sizes for a
// channel's slot and queue memory.
type Layout struct {
	cfg            Config
	slotPayloadOff uint64
	slotStride     uint64
	slotMemSize    uint64
	queueStride    uint64
	queueMemSize   uint64
	minOneQueue    uint64
}

func alignUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return (v + align - 1) / align * align
}

// New plans a layout for cfg. All four parameters are documented
// preconditions of every downstream operation (spec.md §4.5); violating
// them is a programmer error and New panics rather than returning an
// error, per spec.md §7's treatment of precondition failures as fatal.
func New(cfg Config) *Layout {
	if cfg.NumSlots == 0 {
		panic("layout: NumSlots must be >= 1")
	}
	if cfg.SlotContentSize == 0 {
		panic("layout: SlotContentSize must be >= 1")
	}
	if cfg.SlotContentAlignment == 0 || cfg.SlotContentAlignment&(cfg.SlotContentAlignment-1) != 0 {
		panic("layout: SlotContentAlignment must be a power of two")
	}
	if cfg.MaxNumberReceivers == 0 {
		panic("layout: MaxNumberReceivers must be >= 1")
	}

	payloadOff := alignUp(FlagFieldSize, uint64(cfg.SlotContentAlignment))
	slotEnd := payloadOff + uint64(cfg.SlotContentSize)
	slotStride := alignUp(slotEnd, 8)

	bufferOff := uint64(IndexFieldSize * 2)
	bufferSize := uint64(IndexEntrySize) * uint64(cfg.NumSlots)
	if bufferSize > maxQueueBufferBytes {
		panic("layout: queue index buffer exceeds UINT32_MAX/2")
	}
	minOneQueue := bufferOff + bufferSize
	queueStride := alignUp(minOneQueue, 8)

	return &Layout{
		cfg:            cfg,
		slotPayloadOff: payloadOff,
		slotStride:     slotStride,
		slotMemSize:    slotStride * uint64(cfg.NumSlots),
		queueStride:    queueStride,
		queueMemSize:   queueStride * uint64(cfg.MaxNumberReceivers),
		minOneQueue:    minOneQueue,
	}
}

func (l *Layout) NumSlots() uint32             { return l.cfg.NumSlots }
func (l *Layout) MaxNumberReceivers() uint32   { return l.cfg.MaxNumberReceivers }
func (l *Layout) GetSlotMemorySize() uint64    { return l.slotMemSize }
func (l *Layout) GetQueueMemorySize() uint64   { return l.queueMemSize }
func (l *Layout) GetMinimumSizeOfOneQueue() uint64 { return l.minOneQueue }

// GetQueueConfig returns the pre-planned QueueMemoryConfig for the i-th
// queue instance within this process's own queue memory region, suitable
// for transmitting to a peer during the handshake.
func (l *Layout) GetQueueConfig(i uint32) QueueMemoryConfig {
	if i >= l.cfg.MaxNumberReceivers {
		panic("layout: queue index out of range")
	}
	base := uint64(i) * l.queueStride
	return QueueMemoryConfig{
		HeadOffset:   base,
		HeadSize:     IndexFieldSize,
		TailOffset:   base + IndexFieldSize,
		TailSize:     IndexFieldSize,
		BufferOffset: base + IndexFieldSize*2,
		BufferSize:   uint64(IndexEntrySize) * uint64(l.cfg.NumSlots),
	}
}

// GetWritableSlotDescriptor constructs a writable descriptor for slot i
// within the caller-supplied view. Preconditions (i < NumSlots, len(view)
// >= GetSlotMemorySize(), view is at least 8-byte aligned) are unit-internal
// and unchecked on this hot path except via panic, per spec.md §4.2.
func (l *Layout) GetWritableSlotDescriptor(i uint32, view []byte) *slot.Writable {
	off := l.slotOffset(i, view)
	flag := (*uint32)(unsafe.Pointer(&view[off]))
	payload := view[off+l.slotPayloadOff : off+l.slotPayloadOff+uint64(l.cfg.SlotContentSize)]
	return slot.NewWritable(flag, payload)
}

// GetReadableSlotDescriptor is the read-only counterpart used by clients.
func (l *Layout) GetReadableSlotDescriptor(i uint32, view []byte) *slot.Readable {
	off := l.slotOffset(i, view)
	flag := (*uint32)(unsafe.Pointer(&view[off]))
	payload := view[off+l.slotPayloadOff : off+l.slotPayloadOff+uint64(l.cfg.SlotContentSize)]
	return slot.NewReadable(flag, payload)
}

func (l *Layout) slotOffset(i uint32, view []byte) uint64 {
	if i >= l.cfg.NumSlots {
		panic("layout: slot index out of range")
	}
	if uint64(len(view)) < l.slotMemSize {
		panic("layout: view smaller than slot memory size")
	}
	return uint64(i) * l.slotStride
}

// IsReadableQueueMemoryConfigValid is the only checked entry point for
// externally supplied layout data (spec.md §4.2, tested by §8 property 6).
// It reports true iff each sub-area lies wholly within view (rejecting
// integer overflow in offset+size), the three sub-areas are pairwise
// non-overlapping, and each satisfies its alignment requirement.
func IsReadableQueueMemoryConfigValid(cfg QueueMemoryConfig, view []byte) bool {
	viewLen := uint64(len(view))

	type area struct{ start, size uint64 }
	areas := []area{
		{cfg.HeadOffset, cfg.HeadSize},
		{cfg.TailOffset, cfg.TailSize},
		{cfg.BufferOffset, cfg.BufferSize},
	}

	ends := make([]uint64, len(areas))
	for idx, a := range areas {
		end, overflow := addOverflow(a.start, a.size)
		if overflow {
			return false
		}
		if end > viewLen {
			return false
		}
		ends[idx] = end
	}

	if cfg.HeadOffset%8 != 0 || cfg.TailOffset%8 != 0 {
		return false
	}
	if cfg.BufferOffset%IndexEntrySize != 0 {
		return false
	}

	for i := 0; i < len(areas); i++ {
		for j := i + 1; j < len(areas); j++ {
			if areas[i].start < ends[j] && areas[j].start < ends[i] {
				return false
			}
		}
	}
	return true
}

func addOverflow(a, b uint64) (sum uint64, overflow bool) {
	sum = a + b
	return sum, sum < a
}

// RoundUpPow2 is a small helper shared by callers that want to pick a
// power-of-two NumSlots (not required by this package, but convenient for
// callers mirroring the teacher's RingBuffer convention).
func RoundUpPow2(v uint32) uint32 {
	if v <= 1 {
		return 1
	}
	return 1 << bits.Len32(v-1)
}
