// Package slot implements SlotDescriptor: non-owning handles pairing a
// slot's atomic visibility flag with a view of its payload buffer
// (spec.md §4.3). The visibility flag is modeled on the teacher's seqlock
// idiom (AlephTX-aleph-tx/feeder/shm: atomic.Load/StoreUint32 on a
// Seqlock field) narrowed from a seqlock counter to a plain boolean.
package slot

import "sync/atomic"

const (
	flagClear uint32 = 0
	flagSet   uint32 = 1
)

// Writable is the server-side slot handle: it may set, clear and reset the
// visibility flag and write the payload directly.
type Writable struct {
	flag    *uint32
	payload []byte
}

// NewWritable wraps flag (an 8-byte-aligned address within shared memory)
// and payload (the slot's content buffer) into a writable descriptor. The
// underlying memory must outlive the descriptor.
func NewWritable(flag *uint32, payload []byte) *Writable {
	return &Writable{flag: flag, payload: payload}
}

// GetWritableData returns the payload buffer directly in shared memory.
func (w *Writable) GetWritableData() []byte { return w.payload }

// GetReadableData returns a read-only view of the payload.
func (w *Writable) GetReadableData() []byte { return w.payload }

// IsSlotVisible performs a relaxed atomic load of the visibility flag.
func (w *Writable) IsSlotVisible() bool {
	return atomic.LoadUint32(w.flag) == flagSet
}

// SetVisibilityFlag atomically publishes the slot. Must be called only
// after all payload writes are complete (spec.md §3 invariant 2).
func (w *Writable) SetVisibilityFlag() {
	atomic.StoreUint32(w.flag, flagSet)
}

// ClearVisibilityFlag atomically withdraws the slot, for recycling once
// the server has reclaimed it from every expected consumer.
func (w *Writable) ClearVisibilityFlag() {
	atomic.StoreUint32(w.flag, flagClear)
}

// ResetSlotMemory resets per-slot state to defaults. Currently this only
// clears the visibility flag; the layout reserves room for future debug
// metadata (spec.md §3) that would also be reset here.
func (w *Writable) ResetSlotMemory() {
	w.ClearVisibilityFlag()
}

// DebugPointSendSlot is invoked immediately before the server publishes a
// slot to any connected client. Currently a no-op; must remain
// non-blocking if ever implemented.
func (w *Writable) DebugPointSendSlot() {}

// DebugPointGetSlot is invoked immediately before the server hands a slot
// to the user. Currently a no-op; must remain non-blocking if ever
// implemented.
func (w *Writable) DebugPointGetSlot() {}

// Readable is the client-side slot handle: read-only access to the
// visibility flag and payload.
type Readable struct {
	flag    *uint32
	payload []byte
}

// NewReadable wraps flag and payload into a readable descriptor. The
// underlying memory must outlive the descriptor.
func NewReadable(flag *uint32, payload []byte) *Readable {
	return &Readable{flag: flag, payload: payload}
}

// IsSlotVisible performs a relaxed atomic load of the visibility flag.
func (r *Readable) IsSlotVisible() bool {
	return atomic.LoadUint32(r.flag) == flagSet
}

// GetReadableData returns a read-only view of the payload.
func (r *Readable) GetReadableData() []byte { return r.payload }
