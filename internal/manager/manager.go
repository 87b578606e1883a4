// Package manager composes a memory.Provider and a layout.Layout into the
// orchestration layer each role (server, client) uses to allocate/map
// memory and construct its per-connection queue endpoints (spec.md §4.5).
package manager

import (
	"github.com/alephtx/ipc-core/internal/ipcerr"
	"github.com/alephtx/ipc-core/internal/layout"
	"github.com/alephtx/ipc-core/internal/memory"
	"github.com/alephtx/ipc-core/internal/slot"
	"github.com/alephtx/ipc-core/internal/spscqueue"
)

// ServerMemoryManager allocates the slot memory and the per-client
// "available queue" region, and maps each client's own "free queue"
// region during the handshake.
type ServerMemoryManager struct {
	provider memory.Provider
	layout   *layout.Layout
}

func NewServerMemoryManager(provider memory.Provider, lay *layout.Layout) *ServerMemoryManager {
	return &ServerMemoryManager{provider: provider, layout: lay}
}

func (m *ServerMemoryManager) Layout() *layout.Layout { return m.layout }

// AllocateSlotMemory allocates the region holding all NumSlots slots.
func (m *ServerMemoryManager) AllocateSlotMemory() (*memory.OwnedReadWritableMemory, error) {
	return m.provider.Allocate(m.layout.GetSlotMemorySize(), layout.FlagFieldSize)
}

// AllocateQueueMemory allocates the region holding the MaxNumberReceivers
// "available queue" instances, one per potential client.
func (m *ServerMemoryManager) AllocateQueueMemory() (*memory.OwnedReadWritableMemory, error) {
	return m.provider.Allocate(m.layout.GetQueueMemorySize(), 8)
}

// GetWritableSlotDescriptors returns one writable descriptor per slot.
func (m *ServerMemoryManager) GetWritableSlotDescriptors(slotView []byte) []*slot.Writable {
	out := make([]*slot.Writable, m.layout.NumSlots())
	for i := range out {
		out[i] = m.layout.GetWritableSlotDescriptor(uint32(i), slotView)
	}
	return out
}

// MapClientQueueMemory imports a client's free-queue region. The server is
// the consumer of that queue and must write its tail field, so the import
// is mapped read-write regardless of the handle's advisory Mode — see
// DESIGN.md's resolution of the read-only exchange-handle open question.
func (m *ServerMemoryManager) MapClientQueueMemory(handle memory.ExchangeHandle) (*memory.OwnedReadableMemory, error) {
	return m.provider.Map(handle, true)
}

// GetQueueConfig returns the pre-planned config for client_index's
// available-queue instance, to be sent during the handshake.
func (m *ServerMemoryManager) GetQueueConfig(clientIndex uint32) layout.QueueMemoryConfig {
	return m.layout.GetQueueConfig(clientIndex)
}

// InitializeQueueEnds resets the per-client slice of the server's own
// queue memory (so a reused client_index starts clean on reconnect, per
// spec.md §8 E5), validates the client-supplied queue config against the
// client's mapped memory, and constructs:
//   - writingEnd: the server's producer end of the available queue, over
//     its own local serverQueueView (server writes head, reads tail —
//     both fields live in memory the server already owns, so the
//     client's tail writes are visible for free through the same mapping)
//   - readingEnd: the server's consumer end of the free queue, over the
//     client's imported clientQueueView at the client-supplied offsets.
func (m *ServerMemoryManager) InitializeQueueEnds(
	clientIndex uint32,
	serverQueueView []byte,
	clientCfg layout.QueueMemoryConfig,
	clientQueueView []byte,
) (*spscqueue.ProducerEnd, *spscqueue.ConsumerEnd, error) {
	serverCfg := m.layout.GetQueueConfig(clientIndex)
	zeroQueueRegion(serverQueueView, serverCfg)

	if !layout.IsReadableQueueMemoryConfigValid(clientCfg, clientQueueView) {
		return nil, nil, ipcerr.New(ipcerr.InvalidConfiguration, "InitializeQueueEnds", nil)
	}

	writingEnd := spscqueue.NewProducerEnd(serverQueueView, serverCfg, m.layout.NumSlots())
	readingEnd := spscqueue.NewConsumerEnd(clientQueueView, clientCfg, m.layout.NumSlots())
	return writingEnd, readingEnd, nil
}

func zeroQueueRegion(view []byte, cfg layout.QueueMemoryConfig) {
	clear(view[cfg.HeadOffset : cfg.HeadOffset+cfg.HeadSize])
	clear(view[cfg.TailOffset : cfg.TailOffset+cfg.TailSize])
	clear(view[cfg.BufferOffset : cfg.BufferOffset+cfg.BufferSize])
}

// ClientMemoryManager maps the server's slot memory, allocates the
// client's own (single-instance) free-queue region, and constructs the
// client's queue endpoints. The client does not plan space for multiple
// receivers — it is a single receiver (spec.md §4.5).
type ClientMemoryManager struct {
	provider memory.Provider
	layout   *layout.Layout
}

// NewClientMemoryManager builds a manager over lay as given. The client
// only ever needs one free-queue instance for itself, so lay is expected
// to have MaxNumberReceivers == 1 (ipccore.NewClient sets it); this is not
// checked here.
func NewClientMemoryManager(provider memory.Provider, lay *layout.Layout) *ClientMemoryManager {
	return &ClientMemoryManager{provider: provider, layout: lay}
}

func (m *ClientMemoryManager) Layout() *layout.Layout { return m.layout }

// MapServerSlotMemory imports the server's slot memory read-only: the
// client never writes slot payloads.
func (m *ClientMemoryManager) MapServerSlotMemory(handle memory.ExchangeHandle) (*memory.OwnedReadableMemory, error) {
	return m.provider.Map(handle, false)
}

// MapServerQueueMemory imports the server's available-queue region. The
// client is the consumer of that queue and must write its tail field, so
// the import is mapped read-write regardless of the handle's advisory
// Mode (see ServerMemoryManager.MapClientQueueMemory).
func (m *ClientMemoryManager) MapServerQueueMemory(handle memory.ExchangeHandle) (*memory.OwnedReadableMemory, error) {
	return m.provider.Map(handle, true)
}

// AllocateQueueMemory allocates the client's own free-queue region, sized
// by the layout's GetQueueMemorySize (one instance when its
// MaxNumberReceivers is 1).
func (m *ClientMemoryManager) AllocateQueueMemory() (*memory.OwnedReadWritableMemory, error) {
	return m.provider.Allocate(m.layout.GetQueueMemorySize(), 8)
}

// GetQueueConfig returns the client's own free-queue config, to be sent
// during the handshake.
func (m *ClientMemoryManager) GetQueueConfig() layout.QueueMemoryConfig {
	return m.layout.GetQueueConfig(0)
}

// GetReadableSlotDescriptors returns one readable descriptor per slot.
func (m *ClientMemoryManager) GetReadableSlotDescriptors(slotView []byte) []*slot.Readable {
	out := make([]*slot.Readable, m.layout.NumSlots())
	for i := range out {
		out[i] = m.layout.GetReadableSlotDescriptor(uint32(i), slotView)
	}
	return out
}

// InitializeQueueEnds validates the server-supplied available-queue config
// against the server's mapped memory, then constructs:
//   - writingEnd: the client's producer end of the free queue, over its
//     own local queueView.
//   - readingEnd: the client's consumer end of the available queue, over
//     the server's imported serverQueueView at the server-supplied offsets.
func (m *ClientMemoryManager) InitializeQueueEnds(
	queueView []byte,
	serverCfg layout.QueueMemoryConfig,
	serverQueueView []byte,
) (*spscqueue.ProducerEnd, *spscqueue.ConsumerEnd, error) {
	ownCfg := m.layout.GetQueueConfig(0)
	clear(queueView[ownCfg.HeadOffset : ownCfg.HeadOffset+ownCfg.HeadSize])
	clear(queueView[ownCfg.TailOffset : ownCfg.TailOffset+ownCfg.TailSize])
	clear(queueView[ownCfg.BufferOffset : ownCfg.BufferOffset+ownCfg.BufferSize])

	if !layout.IsReadableQueueMemoryConfigValid(serverCfg, serverQueueView) {
		return nil, nil, ipcerr.New(ipcerr.InvalidConfiguration, "InitializeQueueEnds", nil)
	}

	writingEnd := spscqueue.NewProducerEnd(queueView, ownCfg, m.layout.NumSlots())
	readingEnd := spscqueue.NewConsumerEnd(serverQueueView, serverCfg, m.layout.NumSlots())
	return writingEnd, readingEnd, nil
}
