package ipccore

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/alephtx/ipc-core/internal/connmgr"
	"github.com/alephtx/ipc-core/internal/ident"
	"github.com/alephtx/ipc-core/internal/layout"
	"github.com/alephtx/ipc-core/internal/manager"
	"github.com/alephtx/ipc-core/internal/memory"
	"github.com/alephtx/ipc-core/internal/protocol"
	"github.com/alephtx/ipc-core/internal/reactor"
	"github.com/alephtx/ipc-core/internal/slot"
	"github.com/alephtx/ipc-core/internal/spscqueue"
)

// ClientConfig parameterizes a Client channel.
type ClientConfig struct {
	Address           string
	ShmPrefix         string
	Technology        memory.Technology
	Layout            layout.Config // MaxNumberReceivers is forced to 1 internally
	Required          ident.RequiredServiceInstanceID
	Integrity         ident.IntegrityLevel // reported to the server during the handshake
	RequiredIntegrity ident.IntegrityLevel // demanded of the server during the handshake
	ReconnectBackoff  time.Duration
}

// Client is the consumer side of one channel: it connects to a Server's
// Unix socket, runs the handshake, and exposes the resulting slot
// descriptors and queue endpoints once active.
type Client struct {
	cfg      ClientConfig
	provider memory.Provider
	memMgr   *manager.ClientMemoryManager
	reactor  *reactor.Reactor
	conns    *connmgr.Manager

	queueMem *memory.OwnedReadWritableMemory

	// Set once the handshake completes; guarded by the reactor thread,
	// which is the only thing that calls OnActive's callback.
	mappedSlot  *memory.OwnedReadableMemory
	mappedQueue *memory.OwnedReadableMemory
	readable    []*slot.Readable
	writingEnd  *spscqueue.ProducerEnd
	readingEnd  *spscqueue.ConsumerEnd
}

// NewClient builds the memory manager and reactor a client needs; it does
// not connect until Run is called.
func NewClient(cfg ClientConfig) (*Client, error) {
	cfg.Layout.MaxNumberReceivers = 1
	provider := memory.NewProvider(cfg.Technology, cfg.ShmPrefix)
	lay := layout.New(cfg.Layout)
	mm := manager.NewClientMemoryManager(provider, lay)

	queueMem, err := mm.AllocateQueueMemory()
	if err != nil {
		return nil, fmt.Errorf("ipccore: allocate queue memory: %w", err)
	}

	r := reactor.New(64)
	return &Client{
		cfg:      cfg,
		provider: provider,
		memMgr:   mm,
		reactor:  r,
		conns:    connmgr.New(r),
		queueMem: queueMem,
	}, nil
}

// Readable returns the mapped slot descriptors, valid once Active fires.
func (c *Client) Readable() []*slot.Readable { return c.readable }

// Queues returns this client's SPSC queue endpoints: writingEnd is the
// free queue the client releases consumed slots back on, readingEnd is
// the available queue the server publishes new slots on.
func (c *Client) Queues() (*spscqueue.ProducerEnd, *spscqueue.ConsumerEnd) {
	return c.writingEnd, c.readingEnd
}

// Run drives the reactor loop and the reconnect loop until ctx is
// cancelled, invoking onActive each time the handshake completes (which
// may be more than once, across reconnects).
func (c *Client) Run(ctx context.Context, onActive func(*Client)) error {
	go c.reactor.Run(ctx)

	backoff := c.cfg.ReconnectBackoff
	if backoff == 0 {
		backoff = 3 * time.Second
	}

	return protocol.RunConnectionLoop(ctx, "ipccore-client", backoff, func(ctx context.Context) error {
		return c.connectOnce(ctx, onActive)
	})
}

func (c *Client) connectOnce(ctx context.Context, onActive func(*Client)) error {
	conn := protocol.New(c.reactor)
	active := make(chan error, 1)
	terminated := make(chan error, 1)

	conn.OnActive(func(conn *protocol.Connection) {
		remote := conn.Remote()
		mappedSlot, err := c.memMgr.MapServerSlotMemory(remote.SlotHandle)
		if err != nil {
			active <- fmt.Errorf("ipccore: map server slot memory: %w", err)
			conn.Disconnect(err)
			return
		}
		mappedQueue, err := c.memMgr.MapServerQueueMemory(remote.QueueHandle)
		if err != nil {
			mappedSlot.Close()
			active <- fmt.Errorf("ipccore: map server queue memory: %w", err)
			conn.Disconnect(err)
			return
		}
		writingEnd, readingEnd, err := c.memMgr.InitializeQueueEnds(c.queueMem.Bytes(), remote.QueueConfig, mappedQueue.Bytes())
		if err != nil {
			mappedSlot.Close()
			mappedQueue.Close()
			active <- fmt.Errorf("ipccore: initialize queue ends: %w", err)
			conn.Disconnect(err)
			return
		}

		c.mappedSlot = mappedSlot
		c.mappedQueue = mappedQueue
		c.readable = c.memMgr.GetReadableSlotDescriptors(mappedSlot.Bytes())
		c.writingEnd = writingEnd
		c.readingEnd = readingEnd

		if onActive != nil {
			onActive(c)
		}
		active <- nil
	})
	conn.OnTerminated(func(reason error) {
		if c.mappedSlot != nil {
			c.mappedSlot.Close()
			c.mappedSlot = nil
		}
		if c.mappedQueue != nil {
			c.mappedQueue.Close()
			c.mappedQueue = nil
		}
		terminated <- reason
	})

	local := protocol.HandshakeMessage{
		QueueHandle:    c.queueMem.Handle(memory.AccessReadOnly),
		QueueConfig:    c.memMgr.GetQueueConfig(),
		IntegrityLevel: c.cfg.Integrity,
	}
	conn.Connect(c.cfg.Address, local, c.cfg.RequiredIntegrity)

	select {
	case err := <-active:
		if err != nil {
			return err
		}
	case err := <-terminated:
		return err
	case <-ctx.Done():
		if !c.reactor.PostSync(func() { conn.Disconnect(nil) }) {
			return fmt.Errorf("ipccore: reactor did not service shutdown disconnect: %w", ctx.Err())
		}
		return ctx.Err()
	}

	select {
	case reason := <-terminated:
		return reason
	case <-ctx.Done():
		log.Printf("ipccore: client shutting down, disconnecting")
		if !c.reactor.PostSync(func() { conn.Disconnect(nil) }) {
			return fmt.Errorf("ipccore: reactor did not service shutdown disconnect: %w", ctx.Err())
		}
		return ctx.Err()
	}
}

// Close releases the client's own allocated memory.
func (c *Client) Close() error {
	return c.queueMem.Close()
}
