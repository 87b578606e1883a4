// Package ipccore is the public facade: it wires together memory
// management, layout, the connection protocol, the connection registry
// and service discovery into the two entry points an application uses,
// Server and Client, following the teacher's main.go composition-root
// style (construct components, wire them, Run(ctx)).
package ipccore

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/alephtx/ipc-core/internal/connmgr"
	"github.com/alephtx/ipc-core/internal/discovery"
	"github.com/alephtx/ipc-core/internal/ident"
	"github.com/alephtx/ipc-core/internal/layout"
	"github.com/alephtx/ipc-core/internal/manager"
	"github.com/alephtx/ipc-core/internal/memory"
	"github.com/alephtx/ipc-core/internal/protocol"
	"github.com/alephtx/ipc-core/internal/reactor"
	"github.com/alephtx/ipc-core/internal/slot"
	"github.com/alephtx/ipc-core/internal/spscqueue"
)

// ServerConfig parameterizes a Server channel.
type ServerConfig struct {
	Address          string
	ShmPrefix        string
	Technology       memory.Technology
	Layout           layout.Config
	Integrity        ident.IntegrityLevel
	ProvidedInstance ident.ProvidedServiceInstanceID
}

// Server is the producer side of one channel: it owns the slot and
// per-client available-queue memory, accepts incoming connections over a
// Unix domain socket, and runs the handshake for each.
type Server struct {
	cfg       ServerConfig
	provider  memory.Provider
	memMgr    *manager.ServerMemoryManager
	reactor   *reactor.Reactor
	conns     *connmgr.Manager
	discovery *discovery.Binding

	slotMem  *memory.OwnedReadWritableMemory
	queueMem *memory.OwnedReadWritableMemory
	writable []*slot.Writable

	nextClientIndex uint32

	endsMu sync.Mutex
	ends   map[uint32]*spscqueue.ProducerEnd // client_index -> available-queue producer end, set once active
}

// NewServer allocates the channel's slot and queue memory and builds the
// reactor/connection-manager/discovery components a running server needs.
func NewServer(cfg ServerConfig) (*Server, error) {
	provider := memory.NewProvider(cfg.Technology, cfg.ShmPrefix)
	lay := layout.New(cfg.Layout)
	mm := manager.NewServerMemoryManager(provider, lay)

	slotMem, err := mm.AllocateSlotMemory()
	if err != nil {
		return nil, fmt.Errorf("ipccore: allocate slot memory: %w", err)
	}
	queueMem, err := mm.AllocateQueueMemory()
	if err != nil {
		slotMem.Close()
		return nil, fmt.Errorf("ipccore: allocate queue memory: %w", err)
	}

	r := reactor.New(256)
	s := &Server{
		cfg:       cfg,
		provider:  provider,
		memMgr:    mm,
		reactor:   r,
		conns:     connmgr.New(r),
		discovery: discovery.New(),
		slotMem:   slotMem,
		queueMem:  queueMem,
		writable:  mm.GetWritableSlotDescriptors(slotMem.Bytes()),
		ends:      make(map[uint32]*spscqueue.ProducerEnd),
	}
	return s, nil
}

// Slots exposes the writable slot descriptors for the application to
// publish into. Each descriptor's DebugPointGetSlot fires here, the
// moment the server hands it to the user (spec.md §4.3).
func (s *Server) Slots() []*slot.Writable {
	for _, w := range s.writable {
		w.DebugPointGetSlot()
	}
	return s.writable
}

// Run starts the reactor loop and accept loop; it blocks until ctx is
// cancelled.
func (s *Server) Run(ctx context.Context) error {
	l, err := net.Listen("unix", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("ipccore: listen %s: %w", s.cfg.Address, err)
	}
	defer l.Close()

	go s.reactor.Run(ctx)
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	s.discovery.NotifyUp(s.cfg.ProvidedInstance)
	defer s.discovery.NotifyDown(s.cfg.ProvidedInstance)

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("ipccore: accept: %v", err)
			continue
		}
		s.handleIncoming(conn)
	}
}

// handleIncoming assigns the next client_index to every accepted
// connection before running the protocol.Connection FSM, because the
// server's half of the handshake payload (its per-client queue config)
// depends on that index. Indices are not reused. The client's offered
// queue handle and config are mapped and validated only in OnActive,
// after the handshake reply has been sent. The FSM transitions
// (StateConnecting -> StateHandshakeAwait -> StateActive/StateTerminated)
// run through protocol.Connection.Accept, driven by the shared reactor,
// so termination is observed through the same OnTerminated path every
// other connection uses.
func (s *Server) handleIncoming(netConn net.Conn) {
	clientIndex := s.nextClientIndex
	s.nextClientIndex++

	conn := protocol.New(s.reactor)
	key := connmgr.Key{
		Provided: s.cfg.ProvidedInstance,
		Address:  ident.UnicastAddress{Domain: clientIndex, Port: 0},
	}
	s.reactor.Post(func() { s.conns.Register(key, conn) })

	conn.OnActive(func(c *protocol.Connection) {
		remote := c.Remote()
		mappedClientQueue, err := s.memMgr.MapClientQueueMemory(remote.QueueHandle)
		if err != nil {
			log.Printf("ipccore: client_index=%d map client queue failed: %v", clientIndex, err)
			c.Disconnect(err)
			return
		}
		writingEnd, _, err := s.memMgr.InitializeQueueEnds(clientIndex, s.queueMem.Bytes(), remote.QueueConfig, mappedClientQueue.Bytes())
		if err != nil {
			log.Printf("ipccore: client_index=%d initialize queue ends failed: %v", clientIndex, err)
			mappedClientQueue.Close()
			c.Disconnect(err)
			return
		}
		s.endsMu.Lock()
		s.ends[clientIndex] = writingEnd
		s.endsMu.Unlock()
		log.Printf("ipccore: client_index=%d connected (integrity=%s)", clientIndex, remote.IntegrityLevel)
	})
	conn.OnTerminated(func(reason error) {
		if reason != nil {
			log.Printf("ipccore: client_index=%d terminated: %v", clientIndex, reason)
		}
		s.endsMu.Lock()
		delete(s.ends, clientIndex)
		s.endsMu.Unlock()
		s.conns.ScheduleReap()
	})

	local := protocol.HandshakeMessage{
		SlotHandle:     s.slotMem.Handle(memory.AccessReadOnly),
		QueueHandle:    s.queueMem.Handle(memory.AccessReadOnly),
		QueueConfig:    s.memMgr.GetQueueConfig(clientIndex),
		IntegrityLevel: s.cfg.Integrity,
	}
	conn.Accept(netConn, local, s.cfg.Integrity)
}

// Publish pushes slotIndex onto the available queue of clientIndex. It
// reports false, nil when that client's queue is full (spec.md §8 E2:
// backpressure, not data loss — the caller decides whether to retry,
// drop, or apply its own flow control) and an error if the client is not
// currently connected.
func (s *Server) Publish(clientIndex uint32, slotIndex uint32) (bool, error) {
	s.endsMu.Lock()
	end, ok := s.ends[clientIndex]
	s.endsMu.Unlock()
	if !ok {
		return false, fmt.Errorf("ipccore: client_index %d is not connected", clientIndex)
	}
	if int(slotIndex) < len(s.writable) {
		s.writable[slotIndex].DebugPointSendSlot()
	}
	return end.Push(slotIndex)
}

// Close releases the server's allocated memory.
func (s *Server) Close() error {
	err1 := s.slotMem.Close()
	err2 := s.queueMem.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
