// Package connmgr implements the connection registry spec.md §4.7
// describes: connections are looked up by (ProvidedServiceInstanceID,
// UnicastAddress), live only on the reactor thread, and are destroyed
// through a deferred terminated-list drained on a software-event tick
// rather than synchronously inside a callback (spec.md §8 E6) — mirroring
// the teacher's pattern of a single owning goroutine plus
// context-cancellation cleanup (main.go's sync.WaitGroup fan-in), adapted
// here from "wait for goroutines to exit" to "wait for a tick to reap
// terminated connections".
package connmgr

import (
	"log"

	"github.com/alephtx/ipc-core/internal/ident"
	"github.com/alephtx/ipc-core/internal/protocol"
	"github.com/alephtx/ipc-core/internal/reactor"
)

// Key identifies one connection slot in the registry.
type Key struct {
	Provided ident.ProvidedServiceInstanceID
	Address  ident.UnicastAddress
}

// Manager owns the live connection set. All methods, Lookup included,
// must be called from the reactor thread; Manager holds no lock of its
// own.
type Manager struct {
	dispatcher  reactor.Dispatcher
	connections map[Key]*protocol.Connection
	terminated  []Key
}

// New builds an empty registry driven by dispatcher.
func New(dispatcher reactor.Dispatcher) *Manager {
	return &Manager{
		dispatcher:  dispatcher,
		connections: make(map[Key]*protocol.Connection),
	}
}

// Register adds conn under key and arranges for it to be scheduled for
// removal once it terminates. Must be called from the reactor thread.
func (m *Manager) Register(key Key, conn *protocol.Connection) {
	m.connections[key] = conn
	conn.OnTerminated(func(reason error) {
		if reason != nil {
			log.Printf("connmgr: connection %+v terminated: %v", key, reason)
		}
		m.terminated = append(m.terminated, key)
	})
}

// Lookup returns the connection registered under key, if any and if it
// has not yet been reaped. It reads the map without a lock, so it must
// run on the reactor thread, the only goroutine that mutates the map
// (Register/Reap).
func (m *Manager) Lookup(key Key) (*protocol.Connection, bool) {
	c, ok := m.connections[key]
	return c, ok
}

// Count returns the number of currently registered (including
// not-yet-reaped terminated) connections.
func (m *Manager) Count() int { return len(m.connections) }

// Reap removes every connection queued for termination since the last
// Reap call. Intended to run as a software event posted once per reactor
// tick (spec.md §8 E6: destruction happens asynchronously, never inline
// inside the callback that observed the termination).
func (m *Manager) Reap() int {
	if len(m.terminated) == 0 {
		return 0
	}
	for _, key := range m.terminated {
		delete(m.connections, key)
	}
	n := len(m.terminated)
	m.terminated = m.terminated[:0]
	return n
}

// ScheduleReap posts a Reap call onto the dispatcher; callers that want
// "drain on next tick" semantics without reaching into Manager's
// reactor-affine state call this instead of Reap directly.
func (m *Manager) ScheduleReap() {
	m.dispatcher.Post(func() { m.Reap() })
}
