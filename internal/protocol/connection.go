package protocol

import (
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/alephtx/ipc-core/internal/ident"
	"github.com/alephtx/ipc-core/internal/ipcerr"
	"github.com/alephtx/ipc-core/internal/reactor"
)

// EstablishmentTimeout bounds how long a connection may sit in
// StateConnecting/StateHandshakeAwait before it is forced to
// StateTerminated (spec.md §4.6, §7).
const EstablishmentTimeout = 10 * time.Second

// Connection tracks one peer relationship through its handshake and
// active lifetime. All state transitions must run on the reactor
// goroutine; Dial/the handshake I/O itself runs on a goroutine that
// Connect/Accept start, and reports back to the reactor via Post/PostSync, mirroring
// the teacher's ipc.Publisher (mutex-guarded conn swap) generalized to an
// explicit FSM instead of an implicit connected/disconnected bool.
type Connection struct {
	dispatcher reactor.Dispatcher

	mu            sync.Mutex
	state         State
	conn          net.Conn
	local, remote HandshakeMessage
	onActive      func(Connection *Connection)
	onTerminated  func(reason error)

	// onTransition, if set, fires synchronously every time transition
	// succeeds. It exists purely so tests can observe intermediate states
	// (e.g. that a failed handshake visits StateDisconnecting on its way
	// to StateTerminated) without adding any production call site.
	onTransition func(next State)
}

// New constructs an idle connection driven by dispatcher.
func New(dispatcher reactor.Dispatcher) *Connection {
	return &Connection{dispatcher: dispatcher, state: StateIdle}
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// transition moves the FSM to next, panicking if the edge is illegal.
// Must be called from the reactor goroutine (or before any goroutine is
// handed the Connection — e.g. during construction).
func (c *Connection) transition(next State) {
	c.mu.Lock()
	if !c.state.canTransitionTo(next) {
		c.mu.Unlock()
		panic(fmt.Sprintf("protocol: illegal transition %s -> %s", c.state, next))
	}
	c.state = next
	hook := c.onTransition
	c.mu.Unlock()
	if hook != nil {
		hook(next)
	}
}

// OnActive registers a callback invoked (on the reactor goroutine) once
// the handshake completes and both local and remote HandshakeMessages are
// available.
func (c *Connection) OnActive(fn func(*Connection)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onActive = fn
}

// OnTerminated registers a callback invoked (on the reactor goroutine)
// when the connection reaches StateTerminated, with the reason if any.
// Callbacks from successive calls are all kept and run in registration
// order.
func (c *Connection) OnTerminated(fn func(reason error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.onTerminated
	if prev == nil {
		c.onTerminated = fn
		return
	}
	c.onTerminated = func(reason error) {
		prev(reason)
		fn(reason)
	}
}

// Remote returns the last handshake message received from the peer.
func (c *Connection) Remote() HandshakeMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

// Connect dials addr, performs the handshake by writing local and reading
// the peer's message, and drives the FSM from StateIdle through to
// StateActive (or StateTerminated on failure), posting each transition to
// the dispatcher so it runs on the reactor thread. requiredIntegrity
// enforces spec §8 property 7 / E4: a peer whose integrity level does not
// satisfy requiredIntegrity never reaches StateActive.
func (c *Connection) Connect(addr string, local HandshakeMessage, requiredIntegrity ident.IntegrityLevel) {
	c.dispatcher.Post(func() { c.transition(StateConnecting) })

	go func() {
		result := make(chan error, 1)
		timer := time.AfterFunc(EstablishmentTimeout, func() {
			result <- ipcerr.New(ipcerr.HandshakeTimeout, "Connect", nil)
		})
		defer timer.Stop()

		conn, remote, err := dialAndHandshake(addr, local)
		if err == nil && !remote.IntegrityLevel.Satisfies(requiredIntegrity) {
			err = ipcerr.New(ipcerr.IntegrityMismatch, "Connect",
				fmt.Errorf("peer integrity level %s does not satisfy required %s", remote.IntegrityLevel, requiredIntegrity))
		}

		select {
		case result <- err:
		default:
			// the timeout already fired and wrote to result; our own
			// outcome loses the race and the peer connection (if any)
			// must still be cleaned up. The timeout error read below
			// then drives the FSM to StateTerminated.
			if conn != nil {
				conn.Close()
				conn = nil
			}
		}

		finalErr := <-result
		c.dispatcher.Post(func() {
			if finalErr != nil {
				log.Printf("protocol: handshake failed: %v", finalErr)
				c.transition(StateDisconnecting)
				c.finish(StateTerminated, finalErr)
				return
			}
			c.mu.Lock()
			c.conn = conn
			c.local = local
			c.remote = remote
			c.mu.Unlock()
			c.transition(StateHandshakeAwait)
			c.transition(StateActive)
			c.mu.Lock()
			cb := c.onActive
			c.mu.Unlock()
			if cb != nil {
				cb(c)
			}
		})
	}()
}

// Accept drives the passive side of the handshake over an
// already-accepted net.Conn: it reads the peer's frame first, then writes
// local, mirroring dialAndHandshake's write-then-read order on the active
// side. Like Connect, it posts every FSM transition through the
// dispatcher and enforces requiredIntegrity before reaching StateActive.
func (c *Connection) Accept(netConn net.Conn, local HandshakeMessage, requiredIntegrity ident.IntegrityLevel) {
	c.dispatcher.Post(func() { c.transition(StateConnecting) })

	go func() {
		netConn.SetDeadline(time.Now().Add(EstablishmentTimeout))
		remote, err := ReadHandshake(netConn)
		if err == nil && !remote.IntegrityLevel.Satisfies(requiredIntegrity) {
			err = ipcerr.New(ipcerr.IntegrityMismatch, "Accept",
				fmt.Errorf("peer integrity level %s does not satisfy required %s", remote.IntegrityLevel, requiredIntegrity))
		}
		if err == nil {
			frame, encErr := EncodeHandshake(local)
			if encErr != nil {
				err = ipcerr.New(ipcerr.TransportError, "Accept", encErr)
			} else if _, writeErr := netConn.Write(frame); writeErr != nil {
				err = ipcerr.New(ipcerr.TransportError, "Accept", writeErr)
			}
		}
		netConn.SetDeadline(time.Time{})

		c.dispatcher.Post(func() {
			if err != nil {
				log.Printf("protocol: accept handshake failed: %v", err)
				netConn.Close()
				c.transition(StateDisconnecting)
				c.finish(StateTerminated, err)
				return
			}
			c.mu.Lock()
			c.conn = netConn
			c.local = local
			c.remote = remote
			c.mu.Unlock()
			c.transition(StateHandshakeAwait)
			c.transition(StateActive)
			c.mu.Lock()
			cb := c.onActive
			c.mu.Unlock()
			if cb != nil {
				cb(c)
			}
		})
	}()
}

func dialAndHandshake(addr string, local HandshakeMessage) (net.Conn, HandshakeMessage, error) {
	conn, err := net.Dial("unix", addr)
	if err != nil {
		return nil, HandshakeMessage{}, ipcerr.New(ipcerr.TransportError, "dial", err)
	}
	conn.SetDeadline(time.Now().Add(EstablishmentTimeout))
	defer conn.SetDeadline(time.Time{})

	frame, err := EncodeHandshake(local)
	if err != nil {
		conn.Close()
		return nil, HandshakeMessage{}, ipcerr.New(ipcerr.TransportError, "encode", err)
	}
	if _, err := conn.Write(frame); err != nil {
		conn.Close()
		return nil, HandshakeMessage{}, ipcerr.New(ipcerr.TransportError, "write", err)
	}

	remote, err := ReadHandshake(conn)
	if err != nil {
		conn.Close()
		return nil, HandshakeMessage{}, ipcerr.New(ipcerr.TransportError, "read", err)
	}
	return conn, remote, nil
}

// Disconnect moves a connecting, handshaking or active connection through
// StateDisconnecting to StateTerminated, closing the transport. Must be
// called on the reactor goroutine.
func (c *Connection) Disconnect(reason error) {
	switch c.State() {
	case StateConnecting, StateHandshakeAwait, StateActive:
		c.transition(StateDisconnecting)
	}
	c.finish(StateTerminated, reason)
}

func (c *Connection) finish(next State, reason error) {
	c.mu.Lock()
	alreadyThere := c.state == next
	c.mu.Unlock()
	if !alreadyThere {
		c.transition(next)
	}

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	cb := c.onTerminated
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if cb != nil {
		cb(reason)
	}
}
