package connmgr

import (
	"weak"

	"github.com/alephtx/ipc-core/internal/protocol"
)

// RouterConnector is the proxy-side back-end spec.md §9 describes: a
// connector holds only a weak back-reference to the connection it serves,
// so it never keeps that connection alive. protocol.Connection keeps no
// reference to its connectors; whoever creates a RouterConnector owns it.
// Go 1.24's weak.Pointer[T] (go.mod sets go 1.24) gives us this without a
// finalizer-based workaround.
type RouterConnector struct {
	name string
	back weak.Pointer[protocol.Connection]
}

// NewRouterConnector builds a connector weakly bound to owner.
func NewRouterConnector(name string, owner *protocol.Connection) *RouterConnector {
	return &RouterConnector{name: name, back: weak.Make(owner)}
}

// Connection resolves the weak back-reference. It returns nil if the
// owning Connection has already been collected — callers must treat that
// as "this connector is orphaned" rather than panicking.
func (r *RouterConnector) Connection() *protocol.Connection {
	return r.back.Value()
}

func (r *RouterConnector) Name() string { return r.name }
