// Package discovery implements ServiceDiscoveryBinding (spec.md §4.8): a
// registry of RequiredServiceInstanceIDs that dispatches
// OnServiceInstanceUp/OnServiceInstanceDown as matching provided instances
// come and go, using the wildcard matching rules tested by spec.md §8
// property 7.
package discovery

import (
	"encoding/json"
	"log"
	"weak"

	"github.com/alephtx/ipc-core/internal/ident"
)

// Listener receives up/down notifications for instances matching its
// Required id.
type Listener struct {
	Required ident.RequiredServiceInstanceID
	OnUp     func(ident.ProvidedServiceInstanceID)
	OnDown   func(ident.ProvidedServiceInstanceID)
}

// binding holds a registered listener weakly (the Required id it matches
// against lives on the Listener itself), so a listener whose owner has gone away stops
// receiving callbacks without the caller needing to explicitly unregister
// it (spec.md §9's cyclic-ownership note applies here too: a listener is
// typically owned by the same object that also holds a strong reference
// back into discovery through some other path).
type binding struct {
	ref weak.Pointer[Listener]
}

// Binding is the registry provided-instance up/down events are dispatched
// through. One Binding is typically shared by a whole process.
type Binding struct {
	bindings []binding
	provided map[ident.ProvidedServiceInstanceID]bool
}

// New builds an empty discovery binding.
func New() *Binding {
	return &Binding{provided: make(map[ident.ProvidedServiceInstanceID]bool)}
}

// Register adds l to the registry, keeping only a weak reference. The
// caller must keep l alive for as long as it should keep receiving
// callbacks.
func (b *Binding) Register(l *Listener) {
	b.bindings = append(b.bindings, binding{ref: weak.Make(l)})
}

// NotifyUp announces that p is now available, dispatching OnUp to every
// live listener whose Required id matches p (spec.md §3/§8 property 7).
// Already-known instances are not re-announced.
func (b *Binding) NotifyUp(p ident.ProvidedServiceInstanceID) {
	if b.provided[p] {
		return
	}
	b.provided[p] = true
	b.dispatch(p, true)
}

// NotifyDown announces that p is no longer available.
func (b *Binding) NotifyDown(p ident.ProvidedServiceInstanceID) {
	if !b.provided[p] {
		return
	}
	delete(b.provided, p)
	b.dispatch(p, false)
}

func (b *Binding) dispatch(p ident.ProvidedServiceInstanceID, up bool) {
	live := b.bindings[:0]
	for _, bd := range b.bindings {
		l := bd.ref.Value()
		if l == nil {
			continue // listener's owner has been collected; drop the binding
		}
		live = append(live, bd)
		if !l.Required.Matches(p) {
			continue
		}
		if up && l.OnUp != nil {
			logTrace("up", p)
			l.OnUp(p)
		} else if !up && l.OnDown != nil {
			logTrace("down", p)
			l.OnDown(p)
		}
	}
	b.bindings = live
}

// logTrace records instance transitions in the JSON shape the teacher's
// ipc.Publisher used for its control-plane envelope, kept here purely as
// a structured trace line (not a wire format — the handshake itself is
// binary per spec §6).
func logTrace(event string, p ident.ProvidedServiceInstanceID) {
	raw, err := json.Marshal(struct {
		Event string                          `json:"event"`
		P     ident.ProvidedServiceInstanceID `json:"instance"`
	}{Event: event, P: p})
	if err != nil {
		return
	}
	log.Printf("discovery: %s", raw)
}
