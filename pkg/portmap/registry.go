// Package portmap implements the portmapper (program 100000, version 2): a
// registry of (program, version, protocol) -> port mappings served over TCP
// and UDP, a client for it, and an embedded lifecycle manager that runs a
// registry only while no system portmapper answers.
package portmap

import (
	"sync"

	"github.com/marmos91/dittorpc/pkg/metrics"
	"github.com/marmos91/dittorpc/pkg/portmap/types"
	"github.com/marmos91/dittorpc/pkg/portmap/xdr"
)

// Registry is the ordered mapping store. A single mutex guards every
// operation; Dump returns entries in insertion order.
type Registry struct {
	mu      sync.Mutex
	entries []xdr.Mapping

	// afterUnset runs after every successful Unset, outside the lock.
	afterUnset func()
	metrics    metrics.PortmapMetrics
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// SetMetrics attaches registry metrics. Nil disables collection.
func (r *Registry) SetMetrics(m metrics.PortmapMetrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = m
	r.observeSize()
}

// GetPort returns the port of (prog, vers, prot). When that exact version is
// not registered, the first mapping of the same program and protocol under
// any other version is used. 0 means not registered.
func (r *Registry) GetPort(prog, vers, prot uint32) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	var fallback uint32
	for _, e := range r.entries {
		if e.Prog != prog || e.Prot != prot {
			continue
		}
		if e.Vers == vers {
			r.observe("getport", true)
			return e.Port
		}
		if fallback == 0 {
			fallback = e.Port
		}
	}
	r.observe("getport", fallback != 0)
	return fallback
}

// Set registers m. Re-registering an existing (prog, vers, prot) succeeds
// only when the port is unchanged. Mappings of the portmapper itself and
// port 0 are refused.
func (r *Registry) Set(m xdr.Mapping) bool {
	if m.Prog == types.ProgramPortmap || m.Port == 0 {
		r.locked(func() { r.observe("set", false) })
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if e.Prog == m.Prog && e.Vers == m.Vers && e.Prot == m.Prot {
			ok := e.Port == m.Port
			r.observe("set", ok)
			return ok
		}
	}
	r.entries = append(r.entries, m)
	r.observe("set", true)
	r.observeSize()
	return true
}

// Unset removes every mapping of (prog, vers) whatever its protocol and
// port. It reports whether anything was removed. The portmapper's own
// mappings cannot be removed.
func (r *Registry) Unset(prog, vers uint32) bool {
	if prog == types.ProgramPortmap {
		r.locked(func() { r.observe("unset", false) })
		return false
	}

	r.mu.Lock()
	kept := r.entries[:0]
	for _, e := range r.entries {
		if e.Prog != prog || e.Vers != vers {
			kept = append(kept, e)
		}
	}
	removed := len(kept) < len(r.entries)
	clear(r.entries[len(kept):])
	r.entries = kept
	r.observe("unset", removed)
	r.observeSize()
	hook := r.afterUnset
	r.mu.Unlock()

	if removed && hook != nil {
		hook()
	}
	return removed
}

// Dump returns a snapshot of every mapping in insertion order, including
// the portmapper's own entries.
func (r *Registry) Dump() []xdr.Mapping {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observe("dump", true)
	return append([]xdr.Mapping(nil), r.entries...)
}

// RegisterPortmapper inserts the portmapper's own mappings, one per
// protocol served. No protocols means both TCP and UDP. It is the only way
// to register program 100000.
func (r *Registry) RegisterPortmapper(port int, protocols ...uint32) {
	if len(protocols) == 0 {
		protocols = []uint32{types.ProtoTCP, types.ProtoUDP}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, prot := range protocols {
		r.entries = append(r.entries, xdr.Mapping{
			Prog: types.ProgramPortmap,
			Vers: types.PortmapVersion2,
			Prot: prot,
			Port: uint32(port),
		})
	}
	r.observeSize()
}

// Count returns the number of mappings, bootstrap entries included.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// OnlyBootstrap reports whether every remaining mapping belongs to the
// portmapper itself.
func (r *Registry) OnlyBootstrap() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.Prog != types.ProgramPortmap {
			return false
		}
	}
	return true
}

// Clear removes every mapping.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = nil
	r.observeSize()
}

func (r *Registry) setAfterUnset(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.afterUnset = fn
}

func (r *Registry) locked(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn()
}

// observe and observeSize must be called with mu held.
func (r *Registry) observe(op string, ok bool) {
	if r.metrics != nil {
		r.metrics.RecordRegistryOp(op, ok)
	}
}

func (r *Registry) observeSize() {
	if r.metrics != nil {
		r.metrics.SetRegistrations(len(r.entries))
	}
}
