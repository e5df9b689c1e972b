// Package handlers implements the portmap version 2 procedures.
//
// Handlers reach the mapping store through the Registry interface so the
// root portmap package can depend on them without a cycle.
package handlers

import (
	"net"

	"github.com/marmos91/dittorpc/pkg/portmap/xdr"
)

// Registry is the store the handlers operate on. portmap.Registry
// satisfies it.
type Registry interface {
	Set(m xdr.Mapping) bool
	Unset(prog, vers uint32) bool
	GetPort(prog, vers, prot uint32) uint32
	Dump() []xdr.Mapping
}

// Handler serves portmap procedures against a shared registry.
type Handler struct {
	Registry Registry

	// AllowRemote accepts SET and UNSET from callers that are not local to
	// this host. When false such calls are answered with false.
	AllowRemote bool
}

// NewHandler creates a Handler for registry.
func NewHandler(registry Registry, allowRemote bool) *Handler {
	return &Handler{
		Registry:    registry,
		AllowRemote: allowRemote,
	}
}

// IsLocal reports whether addr belongs to this host: a loopback address or
// one assigned to a local interface.
func IsLocal(addr net.Addr) bool {
	ip := addrIP(addr)
	if ip == nil {
		return false
	}
	if ip.IsLoopback() {
		return true
	}

	ifaddrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, a := range ifaddrs {
		if local := addrIP(a); local != nil && local.Equal(ip) {
			return true
		}
	}
	return false
}

func addrIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP
	case *net.UDPAddr:
		return a.IP
	case *net.IPAddr:
		return a.IP
	case *net.IPNet:
		return a.IP
	case nil:
		return nil
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	return net.ParseIP(host)
}

func (h *Handler) mutationAllowed(remote net.Addr) bool {
	return h.AllowRemote || IsLocal(remote)
}
