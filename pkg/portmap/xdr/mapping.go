// Package xdr provides the portmapper wire payloads.
//
// A mapping is four fixed-size uint32 fields, so it is coded reflectively.
// The DUMP result is an XDR optional-data list: every entry is preceded by
// a uint32(1) discriminant and the list ends with uint32(0).
package xdr

import (
	"fmt"

	"github.com/marmos91/dittorpc/internal/protocol/rpc"
	"github.com/marmos91/dittorpc/internal/protocol/xdr"
)

// MaxDumpEntries bounds a decoded DUMP list.
const MaxDumpEntries = 1 << 14

// Mapping is one registry entry.
//
// Wire format:
//
//	prog: uint32 - RPC program number
//	vers: uint32 - RPC program version
//	prot: uint32 - Protocol (6=TCP, 17=UDP)
//	port: uint32 - Port number
type Mapping struct {
	Prog uint32
	Vers uint32
	Prot uint32
	Port uint32
}

func (m Mapping) Encode(e *xdr.Encoder) error {
	return e.Reflect(m)
}

func (m *Mapping) Decode(d *xdr.Decoder) error {
	return d.Reflect(m)
}

func (m Mapping) String() string {
	return fmt.Sprintf("%d/%d/%s:%d", m.Prog, m.Vers, rpc.ProtocolName(m.Prot), m.Port)
}

// DumpList is the DUMP result.
type DumpList []Mapping

func (l DumpList) Encode(e *xdr.Encoder) error {
	return xdr.EncodeChain(e, []Mapping(l))
}

func (l *DumpList) Decode(d *xdr.Decoder) error {
	items, err := xdr.DecodeChain[Mapping](d, MaxDumpEntries)
	if err != nil {
		return err
	}
	*l = items
	return nil
}
