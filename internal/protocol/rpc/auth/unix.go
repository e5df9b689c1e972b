// Package auth implements the legacy ONC RPC authentication flavors:
// AUTH_NONE, AUTH_UNIX and the server-issued AUTH_SHORT shorthand.
//
// Client strategies implement Auth and are owned by a single RPC client.
// The server side is a Verifier shared by all transports of a server.
package auth

import (
	"fmt"

	"github.com/marmos91/dittorpc/internal/protocol/rpc"
	"github.com/marmos91/dittorpc/internal/protocol/xdr"
)

const (
	// MaxMachineNameLen is the protocol limit for AUTH_UNIX machine names.
	MaxMachineNameLen = 255

	// MaxGIDs is the protocol limit for supplementary groups in AUTH_UNIX.
	MaxGIDs = 16
)

// UnixCredential is the body of an AUTH_UNIX credential.
//
// Wire format:
//
//	stamp:uint32, machinename:string<255>, uid:uint32, gid:uint32, gids:uint32<16>
type UnixCredential struct {
	Stamp       uint32
	MachineName string
	UID         uint32
	GID         uint32
	GIDs        []uint32
}

// Check enforces the protocol limits.
func (c *UnixCredential) Check() error {
	if len(c.MachineName) > MaxMachineNameLen {
		return fmt.Errorf("auth_unix: machine name length %d exceeds %d", len(c.MachineName), MaxMachineNameLen)
	}
	if len(c.GIDs) > MaxGIDs {
		return fmt.Errorf("auth_unix: %d groups exceed limit of %d", len(c.GIDs), MaxGIDs)
	}
	return nil
}

func (c UnixCredential) Encode(e *xdr.Encoder) error {
	if err := c.Check(); err != nil {
		return err
	}
	if err := e.Uint32(c.Stamp); err != nil {
		return err
	}
	// Machine names are protocol identifiers, never transcoded.
	if err := e.Opaque([]byte(c.MachineName)); err != nil {
		return err
	}
	if err := e.Uint32(c.UID); err != nil {
		return err
	}
	if err := e.Uint32(c.GID); err != nil {
		return err
	}
	if err := e.Uint32(uint32(len(c.GIDs))); err != nil {
		return err
	}
	for _, g := range c.GIDs {
		if err := e.Uint32(g); err != nil {
			return err
		}
	}
	return nil
}

func (c *UnixCredential) Decode(d *xdr.Decoder) error {
	var err error
	if c.Stamp, err = d.Uint32(); err != nil {
		return fmt.Errorf("read stamp: %w", err)
	}
	name, err := d.Opaque(MaxMachineNameLen)
	if err != nil {
		return fmt.Errorf("read machine name: %w", err)
	}
	c.MachineName = string(name)
	if c.UID, err = d.Uint32(); err != nil {
		return fmt.Errorf("read uid: %w", err)
	}
	if c.GID, err = d.Uint32(); err != nil {
		return fmt.Errorf("read gid: %w", err)
	}
	count, err := d.Uint32()
	if err != nil {
		return fmt.Errorf("read gid count: %w", err)
	}
	if count > MaxGIDs {
		return fmt.Errorf("%w: %d groups exceed limit of %d", xdr.ErrProtocolViolation, count, MaxGIDs)
	}
	c.GIDs = make([]uint32, count)
	for i := range c.GIDs {
		if c.GIDs[i], err = d.Uint32(); err != nil {
			return fmt.Errorf("read gid %d: %w", i, err)
		}
	}
	return nil
}

// ParseUnixCredential decodes an AUTH_UNIX credential body.
func ParseUnixCredential(body []byte) (*UnixCredential, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("auth_unix: empty credential")
	}
	cred := &UnixCredential{}
	if err := xdr.Unmarshal(body, cred); err != nil {
		return nil, fmt.Errorf("auth_unix: %w", err)
	}
	return cred, nil
}

// encodeBody encodes the credential and checks the auth body limit.
func (c *UnixCredential) encodeBody() ([]byte, error) {
	body, err := xdr.Marshal(*c)
	if err != nil {
		return nil, err
	}
	if len(body) > rpc.MaxAuthBytes {
		return nil, fmt.Errorf("auth_unix: credential body %d bytes exceeds %d", len(body), rpc.MaxAuthBytes)
	}
	return body, nil
}
