package auth

import (
	"bytes"
	"os"
	"sync"
	"time"

	"github.com/marmos91/dittorpc/internal/protocol/rpc"
)

// Auth is the client-side authentication strategy attached to every call.
type Auth interface {
	// Flavor reports the flavor of the full (non-shorthand) credential.
	Flavor() rpc.AuthFlavor

	// Credential returns the credential for the next call.
	Credential() (rpc.OpaqueAuth, error)

	// Verifier returns the verifier for the next call.
	Verifier() rpc.OpaqueAuth

	// Validate checks the verifier of an accepted reply. It may update
	// internal state, e.g. cache a shorthand issued by the server.
	Validate(verf rpc.OpaqueAuth) error

	// CanRefresh reports whether Refresh could turn an authentication
	// rejection into a successful retry.
	CanRefresh() bool

	// Refresh resets the credential after the server rejected it.
	Refresh()
}

// ============================================================================
// AUTH_NONE
// ============================================================================

type none struct{}

// None returns the AUTH_NONE strategy.
func None() Auth { return none{} }

func (none) Flavor() rpc.AuthFlavor              { return rpc.AuthNone }
func (none) Credential() (rpc.OpaqueAuth, error) { return rpc.NoAuth, nil }
func (none) Verifier() rpc.OpaqueAuth            { return rpc.NoAuth }
func (none) CanRefresh() bool                    { return false }
func (none) Refresh()                            {}

func (none) Validate(verf rpc.OpaqueAuth) error {
	if verf.Flavor != rpc.AuthNone || len(verf.Body) != 0 {
		return rpc.NewError(rpc.ErrCodeProtocol, "unexpected %s verifier with %d bytes", verf.Flavor, len(verf.Body))
	}
	return nil
}

// ============================================================================
// AUTH_UNIX with AUTH_SHORT caching
// ============================================================================

// Unix sends AUTH_UNIX credentials and switches to the AUTH_SHORT shorthand
// as soon as the server hands one out.
type Unix struct {
	mu        sync.Mutex
	cred      UnixCredential
	shorthand []byte
}

// NewUnix builds an AUTH_UNIX strategy. Limits are checked here so an
// oversized credential never reaches the wire.
func NewUnix(machineName string, uid, gid uint32, gids []uint32) (*Unix, error) {
	cred := UnixCredential{
		Stamp:       uint32(time.Now().Unix()),
		MachineName: machineName,
		UID:         uid,
		GID:         gid,
		GIDs:        append([]uint32(nil), gids...),
	}
	if _, err := cred.encodeBody(); err != nil {
		return nil, err
	}
	return &Unix{cred: cred}, nil
}

// NewUnixFromProcess builds an AUTH_UNIX strategy from the host name and the
// identity of the running process. Supplementary groups beyond the protocol
// limit are dropped.
func NewUnixFromProcess() (*Unix, error) {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	if len(host) > MaxMachineNameLen {
		host = host[:MaxMachineNameLen]
	}

	var gids []uint32
	if groups, err := os.Getgroups(); err == nil {
		for _, g := range groups {
			if len(gids) == MaxGIDs {
				break
			}
			gids = append(gids, uint32(g))
		}
	}
	return NewUnix(host, uint32(os.Getuid()), uint32(os.Getgid()), gids)
}

func (u *Unix) Flavor() rpc.AuthFlavor { return rpc.AuthUnix }

func (u *Unix) Credential() (rpc.OpaqueAuth, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.shorthand != nil {
		return rpc.OpaqueAuth{Flavor: rpc.AuthShort, Body: u.shorthand}, nil
	}
	body, err := u.cred.encodeBody()
	if err != nil {
		return rpc.OpaqueAuth{}, err
	}
	return rpc.OpaqueAuth{Flavor: rpc.AuthUnix, Body: body}, nil
}

func (u *Unix) Verifier() rpc.OpaqueAuth { return rpc.NoAuth }

// Validate accepts an AUTH_NONE verifier unchanged and caches the body of an
// AUTH_SHORT verifier for subsequent calls.
func (u *Unix) Validate(verf rpc.OpaqueAuth) error {
	switch verf.Flavor {
	case rpc.AuthNone:
		return nil
	case rpc.AuthShort:
		u.mu.Lock()
		if !bytes.Equal(u.shorthand, verf.Body) {
			u.shorthand = append([]byte{}, verf.Body...)
		}
		u.mu.Unlock()
		return nil
	default:
		return rpc.NewError(rpc.ErrCodeProtocol, "unexpected %s verifier", verf.Flavor)
	}
}

func (u *Unix) CanRefresh() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.shorthand != nil
}

// Refresh forgets the shorthand and bumps the stamp so the next call sends a
// fresh full credential.
func (u *Unix) Refresh() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.shorthand = nil
	u.cred.Stamp++
}

// Shorthand returns a copy of the cached AUTH_SHORT blob, or nil.
func (u *Unix) Shorthand() []byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.shorthand == nil {
		return nil
	}
	return append([]byte{}, u.shorthand...)
}

// Stamp returns the current credential stamp.
func (u *Unix) Stamp() uint32 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.cred.Stamp
}
