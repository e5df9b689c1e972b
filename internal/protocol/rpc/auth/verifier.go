package auth

import (
	"fmt"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"

	"github.com/marmos91/dittorpc/internal/protocol/rpc"
)

// DefaultShorthandCacheSize bounds the number of live AUTH_SHORT tokens.
const DefaultShorthandCacheSize = 1024

// Identity is the caller identity established for one call.
type Identity struct {
	// Flavor is the credential flavor presented on the wire.
	Flavor rpc.AuthFlavor

	// Unix holds the caller's Unix credential for AUTH_UNIX and resolved
	// AUTH_SHORT calls, nil otherwise.
	Unix *UnixCredential
}

// VerifierConfig configures server-side credential checking.
type VerifierConfig struct {
	// IssueShorthand makes the server answer AUTH_UNIX calls with an
	// AUTH_SHORT verifier carrying a fresh token.
	IssueShorthand bool

	// ShorthandCacheSize bounds the token cache. Zero applies the default.
	ShorthandCacheSize int

	// AcceptedFlavors restricts the flavors the server accepts. Empty means
	// AUTH_NONE, AUTH_UNIX and AUTH_SHORT. Others are refused with
	// AUTH_TOOWEAK.
	AcceptedFlavors []rpc.AuthFlavor
}

// Verifier authenticates incoming calls. It is safe for concurrent use.
type Verifier struct {
	issue      bool
	accepted   map[rpc.AuthFlavor]bool
	shorthands *lru.Cache
}

// NewVerifier creates a Verifier.
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	size := cfg.ShorthandCacheSize
	if size <= 0 {
		size = DefaultShorthandCacheSize
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("create shorthand cache: %w", err)
	}

	v := &Verifier{issue: cfg.IssueShorthand, shorthands: cache}
	if len(cfg.AcceptedFlavors) > 0 {
		v.accepted = make(map[rpc.AuthFlavor]bool, len(cfg.AcceptedFlavors))
		for _, f := range cfg.AcceptedFlavors {
			v.accepted[f] = true
		}
	}
	return v, nil
}

// Verify checks a call's credential and verifier. It returns the caller
// identity and the verifier to place in the reply, or a non-OK status to
// deny the call with AUTH_ERROR.
func (v *Verifier) Verify(cred, verf rpc.OpaqueAuth) (Identity, rpc.OpaqueAuth, rpc.AuthStat) {
	if v.accepted != nil && !v.accepted[cred.Flavor] {
		return Identity{}, rpc.OpaqueAuth{}, rpc.AuthTooWeak
	}

	switch cred.Flavor {
	case rpc.AuthNone:
		return Identity{Flavor: rpc.AuthNone}, rpc.NoAuth, rpc.AuthOK

	case rpc.AuthUnix:
		if verf.Flavor != rpc.AuthNone {
			return Identity{}, rpc.OpaqueAuth{}, rpc.AuthBadVerf
		}
		unix, err := ParseUnixCredential(cred.Body)
		if err != nil {
			return Identity{}, rpc.OpaqueAuth{}, rpc.AuthBadCred
		}
		id := Identity{Flavor: rpc.AuthUnix, Unix: unix}
		if !v.issue {
			return id, rpc.NoAuth, rpc.AuthOK
		}
		token := uuid.New()
		v.shorthands.Add(string(token[:]), unix)
		return id, rpc.OpaqueAuth{Flavor: rpc.AuthShort, Body: token[:]}, rpc.AuthOK

	case rpc.AuthShort:
		cached, ok := v.shorthands.Get(string(cred.Body))
		if !ok {
			return Identity{}, rpc.OpaqueAuth{}, rpc.AuthRejectedCred
		}
		return Identity{Flavor: rpc.AuthShort, Unix: cached.(*UnixCredential)}, rpc.NoAuth, rpc.AuthOK

	default:
		return Identity{}, rpc.OpaqueAuth{}, rpc.AuthRejectedCred
	}
}

// Purge invalidates every issued shorthand. Clients holding one get
// AUTH_REJECTEDCRED on their next call and fall back to full credentials.
func (v *Verifier) Purge() {
	v.shorthands.Purge()
}

// Shorthands returns the number of live shorthand tokens.
func (v *Verifier) Shorthands() int {
	return v.shorthands.Len()
}
