// Package security defines the connection's authorization seam (§6.4): a
// caller-supplied, stateless predicate over a peer credential, consulted
// exactly once per inbound SETUP_TRANSPORT and cached thereafter since its
// result is defined to be stable for a given input.
//
// Certificate issuance, CA management and token exchange are the
// application-level security policy the engine explicitly does not own
// (§1); this package only holds the predicate seam and its cache.
package security

import "sync"

// Credential identifies a peer for authorization purposes — e.g. a uid,
// as is conventional for Binder uid-style credentials (§4.4.1).
type Credential string

// Predicate decides whether credential is authorized to complete a
// connection setup.
type Predicate func(credential Credential) bool

// AllowAll authorizes every credential; useful for tests and the demo
// binary, where authentication is out of scope.
func AllowAll(Credential) bool { return true }

// CachingPolicy wraps a Predicate with a per-credential result cache,
// grounded on the one-time-evaluation requirement of §6.4 ("its result
// must be stable for its input so that the engine may cache").
type CachingPolicy struct {
	predicate Predicate

	mu    sync.RWMutex
	cache map[Credential]bool
}

// NewCachingPolicy wraps predicate with a cache. A nil predicate is
// treated as AllowAll.
func NewCachingPolicy(predicate Predicate) *CachingPolicy {
	if predicate == nil {
		predicate = AllowAll
	}
	return &CachingPolicy{
		predicate: predicate,
		cache:     make(map[Credential]bool),
	}
}

// IsAuthorized evaluates the wrapped predicate for credential, memoizing
// the result.
func (p *CachingPolicy) IsAuthorized(credential Credential) bool {
	p.mu.RLock()
	v, ok := p.cache[credential]
	p.mu.RUnlock()
	if ok {
		return v
	}

	v = p.predicate(credential)

	p.mu.Lock()
	p.cache[credential] = v
	p.mu.Unlock()
	return v
}

// Forget evicts a cached result, e.g. after the application-level policy
// revokes a credential out-of-band.
func (p *CachingPolicy) Forget(credential Credential) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.cache, credential)
}
