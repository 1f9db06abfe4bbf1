// Package registry tracks the peers a relay knows about and how far it trusts
// them. It is held entirely in memory and rebuilt from fresh vows on restart.
package registry

import (
	"bytes"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/SWAI-Ltd/sovereign/internal/crypto"
)

var (
	ErrUnknownPeer      = errors.New("registry: unknown peer")
	ErrIdentityMismatch = errors.New("registry: identity does not match pinned identity")
)

type TrustState uint8

const (
	Unverified TrustState = iota
	Verified
	Revoked
)

func (s TrustState) String() string {
	switch s {
	case Unverified:
		return "unverified"
	case Verified:
		return "verified"
	case Revoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// PeerIdentity is what a verified vow binds a peer id to.
type PeerIdentity struct {
	ID        []byte
	PublicKey []byte
	Scheme    crypto.Scheme
	SealKey   []byte
}

// Equal compares key material.
func (p PeerIdentity) Equal(o PeerIdentity) bool {
	return bytes.Equal(p.ID, o.ID) &&
		bytes.Equal(p.PublicKey, o.PublicKey) &&
		p.Scheme == o.Scheme &&
		bytes.Equal(p.SealKey, o.SealKey)
}

// Peer is a registry entry. Values returned by the registry are copies.
type Peer struct {
	Identity         PeerIdentity
	TransportAddress string
	LastSeenAt       time.Time
	TrustState       TrustState
	pinned           bool
}

// Pinned reports whether the identity was fixed by a verified vow.
func (p Peer) Pinned() bool { return p.pinned }

// Registry is safe for concurrent use: many readers, one writer at a time.
type Registry struct {
	mu     sync.RWMutex
	peers  map[string]*Peer
	counts map[TrustState]int
	ttl    time.Duration
	now    func() time.Time
}

// New creates a registry whose List hides peers idle for longer than ttl.
// A zero ttl disables expiry.
func New(ttl time.Duration) *Registry {
	return &Registry{peers: make(map[string]*Peer), counts: make(map[TrustState]int), ttl: ttl, now: time.Now}
}

// SetClock replaces the registry's time source.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

// Register creates an Unverified entry for identity, or refreshes LastSeenAt
// and TransportAddress of an existing one. Trust state and identity of an
// existing entry are left alone.
func (r *Registry) Register(identity PeerIdentity, addr string) Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	key := string(identity.ID)
	if p, ok := r.peers[key]; ok {
		p.LastSeenAt = now
		p.TransportAddress = addr
		return p.copy()
	}
	p := &Peer{
		Identity:         identity.clone(),
		TransportAddress: addr,
		LastSeenAt:       now,
		TrustState:       Unverified,
	}
	r.peers[key] = p
	r.counts[Unverified]++
	return p.copy()
}

// MarkVerified moves the peer to Verified and pins identity on first
// verification. A later vow must present the same key material.
func (r *Registry) MarkVerified(identity PeerIdentity) (Peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[string(identity.ID)]
	if !ok {
		return Peer{}, ErrUnknownPeer
	}
	if p.pinned && !p.Identity.Equal(identity) {
		return p.copy(), ErrIdentityMismatch
	}
	if !p.pinned {
		p.Identity = identity.clone()
		p.pinned = true
	}
	r.setState(p, Verified)
	p.LastSeenAt = r.now()
	return p.copy(), nil
}

// Revoke marks the peer Revoked. Only a fresh verified vow restores it.
func (r *Registry) Revoke(id []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[string(id)]
	if !ok {
		return ErrUnknownPeer
	}
	r.setState(p, Revoked)
	return nil
}

// Get returns a copy of the entry for id.
func (r *Registry) Get(id []byte) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[string(id)]
	if !ok {
		return Peer{}, false
	}
	return p.copy(), true
}

// List returns a snapshot sorted by id, without Revoked or expired entries.
func (r *Registry) List() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := r.now()
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		if p.TrustState == Revoked || r.expired(p, now, r.ttl) {
			continue
		}
		out = append(out, p.copy())
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Identity.ID, out[j].Identity.ID) < 0
	})
	return out
}

// EvictStale removes every peer with LastSeenAt + ttl < now and returns them.
func (r *Registry) EvictStale(now time.Time, ttl time.Duration) []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	var evicted []Peer
	for k, p := range r.peers {
		if r.expired(p, now, ttl) {
			evicted = append(evicted, p.copy())
			delete(r.peers, k)
			r.counts[p.TrustState]--
		}
	}
	return evicted
}

// Counts returns the number of entries per trust state.
func (r *Registry) Counts() map[TrustState]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[TrustState]int{
		Unverified: r.counts[Unverified],
		Verified:   r.counts[Verified],
		Revoked:    r.counts[Revoked],
	}
}

// Count returns the number of entries in state, expired ones included.
func (r *Registry) Count(state TrustState) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counts[state]
}

// Len returns the number of entries, expired ones included.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

func (r *Registry) setState(p *Peer, s TrustState) {
	r.counts[p.TrustState]--
	r.counts[s]++
	p.TrustState = s
}

func (r *Registry) expired(p *Peer, now time.Time, ttl time.Duration) bool {
	return ttl > 0 && p.LastSeenAt.Add(ttl).Before(now)
}

func (p *Peer) copy() Peer {
	c := *p
	c.Identity = p.Identity.clone()
	return c
}

func (p PeerIdentity) clone() PeerIdentity {
	return PeerIdentity{
		ID:        append([]byte(nil), p.ID...),
		PublicKey: append([]byte(nil), p.PublicKey...),
		Scheme:    p.Scheme,
		SealKey:   append([]byte(nil), p.SealKey...),
	}
}
