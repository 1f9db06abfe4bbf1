package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/SWAI-Ltd/sovereign/internal/crypto"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestRegistry(ttl time.Duration) (*Registry, *clock) {
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := New(ttl)
	r.SetClock(c.now)
	return r, c
}

func ident(id string, key byte) PeerIdentity {
	return PeerIdentity{
		ID:        []byte(id),
		PublicKey: []byte{key, key, key},
		Scheme:    crypto.SchemeEd25519,
		SealKey:   []byte{key},
	}
}

func TestRegisterCreatesUnverified(t *testing.T) {
	r, _ := newTestRegistry(time.Minute)
	p := r.Register(ident("a", 1), "10.0.0.1:1")
	require.Equal(t, Unverified, p.TrustState)
	require.Equal(t, "10.0.0.1:1", p.TransportAddress)
	require.False(t, p.Pinned())
	require.Equal(t, 1, r.Len())
}

func TestReRegisterKeepsTrust(t *testing.T) {
	r, c := newTestRegistry(time.Minute)
	r.Register(ident("a", 1), "addr-1")
	_, err := r.MarkVerified(ident("a", 1))
	require.NoError(t, err)

	c.advance(10 * time.Second)
	p := r.Register(PeerIdentity{ID: []byte("a")}, "addr-2")
	require.Equal(t, Verified, p.TrustState)
	require.Equal(t, "addr-2", p.TransportAddress)
	require.Equal(t, c.t, p.LastSeenAt)
	require.Equal(t, []byte{1, 1, 1}, p.Identity.PublicKey, "identity must not change on re-register")
}

func TestMarkVerifiedPinsIdentity(t *testing.T) {
	r, _ := newTestRegistry(time.Minute)
	_, err := r.MarkVerified(ident("ghost", 1))
	require.ErrorIs(t, err, ErrUnknownPeer)

	r.Register(PeerIdentity{ID: []byte("a")}, "addr")
	p, err := r.MarkVerified(ident("a", 7))
	require.NoError(t, err)
	require.True(t, p.Pinned())
	require.Equal(t, []byte{7}, p.Identity.SealKey)

	p, err = r.MarkVerified(ident("a", 8))
	require.ErrorIs(t, err, ErrIdentityMismatch)
	require.Equal(t, Verified, p.TrustState)
	require.Equal(t, []byte{7}, p.Identity.SealKey)
}

func TestRevokeIsTerminalUntilFreshVow(t *testing.T) {
	r, _ := newTestRegistry(time.Minute)
	require.ErrorIs(t, r.Revoke([]byte("nope")), ErrUnknownPeer)

	r.Register(ident("a", 1), "addr")
	_, err := r.MarkVerified(ident("a", 1))
	require.NoError(t, err)
	require.NoError(t, r.Revoke([]byte("a")))

	p := r.Register(ident("a", 1), "addr")
	require.Equal(t, Revoked, p.TrustState, "re-register must not lift revocation")
	require.Empty(t, r.List())

	p, err = r.MarkVerified(ident("a", 1))
	require.NoError(t, err)
	require.Equal(t, Verified, p.TrustState)
	require.Len(t, r.List(), 1)
}

func TestListFiltersAndSorts(t *testing.T) {
	r, c := newTestRegistry(time.Minute)
	r.Register(ident("stale", 1), "s")
	c.advance(2 * time.Minute)
	r.Register(ident("c", 1), "c")
	r.Register(ident("a", 1), "a")
	r.Register(ident("b", 1), "b")
	r.Register(ident("revoked", 1), "r")
	require.NoError(t, r.Revoke([]byte("revoked")))

	var ids []string
	for _, p := range r.List() {
		ids = append(ids, string(p.Identity.ID))
	}
	require.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestEvictStaleExactBoundary(t *testing.T) {
	r, c := newTestRegistry(0)
	base := c.t
	r.Register(ident("old", 1), "1")
	c.advance(30 * time.Second)
	r.Register(ident("edge", 1), "2")
	c.advance(30 * time.Second)
	r.Register(ident("new", 1), "3")

	ttl := 60 * time.Second
	// now = base+90s: old (base) -> 0+60 < 90 evicted; edge (base+30s) -> 90 == 90 kept.
	evicted := r.EvictStale(base.Add(90*time.Second), ttl)
	require.Len(t, evicted, 1)
	require.Equal(t, "old", string(evicted[0].Identity.ID))

	_, ok := r.Get([]byte("edge"))
	require.True(t, ok)
	_, ok = r.Get([]byte("new"))
	require.True(t, ok)
	_, ok = r.Get([]byte("old"))
	require.False(t, ok)
}

func TestCountsAndCopies(t *testing.T) {
	r, _ := newTestRegistry(time.Minute)
	r.Register(ident("a", 1), "a")
	r.Register(ident("b", 2), "b")
	_, err := r.MarkVerified(ident("b", 2))
	require.NoError(t, err)

	counts := r.Counts()
	require.Equal(t, 1, counts[Unverified])
	require.Equal(t, 1, counts[Verified])
	require.Equal(t, 0, counts[Revoked])

	p, _ := r.Get([]byte("b"))
	p.Identity.SealKey[0] = 99
	again, _ := r.Get([]byte("b"))
	require.Equal(t, byte(2), again.Identity.SealKey[0])
}

func TestCountTracksTransitions(t *testing.T) {
	r, clk := newTestRegistry(time.Minute)
	r.Register(ident("a", 1), "a")
	r.Register(ident("b", 2), "b")
	r.Register(ident("a", 1), "a2")
	require.Equal(t, 2, r.Count(Unverified))

	_, err := r.MarkVerified(ident("a", 1))
	require.NoError(t, err)
	_, err = r.MarkVerified(ident("a", 1))
	require.NoError(t, err)
	require.Equal(t, 1, r.Count(Unverified))
	require.Equal(t, 1, r.Count(Verified))

	require.NoError(t, r.Revoke([]byte("a")))
	require.Equal(t, 0, r.Count(Verified))
	require.Equal(t, 1, r.Count(Revoked))

	clk.advance(2 * time.Minute)
	r.EvictStale(clk.now(), time.Minute)
	require.Equal(t, map[TrustState]int{Unverified: 0, Verified: 0, Revoked: 0}, r.Counts())
}
