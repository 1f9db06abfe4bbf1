package vow

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

var (
	ErrChallengeUnknown = errors.New("vow: challenge unknown")
	ErrChallengeStale   = errors.New("vow: challenge expired")
	ErrChallengeReused  = errors.New("vow: challenge already consumed")
)

type issuedChallenge struct {
	addr string
	at   time.Time
}

// ChallengeBook tracks challenges handed out to transport addresses. Each
// challenge can be consumed once, by the address it was issued to, within ttl.
type ChallengeBook struct {
	mu       sync.Mutex
	ttl      time.Duration
	rand     io.Reader
	issued   *lru.Cache // string(challenge) -> issuedChallenge
	consumed *lru.Cache // string(challenge) -> time.Time
}

// NewChallengeBook keeps at most size outstanding and size consumed challenges.
func NewChallengeBook(size int, ttl time.Duration) (*ChallengeBook, error) {
	issued, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	consumed, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &ChallengeBook{ttl: ttl, rand: rand.Reader, issued: issued, consumed: consumed}, nil
}

// Issue returns a fresh challenge bound to addr.
func (b *ChallengeBook) Issue(addr string, now time.Time) ([]byte, error) {
	c := make([]byte, ChallengeSize)
	binary.BigEndian.PutUint64(c[:8], uint64(now.UnixNano()))
	if _, err := io.ReadFull(b.rand, c[8:]); err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.issued.Add(string(c), issuedChallenge{addr: addr, at: now})
	b.mu.Unlock()
	return c, nil
}

// Consume marks challenge as used by addr. It fails if the challenge was never
// issued to addr, has expired, or was already consumed.
func (b *ChallengeBook) Consume(challenge []byte, addr string, now time.Time) error {
	key := string(challenge)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.consumed.Contains(key) {
		return ErrChallengeReused
	}
	v, ok := b.issued.Peek(key)
	if !ok {
		return ErrChallengeUnknown
	}
	ic := v.(issuedChallenge)
	if ic.addr != addr {
		return ErrChallengeUnknown
	}
	if now.Sub(ic.at) > b.ttl {
		b.issued.Remove(key)
		return ErrChallengeStale
	}
	b.issued.Remove(key)
	b.consumed.Add(key, now)
	return nil
}

// Purge drops expired outstanding challenges and returns how many were removed.
func (b *ChallengeBook) Purge(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, k := range b.issued.Keys() {
		v, ok := b.issued.Peek(k)
		if !ok {
			continue
		}
		if now.Sub(v.(issuedChallenge).at) > b.ttl {
			b.issued.Remove(k)
			n++
		}
	}
	return n
}

// Outstanding returns the number of issued, unconsumed challenges.
func (b *ChallengeBook) Outstanding() int {
	return b.issued.Len()
}
