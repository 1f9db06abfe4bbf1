package relay_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SWAI-Ltd/sovereign/internal/crypto"
	"github.com/SWAI-Ltd/sovereign/internal/envelope"
	"github.com/SWAI-Ltd/sovereign/internal/proto"
	"github.com/SWAI-Ltd/sovereign/internal/registry"
	"github.com/SWAI-Ltd/sovereign/internal/relay"
	"github.com/SWAI-Ltd/sovereign/internal/sink"
	"github.com/SWAI-Ltd/sovereign/internal/telemetry"
	"github.com/SWAI-Ltd/sovereign/internal/vow"
)

type sent struct {
	to    string
	frame *proto.Frame
}

type recorder struct {
	mu   sync.Mutex
	sent []sent
	fail map[string]bool
}

func (r *recorder) Send(to string, b []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail[to] {
		return errors.New("connection reset")
	}
	f, err := proto.Unmarshal(b)
	if err != nil {
		return err
	}
	r.sent = append(r.sent, sent{to: to, frame: f})
	return nil
}

func (r *recorder) take() []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.sent
	r.sent = nil
	return out
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type peer struct {
	id     []byte
	addr   string
	signer crypto.Signer
	keys   *crypto.KeyPair
}

func newPeer(t *testing.T, id, addr string) *peer {
	t.Helper()
	s, err := crypto.GenerateEd25519Signer()
	require.NoError(t, err)
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return &peer{id: []byte(id), addr: addr, signer: s, keys: kp}
}

type harness struct {
	t     *testing.T
	eng   *relay.Engine
	tr    *recorder
	bus   *sink.Bus
	reg   *registry.Registry
	clk   *clock
	keys  *crypto.KeyPair
	codec *envelope.Codec
}

func newHarness(t *testing.T, mut func(*relay.Config)) *harness {
	t.Helper()
	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	reg := registry.New(time.Minute)
	reg.SetClock(clk.now)
	h := &harness{t: t, tr: &recorder{}, bus: sink.NewBus(), reg: reg, clk: clk, keys: keys, codec: envelope.NewCodec()}
	cfg := relay.Config{ID: []byte("relay"), Keys: keys, PeerTTL: time.Minute, MaintenanceInterval: -1}
	if mut != nil {
		mut(&cfg)
	}
	h.eng, err = relay.New(cfg, relay.Deps{Registry: reg, Sink: h.bus, Transport: h.tr, Clock: clk.now})
	require.NoError(t, err)
	t.Cleanup(h.bus.Close)
	return h
}

func (h *harness) send(from string, f *proto.Frame) error {
	b, err := proto.Marshal(f)
	require.NoError(h.t, err)
	return h.eng.Handle(context.Background(), relay.Inbound{From: from, Data: b})
}

func (h *harness) challenge(p *peer) []byte {
	h.t.Helper()
	require.NoError(h.t, h.send(p.addr, &proto.Frame{Type: proto.FrameTypeHello, Hello: &proto.HelloFrame{PeerID: p.id}}))
	out := h.tr.take()
	require.Len(h.t, out, 1)
	require.Equal(h.t, p.addr, out[0].to)
	require.Equal(h.t, proto.FrameTypeChallenge, out[0].frame.Type)
	require.Equal(h.t, h.keys.Public[:], out[0].frame.Challenge.SealKey)
	return out[0].frame.Challenge.Challenge
}

func (h *harness) vowFor(p *peer, challenge []byte) *vow.Vow {
	v := &vow.Vow{ClaimedID: p.id, SealKey: p.keys.Public[:], Challenge: challenge}
	require.NoError(h.t, vow.Sign(p.signer, v))
	return v
}

func (h *harness) handshake(p *peer) *vow.Vow {
	h.t.Helper()
	v := h.vowFor(p, h.challenge(p))
	require.NoError(h.t, h.send(p.addr, &proto.Frame{Type: proto.FrameTypeVow, Vow: v}))
	out := h.tr.take()
	require.Len(h.t, out, 1)
	require.Equal(h.t, proto.FrameTypeAck, out[0].frame.Type)
	require.True(h.t, out[0].frame.Ack.OK)
	return v
}

func (h *harness) seal(p *peer, topic, payload string) *envelope.Envelope {
	env, err := h.codec.Seal(p.id, envelope.Message{Topic: topic, Payload: []byte(payload)}, h.keys.Public)
	require.NoError(h.t, err)
	return env
}

func (h *harness) sendEnvelope(p *peer, env *envelope.Envelope) error {
	return h.send(p.addr, &proto.Frame{Type: proto.FrameTypeEnvelope, Envelope: &proto.EnvelopeFrame{Envelope: env}})
}

func trust(t *testing.T, reg *registry.Registry, p *peer) registry.TrustState {
	got, ok := reg.Get(p.id)
	require.True(t, ok)
	return got.TrustState
}

func TestBroadcastReachesEveryOtherVerifiedPeer(t *testing.T) {
	h := newHarness(t, nil)
	a, b, c := newPeer(t, "alice", "10.0.0.1:4000"), newPeer(t, "bob", "10.0.0.2:4000"), newPeer(t, "carol", "10.0.0.3:4000")
	for _, p := range []*peer{a, b, c} {
		h.handshake(p)
	}
	sub := h.bus.Subscribe(sink.AllTopics, 4)

	require.NoError(t, h.sendEnvelope(a, h.seal(a, "chat", "hello mesh")))

	out := h.tr.take()
	require.Len(t, out, 2)
	assert.Equal(t, b.addr, out[0].to)
	assert.Equal(t, c.addr, out[1].to)
	for i, p := range []*peer{b, c} {
		env := out[i].frame.Envelope.Envelope
		assert.Equal(t, a.id, env.SenderID)
		msg, err := h.codec.Open(env, p.keys)
		require.NoError(t, err)
		assert.Equal(t, "chat", msg.Topic)
		assert.Equal(t, []byte("hello mesh"), msg.Payload)
	}
	assert.NotEqual(t, out[0].frame.Envelope.Envelope.EncapsulatedKey, out[1].frame.Envelope.Envelope.EncapsulatedKey)

	select {
	case d := <-sub.C():
		assert.Equal(t, "chat", d.Topic)
		assert.Equal(t, []byte("hello mesh"), d.Payload)
	default:
		t.Fatal("nothing published")
	}
	assert.Empty(t, sub.C())
}

func TestSendFailureDoesNotStopBroadcast(t *testing.T) {
	h := newHarness(t, nil)
	a, b, c := newPeer(t, "alice", "a:1"), newPeer(t, "bob", "b:1"), newPeer(t, "carol", "c:1")
	for _, p := range []*peer{a, b, c} {
		h.handshake(p)
	}
	h.tr.fail = map[string]bool{b.addr: true}
	before := testutil.ToFloat64(telemetry.SendFailures)

	require.NoError(t, h.sendEnvelope(a, h.seal(a, "t", "x")))
	out := h.tr.take()
	require.Len(t, out, 1)
	assert.Equal(t, c.addr, out[0].to)
	assert.Equal(t, before+1, testutil.ToFloat64(telemetry.SendFailures))
}

func TestChallengeReplayRejected(t *testing.T) {
	h := newHarness(t, nil)
	a := newPeer(t, "alice", "10.0.0.1:4000")
	v := h.handshake(a)

	err := h.send(a.addr, &proto.Frame{Type: proto.FrameTypeVow, Vow: v})
	require.True(t, relay.IsKind(err, relay.KindVerification), "got %v", err)
	require.ErrorIs(t, err, vow.ErrChallengeReused)

	out := h.tr.take()
	require.Len(t, out, 1)
	assert.Equal(t, proto.CodeVowRejected, out[0].frame.Error.Code)
	assert.Equal(t, registry.Verified, trust(t, h.reg, a))
}

func TestBadSignatureLeavesPeerUnverified(t *testing.T) {
	h := newHarness(t, nil)
	a := newPeer(t, "alice", "a:1")
	v := h.vowFor(a, h.challenge(a))
	v.Signature[0] ^= 0xff

	err := h.send(a.addr, &proto.Frame{Type: proto.FrameTypeVow, Vow: v})
	require.True(t, relay.IsKind(err, relay.KindVerification))
	assert.Equal(t, registry.Unverified, trust(t, h.reg, a))
}

func TestChallengeBoundToAddress(t *testing.T) {
	h := newHarness(t, nil)
	a := newPeer(t, "alice", "a:1")
	v := h.vowFor(a, h.challenge(a))

	err := h.send("elsewhere:1", &proto.Frame{Type: proto.FrameTypeVow, Vow: v})
	require.True(t, relay.IsKind(err, relay.KindVerification))
	require.ErrorIs(t, err, vow.ErrChallengeUnknown)
}

func TestStaleChallengeRejected(t *testing.T) {
	h := newHarness(t, func(c *relay.Config) { c.ChallengeTTL = time.Second })
	a := newPeer(t, "alice", "a:1")
	v := h.vowFor(a, h.challenge(a))
	h.clk.advance(2 * time.Second)

	err := h.send(a.addr, &proto.Frame{Type: proto.FrameTypeVow, Vow: v})
	require.ErrorIs(t, err, vow.ErrChallengeStale)
}

func TestUnverifiedEnvelopeDropped(t *testing.T) {
	h := newHarness(t, nil)
	a, b := newPeer(t, "alice", "a:1"), newPeer(t, "bob", "b:1")
	h.handshake(b)
	h.challenge(a)
	sub := h.bus.Subscribe(sink.AllTopics, 1)

	err := h.sendEnvelope(a, h.seal(a, "t", "x"))
	require.True(t, relay.IsKind(err, relay.KindUntrusted), "got %v", err)
	out := h.tr.take()
	require.Len(t, out, 1)
	assert.Equal(t, a.addr, out[0].to)
	require.Equal(t, proto.FrameTypeError, out[0].frame.Type)
	assert.Equal(t, proto.CodeUntrusted, out[0].frame.Error.Code)
	assert.Empty(t, sub.C())
	assert.Equal(t, registry.Unverified, trust(t, h.reg, a))
}

func TestUndecryptableEnvelopeFromUnknownPeer(t *testing.T) {
	h := newHarness(t, nil)
	stranger := newPeer(t, "bob", "b:1")
	other, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	env, err := h.codec.Seal(stranger.id, envelope.Message{Topic: "t", Payload: []byte("x")}, other.Public)
	require.NoError(t, err)

	err = h.sendEnvelope(stranger, env)
	require.True(t, relay.IsKind(err, relay.KindUntrusted), "got %v", err)
	assert.Equal(t, registry.Unverified, trust(t, h.reg, stranger))
}

func TestPiggybackedVowVerifiesSender(t *testing.T) {
	h := newHarness(t, nil)
	a, b := newPeer(t, "alice", "a:1"), newPeer(t, "bob", "b:1")
	h.handshake(b)
	v := h.vowFor(a, h.challenge(a))

	err := h.send(a.addr, &proto.Frame{Type: proto.FrameTypeEnvelope, Envelope: &proto.EnvelopeFrame{
		Envelope: h.seal(a, "t", "first"),
		Vow:      v,
	}})
	require.NoError(t, err)
	assert.Equal(t, registry.Verified, trust(t, h.reg, a))

	out := h.tr.take()
	require.Len(t, out, 2)
	assert.Equal(t, proto.FrameTypeAck, out[0].frame.Type)
	assert.Equal(t, b.addr, out[1].to)
}

func TestPiggybackedVowMustMatchSender(t *testing.T) {
	h := newHarness(t, nil)
	a, m := newPeer(t, "alice", "a:1"), newPeer(t, "mallory", "a:1")
	v := h.vowFor(m, h.challenge(m))

	err := h.send(a.addr, &proto.Frame{Type: proto.FrameTypeEnvelope, Envelope: &proto.EnvelopeFrame{
		Envelope: h.seal(a, "t", "x"),
		Vow:      v,
	}})
	require.True(t, relay.IsKind(err, relay.KindVerification))
	assert.Equal(t, registry.Unverified, trust(t, h.reg, a))
	assert.Equal(t, registry.Unverified, trust(t, h.reg, m))
}

func TestTamperedEnvelopeDropped(t *testing.T) {
	h := newHarness(t, nil)
	a, b := newPeer(t, "alice", "a:1"), newPeer(t, "bob", "b:1")
	h.handshake(a)
	h.handshake(b)
	sub := h.bus.Subscribe(sink.AllTopics, 1)
	before := testutil.ToFloat64(telemetry.FramesDropped.WithLabelValues(string(relay.KindDecrypt)))

	env := h.seal(a, "t", "payload")
	env.Ciphertext[0] ^= 1
	err := h.sendEnvelope(a, env)
	require.True(t, relay.IsKind(err, relay.KindDecrypt), "got %v", err)
	require.ErrorIs(t, err, envelope.ErrDecrypt)

	assert.Empty(t, h.tr.take())
	assert.Empty(t, sub.C())
	assert.Equal(t, before+1, testutil.ToFloat64(telemetry.FramesDropped.WithLabelValues(string(relay.KindDecrypt))))
}

func TestReplayedEnvelopeDropped(t *testing.T) {
	h := newHarness(t, nil)
	a, b := newPeer(t, "alice", "a:1"), newPeer(t, "bob", "b:1")
	h.handshake(a)
	h.handshake(b)

	env := h.seal(a, "t", "once")
	require.NoError(t, h.sendEnvelope(a, env))
	require.Len(t, h.tr.take(), 1)

	err := h.sendEnvelope(a, env)
	require.True(t, relay.IsKind(err, relay.KindReplay), "got %v", err)
	assert.Empty(t, h.tr.take())
}

func TestSpoofedAddressDropped(t *testing.T) {
	h := newHarness(t, nil)
	a, b := newPeer(t, "alice", "a:1"), newPeer(t, "bob", "b:1")
	h.handshake(a)
	h.handshake(b)

	err := h.send("mallory:1", &proto.Frame{Type: proto.FrameTypeEnvelope, Envelope: &proto.EnvelopeFrame{Envelope: h.seal(a, "t", "x")}})
	require.True(t, relay.IsKind(err, relay.KindVerification), "got %v", err)
	got, _ := h.reg.Get(a.id)
	assert.Equal(t, a.addr, got.TransportAddress)
	assert.Empty(t, h.tr.take())
}

func TestVerifiedPeerMovesOnlyWithFreshVow(t *testing.T) {
	h := newHarness(t, nil)
	a, b := newPeer(t, "alice", "a:1"), newPeer(t, "bob", "b:1")
	h.handshake(a)
	h.handshake(b)

	a.addr = "a:2"
	h.handshake(a)
	got, _ := h.reg.Get(a.id)
	assert.Equal(t, "a:2", got.TransportAddress)
	require.NoError(t, h.sendEnvelope(a, h.seal(a, "t", "moved")))
}

func TestPiggybackedVowRebindsMovedPeer(t *testing.T) {
	h := newHarness(t, nil)
	a, b := newPeer(t, "alice", "a:1"), newPeer(t, "bob", "b:1")
	h.handshake(a)
	h.handshake(b)

	a.addr = "a:2"
	v := h.vowFor(a, h.challenge(a))
	err := h.send(a.addr, &proto.Frame{Type: proto.FrameTypeEnvelope, Envelope: &proto.EnvelopeFrame{
		Envelope: h.seal(a, "t", "from a:2"),
		Vow:      v,
	}})
	require.NoError(t, err)
	got, _ := h.reg.Get(a.id)
	assert.Equal(t, "a:2", got.TransportAddress)

	out := h.tr.take()
	require.Len(t, out, 2)
	assert.Equal(t, proto.FrameTypeAck, out[0].frame.Type)
	assert.Equal(t, b.addr, out[1].to)
}

func TestIdentityMismatchKeepsPinnedIdentity(t *testing.T) {
	h := newHarness(t, nil)
	a := newPeer(t, "alice", "a:1")
	h.handshake(a)
	pinned, _ := h.reg.Get(a.id)

	impostor := newPeer(t, "alice", "a:1")
	v := h.vowFor(impostor, h.challenge(impostor))
	err := h.send(a.addr, &proto.Frame{Type: proto.FrameTypeVow, Vow: v})
	require.ErrorIs(t, err, registry.ErrIdentityMismatch)

	got, _ := h.reg.Get(a.id)
	assert.Equal(t, pinned.Identity, got.Identity)
	assert.Equal(t, registry.Verified, got.TrustState)
}

func TestRevokedPeerNeedsFreshVow(t *testing.T) {
	h := newHarness(t, nil)
	a, b := newPeer(t, "alice", "a:1"), newPeer(t, "bob", "b:1")
	h.handshake(a)
	h.handshake(b)
	require.NoError(t, h.reg.Revoke(a.id))

	err := h.sendEnvelope(a, h.seal(a, "t", "x"))
	require.True(t, relay.IsKind(err, relay.KindUntrusted))
	out := h.tr.take()
	require.Len(t, out, 1)
	assert.Equal(t, proto.CodeUntrusted, out[0].frame.Error.Code)

	h.handshake(a)
	require.NoError(t, h.sendEnvelope(a, h.seal(a, "t", "y")))
	require.Len(t, h.tr.take(), 1)
}

func TestRevokedPeerGetsNoBroadcast(t *testing.T) {
	h := newHarness(t, nil)
	a, b := newPeer(t, "alice", "a:1"), newPeer(t, "bob", "b:1")
	h.handshake(a)
	h.handshake(b)
	require.NoError(t, h.reg.Revoke(b.id))

	require.NoError(t, h.sendEnvelope(a, h.seal(a, "t", "x")))
	assert.Empty(t, h.tr.take())
}

func TestRelayIDIsReserved(t *testing.T) {
	h := newHarness(t, nil)
	err := h.send("x:1", &proto.Frame{Type: proto.FrameTypeHello, Hello: &proto.HelloFrame{PeerID: []byte("relay")}})
	require.True(t, relay.IsKind(err, relay.KindVerification))
	_, ok := h.reg.Get([]byte("relay"))
	assert.False(t, ok)
}

func TestMalformedFramesDropped(t *testing.T) {
	h := newHarness(t, nil)
	cases := map[string][]byte{
		"garbage":    []byte("\x00\x01not json"),
		"empty":      {},
		"wrong body": []byte(`{"t":1,"v":{}}`),
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			err := h.eng.Handle(context.Background(), relay.Inbound{From: "x:1", Data: data})
			require.True(t, relay.IsKind(err, relay.KindMalformed), "got %v", err)
			out := h.tr.take()
			require.Len(t, out, 1)
			assert.Equal(t, "x:1", out[0].to)
			assert.Equal(t, proto.CodeMalformed, out[0].frame.Error.Code)
		})
	}

	err := h.send("x:1", &proto.Frame{Type: proto.FrameTypeAck, Ack: &proto.AckFrame{OK: true}})
	require.True(t, relay.IsKind(err, relay.KindMalformed))
	require.Len(t, h.tr.take(), 1)

	// Error frames are never answered.
	err = h.send("x:1", &proto.Frame{Type: proto.FrameTypeError, Error: &proto.ErrorFrame{Code: proto.CodeMalformed}})
	require.True(t, relay.IsKind(err, relay.KindMalformed))
	assert.Empty(t, h.tr.take())
	assert.Zero(t, h.reg.Len())
}

func TestMaintainEvictsStalePeers(t *testing.T) {
	h := newHarness(t, nil)
	a, b := newPeer(t, "alice", "a:1"), newPeer(t, "bob", "b:1")
	h.handshake(a)
	h.handshake(b)

	h.clk.advance(45 * time.Second)
	require.NoError(t, h.send(b.addr, &proto.Frame{Type: proto.FrameTypeHello, Hello: &proto.HelloFrame{PeerID: b.id}}))
	h.tr.take()

	h.clk.advance(30 * time.Second)
	h.eng.Maintain(h.clk.now())

	_, ok := h.reg.Get(a.id)
	assert.False(t, ok)
	assert.Equal(t, registry.Verified, trust(t, h.reg, b))
}

func TestRenewedVowKeepsListenerInBroadcast(t *testing.T) {
	h := newHarness(t, nil)
	a, b := newPeer(t, "alice", "a:1"), newPeer(t, "bob", "b:1")
	h.handshake(a)
	h.handshake(b)

	// b only listens; its periodic hello and vow are all the relay sees.
	for i := 0; i < 4; i++ {
		h.clk.advance(40 * time.Second)
		h.handshake(b)
		h.eng.Maintain(h.clk.now())
	}
	assert.Equal(t, registry.Verified, trust(t, h.reg, b))

	h.clk.advance(time.Second)
	h.handshake(a)
	require.NoError(t, h.sendEnvelope(a, h.seal(a, "t", "still there")))
	out := h.tr.take()
	require.Len(t, out, 1)
	assert.Equal(t, b.addr, out[0].to)
}

func TestEvictedPeerIsToldToRevow(t *testing.T) {
	h := newHarness(t, nil)
	a, b := newPeer(t, "alice", "a:1"), newPeer(t, "bob", "b:1")
	h.handshake(a)
	h.handshake(b)
	h.clk.advance(2 * time.Minute)
	h.handshake(b)
	h.eng.Maintain(h.clk.now())
	_, ok := h.reg.Get(a.id)
	require.False(t, ok)

	err := h.sendEnvelope(a, h.seal(a, "t", "lost"))
	require.True(t, relay.IsKind(err, relay.KindUntrusted), "got %v", err)
	out := h.tr.take()
	require.Len(t, out, 1)
	assert.Equal(t, proto.CodeUntrusted, out[0].frame.Error.Code)

	h.handshake(a)
	require.NoError(t, h.sendEnvelope(a, h.seal(a, "t", "back")))
	out = h.tr.take()
	require.Len(t, out, 1)
	assert.Equal(t, b.addr, out[0].to)
}

func TestUnverifiedEntriesCapped(t *testing.T) {
	h := newHarness(t, func(c *relay.Config) { c.MaxUnverified = 2 })
	for _, id := range []string{"x1", "x2", "x3", "x4"} {
		p := newPeer(t, id, id+":1")
		err := h.sendEnvelope(p, h.seal(p, "t", "junk"))
		require.True(t, relay.IsKind(err, relay.KindUntrusted), "got %v", err)
	}
	assert.Equal(t, 2, h.reg.Count(registry.Unverified))
	h.tr.take()

	a := newPeer(t, "alice", "a:1")
	h.handshake(a)
	assert.Equal(t, registry.Verified, trust(t, h.reg, a))
}

func TestRateLimitPerAddress(t *testing.T) {
	h := newHarness(t, func(c *relay.Config) {
		c.RateLimit = 0.001
		c.RateBurst = 1
	})
	hello := &proto.Frame{Type: proto.FrameTypeHello, Hello: &proto.HelloFrame{PeerID: []byte("a")}}
	require.NoError(t, h.send("a:1", hello))
	err := h.send("a:1", hello)
	require.True(t, relay.IsKind(err, relay.KindRateLimited))
	require.NoError(t, h.send("b:1", hello))
}

func TestNewRequiresKeys(t *testing.T) {
	_, err := relay.New(relay.Config{ID: []byte("relay")}, relay.Deps{Sink: sink.NewBus(), Transport: &recorder{}})
	require.ErrorIs(t, err, relay.ErrMissingKeys)

	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	_, err = relay.New(relay.Config{Keys: kp}, relay.Deps{Sink: sink.NewBus(), Transport: &recorder{}})
	require.ErrorIs(t, err, relay.ErrMissingKeys)
}

func TestRunAppliesInArrivalOrder(t *testing.T) {
	h := newHarness(t, func(c *relay.Config) { c.Workers = 8 })
	a, b := newPeer(t, "alice", "a:1"), newPeer(t, "bob", "b:1")
	h.handshake(a)
	h.handshake(b)

	const n = 64
	sub := h.bus.Subscribe("seq", n)
	in := make(chan relay.Inbound, n)
	for i := 0; i < n; i++ {
		data, err := proto.Marshal(&proto.Frame{Type: proto.FrameTypeEnvelope, Envelope: &proto.EnvelopeFrame{
			Envelope: h.seal(a, "seq", string(rune('A'+i))),
		}})
		require.NoError(t, err)
		in <- relay.Inbound{From: a.addr, Data: data}
	}
	close(in)

	require.NoError(t, h.eng.Run(context.Background(), in))

	for i := 0; i < n; i++ {
		d := <-sub.C()
		require.Equal(t, string(rune('A'+i)), string(d.Payload))
	}
	out := h.tr.take()
	require.Len(t, out, n)
	for i, s := range out {
		msg, err := h.codec.Open(s.frame.Envelope.Envelope, b.keys)
		require.NoError(t, err)
		require.Equal(t, string(rune('A'+i)), string(msg.Payload))
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, func(c *relay.Config) { c.MaintenanceInterval = 10 * time.Millisecond })
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.eng.Run(ctx, make(chan relay.Inbound)) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
