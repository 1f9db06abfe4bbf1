// Package relay is the relay core: it authenticates peers, opens the
// envelopes they send, publishes the plaintext locally and re-seals it once
// per verified destination peer.
//
// Registry transitions, publishing and outbound emission happen on a single
// goroutine in frame arrival order. Decoding, signature checks and envelope
// opening are offloaded to a bounded set of goroutines; see Run.
package relay

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/errgroup"

	"github.com/SWAI-Ltd/sovereign/internal/crypto"
	"github.com/SWAI-Ltd/sovereign/internal/envelope"
	"github.com/SWAI-Ltd/sovereign/internal/proto"
	"github.com/SWAI-Ltd/sovereign/internal/registry"
	"github.com/SWAI-Ltd/sovereign/internal/sink"
	"github.com/SWAI-Ltd/sovereign/internal/telemetry"
	"github.com/SWAI-Ltd/sovereign/internal/vow"
)

// Inbound is a frame as delivered by the transport layer.
type Inbound struct {
	From string
	Data []byte
}

// Transport emits outbound frames. Delivery failures are the transport's
// concern; the engine never retries.
type Transport interface {
	Send(to string, frame []byte) error
}

// Config tunes the engine. Zero values fall back to defaults.
type Config struct {
	// ID is the relay's own id, announced in challenges. Peers may not
	// claim it.
	ID []byte
	// Keys is the relay's seal key pair; peers seal inbound envelopes to it.
	Keys *crypto.KeyPair

	Workers int
	PeerTTL time.Duration
	// MaintenanceInterval is the eviction period of Run; negative disables.
	MaintenanceInterval time.Duration
	ChallengeTTL        time.Duration
	ChallengeCacheSize  int
	ReplayWindow        int
	// RateLimit is frames per second per transport address; 0 disables.
	RateLimit float64
	RateBurst int
	// MaxUnverified caps registry entries created by unauthenticated frames.
	// Vows that verify are always admitted.
	MaxUnverified int
}

const (
	DefaultWorkers             = 4
	DefaultPeerTTL             = 2 * time.Minute
	DefaultMaintenanceInterval = 15 * time.Second
	DefaultChallengeTTL        = 30 * time.Second
	DefaultChallengeCacheSize  = 4096
	DefaultReplayWindow        = 65536
	DefaultMaxUnverified       = 4096
)

func (c *Config) setDefaults() {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.PeerTTL <= 0 {
		c.PeerTTL = DefaultPeerTTL
	}
	if c.MaintenanceInterval == 0 {
		c.MaintenanceInterval = DefaultMaintenanceInterval
	}
	if c.ChallengeTTL <= 0 {
		c.ChallengeTTL = DefaultChallengeTTL
	}
	if c.ChallengeCacheSize <= 0 {
		c.ChallengeCacheSize = DefaultChallengeCacheSize
	}
	if c.ReplayWindow <= 0 {
		c.ReplayWindow = DefaultReplayWindow
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 32
	}
	if c.MaxUnverified <= 0 {
		c.MaxUnverified = DefaultMaxUnverified
	}
}

// Deps are the collaborators an engine is built from. Sink and Transport are
// required; the rest are created when nil.
type Deps struct {
	Registry   *registry.Registry
	Codec      *envelope.Codec
	Verifier   vow.Verifier
	Challenges *vow.ChallengeBook
	Sink       sink.Sink
	Transport  Transport
	Logger     *slog.Logger
	Clock      func() time.Time
}

// Engine is one relay instance. It is owned by its host; there is no global.
type Engine struct {
	cfg        Config
	registry   *registry.Registry
	codec      *envelope.Codec
	verifier   vow.Verifier
	challenges *vow.ChallengeBook
	sink       sink.Sink
	transport  Transport
	replay     *lru.Cache
	limiter    *limiter
	log        *slog.Logger
	now        func() time.Time
}

// New builds an engine. It refuses to start without key material or when the
// crypto self-test fails.
func New(cfg Config, deps Deps) (*Engine, error) {
	if len(cfg.ID) == 0 || cfg.Keys == nil || cfg.Keys.Private == nil || cfg.Keys.Public == nil {
		return nil, ErrMissingKeys
	}
	if deps.Sink == nil || deps.Transport == nil {
		return nil, fmt.Errorf("relay: sink and transport are required")
	}
	cfg.setDefaults()

	e := &Engine{
		cfg:        cfg,
		registry:   deps.Registry,
		codec:      deps.Codec,
		verifier:   deps.Verifier,
		challenges: deps.Challenges,
		sink:       deps.Sink,
		transport:  deps.Transport,
		log:        deps.Logger,
		now:        deps.Clock,
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.registry == nil {
		e.registry = registry.New(cfg.PeerTTL)
	}
	if e.codec == nil {
		e.codec = envelope.NewCodec()
	}
	if e.challenges == nil {
		book, err := vow.NewChallengeBook(cfg.ChallengeCacheSize, cfg.ChallengeTTL)
		if err != nil {
			return nil, err
		}
		e.challenges = book
	}
	replay, err := lru.New(cfg.ReplayWindow)
	if err != nil {
		return nil, err
	}
	e.replay = replay
	if cfg.RateLimit > 0 {
		e.limiter, err = newLimiter(cfg.RateLimit, cfg.RateBurst, cfg.ChallengeCacheSize)
		if err != nil {
			return nil, err
		}
	}
	if err := e.selfTest(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
	}
	return e, nil
}

// Registry returns the registry the engine mutates.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Handle processes one frame synchronously. It returns the drop reason, or
// nil if the frame was acted on.
func (e *Engine) Handle(ctx context.Context, in Inbound) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if derr := e.admit(in); derr != nil {
		e.drop(derr)
		return derr
	}
	j := newJob(in)
	e.prepare(j)
	close(j.done)
	return e.finish(j)
}

// Maintain evicts stale peers and expired challenges. Run calls it on every
// maintenance tick.
func (e *Engine) Maintain(now time.Time) {
	evicted := e.registry.EvictStale(now, e.cfg.PeerTTL)
	for _, p := range evicted {
		e.log.Debug("peer stale, evicted", "peer", label(p.Identity.ID), "addr", p.TransportAddress, "last_seen", p.LastSeenAt)
	}
	telemetry.PeersEvicted.Add(float64(len(evicted)))
	if n := e.challenges.Purge(now); n > 0 {
		e.log.Debug("expired challenges purged", "count", n)
	}
	e.updateGauges()
}

func (e *Engine) selfTest() error {
	sample := envelope.Message{Topic: "self-test", Payload: []byte{0x5e, 0x1f}}
	env, err := e.codec.Seal(e.cfg.ID, sample, e.cfg.Keys.Public)
	if err != nil {
		return err
	}
	got, err := e.codec.Open(env, e.cfg.Keys)
	if err != nil {
		return err
	}
	if got.Topic != sample.Topic || !bytes.Equal(got.Payload, sample.Payload) {
		return fmt.Errorf("seal/open mismatch")
	}

	signer, err := crypto.GenerateEd25519Signer()
	if err != nil {
		return err
	}
	v := &vow.Vow{ClaimedID: []byte("self-test"), SealKey: e.cfg.Keys.Public[:], Challenge: make([]byte, vow.ChallengeSize)}
	if err := vow.Sign(signer, v); err != nil {
		return err
	}
	if !e.verifier.Verify(v) {
		return fmt.Errorf("sign/verify mismatch")
	}
	return nil
}

// apply runs on the engine goroutine only.
func (e *Engine) apply(j *job) *Error {
	if j.err != nil {
		return e.refuse(KindMalformed, proto.CodeMalformed, nil, j.in.From, j.err)
	}
	f := j.frame
	telemetry.FramesReceived.WithLabelValues(frameTypeName(f.Type)).Inc()
	switch f.Type {
	case proto.FrameTypeHello:
		return e.handleHello(j.in.From, f.Hello)
	case proto.FrameTypeVow:
		return e.handleVow(j.in.From, f.Vow, j.vowOK)
	case proto.FrameTypeEnvelope:
		return e.handleEnvelope(j)
	case proto.FrameTypeError:
		return dropErr(KindMalformed, nil, j.in.From, errUnexpectedFrame)
	default:
		return e.refuse(KindMalformed, proto.CodeMalformed, nil, j.in.From, errUnexpectedFrame)
	}
}

func (e *Engine) handleHello(from string, h *proto.HelloFrame) *Error {
	if bytes.Equal(h.PeerID, e.cfg.ID) {
		return e.rejectVow(from, h.PeerID, errReservedID)
	}
	e.touch(h.PeerID, from)
	challenge, err := e.challenges.Issue(from, e.now())
	if err != nil {
		e.log.Error("issue challenge", "err", err)
		return nil
	}
	e.reply(from, &proto.Frame{Type: proto.FrameTypeChallenge, Challenge: &proto.ChallengeFrame{
		Challenge: challenge,
		RelayID:   e.cfg.ID,
		SealKey:   e.cfg.Keys.Public[:],
	}})
	e.updateGauges()
	return nil
}

// handleVow never changes trust state unless every check passes.
func (e *Engine) handleVow(from string, v *vow.Vow, sigOK bool) *Error {
	id := v.ClaimedID
	if len(id) == 0 || len(id) > vow.MaxIDSize {
		return e.refuse(KindMalformed, proto.CodeMalformed, nil, from, fmt.Errorf("vow id length %d", len(id)))
	}
	if bytes.Equal(id, e.cfg.ID) {
		return e.rejectVow(from, id, errReservedID)
	}
	e.touch(id, from)
	if err := e.challenges.Consume(v.Challenge, from, e.now()); err != nil {
		return e.rejectVow(from, id, err)
	}
	if !sigOK {
		return e.rejectVow(from, id, errBadSignature)
	}
	identity := registry.PeerIdentity{ID: id, PublicKey: v.PublicKey, Scheme: v.Scheme, SealKey: v.SealKey}
	if _, ok := e.registry.Get(id); !ok {
		e.registry.Register(identity, from)
	}
	if _, err := e.registry.MarkVerified(identity); err != nil {
		return e.rejectVow(from, id, err)
	}
	e.registry.Register(identity, from)
	e.log.Info("peer verified", "peer", label(id), "addr", from, "scheme", v.Scheme, "key", crypto.Fingerprint(v.PublicKey))
	e.reply(from, &proto.Frame{Type: proto.FrameTypeAck, Ack: &proto.AckFrame{PeerID: id, OK: true}})
	e.updateGauges()
	return nil
}

func (e *Engine) rejectVow(from string, id []byte, cause error) *Error {
	return e.refuse(KindVerification, proto.CodeVowRejected, id, from, cause)
}

// refuse drops a frame and tells the sender why with an error frame.
func (e *Engine) refuse(kind Kind, code string, id []byte, from string, cause error) *Error {
	e.reply(from, &proto.Frame{Type: proto.FrameTypeError, Error: &proto.ErrorFrame{
		Code: code, Message: cause.Error(),
	}})
	return dropErr(kind, id, from, cause)
}

func (e *Engine) handleEnvelope(j *job) *Error {
	from := j.in.From
	ef := j.frame.Envelope
	env := ef.Envelope
	sender := env.SenderID

	peer := e.touch(sender, from)
	rebind := peer.TrustState != registry.Verified || peer.TransportAddress != from
	if rebind && ef.Vow != nil {
		if !bytes.Equal(ef.Vow.ClaimedID, sender) {
			return e.rejectVow(from, sender, errSenderMismatch)
		}
		if derr := e.handleVow(from, ef.Vow, j.vowOK); derr != nil {
			return derr
		}
		peer, _ = e.registry.Get(sender)
	}
	if peer.TrustState != registry.Verified {
		return e.refuse(KindUntrusted, proto.CodeUntrusted, sender, from, errNotVerified)
	}
	if peer.TransportAddress != from {
		return dropErr(KindVerification, sender, from, errAddressMismatch)
	}
	if j.openErr != nil {
		return dropErr(KindDecrypt, sender, from, j.openErr)
	}
	if seen, _ := e.replay.ContainsOrAdd(env.ReplayKey(), struct{}{}); seen {
		return dropErr(KindReplay, sender, from, errReplayed)
	}

	msg := j.msg
	if err := e.sink.Publish(msg.Topic, msg.Payload); err != nil {
		e.log.Warn("local publish failed", "topic", msg.Topic, "err", err)
	} else {
		telemetry.Published.Inc()
	}
	e.broadcast(peer, msg)
	return nil
}

// broadcast seals msg once per verified destination other than origin, in
// parallel, and emits the frames in registry snapshot order.
func (e *Engine) broadcast(origin registry.Peer, msg envelope.Message) {
	var dests []registry.Peer
	for _, p := range e.registry.List() {
		if p.TrustState != registry.Verified || bytes.Equal(p.Identity.ID, origin.Identity.ID) {
			continue
		}
		if len(p.Identity.SealKey) != crypto.PublicKeySize {
			continue
		}
		dests = append(dests, p)
	}
	if len(dests) == 0 {
		return
	}

	frames := make([][]byte, len(dests))
	var g errgroup.Group
	g.SetLimit(e.cfg.Workers)
	for i, d := range dests {
		i, d := i, d
		g.Go(func() error {
			pub, err := crypto.PublicKeyFromBytes(d.Identity.SealKey)
			if err != nil {
				return nil
			}
			env, err := e.codec.Seal(origin.Identity.ID, msg, pub)
			if err != nil {
				e.log.Warn("seal for destination failed", "peer", label(d.Identity.ID), "err", err)
				return nil
			}
			b, err := proto.Marshal(&proto.Frame{Type: proto.FrameTypeEnvelope, Envelope: &proto.EnvelopeFrame{Envelope: env}})
			if err != nil {
				e.log.Warn("encode envelope frame", "peer", label(d.Identity.ID), "err", err)
				return nil
			}
			frames[i] = b
			return nil
		})
	}
	_ = g.Wait()

	for i, d := range dests {
		if frames[i] == nil {
			continue
		}
		if e.send(d.TransportAddress, frames[i]) {
			telemetry.EnvelopesRelayed.Inc()
		}
	}
	e.log.Debug("relayed", "from", label(origin.Identity.ID), "topic", msg.Topic, "destinations", len(dests))
}

// touch registers id at from, unless id is already pinned to another address.
// Moving a verified peer requires a fresh vow. Once MaxUnverified entries
// exist, unknown ids are answered as Unverified without being stored.
func (e *Engine) touch(id []byte, from string) registry.Peer {
	p, ok := e.registry.Get(id)
	if ok && p.TrustState != registry.Unverified && p.TransportAddress != from {
		return p
	}
	if !ok && e.registry.Count(registry.Unverified) >= e.cfg.MaxUnverified {
		e.log.Debug("unverified table full, not registering", "peer", label(id), "addr", from)
		return registry.Peer{Identity: registry.PeerIdentity{ID: id}, TransportAddress: from, TrustState: registry.Unverified}
	}
	return e.registry.Register(registry.PeerIdentity{ID: id}, from)
}

func (e *Engine) reply(to string, f *proto.Frame) {
	b, err := proto.Marshal(f)
	if err != nil {
		e.log.Error("encode reply", "err", err)
		return
	}
	e.send(to, b)
}

func (e *Engine) send(to string, b []byte) bool {
	if err := e.transport.Send(to, b); err != nil {
		telemetry.SendFailures.Inc()
		e.log.Debug("send failed", "to", to, "err", err)
		return false
	}
	return true
}

func (e *Engine) drop(err *Error) {
	telemetry.FramesDropped.WithLabelValues(string(err.Kind)).Inc()
	if err.Kind == KindVerification {
		e.log.Warn("frame dropped", "kind", err.Kind, "addr", err.Addr, "peer", label(err.Peer), "err", err.Cause)
		return
	}
	e.log.Debug("frame dropped", "kind", err.Kind, "addr", err.Addr, "peer", label(err.Peer), "err", err.Cause)
}

func (e *Engine) updateGauges() {
	for state, n := range e.registry.Counts() {
		telemetry.Peers.WithLabelValues(state.String()).Set(float64(n))
	}
}

func frameTypeName(t int) string {
	switch t {
	case proto.FrameTypeHello:
		return "hello"
	case proto.FrameTypeChallenge:
		return "challenge"
	case proto.FrameTypeVow:
		return "vow"
	case proto.FrameTypeEnvelope:
		return "envelope"
	case proto.FrameTypeAck:
		return "ack"
	case proto.FrameTypeError:
		return "error"
	default:
		return "unknown"
	}
}
