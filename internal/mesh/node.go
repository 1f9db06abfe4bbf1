package mesh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SWAI-Ltd/sovereign/internal/crypto"
	"github.com/SWAI-Ltd/sovereign/internal/envelope"
	"github.com/SWAI-Ltd/sovereign/internal/proto"
	"github.com/SWAI-Ltd/sovereign/internal/transport"
	"github.com/SWAI-Ltd/sovereign/internal/vow"
)

var (
	ErrRejected  = errors.New("mesh: relay rejected vow")
	ErrHandshake = errors.New("mesh: unexpected handshake frame")
)

// DefaultHeartbeat keeps a session well inside the relay's default peer TTL.
const DefaultHeartbeat = 30 * time.Second

// rejoinBackoff spaces out re-vows triggered by UNTRUSTED replies.
const rejoinBackoff = time.Second

// Options tune a Session. Zero values use defaults.
type Options struct {
	// Heartbeat is how often the session renews its vow so the relay keeps
	// it in the broadcast set. Keep it below the relay's peer TTL; negative
	// disables.
	Heartbeat time.Duration
	Logger    *slog.Logger
}

// Identity is what a peer presents to a relay.
type Identity struct {
	ID     []byte
	Signer crypto.Signer
	Keys   *crypto.KeyPair
}

// Received is one envelope delivered by the relay, already opened.
type Received struct {
	From    []byte
	Topic   string
	Payload []byte
}

// Session is a verified peer connection to one relay.
type Session struct {
	conn     *transport.Conn
	id       Identity
	codec    *envelope.Codec
	relayID  []byte
	relayKey *[crypto.PublicKeySize]byte
	log      *slog.Logger

	lastHello atomic.Int64
	refused   atomic.Uint64
	stop      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// Dial connects to the relay at addr and runs the vow handshake. It returns
// once the relay has acknowledged the vow. The session then renews the vow
// every opts.Heartbeat; the answers are handled inside Receive.
func Dial(ctx context.Context, addr string, id Identity, opts Options) (*Session, error) {
	if len(id.ID) == 0 || id.Signer == nil || id.Keys == nil {
		return nil, errors.New("mesh: identity requires id, signer and keys")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	heartbeat := opts.Heartbeat
	if heartbeat == 0 {
		heartbeat = DefaultHeartbeat
	}
	conn, err := transport.DialQUIC(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", addr, err)
	}
	s := &Session{conn: conn, id: id, codec: envelope.NewCodec(), log: log, stop: make(chan struct{})}

	done := make(chan error, 1)
	go func() { done <- s.handshake() }()
	select {
	case err = <-done:
	case <-ctx.Done():
		conn.Close()
		<-done
		return nil, ctx.Err()
	}
	if err != nil {
		conn.Close()
		return nil, err
	}
	log.Debug("session verified", "relay", string(s.relayID), "addr", addr)
	if heartbeat > 0 {
		s.wg.Add(1)
		go s.heartbeatLoop(heartbeat)
	}
	return s, nil
}

func (s *Session) heartbeatLoop(interval time.Duration) {
	defer s.wg.Done()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			if err := s.hello(); err != nil {
				s.log.Debug("heartbeat failed, stopping", "err", err)
				return
			}
		}
	}
}

func (s *Session) hello() error {
	s.lastHello.Store(time.Now().UnixNano())
	return s.conn.SendFrame(&proto.Frame{Type: proto.FrameTypeHello, Hello: &proto.HelloFrame{PeerID: s.id.ID}})
}

// rejoin re-vows after the relay stopped trusting this session, unless a
// hello went out very recently.
func (s *Session) rejoin() {
	last := time.Unix(0, s.lastHello.Load())
	if time.Since(last) < rejoinBackoff {
		return
	}
	if err := s.hello(); err != nil {
		s.log.Debug("rejoin hello failed", "err", err)
	}
}

// answer signs a vow over a challenge and sends it.
func (s *Session) answer(c *proto.ChallengeFrame) error {
	v := &vow.Vow{ClaimedID: s.id.ID, SealKey: s.id.Keys.Public[:], Challenge: c.Challenge}
	if err := vow.Sign(s.id.Signer, v); err != nil {
		return err
	}
	return s.conn.SendFrame(&proto.Frame{Type: proto.FrameTypeVow, Vow: v})
}

func (s *Session) handshake() error {
	if err := s.conn.SendFrame(&proto.Frame{Type: proto.FrameTypeHello, Hello: &proto.HelloFrame{PeerID: s.id.ID}}); err != nil {
		return err
	}
	f, err := s.conn.RecvFrame()
	if err != nil {
		return err
	}
	switch f.Type {
	case proto.FrameTypeChallenge:
	case proto.FrameTypeError:
		return fmt.Errorf("%w: %s: %s", ErrRejected, f.Error.Code, f.Error.Message)
	default:
		return fmt.Errorf("%w: got type %d, want challenge", ErrHandshake, f.Type)
	}
	relayKey, err := crypto.PublicKeyFromBytes(f.Challenge.SealKey)
	if err != nil {
		return fmt.Errorf("relay seal key: %w", err)
	}
	s.relayID = f.Challenge.RelayID
	s.relayKey = relayKey
	if err := s.answer(f.Challenge); err != nil {
		return err
	}

	f, err = s.conn.RecvFrame()
	if err != nil {
		return err
	}
	switch f.Type {
	case proto.FrameTypeAck:
		return nil
	case proto.FrameTypeError:
		return fmt.Errorf("%w: %s: %s", ErrRejected, f.Error.Code, f.Error.Message)
	default:
		return fmt.Errorf("%w: got type %d, want ack", ErrHandshake, f.Type)
	}
}

// Publish seals (topic, payload) to the relay and sends it.
func (s *Session) Publish(topic string, payload []byte) error {
	env, err := s.codec.Seal(s.id.ID, envelope.Message{Topic: topic, Payload: payload}, s.relayKey)
	if err != nil {
		return err
	}
	return s.conn.SendFrame(&proto.Frame{Type: proto.FrameTypeEnvelope, Envelope: &proto.EnvelopeFrame{Envelope: env}})
}

// Receive blocks for the next envelope from the relay. Envelopes that fail to
// open are skipped. Challenges from heartbeats are answered here, and an
// UNTRUSTED error makes the session vow again, so a session that publishes
// should keep a Receive loop running.
func (s *Session) Receive() (Received, error) {
	for {
		f, err := s.conn.RecvFrame()
		if err != nil {
			if errors.Is(err, proto.ErrMalformed) {
				s.log.Debug("skipping malformed frame from relay", "err", err)
				continue
			}
			return Received{}, err
		}
		switch f.Type {
		case proto.FrameTypeEnvelope:
			env := f.Envelope.Envelope
			msg, err := s.codec.Open(env, s.id.Keys)
			if err != nil {
				s.log.Warn("envelope from relay failed to open", "sender", string(env.SenderID), "err", err)
				continue
			}
			return Received{From: env.SenderID, Topic: msg.Topic, Payload: msg.Payload}, nil
		case proto.FrameTypeChallenge:
			if !bytes.Equal(f.Challenge.RelayID, s.relayID) {
				s.log.Warn("challenge from unexpected relay id", "relay", string(f.Challenge.RelayID))
				continue
			}
			if err := s.answer(f.Challenge); err != nil {
				return Received{}, err
			}
		case proto.FrameTypeAck:
			s.log.Debug("vow renewed", "relay", string(s.relayID))
		case proto.FrameTypeError:
			s.log.Warn("relay error", "code", f.Error.Code, "message", f.Error.Message)
			if f.Error.Code == proto.CodeUntrusted {
				s.refused.Add(1)
				s.rejoin()
			}
		default:
			s.log.Debug("ignoring frame from relay", "type", f.Type)
		}
	}
}

// RelayID returns the id the relay announced in its challenge.
func (s *Session) RelayID() []byte { return s.relayID }

// Refused returns how many frames the relay refused as untrusted. Each one is
// a message other peers never saw.
func (s *Session) Refused() uint64 { return s.refused.Load() }

// Close stops the heartbeat and closes the connection. A blocked Receive
// returns an error.
func (s *Session) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	err := s.conn.Close()
	s.wg.Wait()
	return err
}
