// Package transport carries length-prefixed frames over QUIC. One
// bidirectional stream per connection; the remote address is the peer's
// transport address.
package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/SWAI-Ltd/sovereign/internal/proto"
	"github.com/SWAI-Ltd/sovereign/internal/telemetry"
)

// Idle timeout is longer than the QUIC default of 30s; peers may stay quiet
// between messages and rely on keep-alives.
var defaultQuicConfig = &quic.Config{
	MaxIdleTimeout:  5 * time.Minute,
	KeepAlivePeriod: 20 * time.Second,
}

const ProtoID = "sovereign/1"

var ErrNoConnection = errors.New("transport: no connection for address")

// Conn is one framed QUIC stream.
type Conn struct {
	stream quic.Stream
	conn   quic.Connection
	wmu    sync.Mutex
}

func newConn(stream quic.Stream, conn quic.Connection) *Conn {
	return &Conn{stream: stream, conn: conn}
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// WriteRaw writes one already-encoded frame. Safe for concurrent use.
func (c *Conn) WriteRaw(data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return proto.WriteFrame(c.stream, data)
}

// ReadRaw reads one encoded frame.
func (c *Conn) ReadRaw() ([]byte, error) {
	return proto.ReadFrame(c.stream)
}

// SendFrame encodes and sends a frame.
func (c *Conn) SendFrame(f *proto.Frame) error {
	data, err := proto.Marshal(f)
	if err != nil {
		return err
	}
	return c.WriteRaw(data)
}

// RecvFrame reads and decodes a frame.
func (c *Conn) RecvFrame() (*proto.Frame, error) {
	data, err := c.ReadRaw()
	if err != nil {
		return nil, err
	}
	return proto.Unmarshal(data)
}

// Close closes the stream and the connection.
func (c *Conn) Close() error {
	c.stream.Close()
	return c.conn.CloseWithError(0, "")
}

// generateTLSConfig creates a self-signed certificate. Peers authenticate
// with vows, not with TLS.
func generateTLSConfig() (*tls.Config, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, pub, priv)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{certDER}, PrivateKey: priv}},
		NextProtos:   []string{ProtoID},
	}, nil
}

// Handler receives every frame read by a Server, tagged with the sender's
// transport address. It is called from per-connection goroutines.
type Handler func(from string, data []byte)

// Server accepts QUIC connections and keeps one Conn per remote address so
// frames can be sent back by address.
type Server struct {
	listener *quic.Listener
	handler  Handler
	log      *slog.Logger

	mu    sync.RWMutex
	conns map[string]*Conn
	wg    sync.WaitGroup
}

// Listen starts a QUIC server on addr. handler is set before the first
// accept.
func Listen(ctx context.Context, addr string, handler Handler, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	tlsCfg, err := generateTLSConfig()
	if err != nil {
		return nil, err
	}
	listener, err := quic.ListenAddr(addr, tlsCfg, defaultQuicConfig)
	if err != nil {
		return nil, err
	}
	s := &Server{listener: listener, handler: handler, log: log, conns: make(map[string]*Conn)}
	s.wg.Add(1)
	go s.acceptLoop(ctx)
	return s, nil
}

// LocalAddr returns the address of the listener.
func (s *Server) LocalAddr() string {
	return s.listener.Addr().String()
}

// Send writes data to the connection from addr.
func (s *Server) Send(to string, data []byte) error {
	s.mu.RLock()
	c, ok := s.conns[to]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoConnection, to)
	}
	return c.WriteRaw(data)
}

// Connections returns the number of live connections.
func (s *Server) Connections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Close stops accepting, closes every connection and waits for readers.
func (s *Server) Close() error {
	err := s.listener.Close()
	s.mu.Lock()
	for _, c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		sess, err := s.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, quic.ErrServerClosed) {
				s.log.Error("transport: accept", "err", err)
			}
			return
		}
		s.wg.Add(1)
		go s.serve(ctx, sess)
	}
}

func (s *Server) serve(ctx context.Context, sess quic.Connection) {
	defer s.wg.Done()
	stream, err := sess.AcceptStream(ctx)
	if err != nil {
		sess.CloseWithError(0, "")
		return
	}
	c := newConn(stream, sess)
	addr := c.RemoteAddr()

	s.mu.Lock()
	if old, ok := s.conns[addr]; ok {
		old.Close()
	}
	s.conns[addr] = c
	s.mu.Unlock()
	telemetry.Connections.Set(float64(s.Connections()))
	s.log.Debug("transport: connection opened", "addr", addr)

	defer func() {
		s.mu.Lock()
		if s.conns[addr] == c {
			delete(s.conns, addr)
		}
		s.mu.Unlock()
		telemetry.Connections.Set(float64(s.Connections()))
		c.Close()
		s.log.Debug("transport: connection closed", "addr", addr)
	}()

	for {
		data, err := c.ReadRaw()
		if err != nil {
			return
		}
		if s.handler != nil {
			s.handler(addr, data)
		}
	}
}

// DialQUIC connects to a relay and opens the frame stream. The relay's
// certificate is not checked; peers authenticate with vows.
func DialQUIC(ctx context.Context, addr string) (*Conn, error) {
	tlsCfg := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ProtoID},
	}
	sess, err := quic.DialAddr(ctx, addr, tlsCfg, defaultQuicConfig)
	if err != nil {
		return nil, err
	}
	stream, err := sess.OpenStreamSync(ctx)
	if err != nil {
		sess.CloseWithError(0, "")
		return nil, err
	}
	return newConn(stream, sess), nil
}
