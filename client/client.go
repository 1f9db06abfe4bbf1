// Package client is the peer SDK: connect to a relay, prove an identity with
// a vow, publish sealed messages and read the messages other peers relay.
package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SWAI-Ltd/sovereign/internal/crypto"
	"github.com/SWAI-Ltd/sovereign/internal/discovery"
	"github.com/SWAI-Ltd/sovereign/internal/mesh"
)

const (
	// DefaultMessageBuffer is the buffer size for the Messages() channel.
	DefaultMessageBuffer = 64
)

// ErrClosed is returned when using a client after Close.
var ErrClosed = errors.New("client closed")

// ReceivedMessage is a message relayed from another peer.
type ReceivedMessage struct {
	From    string
	Topic   string
	Payload []byte
}

// Config configures the client.
type Config struct {
	// RelayAddr is the relay address (e.g. "localhost:7447"). Empty browses
	// the local network over mDNS.
	RelayAddr string
	// ID is this peer's id (e.g. "sensor-1"). Required.
	ID string
	// Signer signs the vow. A fresh ed25519 key is used when nil.
	Signer crypto.Signer
	// Keys is the seal key pair other peers' messages are sealed to. A fresh
	// pair is used when nil.
	Keys *crypto.KeyPair
	// MessageBuffer sets the capacity of Messages(); 0 uses DefaultMessageBuffer.
	MessageBuffer int
	// Heartbeat is how often the vow is renewed so an idle client stays in
	// the relay's broadcast set. 0 uses mesh.DefaultHeartbeat; negative
	// disables.
	Heartbeat time.Duration
	Logger    *slog.Logger
}

// Client is a verified session with one relay. Read from Messages() until it
// is closed.
type Client struct {
	session *mesh.Session
	msgs    chan ReceivedMessage
	dropped atomic.Uint64
	log     *slog.Logger

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// New connects and completes the vow handshake before returning.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.ID == "" {
		return nil, errors.New("client: ID is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	var err error
	if cfg.Signer == nil {
		if cfg.Signer, err = crypto.GenerateEd25519Signer(); err != nil {
			return nil, err
		}
	}
	if cfg.Keys == nil {
		if cfg.Keys, err = crypto.GenerateKeyPair(); err != nil {
			return nil, err
		}
	}
	addr := cfg.RelayAddr
	if addr == "" {
		r, err := discovery.Lookup(ctx)
		if err != nil {
			return nil, err
		}
		log.Info("relay discovered", "name", r.Name, "addr", r.Addr, "id", r.ID)
		addr = r.Addr
	}
	buf := cfg.MessageBuffer
	if buf <= 0 {
		buf = DefaultMessageBuffer
	}

	session, err := mesh.Dial(ctx, addr,
		mesh.Identity{ID: []byte(cfg.ID), Signer: cfg.Signer, Keys: cfg.Keys},
		mesh.Options{Heartbeat: cfg.Heartbeat, Logger: log})
	if err != nil {
		return nil, err
	}
	c := &Client{session: session, msgs: make(chan ReceivedMessage, buf), log: log, done: make(chan struct{})}
	go c.recvLoop()
	return c, nil
}

func (c *Client) recvLoop() {
	defer close(c.done)
	defer close(c.msgs)
	for {
		r, err := c.session.Receive()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				c.log.Debug("relay connection ended", "err", err)
			}
			return
		}
		select {
		case c.msgs <- ReceivedMessage{From: string(r.From), Topic: r.Topic, Payload: r.Payload}:
		default:
			c.dropped.Add(1)
		}
	}
}

// Publish seals payload under topic and sends it to the relay, which fans it
// out to every other verified peer.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return c.session.Publish(topic, payload)
}

// Messages returns the channel of received messages. It is closed when the
// client is closed or the relay connection ends.
func (c *Client) Messages() <-chan ReceivedMessage {
	return c.msgs
}

// Dropped returns how many messages were discarded because Messages() was full.
func (c *Client) Dropped() uint64 { return c.dropped.Load() }

// Refused returns how many published messages the relay refused because it
// no longer trusted this client. The client vows again on its own after each.
func (c *Client) Refused() uint64 { return c.session.Refused() }

// RelayID returns the id of the connected relay.
func (c *Client) RelayID() string { return string(c.session.RelayID()) }

// Close shuts down the client and closes the Messages() channel.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	err := c.session.Close()
	<-c.done
	return err
}
