package mesh

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/SWAI-Ltd/sovereign/internal/discovery"
	"github.com/SWAI-Ltd/sovereign/internal/relay"
	"github.com/SWAI-Ltd/sovereign/internal/sink"
	"github.com/SWAI-Ltd/sovereign/internal/telemetry"
	"github.com/SWAI-Ltd/sovereign/internal/transport"
)

// DefaultInboundBuffer bounds frames read from the network but not yet taken
// by the engine. Connection readers block when it is full.
const DefaultInboundBuffer = 1024

// RelayConfig configures RunRelay.
type RelayConfig struct {
	// Addr is the QUIC listen address (e.g. ":7447").
	Addr   string
	Engine relay.Config
	// Sink receives every opened message. Defaults to a fresh sink.Bus.
	Sink sink.Sink
	// Announce publishes the relay over mDNS under Name.
	Announce bool
	Name     string

	InboundBuffer int
	Logger        *slog.Logger
}

// RelayServer binds a QUIC listener to a relay engine. The engine decides
// everything; the server only moves frames.
type RelayServer struct {
	server *transport.Server
	engine *relay.Engine
	disc   *discovery.Discovery
	bus    *sink.Bus
	log    *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
	err    error
	once   sync.Once
}

// RunRelay starts a relay on cfg.Addr and returns once it is accepting.
func RunRelay(ctx context.Context, cfg RelayConfig) (*RelayServer, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	buf := cfg.InboundBuffer
	if buf <= 0 {
		buf = DefaultInboundBuffer
	}
	ctx, cancel := context.WithCancel(ctx)
	r := &RelayServer{log: log, cancel: cancel, done: make(chan struct{})}

	out := cfg.Sink
	if out == nil {
		r.bus = sink.NewBus()
		r.bus.OnDrop(func(topic string) { telemetry.SinkDrops.WithLabelValues(topic).Inc() })
		out = r.bus
	}

	inbound := make(chan relay.Inbound, buf)
	server, err := transport.Listen(ctx, cfg.Addr, func(from string, data []byte) {
		select {
		case inbound <- relay.Inbound{From: from, Data: data}:
		case <-ctx.Done():
		}
	}, log)
	if err != nil {
		cancel()
		return nil, err
	}
	r.server = server

	engine, err := relay.New(cfg.Engine, relay.Deps{Sink: out, Transport: server, Logger: log})
	if err != nil {
		cancel()
		server.Close()
		return nil, err
	}
	r.engine = engine

	if cfg.Announce {
		port, err := discovery.ParsePort(server.LocalAddr())
		if err == nil {
			r.disc, err = discovery.Announce(cfg.Name, port, string(cfg.Engine.ID))
		}
		if err != nil {
			log.Warn("mdns announce failed, continuing without discovery", "err", err)
		}
	}

	go func() {
		defer close(r.done)
		err := engine.Run(ctx, inbound)
		if err != nil && !errors.Is(err, context.Canceled) {
			r.err = err
		}
	}()
	log.Info("relay listening", "addr", server.LocalAddr(), "id", string(cfg.Engine.ID))
	return r, nil
}

// Addr returns the QUIC listen address.
func (r *RelayServer) Addr() string { return r.server.LocalAddr() }

// Engine returns the relay engine, e.g. to inspect or revoke peers.
func (r *RelayServer) Engine() *relay.Engine { return r.engine }

// Bus returns the local delivery bus, or nil when a custom Sink was supplied.
func (r *RelayServer) Bus() *sink.Bus { return r.bus }

// Done is closed when the engine stops.
func (r *RelayServer) Done() <-chan struct{} { return r.done }

// Close stops the relay and waits for the engine to return.
func (r *RelayServer) Close() error {
	r.once.Do(func() {
		r.cancel()
		if r.disc != nil {
			r.disc.Close()
		}
		r.server.Close()
		<-r.done
		if r.bus != nil {
			r.bus.Close()
		}
	})
	return r.err
}
