// Package feed streams locally delivered messages to out-of-process
// consumers over gRPC.
package feed

import (
	"log/slog"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/SWAI-Ltd/sovereign/internal/envelope"
	"github.com/SWAI-Ltd/sovereign/internal/sink"
)

const DefaultBuffer = 64

// Server exposes a sink.Bus over the Feed service. An empty topic subscribes
// to every topic.
type Server struct {
	UnimplementedFeedServer

	Bus    *sink.Bus
	Buffer int
	Logger *slog.Logger
}

func (s *Server) Subscribe(in *wrapperspb.StringValue, stream Feed_SubscribeServer) error {
	if s.Bus == nil {
		return status.Error(codes.Unavailable, "no delivery bus")
	}
	topic := in.GetValue()
	if topic == "" {
		topic = sink.AllTopics
	}
	buf := s.Buffer
	if buf <= 0 {
		buf = DefaultBuffer
	}
	log := s.Logger
	if log == nil {
		log = slog.Default()
	}

	sub := s.Bus.Subscribe(topic, buf)
	defer sub.Unsubscribe()
	log.Debug("feed subscriber attached", "topic", topic)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			log.Debug("feed subscriber detached", "topic", topic, "dropped", sub.Dropped())
			return status.FromContextError(ctx.Err()).Err()
		case d, ok := <-sub.C():
			if !ok {
				return status.Error(codes.Unavailable, "relay shutting down")
			}
			b := envelope.MarshalMessage(envelope.Message{Topic: d.Topic, Payload: d.Payload})
			if err := stream.Send(wrapperspb.Bytes(b)); err != nil {
				return err
			}
		}
	}
}
