package feed

import (
	"context"
	"errors"
	"io"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/SWAI-Ltd/sovereign/internal/envelope"
	"github.com/SWAI-Ltd/sovereign/internal/sink"
)

// ErrStreamClosed is returned by Stream.Recv when the relay ends the feed.
var ErrStreamClosed = errors.New("feed: stream closed")

// Client reads a relay's delivery feed.
type Client struct {
	cc     *grpc.ClientConn
	client FeedClient
}

type DialOptions struct {
	// Timeout applies to the initial dial when non-zero.
	Timeout time.Duration
}

func Dial(target string, opts DialOptions) (*Client, error) {
	ctx := context.Background()
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	cc, err := grpc.DialContext(ctx, target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	return NewClient(cc), nil
}

// NewClient wraps an existing connection.
func NewClient(cc *grpc.ClientConn) *Client {
	return &Client{cc: cc, client: NewFeedClient(cc)}
}

func (c *Client) Close() error {
	if c == nil || c.cc == nil {
		return nil
	}
	return c.cc.Close()
}

// Stream is an open subscription.
type Stream struct {
	s Feed_SubscribeClient
}

// Subscribe opens a feed for topic; "" means every topic. The stream ends
// when ctx is cancelled.
func (c *Client) Subscribe(ctx context.Context, topic string) (*Stream, error) {
	s, err := c.client.Subscribe(ctx, wrapperspb.String(topic))
	if err != nil {
		return nil, err
	}
	return &Stream{s: s}, nil
}

// Recv returns the next delivery. Content ids are recomputed locally.
func (s *Stream) Recv() (sink.Delivery, error) {
	m, err := s.s.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) || status.Code(err) == codes.Unavailable {
			return sink.Delivery{}, ErrStreamClosed
		}
		return sink.Delivery{}, err
	}
	msg, err := envelope.UnmarshalMessage(m.GetValue())
	if err != nil {
		return sink.Delivery{}, err
	}
	id, err := sink.ContentID(msg.Payload)
	if err != nil {
		return sink.Delivery{}, err
	}
	return sink.Delivery{ID: id, Topic: msg.Topic, Payload: msg.Payload}, nil
}
