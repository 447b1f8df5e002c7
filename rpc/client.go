package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"xdao.co/agentpay/auth"
	"xdao.co/agentpay/events"
)

// SubmitReply is the decoded result of a committed submission.
type SubmitReply struct {
	Seq    uint64          `json:"seq"`
	Value  json.RawMessage `json:"value,omitempty"`
	Events []events.Event  `json:"events"`
}

// Client talks to a Server. Errors carrying protoerr codes are returned as
// *protoerr.Error.
type Client struct {
	cc     *grpc.ClientConn
	client LedgerClient
}

// Dial connects lazily to target without transport security.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	cc, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return NewClient(cc), nil
}

func NewClient(cc *grpc.ClientConn) *Client {
	return &Client{cc: cc, client: NewLedgerClient(cc)}
}

func (c *Client) Close() error {
	if c == nil || c.cc == nil {
		return nil
	}
	return c.cc.Close()
}

func (c *Client) Submit(ctx context.Context, env *auth.Envelope) (*SubmitReply, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("rpc: encode envelope: %w", err)
	}
	reply, err := c.client.Submit(ctx, wrapperspb.Bytes(b))
	if err != nil {
		return nil, FromStatus(err)
	}
	var out SubmitReply
	if err := json.Unmarshal(reply.GetValue(), &out); err != nil {
		return nil, fmt.Errorf("rpc: decode result: %w", err)
	}
	return &out, nil
}

// Query runs a named query and decodes its value into out.
func (c *Client) Query(ctx context.Context, name string, args any, out any) error {
	q := QueryRequest{Query: name}
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("rpc: encode args: %w", err)
		}
		q.Args = b
	}
	body, err := json.Marshal(q)
	if err != nil {
		return err
	}
	reply, err := c.client.Query(ctx, wrapperspb.Bytes(body))
	if err != nil {
		return FromStatus(err)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(reply.GetValue(), out); err != nil {
		return fmt.Errorf("rpc: decode value: %w", err)
	}
	return nil
}

// Events returns up to EventsPageSize events after cursor.
func (c *Client) Events(ctx context.Context, cursor uint64) ([]events.Event, error) {
	reply, err := c.client.Events(ctx, wrapperspb.UInt64(cursor))
	if err != nil {
		return nil, FromStatus(err)
	}
	var out []events.Event
	if err := json.Unmarshal(reply.GetValue(), &out); err != nil {
		return nil, fmt.Errorf("rpc: decode events: %w", err)
	}
	return out, nil
}

// Watch streams every event after cursor to fn until ctx ends, the server
// ends the stream, or fn returns an error.
func (c *Client) Watch(ctx context.Context, cursor uint64, fn func(events.Event) error) error {
	stream, err := c.client.Watch(ctx, wrapperspb.UInt64(cursor))
	if err != nil {
		return FromStatus(err)
	}
	for {
		m, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return FromStatus(err)
		}
		var e events.Event
		if err := json.Unmarshal(m.GetValue(), &e); err != nil {
			return fmt.Errorf("rpc: decode event: %w", err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
}
