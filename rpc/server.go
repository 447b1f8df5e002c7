package rpc

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"xdao.co/agentpay/auth"
	"xdao.co/agentpay/events"
	"xdao.co/agentpay/node"
)

// EventsPageSize bounds one Events reply.
const EventsPageSize = 256

// QueryRequest is the JSON body of a Query call.
type QueryRequest struct {
	Query string          `json:"query"`
	Args  json.RawMessage `json:"args,omitempty"`
}

// Server serves a node.
type Server struct {
	UnimplementedLedgerServer
	Node   *node.Node
	Logger zerolog.Logger
	// WatchBuffer is the per-stream event buffer; a stream that falls
	// further behind is ended with ResourceExhausted.
	WatchBuffer int

	mu       sync.Mutex
	done     chan struct{}
	stopOnce sync.Once
}

func NewServer(n *node.Node, logger zerolog.Logger) *Server {
	return &Server{Node: n, Logger: logger.With().Str("component", "rpc").Logger(), WatchBuffer: 1024}
}

func (s *Server) shutdownCh() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		s.done = make(chan struct{})
	}
	return s.done
}

// Shutdown ends every open Watch stream. Call it before
// grpc.Server.GracefulStop, which otherwise waits for watchers to leave.
func (s *Server) Shutdown() {
	ch := s.shutdownCh()
	s.stopOnce.Do(func() { close(ch) })
}

func (s *Server) ready() error {
	if s == nil || s.Node == nil {
		return status.Error(codes.FailedPrecondition, "missing node")
	}
	return nil
}

func (s *Server) Submit(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var env auth.Envelope
	if err := json.Unmarshal(in.GetValue(), &env); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode envelope: %v", err)
	}
	res, err := s.Node.Submit(ctx, &env)
	if err != nil {
		return nil, ToStatus(err)
	}
	b, err := json.Marshal(res)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode result: %v", err)
	}
	s.Logger.Debug().Uint64("seq", res.Seq).Str("method", env.Method).Str("caller", env.Caller.Hex()).Msg("submission committed")
	return wrapperspb.Bytes(b), nil
}

func (s *Server) Query(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var q QueryRequest
	if err := json.Unmarshal(in.GetValue(), &q); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode query: %v", err)
	}
	v, err := s.Node.Query(ctx, q.Query, q.Args)
	if err != nil {
		return nil, ToStatus(err)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode value: %v", err)
	}
	return wrapperspb.Bytes(b), nil
}

func (s *Server) Events(ctx context.Context, in *wrapperspb.UInt64Value) (*wrapperspb.BytesValue, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	evs := s.Node.Events().Since(in.GetValue(), EventsPageSize)
	if evs == nil {
		evs = []events.Event{}
	}
	b, err := json.Marshal(evs)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode events: %v", err)
	}
	return wrapperspb.Bytes(b), nil
}

func (s *Server) Watch(in *wrapperspb.UInt64Value, stream Ledger_WatchServer) error {
	if err := s.ready(); err != nil {
		return err
	}
	backlog, sub := s.Node.Events().Subscribe(in.GetValue(), events.Filter{}, s.WatchBuffer)
	defer sub.Close()
	log := s.Logger.With().Str("subscription", sub.ID.String()).Logger()
	log.Debug().Uint64("cursor", in.GetValue()).Int("backlog", len(backlog)).Msg("watch started")

	send := func(e events.Event) error {
		b, err := json.Marshal(e)
		if err != nil {
			return status.Errorf(codes.Internal, "encode event: %v", err)
		}
		return stream.Send(wrapperspb.Bytes(b))
	}
	for _, e := range backlog {
		if err := send(e); err != nil {
			return err
		}
	}
	ctx := stream.Context()
	shutdown := s.shutdownCh()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("watch ended by client")
			return nil
		case <-shutdown:
			log.Debug().Msg("watch ended by shutdown")
			return nil
		case e, ok := <-sub.C():
			if !ok {
				log.Warn().Err(sub.Err()).Msg("watch dropped")
				return status.Error(codes.ResourceExhausted, "subscriber fell behind; resume from last seq")
			}
			if err := send(e); err != nil {
				return err
			}
		}
	}
}
