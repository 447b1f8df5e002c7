// Package rpc serves a node over gRPC: signed submissions, named queries,
// event polling by cursor and a server-streamed event feed.
//
// Payloads are JSON carried in protobuf well-known wrapper types, and the
// service descriptor is written by hand, so no protoc toolchain is needed.
package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const serviceName = "xdao.agentpay.ledger.v1.Ledger"

// LedgerServer is the server API of the ledger service.
//
//	service Ledger {
//	  // envelope JSON -> result JSON
//	  rpc Submit(google.protobuf.BytesValue) returns (google.protobuf.BytesValue);
//	  // {"query": name, "args": {...}} -> value JSON
//	  rpc Query(google.protobuf.BytesValue) returns (google.protobuf.BytesValue);
//	  // cursor -> JSON array of events after it
//	  rpc Events(google.protobuf.UInt64Value) returns (google.protobuf.BytesValue);
//	  // cursor -> every event after it, then live events
//	  rpc Watch(google.protobuf.UInt64Value) returns (stream google.protobuf.BytesValue);
//	}
type LedgerServer interface {
	Submit(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	Query(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	Events(context.Context, *wrapperspb.UInt64Value) (*wrapperspb.BytesValue, error)
	Watch(*wrapperspb.UInt64Value, Ledger_WatchServer) error
}

type UnimplementedLedgerServer struct{}

func (UnimplementedLedgerServer) Submit(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	return nil, status.Error(codes.Unimplemented, "method Submit not implemented")
}
func (UnimplementedLedgerServer) Query(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	return nil, status.Error(codes.Unimplemented, "method Query not implemented")
}
func (UnimplementedLedgerServer) Events(context.Context, *wrapperspb.UInt64Value) (*wrapperspb.BytesValue, error) {
	return nil, status.Error(codes.Unimplemented, "method Events not implemented")
}
func (UnimplementedLedgerServer) Watch(*wrapperspb.UInt64Value, Ledger_WatchServer) error {
	return status.Error(codes.Unimplemented, "method Watch not implemented")
}

func RegisterLedgerServer(s grpc.ServiceRegistrar, srv LedgerServer) {
	s.RegisterService(&Ledger_ServiceDesc, srv)
}

type Ledger_WatchServer interface {
	Send(*wrapperspb.BytesValue) error
	grpc.ServerStream
}

type ledgerWatchServer struct{ grpc.ServerStream }

func (x *ledgerWatchServer) Send(m *wrapperspb.BytesValue) error { return x.ServerStream.SendMsg(m) }

type Ledger_WatchClient interface {
	Recv() (*wrapperspb.BytesValue, error)
	grpc.ClientStream
}

type ledgerWatchClient struct{ grpc.ClientStream }

func (x *ledgerWatchClient) Recv() (*wrapperspb.BytesValue, error) {
	m := new(wrapperspb.BytesValue)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

type LedgerClient interface {
	Submit(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error)
	Query(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error)
	Events(ctx context.Context, in *wrapperspb.UInt64Value, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error)
	Watch(ctx context.Context, in *wrapperspb.UInt64Value, opts ...grpc.CallOption) (Ledger_WatchClient, error)
}

type ledgerClient struct{ cc grpc.ClientConnInterface }

func NewLedgerClient(cc grpc.ClientConnInterface) LedgerClient {
	return &ledgerClient{cc: cc}
}

func (c *ledgerClient) Submit(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Submit", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ledgerClient) Query(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Query", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ledgerClient) Events(ctx context.Context, in *wrapperspb.UInt64Value, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Events", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ledgerClient) Watch(ctx context.Context, in *wrapperspb.UInt64Value, opts ...grpc.CallOption) (Ledger_WatchClient, error) {
	stream, err := c.cc.NewStream(ctx, &Ledger_ServiceDesc.Streams[0], "/"+serviceName+"/Watch", opts...)
	if err != nil {
		return nil, err
	}
	x := &ledgerWatchClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

func _Ledger_Submit_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LedgerServer).Submit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Submit"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(LedgerServer).Submit(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func _Ledger_Query_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LedgerServer).Query(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Query"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(LedgerServer).Query(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func _Ledger_Events_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.UInt64Value)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LedgerServer).Events(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Events"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(LedgerServer).Events(ctx, req.(*wrapperspb.UInt64Value))
	}
	return interceptor(ctx, in, info, handler)
}

func _Ledger_Watch_Handler(srv interface{}, stream grpc.ServerStream) error {
	m := new(wrapperspb.UInt64Value)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(LedgerServer).Watch(m, &ledgerWatchServer{stream})
}

var Ledger_ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*LedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: _Ledger_Submit_Handler},
		{MethodName: "Query", Handler: _Ledger_Query_Handler},
		{MethodName: "Events", Handler: _Ledger_Events_Handler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: _Ledger_Watch_Handler, ServerStreams: true},
	},
	Metadata: "ledger.proto",
}
