package rpc

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"xdao.co/agentpay/protoerr"
)

var grpcCodes = map[protoerr.Code]codes.Code{
	protoerr.AlreadyRegistered: codes.AlreadyExists,
	protoerr.AlreadyDeployed:   codes.AlreadyExists,
	protoerr.NotRegistered:     codes.FailedPrecondition,
	protoerr.InvalidState:      codes.FailedPrecondition,
	protoerr.TransferFailed:    codes.FailedPrecondition,
	protoerr.InvalidAmount:     codes.InvalidArgument,
	protoerr.InvalidAddress:    codes.InvalidArgument,
	protoerr.Unauthorized:      codes.PermissionDenied,
	protoerr.InvalidSignature:  codes.Unauthenticated,
	protoerr.ReplayedNonce:     codes.Aborted,
	protoerr.UnknownMethod:     codes.Unimplemented,
	protoerr.Internal:          codes.Internal,
}

// ToStatus converts err into a gRPC status error. protoerr codes travel as a
// StringValue detail so FromStatus can restore them exactly.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	code := protoerr.CodeOf(err)
	if code == "" {
		return status.Error(codes.Internal, err.Error())
	}
	gc, ok := grpcCodes[code]
	if !ok {
		gc = codes.Unknown
	}
	st := status.New(gc, err.Error())
	if withCode, derr := st.WithDetails(wrapperspb.String(string(code))); derr == nil {
		st = withCode
	}
	return st.Err()
}

// FromStatus reverses ToStatus. Statuses without a protoerr detail are
// returned unchanged, except cancellation and deadline which map to the
// context errors.
func FromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	for _, d := range st.Details() {
		if sv, ok := d.(*wrapperspb.StringValue); ok {
			code := protoerr.Code(sv.GetValue())
			if protoerr.Known(code) {
				return &protoerr.Error{Code: code, Message: st.Message()}
			}
		}
	}
	switch st.Code() {
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	}
	return err
}
