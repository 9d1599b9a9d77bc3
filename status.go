package ttrpc

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tinytransport/ttrpc/wire"
)

// Code re-exports grpc's status code enum; spec.md's Code closed set
// (OK, UNKNOWN, INVALID_ARGUMENT, NOT_FOUND, INTERNAL, ...) is exactly
// codes.Code's numeric space, so handlers and callers of this package
// use the familiar google.golang.org/grpc/codes constants directly.
type Code = codes.Code

func toWireStatus(s *status.Status) *wire.Status {
	return &wire.Status{
		Code:    int32(s.Code()),
		Message: s.Message(),
	}
}

func invalidArgumentResponse(format string, args ...interface{}) *wire.Response {
	return &wire.Response{
		Status: toWireStatus(status.Newf(codes.InvalidArgument, format, args...)),
	}
}

func internalResponse(format string, args ...interface{}) *wire.Response {
	return &wire.Response{
		Status: toWireStatus(status.Newf(codes.Internal, format, args...)),
	}
}

func newGRPCStatus(code Code, format string, args ...interface{}) *status.Status {
	return status.Newf(code, format, args...)
}

func okResponse(payload []byte) *wire.Response {
	return &wire.Response{
		Status:  toWireStatus(status.New(codes.OK, "")),
		Payload: payload,
	}
}

func errorResponse(err error) *wire.Response {
	return &wire.Response{
		Status: toWireStatus(statusFromError(err)),
	}
}
