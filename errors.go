package ttrpc

import (
	"fmt"

	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// errRespondAfterClose is returned by Context.Respond/Fail when the
// connection's response sink has already been torn down.
var errRespondAfterClose = errors.New("ttrpc: connection closed before response could be sent")

// errClosedByPeer signals a zero-byte read, i.e. an orderly peer close.
var errClosedByPeer = errors.New("ttrpc: connection closed by peer")

// errKind is the closed set of error categories the transport
// distinguishes when deciding whether a connection is still usable.
type errKind int

const (
	kindSocket errKind = iota
	kindProtocol
	kindRPCStatus
	kindOthers
)

// transportError is the common shape behind Socket/Protocol/Others
// errors: a kind used for fatality decisions plus a wrapped cause.
type transportError struct {
	kind  errKind
	cause error
}

func (e *transportError) Error() string {
	return fmt.Sprintf("%s: %v", e.kind, e.cause)
}

func (e *transportError) Unwrap() error { return e.cause }

func (k errKind) String() string {
	switch k {
	case kindSocket:
		return "ttrpc: socket error"
	case kindProtocol:
		return "ttrpc: protocol error"
	case kindOthers:
		return "ttrpc: error"
	default:
		return "ttrpc: unknown error"
	}
}

func newSocketError(cause error) error {
	return &transportError{kind: kindSocket, cause: cause}
}

func newProtocolError(cause error) error {
	return &transportError{kind: kindProtocol, cause: cause}
}

func newOthersError(cause error) error {
	return &transportError{kind: kindOthers, cause: cause}
}

// isSocketError and isProtocolError let callers branch on fatality the
// way the worker loop's step 6 does in spec.md: socket errors and
// protocol errors are connection-fatal, everything else is skippable.
func isSocketError(err error) bool {
	var te *transportError
	return errors.As(err, &te) && te.kind == kindSocket
}

func isProtocolError(err error) bool {
	var te *transportError
	return errors.As(err, &te) && te.kind == kindProtocol
}

// rpcStatusError carries a structured application Status destined to
// become a Response's status, rather than tearing the connection down.
type rpcStatusError struct {
	status *status.Status
}

func (e *rpcStatusError) Error() string {
	return e.status.Message()
}

// isRPCStatusError reports whether err carries a structured Status a
// Method returned deliberately, as opposed to an arbitrary Go error.
func isRPCStatusError(err error) bool {
	var rse *rpcStatusError
	return errors.As(err, &rse)
}

// NewStatusError builds the handler-facing error a Method implementation
// returns when it wants to report a structured failure instead of a
// transport-fatal one.
func NewStatusError(code codes.Code, format string, args ...interface{}) error {
	return &rpcStatusError{status: status.Newf(code, format, args...)}
}

// statusFromError turns any error into the wire Status the spec's
// error-handling table requires:
//   - *rpcStatusError carries its own status through unchanged.
//   - anything else becomes Code_UNKNOWN with the error's message,
//     the "Handler returns any other error" row of section 7.
func statusFromError(err error) *status.Status {
	if err == nil {
		return status.New(codes.OK, "")
	}
	var rse *rpcStatusError
	if errors.As(err, &rse) {
		return rse.status
	}
	return status.New(codes.Unknown, err.Error())
}
