package ttrpc

import (
	"github.com/tinytransport/ttrpc/wire"
)

// protoMessage is the minimal surface gogo/protobuf's reflection-based
// proto.Marshal needs from a message.
type protoMessage interface {
	Reset()
	String() string
	ProtoMessage()
}

// codec is the black-box message encoder spec.md §1 carves out of
// scope: encode(msg) -> bytes, decode(bytes) -> msg. The core only
// ever calls it on the wire package's own Request/Response types,
// never on application payloads (those are opaque []byte carried
// inside Request.Payload / Response.Payload).
type codec interface {
	Marshal(v protoMessage) ([]byte, error)
	Unmarshal(buf []byte, v protoMessage) error
}

// wireCodec is the default codec, backed by github.com/gogo/protobuf/proto.
type wireCodec struct{}

func (wireCodec) Marshal(v protoMessage) ([]byte, error) {
	return wire.Marshal(v)
}

func (wireCodec) Unmarshal(buf []byte, v protoMessage) error {
	return wire.Unmarshal(buf, v)
}
