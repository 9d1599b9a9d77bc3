// Package wire holds the hand-maintained stand-ins for the messages a
// .proto code generator would normally emit for ttrpc: Request,
// Response, Status and the metadata KeyValue pair. They carry plain
// protobuf struct tags so github.com/gogo/protobuf/proto can marshal
// and unmarshal them through its reflection path without a generated
// Marshal/Unmarshal pair.
package wire

import (
	"fmt"

	"github.com/gogo/protobuf/proto"
)

// KeyValue is one entry of a Request's metadata list.
type KeyValue struct {
	Key   string `protobuf:"bytes,1,opt,name=key,proto3" json:"key,omitempty"`
	Value string `protobuf:"bytes,2,opt,name=value,proto3" json:"value,omitempty"`
}

func (m *KeyValue) Reset()         { *m = KeyValue{} }
func (m *KeyValue) String() string { return proto.CompactTextString(m) }
func (*KeyValue) ProtoMessage()    {}

// Request is the payload of a REQUEST frame.
type Request struct {
	Service     string      `protobuf:"bytes,1,opt,name=service,proto3" json:"service,omitempty"`
	Method      string      `protobuf:"bytes,2,opt,name=method,proto3" json:"method,omitempty"`
	TimeoutNano int64       `protobuf:"varint,3,opt,name=timeout_nano,json=timeoutNano,proto3" json:"timeout_nano,omitempty"`
	Metadata    []*KeyValue `protobuf:"bytes,4,rep,name=metadata,proto3" json:"metadata,omitempty"`
	Payload     []byte      `protobuf:"bytes,5,opt,name=payload,proto3" json:"payload,omitempty"`
}

func (m *Request) Reset()         { *m = Request{} }
func (m *Request) String() string { return proto.CompactTextString(m) }
func (*Request) ProtoMessage()    {}

// Status mirrors google.rpc.Status's shape (code + message) without
// pulling in a second, incompatible protobuf runtime; Code matches
// google.golang.org/grpc/codes.Code numeric values.
type Status struct {
	Code    int32  `protobuf:"varint,1,opt,name=code,proto3" json:"code,omitempty"`
	Message string `protobuf:"bytes,2,opt,name=message,proto3" json:"message,omitempty"`
}

func (m *Status) Reset()         { *m = Status{} }
func (m *Status) String() string { return proto.CompactTextString(m) }
func (*Status) ProtoMessage()    {}

// Response is the payload of a RESPONSE frame.
type Response struct {
	Status  *Status `protobuf:"bytes,1,opt,name=status,proto3" json:"status,omitempty"`
	Payload []byte  `protobuf:"bytes,2,opt,name=payload,proto3" json:"payload,omitempty"`
}

func (m *Response) Reset()         { *m = Response{} }
func (m *Response) String() string { return proto.CompactTextString(m) }
func (*Response) ProtoMessage()    {}

// Marshal encodes m with the reflection-based gogo/protobuf marshaler.
func Marshal(m proto.Message) ([]byte, error) {
	return proto.Marshal(m)
}

// Unmarshal decodes buf into m, returning a descriptive error on
// malformed input so callers can surface it as an INVALID_ARGUMENT
// status message.
func Unmarshal(buf []byte, m proto.Message) error {
	if err := proto.Unmarshal(buf, m); err != nil {
		return fmt.Errorf("unmarshal %T: %w", m, err)
	}
	return nil
}

// MetadataGet returns the first value for key, mirroring the
// single-valued lookup handlers typically want from a Request's
// metadata list.
func MetadataGet(md []*KeyValue, key string) (string, bool) {
	for _, kv := range md {
		if kv.GetKey() == key {
			return kv.GetValue(), true
		}
	}
	return "", false
}

// GetKey and GetValue follow the generated-accessor convention so
// KeyValue behaves like the real thing even though it's hand-written.
func (m *KeyValue) GetKey() string {
	if m == nil {
		return ""
	}
	return m.Key
}

func (m *KeyValue) GetValue() string {
	if m == nil {
		return ""
	}
	return m.Value
}

func (m *Request) GetPayload() []byte {
	if m == nil {
		return nil
	}
	return m.Payload
}

func (m *Response) GetStatus() *Status {
	if m == nil {
		return nil
	}
	return m.Status
}

func (m *Response) GetPayload() []byte {
	if m == nil {
		return nil
	}
	return m.Payload
}
