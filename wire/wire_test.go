package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequestMarshalRoundTrip(t *testing.T) {
	req := &Request{
		Service:     "Echo",
		Method:      "Ping",
		TimeoutNano: 1500,
		Metadata:    []*KeyValue{{Key: "trace-id", Value: "abc"}},
		Payload:     []byte("hello"),
	}

	buf, err := Marshal(req)
	require.NoError(t, err)

	got := &Request{}
	require.NoError(t, Unmarshal(buf, got))

	require.Equal(t, req.Service, got.Service)
	require.Equal(t, req.Method, got.Method)
	require.Equal(t, req.TimeoutNano, got.TimeoutNano)
	require.Equal(t, req.Payload, got.Payload)
	require.Len(t, got.Metadata, 1)
	require.Equal(t, "abc", got.Metadata[0].GetValue())
}

func TestResponseMarshalRoundTrip(t *testing.T) {
	resp := &Response{
		Status:  &Status{Code: 3, Message: "bad input"},
		Payload: []byte("world"),
	}

	buf, err := Marshal(resp)
	require.NoError(t, err)

	got := &Response{}
	require.NoError(t, Unmarshal(buf, got))

	require.Equal(t, int32(3), got.GetStatus().Code)
	require.Equal(t, "bad input", got.GetStatus().Message)
	require.Equal(t, resp.Payload, got.Payload)
}

func TestUnmarshalMalformedReturnsDescriptiveError(t *testing.T) {
	err := Unmarshal([]byte{0xff, 0xff, 0xff}, &Request{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unmarshal")
}

func TestMetadataGet(t *testing.T) {
	md := []*KeyValue{{Key: "a", Value: "1"}, {Key: "b", Value: "2"}}

	v, ok := MetadataGet(md, "b")
	require.True(t, ok)
	require.Equal(t, "2", v)

	_, ok = MetadataGet(md, "missing")
	require.False(t, ok)
}

func TestNilAccessorsAreSafe(t *testing.T) {
	var kv *KeyValue
	require.Equal(t, "", kv.GetKey())
	require.Equal(t, "", kv.GetValue())

	var req *Request
	require.Nil(t, req.GetPayload())

	var resp *Response
	require.Nil(t, resp.GetStatus())
	require.Nil(t, resp.GetPayload())
}
