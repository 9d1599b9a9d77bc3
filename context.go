package ttrpc

import (
	"github.com/tinytransport/ttrpc/wire"
)

// responseEnvelope pairs a decoded wire.Response with the stream_id it
// must be echoed back under; this is what flows over the per-connection
// response channel to the writer task.
type responseEnvelope struct {
	streamID uint32
	resp     *wire.Response
}

// Context is the TtrpcContext of spec.md §3: the handler's means of
// replying. It carries the originating request header (for stream_id
// echoing) and a reference to the connection's response sink.
type Context struct {
	fd       int
	streamID uint32
	metadata []*wire.KeyValue
	sink     chan<- responseEnvelope
	done     <-chan struct{}
}

// Metadata returns the request's metadata list.
func (c *Context) Metadata() []*wire.KeyValue {
	return c.metadata
}

// Value looks up the first metadata entry matching key.
func (c *Context) Value(key string) (string, bool) {
	return wire.MetadataGet(c.metadata, key)
}

// SetValue overwrites the first metadata entry matching key, or
// appends a new one if none exists. Handlers and pre-handlers use this
// to thread values (e.g. an authenticated identity) from a PreHandler
// forward to the Method it gates, since both share the same Context.
func (c *Context) SetValue(key, value string) {
	for _, kv := range c.metadata {
		if kv.GetKey() == key {
			kv.Value = value
			return
		}
	}
	c.metadata = append(c.metadata, &wire.KeyValue{Key: key, Value: value})
}

// Respond emits a successful Response carrying payload, echoing the
// request's stream_id as spec.md's invariants require.
func (c *Context) Respond(payload []byte) error {
	return c.send(okResponse(payload))
}

// Fail emits a structured-status Response, e.g. for handler-level
// validation failures that aren't transport-fatal.
func (c *Context) Fail(code Code, format string, args ...interface{}) error {
	return c.send(&wire.Response{Status: toWireStatus(newGRPCStatus(code, format, args...))})
}

// send pushes onto the response channel. The channel is sized
// generously by the engine (§5: "send is non-blocking in practice"),
// so the only way this blocks indefinitely is during teardown, which
// done guards against.
func (c *Context) send(resp *wire.Response) error {
	select {
	case c.sink <- responseEnvelope{streamID: c.streamID, resp: resp}:
		return nil
	case <-c.done:
		return newOthersError(errRespondAfterClose)
	}
}
