package ttrpc

import (
	"fmt"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/tinytransport/ttrpc/wire"
)

func testAddr(t *testing.T) string {
	return fmt.Sprintf("unix://ttrpc-test-%s-%d", t.Name(), time.Now().UnixNano())
}

func dialTest(t *testing.T, host string) io.ReadWriteCloser {
	t.Helper()
	conn, err := Dial(host)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendRequest(t *testing.T, conn io.Writer, streamID uint32, service, method string, payload []byte) {
	t.Helper()
	req := &wire.Request{Service: service, Method: method, Payload: payload}
	buf, err := wire.Marshal(req)
	require.NoError(t, err)
	hdr := messageHeader{length: uint32(len(buf)), streamID: streamID, msgType: messageTypeRequest}
	require.NoError(t, writeFrame(conn, hdr, buf))
}

func recvResponse(t *testing.T, conn io.Reader) (uint32, *wire.Response) {
	t.Helper()
	hdr, payload, err := readFrame(conn, 0)
	require.NoError(t, err)
	require.Equal(t, messageTypeResponse, hdr.msgType)
	resp := &wire.Response{}
	require.NoError(t, wire.Unmarshal(payload, resp))
	return hdr.streamID, resp
}

func newRunningServer(t *testing.T, opts ...ServerOpt) (*Server, string) {
	t.Helper()
	srv, err := New(opts...)
	require.NoError(t, err)

	addr := testAddr(t)
	require.NoError(t, srv.Bind(addr))
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Shutdown() })
	return srv, addr
}

func TestHappyPath(t *testing.T) {
	srv, addr := newRunningServer(t, WithServiceRegistration("Echo", ServiceDesc{
		Methods: map[string]Method{
			"Ping": func(tctx *Context, req *wire.Request) error {
				return tctx.Respond(req.GetPayload())
			},
		},
	}))
	_ = srv

	conn := dialTest(t, addr)
	sendRequest(t, conn, 7, "Echo", "Ping", []byte("hi"))
	streamID, resp := recvResponse(t, conn)

	require.Equal(t, uint32(7), streamID)
	require.Equal(t, int32(codes.OK), resp.GetStatus().Code)
	require.Equal(t, []byte("hi"), resp.GetPayload())
}

func TestMissingRoute(t *testing.T) {
	_, addr := newRunningServer(t, WithServiceRegistration("Echo", ServiceDesc{
		Methods: map[string]Method{
			"Ping": func(tctx *Context, req *wire.Request) error {
				return tctx.Respond(req.GetPayload())
			},
		},
	}))

	conn := dialTest(t, addr)
	sendRequest(t, conn, 1, "Echo", "Pong", nil)
	streamID, resp := recvResponse(t, conn)

	require.Equal(t, uint32(1), streamID)
	require.Equal(t, int32(codes.InvalidArgument), resp.GetStatus().Code)
	require.Contains(t, resp.GetStatus().Message, "/Echo/Pong does not exist")

	// Connection remains open: a subsequent valid request is served.
	sendRequest(t, conn, 2, "Echo", "Ping", []byte("still alive"))
	streamID, resp = recvResponse(t, conn)
	require.Equal(t, uint32(2), streamID)
	require.Equal(t, int32(codes.OK), resp.GetStatus().Code)
}

func TestBadDecode(t *testing.T) {
	_, addr := newRunningServer(t, WithServiceRegistration("Echo", ServiceDesc{
		Methods: map[string]Method{
			"Ping": func(tctx *Context, req *wire.Request) error {
				return tctx.Respond(req.GetPayload())
			},
		},
	}))

	conn := dialTest(t, addr)
	hdr := messageHeader{length: 2, streamID: 1, msgType: messageTypeRequest}
	require.NoError(t, writeFrame(conn, hdr, []byte{0xff, 0xff}))

	streamID, resp := recvResponse(t, conn)
	require.Equal(t, uint32(1), streamID)
	require.Equal(t, int32(codes.InvalidArgument), resp.GetStatus().Code)

	// Connection remains open.
	sendRequest(t, conn, 2, "Echo", "Ping", []byte("ok"))
	_, resp = recvResponse(t, conn)
	require.Equal(t, int32(codes.OK), resp.GetStatus().Code)
}

func TestConcurrentRequestsRunInParallel(t *testing.T) {
	_, addr := newRunningServer(t, WithServiceRegistration("Sleepy", ServiceDesc{
		Methods: map[string]Method{
			"Wait": func(tctx *Context, req *wire.Request) error {
				time.Sleep(50 * time.Millisecond)
				return tctx.Respond(nil)
			},
		},
	}))

	conn := dialTest(t, addr)
	start := time.Now()
	for i := uint32(1); i <= 3; i++ {
		sendRequest(t, conn, i, "Sleepy", "Wait", nil)
	}
	for i := 0; i < 3; i++ {
		_, resp := recvResponse(t, conn)
		require.Equal(t, int32(codes.OK), resp.GetStatus().Code)
	}
	elapsed := time.Since(start)
	require.Lessf(t, elapsed, 120*time.Millisecond, "requests should be processed in parallel, took %s", elapsed)
}

func TestShutdownClosesIdleConnections(t *testing.T) {
	srv, err := New()
	require.NoError(t, err)
	addr := testAddr(t)
	require.NoError(t, srv.Bind(addr))
	require.NoError(t, srv.Start())

	conn := dialTest(t, addr)

	require.NoError(t, srv.Shutdown())

	srv.mu.Lock()
	n := len(srv.connections)
	srv.mu.Unlock()
	require.Equal(t, 0, n)

	readErr := make(chan error, 1)
	go func() {
		buf := make([]byte, 1)
		_, err := conn.Read(buf)
		readErr <- err
	}()
	select {
	case err := <-readErr:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("read on a connection the server tore down during Shutdown never returned")
	}

	_, err = Dial(addr)
	require.Error(t, err)
}

func TestPeerCloseDoesNotAffectOtherConnections(t *testing.T) {
	_, addr := newRunningServer(t, WithServiceRegistration("Echo", ServiceDesc{
		Methods: map[string]Method{
			"Ping": func(tctx *Context, req *wire.Request) error {
				return tctx.Respond(req.GetPayload())
			},
		},
	}))

	dying := dialTest(t, addr)
	dying.Close()

	time.Sleep(50 * time.Millisecond)

	alive := dialTest(t, addr)
	sendRequest(t, alive, 1, "Echo", "Ping", []byte("still here"))
	_, resp := recvResponse(t, alive)
	require.Equal(t, int32(codes.OK), resp.GetStatus().Code)
}

func TestHandlerStatusErrorIsNotFatal(t *testing.T) {
	_, addr := newRunningServer(t, WithServiceRegistration("Echo", ServiceDesc{
		Methods: map[string]Method{
			"Ping": func(tctx *Context, req *wire.Request) error {
				return NewStatusError(codes.NotFound, "no such %s", "thing")
			},
		},
	}))

	conn := dialTest(t, addr)
	sendRequest(t, conn, 1, "Echo", "Ping", nil)
	streamID, resp := recvResponse(t, conn)

	require.Equal(t, uint32(1), streamID)
	require.Equal(t, int32(codes.NotFound), resp.GetStatus().Code)
	require.Contains(t, resp.GetStatus().Message, "no such thing")

	// A structured status is not connection-fatal: the connection stays open.
	sendRequest(t, conn, 2, "Echo", "Ping", nil)
	_, resp = recvResponse(t, conn)
	require.Equal(t, int32(codes.NotFound), resp.GetStatus().Code)
}

func TestPreHandlerPropagatesMetadataToHandler(t *testing.T) {
	_, addr := newRunningServer(t,
		WithServiceRegistration("Echo", ServiceDesc{
			Methods: map[string]Method{
				"Ping": func(tctx *Context, req *wire.Request) error {
					identity, ok := tctx.Value("identity")
					require.True(t, ok)
					return tctx.Respond([]byte(identity))
				},
			},
		}),
		WithPreHandler(func(tctx *Context, req *wire.Request) error {
			tctx.SetValue("identity", "alice")
			return nil
		}),
	)

	conn := dialTest(t, addr)
	sendRequest(t, conn, 1, "Echo", "Ping", nil)
	_, resp := recvResponse(t, conn)

	require.Equal(t, int32(codes.OK), resp.GetStatus().Code)
	require.Equal(t, []byte("alice"), resp.GetPayload())
}

func TestPreHandlerShortCircuit(t *testing.T) {
	var handlerCalls int32

	_, addr := newRunningServer(t,
		WithServiceRegistration("Echo", ServiceDesc{
			Methods: map[string]Method{
				"Ping": func(tctx *Context, req *wire.Request) error {
					atomic.AddInt32(&handlerCalls, 1)
					return tctx.Respond(req.GetPayload())
				},
			},
		}),
		WithPreHandler(func(tctx *Context, req *wire.Request) error {
			return fmt.Errorf("always fails")
		}),
	)

	conn := dialTest(t, addr)
	sendRequest(t, conn, 1, "Echo", "Ping", []byte("hi"))
	_, resp := recvResponse(t, conn)

	require.Equal(t, int32(codes.Internal), resp.GetStatus().Code)
	require.Equal(t, int32(0), atomic.LoadInt32(&handlerCalls))
}
