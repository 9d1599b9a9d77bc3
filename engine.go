package ttrpc

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/tinytransport/ttrpc/wire"
)

// responseQueueSize is the response channel's capacity. Section 5 of
// the spec calls the response channel's send "non-blocking in
// practice"; a generous buffer is how that's realized without a
// second unbounded-queue data structure.
const responseQueueSize = 256

// connEngine is the per-connection engine of spec.md §4.3: it owns one
// accepted fd, a worker pool that reads frames and dispatches
// handlers, a single response-writer goroutine, and the control loop
// that keeps the pool's size within [min, max].
type connEngine struct {
	fd     rawConn
	srv    *Server
	log    *logrus.Entry
	quit   int32 // atomic bool, this connection's cancellation flag
	wtc    int32 // atomic worker count
	readMu sync.Mutex

	control   chan struct{} // rendezvous (capacity 0): wakes the control loop
	responses chan responseEnvelope
	done      chan struct{} // closed once the engine has fully torn down

	workers sync.WaitGroup
}

func newConnEngine(srv *Server, fd int, log *logrus.Entry) *connEngine {
	return &connEngine{
		fd:        rawConn{fd: fd},
		srv:       srv,
		log:       log,
		control:   make(chan struct{}),
		responses: make(chan responseEnvelope, responseQueueSize),
		done:      make(chan struct{}),
	}
}

// run starts the writer and initial worker pool and blocks in the
// control loop until the connection's quit flag is observed, then
// tears everything down in the order spec.md §4.3's control loop
// prescribes. It is meant to be run in its own goroutine; the listener
// treats that goroutine as the "engine join handle" (joined through
// s.connGroup), and the fd sent on reaperCh as its last step tells the
// reaper to remove the connection from the table.
func (e *connEngine) run() {
	defer close(e.done)

	var writerWG sync.WaitGroup
	writerWG.Add(1)
	go e.writerLoop(&writerWG)

	e.spawnWorkers(e.srv.threadCountDefault())

	for atomic.LoadInt32(&e.quit) == 0 {
		wtc := int(atomic.LoadInt32(&e.wtc))
		if want := e.srv.threadCountDefault() - wtc; wtc < e.srv.threadCountMin() && want > 0 {
			e.spawnWorkers(want)
		}
		<-e.control
	}

	e.workers.Wait()
	close(e.responses)
	writerWG.Wait()
	e.fd.Close()

	// The server only closes reaperCh once every accepted connection's
	// engine (joined via s.connGroup) has reached this point, so this
	// send can never race a closed channel.
	e.srv.reaperCh <- e.fd.fd
}

// close marks the connection for teardown and forcibly unblocks a
// worker parked in a blocking read, mirroring Connection::close in the
// reference source.
func (e *connEngine) close() {
	atomic.StoreInt32(&e.quit, 1)
	e.fd.shutdownRead()
	e.signalControl()
}

func (e *connEngine) signalControl() {
	select {
	case e.control <- struct{}{}:
	default:
	}
}

func (e *connEngine) spawnWorkers(n int) {
	for i := 0; i < n; i++ {
		if atomic.LoadInt32(&e.quit) != 0 {
			return
		}
		e.workers.Add(1)
		go e.workerLoop()
	}
}

// workerLoop implements spec.md §4.3's seven-step worker loop: it runs
// until it errors, observes quit, or self-terminates because the pool
// is oversized.
func (e *connEngine) workerLoop() {
	defer e.workers.Done()

	max := int32(e.srv.threadCountMax())
	min := int32(e.srv.threadCountMin())

	for {
		// 1. Elastic shrink: a worker that pushes the pool over max
		// self-terminates immediately rather than blocking on a read.
		c := atomic.AddInt32(&e.wtc, 1)
		if c > max {
			atomic.AddInt32(&e.wtc, -1)
			return
		}

		e.readMu.Lock()

		// 3. Re-check quit after acquiring the lock to collapse the
		// race between a fresh worker starting and shutdown firing.
		if atomic.LoadInt32(&e.quit) != 0 {
			e.readMu.Unlock()
			atomic.AddInt32(&e.wtc, -1)
			e.signalControl()
			return
		}

		hdr, payload, err := readFrame(e.fd, e.srv.maxMessageSize())
		e.readMu.Unlock()

		if n := atomic.AddInt32(&e.wtc, -1); n < min {
			e.signalControl()
		}

		if err != nil {
			if isSocketError(err) || isProtocolError(err) {
				e.log.WithError(err).Debug("ttrpc: connection-fatal read error")
				atomic.StoreInt32(&e.quit, 1)
				e.signalControl()
				return
			}
			e.log.WithError(err).Debug("ttrpc: recoverable read error, skipping frame")
			continue
		}

		if hdr.msgType != messageTypeRequest {
			continue
		}

		if e.dispatch(hdr, payload) {
			return
		}
	}
}

// dispatch decodes and routes one REQUEST frame's payload, returning
// true if the connection should be torn down (the handler returned an
// error not built with NewStatusError). A failing pre-handler is not
// connection-fatal: it yields an INTERNAL response and false.
func (e *connEngine) dispatch(hdr messageHeader, payload []byte) (fatal bool) {
	req := &wire.Request{}
	if err := e.srv.codec.Unmarshal(payload, req); err != nil {
		tctx := e.newContext(hdr, nil)
		_ = tctx.send(invalidArgumentResponse("%s", err.Error()))
		return false
	}

	path := routePath(req.Service, req.Method)
	method, ok := e.srv.router.lookup(req.Service, req.Method)
	if !ok && e.srv.router.unknown != nil {
		method, ok = e.srv.router.unknown, true
	}

	tctx := e.newContext(hdr, req.Metadata)

	if !ok {
		_ = tctx.send(invalidArgumentResponse("%s does not exist", path))
		return false
	}

	if pre := e.srv.preHandler; pre != nil {
		if err := pre(tctx, req); err != nil {
			e.log.WithError(err).WithField("path", path).Warn("ttrpc: pre-handler failed, short-circuiting")
			_ = tctx.send(internalResponse("pre-handler: %v", err))
			return false
		}
	}

	if err := method(tctx, req); err != nil {
		if isRPCStatusError(err) {
			e.log.WithError(err).WithField("path", path).Debug("ttrpc: handler returned a structured status")
			_ = tctx.send(errorResponse(err))
			return false
		}
		e.log.WithError(err).WithField("path", path).Debug("ttrpc: handler returned connection-fatal error")
		atomic.StoreInt32(&e.quit, 1)
		e.signalControl()
		return true
	}

	return false
}

func (e *connEngine) newContext(hdr messageHeader, metadata []*wire.KeyValue) *Context {
	return &Context{
		fd:       e.fd.fd,
		streamID: hdr.streamID,
		metadata: metadata,
		sink:     e.responses,
		done:     e.done,
	}
}

// writerLoop is the response-writer task: the sole writer of this
// connection's socket, per spec.md's single-writer invariant.
func (e *connEngine) writerLoop(wg *sync.WaitGroup) {
	defer wg.Done()
	for env := range e.responses {
		buf, err := e.srv.codec.Marshal(env.resp)
		if err != nil {
			e.log.WithError(err).Error("ttrpc: failed to marshal response")
			atomic.StoreInt32(&e.quit, 1)
			e.signalControl()
			continue
		}
		hdr := messageHeader{
			length:   uint32(len(buf)),
			streamID: env.streamID,
			msgType:  messageTypeResponse,
		}
		if err := writeFrame(e.fd, hdr, buf); err != nil {
			e.log.WithError(err).Debug("ttrpc: write_frame failed, closing connection")
			atomic.StoreInt32(&e.quit, 1)
			e.signalControl()
		}
	}
}
