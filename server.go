// Package ttrpc implements the core of a ttrpc (tiny-transport RPC)
// server: a synchronous, framed, length-prefixed RPC transport over
// UNIX domain sockets and VSOCK, together with the adaptive
// per-connection worker pool that multiplexes request handling on a
// single socket.
package ttrpc

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

const (
	defaultThreadCountDefault = 3
	defaultThreadCountMin     = 1
	defaultThreadCountMax     = 5

	reaperQueueSize = 256
)

// Server is the facade of spec.md §4.6: it owns the listening socket,
// the connection table, the shutdown self-pipe, the registered
// routes, and the worker-pool sizing parameters every accepted
// connection's engine is built from.
type Server struct {
	mu          sync.Mutex
	connections map[int]*connRecord
	connGroup   *errgroup.Group

	router     *router
	preHandler PreHandler
	codec      codec

	listenerFD int
	bound      bool
	started    bool

	monitorR, monitorW int

	quit int32 // atomic bool

	listenerDone  chan struct{}
	reaperCh      chan int
	reaperStopped chan struct{}

	tcDefault, tcMin, tcMax int
	maxMsgSize              uint32

	log *logrus.Logger
}

// ServerOpt configures a Server at construction time.
type ServerOpt func(*Server) error

// WithPreHandler registers a PreHandler invoked before every matched
// Method. See the PreHandler doc comment for the short-circuit
// contract on failure.
func WithPreHandler(h PreHandler) ServerOpt {
	return func(s *Server) error {
		s.preHandler = h
		return nil
	}
}

// WithLogger overrides the default logrus.StandardLogger().
func WithLogger(l *logrus.Logger) ServerOpt {
	return func(s *Server) error {
		s.log = l
		return nil
	}
}

// WithMaxMessageSize overrides the 4 MiB default frame payload cap.
func WithMaxMessageSize(n uint32) ServerOpt {
	return func(s *Server) error {
		s.maxMsgSize = n
		return nil
	}
}

// WithCodec overrides the default gogo/protobuf-backed wireCodec used
// to marshal/unmarshal the wire Request/Response envelopes.
func WithCodec(c codec) ServerOpt {
	return func(s *Server) error {
		s.codec = c
		return nil
	}
}

// WithServiceRegistration registers a service at construction time,
// equivalent to calling RegisterService immediately after New.
func WithServiceRegistration(service string, desc ServiceDesc) ServerOpt {
	return func(s *Server) error {
		s.RegisterService(service, desc)
		return nil
	}
}

// New constructs a fresh Server with the default thread counts
// (default=3, min=1, max=5) and a freshly created self-pipe.
func New(opts ...ServerOpt) (*Server, error) {
	r, w, err := newSelfPipe()
	if err != nil {
		return nil, err
	}

	s := &Server{
		connections:   make(map[int]*connRecord),
		connGroup:     &errgroup.Group{},
		router:        newRouter(),
		codec:         wireCodec{},
		listenerFD:    -1,
		monitorR:      r,
		monitorW:      w,
		listenerDone:  make(chan struct{}),
		reaperCh:      make(chan int, reaperQueueSize),
		reaperStopped: make(chan struct{}),
		tcDefault:     defaultThreadCountDefault,
		tcMin:         defaultThreadCountMin,
		tcMax:         defaultThreadCountMax,
		maxMsgSize:    defaultMaxMessageSize,
		log:           logrus.StandardLogger(),
	}

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			unix.Close(r)
			unix.Close(w)
			return nil, err
		}
	}

	return s, nil
}

// Bind parses "scheme://addr" (unix:// or vsock://, see spec.md §6),
// creates, binds and listens on a stream socket, and records the fd.
// A second call returns an error: this core binds exactly one host.
func (s *Server) Bind(host string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bound {
		return newOthersError(errAlreadyBound)
	}

	fd, err := newListenSocket(host, acceptBacklog)
	if err != nil {
		return err
	}

	s.listenerFD = fd
	s.bound = true
	return nil
}

// AddListener accepts an externally prepared listening fd in place of Bind.
func (s *Server) AddListener(fd int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bound {
		return newOthersError(errAlreadyBound)
	}
	s.listenerFD = fd
	s.bound = true
	return nil
}

// RegisterService merges method entries into the router. Must be
// called before Start; the router is treated as immutable thereafter.
func (s *Server) RegisterService(service string, desc ServiceDesc) {
	s.router.register(service, desc)
}

// WithUnknownServiceHandler installs the fallback invoked on a routing
// miss instead of the default INVALID_ARGUMENT response.
func (s *Server) WithUnknownServiceHandler(h Method) {
	s.router.unknown = h
}

// SetThreadCountDefault overrides the default worker-pool size.
func (s *Server) SetThreadCountDefault(n int) *Server { s.tcDefault = n; return s }

// SetThreadCountMin overrides the worker-pool's floor.
func (s *Server) SetThreadCountMin(n int) *Server { s.tcMin = n; return s }

// SetThreadCountMax overrides the worker-pool's ceiling.
func (s *Server) SetThreadCountMax(n int) *Server { s.tcMax = n; return s }

func (s *Server) threadCountDefault() int { return s.tcDefault }
func (s *Server) threadCountMin() int     { return s.tcMin }
func (s *Server) threadCountMax() int     { return s.tcMax }
func (s *Server) maxMessageSize() uint32  { return s.maxMsgSize }

// Start validates the thread-count sizing, sets the listener
// non-blocking, and spawns the listener and reaper goroutines. It
// returns immediately; connections are handled asynchronously.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return newOthersError(errors.New("ttrpc: already started"))
	}
	if !s.bound {
		return newOthersError(errors.New("ttrpc: not bound"))
	}
	if !(s.tcMin < s.tcDefault && s.tcDefault < s.tcMax) {
		return newOthersError(errors.New("ttrpc: thread counts must satisfy min < default < max"))
	}

	if err := unix.SetNonblock(s.listenerFD, true); err != nil {
		return newOthersError(errors.Wrap(err, "set listener non-blocking"))
	}

	s.started = true

	go s.listenerLoop()
	go s.reaperLoop()
	go s.closeReaperWhenDrained()

	return nil
}

// Shutdown flips quit, wakes the listener via the self-pipe, closes
// every live connection, then joins the listener and reaper. The
// connection-table lock is released before joining, per spec.md §9's
// resolution of the reference source's listener-join FIXME: joining
// while holding that lock would deadlock against the reaper, which
// also needs it to remove entries.
func (s *Server) Shutdown() error {
	atomic.StoreInt32(&s.quit, 1)

	if err := unix.Close(s.monitorW); err != nil {
		s.log.WithError(err).Warn("ttrpc: failed to close self-pipe write end")
	}

	s.mu.Lock()
	engines := make([]*connEngine, 0, len(s.connections))
	for _, c := range s.connections {
		engines = append(engines, c.engine)
	}
	s.mu.Unlock()

	for _, e := range engines {
		e.close()
	}

	<-s.listenerDone
	<-s.reaperStopped

	unix.Close(s.listenerFD)
	unix.Close(s.monitorR)
	return nil
}

// Addr reports the server's bound listening fd (-1 before Bind or
// AddListener). It is the raw fd, not the "scheme://addr" string that
// Dial takes.
func (s *Server) Addr() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listenerFD
}
