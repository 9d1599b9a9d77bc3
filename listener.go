package ttrpc

import (
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// acceptBacklog is the listen(2) backlog; spec.md §4.4 requires >= 10.
const acceptBacklog = 16

// connRecord is the connection table's entry: spec.md §3's Connection,
// exclusively owned by the server until the reaper removes it.
type connRecord struct {
	fd     int
	engine *connEngine
}

// listenerLoop is the accept loop of spec.md §4.4: it waits on the
// listening fd and the self-pipe's read end together, accepts new
// connections, and spawns a connEngine for each.
func (s *Server) listenerLoop() {
	defer close(s.listenerDone)

	log := s.log.WithField("component", "listener")
	log.Debug("ttrpc: listener loop starting")

	for {
		if atomic.LoadInt32(&s.quit) != 0 {
			break
		}

		fds := []unix.PollFd{
			{Fd: int32(s.listenerFD), Events: unix.POLLIN},
			{Fd: int32(s.monitorR), Events: unix.POLLIN},
		}

		_, err := unix.Poll(fds, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			log.WithError(err).Warn("ttrpc: poll failed, stopping listener")
			break
		}

		monitorReady := fds[1].Revents != 0
		listenerReady := fds[0].Revents&unix.POLLIN != 0
		if monitorReady || !listenerReady {
			continue
		}

		if atomic.LoadInt32(&s.quit) != 0 {
			break
		}

		fd, _, err := unix.Accept4(s.listenerFD, unix.SOCK_CLOEXEC)
		if err != nil {
			log.WithError(err).Warn("ttrpc: accept failed, stopping listener")
			break
		}

		s.acceptConn(fd, log)
	}

	log.Debug("ttrpc: listener loop stopped")
}

func (s *Server) acceptConn(fd int, log *logrus.Entry) {
	connLog := log.WithField("fd", fd)
	connLog.Debug("ttrpc: accepted connection")

	engine := newConnEngine(s, fd, connLog)

	s.mu.Lock()
	s.connections[fd] = &connRecord{fd: fd, engine: engine}
	s.mu.Unlock()

	s.connGroup.Go(func() error {
		engine.run()
		return nil
	})
}

// closeReaperWhenDrained closes s.reaperCh once the listener has
// stopped accepting and every accepted connection's engine has
// reached the end of its teardown (including its final reaperCh
// send), so the send in connEngine.run can never race a closed
// channel. This is the Go equivalent of the reference source dropping
// its last reaper_tx clone once every connection handler thread has
// exited; connGroup.Wait joins every engine goroutine the way an
// errgroup joins a fan-out of workers.
func (s *Server) closeReaperWhenDrained() {
	<-s.listenerDone
	s.connGroup.Wait()
	close(s.reaperCh)
}

// reaperLoop consumes finished connections' fds and removes them from
// the connection table, per spec.md §4.5. It exits once reaperCh is
// closed.
func (s *Server) reaperLoop() {
	defer close(s.reaperStopped)
	log := s.log.WithField("component", "reaper")

	for fd := range s.reaperCh {
		s.mu.Lock()
		delete(s.connections, fd)
		s.mu.Unlock()
		log.WithField("fd", fd).Debug("ttrpc: connection reaped")
	}
}

var errAlreadyBound = errors.New("ttrpc: server already has a listener bound")
