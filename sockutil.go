package ttrpc

import (
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Dial connects to a ttrpc server's "scheme://addr" host string the
// way Bind's server side parses it, so callers (the test suite among
// them) never have to hand-translate an abstract-UNIX or VSOCK address
// into net.Dial's own conventions themselves.
func Dial(host string) (io.ReadWriteCloser, error) {
	sockaddr, family, err := resolveAddr(host)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, newSocketError(errors.Wrap(err, "socket"))
	}
	if err := unix.Connect(fd, sockaddr); err != nil {
		unix.Close(fd)
		return nil, newSocketError(errors.Wrap(err, "connect"))
	}
	return &rawConn{fd: fd}, nil
}

// rawConn adapts a raw POSIX file descriptor to io.ReadWriteCloser so
// frame.go's codec can stay pure I/O, and additionally exposes the
// half-close the engine needs to unblock a worker parked in a blocking
// read during shutdown.
type rawConn struct {
	fd int
}

func (c rawConn) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(c.fd, p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, errClosedByPeer
		}
		return n, nil
	}
}

func (c rawConn) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := unix.Write(c.fd, p[written:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return written, err
		}
		written += n
	}
	return written, nil
}

func (c rawConn) Close() error {
	return unix.Close(c.fd)
}

// shutdownRead forcibly unblocks a worker parked in Read, per spec.md
// §4.3's edge case discussion of collapsing the shutdown-during-read race.
func (c rawConn) shutdownRead() error {
	err := unix.Shutdown(c.fd, unix.SHUT_RD)
	if err != nil && !errors.Is(err, unix.ENOTCONN) {
		return err
	}
	return nil
}

// resolveAddr parses the "scheme://addr" forms spec.md §6 accepts and
// returns a bindable sockaddr plus the address family to create the
// socket with.
func resolveAddr(host string) (unix.Sockaddr, int, error) {
	parts := strings.SplitN(strings.TrimSpace(host), "://", 2)
	if len(parts) != 2 {
		return nil, 0, newOthersError(errors.Errorf("address %q is not in scheme://addr form", host))
	}
	scheme := strings.ToLower(parts[0])

	switch scheme {
	case "unix":
		// Abstract namespace: SockaddrUnix.sockaddr() special-cases a
		// leading '@' itself, translating it to the leading NUL and
		// trimming the assumed trailing terminator. This is the same
		// convention net.Dial("unix", "@name") uses on the client side.
		return &unix.SockaddrUnix{Name: "@" + parts[1]}, unix.AF_UNIX, nil

	case "vsock":
		hostPort := strings.SplitN(parts[1], ":", 2)
		if len(hostPort) != 2 {
			return nil, 0, newOthersError(errors.Errorf("address %q is not a valid vsock cid:port pair", host))
		}
		port, err := strconv.ParseUint(hostPort[1], 10, 32)
		if err != nil {
			return nil, 0, newOthersError(errors.Wrapf(err, "parsing vsock port from %q", host))
		}
		return &unix.SockaddrVM{CID: unix.VMADDR_CID_ANY, Port: uint32(port)}, unix.AF_VSOCK, nil

	default:
		return nil, 0, newOthersError(errors.Errorf("scheme %q is not supported", scheme))
	}
}

// newListenSocket creates, binds and listens on addr, returning the fd
// with CLOEXEC set, matching the reference source's
// socket()/bind()/listen() sequence. The fd is left blocking here;
// Server.Start sets it non-blocking.
func newListenSocket(host string, backlog int) (int, error) {
	sockaddr, family, err := resolveAddr(host)
	if err != nil {
		return -1, err
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, newSocketError(errors.Wrap(err, "socket"))
	}
	if err := unix.Bind(fd, sockaddr); err != nil {
		unix.Close(fd)
		return -1, newOthersError(errors.Wrap(err, "bind"))
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, newSocketError(errors.Wrap(err, "listen"))
	}
	return fd, nil
}

// newSelfPipe returns the (readEnd, writeEnd) of a CLOEXEC pipe used
// solely to wake the listener's readiness wait on shutdown.
func newSelfPipe() (int, int, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return -1, -1, newSocketError(errors.Wrap(err, "pipe2"))
	}
	return fds[0], fds[1], nil
}
