package sockmux

import (
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// isTransient reports whether err only means "try again later".
func isTransient(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR
}

// readFD reads into p, retrying on EINTR.
func readFD(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Read(fd, p)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

// writeFD writes p, retrying on EINTR.
func writeFD(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Write(fd, p)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

// pollFDs waits for readiness up to wait (negative waits forever). An EINTR
// restarts the wait with only the time that is left, so the overall bound
// holds across interruptions.
func pollFDs(fds []unix.PollFd, wait time.Duration) (int, error) {
	start := time.Now()
	for {
		ms := -1
		if wait >= 0 {
			left := wait - time.Since(start)
			if left < 0 {
				left = 0
			}
			ms = int((left + time.Millisecond - 1) / time.Millisecond)
		}
		n, err := unix.Poll(fds, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, errors.Wrap(err, "poll")
		}
		return n, nil
	}
}

// resolveSockaddr turns host and port into a socket address. An empty host
// means the IPv4 wildcard.
func resolveSockaddr(host string, port int) (unix.Sockaddr, int, error) {
	if port < 0 || port > 0xFFFF {
		return nil, 0, errors.Errorf("invalid port %d", port)
	}
	if host == "" {
		return &unix.SockaddrInet4{Port: port}, unix.AF_INET, nil
	}
	addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, 0, errors.Wrapf(err, "resolve %s", host)
	}
	if ip4 := addr.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], ip4)
		return sa, unix.AF_INET, nil
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], addr.IP.To16())
	return sa, unix.AF_INET6, nil
}

// sockaddrString formats a socket address as host:port.
func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	default:
		return "unknown"
	}
}

func sockaddrLabel(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func sockaddrPort(sa unix.Sockaddr) int {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return a.Port
	case *unix.SockaddrInet6:
		return a.Port
	default:
		return 0
	}
}

// newSocket creates a non-blocking, close-on-exec stream socket.
func newSocket(family int) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, errors.Wrap(err, "socket")
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "set nonblock")
	}
	return fd, nil
}

// tuneSocket applies the per-connection socket options.
func tuneSocket(fd int, opts *options) error {
	if opts.noDelay {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
			return errors.Wrap(err, "set TCP_NODELAY")
		}
	}
	if opts.readBuffer > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, opts.readBuffer); err != nil {
			return errors.Wrap(err, "set SO_RCVBUF")
		}
	}
	if opts.sendBuffer > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, opts.sendBuffer); err != nil {
			return errors.Wrap(err, "set SO_SNDBUF")
		}
	}
	return nil
}

// listenSocket binds and listens on host:port.
func listenSocket(host string, port, backlog int) (int, int, error) {
	sa, family, err := resolveSockaddr(host, port)
	if err != nil {
		return -1, 0, err
	}
	fd, err := newSocket(family)
	if err != nil {
		return -1, 0, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, 0, errors.Wrap(err, "set SO_REUSEADDR")
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, 0, errors.Wrapf(err, "bind port %d", port)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, 0, errors.Wrap(err, "listen")
	}
	bound, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return -1, 0, errors.Wrap(err, "getsockname")
	}
	return fd, sockaddrPort(bound), nil
}

// connectSocket performs a non-blocking connect bounded by timeout. The
// outcome is decided by SO_ERROR once the socket reports writable; a socket
// that is also readable at that point simply has early data queued.
func connectSocket(host string, port int, timeout time.Duration) (int, error) {
	sa, family, err := resolveSockaddr(host, port)
	if err != nil {
		return -1, err
	}
	fd, err := newSocket(family)
	if err != nil {
		return -1, err
	}

	err = unix.Connect(fd, sa)
	if err == unix.EINTR {
		// an interrupted connect keeps going in the background
		err = unix.EINPROGRESS
	}
	switch {
	case err == nil:
		return fd, nil
	case err != unix.EINPROGRESS:
		unix.Close(fd)
		return -1, errors.Wrapf(err, "connect %s:%d", host, port)
	}

	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	n, err := pollFDs(pfd, timeout)
	if err != nil {
		unix.Close(fd)
		return -1, err
	}
	if n == 0 {
		unix.Close(fd)
		return -1, errors.Wrapf(ErrConnectTimeout, "connect %s:%d", host, port)
	}

	soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "get SO_ERROR")
	}
	if soErr != 0 {
		unix.Close(fd)
		return -1, errors.Wrapf(syscall.Errno(soErr), "connect %s:%d", host, port)
	}
	return fd, nil
}
