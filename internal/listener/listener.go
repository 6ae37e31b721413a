// Package listener creates the one TCP listening socket every engine
// shares, and applies the handful of socket options the benchmark
// cares about.
package listener

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Backlog is the listen(2) backlog every engine uses.
const Backlog = 512

// New creates, binds and listens a TCP/IPv4 socket on port across all
// interfaces, with SO_REUSEADDR and SO_REUSEPORT set. When nonblocking
// is true the socket itself is placed in non-blocking mode, as the
// readiness engine requires; the completion engines leave it blocking
// since io_uring turns blocking socket ops into async ones under the
// hood.
func New(port int, nonblocking bool) (fd int, err error) {
	fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}

	if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("setsockopt SO_REUSEPORT: %w", err)
	}

	if err = unix.Bind(fd, &unix.SockaddrInet4{Port: port}); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind :%d: %w", port, err)
	}

	if err = unix.Listen(fd, Backlog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listen: %w", err)
	}

	if nonblocking {
		if err = unix.SetNonblock(fd, true); err != nil {
			unix.Close(fd)
			return -1, fmt.Errorf("set nonblocking: %w", err)
		}
	}

	return fd, nil
}

// SetNoDelay disables Nagle's algorithm on an accepted connection.
func SetNoDelay(fd int) error {
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
}
