package engine

import (
	"fmt"
	"log"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/godzie44/uring-echobench/internal/listener"
	"github.com/godzie44/uring-echobench/internal/metrics"
)

// conn is the per-connection state the readiness engine keeps across
// readable events: a receive buffer and how much of it is already
// filled. Spec §3: "an in-flight receive buffer with a bytes_pending
// cursor" — tracked here only for the readiness engine.
type conn struct {
	fd           int32
	buf          [recvBufSize]byte
	bytesPending int
}

// Readiness is the edge-triggered epoll engine (-m epoll). Grounded on
// example/echo-server/epoll.go, generalized from that file's single
// global buffer and bare accept/read loop to a per-fd connection
// table keyed by an unbounded map, per the spec's own recommendation
// to drop the reference implementation's static MAX_CONN array.
type Readiness struct {
	listenFD int
	epollFD  int

	conns map[int32]*conn

	metrics  *metrics.Metrics
	reporter *metrics.Reporter
}

// NewReadiness creates the listening socket and epoll instance for
// the readiness engine.
func NewReadiness(port int) (*Readiness, error) {
	lfd, err := listener.New(port, true)
	if err != nil {
		return nil, err
	}

	epollFD, err := unix.EpollCreate1(0)
	if err != nil {
		unix.Close(lfd)
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}

	if err := unix.EpollCtl(epollFD, unix.EPOLL_CTL_ADD, lfd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(lfd),
	}); err != nil {
		unix.Close(epollFD)
		unix.Close(lfd)
		return nil, fmt.Errorf("epoll_ctl add listener: %w", err)
	}

	m := &metrics.Metrics{}
	return &Readiness{
		listenFD: lfd,
		epollFD:  epollFD,
		conns:    make(map[int32]*conn),
		metrics:  m,
		reporter: metrics.NewReporter(m),
	}, nil
}

// Run implements Engine.
func (r *Readiness) Run(shutdown *atomic.Bool) error {
	events := make([]unix.EpollEvent, 1024)

	for !shutdown.Load() {
		n, err := unix.EpollWait(r.epollFD, events, pollTimeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			fd := events[i].Fd
			if fd == int32(r.listenFD) {
				r.acceptLoop()
				continue
			}
			if events[i].Events&unix.EPOLLIN != 0 {
				r.drain(fd)
			}
		}

		if line := r.reporter.Report(false); line != "" {
			fmt.Print(line)
		}
	}

	fmt.Println()
	fmt.Print(r.reporter.Report(true))
	return nil
}

// acceptLoop drains the listening socket until accept would block,
// per spec §4.4.
func (r *Readiness) acceptLoop() {
	for {
		cfd, _, err := unix.Accept4(r.listenFD, unix.SOCK_NONBLOCK)
		if err != nil {
			if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
				log.Printf("accept: %v", err)
			}
			return
		}

		if err := listener.SetNoDelay(cfd); err != nil {
			log.Printf("setsockopt TCP_NODELAY: %v", err)
		}

		r.conns[int32(cfd)] = &conn{fd: int32(cfd)}
		if err := unix.EpollCtl(r.epollFD, unix.EPOLL_CTL_ADD, cfd, &unix.EpollEvent{
			Events: unix.EPOLLIN | unix.EPOLLET,
			Fd:     int32(cfd),
		}); err != nil {
			log.Printf("epoll_ctl add conn: %v", err)
			unix.Close(cfd)
			delete(r.conns, int32(cfd))
			continue
		}

		r.metrics.IncAccepted()
	}
}

// drain repeats recv/echo on fd until recv would block, a zero-length
// read signals peer close, or a hard error occurs. Per spec §4.4, a
// short send is never retried here — deliberate parity with the
// reference implementation.
func (r *Readiness) drain(fd int32) {
	c, ok := r.conns[fd]
	if !ok {
		return
	}

	for {
		n, err := unix.Read(int(fd), c.buf[c.bytesPending:])
		if n > 0 {
			c.bytesPending += n
			r.metrics.AddBytes(n)

			if _, werr := unix.Write(int(fd), c.buf[:c.bytesPending]); werr != nil {
				r.closeConn(fd)
				return
			}
			r.metrics.IncMessages()
			c.bytesPending = 0
			continue
		}

		if n == 0 {
			r.closeConn(fd)
			return
		}

		if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			r.closeConn(fd)
		}
		return
	}
}

func (r *Readiness) closeConn(fd int32) {
	unix.EpollCtl(r.epollFD, unix.EPOLL_CTL_DEL, int(fd), nil)
	unix.Close(int(fd))
	delete(r.conns, fd)
	r.metrics.IncClosed()
}

// Close releases the listener and epoll descriptors and every
// remaining open connection, used on shutdown.
func (r *Readiness) Close() error {
	for fd := range r.conns {
		unix.Close(int(fd))
	}
	err := unix.Close(r.epollFD)
	return joinErr(err, unix.Close(r.listenFD))
}

func joinErr(a, b error) error {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return fmt.Errorf("%v; %v", a, b)
}
