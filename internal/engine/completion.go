package engine

import (
	"fmt"
	"log"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/godzie44/uring-echobench/internal/listener"
	"github.com/godzie44/uring-echobench/internal/metrics"
	"github.com/godzie44/uring-echobench/internal/uring"
)

// sqDepth is the submission/completion queue depth for the single-shot
// completion engine, matching the reference's io_uring_queue_init_params(256, ...).
const sqDepth = 256

type opTag uint8

const (
	tagAccept opTag = iota
	tagRead
	tagWrite
)

// pendingOp is the heap record threaded from submission to completion,
// spec §3/§4.3: tag, owning fd, and (for read/write) the buffer.
type pendingOp struct {
	tag opTag
	fd  int
	buf []byte
}

// Completion is the single-shot io_uring engine (-m uring). Grounded
// on example/echo-server/main.go's accept/read/write dispatch,
// generalized from its fixed [MaxConns]connInfo array to a request
// table keyed by a monotonically increasing handle, per the spec's
// Design Notes.
type Completion struct {
	ring     *uring.Ring
	listenFD int

	nextID uint64
	table  map[uint64]*pendingOp

	acceptDisabled bool

	metrics  *metrics.Metrics
	reporter *metrics.Reporter
}

// NewCompletion creates the listener and ring for the single-shot
// completion engine and arms the first accept.
func NewCompletion(port int) (*Completion, error) {
	lfd, err := listener.New(port, false)
	if err != nil {
		return nil, err
	}

	ring, err := uring.New(sqDepth)
	if err != nil {
		unix.Close(lfd)
		return nil, fmt.Errorf("io_uring_setup: %w", err)
	}

	m := &metrics.Metrics{}
	c := &Completion{
		ring:     ring,
		listenFD: lfd,
		table:    make(map[uint64]*pendingOp),
		metrics:  m,
		reporter: metrics.NewReporter(m),
	}

	if err := c.submitAccept(); err != nil {
		ring.Close()
		unix.Close(lfd)
		return nil, fmt.Errorf("submit initial accept: %w", err)
	}
	if _, err := ring.Submit(); err != nil {
		ring.Close()
		unix.Close(lfd)
		return nil, fmt.Errorf("submit: %w", err)
	}

	return c, nil
}

func (c *Completion) reserve(op *pendingOp) uint64 {
	id := c.nextID
	c.nextID++
	c.table[id] = op
	return id
}

func (c *Completion) submitAccept() error {
	id := c.reserve(&pendingOp{tag: tagAccept, fd: c.listenFD})
	return c.ring.QueueSQE(uring.Accept(uintptr(c.listenFD), 0), 0, id)
}

func (c *Completion) submitRecv(fd int, buf []byte) error {
	buf = buf[:cap(buf)]
	id := c.reserve(&pendingOp{tag: tagRead, fd: fd, buf: buf})
	return c.ring.QueueSQE(uring.Recv(uintptr(fd), buf, 0), 0, id)
}

func (c *Completion) submitSend(fd int, buf []byte) error {
	id := c.reserve(&pendingOp{tag: tagWrite, fd: fd, buf: buf})
	return c.ring.QueueSQE(uring.Send(uintptr(fd), buf, 0), 0, id)
}

// Run implements Engine.
func (c *Completion) Run(shutdown *atomic.Bool) error {
	for !shutdown.Load() {
		cqe, err := c.ring.WaitCQEventsWithTimeout(1, pollTimeout*time.Millisecond)
		if err == syscall.ETIME || err == syscall.EAGAIN || err == syscall.EINTR {
			c.report(false)
			continue
		}
		if err != nil {
			return fmt.Errorf("wait cqe: %w", err)
		}

		c.dispatch(cqe)
		c.ring.SeenCQE(cqe)

		if _, err := c.ring.Submit(); err != nil {
			log.Printf("submit: %v", err)
		}

		c.report(false)
	}

	fmt.Println()
	c.report(true)
	return nil
}

func (c *Completion) report(force bool) {
	if line := c.reporter.Report(force); line != "" {
		fmt.Print(line)
	}
}

// dispatch handles one completion per spec §4.5. Unrecognised or
// already-freed records are tolerated — kernel-generated cancelled
// completions at teardown are expected to miss the table.
func (c *Completion) dispatch(cqe *uring.CQEvent) {
	op, ok := c.table[cqe.UserData]
	if !ok {
		return
	}
	delete(c.table, cqe.UserData)

	switch op.tag {
	case tagAccept:
		c.onAccept(cqe)
	case tagRead:
		c.onRead(op, cqe)
	case tagWrite:
		c.onWrite(op, cqe)
	}
}

func (c *Completion) onAccept(cqe *uring.CQEvent) {
	if cqe.Res < 0 {
		log.Printf("accept failed: %v; no longer accepting new connections", cqe.Error())
		c.acceptDisabled = true
		return
	}

	fd := int(cqe.Res)
	if err := listener.SetNoDelay(fd); err != nil {
		log.Printf("setsockopt TCP_NODELAY: %v", err)
	}
	c.metrics.IncAccepted()

	if err := c.submitRecv(fd, make([]byte, recvBufSize)); err != nil {
		log.Printf("submit recv: %v", err)
	}

	if !c.acceptDisabled {
		if err := c.submitAccept(); err != nil {
			log.Printf("submit accept: %v", err)
		}
	}
}

func (c *Completion) onRead(op *pendingOp, cqe *uring.CQEvent) {
	if cqe.Res <= 0 {
		unix.Close(op.fd)
		c.metrics.IncClosed()
		return
	}

	n := int(cqe.Res)
	c.metrics.AddBytes(n)
	c.metrics.IncMessages()

	// Buffer ownership transfers to the write record; the read record
	// itself was already removed from the table by dispatch.
	if err := c.submitSend(op.fd, op.buf[:n]); err != nil {
		log.Printf("submit send: %v", err)
		unix.Close(op.fd)
		c.metrics.IncClosed()
	}
}

func (c *Completion) onWrite(op *pendingOp, cqe *uring.CQEvent) {
	if cqe.Res <= 0 {
		unix.Close(op.fd)
		c.metrics.IncClosed()
		return
	}

	// Partial sends are not retried, per spec §4.5 — the buffer is
	// fully re-submitted again on the next read cycle regardless.
	if err := c.submitRecv(op.fd, op.buf); err != nil {
		log.Printf("submit recv: %v", err)
		unix.Close(op.fd)
		c.metrics.IncClosed()
	}
}

// Close tears down the ring and the listener.
func (c *Completion) Close() error {
	err := c.ring.Close()
	return joinErr(err, unix.Close(c.listenFD))
}
