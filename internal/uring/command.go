package uring

import (
	"syscall"
	"time"
	"unsafe"
)

type baseCommand struct {
	userData uint64
}

func (c *baseCommand) SetUserData(v uint64) { c.userData = v }
func (c *baseCommand) UserData() uint64     { return c.userData }

// NopCommand performs no I/O; useful for exercising the ring itself.
type NopCommand struct {
	baseCommand
}

// Nop builds a no-op submission.
func Nop() *NopCommand { return &NopCommand{} }

func (n *NopCommand) PrepSQE(sqe *SQEntry) {
	sqe.fill(OpNop, -1, 0, 0, 0)
}
func (n *NopCommand) Code() OpCode { return OpNop }

// TimeoutCommand arms a relative-time completion, used internally to
// bound WaitCQEventsWithTimeout on kernels without the ext-arg
// feature.
type TimeoutCommand struct {
	baseCommand
	spec syscall.Timespec
}

// Timeout builds a relative timeout submission.
func Timeout(d time.Duration) *TimeoutCommand {
	return &TimeoutCommand{spec: syscall.NsecToTimespec(d.Nanoseconds())}
}

func (t *TimeoutCommand) PrepSQE(sqe *SQEntry) {
	sqe.fill(OpTimeout, -1, uintptr(unsafe.Pointer(&t.spec)), 1, 0)
}
func (t *TimeoutCommand) Code() OpCode { return OpTimeout }

// CancelCommand attempts to cancel an already-submitted request,
// addressed by its user-data tag.
type CancelCommand struct {
	baseCommand
	targetUserData uint64
	flags          uint32
}

// Cancel builds a cancellation submission targeting targetUserData.
func Cancel(targetUserData uint64, flags uint32) *CancelCommand {
	return &CancelCommand{targetUserData: targetUserData, flags: flags}
}

func (c *CancelCommand) PrepSQE(sqe *SQEntry) {
	sqe.fill(OpAsyncCancel, -1, uintptr(c.targetUserData), 0, 0)
	sqe.opcodeFlags = c.flags
}
func (c *CancelCommand) Code() OpCode { return OpAsyncCancel }

// AcceptOp submits IORING_OP_ACCEPT once: one completion yields at
// most one accepted connection.
type AcceptOp struct {
	baseCommand
	fd    int32
	flags uint32
}

// Accept builds a single-shot accept submission on the listening fd.
func Accept(fd uintptr, flags uint32) *AcceptOp {
	return &AcceptOp{fd: int32(fd), flags: flags}
}

// Fd returns the listening descriptor this accept was submitted
// against.
func (a *AcceptOp) Fd() int { return int(a.fd) }

func (a *AcceptOp) PrepSQE(sqe *SQEntry) {
	sqe.fill(OpAccept, a.fd, 0, 0, 0)
	sqe.opcodeFlags = a.flags
}
func (a *AcceptOp) Code() OpCode { return OpAccept }

// MultishotAcceptOp submits IORING_OP_ACCEPT with the multishot
// accept flag: the kernel keeps producing one completion per accepted
// connection until it drops multishot (signalled by CQEFMore being
// unset) or the submission is cancelled.
type MultishotAcceptOp struct {
	baseCommand
	fd    int32
	flags uint32
}

// MultishotAccept builds a multishot accept submission.
func MultishotAccept(fd uintptr, flags uint32) *MultishotAcceptOp {
	return &MultishotAcceptOp{fd: int32(fd), flags: flags}
}

func (a *MultishotAcceptOp) Fd() int { return int(a.fd) }

func (a *MultishotAcceptOp) PrepSQE(sqe *SQEntry) {
	sqe.fill(OpAccept, a.fd, 0, 0, 0)
	sqe.opcodeFlags = a.flags
	sqe.ioPrio = acceptMultishot
}
func (a *MultishotAcceptOp) Code() OpCode { return OpAccept }

// RecvOp submits a single-shot IORING_OP_RECV into buf. Reusable:
// SetBuffer lets the same op be re-queued against a fresh buffer,
// mirroring the teacher example's reuse of recvOp/sendOp per
// connection slot.
type RecvOp struct {
	baseCommand
	fd    int32
	buf   []byte
	flags uint32
}

// Recv builds a recv submission. buf may be nil and set later via
// SetBuffer.
func Recv(fd uintptr, buf []byte, flags uint32) *RecvOp {
	return &RecvOp{fd: int32(fd), buf: buf, flags: flags}
}

// SetBuffer rebinds the destination buffer for reuse across
// submissions.
func (r *RecvOp) SetBuffer(buf []byte) { r.buf = buf }

func (r *RecvOp) Fd() int { return int(r.fd) }

func (r *RecvOp) PrepSQE(sqe *SQEntry) {
	var addr uintptr
	if len(r.buf) > 0 {
		addr = uintptr(unsafe.Pointer(&r.buf[0]))
	}
	sqe.fill(OpRecv, r.fd, addr, uint32(len(r.buf)), 0)
	sqe.opcodeFlags = r.flags
}
func (r *RecvOp) Code() OpCode { return OpRecv }

// MultishotRecvOp submits IORING_OP_RECV with buffer selection: the
// application supplies no buffer, instead naming a registered buffer
// group, and the kernel picks a buffer per completion. One completion
// arrives per received datagram-sized chunk until CQEFMore is unset.
type MultishotRecvOp struct {
	baseCommand
	fd     int32
	bufGrp uint16
	flags  uint32
}

// MultishotRecv builds a multishot, buffer-select recv submission
// against the given provided-buffer group id.
func MultishotRecv(fd uintptr, bufGroup uint16, flags uint32) *MultishotRecvOp {
	return &MultishotRecvOp{fd: int32(fd), bufGrp: bufGroup, flags: flags}
}

func (r *MultishotRecvOp) Fd() int { return int(r.fd) }

func (r *MultishotRecvOp) PrepSQE(sqe *SQEntry) {
	sqe.fill(OpRecv, r.fd, 0, 0, 0)
	sqe.opcodeFlags = r.flags
	sqe.ioPrio = recvMultishot
	sqe.bufIG = r.bufGrp
	sqe.flags |= SqeBufferSelect
}
func (r *MultishotRecvOp) Code() OpCode { return OpRecv }

// SendOp submits IORING_OP_SEND of buf. Reusable via SetBuffer, same
// rationale as RecvOp.
type SendOp struct {
	baseCommand
	fd    int32
	buf   []byte
	flags uint32
}

// Send builds a send submission. buf may be nil and set later via
// SetBuffer.
func Send(fd uintptr, buf []byte, flags uint32) *SendOp {
	return &SendOp{fd: int32(fd), buf: buf, flags: flags}
}

// SetBuffer rebinds the source buffer for reuse across submissions.
func (s *SendOp) SetBuffer(buf []byte) { s.buf = buf }

func (s *SendOp) Fd() int { return int(s.fd) }

func (s *SendOp) PrepSQE(sqe *SQEntry) {
	var addr uintptr
	if len(s.buf) > 0 {
		addr = uintptr(unsafe.Pointer(&s.buf[0]))
	}
	sqe.fill(OpSend, s.fd, addr, uint32(len(s.buf)), 0)
	sqe.opcodeFlags = s.flags
}
func (s *SendOp) Code() OpCode { return OpSend }
