package uring

import "syscall"

// OpCode identifies an io_uring submission opcode. It is distinct from
// this package's operation structs: several operations (accept and its
// multishot variant) share the same wire opcode.
type OpCode uint8

const (
	OpNop OpCode = iota
	OpReadV
	OpWriteV
	OpFSync
	OpReadFixed
	OpWriteFixed
	OpPollAdd
	OpPollRemove
	OpSyncFileRange
	OpSendMsg
	OpRecvMsg
	OpTimeout
	OpTimeoutRemove
	OpAccept
	OpAsyncCancel
	OpLinkTimeout
	OpConnect
	_
	_
	OpClose
	_
	_
	OpRead
	OpWrite
	_
	_
	OpSend
	OpRecv
)

// sqe->flags.
const (
	SqeFixedFile    uint8 = 1 << 0
	SqeIODrain      uint8 = 1 << 1
	SqeIOLink       uint8 = 1 << 2
	SqeIOHardlink   uint8 = 1 << 3
	SqeAsync        uint8 = 1 << 4
	SqeBufferSelect uint8 = 1 << 5
)

// accept_flags / recv_flags carried in sqe.ioPrio for the opcodes that
// support a multishot variant.
const (
	acceptMultishot uint16 = 1 << 0
	recvMultishot   uint16 = 1 << 1
)

// cqe->flags.
const (
	// CQEFBuffer marks that a buffer from a provided-buffer group was
	// consumed; its index is packed into the upper bits of Flags.
	CQEFBuffer uint32 = 1 << 0
	// CQEFMore marks that further completions are expected for a
	// multishot submission.
	CQEFMore uint32 = 1 << 1

	cqeBufferShift = 16
)

// SQEntry mirrors struct io_uring_sqe. Layout-compatible with the
// kernel ABI; fields are unexported because operations fill them via
// PrepSQE rather than exposing raw layout to callers.
type SQEntry struct {
	opcode      uint8
	flags       uint8
	ioPrio      uint16
	fd          int32
	off         uint64
	addr        uint64
	len         uint32
	opcodeFlags uint32
	userData    uint64

	bufIG       uint16
	personality uint16
	spliceFdIn  int32
	_pad2       [2]uint64
}

func (sqe *SQEntry) fill(op OpCode, fd int32, addr uintptr, length uint32, offset uint64) {
	*sqe = SQEntry{
		opcode: uint8(op),
		fd:     fd,
		off:    offset,
		addr:   uint64(addr),
		len:    length,
	}
}

func (sqe *SQEntry) setUserData(ud uint64) { sqe.userData = ud }

// CQEvent mirrors struct io_uring_cqe.
type CQEvent struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

// Error reports the completion's result as a Go error, or nil for a
// non-negative result.
func (cqe *CQEvent) Error() error {
	if cqe.Res < 0 {
		return syscall.Errno(uintptr(-cqe.Res))
	}
	return nil
}

// More reports whether a multishot submission will produce further
// completions after this one.
func (cqe *CQEvent) More() bool {
	return cqe.Flags&CQEFMore != 0
}

// HasBuffer reports whether this completion selected a buffer from a
// provided-buffer group.
func (cqe *CQEvent) HasBuffer() bool {
	return cqe.Flags&CQEFBuffer != 0
}

// BufferIndex extracts the provided-buffer index packed into Flags.
// Only meaningful when HasBuffer is true.
func (cqe *CQEvent) BufferIndex() uint16 {
	return uint16(cqe.Flags >> cqeBufferShift)
}
