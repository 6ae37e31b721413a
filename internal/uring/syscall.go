// Package uring is a minimal, cgo-free binding to the Linux io_uring
// interface: ring setup, submission/completion queues, and the
// operations this repository's engines need (accept, recv, send, their
// multishot variants, and a provided-buffer ring).
package uring

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	sysIOUringSetup    uintptr = 425
	sysIOUringEnter    uintptr = 426
	sysIOUringRegister uintptr = 427

	// copied from runtime/signal_unix.go's numSig, used to size the
	// sigset argument to io_uring_enter when ext-arg is unavailable.
	numSig = 65
)

// io_uring_setup() flags.
const (
	setupIOPoll uint32 = 1 << 0
	setupSQPoll uint32 = 1 << 1
	setupCQSize uint32 = 1 << 3
	setupClamp  uint32 = 1 << 4
)

// io_uring_params->features flags.
const (
	featSingleMmap uint32 = 1 << 0
	featNoDrop     uint32 = 1 << 1
	featExtArg     uint32 = 1 << 8
	featFastPoll   uint32 = 1 << 5
)

// mmap offsets for the application to map ring memory at.
const (
	offSQRing uint64 = 0
	offCQRing uint64 = 0x8000000
	offSQEs   uint64 = 0x10000000
)

// sqRing->flags, followed by io_uring_enter() flags.
const (
	sqNeedWakeup   uint32 = 1 << 0
	sqCQOverflow   uint32 = 1 << 1
	sysRingEnterGetEvents uint32 = 1 << 0
	sysRingEnterSQWakeup  uint32 = 1 << 1
	sysRingEnterExtArg    uint32 = 1 << 3
)

const libUserDataTimeout = ^uint64(0)

func sysSetup(entries uint32, params *ringParams) (int, error) {
	fd, _, errno := syscall.Syscall(sysIOUringSetup, uintptr(entries), uintptr(unsafe.Pointer(params)), 0)
	if errno != 0 {
		return int(fd), errno
	}
	return int(fd), nil
}

func sysEnter(ringFD int, toSubmit, minComplete, flags uint32, sig *unix.Sigset_t) (uint, error) {
	return sysEnter2(ringFD, toSubmit, minComplete, flags, unsafe.Pointer(sig), numSig/8)
}

func sysEnter2(ringFD int, toSubmit, minComplete, flags uint32, arg unsafe.Pointer, sz int) (uint, error) {
	consumed, _, errno := syscall.Syscall6(
		sysIOUringEnter,
		uintptr(ringFD),
		uintptr(toSubmit),
		uintptr(minComplete),
		uintptr(flags),
		uintptr(arg),
		uintptr(sz),
	)
	if errno != 0 {
		return 0, errno
	}
	return uint(consumed), nil
}

func sysRegister(ringFD int, opcode uint32, arg unsafe.Pointer, nrArgs int) error {
	_, _, errno := syscall.Syscall6(
		sysIOUringRegister,
		uintptr(ringFD),
		uintptr(opcode),
		uintptr(arg),
		uintptr(nrArgs),
		0, 0,
	)
	if errno != 0 {
		return errno
	}
	return nil
}

type getEventsArg struct {
	sigMask   uintptr
	sigMaskSz uint32
	pad       uint32
	ts        uintptr
}

func newGetEventsArg(sigMask uintptr, sigMaskSz uint32, ts uintptr) *getEventsArg {
	return &getEventsArg{sigMask: sigMask, sigMaskSz: sigMaskSz, ts: ts}
}
