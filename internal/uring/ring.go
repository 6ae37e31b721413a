package uring

import (
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"
)

// ringParams mirrors struct io_uring_params.
type ringParams struct {
	sqEntries    uint32
	cqEntries    uint32
	flags        uint32
	sqThreadCPU  uint32
	sqThreadIdle uint32
	features     uint32
	wqFD         uint32
	resv         [3]uint32
	sqOff        sqRingOffsets
	cqOff        cqRingOffsets
}

type sqRingOffsets struct {
	head, tail, ringMask, ringEntries, flags, dropped, array uint32
	resv1                                                    uint32
	resv2                                                    uint64
}

type cqRingOffsets struct {
	head, tail, ringMask, ringEntries, overflow, cqes, flags uint32
	resv1                                                    uint32
	resv2                                                    uint64
}

func (p *ringParams) FastPollFeature() bool { return p.features&featFastPoll != 0 }
func (p *ringParams) ExtArgFeature() bool   { return p.features&featExtArg != 0 }

type sq struct {
	ringMmap []byte
	sqesMmap []byte

	kHead        *uint32
	kTail        *uint32
	kRingMask    *uint32
	kRingEntries *uint32
	kFlags       *uint32
	kDropped     *uint32
	kArray       *uint32

	sqes []SQEntry

	sqeTail, sqeHead uint32
}

func (s *sq) cqNeedFlush() bool {
	return atomic.LoadUint32(s.kFlags)&sqCQOverflow != 0
}

type cq struct {
	ringMmap []byte

	kHead        *uint32
	kTail        *uint32
	kRingMask    *uint32
	kRingEntries *uint32
	kOverflow    *uint32

	cqes []CQEvent
}

func (c *cq) readyCount() uint32 {
	return atomic.LoadUint32(c.kTail) - atomic.LoadUint32(c.kHead)
}

// MaxEntries is the largest submission-queue size the kernel accepts.
const MaxEntries uint32 = 1 << 15

// Ring wraps one io_uring instance: its file descriptor and the mmap'd
// submission/completion queues.
type Ring struct {
	fd int

	Params *ringParams

	sqRing *sq
	cqRing *cq
}

// ErrRingSetup is returned when Ring creation is rejected before the
// syscall is even attempted (e.g. an oversized entry count).
var ErrRingSetup = errors.New("uring: ring setup")

// ErrSQRingOverflow is returned by NextSQE when the submission queue
// has no free slots.
var ErrSQRingOverflow = errors.New("uring: sq ring overflow")

// SetupOption configures Ring construction.
type SetupOption func(*ringParams)

// WithCQSize requests an explicitly-sized completion queue, decoupled
// from the submission queue size.
func WithCQSize(sz uint32) SetupOption {
	return func(p *ringParams) {
		p.flags |= setupCQSize
		p.cqEntries = sz
	}
}

// New creates an io_uring instance with the given submission queue
// depth.
func New(entries uint32, opts ...SetupOption) (*Ring, error) {
	if entries > MaxEntries {
		return nil, ErrRingSetup
	}

	params := &ringParams{}
	for _, opt := range opts {
		opt(params)
	}

	fd, err := sysSetup(entries, params)
	if err != nil {
		return nil, fmt.Errorf("io_uring_setup: %w", err)
	}

	r := &Ring{Params: params, fd: fd, sqRing: &sq{}, cqRing: &cq{}}
	if err := r.allocRing(params); err != nil {
		syscall.Close(fd)
		return nil, err
	}
	return r, nil
}

func (r *Ring) allocRing(p *ringParams) error {
	sqRingSize := p.sqOff.array + p.sqEntries*uint32(unsafe.Sizeof(uint32(0)))
	sqMmap, err := syscall.Mmap(r.fd, int64(offSQRing), int(sqRingSize),
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED|syscall.MAP_POPULATE)
	if err != nil {
		return fmt.Errorf("mmap sq ring: %w", err)
	}

	sqesSize := int(p.sqEntries) * int(unsafe.Sizeof(SQEntry{}))
	sqesMmap, err := syscall.Mmap(r.fd, int64(offSQEs), sqesSize,
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED|syscall.MAP_POPULATE)
	if err != nil {
		syscall.Munmap(sqMmap)
		return fmt.Errorf("mmap sqes: %w", err)
	}

	cqRingSize := p.cqOff.cqes + p.cqEntries*uint32(unsafe.Sizeof(CQEvent{}))
	cqMmap, err := syscall.Mmap(r.fd, int64(offCQRing), int(cqRingSize),
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED|syscall.MAP_POPULATE)
	if err != nil {
		syscall.Munmap(sqesMmap)
		syscall.Munmap(sqMmap)
		return fmt.Errorf("mmap cq ring: %w", err)
	}

	s := r.sqRing
	s.ringMmap = sqMmap
	s.sqesMmap = sqesMmap
	s.kHead = ptrAt32(sqMmap, p.sqOff.head)
	s.kTail = ptrAt32(sqMmap, p.sqOff.tail)
	s.kRingMask = ptrAt32(sqMmap, p.sqOff.ringMask)
	s.kRingEntries = ptrAt32(sqMmap, p.sqOff.ringEntries)
	s.kFlags = ptrAt32(sqMmap, p.sqOff.flags)
	s.kDropped = ptrAt32(sqMmap, p.sqOff.dropped)
	s.kArray = ptrAt32(sqMmap, p.sqOff.array)
	s.sqes = unsafe.Slice((*SQEntry)(unsafe.Pointer(&sqesMmap[0])), p.sqEntries)

	c := r.cqRing
	c.ringMmap = cqMmap
	c.kHead = ptrAt32(cqMmap, p.cqOff.head)
	c.kTail = ptrAt32(cqMmap, p.cqOff.tail)
	c.kRingMask = ptrAt32(cqMmap, p.cqOff.ringMask)
	c.kRingEntries = ptrAt32(cqMmap, p.cqOff.ringEntries)
	c.kOverflow = ptrAt32(cqMmap, p.cqOff.overflow)
	c.cqes = unsafe.Slice((*CQEvent)(unsafe.Pointer(&cqMmap[p.cqOff.cqes])), p.cqEntries)

	return nil
}

func (r *Ring) freeRing() error {
	return joinErr(
		syscall.Munmap(r.cqRing.ringMmap),
		joinErr(syscall.Munmap(r.sqRing.sqesMmap), syscall.Munmap(r.sqRing.ringMmap)),
	)
}

func ptrAt32(buf []byte, off uint32) *uint32 {
	return (*uint32)(unsafe.Pointer(&buf[off]))
}

// Fd returns the ring's file descriptor.
func (r *Ring) Fd() int { return r.fd }

// Close tears down the ring's queues and closes its file descriptor.
func (r *Ring) Close() error {
	err := r.freeRing()
	return joinErr(err, syscall.Close(r.fd))
}

// Operation is implemented by every submission type this package
// supports.
type Operation interface {
	PrepSQE(*SQEntry)
	Code() OpCode
}

// NextSQE reserves the next free submission queue entry.
func (r *Ring) NextSQE() (*SQEntry, error) {
	head := atomic.LoadUint32(r.sqRing.kHead)
	next := r.sqRing.sqeTail + 1

	if next-head > *r.sqRing.kRingEntries {
		return nil, ErrSQRingOverflow
	}

	idx := r.sqRing.sqeTail & *r.sqRing.kRingMask
	entry := &r.sqRing.sqes[idx]
	r.sqRing.sqeTail = next
	return entry, nil
}

// QueueSQE fills and tags the next submission queue entry with op.
func (r *Ring) QueueSQE(op Operation, flags uint8, userData uint64) error {
	sqe, err := r.NextSQE()
	if err != nil {
		return err
	}
	op.PrepSQE(sqe)
	sqe.flags |= flags
	sqe.setUserData(userData)
	return nil
}

// Submit flushes queued SQEs to the kernel.
func (r *Ring) Submit() (uint, error) {
	flushed := r.flushSQ()

	var flags uint32
	if r.Params.flags&setupIOPoll != 0 {
		flags |= sysRingEnterGetEvents
	}

	return sysEnter(r.fd, flushed, 0, flags, nil)
}

func (r *Ring) flushSQ() uint32 {
	mask := *r.sqRing.kRingMask
	tail := atomic.LoadUint32(r.sqRing.kTail)
	subCnt := r.sqRing.sqeTail - r.sqRing.sqeHead

	if subCnt == 0 {
		return tail - atomic.LoadUint32(r.sqRing.kHead)
	}

	for i := subCnt; i > 0; i-- {
		slot := (*uint32)(unsafe.Add(unsafe.Pointer(r.sqRing.kArray), uintptr(tail&mask)*unsafe.Sizeof(uint32(0))))
		*slot = r.sqRing.sqeHead & mask
		tail++
		r.sqRing.sqeHead++
	}

	atomic.StoreUint32(r.sqRing.kTail, tail)
	return tail - atomic.LoadUint32(r.sqRing.kHead)
}

type getParams struct {
	submit, waitNr uint32
	flags          uint32
	arg            unsafe.Pointer
	sz             int
}

func (r *Ring) getCQEvents(params getParams) (*CQEvent, error) {
	for {
		available, cqe, err := r.peekCQEvent()
		if err != nil {
			return nil, err
		}

		if cqe == nil && params.waitNr == 0 && params.submit == 0 {
			if !r.sqRing.cqNeedFlush() {
				return nil, syscall.EAGAIN
			}
		}

		needEnter := params.submit != 0
		var flags uint32
		if params.waitNr > available || r.sqRing.cqNeedFlush() {
			flags = sysRingEnterGetEvents | params.flags
			needEnter = true
		}

		if !needEnter {
			return cqe, nil
		}

		consumed, err := sysEnter2(r.fd, params.submit, params.waitNr, flags, params.arg, params.sz)
		if err != nil {
			return nil, err
		}
		params.submit -= uint32(consumed)
		if cqe != nil {
			return cqe, nil
		}
	}
}

// WaitCQEventsWithTimeout blocks until count completions are ready or
// timeout elapses, whichever comes first.
func (r *Ring) WaitCQEventsWithTimeout(count uint32, timeout time.Duration) (*CQEvent, error) {
	if r.Params.ExtArgFeature() {
		ts := syscall.NsecToTimespec(timeout.Nanoseconds())
		arg := newGetEventsArg(0, numSig/8, uintptr(unsafe.Pointer(&ts)))

		cqe, err := r.getCQEvents(getParams{
			waitNr: count,
			flags:  sysRingEnterExtArg,
			arg:    unsafe.Pointer(arg),
			sz:     int(unsafe.Sizeof(getEventsArg{})),
		})
		runtime.KeepAlive(arg)
		runtime.KeepAlive(ts)
		return cqe, err
	}

	sqe, err := r.NextSQE()
	if err != nil {
		if _, err = r.Submit(); err != nil {
			return nil, err
		}
		sqe, err = r.NextSQE()
		if err != nil {
			return nil, err
		}
	}

	op := Timeout(timeout)
	op.PrepSQE(sqe)
	sqe.setUserData(libUserDataTimeout)
	toSubmit := r.flushSQ()

	return r.getCQEvents(getParams{submit: toSubmit, waitNr: count, sz: numSig / 8})
}

// WaitCQEvents blocks until count completions are ready.
func (r *Ring) WaitCQEvents(count uint32) (*CQEvent, error) {
	return r.getCQEvents(getParams{waitNr: count, sz: numSig / 8})
}

// SubmitAndWaitCQEvents flushes pending SQEs, then waits for count
// completions.
func (r *Ring) SubmitAndWaitCQEvents(count uint32) (*CQEvent, error) {
	return r.getCQEvents(getParams{submit: r.flushSQ(), waitNr: count, sz: numSig / 8})
}

// PeekCQE returns the next ready completion without blocking.
func (r *Ring) PeekCQE() (*CQEvent, error) {
	return r.WaitCQEvents(0)
}

// SeenCQE marks one completion as consumed.
func (r *Ring) SeenCQE(*CQEvent) { r.AdvanceCQ(1) }

// AdvanceCQ marks n completions as consumed, publishing the new head.
func (r *Ring) AdvanceCQ(n uint32) { atomic.AddUint32(r.cqRing.kHead, n) }

func (r *Ring) peekCQEvent() (uint32, *CQEvent, error) {
	mask := *r.cqRing.kRingMask

	for {
		tail := atomic.LoadUint32(r.cqRing.kTail)
		head := atomic.LoadUint32(r.cqRing.kHead)

		available := tail - head
		if available == 0 {
			return 0, nil, nil
		}

		cqe := &r.cqRing.cqes[head&mask]

		if !r.Params.ExtArgFeature() && cqe.UserData == libUserDataTimeout {
			var err error
			if cqe.Res < 0 {
				err = cqe.Error()
			}
			r.SeenCQE(cqe)
			if err == nil {
				continue
			}
			return available, nil, err
		}

		return available, cqe, nil
	}
}

func (r *Ring) peekCQEventBatch(buff []*CQEvent) int {
	ready := r.cqRing.readyCount()
	count := ready
	if uint32(len(buff)) < count {
		count = uint32(len(buff))
	}

	if count != 0 {
		head := atomic.LoadUint32(r.cqRing.kHead)
		mask := atomic.LoadUint32(r.cqRing.kRingMask)
		for i := uint32(0); i < count; i++ {
			buff[i] = &r.cqRing.cqes[(head+i)&mask]
		}
	}
	return int(count)
}

// PeekCQEventBatch fills buff with as many ready completions as fit,
// flushing an overflowed CQ first if necessary.
func (r *Ring) PeekCQEventBatch(buff []*CQEvent) int {
	n := r.peekCQEventBatch(buff)
	if n == 0 && r.sqRing.cqNeedFlush() {
		_, _ = sysEnter(r.fd, 0, 0, sysRingEnterGetEvents, nil)
		n = r.peekCQEventBatch(buff)
	}
	return n
}

func joinErr(err1, err2 error) error {
	if err1 == nil {
		return err2
	}
	if err2 == nil {
		return err1
	}
	return fmt.Errorf("%w; %s", err1, err2.Error())
}
