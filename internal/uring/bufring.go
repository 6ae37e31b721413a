package uring

import (
	"fmt"
	"syscall"
	"unsafe"
)

const (
	regRegisterPBufRing   uint32 = 22
	regUnregisterPBufRing uint32 = 23
)

// bufRingEntry mirrors struct io_uring_buf: one slot of a provided
// buffer ring.
type bufRingEntry struct {
	addr uint64
	len  uint32
	bid  uint16
	resv uint16
}

// bufRingReg mirrors struct io_uring_buf_reg, the argument to
// IORING_REGISTER_PBUF_RING.
type bufRingReg struct {
	ringAddr    uint64
	ringEntries uint32
	bgid        uint16
	flags       uint16
	resv        [3]uint64
}

// BufferRing is a registered pool of fixed-size buffers the kernel
// selects from for multishot receives. It owns two page-aligned
// regions: the buffer arena itself, and the ring of io_uring_buf
// descriptors the kernel reads buffer addresses from.
//
// Invariant: a buffer index is present in the ring xor borrowed by the
// application; never both, never neither. Recycle (via Advance)
// publishes a buffer back to the kernel; BufferAt/BufferIndex let the application
// read the buffer a completion selected, before recycling it.
type BufferRing struct {
	ring *Ring

	groupID uint16
	count   uint16
	bufSize uint32

	arena     []byte
	entries   []bufRingEntry
	entriesMm []byte

	mask  uint16
	tail  uint16
}

// NewBufferRing allocates and registers a provided-buffer ring of
// count buffers of bufSize bytes each, under groupID, and seeds every
// slot so the kernel can select from it immediately.
func NewBufferRing(ring *Ring, groupID uint16, count uint16, bufSize uint32) (*BufferRing, error) {
	if count == 0 || count&(count-1) != 0 {
		return nil, fmt.Errorf("uring: buffer ring count %d must be a power of two", count)
	}

	arena, err := mmapAnon(int(count) * int(bufSize))
	if err != nil {
		return nil, fmt.Errorf("alloc buffer arena: %w", err)
	}

	entriesMm, err := mmapAnon(int(count) * int(unsafe.Sizeof(bufRingEntry{})))
	if err != nil {
		munmapAnon(arena)
		return nil, fmt.Errorf("alloc buffer ring entries: %w", err)
	}

	br := &BufferRing{
		ring:      ring,
		groupID:   groupID,
		count:     count,
		bufSize:   bufSize,
		arena:     arena,
		entriesMm: entriesMm,
		entries:   unsafe.Slice((*bufRingEntry)(unsafe.Pointer(&entriesMm[0])), count),
		mask:      count - 1,
	}

	reg := bufRingReg{
		ringAddr:    uint64(uintptr(unsafe.Pointer(&entriesMm[0]))),
		ringEntries: uint32(count),
		bgid:        groupID,
	}
	if err := sysRegister(ring.fd, regRegisterPBufRing, unsafe.Pointer(&reg), 1); err != nil {
		munmapAnon(entriesMm)
		munmapAnon(arena)
		return nil, fmt.Errorf("io_uring_register(PBUF_RING): %w", err)
	}

	for i := uint16(0); i < count; i++ {
		br.addAt(i, i)
	}
	br.Advance(count)

	return br, nil
}

// GroupID is the buf_group identifier multishot receives must name to
// select from this ring.
func (br *BufferRing) GroupID() uint16 { return br.groupID }

// addAt writes buffer idx's descriptor into ring slot (tail+offset).
func (br *BufferRing) addAt(offset uint16, idx uint16) {
	e := &br.entries[(br.tail+offset)&br.mask]
	e.addr = uint64(uintptr(unsafe.Pointer(&br.arena[int(idx)*int(br.bufSize)])))
	e.len = br.bufSize
	e.bid = idx
}

// Advance publishes n newly added buffers to the kernel by moving the
// ring tail. The tail overlays the resv field of the first entry, per
// the io_uring_buf_ring ABI; it is written with a plain 16-bit store.
func (br *BufferRing) Advance(n uint16) {
	br.tail += n
	tailPtr := (*uint16)(unsafe.Pointer(&br.entries[0].resv))
	*tailPtr = br.tail
}

// Recycle returns buffer idx to the ring, to be selected again by a
// future completion. Must be called exactly once per completion that
// selected idx.
func (br *BufferRing) Recycle(idx uint16) {
	br.addAt(0, idx)
	br.Advance(1)
}

// BufferAt returns the bufSize-length slice backing buffer idx. Valid
// to read only between a completion selecting idx and the matching
// Recycle call.
func (br *BufferRing) BufferAt(idx uint16) []byte {
	off := int(idx) * int(br.bufSize)
	return br.arena[off : off+int(br.bufSize)]
}

// Close unregisters the buffer ring and releases its backing memory.
func (br *BufferRing) Close() error {
	err := sysRegister(br.ring.fd, regUnregisterPBufRing, unsafe.Pointer(&bufRingReg{bgid: br.groupID}), 1)
	err = joinErr(err, munmapAnon(br.entriesMm))
	return joinErr(err, munmapAnon(br.arena))
}

func mmapAnon(size int) ([]byte, error) {
	return syscall.Mmap(-1, 0, size, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED|syscall.MAP_ANON)
}

func munmapAnon(b []byte) error {
	if b == nil {
		return nil
	}
	return syscall.Munmap(b)
}
