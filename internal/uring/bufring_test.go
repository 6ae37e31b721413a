package uring

import (
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferRingRegisterAndRecycle(t *testing.T) {
	ring, err := New(16)
	require.NoError(t, err)
	defer ring.Close()

	br, err := NewBufferRing(ring, 1, 4, 256)
	if errors.Is(err, syscall.EINVAL) {
		t.Skipf("Skipped, provided buffer rings not supported on this kernel")
	}
	require.NoError(t, err)
	defer br.Close()

	assert.Equal(t, uint16(1), br.GroupID())

	buf := br.BufferAt(0)
	assert.Len(t, buf, 256)

	// Recycle buffer 2. No completion has selected it here, so this
	// only checks that the call does not panic; the ring is not used
	// for receives afterwards.
	br.Recycle(2)
}

func TestNewBufferRingRejectsNonPowerOfTwo(t *testing.T) {
	ring, err := New(8)
	require.NoError(t, err)
	defer ring.Close()

	_, err = NewBufferRing(ring, 1, 3, 256)
	require.Error(t, err)
}
