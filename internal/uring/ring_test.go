package uring

import (
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndClose(t *testing.T) {
	ring, err := New(64)
	require.NoError(t, err)
	require.NotZero(t, ring.Fd())
	require.NoError(t, ring.Close())
}

func TestNewRejectsOversizedRing(t *testing.T) {
	_, err := New(MaxEntries + 1)
	require.ErrorIs(t, err, ErrRingSetup)
}

func TestNopRoundtrip(t *testing.T) {
	ring, err := New(8)
	require.NoError(t, err)
	defer ring.Close()

	require.NoError(t, ring.QueueSQE(Nop(), 0, 42))
	_, err = ring.Submit()
	require.NoError(t, err)

	cqe, err := ring.WaitCQEvents(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), cqe.UserData)
	assert.NoError(t, cqe.Error())
	ring.SeenCQE(cqe)
}

func TestWaitCQEventsWithTimeoutExpires(t *testing.T) {
	ring, err := New(8)
	require.NoError(t, err)
	defer ring.Close()

	start := time.Now()
	_, err = ring.WaitCQEventsWithTimeout(1, 50*time.Millisecond)
	assert.ErrorIs(t, err, syscall.ETIME)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestSQRingOverflow(t *testing.T) {
	ring, err := New(1)
	require.NoError(t, err)
	defer ring.Close()

	require.NoError(t, ring.QueueSQE(Nop(), 0, 1))
	_, err = ring.NextSQE()
	assert.ErrorIs(t, err, ErrSQRingOverflow)
}
