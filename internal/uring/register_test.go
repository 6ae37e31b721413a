package uring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbeReportsAcceptAndRecv(t *testing.T) {
	ring, err := New(8)
	require.NoError(t, err)
	defer ring.Close()

	probe, err := ring.Probe()
	require.NoError(t, err)

	accept := probe.GetOP(int(OpAccept))
	recv := probe.GetOP(int(OpRecv))
	if accept.Flags&OpSupportedFlag == 0 || recv.Flags&OpSupportedFlag == 0 {
		t.Skip("Skipped, accept/recv not reported as supported by this kernel's probe")
	}
	assert.NotZero(t, accept.Flags&OpSupportedFlag)
	assert.NotZero(t, recv.Flags&OpSupportedFlag)
}

func TestSetIOWQMaxWorkers(t *testing.T) {
	ring, err := New(8)
	require.NoError(t, err)
	defer ring.Close()

	err = ring.SetIOWQMaxWorkers(4)
	require.NoError(t, err)
}
