package uring

import (
	"context"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// makeTCPListener opens a blocking TCP listener and returns its raw fd
// alongside the *net.TCPListener that owns it, mirroring the teacher's
// test helper of the same name.
func makeTCPListener(t *testing.T, addr string) (*net.TCPListener, uintptr) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var ctrlErr error
			err := c.Control(func(fd uintptr) {
				ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if ctrlErr != nil {
				return ctrlErr
			}
			return err
		},
	}

	ln, err := lc.Listen(context.Background(), "tcp", addr)
	require.NoError(t, err)

	tcpLn := ln.(*net.TCPListener)
	f, err := tcpLn.File()
	require.NoError(t, err)

	return tcpLn, f.Fd()
}

// TestAcceptSendRecv exercises an accept and a recv through the ring,
// with the client sending over its own net.Conn, grounded on the
// teacher's ring_accept_test.go.
func TestAcceptSendRecv(t *testing.T) {
	ring, err := New(16)
	require.NoError(t, err)
	defer ring.Close()

	ln, listenerFd := makeTCPListener(t, "127.0.0.1:0")
	defer ln.Close()

	addr := ln.Addr().String()
	clientConnCh := make(chan net.Conn, 1)
	go func() {
		c, derr := net.Dial("tcp", addr)
		require.NoError(t, derr)
		clientConnCh <- c
	}()

	require.NoError(t, ring.QueueSQE(Accept(listenerFd, 0), 0, 1))
	_, err = ring.Submit()
	require.NoError(t, err)

	cqe, err := ring.WaitCQEvents(1)
	require.NoError(t, err)
	require.NoError(t, cqe.Error())
	acceptedFd := uintptr(cqe.Res)
	ring.SeenCQE(cqe)

	clientConn := <-clientConnCh
	defer clientConn.Close()

	const payload = "hello io_uring"
	readBuf := make([]byte, 64)
	require.NoError(t, ring.QueueSQE(Recv(acceptedFd, readBuf, 0), 0, 2))
	_, err = ring.Submit()
	require.NoError(t, err)

	_, err = clientConn.Write([]byte(payload))
	require.NoError(t, err)

	cqe, err = ring.WaitCQEvents(1)
	require.NoError(t, err)
	require.NoError(t, cqe.Error())
	assert.Equal(t, len(payload), int(cqe.Res))
	assert.Equal(t, payload, string(readBuf[:cqe.Res]))
	ring.SeenCQE(cqe)
}

// TestAcceptCancel exercises ASYNC_CANCEL against an outstanding
// accept, grounded on the teacher's TestAcceptCancel.
func TestAcceptCancel(t *testing.T) {
	ring, err := New(8)
	require.NoError(t, err)
	defer ring.Close()

	ln, listenerFd := makeTCPListener(t, "127.0.0.1:0")
	defer ln.Close()

	require.NoError(t, ring.QueueSQE(Accept(listenerFd, 0), 0, 1))
	_, err = ring.Submit()
	require.NoError(t, err)

	require.NoError(t, ring.QueueSQE(Cancel(1, 0), 0, 2))
	_, err = ring.Submit()
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		cqe, err := ring.WaitCQEvents(1)
		require.NoError(t, err)
		switch cqe.UserData {
		case 1:
			assert.True(t, cqe.Error() == syscall.ECANCELED || cqe.Error() == nil)
		case 2:
			assert.True(t, cqe.Error() == nil || cqe.Error() == syscall.EALREADY)
		}
		ring.SeenCQE(cqe)
	}
}
