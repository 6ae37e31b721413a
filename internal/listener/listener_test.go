package listener

import (
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestNewBindsListensAndAccepts(t *testing.T) {
	fd, err := New(0, false)
	require.NoError(t, err)
	defer unix.Close(fd)

	sa, err := unix.Getsockname(fd)
	require.NoError(t, err)
	sa4, ok := sa.(*unix.SockaddrInet4)
	require.True(t, ok)

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(sa4.Port))

	clientDone := make(chan struct{})
	go func() {
		defer close(clientDone)
		c, derr := net.Dial("tcp", addr)
		assert.NoError(t, derr)
		if c != nil {
			c.Close()
		}
	}()

	cfd, _, err := unix.Accept(fd)
	require.NoError(t, err)
	defer unix.Close(cfd)

	<-clientDone
}

func TestNewNonblockingSetsFlag(t *testing.T) {
	fd, err := New(0, true)
	require.NoError(t, err)
	defer unix.Close(fd)

	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	require.NoError(t, err)
	assert.NotZero(t, flags&unix.O_NONBLOCK)
}

func TestSetNoDelay(t *testing.T) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fd)

	require.NoError(t, SetNoDelay(fd))

	v, err := unix.GetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}
