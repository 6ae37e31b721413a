package engine

import (
	"bufio"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// freePort asks the kernel for an ephemeral port by briefly listening
// on it, mirroring the pattern the teacher's tests use for picking
// collision-free ports.
func freePort(t *testing.T) int {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestReadinessEchoesMessages(t *testing.T) {
	port := freePort(t)

	r, err := NewReadiness(port)
	require.NoError(t, err)
	defer r.Close()

	var shutdown atomic.Bool
	runDone := make(chan error, 1)
	go func() { runDone <- r.Run(&shutdown) }()

	conn := dialWithRetry(t, port)
	defer conn.Close()

	const msg = "ping\n"
	_, err = conn.Write([]byte(msg))
	require.NoError(t, err)

	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, msg, line)

	shutdown.Store(true)
	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not shut down within the poll timeout window")
	}
}

func dialWithRetry(t *testing.T, port int) net.Conn {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))

	var lastErr error
	for i := 0; i < 50; i++ {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			return conn
		}
		lastErr = err
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("dial %s: %v", addr, lastErr)
	return nil
}
