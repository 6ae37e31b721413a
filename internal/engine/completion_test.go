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

func TestCompletionEchoesMessages(t *testing.T) {
	port := freePort(t)

	c, err := NewCompletion(port)
	require.NoError(t, err)
	defer c.Close()

	var shutdown atomic.Bool
	runDone := make(chan error, 1)
	go func() { runDone <- c.Run(&shutdown) }()

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

func TestCompletionRejectsWhenPortInUse(t *testing.T) {
	port := freePort(t)

	blocker, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer blocker.Close()

	_, err = NewCompletion(port)
	require.Error(t, err)
}
