package engine

import (
	"bufio"
	"errors"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMultishotEchoesMessages(t *testing.T) {
	port := freePort(t)

	ms, err := NewMultishot(port)
	if errors.Is(err, syscall.EINVAL) {
		t.Skip("Skipped, provided buffer rings not supported on this kernel")
	}
	require.NoError(t, err)
	defer ms.Close()

	var shutdown atomic.Bool
	runDone := make(chan error, 1)
	go func() { runDone <- ms.Run(&shutdown) }()

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
