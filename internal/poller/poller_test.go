package poller

import (
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fdOf(t *testing.T, c syscall.Conn) int {
	t.Helper()
	raw, err := c.SyscallConn()
	require.NoError(t, err)
	var fd int
	require.NoError(t, raw.Control(func(rawFd uintptr) { fd = int(rawFd) }))
	return fd
}

func TestPollerReportsWritableThenReadable(t *testing.T) {
	p, err := Open()
	require.NoError(t, err)
	defer p.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()
	server, err := ln.Accept()
	require.NoError(t, err)
	defer server.Close()

	sfd := fdOf(t, server)
	require.NoError(t, p.AddWrite(sfd))

	events, err := p.Poll(1000, nil)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	require.Equal(t, sfd, events[0].FD)
	require.True(t, events[0].Writable)

	// one-shot: read interest must be armed explicitly before a second
	// poll reports the incoming byte.
	_, err = client.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, p.AddRead(sfd))
	events, err = p.Poll(1000, events[:0])
	require.NoError(t, err)
	require.NotEmpty(t, events)
	require.True(t, events[0].Readable)

	_ = time.Second
}
