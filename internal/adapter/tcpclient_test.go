package adapter

import (
	"bufio"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startServer accepts one connection and hands it to the test.
func startServer(t *testing.T) (int, <-chan net.Conn) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	conns := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		t.Cleanup(func() { c.Close() })
		conns <- c
	}()
	return ln.Addr().(*net.TCPAddr).Port, conns
}

func TestNewTCPClient_Validation(t *testing.T) {
	_, err := NewTCPClient(Settings{Name: "X"}, TCPClientParams{WritePort: 1})
	assert.Error(t, err)

	_, err = NewTCPClient(Settings{Name: "X"}, TCPClientParams{Host: "localhost"})
	assert.Error(t, err)

	_, err = NewTCPClient(Settings{Name: "X"}, TCPClientParams{Host: "localhost", WritePort: 1, Terminator: "xyz"})
	assert.Error(t, err)

	c, err := NewTCPClient(Settings{Name: "X"}, TCPClientParams{Host: "localhost", WritePort: 1})
	require.NoError(t, err)
	assert.False(t, c.ReadAllowed())
	assert.True(t, c.WriteAllowed())
}

func TestTCPClient_ReadWrite(t *testing.T) {
	port, conns := startServer(t)
	c, err := NewTCPClient(Settings{Name: "INST_INT"}, TCPClientParams{
		Host: "127.0.0.1", WritePort: port, ReadPort: port, Terminator: "0a",
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	defer c.Disconnect()
	assert.True(t, c.Connected())

	server := <-conns

	t.Run("write appends terminator", func(t *testing.T) {
		require.NoError(t, c.WriteRaw(ctx, []byte("PING")))
		line, err := bufio.NewReader(server).ReadString('\n')
		require.NoError(t, err)
		assert.Equal(t, "PING\n", line)
		assert.Equal(t, int64(1), c.Stats().WriteCount)
	})

	t.Run("read returns frames", func(t *testing.T) {
		_, err := server.Write([]byte("ONE\nTWO\n"))
		require.NoError(t, err)

		p, err := c.Read(ctx)
		require.NoError(t, err)
		assert.Equal(t, []byte("ONE"), p.Buffer)
		assert.False(t, p.ReceivedTime.IsZero())

		p, err = c.Read(ctx)
		require.NoError(t, err)
		assert.Equal(t, []byte("TWO"), p.Buffer)
		assert.Equal(t, 1, c.Stats().Clients)
	})

	t.Run("orderly close reads as nil packet", func(t *testing.T) {
		server.Close()
		p, err := c.Read(ctx)
		assert.NoError(t, err)
		assert.Nil(t, p)
	})
}

func TestTCPClient_ConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	c, err := NewTCPClient(Settings{Name: "INST_INT"}, TCPClientParams{Host: "127.0.0.1", WritePort: port, ConnectTimeout: time.Second})
	require.NoError(t, err)

	err = c.Connect(context.Background())
	require.Error(t, err)
	assert.False(t, c.Connected())
}

func TestTCPClient_WriteWhenDisconnected(t *testing.T) {
	c, err := NewTCPClient(Settings{Name: "INST_INT"}, TCPClientParams{Host: "127.0.0.1", WritePort: 1})
	require.NoError(t, err)

	err = c.WriteRaw(context.Background(), []byte{1})
	assert.True(t, errors.Is(err, ErrNotConnected))
	assert.NoError(t, c.Disconnect())
}
