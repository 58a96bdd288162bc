package adapter

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dyluth/groundlink/pkg/packet"
)

// KindTCPClient is the registry name of the TCP client adapter.
const KindTCPClient = "tcpclient"

// TCPClientParams are the construction parameters of a TCP client adapter.
// When WritePort and ReadPort are equal a single socket is used for both.
type TCPClientParams struct {
	Host           string        `mapstructure:"host"`
	WritePort      int           `mapstructure:"write_port"`
	ReadPort       int           `mapstructure:"read_port"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	// Terminator is a hex byte sequence. When set, reads are split into
	// frames on it and writes have it appended.
	Terminator     string `mapstructure:"terminator"`
	KeepTerminator bool   `mapstructure:"keep_terminator"`
	ReadBufferSize int    `mapstructure:"read_buffer_size"`
}

// TCPClient connects out to a TCP server.
type TCPClient struct {
	*Base
	params TCPClientParams
	framer *Terminated

	mu        sync.Mutex
	writeConn net.Conn
	readConn  net.Conn
	connected atomic.Bool
}

var _ ConnectionAdapter = (*TCPClient)(nil)

// NewTCPClient validates params and returns a disconnected adapter.
func NewTCPClient(settings Settings, params TCPClientParams) (*TCPClient, error) {
	if params.Host == "" {
		return nil, fmt.Errorf("tcpclient: host is required")
	}
	if params.WritePort <= 0 && params.ReadPort <= 0 {
		return nil, fmt.Errorf("tcpclient: at least one of write_port and read_port is required")
	}
	if params.ConnectTimeout <= 0 {
		params.ConnectTimeout = 5 * time.Second
	}
	if params.ReadBufferSize <= 0 {
		params.ReadBufferSize = 64 * 1024
	}

	c := &TCPClient{Base: NewBase(settings), params: params}
	if params.ReadPort <= 0 {
		c.readAllowed = false
	}
	if params.WritePort <= 0 {
		c.writeAllowed = false
		c.writeRawAllowed = false
	}
	if params.Terminator != "" {
		term, err := hex.DecodeString(params.Terminator)
		if err != nil || len(term) == 0 {
			return nil, fmt.Errorf("tcpclient: invalid terminator %q", params.Terminator)
		}
		c.framer = NewTerminated(term, params.KeepTerminator)
		c.AddProtocol(c.framer, DirectionReadWrite)
	}
	return c, nil
}

// Connect dials the configured ports.
func (c *TCPClient) Connect(ctx context.Context) error {
	dialer := net.Dialer{Timeout: c.params.ConnectTimeout}

	var writeConn, readConn net.Conn
	var err error
	if c.params.WritePort > 0 {
		writeConn, err = dialer.DialContext(ctx, "tcp", c.addr(c.params.WritePort))
		if err != nil {
			return fmt.Errorf("tcpclient: connect write port: %w", err)
		}
	}
	if c.params.ReadPort > 0 {
		if c.params.ReadPort == c.params.WritePort {
			readConn = writeConn
		} else {
			readConn, err = dialer.DialContext(ctx, "tcp", c.addr(c.params.ReadPort))
			if err != nil {
				if writeConn != nil {
					writeConn.Close()
				}
				return fmt.Errorf("tcpclient: connect read port: %w", err)
			}
		}
	}

	c.mu.Lock()
	c.writeConn, c.readConn = writeConn, readConn
	c.mu.Unlock()
	c.ResetProtocols()
	c.connected.Store(true)
	return nil
}

// PostConnect has nothing to do for a plain TCP client.
func (c *TCPClient) PostConnect(context.Context) error { return nil }

func (c *TCPClient) addr(port int) string {
	return net.JoinHostPort(c.params.Host, strconv.Itoa(port))
}

// Disconnect closes both sockets. Safe to call when already disconnected.
func (c *TCPClient) Disconnect() error {
	c.connected.Store(false)

	c.mu.Lock()
	writeConn, readConn := c.writeConn, c.readConn
	c.writeConn, c.readConn = nil, nil
	c.mu.Unlock()

	var err error
	if writeConn != nil {
		err = writeConn.Close()
	}
	if readConn != nil && readConn != writeConn {
		if rerr := readConn.Close(); err == nil {
			err = rerr
		}
	}
	return err
}

// Connected reports whether the sockets are open.
func (c *TCPClient) Connected() bool {
	return c.connected.Load()
}

// Read returns the next frame (or the next burst of bytes when no
// terminator is configured). An orderly close by the server yields (nil, nil).
func (c *TCPClient) Read(ctx context.Context) (*packet.Packet, error) {
	c.mu.Lock()
	conn := c.readConn
	c.mu.Unlock()
	if conn == nil {
		return nil, ErrNotConnected
	}

	buf := make([]byte, c.params.ReadBufferSize)
	for {
		if c.framer != nil {
			if frame := c.framer.Next(); frame != nil {
				return c.received(frame), nil
			}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if c.params.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(c.params.ReadTimeout))
		}

		n, err := conn.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, nil
			}
			return nil, fmt.Errorf("tcpclient: read: %w", err)
		}
		if c.framer == nil {
			data := make([]byte, n)
			copy(data, buf[:n])
			return c.received(data), nil
		}
		c.framer.Feed(buf[:n])
	}
}

func (c *TCPClient) received(data []byte) *packet.Packet {
	c.RecordRead(data)
	p := packet.New("", "", data)
	p.ReceivedTime = time.Now()
	return p
}

// Write sends the packet buffer.
func (c *TCPClient) Write(ctx context.Context, p *packet.Packet) error {
	return c.WriteRaw(ctx, p.Buffer)
}

// WriteRaw sends bytes as-is, plus the terminator when one is configured.
func (c *TCPClient) WriteRaw(_ context.Context, data []byte) error {
	if !c.Connected() {
		return ErrNotConnected
	}
	return c.WithWriteLock(func() error {
		c.mu.Lock()
		conn := c.writeConn
		c.mu.Unlock()
		if conn == nil {
			return ErrNotConnected
		}
		if c.framer != nil {
			data = c.framer.Frame(data)
		}
		if c.params.WriteTimeout > 0 {
			_ = conn.SetWriteDeadline(time.Now().Add(c.params.WriteTimeout))
		}
		if _, err := conn.Write(data); err != nil {
			return fmt.Errorf("tcpclient: write: %w", err)
		}
		c.RecordWrite(data)
		return nil
	})
}

// ConnectionString describes the remote endpoints.
func (c *TCPClient) ConnectionString() string {
	return fmt.Sprintf("tcp://%s (write port %d, read port %d)", c.params.Host, c.params.WritePort, c.params.ReadPort)
}

// Stats adds the connected client count to the base counters.
func (c *TCPClient) Stats() Stats {
	s := c.Base.Stats()
	if c.Connected() {
		s.Clients = 1
	}
	return s
}
