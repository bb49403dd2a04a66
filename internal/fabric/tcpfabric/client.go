package tcpfabric

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/pmem/rpmemd/internal/frame"
)

// Client is a minimal data-plane peer for the TCP stand-in, used by a
// demo client to exercise a session end to end without real RDMA
// hardware.
type Client struct {
	conn net.Conn
	tr   *frame.Transport
}

// Dial connects to the daemon's rendezvous port.
func Dial(addr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcpfabric: dial %s: %w", addr, err)
	}
	return &Client{conn: conn, tr: frame.NewConn(conn)}, nil
}

// Write sends data to be copied into the remote region at offset.
func (c *Client) Write(offset uint64, data []byte) error {
	hdr := make([]byte, msgHeaderSize)
	hdr[0] = kindWrite
	binary.BigEndian.PutUint64(hdr[1:9], offset)
	binary.BigEndian.PutUint64(hdr[9:17], uint64(len(data)))
	if err := c.tr.Send(hdr); err != nil {
		return fmt.Errorf("tcpfabric: write header: %w", err)
	}
	if err := c.tr.Send(data); err != nil {
		return fmt.Errorf("tcpfabric: write payload: %w", err)
	}
	return nil
}

// Persist requests the daemon flush [offset, offset+length) to
// persistence. Only meaningful under GPSPM; APM daemons never invoke
// their persist callback, so this is a no-op from the server's
// perspective under that mode.
func (c *Client) Persist(offset, length uint64) error {
	hdr := make([]byte, msgHeaderSize)
	hdr[0] = kindPersist
	binary.BigEndian.PutUint64(hdr[1:9], offset)
	binary.BigEndian.PutUint64(hdr[9:17], length)
	if err := c.tr.Send(hdr); err != nil {
		return fmt.Errorf("tcpfabric: persist: %w", err)
	}
	return nil
}

// Close closes the data-plane connection, which the daemon observes as
// the client's half of the close handshake.
func (c *Client) Close() error {
	return c.conn.Close()
}
