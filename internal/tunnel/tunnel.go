// Package tunnel maintains the dispatcher's single live connection to the
// backend session process and implements the FD-passing handoff protocol.
package tunnel

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// AckMode selects whether handoff acknowledgement is awaited synchronously
// on the tunnel or deferred to the dispatcher's async tunnel-read callback.
type AckMode int

const (
	AckAsync AckMode = iota
	AckSync
)

// Client owns the single live backend tunnel connection, restated from
// spec §3's Tunnel / §4.9 TunnelClient.
type Client struct {
	mu   sync.Mutex
	conn *net.UnixConn

	nextToken uint64

	Mode  AckMode
	Queue *AckQueue
}

// NewClient returns a Client with no tunnel attached yet.
func NewClient(mode AckMode) *Client {
	return &Client{Mode: mode, Queue: NewAckQueue()}
}

// SetTunnel installs conn as the live tunnel, closing and replacing any
// prior one. Restated from spec §4.9: "any prior tunnel is closed ... and
// the new one replaces it."
func (c *Client) SetTunnel(conn *net.UnixConn) {
	c.mu.Lock()
	prior := c.conn
	c.conn = conn
	c.mu.Unlock()

	if prior != nil {
		if err := prior.Close(); err != nil {
			log.Printf("WARN: tunnel: error closing replaced tunnel: %v", err)
		}
	}
}

// Tunnel returns the current live tunnel connection, or nil if none.
func (c *Client) Tunnel() *net.UnixConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// AllocToken hands out the next monotonically increasing ack token.
func (c *Client) AllocToken() Token {
	return Token(atomic.AddUint64(&c.nextToken, 1))
}

// SendFD passes conn's underlying file descriptor to the backend over
// ancillary data, restated from spec §4.9 step 1-2: the client socket is
// flipped back to blocking mode (by Fd() on a File() duplicate) before the
// ancillary send.
func (c *Client) SendFD(conn net.Conn) error {
	tunnel := c.Tunnel()
	if tunnel == nil {
		return fmt.Errorf("tunnel: no backend connected")
	}

	fileConn, ok := conn.(interface {
		File() (*os.File, error)
	})
	if !ok {
		return fmt.Errorf("tunnel: connection type %T does not support File()", conn)
	}

	// File() duplicates the socket fd; calling Fd() on the duplicate puts it
	// in blocking mode, and since the duplicate shares the client socket's
	// open file description, the client socket becomes blocking too, which
	// is the point at which the handoff protocol requires it per spec §4.9
	// step 1.
	f, err := fileConn.File()
	if err != nil {
		return fmt.Errorf("tunnel: failed to duplicate client fd: %w", err)
	}
	defer f.Close()

	rights := unix.UnixRights(int(f.Fd()))
	if _, _, err := tunnel.WriteMsgUnix(nil, rights, nil); err != nil {
		return fmt.Errorf("tunnel: ancillary FD send failed: %w", err)
	}
	return nil
}

// WriteLoginData writes the fixed-size LoginData record to the tunnel. A
// short write aborts the handoff, restated from spec §4.9 step 3.
func (c *Client) WriteLoginData(data LoginData) error {
	tunnel := c.Tunnel()
	if tunnel == nil {
		return fmt.Errorf("tunnel: no backend connected")
	}

	buf, err := data.Encode()
	if err != nil {
		return fmt.Errorf("tunnel: encode LoginData: %w", err)
	}

	n, err := tunnel.Write(buf)
	if err != nil {
		return fmt.Errorf("tunnel: write LoginData: %w", err)
	}
	if n != len(buf) {
		return fmt.Errorf("tunnel: short write of LoginData (%d of %d bytes)", n, len(buf))
	}
	return nil
}

// AwaitSyncAck blocks reading one ack token from the tunnel and compares it
// to expected. A mismatch is fatal for the tunnel per spec §4.9's
// synchronous-mode description: the tunnel is torn down and NOT_OK returned.
func (c *Client) AwaitSyncAck(expected Token) error {
	tunnel := c.Tunnel()
	if tunnel == nil {
		return fmt.Errorf("tunnel: no backend connected")
	}

	token, err := readToken(tunnel)
	if err != nil {
		return fmt.Errorf("tunnel: sync ack read failed: %w", err)
	}
	if token != expected {
		c.SetTunnel(nil)
		return fmt.Errorf("tunnel: sync ack mismatch: got %d, expected %d", token, expected)
	}
	return nil
}

// ReadAckToken reads one ack token from the async tunnel's read source.
// Restated from spec §4.9's asynchronous-mode description: "reads one
// opaque token at a time". A short/zero read closes the tunnel.
func (c *Client) ReadAckToken() (Token, error) {
	tunnel := c.Tunnel()
	if tunnel == nil {
		return 0, fmt.Errorf("tunnel: no backend connected")
	}
	token, err := readToken(tunnel)
	if err != nil {
		c.SetTunnel(nil)
		return 0, fmt.Errorf("tunnel: async ack read failed, tunnel closed: %w", err)
	}
	return token, nil
}

func readToken(conn *net.UnixConn) (Token, error) {
	var buf [8]byte
	if _, err := io.ReadFull(conn, buf[:]); err != nil {
		return 0, err
	}
	return Token(binary.BigEndian.Uint64(buf[:])), nil
}

// WriteAckToken is the backend-side helper (used by tests/loopback
// backends) to write a token in the wire format ReadAckToken expects.
func WriteAckToken(conn *net.UnixConn, token Token) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(token))
	n, err := conn.Write(buf[:])
	if err != nil {
		return err
	}
	if n != 8 {
		return fmt.Errorf("short ack write: %d of 8 bytes", n)
	}
	return nil
}
